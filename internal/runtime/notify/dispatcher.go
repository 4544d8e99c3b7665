package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/l0p7/offlinegate/internal/metrics"
)

// ClickResult describes how a notification click was routed.
type ClickResult struct {
	Target   string `json:"target"`
	Action   string `json:"action,omitempty"`
	WindowID string `json:"windowId"`
	Opened   bool   `json:"opened"`
}

// Dispatcher decodes push payloads, shows them, and routes clicks to windows.
// It keeps no state between dispatches.
type Dispatcher struct {
	presenter Presenter
	windows   Windows
	origin    *url.URL
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// Config wires a Dispatcher. Origin is the application origin that relative
// notification targets resolve against.
type Config struct {
	Presenter Presenter
	Windows   Windows
	Origin    string
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Presenter == nil {
		return nil, errors.New("notify: presenter required")
	}
	if cfg.Windows == nil {
		return nil, errors.New("notify: window registry required")
	}
	origin, err := url.Parse(strings.TrimSpace(cfg.Origin))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("notify: origin must be an absolute url: %q", cfg.Origin)
	}
	origin.Path, origin.RawPath, origin.RawQuery, origin.Fragment = "", "", "", ""
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		presenter: cfg.Presenter,
		windows:   cfg.Windows,
		origin:    origin,
		metrics:   cfg.Metrics,
		logger:    logger.With(slog.String("agent", "notify")),
	}, nil
}

// Dispatch decodes payload and shows it. Invalid payloads are dropped: the
// error wraps ErrMalformedPayload and nothing is shown.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) (Notification, error) {
	n, err := Decode(payload)
	if err != nil {
		d.metrics.ObservePush("dispatch", "dropped")
		d.logger.LogAttrs(ctx, slog.LevelDebug, "push payload dropped", slog.String("error", err.Error()))
		return Notification{}, err
	}
	n.ID = uuid.NewString()
	if err := d.presenter.Show(ctx, n); err != nil {
		d.metrics.ObservePush("dispatch", "error")
		return Notification{}, fmt.Errorf("notify: show: %w", err)
	}
	d.metrics.ObservePush("dispatch", "shown")
	d.logger.LogAttrs(ctx, slog.LevelInfo, "notification shown",
		slog.String("notification_id", n.ID),
		slog.String("title", n.Title),
	)
	return n, nil
}

// Click focuses a window already showing the notification's target or opens
// a new one.
func (d *Dispatcher) Click(ctx context.Context, n Notification, action string) ClickResult {
	target := d.Resolve(n.TargetURL())
	result := ClickResult{Target: target, Action: action}

	for _, w := range d.windows.List(ctx) {
		if w.URL != target {
			continue
		}
		if focused, ok := d.windows.Focus(ctx, w.ID); ok {
			result.WindowID = focused.ID
			d.metrics.ObservePush("click", "focused")
			d.logger.LogAttrs(ctx, slog.LevelInfo, "notification click focused window",
				slog.String("target", target),
				slog.String("window_id", focused.ID),
			)
			return result
		}
	}

	opened := d.windows.Open(ctx, target)
	result.WindowID = opened.ID
	result.Opened = true
	d.metrics.ObservePush("click", "opened")
	d.logger.LogAttrs(ctx, slog.LevelInfo, "notification click opened window",
		slog.String("target", target),
		slog.String("window_id", opened.ID),
	)
	return result
}

// Resolve turns a notification target into an absolute URL on the
// application origin. Targets on other origins fall back to the origin root.
func (d *Dispatcher) Resolve(target string) string {
	ref, err := url.Parse(target)
	if err != nil {
		return d.origin.ResolveReference(&url.URL{Path: "/"}).String()
	}
	resolved := d.origin.ResolveReference(ref)
	if resolved.Scheme != d.origin.Scheme || resolved.Host != d.origin.Host {
		return d.origin.ResolveReference(&url.URL{Path: "/"}).String()
	}
	return resolved.String()
}

// Register records a window the dashboard opened itself, keyed by its
// resolved URL so later clicks can focus it.
func (d *Dispatcher) Register(ctx context.Context, target string) Window {
	w := d.windows.Open(ctx, d.Resolve(target))
	d.logger.LogAttrs(ctx, slog.LevelDebug, "window registered",
		slog.String("window_id", w.ID),
		slog.String("url", w.URL),
	)
	return w
}
