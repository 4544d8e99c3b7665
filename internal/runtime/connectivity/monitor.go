package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/l0p7/offlinegate/internal/metrics"
	"github.com/l0p7/offlinegate/internal/runtime/network"
)

// Monitor tracks upstream reachability from live fetch outcomes and an
// optional periodic probe. Each offline to online transition invokes the
// restore callback once.
type Monitor struct {
	onRestore func(context.Context)
	probe     func(context.Context) error
	interval  time.Duration
	metrics   *metrics.Recorder
	logger    *slog.Logger

	mu     sync.Mutex
	online bool
	base   context.Context
}

// Config wires a Monitor. Probe and Interval are optional; without them the
// monitor relies on live traffic.
type Config struct {
	OnRestore func(context.Context)
	Probe     func(context.Context) error
	Interval  time.Duration
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

// New returns a monitor that starts in the online state.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Monitor{
		onRestore: cfg.OnRestore,
		probe:     cfg.Probe,
		interval:  cfg.Interval,
		metrics:   cfg.Metrics,
		logger:    logger.With(slog.String("agent", "connectivity")),
		online:    true,
		base:      context.Background(),
	}
	m.metrics.SetOnline(true)
	return m
}

// FetchProbe builds a probe that issues GET target through fetcher. Any HTTP
// response counts as reachable.
func FetchProbe(fetcher network.Fetcher, target string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := fetcher.Fetch(ctx, network.Request{Method: http.MethodGet, URL: target})
		return err
	}
}

// Online reports the last observed reachability.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// ObserveReachability records a fetch outcome.
func (m *Monitor) ObserveReachability(online bool) {
	m.mu.Lock()
	restored := online && !m.online
	changed := online != m.online
	m.online = online
	base := m.base
	m.mu.Unlock()

	if !changed {
		return
	}
	m.metrics.SetOnline(online)
	if !restored {
		m.logger.LogAttrs(base, slog.LevelWarn, "upstream unreachable")
		return
	}
	m.logger.LogAttrs(base, slog.LevelInfo, "upstream reachable again")
	if m.onRestore != nil {
		go m.onRestore(base)
	}
}

// Run probes on the configured interval until ctx is cancelled. Restore
// callbacks started after Run begins inherit ctx.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	if m.probe == nil || m.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := m.probe(ctx)
			if ctx.Err() != nil {
				return nil
			}
			m.ObserveReachability(err == nil)
		}
	}
}
