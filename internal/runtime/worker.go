package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/offlinegate/internal/config"
	"github.com/l0p7/offlinegate/internal/metrics"
	"github.com/l0p7/offlinegate/internal/runtime/cache"
	"github.com/l0p7/offlinegate/internal/runtime/lifecycle"
	"github.com/l0p7/offlinegate/internal/runtime/network"
	"github.com/l0p7/offlinegate/internal/runtime/notify"
	"github.com/l0p7/offlinegate/internal/runtime/queue"
	"github.com/l0p7/offlinegate/internal/runtime/request"
	"github.com/l0p7/offlinegate/internal/runtime/strategy"
)

const (
	// QueuedHeader carries the mutation id of a write queued for replay.
	QueuedHeader = "X-Offline-Queued"

	defaultSyncTag = "offline-mutations"
	maxRequestBody = 10 << 20
)

var (
	// ErrSyncTagMismatch reports a sync event addressed to another tag.
	ErrSyncTagMismatch = errors.New("runtime: sync tag not handled")
	// ErrRequestTooLarge reports a request body over the configured limit.
	// Such requests are neither forwarded nor queued.
	ErrRequestTooLarge = errors.New("runtime: request body too large")
)

// EventHandler is the set of host events the worker reacts to.
type EventHandler interface {
	Install(ctx context.Context, manifest config.Manifest) error
	Activate(ctx context.Context) (string, error)
	Fetch(ctx context.Context, r *http.Request) (network.Response, error)
	Sync(ctx context.Context, tag string) (queue.Result, error)
	Push(ctx context.Context, payload []byte) (notify.Notification, error)
	NotificationClick(ctx context.Context, n notify.Notification, action string) (notify.ClickResult, error)
}

var _ EventHandler = (*Worker)(nil)

// WorkerOptions wires the worker's collaborators. Classifier, Lifecycle,
// Executor, Queue, Replayer and Dispatcher are required. MaxRequestBody
// defaults to 10 MiB.
type WorkerOptions struct {
	Classifier        *request.Classifier
	Inference         request.Inference
	Lifecycle         *lifecycle.Manager
	Executor          *strategy.Executor
	Queue             queue.Store
	Replayer          *queue.Replayer
	Policy            *queue.Policy
	Dispatcher        *notify.Dispatcher
	SyncTag           string
	CorrelationHeader string
	MaxRequestBody    int64
	Metrics           *metrics.Recorder
}

// Worker carries the interception layer's state: cache generations, the
// mutation queue, and notification routing. It has no package-level state.
type Worker struct {
	logger            *slog.Logger
	classifier        *request.Classifier
	inference         request.Inference
	lifecycle         *lifecycle.Manager
	executor          *strategy.Executor
	queue             queue.Store
	replayer          *queue.Replayer
	policy            *queue.Policy
	dispatcher        *notify.Dispatcher
	syncTag           string
	correlationHeader string
	maxRequestBody    int64
	metrics           *metrics.Recorder
}

func NewWorker(logger *slog.Logger, opts WorkerOptions) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case opts.Classifier == nil:
		return nil, errors.New("runtime: classifier required")
	case opts.Lifecycle == nil:
		return nil, errors.New("runtime: lifecycle manager required")
	case opts.Executor == nil:
		return nil, errors.New("runtime: strategy executor required")
	case opts.Queue == nil || opts.Replayer == nil:
		return nil, errors.New("runtime: mutation queue required")
	case opts.Dispatcher == nil:
		return nil, errors.New("runtime: notification dispatcher required")
	}
	syncTag := strings.TrimSpace(opts.SyncTag)
	if syncTag == "" {
		syncTag = defaultSyncTag
	}
	maxBody := opts.MaxRequestBody
	if maxBody <= 0 {
		maxBody = maxRequestBody
	}
	return &Worker{
		logger:            logger.With(slog.String("agent", "worker")),
		classifier:        opts.Classifier,
		inference:         opts.Inference,
		lifecycle:         opts.Lifecycle,
		executor:          opts.Executor,
		queue:             opts.Queue,
		replayer:          opts.Replayer,
		policy:            opts.Policy,
		dispatcher:        opts.Dispatcher,
		syncTag:           syncTag,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		maxRequestBody:    maxBody,
		metrics:           opts.Metrics,
	}, nil
}

// Install precaches the manifest's URLs into a new generation.
func (w *Worker) Install(ctx context.Context, manifest config.Manifest) error {
	if err := manifest.Validate(); err != nil {
		return fmt.Errorf("%w: %w", lifecycle.ErrInstallFailed, err)
	}
	return w.lifecycle.Install(ctx, manifest.Generation, manifest.URLs)
}

// Activate switches to the most recently installed generation.
func (w *Worker) Activate(ctx context.Context) (string, error) {
	return w.lifecycle.Activate(ctx)
}

// Deploy installs manifest and activates it.
func (w *Worker) Deploy(ctx context.Context, manifest config.Manifest) error {
	if err := w.Install(ctx, manifest); err != nil {
		return err
	}
	_, err := w.Activate(ctx)
	return err
}

// Resume reactivates generation from a persistent cache that survived a
// restart. It is the fallback when Deploy cannot reach the upstream.
func (w *Worker) Resume(ctx context.Context, generation string) error {
	if err := w.lifecycle.Resume(ctx, generation); err != nil {
		return err
	}
	_, err := w.Activate(ctx)
	return err
}

// Fetch classifies r, runs its caching strategy under a generation lease, and
// queues eligible writes that fail for lack of connectivity. A non-nil error
// means no response could be produced. Bodies over the configured limit fail
// with ErrRequestTooLarge before anything is forwarded or queued.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (network.Response, error) {
	start := time.Now()
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, w.maxRequestBody+1))
		if err != nil {
			return network.Response{}, fmt.Errorf("runtime: read request body: %w", err)
		}
		if int64(len(body)) > w.maxRequestBody {
			w.metrics.ObserveFetch("", "", "error", 0, time.Since(start))
			return network.Response{}, fmt.Errorf("%w: limit is %d bytes", ErrRequestTooLarge, w.maxRequestBody)
		}
	}

	desc := request.FromHTTP(r, w.inference)
	class := w.classifier.Classify(desc)
	// HEAD is answered from the stored GET entry.
	keyMethod := desc.Method
	if keyMethod == http.MethodHead {
		keyMethod = http.MethodGet
	}
	req := strategy.Request{
		Network: network.Request{
			Method: desc.Method,
			URL:    desc.URL,
			Header: r.Header.Clone(),
			Body:   body,
		},
		Key:     cache.KeyFor(keyMethod, desc.URL, desc.Vary),
		BaseKey: cache.KeyFor(keyMethod, desc.URL, nil),
	}

	generation, release := w.lifecycle.Acquire()
	resp, name, err := w.executor.Execute(ctx, class, generation, req)
	release()

	if err != nil && !desc.IsRead() && errors.Is(err, network.ErrNetworkUnavailable) {
		resp, err = w.deferWrite(ctx, desc, class, req.Network)
	}
	if err != nil {
		w.metrics.ObserveFetch(string(class), string(name), "error", 0, time.Since(start))
		return network.Response{}, err
	}
	w.metrics.ObserveFetch(string(class), string(name), string(resp.Source), resp.Status, time.Since(start))
	return resp, nil
}

func (w *Worker) deferWrite(ctx context.Context, desc request.Descriptor, class request.Class, req network.Request) (network.Response, error) {
	resp := strategy.OfflineResponse()
	eligible, err := w.policy.Eligible(queue.Candidate{
		Method: desc.Method,
		URL:    desc.URL,
		Path:   desc.Path,
		Class:  string(class),
		Header: req.Header,
	})
	if err != nil {
		w.logger.LogAttrs(ctx, slog.LevelWarn, "queue eligibility evaluation failed", slog.String("error", err.Error()))
		return resp, nil
	}
	if !eligible {
		return resp, nil
	}
	m, err := w.queue.Enqueue(ctx, queue.Mutation{
		Method:  req.Method,
		URL:     req.URL,
		Header:  queue.CaptureHeaders(req.Header),
		Payload: req.Body,
	})
	if err != nil {
		w.logger.LogAttrs(ctx, slog.LevelError, "mutation enqueue failed", slog.String("error", err.Error()))
		return resp, nil
	}
	w.metrics.ObserveMutation("enqueued")
	if n, err := w.queue.Len(ctx); err == nil {
		w.metrics.SetQueueDepth(n)
	}
	w.logger.LogAttrs(ctx, slog.LevelInfo, "write queued for replay",
		slog.Int64("mutation_id", m.ID),
		slog.String("method", m.Method),
		slog.String("url", m.URL),
	)
	resp.Header.Set(QueuedHeader, strconv.FormatInt(m.ID, 10))
	return resp, nil
}

// Sync replays the mutation queue when tag addresses it. An empty tag means
// the default tag.
func (w *Worker) Sync(ctx context.Context, tag string) (queue.Result, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		tag = w.syncTag
	}
	if tag != w.syncTag {
		return queue.Result{}, fmt.Errorf("%w: %q", ErrSyncTagMismatch, tag)
	}
	return w.replayer.Replay(ctx)
}

// Push decodes and shows a push payload.
func (w *Worker) Push(ctx context.Context, payload []byte) (notify.Notification, error) {
	return w.dispatcher.Dispatch(ctx, payload)
}

// NotificationClick routes a click to a focused or newly opened window.
func (w *Worker) NotificationClick(ctx context.Context, n notify.Notification, action string) (notify.ClickResult, error) {
	return w.dispatcher.Click(ctx, n, action), nil
}

// OpenClient registers a dashboard window with the notification router.
func (w *Worker) OpenClient(ctx context.Context, target string) notify.Window {
	return w.dispatcher.Register(ctx, target)
}

// Generation reports the lifecycle status.
func (w *Worker) Generation() lifecycle.Status {
	return w.lifecycle.Status()
}

// Pending lists queued mutations in replay order.
func (w *Worker) Pending(ctx context.Context) ([]queue.Mutation, error) {
	return w.queue.List(ctx)
}

// Parked lists mutations that exhausted their retries.
func (w *Worker) Parked(ctx context.Context) ([]queue.Parked, error) {
	return w.queue.Parked(ctx)
}

// ServeFetch adapts Fetch to an http.Handler for the proxy surface.
func (w *Worker) ServeFetch(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := w.requestCorrelationID(r)
	reqLogger := w.logger.With(slog.String("correlation_id", correlationID))

	resp, err := w.Fetch(r.Context(), r)
	if w.correlationHeader != "" {
		rw.Header().Set(w.correlationHeader, correlationID)
	}
	if err != nil {
		reqLogger.LogAttrs(r.Context(), slog.LevelWarn, "fetch failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, ErrRequestTooLarge) {
			WriteError(rw, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		WriteError(rw, http.StatusBadGateway, "upstream unavailable")
		return
	}

	for name, values := range resp.Header {
		for _, v := range values {
			rw.Header().Add(name, v)
		}
	}
	rw.WriteHeader(resp.Status)
	if r.Method != http.MethodHead && len(resp.Body) > 0 {
		if _, err := rw.Write(resp.Body); err != nil {
			reqLogger.LogAttrs(r.Context(), slog.LevelError, "response write failed", slog.String("error", err.Error()))
			return
		}
	}

	reqLogger.LogAttrs(r.Context(), slog.LevelInfo, "request served",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("http_status", resp.Status),
		slog.String("source", string(resp.Source)),
		slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
	)
}

func (w *Worker) requestCorrelationID(r *http.Request) string {
	if r != nil && w.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(w.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}

// WriteError emits a JSON error payload.
func WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
