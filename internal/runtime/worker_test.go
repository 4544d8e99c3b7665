package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// origin is a switchable upstream that records the writes it accepts.
type origin struct {
	server  *httptest.Server
	down    atomic.Bool
	mu      sync.Mutex
	writes  []string
	version atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.down.Load() {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, err := hj.Hijack()
				if err == nil {
					_ = conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			body, _ := io.ReadAll(r.Body)
			o.mu.Lock()
			o.writes = append(o.writes, r.Method+" "+r.URL.Path+" "+string(body))
			o.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			return
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"path":"`+r.URL.Path+`","version":`+string(rune('0'+o.version.Load()))+`}`)
		case strings.HasSuffix(r.URL.Path, ".js"):
			w.Header().Set("Content-Type", "text/javascript")
			_, _ = io.WriteString(w, "console.log('v"+string(rune('0'+o.version.Load()))+"')")
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>"+r.URL.Path+"</html>")
		}
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *origin) Writes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.writes...)
}

type harness struct {
	worker *Worker
	store  cache.Store
	queue  queue.Store
	center *notify.Center
	wins   *notify.Registry
}

func newHarness(t *testing.T, upstream string, opts ...network.Option) *harness {
	t.Helper()
	logger := testLogger()
	rec := metrics.NewRecorder(nil)
	fetcher, err := network.NewHTTPFetcher(upstream, time.Second, opts...)
	require.NoError(t, err)
	store := cache.NewMemory(0)
	q := queue.NewMemory()
	policy, err := queue.NewPolicy(config.DefaultConfig().Queue.Eligible)
	require.NoError(t, err)
	center := notify.NewCenter(10)
	wins := notify.NewRegistry()
	dispatcher, err := notify.NewDispatcher(notify.Config{Presenter: center, Windows: wins, Origin: "http://dash.local", Logger: logger})
	require.NoError(t, err)

	defaults := config.DefaultConfig()
	worker, err := NewWorker(logger, WorkerOptions{
		Classifier: request.NewClassifier(request.Rules{
			APIPrefixes:        defaults.Classify.APIPrefixes,
			StaticDestinations: defaults.Classify.StaticDestinations,
			Navigation:         true,
		}),
		Inference:         request.Inference{VaryHeaders: []string{"Accept"}, Extensions: defaults.Classify.StaticExtensions},
		Lifecycle:         lifecycle.New(lifecycle.Config{Store: store, Fetcher: fetcher, Metrics: rec, Logger: logger}),
		Executor:          strategy.New(store, fetcher, rec, logger),
		Queue:             q,
		Replayer:          queue.NewReplayer(queue.ReplayerConfig{Store: q, Fetcher: fetcher, Metrics: rec, Logger: logger}),
		Policy:            policy,
		Dispatcher:        dispatcher,
		CorrelationHeader: "X-Request-ID",
		Metrics:           rec,
	})
	require.NoError(t, err)
	return &harness{worker: worker, store: store, queue: q, center: center, wins: wins}
}

func get(t *testing.T, w *Worker, path string, headers map[string]string) network.Response {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "http://dash.local"+path, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	resp, err := w.Fetch(context.Background(), r)
	require.NoError(t, err)
	return resp
}

func TestWorkerServesCachedAPIResponseOffline(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)
	ctx := context.Background()
	require.NoError(t, h.worker.Deploy(ctx, config.Manifest{Generation: "1", URLs: []string{"/"}}))

	live := get(t, h.worker, "/api/prompts", map[string]string{"Accept": "application/json"})
	require.Equal(t, network.SourceNetwork, live.Source)

	o.down.Store(true)
	cached := get(t, h.worker, "/api/prompts", map[string]string{"Accept": "application/json"})
	require.Equal(t, network.SourceCache, cached.Source)
	require.Equal(t, live.Status, cached.Status)
	require.Equal(t, live.Body, cached.Body)
	require.Equal(t, live.Header.Get("Content-Type"), cached.Header.Get("Content-Type"))

	missing := get(t, h.worker, "/api/never-seen", map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusServiceUnavailable, missing.Status)
	require.Equal(t, strategy.OfflineBody, string(missing.Body))
}

func TestWorkerServesPrecachedNavigationOffline(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)
	require.NoError(t, h.worker.Deploy(context.Background(), config.Manifest{Generation: "1", URLs: []string{"/", "/index.html"}}))

	o.down.Store(true)
	resp := get(t, h.worker, "/index.html", map[string]string{
		"Accept":         "text/html,application/xhtml+xml",
		"Sec-Fetch-Mode": "navigate",
		"Sec-Fetch-Dest": "document",
	})
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "<html>/index.html</html>", string(resp.Body))
}

func TestWorkerStaticAssetsAreCacheFirst(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)
	require.NoError(t, h.worker.Deploy(context.Background(), config.Manifest{Generation: "1"}))

	first := get(t, h.worker, "/assets/app.js", nil)
	require.Equal(t, "console.log('v0')", string(first.Body))

	o.version.Store(1)
	second := get(t, h.worker, "/assets/app.js", nil)
	require.Equal(t, network.SourceCache, second.Source)
	require.Equal(t, "console.log('v0')", string(second.Body))

	o.down.Store(true)
	_, err := h.worker.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/assets/other.js", nil))
	require.ErrorIs(t, err, network.ErrNetworkUnavailable)
}

func TestWorkerWithoutGenerationPassesThrough(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)

	resp := get(t, h.worker, "/api/x", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	names, err := h.store.ListNamespaces(context.Background())
	require.NoError(t, err)
	require.Empty(t, names)

	o.down.Store(true)
	resp = get(t, h.worker, "/api/x", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestWorkerQueuesFailedWritesAndReplays(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)
	ctx := context.Background()
	require.NoError(t, h.worker.Deploy(ctx, config.Manifest{Generation: "1"}))

	o.down.Store(true)
	for _, body := range []string{`{"n":1}`, `{"n":2}`} {
		r := httptest.NewRequest(http.MethodPost, "/api/prompts", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		resp, err := h.worker.Fetch(ctx, r)
		require.NoError(t, err)
		require.Equal(t, http.StatusServiceUnavailable, resp.Status)
		require.NotEmpty(t, resp.Header.Get(QueuedHeader))
	}

	pending, err := h.worker.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "application/json", pending[0].Header.Get("Content-Type"))

	result, err := h.worker.Sync(ctx, "")
	require.ErrorIs(t, err, queue.ErrReplayFailed)
	require.Equal(t, pending[0].ID, result.BlockedBy)

	o.down.Store(false)
	result, err = h.worker.Sync(ctx, "offline-mutations")
	require.NoError(t, err)
	require.Equal(t, 2, result.Replayed)
	require.Equal(t, []string{`POST /api/prompts {"n":1}`, `POST /api/prompts {"n":2}`}, o.Writes())

	_, err = h.worker.Sync(ctx, "other-tag")
	require.ErrorIs(t, err, ErrSyncTagMismatch)
}

func TestWorkerDoesNotQueueIneligibleWrites(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)
	o.down.Store(true)

	r := httptest.NewRequest(http.MethodOptions, "/api/prompts", nil)
	resp, err := h.worker.Fetch(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.Empty(t, resp.Header.Get(QueuedHeader))
	n, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWorkerPushAndClick(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)
	ctx := context.Background()

	n, err := h.worker.Push(ctx, []byte(`{"title":"T","body":"B","data":{"url":"/prompts"}}`))
	require.NoError(t, err)

	result, err := h.worker.NotificationClick(ctx, n, "")
	require.NoError(t, err)
	require.True(t, result.Opened)
	require.Equal(t, "http://dash.local/prompts", result.Target)

	again, err := h.worker.NotificationClick(ctx, n, "")
	require.NoError(t, err)
	require.False(t, again.Opened)
	require.Equal(t, result.WindowID, again.WindowID)

	_, err = h.worker.Push(ctx, []byte(`{"title":"no body"}`))
	require.ErrorIs(t, err, notify.ErrMalformedPayload)
	require.Len(t, h.center.List(), 1)
}

func TestServeFetchWritesResponseAndCorrelationID(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	r.Header.Set("X-Request-ID", "abc-123")
	h.worker.ServeFetch(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
	require.Contains(t, rec.Body.String(), `"path":"/api/hello"`)

	rec = httptest.NewRecorder()
	h.worker.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/api/hello", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServeFetchReportsUnrecoverableFailures(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)
	require.NoError(t, h.worker.Deploy(context.Background(), config.Manifest{Generation: "1"}))
	o.down.Store(true)

	rec := httptest.NewRecorder()
	h.worker.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/missing.js", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.JSONEq(t, `{"error":"upstream unavailable"}`, rec.Body.String())
}

func TestWorkerRejectsOversizedRequestBody(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)
	h.worker.maxRequestBody = 8
	ctx := context.Background()
	require.NoError(t, h.worker.Deploy(ctx, config.Manifest{Generation: "1"}))

	_, err := h.worker.Fetch(ctx, httptest.NewRequest(http.MethodPost, "/api/prompts", strings.NewReader(`{"n":123456}`)))
	require.ErrorIs(t, err, ErrRequestTooLarge)
	require.Empty(t, o.Writes())

	o.down.Store(true)
	rec := httptest.NewRecorder()
	h.worker.ServeFetch(rec, httptest.NewRequest(http.MethodPost, "/api/prompts", strings.NewReader(`{"n":123456}`)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.JSONEq(t, `{"error":"request body too large"}`, rec.Body.String())
	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	resp, err := h.worker.Fetch(ctx, httptest.NewRequest(http.MethodPost, "/api/prompts", strings.NewReader(`{"n":12}`)))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Header.Get(QueuedHeader))
}

func TestWorkerDoesNotCacheOversizedResponses(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL, network.WithMaxBodyBytes(8))
	ctx := context.Background()
	require.NoError(t, h.worker.Deploy(ctx, config.Manifest{Generation: "1"}))

	r := httptest.NewRequest(http.MethodGet, "/api/prompts", nil)
	r.Header.Set("Accept", "application/json")
	_, err := h.worker.Fetch(ctx, r)
	require.ErrorIs(t, err, network.ErrResponseTooLarge)
	names, err := h.store.ListNamespaces(ctx)
	require.NoError(t, err)
	require.NotContains(t, names, "api-v1")

	rec := httptest.NewRecorder()
	h.worker.ServeFetch(rec, httptest.NewRequest(http.MethodGet, "/api/prompts", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestWorkerActivateSwapsGenerations(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)
	ctx := context.Background()
	require.NoError(t, h.worker.Deploy(ctx, config.Manifest{Generation: "1", URLs: []string{"/"}}))
	get(t, h.worker, "/api/a", nil)

	require.NoError(t, h.worker.Install(ctx, config.Manifest{Generation: "2", URLs: []string{"/"}}))
	require.Equal(t, "1", h.worker.Generation().Current)

	gen, err := h.worker.Activate(ctx)
	require.NoError(t, err)
	require.Equal(t, "2", gen)
	names, err := h.store.ListNamespaces(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"static-v2"}, names)

	require.ErrorIs(t, h.worker.Install(ctx, config.Manifest{}), lifecycle.ErrInstallFailed)
}

func TestWorkerResumesPersistedGeneration(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)
	ctx := context.Background()

	require.ErrorIs(t, h.worker.Resume(ctx, "3"), lifecycle.ErrNothingToActivate)

	require.NoError(t, h.store.Put(ctx, cache.Namespace{Kind: cache.KindStatic, Generation: "3"}.Name(),
		cache.KeyFor(http.MethodGet, "/", nil), cache.Entry{Status: http.StatusOK, Body: []byte("<html>/</html>")}))
	require.NoError(t, h.worker.Resume(ctx, "3"))
	require.Equal(t, "3", h.worker.Generation().Current)

	o.down.Store(true)
	resp := get(t, h.worker, "/", map[string]string{"Sec-Fetch-Mode": "navigate"})
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "<html>/</html>", string(resp.Body))
}

func TestWorkerAnswersHeadFromCachedGet(t *testing.T) {
	o := newOrigin(t)
	h := newHarness(t, o.server.URL)
	require.NoError(t, h.worker.Deploy(context.Background(), config.Manifest{Generation: "1"}))
	get(t, h.worker, "/api/status", nil)

	o.down.Store(true)
	rec := httptest.NewRecorder()
	h.worker.ServeFetch(rec, httptest.NewRequest(http.MethodHead, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Zero(t, rec.Body.Len())
}
