package strategy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/offlinegate/internal/metrics"
	"github.com/l0p7/offlinegate/internal/runtime/cache"
	"github.com/l0p7/offlinegate/internal/runtime/network"
	"github.com/l0p7/offlinegate/internal/runtime/request"
)

// Name identifies a caching strategy in logs and metrics.
type Name string

const (
	NameNetworkFirst Name = "network_first"
	NameCacheFirst   Name = "cache_first"
	NamePassthrough  Name = "passthrough"
)

// OfflineBody is the payload synthesized when neither network nor cache can answer.
const OfflineBody = `{"error": "Network unavailable", "offline": true}`

// OfflineResponse builds the synthesized 503 returned to readers while offline.
func OfflineResponse() network.Response {
	return network.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(OfflineBody),
		Source: network.SourceOffline,
	}
}

// Plan is the strategy and namespace chosen for a resource class.
type Plan struct {
	Strategy Name
	Kind     cache.Kind
}

// PlanFor returns the fixed class-to-strategy mapping.
func PlanFor(class request.Class) Plan {
	switch class {
	case request.ClassAPI:
		return Plan{Strategy: NameNetworkFirst, Kind: cache.KindAPI}
	case request.ClassStaticAsset:
		return Plan{Strategy: NameCacheFirst, Kind: cache.KindStatic}
	default:
		return Plan{Strategy: NameNetworkFirst, Kind: cache.KindStatic}
	}
}

// Request is an intercepted request together with its cache keys. BaseKey
// ignores vary values and matches entries precached at install time.
type Request struct {
	Network network.Request
	Key     string
	BaseKey string
}

func (r Request) cacheable() bool {
	return r.Network.Method == http.MethodGet || r.Network.Method == ""
}

func (r Request) readable() bool {
	return r.cacheable() || r.Network.Method == http.MethodHead
}

// Executor runs the caching strategies against a store and a fetcher.
type Executor struct {
	entries cache.Store
	fetcher network.Fetcher
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// New constructs an Executor. A nil logger discards output.
func New(store cache.Store, fetcher network.Fetcher, recorder *metrics.Recorder, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{
		entries: store,
		fetcher: fetcher,
		metrics: recorder,
		logger:  logger.With(slog.String("agent", "strategy")),
	}
}

// Execute runs the plan for class against the namespaces of generation. An
// empty generation means nothing is active: reads go straight to the network
// and fall back to the offline response.
func (e *Executor) Execute(ctx context.Context, class request.Class, generation string, req Request) (network.Response, Name, error) {
	if generation == "" || !req.readable() {
		resp, err := e.Passthrough(ctx, req)
		return resp, NamePassthrough, err
	}
	plan := PlanFor(class)
	ns := cache.Namespace{Kind: plan.Kind, Generation: generation}
	switch plan.Strategy {
	case NameCacheFirst:
		resp, err := e.CacheFirst(ctx, req, ns)
		return resp, plan.Strategy, err
	default:
		resp, err := e.NetworkFirst(ctx, req, ns)
		return resp, plan.Strategy, err
	}
}

// Passthrough forwards without touching the cache. Reads that fail on the
// network receive the offline response; writes return the network error so
// the caller can queue them.
func (e *Executor) Passthrough(ctx context.Context, req Request) (network.Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req.Network)
	if err == nil {
		return resp, nil
	}
	if req.readable() && errors.Is(err, network.ErrNetworkUnavailable) {
		return OfflineResponse(), nil
	}
	return network.Response{}, err
}

// NetworkFirst prefers a live response, stores successful reads, and falls
// back to the cached copy and then the offline response.
func (e *Executor) NetworkFirst(ctx context.Context, req Request, ns cache.Namespace) (network.Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req.Network)
	if err == nil {
		e.save(ctx, req, ns, resp)
		return resp, nil
	}
	if !errors.Is(err, network.ErrNetworkUnavailable) {
		return network.Response{}, err
	}
	if !req.readable() {
		return network.Response{}, err
	}
	if cached, ok := e.lookup(ctx, req, ns); ok {
		return cached, nil
	}
	e.logger.LogAttrs(ctx, slog.LevelDebug, "network unavailable with no cached copy",
		slog.String("namespace", ns.Name()),
		slog.String("url", req.Network.URL),
	)
	return OfflineResponse(), nil
}

// CacheFirst answers from the cache without touching the network on a hit. A
// miss fetches and stores; network failures propagate.
func (e *Executor) CacheFirst(ctx context.Context, req Request, ns cache.Namespace) (network.Response, error) {
	if req.readable() {
		if cached, ok := e.lookup(ctx, req, ns); ok {
			return cached, nil
		}
	}
	resp, err := e.fetcher.Fetch(ctx, req.Network)
	if err != nil {
		return network.Response{}, err
	}
	e.save(ctx, req, ns, resp)
	return resp, nil
}

func (e *Executor) lookup(ctx context.Context, req Request, ns cache.Namespace) (network.Response, bool) {
	start := time.Now()
	entry, ok, err := e.entries.Get(ctx, ns.Name(), req.Key)
	if err == nil && !ok && req.BaseKey != "" && req.BaseKey != req.Key {
		entry, ok, err = e.entries.Get(ctx, ns.Name(), req.BaseKey)
	}
	duration := time.Since(start)
	switch {
	case err != nil:
		e.metrics.ObserveCacheGet(string(ns.Kind), metrics.CacheLookupError, duration)
		e.logger.LogAttrs(ctx, slog.LevelWarn, "cache lookup failed",
			slog.String("namespace", ns.Name()),
			slog.String("error", err.Error()),
		)
		return network.Response{}, false
	case !ok:
		e.metrics.ObserveCacheGet(string(ns.Kind), metrics.CacheLookupMiss, duration)
		return network.Response{}, false
	}
	e.metrics.ObserveCacheGet(string(ns.Kind), metrics.CacheLookupHit, duration)
	return network.Response{
		Status: entry.Status,
		Header: entry.Header.Clone(),
		Body:   entry.Body,
		Source: network.SourceCache,
	}, true
}

func (e *Executor) save(ctx context.Context, req Request, ns cache.Namespace, resp network.Response) {
	if !req.cacheable() || resp.Status < 200 || resp.Status >= 300 {
		return
	}
	clone := resp.Clone()
	entry := cache.Entry{
		Status:     clone.Status,
		Header:     clone.Header,
		Body:       clone.Body,
		StoredAt:   time.Now().UTC(),
		Generation: ns.Generation,
	}
	start := time.Now()
	err := e.entries.Put(ctx, ns.Name(), req.Key, entry)
	duration := time.Since(start)
	if err != nil {
		e.metrics.ObserveCachePut(string(ns.Kind), metrics.CacheStoreUnavailable, duration)
		e.logger.LogAttrs(ctx, slog.LevelWarn, "cache store failed",
			slog.String("namespace", ns.Name()),
			slog.String("error", err.Error()),
		)
		return
	}
	e.metrics.ObserveCachePut(string(ns.Kind), metrics.CacheStoreStored, duration)
}
