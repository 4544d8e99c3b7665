package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/offlinegate/internal/runtime/cache"
	"github.com/l0p7/offlinegate/internal/runtime/network"
	"github.com/l0p7/offlinegate/internal/runtime/request"
)

type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	offline bool
	resp    network.Response
}

func (f *stubFetcher) Fetch(_ context.Context, req network.Request) (network.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.offline {
		return network.Response{}, fmt.Errorf("%w: %s", network.ErrNetworkUnavailable, req.URL)
	}
	return f.resp.Clone(), nil
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type failingStore struct{ cache.Store }

func (failingStore) Get(context.Context, string, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, errors.New("backend down")
}

func (failingStore) Put(context.Context, string, string, cache.Entry) error {
	return cache.ErrStorageUnavailable
}

func getRequest(url string) Request {
	return Request{
		Network: network.Request{Method: http.MethodGet, URL: url},
		Key:     cache.KeyFor(http.MethodGet, url, nil),
	}
}

func okResponse(body string) network.Response {
	return network.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}, "Etag": {`"v1"`}},
		Body:   []byte(body),
		Source: network.SourceNetwork,
	}
}

func TestNetworkFirstServesCachedEntryWhenOffline(t *testing.T) {
	store := cache.NewMemory(0)
	fetcher := &stubFetcher{resp: okResponse(`{"prompts":["a"]}`)}
	exec := New(store, fetcher, nil, nil)
	ns := cache.Namespace{Kind: cache.KindAPI, Generation: "1"}
	req := getRequest("/api/prompts")

	live, err := exec.NetworkFirst(context.Background(), req, ns)
	require.NoError(t, err)
	require.Equal(t, network.SourceNetwork, live.Source)

	fetcher.offline = true
	cached, err := exec.NetworkFirst(context.Background(), req, ns)
	require.NoError(t, err)
	require.Equal(t, network.SourceCache, cached.Source)
	require.Equal(t, live.Status, cached.Status)
	require.Equal(t, live.Body, cached.Body)
	require.Equal(t, live.Header, cached.Header)
}

func TestNetworkFirstSynthesizesOfflineResponseOnMiss(t *testing.T) {
	exec := New(cache.NewMemory(0), &stubFetcher{offline: true}, nil, nil)

	resp, err := exec.NetworkFirst(context.Background(), getRequest("/api/unknown"), cache.Namespace{Kind: cache.KindAPI, Generation: "1"})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Equal(t, `{"error": "Network unavailable", "offline": true}`, string(resp.Body))
	require.Equal(t, network.SourceOffline, resp.Source)
}

func TestNetworkFirstStoresOnlySuccessfulGets(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(0)
	ns := cache.Namespace{Kind: cache.KindAPI, Generation: "1"}

	notFound := okResponse("missing")
	notFound.Status = http.StatusNotFound
	exec := New(store, &stubFetcher{resp: notFound}, nil, nil)
	req := getRequest("/api/missing")
	_, err := exec.NetworkFirst(ctx, req, ns)
	require.NoError(t, err)
	_, ok, err := store.Get(ctx, ns.Name(), req.Key)
	require.NoError(t, err)
	require.False(t, ok, "non-2xx responses must not be cached")

	exec = New(store, &stubFetcher{resp: okResponse("made")}, nil, nil)
	post := Request{Network: network.Request{Method: http.MethodPost, URL: "/api/prompts"}, Key: cache.KeyFor(http.MethodPost, "/api/prompts", nil)}
	_, err = exec.NetworkFirst(ctx, post, ns)
	require.NoError(t, err)
	names, err := store.ListNamespaces(ctx)
	require.NoError(t, err)
	require.Empty(t, names, "writes must not be cached")
}

func TestNetworkFirstIgnoresStoreFailures(t *testing.T) {
	exec := New(failingStore{}, &stubFetcher{resp: okResponse("live")}, nil, nil)
	ns := cache.Namespace{Kind: cache.KindAPI, Generation: "1"}

	resp, err := exec.NetworkFirst(context.Background(), getRequest("/api/x"), ns)
	require.NoError(t, err)
	require.Equal(t, "live", string(resp.Body))

	exec = New(failingStore{}, &stubFetcher{offline: true}, nil, nil)
	resp, err = exec.NetworkFirst(context.Background(), getRequest("/api/x"), ns)
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestNetworkFirstPropagatesWriteFailures(t *testing.T) {
	exec := New(cache.NewMemory(0), &stubFetcher{offline: true}, nil, nil)
	req := Request{Network: network.Request{Method: http.MethodPost, URL: "/api/prompts"}}

	_, err := exec.NetworkFirst(context.Background(), req, cache.Namespace{Kind: cache.KindAPI, Generation: "1"})
	require.ErrorIs(t, err, network.ErrNetworkUnavailable)
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(0)
	ns := cache.Namespace{Kind: cache.KindStatic, Generation: "1"}
	req := getRequest("/assets/app.js")
	require.NoError(t, store.Put(ctx, ns.Name(), req.Key, cache.Entry{Status: 200, Body: []byte("console.log(1)")}))

	fetcher := &stubFetcher{resp: okResponse("fresh")}
	exec := New(store, fetcher, nil, nil)

	resp, err := exec.CacheFirst(ctx, req, ns)
	require.NoError(t, err)
	require.Equal(t, "console.log(1)", string(resp.Body))
	require.Equal(t, network.SourceCache, resp.Source)
	require.Zero(t, fetcher.Calls())
}

func TestCacheFirstMissFetchesAndStores(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(0)
	ns := cache.Namespace{Kind: cache.KindStatic, Generation: "1"}
	req := getRequest("/assets/site.css")
	fetcher := &stubFetcher{resp: okResponse("body{}")}
	exec := New(store, fetcher, nil, nil)

	_, err := exec.CacheFirst(ctx, req, ns)
	require.NoError(t, err)
	_, err = exec.CacheFirst(ctx, req, ns)
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.Calls())
}

func TestCacheFirstPropagatesNetworkFailure(t *testing.T) {
	exec := New(cache.NewMemory(0), &stubFetcher{offline: true}, nil, nil)

	_, err := exec.CacheFirst(context.Background(), getRequest("/assets/app.js"), cache.Namespace{Kind: cache.KindStatic, Generation: "1"})
	require.ErrorIs(t, err, network.ErrNetworkUnavailable)
}

func TestPlanForMapping(t *testing.T) {
	require.Equal(t, Plan{Strategy: NameNetworkFirst, Kind: cache.KindAPI}, PlanFor(request.ClassAPI))
	require.Equal(t, Plan{Strategy: NameNetworkFirst, Kind: cache.KindStatic}, PlanFor(request.ClassNavigation))
	require.Equal(t, Plan{Strategy: NameCacheFirst, Kind: cache.KindStatic}, PlanFor(request.ClassStaticAsset))
	require.Equal(t, Plan{Strategy: NameNetworkFirst, Kind: cache.KindStatic}, PlanFor(request.ClassOther))
}

func TestExecuteWithoutGenerationPassesThrough(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(0)
	fetcher := &stubFetcher{resp: okResponse("live")}
	exec := New(store, fetcher, nil, nil)

	resp, name, err := exec.Execute(ctx, request.ClassAPI, "", getRequest("/api/x"))
	require.NoError(t, err)
	require.Equal(t, NamePassthrough, name)
	require.Equal(t, "live", string(resp.Body))
	names, err := store.ListNamespaces(ctx)
	require.NoError(t, err)
	require.Empty(t, names)

	fetcher.offline = true
	resp, _, err = exec.Execute(ctx, request.ClassStaticAsset, "", getRequest("/assets/app.js"))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestExecuteRoutesByClass(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(0)
	exec := New(store, &stubFetcher{resp: okResponse("x")}, nil, nil)

	_, name, err := exec.Execute(ctx, request.ClassAPI, "7", getRequest("/api/x"))
	require.NoError(t, err)
	require.Equal(t, NameNetworkFirst, name)
	_, name, err = exec.Execute(ctx, request.ClassStaticAsset, "7", getRequest("/app.js"))
	require.NoError(t, err)
	require.Equal(t, NameCacheFirst, name)

	names, err := store.ListNamespaces(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"api-v7", "static-v7"}, names)
}

func TestLookupFallsBackToBaseKey(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(0)
	ns := cache.Namespace{Kind: cache.KindStatic, Generation: "1"}
	base := cache.KeyFor(http.MethodGet, "/index.html", nil)
	require.NoError(t, store.Put(ctx, ns.Name(), base, cache.Entry{Status: 200, Body: []byte("<html>")}))

	exec := New(store, &stubFetcher{offline: true}, nil, nil)
	req := Request{
		Network: network.Request{Method: http.MethodGet, URL: "/index.html"},
		Key:     cache.KeyFor(http.MethodGet, "/index.html", map[string]string{"Accept": "text/html"}),
		BaseKey: base,
	}
	resp, err := exec.NetworkFirst(ctx, req, ns)
	require.NoError(t, err)
	require.Equal(t, "<html>", string(resp.Body))
}
