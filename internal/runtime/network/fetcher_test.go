package network

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	seen []bool
}

func (o *recordingObserver) ObserveReachability(online bool) {
	o.seen = append(o.seen, online)
}

func TestHTTPFetcherForwardsRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/base/api/prompts", r.URL.Path)
		require.Equal(t, "page=2", r.URL.RawQuery)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Empty(t, r.Header.Get("Connection"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	observer := &recordingObserver{}
	fetcher, err := NewHTTPFetcher(upstream.URL+"/base/", time.Second, WithObserver(observer))
	require.NoError(t, err)

	resp, err := fetcher.Fetch(context.Background(), Request{
		Method: http.MethodPost,
		URL:    "/api/prompts?page=2",
		Header: http.Header{"Content-Type": {"application/json"}, "Connection": {"keep-alive"}},
		Body:   []byte(`{"name":"x"}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.Status)
	require.Equal(t, `{"name":"x"}`, string(resp.Body))
	require.Equal(t, SourceNetwork, resp.Source)
	require.Equal(t, []bool{true}, observer.seen)
}

func TestHTTPFetcherServerErrorIsNotNetworkFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	fetcher, err := NewHTTPFetcher(upstream.URL, time.Second)
	require.NoError(t, err)

	resp, err := fetcher.Fetch(context.Background(), Request{URL: "/"})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.Status)
}

func TestHTTPFetcherUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	observer := &recordingObserver{}
	fetcher, err := NewHTTPFetcher(addr, time.Second, WithObserver(observer))
	require.NoError(t, err)

	_, err = fetcher.Fetch(context.Background(), Request{URL: "/api/x"})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNetworkUnavailable))
	require.Equal(t, []bool{false}, observer.seen)
}

func TestHTTPFetcherTimeoutIsNetworkFailure(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	fetcher, err := NewHTTPFetcher(upstream.URL, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = fetcher.Fetch(context.Background(), Request{URL: "/slow"})
	require.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestHTTPFetcherRejectsOversizedResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("0123456789abcdef"))
	}))
	defer upstream.Close()

	observer := &recordingObserver{}
	fetcher, err := NewHTTPFetcher(upstream.URL, time.Second, WithMaxBodyBytes(8), WithObserver(observer))
	require.NoError(t, err)

	_, err = fetcher.Fetch(context.Background(), Request{Method: http.MethodGet, URL: "/big"})
	require.ErrorIs(t, err, ErrResponseTooLarge)
	require.False(t, errors.Is(err, ErrNetworkUnavailable))
	require.Equal(t, []bool{true}, observer.seen)

	fetcher, err = NewHTTPFetcher(upstream.URL, time.Second, WithMaxBodyBytes(16))
	require.NoError(t, err)
	resp, err := fetcher.Fetch(context.Background(), Request{Method: http.MethodGet, URL: "/big"})
	require.NoError(t, err)
	require.Equal(t, "0123456789abcdef", string(resp.Body))
}

func TestHTTPFetcherPreservesEscapedPath(t *testing.T) {
	seen := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL.EscapedPath()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	fetcher, err := NewHTTPFetcher(upstream.URL+"/base", time.Second)
	require.NoError(t, err)

	resolved, err := fetcher.Resolve("/api/prompts/a%2Fb?q=1")
	require.NoError(t, err)
	require.Equal(t, upstream.URL+"/base/api/prompts/a%2Fb?q=1", resolved)

	_, err = fetcher.Fetch(context.Background(), Request{Method: http.MethodGet, URL: "/api/prompts/a%2Fb"})
	require.NoError(t, err)
	require.Equal(t, "/base/api/prompts/a%2Fb", <-seen)
}

func TestNewHTTPFetcherRejectsRelativeBase(t *testing.T) {
	_, err := NewHTTPFetcher("/relative", time.Second)
	require.Error(t, err)
}

func TestResponseCloneIsIndependent(t *testing.T) {
	orig := Response{Status: 200, Header: http.Header{"X": {"1"}}, Body: []byte("abc")}
	clone := orig.Clone()
	clone.Body[0] = 'z'
	clone.Header.Set("X", "2")
	require.Equal(t, "abc", string(orig.Body))
	require.Equal(t, "1", orig.Header.Get("X"))
}
