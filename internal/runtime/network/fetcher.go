package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNetworkUnavailable reports that the upstream could not be reached.
	// Timeouts and connection failures both map to it; HTTP error statuses do not.
	ErrNetworkUnavailable = errors.New("network: unavailable")
	// ErrResponseTooLarge reports an upstream body over the buffering limit.
	// The upstream was reachable, so callers must not fall back to cache.
	ErrResponseTooLarge = errors.New("network: response body too large")
)

// Source records where a response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// maxBodyBytes is the default bound on a buffered upstream body.
const maxBodyBytes = 32 << 20

// Request is a buffered request bound for the upstream origin. URL is the
// origin-relative path plus query.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully buffered upstream or cached response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Clone returns a deep copy so a response can be stored and returned independently.
func (r Response) Clone() Response {
	out := Response{Status: r.Status, Source: r.Source, Header: r.Header.Clone()}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// Fetcher issues requests against the upstream origin.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// Observer receives reachability signals derived from live fetches.
type Observer interface {
	ObserveReachability(online bool)
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPFetcher forwards requests to a fixed upstream base URL.
type HTTPFetcher struct {
	base     *url.URL
	client   httpDoer
	timeout  time.Duration
	maxBody  int64
	observer Observer
}

// Option customizes an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithClient swaps the HTTP client used for upstream calls.
func WithClient(client httpDoer) Option {
	return func(f *HTTPFetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithObserver registers a reachability observer.
func WithObserver(observer Observer) Option {
	return func(f *HTTPFetcher) { f.observer = observer }
}

// WithMaxBodyBytes bounds the buffered upstream body. Non-positive values
// keep the default.
func WithMaxBodyBytes(n int64) Option {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

// NewHTTPFetcher validates the upstream base URL and prepares a fetcher. A
// zero timeout disables the per-request deadline.
func NewHTTPFetcher(baseURL string, timeout time.Duration, opts ...Option) (*HTTPFetcher, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("network: parse upstream url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("network: upstream url must be absolute: %q", baseURL)
	}
	f := &HTTPFetcher{
		base:    parsed,
		client:  &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }},
		timeout: timeout,
		maxBody: maxBodyBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// SetObserver registers the reachability observer after construction.
func (f *HTTPFetcher) SetObserver(observer Observer) {
	f.observer = observer
}

// Resolve joins an origin-relative URL onto the upstream base. The request
// path keeps its original percent-encoding.
func (f *HTTPFetcher) Resolve(target string) (string, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("network: parse request url %q: %w", target, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	resolved := *f.base
	escaped := strings.TrimSuffix(f.base.EscapedPath(), "/") + "/" + strings.TrimPrefix(ref.EscapedPath(), "/")
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("network: unescape request path %q: %w", target, err)
	}
	resolved.Path = decoded
	resolved.RawPath = escaped
	resolved.RawQuery = ref.RawQuery
	return resolved.String(), nil
}

// Fetch performs the request and buffers the response. Transport failures are
// wrapped with ErrNetworkUnavailable; any HTTP status is a successful fetch.
// A body over the buffering limit fails with ErrResponseTooLarge.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	target, err := f.Resolve(req.URL)
	if err != nil {
		return Response{}, err
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Response{}, fmt.Errorf("network: build request: %w", err)
	}
	if len(req.Body) > 0 {
		snap := req.Body
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(snap)), nil
		}
	}
	copyHeaders(httpReq.Header, req.Header)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		f.report(false)
		return Response{}, fmt.Errorf("%w: %s %s: %v", ErrNetworkUnavailable, method, req.URL, err)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	closeErr := resp.Body.Close()
	if err != nil {
		f.report(false)
		return Response{}, fmt.Errorf("%w: read %s: %v", ErrNetworkUnavailable, req.URL, err)
	}
	f.report(true)
	if int64(len(payload)) > f.maxBody {
		return Response{}, fmt.Errorf("%w: %s %s exceeds %d bytes", ErrResponseTooLarge, method, req.URL, f.maxBody)
	}
	if closeErr != nil {
		return Response{}, fmt.Errorf("network: close body: %w", closeErr)
	}

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)
	return Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		Source: SourceNetwork,
	}, nil
}

func (f *HTTPFetcher) report(online bool) {
	if f.observer != nil {
		f.observer.ObserveReachability(online)
	}
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
