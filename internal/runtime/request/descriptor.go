package request

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Mode mirrors the fetch mode a browser host reports for a request.
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
	ModeSameOrigin Mode = "same-origin"
	ModeFetch      Mode = "fetch"
)

// Descriptor captures the parts of an intercepted request that drive
// classification and cache keying. Descriptors are built once per request and
// not mutated afterwards.
type Descriptor struct {
	Method      string
	URL         string
	Path        string
	Vary        map[string]string
	Mode        Mode
	Destination string
}

// Inference fills in mode and destination when the client omits the
// Sec-Fetch-* headers.
type Inference struct {
	VaryHeaders []string
	// Extensions maps a lowercase file extension without its dot to a destination.
	Extensions map[string]string
}

// FromHTTP builds a descriptor for r. The URL is normalized to path plus
// query so the same resource maps to the same key regardless of the Host the
// client used to reach the proxy.
func FromHTTP(r *http.Request, inf Inference) Descriptor {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		method = http.MethodGet
	}

	desc := Descriptor{
		Method: method,
		URL:    canonicalURL(r.URL),
		Path:   r.URL.Path,
	}
	if desc.Path == "" {
		desc.Path = "/"
	}

	if len(inf.VaryHeaders) > 0 {
		desc.Vary = make(map[string]string, len(inf.VaryHeaders))
		for _, name := range inf.VaryHeaders {
			canonical := http.CanonicalHeaderKey(strings.TrimSpace(name))
			if canonical == "" {
				continue
			}
			desc.Vary[canonical] = r.Header.Get(canonical)
		}
	}

	desc.Mode = Mode(strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode"))))
	if desc.Mode == "" {
		desc.Mode = ModeFetch
		if method == http.MethodGet && prefersHTML(r.Header.Get("Accept")) {
			desc.Mode = ModeNavigate
		}
	}

	desc.Destination = strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest")))
	if desc.Destination == "" || desc.Destination == "empty" {
		if dest, ok := destinationFor(desc.Path, inf.Extensions); ok {
			desc.Destination = dest
		} else if desc.Mode == ModeNavigate {
			desc.Destination = "document"
		}
	}
	return desc
}

// IsRead reports whether the request may be served from or written to the cache.
func (d Descriptor) IsRead() bool {
	return d.Method == http.MethodGet || d.Method == http.MethodHead
}

// NormalizeURL reduces raw to the path plus query form used in descriptors.
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("request: parse url %q: %w", raw, err)
	}
	return canonicalURL(parsed), nil
}

func canonicalURL(u *url.URL) string {
	if u == nil {
		return "/"
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		return p + "?" + u.RawQuery
	}
	return p
}

func prefersHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch strings.ToLower(mediaType) {
		case "text/html", "application/xhtml+xml":
			return true
		case "":
			continue
		default:
			return false
		}
	}
	return false
}

func destinationFor(p string, extensions map[string]string) (string, bool) {
	if len(extensions) == 0 {
		return "", false
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if ext == "" {
		return "", false
	}
	dest, ok := extensions[ext]
	return dest, ok
}
