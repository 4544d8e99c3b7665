package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrStorageUnavailable reports that the backing medium rejected an operation:
// the backend is down, the store is closed, or a quota is exhausted. Callers
// on the request path treat it as a no-op.
var ErrStorageUnavailable = errors.New("cache: storage unavailable")

// Kind separates static resources from API responses.
type Kind string

const (
	KindStatic Kind = "static"
	KindAPI    Kind = "api"
)

// Namespace is a generation-scoped partition of the store.
type Namespace struct {
	Kind       Kind
	Generation string
}

// Name renders the namespace as <kind>-v<generation>.
func (n Namespace) Name() string {
	return string(n.Kind) + "-v" + n.Generation
}

// ParseNamespace splits a namespace name back into kind and generation.
func ParseNamespace(name string) (Namespace, bool) {
	kind, generation, ok := strings.Cut(name, "-v")
	if !ok || generation == "" {
		return Namespace{}, false
	}
	switch Kind(kind) {
	case KindStatic, KindAPI:
		return Namespace{Kind: Kind(kind), Generation: generation}, true
	default:
		return Namespace{}, false
	}
}

// NamespacesFor returns the static and api namespaces of a generation.
func NamespacesFor(generation string) []Namespace {
	return []Namespace{
		{Kind: KindStatic, Generation: generation},
		{Kind: KindAPI, Generation: generation},
	}
}

// Entry is a stored response.
type Entry struct {
	Status     int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	StoredAt   time.Time   `json:"storedAt"`
	Generation string      `json:"generation"`
}

// Store persists entries grouped by namespace name.
type Store interface {
	// Get returns the entry and true on a hit. A miss is (Entry{}, false, nil).
	Get(ctx context.Context, namespace, key string) (Entry, bool, error)
	// Put overwrites the entry stored under key.
	Put(ctx context.Context, namespace, key string, entry Entry) error
	DeleteNamespace(ctx context.Context, namespace string) error
	ListNamespaces(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		Status:     in.Status,
		Header:     in.Header.Clone(),
		StoredAt:   in.StoredAt,
		Generation: in.Generation,
	}
	if in.Body != nil {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}

func stampEntry(entry Entry) Entry {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	return entry
}
