package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Window is an open dashboard window known to the gateway.
type Window struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Focused   bool      `json:"focused"`
	OpenedAt  time.Time `json:"openedAt"`
	FocusedAt time.Time `json:"focusedAt,omitempty"`
}

// Windows tracks dashboard windows. The dispatcher focuses or opens against it.
type Windows interface {
	List(ctx context.Context) []Window
	Focus(ctx context.Context, id string) (Window, bool)
	Open(ctx context.Context, url string) Window
}

// Registry is an in-memory Windows implementation. Windows register
// themselves through the control API.
type Registry struct {
	mu      sync.Mutex
	windows map[string]Window
}

func NewRegistry() *Registry {
	return &Registry{windows: make(map[string]Window)}
}

func (r *Registry) List(_ context.Context) []Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Window, 0, len(r.windows))
	for _, w := range r.windows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Open registers a new window at url and gives it focus.
func (r *Registry) Open(_ context.Context, url string) Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	w := Window{ID: uuid.NewString(), URL: url, OpenedAt: now}
	r.windows[w.ID] = w
	return r.focusLocked(w.ID, now)
}

func (r *Registry) Focus(_ context.Context, id string) (Window, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.windows[id]; !ok {
		return Window{}, false
	}
	return r.focusLocked(id, time.Now().UTC()), true
}

func (r *Registry) focusLocked(id string, now time.Time) Window {
	for other, w := range r.windows {
		if w.Focused && other != id {
			w.Focused = false
			r.windows[other] = w
		}
	}
	w := r.windows[id]
	w.Focused = true
	w.FocusedAt = now
	r.windows[id] = w
	return w
}

// Close forgets a window.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.windows[id]; !ok {
		return false
	}
	delete(r.windows, id)
	return true
}
