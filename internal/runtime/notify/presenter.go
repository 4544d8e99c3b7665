package notify

import (
	"context"
	"sync"
	"time"
)

// Presenter shows notifications to the user.
type Presenter interface {
	Show(ctx context.Context, n Notification) error
}

// Shown is a notification as recorded by the Center.
type Shown struct {
	Notification
	ShownAt time.Time `json:"shownAt"`
}

// Center is a Presenter that keeps the most recent notifications so the
// dashboard can poll and render them.
type Center struct {
	limit int

	mu      sync.RWMutex
	entries []Shown
}

// NewCenter keeps at most limit notifications; a non-positive limit keeps 50.
func NewCenter(limit int) *Center {
	if limit <= 0 {
		limit = 50
	}
	return &Center{limit: limit}
}

func (c *Center) Show(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Shown{Notification: n, ShownAt: time.Now().UTC()})
	if overflow := len(c.entries) - c.limit; overflow > 0 {
		c.entries = append([]Shown(nil), c.entries[overflow:]...)
	}
	return nil
}

// List returns shown notifications, newest last.
func (c *Center) List() []Shown {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Shown(nil), c.entries...)
}

// Get finds a shown notification by id.
func (c *Center) Get(id string) (Notification, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].ID == id {
			return c.entries[i].Notification, true
		}
	}
	return Notification{}, false
}
