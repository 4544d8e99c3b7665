package queue

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrReplayFailed reports that a replay pass stopped at a failing mutation.
	ErrReplayFailed = errors.New("queue: replay failed")
	// ErrNotFound reports an unknown mutation id.
	ErrNotFound = errors.New("queue: mutation not found")
)

// Mutation is a write that failed for lack of connectivity and waits for replay.
// IDs are assigned at enqueue and strictly increase.
type Mutation struct {
	ID         int64       `json:"id"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Header     http.Header `json:"header,omitempty"`
	Payload    []byte      `json:"payload,omitempty"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
	RetryCount int         `json:"retryCount"`
}

// Parked is a mutation removed from the live queue after exhausting its retries.
type Parked struct {
	Mutation
	ParkedAt time.Time `json:"parkedAt"`
	Reason   string    `json:"reason"`
}

// Store is a durable FIFO of mutations ordered by id.
type Store interface {
	// Enqueue appends m and returns it with ID and EnqueuedAt assigned.
	Enqueue(ctx context.Context, m Mutation) (Mutation, error)
	// List returns pending mutations in ascending id order.
	List(ctx context.Context) ([]Mutation, error)
	Remove(ctx context.Context, id int64) error
	// MarkFailed increments the retry count and returns the updated mutation.
	MarkFailed(ctx context.Context, id int64) (Mutation, error)
	// Park moves a mutation to the dead-letter list.
	Park(ctx context.Context, id int64, reason string) error
	Parked(ctx context.Context) ([]Parked, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// replayHeaders are the request headers kept so a payload can be reissued.
var replayHeaders = []string{
	"Content-Type",
	"Content-Encoding",
	"Content-Language",
	"Accept",
	"Idempotency-Key",
}

// CaptureHeaders keeps the subset of h needed to replay a request body.
func CaptureHeaders(h http.Header) http.Header {
	out := make(http.Header)
	for _, name := range replayHeaders {
		if values := h.Values(name); len(values) > 0 {
			out[name] = append([]string(nil), values...)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneMutation(in Mutation) Mutation {
	out := in
	out.Header = in.Header.Clone()
	if in.Payload != nil {
		out.Payload = append([]byte(nil), in.Payload...)
	}
	return out
}
