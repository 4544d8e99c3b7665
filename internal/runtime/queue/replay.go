package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/offlinegate/internal/metrics"
	"github.com/l0p7/offlinegate/internal/runtime/network"
)

// Result summarizes one replay pass.
type Result struct {
	Replayed  int   `json:"replayed"`
	Parked    int   `json:"parked"`
	Remaining int   `json:"remaining"`
	Coalesced bool  `json:"coalesced"`
	BlockedBy int64 `json:"blockedBy,omitempty"`
}

const defaultLeaseTTL = time.Minute

// Replayer drains the queue head to tail through a fetcher. Only one pass runs
// at a time; triggers that arrive during a pass are dropped. When the store is
// a Leaser the same holds across processes sharing it.
type Replayer struct {
	store      Store
	fetcher    network.Fetcher
	maxRetries int
	owner      string
	leaseTTL   time.Duration
	metrics    *metrics.Recorder
	logger     *slog.Logger

	running atomic.Bool
}

// ReplayerConfig wires a Replayer. MaxRetries of zero never parks mutations.
// LeaseTTL bounds how long a crashed process blocks others and defaults to a
// minute; it is renewed before every reissued mutation.
type ReplayerConfig struct {
	Store      Store
	Fetcher    network.Fetcher
	MaxRetries int
	LeaseTTL   time.Duration
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

func NewReplayer(cfg ReplayerConfig) *Replayer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	return &Replayer{
		store:      cfg.Store,
		fetcher:    cfg.Fetcher,
		maxRetries: maxRetries,
		owner:      uuid.NewString(),
		leaseTTL:   leaseTTL,
		metrics:    cfg.Metrics,
		logger:     logger.With(slog.String("agent", "replay")),
	}
}

// Running reports whether a pass is in progress.
func (r *Replayer) Running() bool {
	return r.running.Load()
}

// Replay runs one pass. A mutation succeeds when the upstream answers with a
// status below 500; it is then removed and the pass continues. On failure the
// retry count is incremented and the pass stops, unless the retry cap is
// reached, in which case the mutation is parked and the pass moves on. A
// stopped pass returns an error wrapping ErrReplayFailed.
func (r *Replayer) Replay(ctx context.Context) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.ObserveReplayPass("coalesced")
		r.logger.LogAttrs(ctx, slog.LevelDebug, "replay already running; trigger coalesced")
		return Result{Coalesced: true}, nil
	}
	defer r.running.Store(false)

	leaser, shared := r.store.(Leaser)
	if shared {
		acquired, err := leaser.AcquireLease(ctx, r.owner, r.leaseTTL)
		if err != nil {
			r.metrics.ObserveReplayPass("error")
			return Result{}, err
		}
		if !acquired {
			r.metrics.ObserveReplayPass("coalesced")
			r.logger.LogAttrs(ctx, slog.LevelDebug, "replay lease held elsewhere; trigger coalesced")
			return Result{Coalesced: true}, nil
		}
		defer func() {
			if err := leaser.ReleaseLease(context.WithoutCancel(ctx), r.owner); err != nil {
				r.logger.LogAttrs(ctx, slog.LevelWarn, "replay lease release failed", slog.String("error", err.Error()))
			}
		}()
	}

	result, err := r.pass(ctx)
	if n, lenErr := r.store.Len(ctx); lenErr == nil {
		result.Remaining = n
		r.metrics.SetQueueDepth(n)
	}

	switch {
	case err != nil && result.BlockedBy != 0:
		r.metrics.ObserveReplayPass("blocked")
	case err != nil:
		r.metrics.ObserveReplayPass("error")
	default:
		r.metrics.ObserveReplayPass("drained")
	}
	r.logger.LogAttrs(ctx, slog.LevelInfo, "replay pass finished",
		slog.Int("replayed", result.Replayed),
		slog.Int("parked", result.Parked),
		slog.Int("remaining", result.Remaining),
	)
	return result, err
}

func (r *Replayer) pass(ctx context.Context) (Result, error) {
	var result Result
	pending, err := r.store.List(ctx)
	if err != nil {
		return result, fmt.Errorf("queue: replay list: %w", err)
	}

	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := r.renew(ctx); err != nil {
			return result, err
		}
		cause := r.reissue(ctx, m)
		if cause == nil {
			if err := r.store.Remove(ctx, m.ID); err != nil {
				return result, fmt.Errorf("queue: replay remove %d: %w", m.ID, err)
			}
			result.Replayed++
			r.metrics.ObserveMutation("replayed")
			continue
		}

		updated, err := r.store.MarkFailed(ctx, m.ID)
		if err != nil {
			return result, fmt.Errorf("queue: replay mark failed %d: %w", m.ID, err)
		}
		r.metrics.ObserveMutation("failed")
		logger := r.logger.With(
			slog.Int64("mutation_id", m.ID),
			slog.String("method", m.Method),
			slog.String("url", m.URL),
			slog.Int("retry_count", updated.RetryCount),
		)

		if r.maxRetries > 0 && updated.RetryCount >= r.maxRetries {
			if err := r.store.Park(ctx, m.ID, cause.Error()); err != nil {
				return result, fmt.Errorf("queue: replay park %d: %w", m.ID, err)
			}
			result.Parked++
			r.metrics.ObserveMutation("parked")
			logger.LogAttrs(ctx, slog.LevelWarn, "mutation parked after exhausting retries", slog.String("error", cause.Error()))
			continue
		}

		logger.LogAttrs(ctx, slog.LevelInfo, "replay stopped at failing mutation", slog.String("error", cause.Error()))
		result.BlockedBy = m.ID
		return result, fmt.Errorf("%w: mutation %d: %w", ErrReplayFailed, m.ID, cause)
	}
	return result, nil
}

func (r *Replayer) renew(ctx context.Context) error {
	leaser, ok := r.store.(Leaser)
	if !ok {
		return nil
	}
	held, err := leaser.AcquireLease(ctx, r.owner, r.leaseTTL)
	if err != nil {
		return err
	}
	if !held {
		return ErrLeaseLost
	}
	return nil
}

func (r *Replayer) reissue(ctx context.Context, m Mutation) error {
	resp, err := r.fetcher.Fetch(ctx, network.Request{
		Method: m.Method,
		URL:    m.URL,
		Header: m.Header.Clone(),
		Body:   m.Payload,
	})
	if err != nil {
		return err
	}
	if resp.Status >= http.StatusInternalServerError {
		return fmt.Errorf("queue: upstream status %d", resp.Status)
	}
	return nil
}
