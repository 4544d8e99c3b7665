package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/offlinegate/internal/metrics"
	"github.com/l0p7/offlinegate/internal/runtime/cache"
	"github.com/l0p7/offlinegate/internal/runtime/network"
	"github.com/l0p7/offlinegate/internal/runtime/request"
)

var (
	// ErrInstallFailed reports that a generation could not be fully precached.
	ErrInstallFailed = errors.New("lifecycle: install failed")
	// ErrNothingToActivate reports that no installed generation is waiting.
	ErrNothingToActivate = errors.New("lifecycle: no installed generation to activate")
)

// State is the lifecycle phase of a generation.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActive     State = "active"
	StateFailed     State = "failed"
)

// Status is a point-in-time view of the manager.
type Status struct {
	Current string           `json:"current"`
	Pending string           `json:"pending,omitempty"`
	States  map[string]State `json:"states"`
}

// Manager owns which cache generation is current. Requests hold a read lease
// on the generation while they run; activation takes the write side so a
// request never sees two generations.
type Manager struct {
	store       cache.Store
	fetcher     network.Fetcher
	concurrency int
	metrics     *metrics.Recorder
	logger      *slog.Logger

	// phase serializes Install and Activate.
	phase sync.Mutex

	lease   sync.RWMutex
	current string

	stateMu sync.Mutex
	pending string
	states  map[string]State
}

// Config wires the manager's collaborators.
type Config struct {
	Store       cache.Store
	Fetcher     network.Fetcher
	Concurrency int
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
}

// New constructs a Manager with no active generation.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Manager{
		store:       cfg.Store,
		fetcher:     cfg.Fetcher,
		concurrency: concurrency,
		metrics:     cfg.Metrics,
		logger:      logger.With(slog.String("agent", "lifecycle")),
		states:      make(map[string]State),
	}
}

// Acquire takes a read lease on the current generation. The returned release
// must be called once the request is finished. An empty generation means
// nothing is active.
func (m *Manager) Acquire() (string, func()) {
	m.lease.RLock()
	return m.current, m.lease.RUnlock
}

// Current reports the active generation without holding a lease.
func (m *Manager) Current() string {
	m.lease.RLock()
	defer m.lease.RUnlock()
	return m.current
}

// Status snapshots the current, pending, and per-generation states.
func (m *Manager) Status() Status {
	current := m.Current()
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	states := make(map[string]State, len(m.states))
	for gen, state := range m.states {
		states[gen] = state
	}
	return Status{Current: current, Pending: m.pending, States: states}
}

type staged struct {
	key   string
	entry cache.Entry
}

// Install precaches every manifest URL into static-v<generation>. It stages
// all fetches first and only then writes. A failed write removes the
// namespace; a failed fetch leaves the store untouched, so a generation
// persisted by an earlier run stays resumable. The active generation is never
// affected. Cancelling ctx does not abort
// an install in progress.
func (m *Manager) Install(ctx context.Context, generation string, urls []string) error {
	ctx = context.WithoutCancel(ctx)
	m.phase.Lock()
	defer m.phase.Unlock()

	start := time.Now()
	ns := cache.Namespace{Kind: cache.KindStatic, Generation: generation}
	logger := m.logger.With(slog.String("generation", generation), slog.String("namespace", ns.Name()))

	if generation == "" {
		return fmt.Errorf("%w: generation required", ErrInstallFailed)
	}
	if generation == m.Current() {
		return fmt.Errorf("%w: generation %s is already active", ErrInstallFailed, generation)
	}
	m.setState(generation, StateInstalling)

	fail := func(cause error, cleanup bool) error {
		if cleanup {
			if err := m.store.DeleteNamespace(ctx, ns.Name()); err != nil {
				logger.LogAttrs(ctx, slog.LevelError, "install cleanup failed", slog.String("error", err.Error()))
			}
		}
		m.stateMu.Lock()
		m.states[generation] = StateFailed
		if m.pending == generation {
			m.pending = ""
		}
		m.stateMu.Unlock()
		m.metrics.ObserveLifecycle("install", "failed", time.Since(start))
		logger.LogAttrs(ctx, slog.LevelWarn, "install failed", slog.String("error", cause.Error()))
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, generation, cause)
	}

	entries, err := m.stage(ctx, generation, urls)
	if err != nil {
		return fail(err, false)
	}
	for _, item := range entries {
		if err := m.store.Put(ctx, ns.Name(), item.key, item.entry); err != nil {
			return fail(fmt.Errorf("lifecycle: put: %w", err), true)
		}
	}

	m.stateMu.Lock()
	m.states[generation] = StateInstalled
	m.pending = generation
	m.stateMu.Unlock()

	m.metrics.ObserveLifecycle("install", "installed", time.Since(start))
	logger.LogAttrs(ctx, slog.LevelInfo, "generation installed", slog.Int("entries", len(entries)))
	return nil
}

func (m *Manager) stage(ctx context.Context, generation string, urls []string) ([]staged, error) {
	out := make([]staged, len(urls))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.concurrency)
	for i, raw := range urls {
		group.Go(func() error {
			target, err := request.NormalizeURL(raw)
			if err != nil {
				return err
			}
			resp, err := m.fetcher.Fetch(groupCtx, network.Request{Method: http.MethodGet, URL: target})
			if err != nil {
				return fmt.Errorf("lifecycle: fetch %s: %w", target, err)
			}
			if resp.Status < 200 || resp.Status >= 300 {
				return fmt.Errorf("lifecycle: fetch %s: status %d", target, resp.Status)
			}
			out[i] = staged{
				key: cache.KeyFor(http.MethodGet, target, nil),
				entry: cache.Entry{
					Status:     resp.Status,
					Header:     resp.Header.Clone(),
					Body:       resp.Body,
					StoredAt:   time.Now().UTC(),
					Generation: generation,
				},
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Activate makes the most recently installed generation current and leaves
// only static-v<new> and api-v<new> in the store. Namespaces of stale
// generations are purged first; a failure there aborts the activation with
// the current generation's namespaces untouched. The outgoing generation's
// namespaces are removed only after the switch, and any left behind by a
// failed delete are retried by the next activation. Activation waits for
// in-flight requests to release their leases.
func (m *Manager) Activate(ctx context.Context) (string, error) {
	ctx = context.WithoutCancel(ctx)
	m.phase.Lock()
	defer m.phase.Unlock()

	start := time.Now()
	m.stateMu.Lock()
	generation := m.pending
	m.stateMu.Unlock()
	if generation == "" {
		return "", ErrNothingToActivate
	}

	m.lease.Lock()
	defer m.lease.Unlock()

	keep := make(map[string]struct{}, 2)
	for _, ns := range cache.NamespacesFor(generation) {
		keep[ns.Name()] = struct{}{}
	}
	outgoing := make(map[string]struct{}, 2)
	if m.current != "" {
		for _, ns := range cache.NamespacesFor(m.current) {
			outgoing[ns.Name()] = struct{}{}
		}
	}
	names, err := m.store.ListNamespaces(ctx)
	if err != nil {
		m.metrics.ObserveLifecycle("activate", "failed", time.Since(start))
		return "", fmt.Errorf("lifecycle: list namespaces: %w", err)
	}
	var purged, deferred []string
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if _, ok := outgoing[name]; ok {
			deferred = append(deferred, name)
			continue
		}
		if err := m.store.DeleteNamespace(ctx, name); err != nil {
			m.metrics.ObserveLifecycle("activate", "failed", time.Since(start))
			return "", fmt.Errorf("lifecycle: purge %s: %w", name, err)
		}
		purged = append(purged, name)
	}

	previous := m.current
	m.current = generation

	m.stateMu.Lock()
	m.pending = ""
	for gen, state := range m.states {
		if state == StateActive || state == StateInstalled {
			delete(m.states, gen)
		}
	}
	m.states[generation] = StateActive
	m.stateMu.Unlock()

	for _, name := range deferred {
		if err := m.store.DeleteNamespace(ctx, name); err != nil {
			m.logger.LogAttrs(ctx, slog.LevelWarn, "outgoing namespace purge failed",
				slog.String("namespace", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		purged = append(purged, name)
	}

	m.metrics.ObserveLifecycle("activate", "activated", time.Since(start))
	m.logger.LogAttrs(ctx, slog.LevelInfo, "generation activated",
		slog.String("generation", generation),
		slog.String("previous", previous),
		slog.Any("purged", purged),
	)
	return generation, nil
}

// Resume marks generation installed when its static namespace already exists
// in a persistent store, so a restart while offline can reuse it.
func (m *Manager) Resume(ctx context.Context, generation string) error {
	m.phase.Lock()
	defer m.phase.Unlock()

	names, err := m.store.ListNamespaces(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: list namespaces: %w", err)
	}
	want := cache.Namespace{Kind: cache.KindStatic, Generation: generation}.Name()
	idx := sort.SearchStrings(names, want)
	if idx >= len(names) || names[idx] != want {
		return fmt.Errorf("lifecycle: resume %s: %w", generation, ErrNothingToActivate)
	}
	m.stateMu.Lock()
	m.states[generation] = StateInstalled
	m.pending = generation
	m.stateMu.Unlock()
	return nil
}

func (m *Manager) setState(generation string, state State) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.states[generation] = state
}
