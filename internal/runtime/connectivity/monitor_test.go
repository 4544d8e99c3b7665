package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/offlinegate/internal/runtime/network"
)

func TestMonitorFiresOnRestoreOnce(t *testing.T) {
	var restores atomic.Int32
	m := New(Config{OnRestore: func(context.Context) { restores.Add(1) }})

	m.ObserveReachability(true)
	require.True(t, m.Online())

	m.ObserveReachability(false)
	m.ObserveReachability(false)
	require.False(t, m.Online())

	m.ObserveReachability(true)
	m.ObserveReachability(true)
	require.Eventually(t, func() bool { return restores.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, m.Online())
}

func TestMonitorProbeDetectsTransitions(t *testing.T) {
	var reachable atomic.Bool
	restored := make(chan struct{}, 1)
	m := New(Config{
		Probe: func(context.Context) error {
			if reachable.Load() {
				return nil
			}
			return network.ErrNetworkUnavailable
		},
		Interval:  5 * time.Millisecond,
		OnRestore: func(context.Context) { restored <- struct{}{} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)
	reachable.Store(true)

	select {
	case <-restored:
	case <-time.After(time.Second):
		t.Fatalf("expected restore callback after probe succeeded")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestFetchProbeUsesFetcher(t *testing.T) {
	var seen network.Request
	probe := FetchProbe(fetcherFunc(func(_ context.Context, req network.Request) (network.Response, error) {
		seen = req
		return network.Response{}, errors.New("down")
	}), "/healthz")

	require.Error(t, probe(context.Background()))
	require.Equal(t, "/healthz", seen.URL)
	require.Equal(t, "GET", seen.Method)
}

type fetcherFunc func(context.Context, network.Request) (network.Response, error)

func (f fetcherFunc) Fetch(ctx context.Context, req network.Request) (network.Response, error) {
	return f(ctx, req)
}
