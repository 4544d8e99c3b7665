package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchManifestReloadsOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte("generation: g1\nurls: [/]\n"), 0o600); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	changeCh := make(chan Manifest, 4)
	errCh := make(chan error, 4)
	watcher, err := WatchManifest(ctx, LifecycleConfig{ManifestFile: path}, func(m Manifest) error {
		changeCh <- m
		return nil
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(path, []byte("generation: g2\nurls: [/, /app.js]\n"), 0o600); err != nil {
		t.Fatalf("failed to rewrite manifest: %v", err)
	}

	select {
	case m := <-changeCh:
		if m.Generation != "g2" {
			t.Fatalf("expected generation g2, got %q", m.Generation)
		}
		if len(m.URLs) != 2 {
			t.Fatalf("expected 2 urls, got %v", m.URLs)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for manifest reload")
	}
}

func TestWatchManifestRetriesRejectedManifest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte("generation: g1\nurls: [/]\n"), 0o600); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	attempts := make(chan Manifest, 4)
	errCh := make(chan error, 16)
	errUnreachable := errors.New("upstream unreachable")
	rejectFirst := true
	watcher, err := WatchManifest(ctx, LifecycleConfig{ManifestFile: path}, func(m Manifest) error {
		attempts <- m
		if rejectFirst {
			rejectFirst = false
			return errUnreachable
		}
		return nil
	}, func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	next := func() Manifest {
		t.Helper()
		select {
		case m := <-attempts:
			return m
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for manifest reload")
		}
		return Manifest{}
	}

	content := []byte("generation: g2\nurls: [/]\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to rewrite manifest: %v", err)
	}
	if m := next(); m.Generation != "g2" {
		t.Fatalf("expected generation g2, got %q", m.Generation)
	}
	for rejected := false; !rejected; {
		select {
		case err := <-errCh:
			rejected = errors.Is(err, errUnreachable)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for callback error")
		}
	}

	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to touch manifest: %v", err)
	}
	if m := next(); m.Generation != "g2" {
		t.Fatalf("expected g2 to be offered again, got %q", m.Generation)
	}

	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to touch manifest: %v", err)
	}
	select {
	case m := <-attempts:
		t.Fatalf("accepted manifest %q delivered twice", m.Generation)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchManifestRequiresFile(t *testing.T) {
	if _, err := WatchManifest(context.Background(), LifecycleConfig{}, func(Manifest) error { return nil }, nil); err == nil {
		t.Fatalf("expected error when no manifest file configured")
	}
	if _, err := WatchManifest(context.Background(), LifecycleConfig{ManifestFile: "m.yaml"}, nil, nil); err == nil {
		t.Fatalf("expected error when callback missing")
	}
}
