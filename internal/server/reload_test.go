package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/dataguard/internal/engine"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func waitReload(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
		return nil
	}
}

func TestReloadOnWrite(t *testing.T) {
	eng, err := engine.New(engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	path := writeTempFile(t, "policy.yaml", customPolicy)

	r, err := NewReloader(eng, path, nil)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	r.debounce = 20 * time.Millisecond
	done := r.Notify()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// let the watcher settle before the first write
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte(customPolicy), 0644); err != nil {
		t.Fatal(err)
	}
	if err := waitReload(t, done); err != nil {
		t.Fatalf("expected reload to apply, got %v", err)
	}
	if got := eng.ActivePolicy().PolicyID; got != "custom" {
		t.Fatalf("expected custom policy, got %s", got)
	}
	hash := eng.ActivePolicyHash()

	if err := os.WriteFile(path, []byte(brokenPolicy), 0644); err != nil {
		t.Fatal(err)
	}
	// a late event from the first write may still report success
	for waitReload(t, done) == nil {
	}
	if eng.ActivePolicy().PolicyID != "custom" || eng.ActivePolicyHash() != hash {
		t.Error("expected previous policy to stay active")
	}
}

func TestReloadMissingFileKeepsPolicy(t *testing.T) {
	eng, err := engine.New(engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	path := writeTempFile(t, "policy.yaml", customPolicy)
	r, err := NewReloader(eng, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.watcher.Close()

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	os.Remove(path)
	if err := r.Reload(); err == nil {
		t.Fatal("expected error for missing file")
	}
	if eng.ActivePolicy().PolicyID != "custom" {
		t.Errorf("expected custom policy kept, got %s", eng.ActivePolicy().PolicyID)
	}
}

func TestNewReloaderRequiresFile(t *testing.T) {
	if _, err := NewReloader(nil, "", nil); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := NewReloader(nil, filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}
