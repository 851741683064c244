package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ppiankov/dataguard/internal/policy"
)

// DefaultDebounce is the quiet period after the last write before a reload.
const DefaultDebounce = 500 * time.Millisecond

// PolicyTarget receives reloaded policies.
type PolicyTarget interface {
	ReplaceActivePolicyWithHash(spec *policy.Spec, hash string) error
}

// Reloader watches a policy file and swaps the active policy when it changes.
// An unreadable or invalid file is logged and the previous policy stays active.
type Reloader struct {
	watcher  *fsnotify.Watcher
	target   PolicyTarget
	path     string
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	applied chan error
}

// NewReloader watches the directory of path, so editors that replace the
// file by rename are still seen.
func NewReloader(target PolicyTarget, path string, logger *zap.Logger) (*Reloader, error) {
	if path == "" {
		return nil, fmt.Errorf("policy path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", abs, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", abs, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		watcher:  watcher,
		target:   target,
		path:     abs,
		debounce: DefaultDebounce,
		logger:   logger,
	}, nil
}

// Notify returns a channel receiving the result of every reload attempt.
func (r *Reloader) Notify() <-chan error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applied == nil {
		r.applied = make(chan error, 8)
	}
	return r.applied
}

// Reload loads the policy file and hands it to the target. A missing file
// is an error here; it never falls back to the built-in policy.
func (r *Reloader) Reload() error {
	var (
		spec *policy.Spec
		hash string
	)
	data, err := os.ReadFile(r.path)
	if err == nil {
		spec, err = policy.Parse(data)
	}
	if err == nil {
		hash = policy.Hash(data)
		err = r.target.ReplaceActivePolicyWithHash(spec, hash)
	}
	if err != nil {
		r.logger.Error("hot-reload failed, keeping previous policy", zap.String("path", r.path), zap.Error(err))
	} else {
		r.logger.Info("hot-reload: policy reloaded",
			zap.String("policy_id", spec.PolicyID),
			zap.Int("version", spec.Version),
			zap.String("hash", hash))
	}

	r.mu.Lock()
	ch := r.applied
	r.mu.Unlock()
	if ch != nil {
		select {
		case ch <- err:
		default:
		}
	}
	return err
}

// Run watches for file changes and reloads policy. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(r.debounce, func() { r.Reload() })
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
