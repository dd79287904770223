// Package trigger submits sync runs when branches of local repositories move.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/metasyncd/internal/config"
	"github.com/schaermu/metasyncd/internal/queue"
	metasyncd "github.com/schaermu/metasyncd/internal/sync"
)

// ErrNoRepositories is returned when no repository has a local path.
var ErrNoRepositories = errors.New("no repository with a local_path configured")

// Submitter accepts sync requests
type Submitter interface {
	Submit(req metasyncd.CommitRequest) *queue.Ticket
}

// watch is one branch ref of a local repository.
type watch struct {
	repo       config.RepositoryConfig
	refFile    string
	packedRefs string
}

// Watcher observes the refs of local repositories.
type Watcher struct {
	watcher  *fsnotify.Watcher
	watches  []watch
	submit   Submitter
	debounce *queue.Debouncer
	logger   *slog.Logger
}

// New creates a watcher for every repository with a local path.
func New(cfg *config.Config, submit Submitter, logger *slog.Logger) (*Watcher, error) {
	var watches []watch
	for _, r := range cfg.Repositories {
		if r.LocalPath == "" {
			continue
		}
		gitDir := filepath.Join(r.LocalPath, ".git")
		if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
			// bare repository
			gitDir = r.LocalPath
		}
		watches = append(watches, watch{
			repo:       r,
			refFile:    filepath.Join(gitDir, "refs", "heads", filepath.FromSlash(r.Branch)),
			packedRefs: filepath.Join(gitDir, "packed-refs"),
		})
	}
	if len(watches) == 0 {
		return nil, ErrNoRepositories
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		watcher:  fw,
		watches:  watches,
		submit:   submit,
		debounce: queue.NewDebouncer(cfg.Serve.Debounce),
		logger:   logger,
	}
	for _, wt := range watches {
		for _, dir := range []string{filepath.Dir(wt.packedRefs), filepath.Dir(wt.refFile)} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				_ = fw.Close()
				return nil, fmt.Errorf("failed to prepare %s: %w", dir, err)
			}
			if err := fw.Add(dir); err != nil {
				_ = fw.Close()
				return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
			}
		}
		logger.Info("watching repository", "repository", wt.repo.Name, "branch", wt.repo.Branch, "path", wt.repo.LocalPath)
	}
	return w, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		w.debounce.Stop()
		_ = w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	for _, wt := range w.match(event.Name) {
		req := metasyncd.NewCommitRequest(wt.repo)
		w.logger.Debug("ref changed", "repository", wt.repo.Name, "branch", wt.repo.Branch, "event", event.String())
		w.debounce.Trigger(queue.KeyOf(req), func() {
			w.logger.Info("branch moved, submitting sync", "repository", req.Repository, "branch", req.Target.Branch)
			w.submit.Submit(req)
		})
	}
}

// match returns the watches affected by a change of name.
func (w *Watcher) match(name string) []watch {
	var out []watch
	for _, wt := range w.watches {
		if name == wt.refFile || name == wt.packedRefs {
			out = append(out, wt)
		}
	}
	return out
}
