package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/metasyncd/internal/batch"
	"github.com/schaermu/metasyncd/internal/config"
	"github.com/schaermu/metasyncd/internal/diff"
	"github.com/schaermu/metasyncd/internal/git"
	"github.com/schaermu/metasyncd/internal/logsink"
	"github.com/schaermu/metasyncd/internal/metadata"
	"github.com/schaermu/metasyncd/internal/remote"
	"github.com/schaermu/metasyncd/internal/toolchain"
)

// ErrNoRealChanges is returned when every commit since the checkpoint was
// written by the agent itself. Run treats it as success.
var ErrNoRealChanges = errors.New("commits contain no real changes")

// CommitRequest is the unit of work of one sync run.
type CommitRequest struct {
	Repository string        `json:"repository"`
	URL        string        `json:"url"`
	Subdir     string        `json:"subdir,omitempty"`
	Target     remote.Target `json:"target"`
	// Writes are remote components to serialize into the repository.
	Writes  []remote.ComponentRecord `json:"writes,omitempty"`
	Deletes []metadata.Deletion      `json:"deletes,omitempty"`
	// Author is the person the write back is done for. Commits are always
	// authored by the agent.
	Author    git.Signature `json:"author,omitempty"`
	Message   string        `json:"message,omitempty"`
	Force     bool          `json:"force,omitempty"`
	Protected bool          `json:"protected,omitempty"`
}

// NewCommitRequest creates a request for a configured repository
func NewCommitRequest(r config.RepositoryConfig) CommitRequest {
	return CommitRequest{
		Repository: r.Name,
		URL:        r.URL,
		Subdir:     r.Subdir,
		Target: remote.Target{
			RepositoryID: r.RepositoryID,
			BranchID:     r.BranchID,
			Branch:       r.Branch,
			Connection:   r.Connection,
		},
		Protected: r.Protected,
	}
}

// Archiver stores a copy of the metadata tree of a finished run
type Archiver interface {
	Archive(ctx context.Context, name, dir string) (string, error)
}

// Engine orchestrates the sync process
type Engine struct {
	cfg       *config.Config
	store     remote.Store
	git       git.Client
	toolchain toolchain.Toolchain
	archiver  Archiver
	logger    *slog.Logger

	sleep     func(ctx context.Context, d time.Duration) error
	removeAll func(path string) error
	now       func() time.Time
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, store remote.Store, gitClient git.Client, tc toolchain.Toolchain, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		git:       gitClient,
		toolchain: tc,
		logger:    logger,
		sleep:     sleep,
		removeAll: os.RemoveAll,
		now:       time.Now,
	}
}

// SetArchiver enables archiving of the metadata tree after successful runs.
func (e *Engine) SetArchiver(a Archiver) {
	e.archiver = a
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes sync sweeps until one finishes without hitting the remote
// rate limit.
func (e *Engine) Run(ctx context.Context, req CommitRequest) error {
	for {
		err := e.runOnce(ctx, req)
		if !remote.IsRateLimited(err) {
			return err
		}

		backoff := e.cfg.Sync.RateLimitBackoff
		e.logger.Warn("remote rate limit reached, restarting sweep after backoff",
			"repository", req.Repository, "branch", req.Target.Branch, "backoff", backoff, "error", err)
		if serr := e.store.SetStatus(context.WithoutCancel(ctx), req.Target, remote.StatusWaiting, err.Error()); serr != nil {
			e.logger.Warn("failed to record waiting status", "error", serr)
		}
		if err := e.sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

// run holds the per-run working directories.
type run struct {
	req     CommitRequest
	id      string
	dir     string
	repo    string
	mirror  string
	source  bool
	head    string
	changed int
}

// metaRoot is the metadata root of an MDAPI layout checkout.
func (r *run) metaRoot() string {
	if r.req.Subdir == "" {
		return r.repo
	}
	return filepath.Join(r.repo, filepath.FromSlash(r.req.Subdir))
}

// relPaths maps repository paths to metadata root paths, dropping paths
// outside of it.
func (r *run) relPaths(paths []string) []string {
	if r.req.Subdir == "" {
		return paths
	}
	prefix := strings.Trim(path.Clean(r.req.Subdir), "/") + "/"
	var out []string
	for _, p := range paths {
		if rel, ok := strings.CutPrefix(p, prefix); ok {
			out = append(out, rel)
		}
	}
	return out
}

func (e *Engine) runOnce(ctx context.Context, req CommitRequest) error {
	id := uuid.NewString()
	dir := filepath.Join(e.cfg.RunsDir(), "run-"+id)
	r := &run{
		req:    req,
		id:     id,
		dir:    dir,
		repo:   filepath.Join(dir, "repo"),
		mirror: filepath.Join(dir, "mirror"),
	}
	target := req.Target

	logger, closeLogs := e.runLogger(ctx, r)
	defer closeLogs()
	defer func() {
		if err := e.cleanup(dir); err != nil {
			logger.Warn("failed to remove run directory", "dir", dir, "error", err)
		}
	}()

	logger.Info("starting sync", "url", req.URL, "force", req.Force, "writes", len(req.Writes), "deletes", len(req.Deletes))
	if err := e.store.SetStatus(ctx, target, remote.StatusInProgress, ""); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}

	err := e.sweep(ctx, r, logger)
	if remote.IsRateLimited(err) {
		return err
	}

	bg := context.WithoutCancel(ctx)
	if err != nil && !errors.Is(err, ErrNoRealChanges) {
		logger.Error("sync failed", "error", err)
		if cerr := e.store.SaveCheckpoint(bg, target, remote.Checkpoint{}); cerr != nil {
			logger.Warn("failed to clear checkpoint", "error", cerr)
		}
		if serr := e.store.SetStatus(bg, target, remote.StatusError, err.Error()); serr != nil {
			logger.Warn("failed to record error status", "error", serr)
		}
		return err
	}
	if err != nil {
		logger.Info("no real changes since the last sync")
	}

	if err := e.store.SaveCheckpoint(bg, target, remote.Checkpoint{req.URL: r.head}); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if err := e.store.SetStatus(bg, target, remote.StatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	logger.Info("sync completed", "commit", r.head, "changes", r.changed)
	return nil
}

// runLogger returns the logger of one run, teeing into the configured log
// side channels, and a function flushing them.
func (e *Engine) runLogger(ctx context.Context, r *run) (*slog.Logger, func()) {
	attrs := []any{"repository", r.req.Repository, "branch", r.req.Target.Branch, "run", r.id}

	var (
		sinks  []logsink.Sink
		stream *logsink.StreamSink
	)
	if e.cfg.Logging.RemoteLog {
		sinks = append(sinks, logsink.StoreSink{Store: e.store, Target: r.req.Target})
	}
	if url := e.cfg.Logging.StreamURL; url != "" {
		s, err := logsink.Dial(ctx, url, r.req.Target)
		if err != nil {
			e.logger.Warn("failed to connect log stream", "url", url, "error", err)
		} else {
			stream = s
			sinks = append(sinks, s)
		}
	}
	if len(sinks) == 0 {
		return e.logger.With(attrs...), func() {}
	}

	h := logsink.New(e.logger.Handler(), slog.LevelInfo, sinks...)
	return slog.New(h).With(attrs...), func() {
		if err := h.Flush(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("failed to forward run logs", "error", err)
		}
		if stream != nil {
			_ = stream.Close()
		}
	}
}

// sweep runs git to remote, then remote to git, and records the head the
// checkpoint should point to.
func (e *Engine) sweep(ctx context.Context, r *run, logger *slog.Logger) error {
	cp, err := e.store.Checkpoint(ctx, r.req.Target)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	since := cp[r.req.URL]
	full := r.req.Force || since == ""

	depth := 0
	if full {
		depth = 1
	}
	logger.Info("cloning repository", "dest", r.repo, "shallow", full)
	if err := e.git.Clone(ctx, r.req.URL, r.req.Target.Branch, r.repo, depth); err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	if r.head, err = e.git.RevParse(ctx, r.repo, "HEAD"); err != nil {
		return err
	}
	r.source = e.toolchain.IsSourceFormat(r.repo)
	logger.Info("repository cloned", "commit", r.head, "source_format", r.source)

	w := batch.NewWriter(e.store, r.req.Target, e.batchOptions(), logger)
	if r.req.Force {
		if err := e.markForceSync(ctx, r, "forced resync"); err != nil {
			return err
		}
	}
	if full {
		err = e.pushAll(ctx, r, w, logger)
	} else {
		err = e.pushCommits(ctx, r, w, since, logger)
	}
	noRealChanges := errors.Is(err, ErrNoRealChanges)
	if err != nil && !noRealChanges {
		return err
	}

	if len(r.req.Writes)+len(r.req.Deletes) > 0 {
		if err := e.pullRemote(ctx, r, logger); err != nil {
			return err
		}
		noRealChanges = false
	}

	if e.archiver != nil {
		name := path.Join(r.req.Repository, r.req.Target.Branch, e.now().UTC().Format("20060102T150405Z")+"-"+shortHash(r.head))
		if _, err := e.archiver.Archive(ctx, name, r.mirror); err != nil {
			logger.Warn("failed to archive metadata tree", "error", err)
		}
	}

	if noRealChanges {
		return ErrNoRealChanges
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func (e *Engine) batchOptions() batch.Options {
	opts := batch.DefaultOptions()
	if e.cfg.Sync.ChunkSize > 0 {
		opts.ChunkSize = e.cfg.Sync.ChunkSize
	}
	if e.cfg.Remote.APIVersion != "" {
		opts.APIVersion = e.cfg.Remote.APIVersion
	}
	return opts
}

// buildMirror materializes the MDAPI tree of the current checkout.
func (e *Engine) buildMirror(ctx context.Context, r *run) error {
	if r.source {
		if err := e.toolchain.SourceToMetadata(ctx, r.repo, r.mirror); err != nil {
			return fmt.Errorf("failed to convert source tree: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(r.mirror, 0755); err != nil {
		return fmt.Errorf("failed to create mirror: %w", err)
	}
	if err := toolchain.SyncTree(r.metaRoot(), r.mirror); err != nil {
		return fmt.Errorf("failed to copy metadata tree: %w", err)
	}
	return nil
}

// pushAll treats every file of the mirror as changed.
func (e *Engine) pushAll(ctx context.Context, r *run, w *batch.Writer, logger *slog.Logger) error {
	if err := e.buildMirror(ctx, r); err != nil {
		return err
	}
	paths, err := metadata.ListFiles(r.mirror)
	if err != nil {
		return fmt.Errorf("failed to list mirror: %w", err)
	}
	logger.Info("full sync", "files", len(paths))

	t := e.newTick(r, w, logger)
	if err := t.add(ctx, paths, r.head); err != nil {
		return err
	}
	return t.flush(ctx, r.head)
}

// pushCommits walks the commits after since and applies their changes.
func (e *Engine) pushCommits(ctx context.Context, r *run, w *batch.Writer, since string, logger *slog.Logger) error {
	commits, err := e.git.RevList(ctx, r.repo, since, r.head)
	if errors.Is(err, git.ErrUnknownRevision) {
		logger.Warn("checkpoint is not part of the branch history, running full sync", "checkpoint", since)
		if err := e.markForceSync(ctx, r, "checkpoint "+since+" not in branch history"); err != nil {
			return err
		}
		return e.pushAll(ctx, r, w, logger)
	}
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		logger.Info("no new commits since checkpoint", "checkpoint", since)
		return e.buildMirror(ctx, r)
	}

	var real []git.CommitInfo
	for _, hash := range commits {
		info, err := e.git.Describe(ctx, r.repo, hash)
		if err != nil {
			return err
		}
		if strings.EqualFold(info.Author.Email, e.cfg.Agent.Email) {
			logger.Debug("skipping agent commit", "commit", hash)
			continue
		}
		real = append(real, info)
	}
	if len(real) == 0 {
		if err := e.buildMirror(ctx, r); err != nil {
			return err
		}
		return ErrNoRealChanges
	}
	logger.Info("processing commits", "count", len(real), "skipped", len(commits)-len(real))

	var prev Snapshot
	if r.source {
		if err := e.git.Checkout(ctx, r.repo, since); err != nil {
			return err
		}
		if err := e.buildMirror(ctx, r); err != nil {
			return err
		}
		if prev, err = TakeSnapshot(r.mirror); err != nil {
			return fmt.Errorf("failed to snapshot mirror: %w", err)
		}
	}

	t := e.newTick(r, w, logger)
	for _, info := range real {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.git.Checkout(ctx, r.repo, info.Hash); err != nil {
			return err
		}
		if err := e.buildMirror(ctx, r); err != nil {
			return err
		}

		var paths []string
		if r.source {
			next, err := TakeSnapshot(r.mirror)
			if err != nil {
				return fmt.Errorf("failed to snapshot mirror: %w", err)
			}
			paths, prev = prev.Changed(next), next
		} else {
			paths = r.relPaths(info.Paths())
		}
		logger.Debug("processing commit", "commit", info.Hash, "author", info.Author.Email, "paths", len(paths))
		if err := t.add(ctx, paths, info.Hash); err != nil {
			return err
		}
	}
	return t.flush(ctx, r.head)
}

// markForceSync records that the run resyncs every component.
func (e *Engine) markForceSync(ctx context.Context, r *run, reason string) error {
	if err := e.store.SetStatus(ctx, r.req.Target, remote.StatusForceSync, reason); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// tick accumulates change sets until the configured size is exceeded.
type tick struct {
	e      *Engine
	r      *run
	w      *batch.Writer
	acc    *diff.Accumulator
	logger *slog.Logger
}

func (e *Engine) newTick(r *run, w *batch.Writer, logger *slog.Logger) *tick {
	return &tick{e: e, r: r, w: w, acc: diff.NewAccumulator(), logger: logger}
}

func (t *tick) add(ctx context.Context, paths []string, commit string) error {
	normalized := metadata.NormalizePaths(paths)
	if len(normalized) == 0 {
		return nil
	}

	records, err := t.e.queryRecords(ctx, t.r.req.Target, normalized)
	if err != nil {
		return err
	}
	fresh, err := metadata.Parse(ctx, t.r.mirror, normalized, t.logger)
	if err != nil {
		return err
	}
	cs := diff.Classify(normalized, fresh, records)
	t.acc.Add(normalized, fresh, cs)

	if t.acc.Count() > t.e.cfg.Sync.TickSize {
		return t.flush(ctx, commit)
	}
	return nil
}

func (t *tick) flush(ctx context.Context, commit string) error {
	cs := t.acc.ChangeSet()
	if cs.Empty() {
		return nil
	}
	res, err := t.w.Apply(ctx, cs, batch.Stamp{Commit: commit})
	if err != nil {
		return err
	}
	t.acc.Reset()
	t.r.changed += res.Inserted + res.Updated + res.Deleted
	t.logger.Info("flushed changes to remote",
		"commit", commit,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"skipped", res.Skipped,
		"calls", res.Calls)
	return nil
}

// queryRecords fetches remote records in chunks of file names.
func (e *Engine) queryRecords(ctx context.Context, target remote.Target, paths []string) ([]remote.ComponentRecord, error) {
	size := e.cfg.Sync.QueryChunkSize
	if size <= 0 {
		size = config.DefaultQueryChunkSize
	}
	var out []remote.ComponentRecord
	for start := 0; start < len(paths); start += size {
		recs, err := e.store.QueryComponents(ctx, target, paths[start:min(start+size, len(paths))])
		if err != nil {
			return nil, fmt.Errorf("failed to query remote components: %w", err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

// pullRemote serializes the requested remote components into the branch,
// commits and pushes.
func (e *Engine) pullRemote(ctx context.Context, r *run, logger *slog.Logger) error {
	branch := r.req.Target.Branch
	if err := e.git.Checkout(ctx, r.repo, branch); err != nil {
		return err
	}
	if err := e.scaffold(ctx, r, logger); err != nil {
		return err
	}
	if err := e.buildMirror(ctx, r); err != nil {
		return err
	}

	bodies := make([]metadata.Body, 0, len(r.req.Writes))
	for _, rec := range r.req.Writes {
		data, err := e.store.ComponentBody(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to fetch %s %s: %w", rec.Type, rec.Name, err)
		}
		bodies = append(bodies, metadata.Body{Type: rec.Type, Name: rec.Name, Zip: data})
	}

	mw := metadata.NewWriter(r.mirror, logger)
	if err := mw.Write(ctx, bodies, r.req.Protected); err != nil {
		return fmt.Errorf("failed to write components: %w", err)
	}
	if err := mw.Remove(ctx, r.req.Deletes); err != nil {
		return fmt.Errorf("failed to remove components: %w", err)
	}

	if r.source {
		if err := e.toolchain.MetadataToSource(ctx, r.mirror, r.repo); err != nil {
			return fmt.Errorf("failed to convert metadata tree: %w", err)
		}
	} else if err := toolchain.SyncTree(r.mirror, r.metaRoot()); err != nil {
		return fmt.Errorf("failed to copy metadata tree: %w", err)
	}

	if err := e.git.AddAll(ctx, r.repo); err != nil {
		return err
	}
	author := git.Signature{Name: e.cfg.Agent.Name, Email: e.cfg.Agent.Email}
	err := e.git.Commit(ctx, r.repo, author, e.commitMessage(r.req))
	if errors.Is(err, git.ErrNothingToCommit) {
		logger.Info("remote components already match the branch")
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.git.Push(ctx, r.repo, r.req.URL, branch); err != nil {
		return err
	}

	head, err := e.git.RevParse(ctx, r.repo, "HEAD")
	if err != nil {
		return err
	}
	r.head = head
	r.changed += len(r.req.Writes) + len(r.req.Deletes)
	logger.Info("pushed remote changes", "commit", head, "writes", len(bodies), "deletes", len(r.req.Deletes))
	return nil
}

// scaffold turns an empty checkout into a source layout project. Without a
// toolchain the repository stays in MDAPI layout.
func (e *Engine) scaffold(ctx context.Context, r *run, logger *slog.Logger) error {
	files, err := metadata.ListFiles(r.repo)
	if err != nil || len(files) > 0 {
		return err
	}

	dir := filepath.Join(r.dir, "scaffold")
	err = e.toolchain.CreateProject(ctx, dir, r.req.Repository)
	if errors.Is(err, toolchain.ErrUnavailable) {
		logger.Debug("empty repository stays in metadata layout", "reason", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to scaffold project: %w", err)
	}
	if err := toolchain.CopyTree(filepath.Join(dir, r.req.Repository), r.repo); err != nil {
		return fmt.Errorf("failed to copy project scaffold: %w", err)
	}
	r.source = true
	logger.Info("scaffolded source project in empty repository")
	return nil
}

func (e *Engine) commitMessage(req CommitRequest) string {
	msg := req.Message
	if msg == "" {
		msg = fmt.Sprintf("Sync %d component(s) from %s", len(req.Writes)+len(req.Deletes), req.Target.Connection)
		msg = strings.TrimSuffix(msg, " from ")
	}
	if req.Author.Email != "" {
		msg += fmt.Sprintf("\n\nRequested-by: %s <%s>", req.Author.Name, req.Author.Email)
	}
	return msg
}

// cleanup removes a run directory, retrying while the filesystem reports it busy.
func (e *Engine) cleanup(dir string) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = e.removeAll(dir)
		if err == nil || !isBusy(err) || attempt >= e.cfg.Sync.CleanupRetries {
			return err
		}
		time.Sleep(e.cfg.Sync.CleanupDelay)
	}
}

func isBusy(err error) bool {
	return errors.Is(err, syscall.EBUSY) || strings.Contains(err.Error(), "resource busy")
}
