package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/metasyncd/internal/archive"
	"github.com/schaermu/metasyncd/internal/config"
	"github.com/schaermu/metasyncd/internal/git"
	"github.com/schaermu/metasyncd/internal/queue"
	"github.com/schaermu/metasyncd/internal/remote"
	"github.com/schaermu/metasyncd/internal/remote/sqlstore"
	"github.com/schaermu/metasyncd/internal/remote/sqlstore/migrations"
	metasyncd "github.com/schaermu/metasyncd/internal/sync"
	"github.com/schaermu/metasyncd/internal/toolchain"
)

// shutdownTimeout bounds how long running jobs may finish on shutdown.
const shutdownTimeout = time.Minute

// deps are the collaborators of a sync engine.
type deps struct {
	store  remote.Store
	engine *metasyncd.Engine
	close  func() error
}

func newDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*deps, error) {
	store, closeStore, err := newStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	engine := metasyncd.NewEngine(cfg, store, gitClient, newToolchain(cfg, logger), logger)

	arch, err := archive.NewFromConfig(ctx, cfg.Archive, logger)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("failed to set up archive: %w", err)
	}
	if arch != nil {
		engine.SetArchiver(arch)
	}

	return &deps{store: store, engine: engine, close: closeStore}, nil
}

func (d *deps) Close() {
	_ = d.close()
}

// newStore opens the configured remote record store.
func newStore(cfg *config.Config, logger *slog.Logger) (remote.Store, func() error, error) {
	switch cfg.Remote.Type {
	case config.RemoteSQLite:
		s, err := sqlstore.Open(cfg.Remote.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open record store: %w", err)
		}
		return s, s.Close, nil
	default:
		token, err := os.ReadFile(cfg.Remote.TokenFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read remote token: %w", err)
		}
		c := remote.NewClient(cfg.Remote.InstanceURL, cfg.Remote.APIVersion, strings.TrimSpace(string(token)), nil, logger)
		return c, func() error { return nil }, nil
	}
}

func newToolchain(cfg *config.Config, logger *slog.Logger) toolchain.Toolchain {
	if cfg.Toolchain.Binary == "" {
		return toolchain.Copy{}
	}
	cli := toolchain.NewCLI(cfg.Toolchain.Binary, logger)
	if !cli.IsAvailable() {
		logger.Warn("toolchain binary not found, source layout repositories will fail", "binary", cfg.Toolchain.Binary)
	}
	return cli
}

// newQueue creates the job queue of the long-running commands. The returned
// function drains it.
func newQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*queue.Queue, func(), error) {
	var (
		runner  queue.Runner
		cleanup = func() {}
	)
	switch cfg.Serve.Isolation {
	case config.IsolationInline:
		d, err := newDeps(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		runner, cleanup = queue.FuncRunner(d.engine.Run), d.Close
	default:
		p, err := queue.NewProcessRunner("", childArgs(), cfg.JobsDir(), logger)
		if err != nil {
			return nil, nil, err
		}
		runner = p
	}

	q := queue.New(runner, cfg.Serve.MaxConcurrent, logger)
	return q, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := q.Close(shutdownCtx); err != nil {
			logger.Warn("running jobs were cancelled on shutdown", "error", err)
		}
		cleanup()
	}, nil
}

// childArgs are the global flags forwarded to worker processes.
func childArgs() []string {
	var args []string
	if cfgFile != "" {
		path, err := filepath.Abs(cfgFile)
		if err != nil {
			path = cfgFile
		}
		args = append(args, "--config", path)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	if logFormat != "" {
		args = append(args, "--log-format", logFormat)
	}
	return args
}

// migrate brings the schema of the SQLite record store up to date.
func migrate(path string, logger *slog.Logger) error {
	db, err := sqlstore.OpenConnection(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	status := migrations.CheckStatus(db)
	if status == nil {
		logger.Info("database schema is up to date", "path", path)
		return nil
	}
	logger.Info("applying migrations", "path", path, "status", status)
	if err := migrations.Up(db); err != nil {
		return err
	}
	if err := migrations.CheckStatus(db); err != nil {
		return fmt.Errorf("schema check after migration failed: %w", err)
	}
	logger.Info("migrations applied", "path", path)
	return nil
}
