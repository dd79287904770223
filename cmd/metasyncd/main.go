package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/metasyncd/internal/activation"
	"github.com/schaermu/metasyncd/internal/config"
	"github.com/schaermu/metasyncd/internal/queue"
	metasyncd "github.com/schaermu/metasyncd/internal/sync"
	"github.com/schaermu/metasyncd/internal/trigger"
	"github.com/schaermu/metasyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// sync flags
	syncRepos     []string
	syncAll       bool
	syncForce     bool
	syncProtected bool

	// run-job flags
	requestFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "metasyncd",
	Short: "Synchronize CRM metadata between git repositories and an org",
	Long: `metasyncd keeps the metadata of CRM org branches in sync with git repositories.

Commits pushed to a configured branch are parsed into metadata components and
written to the remote record store; components requested from the remote are
written back into the branch as agent-authored commits.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync of the selected repositories",
	Long: `Sync clones each selected repository, applies the commits since the stored
checkpoint to the remote store and records the new checkpoint. With --force every
component of the branch is compared against the remote.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve listens for GitHub push events and signed commit requests and feeds
them into the job queue. Runs of the same repository, branch and connection are
serialized. systemd socket activation is supported through a socket named "webhook".`,
	RunE: runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync repositories when their local checkout moves",
	RunE:  runWatch,
}

var runJobCmd = &cobra.Command{
	Use:    "run-job",
	Short:  "Execute one serialized sync request",
	Hidden: true,
	RunE:   runJob,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema migrations of the local record store",
	RunE:  runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("metasyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/metasyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json; default json unless stdout is a terminal)")

	syncCmd.Flags().StringSliceVar(&syncRepos, "repo", nil, "repository to sync (repeatable)")
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "sync every configured repository")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "resync every component instead of the commits since the checkpoint")
	syncCmd.Flags().BoolVar(&syncProtected, "protected", false, "skip invalid child components instead of failing")

	runJobCmd.Flags().StringVar(&requestFile, "request", "", "request file written by the job queue")
	_ = runJobCmd.MarkFlagRequired("request")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(runJobCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// selectRequests builds the requests of a sync invocation.
func selectRequests(cfg *config.Config) ([]metasyncd.CommitRequest, error) {
	if syncAll == (len(syncRepos) > 0) {
		return nil, errors.New("pass either --all or at least one --repo")
	}
	repos := cfg.Repositories
	if !syncAll {
		repos = nil
		for _, name := range syncRepos {
			r, ok := cfg.Repository(name)
			if !ok {
				return nil, fmt.Errorf("unknown repository %q", name)
			}
			repos = append(repos, r)
		}
	}

	reqs := make([]metasyncd.CommitRequest, 0, len(repos))
	for _, r := range repos {
		req := metasyncd.NewCommitRequest(r)
		req.Force = syncForce
		req.Protected = req.Protected || syncProtected
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, closeLog := configureLogger(cfg)
	defer closeLog()

	reqs, err := selectRequests(cfg)
	if err != nil {
		return err
	}

	d, err := newDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	q := queue.New(queue.FuncRunner(d.engine.Run), cfg.Serve.MaxConcurrent, logger)
	tickets := make([]*queue.Ticket, 0, len(reqs))
	for _, req := range reqs {
		tickets = append(tickets, q.Submit(req))
	}

	var errs []error
	for _, t := range tickets {
		if err := t.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Key, err))
		}
	}
	if err := q.Close(context.Background()); err != nil {
		logger.Warn("failed to close queue", "error", err)
	}
	return errors.Join(errs...)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, closeLog := configureLogger(cfg)
	defer closeLog()

	if !cfg.Serve.Enabled {
		return errors.New("serve is not enabled in the configuration (serve.enabled)")
	}

	q, closeQueue, err := newQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	srv, err := webhook.NewServer(cfg, q, logger)
	if err != nil {
		return err
	}
	l, activated, err := activation.Listen(cfg.Serve.ListenAddr, "webhook")
	if err != nil {
		return err
	}
	logger.Info("listener ready", "addr", l.Addr().String(), "socket_activated", activated)
	return srv.Serve(ctx, l)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, closeLog := configureLogger(cfg)
	defer closeLog()

	q, closeQueue, err := newQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	w, err := trigger.New(cfg, q, logger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func runJob(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, closeLog := configureLogger(cfg)
	defer closeLog()

	req, err := queue.ReadRequest(requestFile)
	if err != nil {
		return err
	}
	d, err := newDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.engine.Run(ctx, req)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Remote.Type != config.RemoteSQLite {
		return fmt.Errorf("migrate only applies to remote type %s", config.RemoteSQLite)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Remote.SQLitePath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return migrate(cfg.Remote.SQLitePath, logger)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "metasyncd", "config.yaml")
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"remote", cfg.Remote.Type,
		"repositories", len(cfg.Repositories),
		"work_dir", cfg.Paths.WorkDir,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
