package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/metasyncd/internal/config"
	"github.com/schaermu/metasyncd/internal/remote"
	"github.com/schaermu/metasyncd/internal/remote/sqlstore"
	"github.com/schaermu/metasyncd/internal/toolchain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// saveFlags restores the global flags after the test.
func saveFlags(t *testing.T) {
	t.Helper()
	origCfg, origLevel, origFormat := cfgFile, logLevel, logFormat
	origRepos, origAll, origForce, origProtected := syncRepos, syncAll, syncForce, syncProtected
	t.Cleanup(func() {
		cfgFile, logLevel, logFormat = origCfg, origLevel, origFormat
		syncRepos, syncAll, syncForce, syncProtected = origRepos, origAll, origForce, origProtected
	})
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `remote:
  type: sqlite
  sqlite_path: "` + filepath.Join(dir, "store.db") + `"
paths:
  work_dir: "` + filepath.Join(dir, "work") + `"
repositories:
  - name: demo
    url: "https://github.com/acme/demo.git"
    branch: main
  - name: demo-dev
    url: "https://github.com/acme/demo.git"
    branch: dev
    protected: true
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
		"":        slog.LevelInfo,
	} {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestResolveFormat(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	if got := resolveFormat("text", f); got != "text" {
		t.Errorf("explicit format should win, got %q", got)
	}
	if got := resolveFormat("", f); got != "json" {
		t.Errorf("non-terminal output should default to json, got %q", got)
	}
}

func TestConfigureLogger_File(t *testing.T) {
	saveFlags(t)
	logLevel, logFormat = "", "text"

	logFile := filepath.Join(t.TempDir(), "metasyncd.log")
	cfg := &config.Config{Logging: config.LoggingConfig{Level: "warn", File: logFile, MaxSizeMB: 1}}
	logger, closeLog := configureLogger(cfg)
	logger.Info("dropped")
	logger.Warn("kept", "key", "value")
	closeLog()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), `"msg":"kept"`) {
		t.Errorf("unexpected log file content: %s", data)
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	saveFlags(t)
	cfgFile = writeConfig(t)

	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if len(cfg.Repositories) != 2 {
		t.Errorf("expected 2 repositories, got %d", len(cfg.Repositories))
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	saveFlags(t)
	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	if _, err := loadConfig(testLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestSelectRequests(t *testing.T) {
	saveFlags(t)
	cfgFile = writeConfig(t)
	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		repos     []string
		all       bool
		force     bool
		protected bool
		want      []string
		wantErr   bool
	}{
		{name: "nothing selected", wantErr: true},
		{name: "both selected", repos: []string{"demo"}, all: true, wantErr: true},
		{name: "unknown", repos: []string{"missing"}, wantErr: true},
		{name: "single", repos: []string{"demo-dev"}, want: []string{"demo-dev"}},
		{name: "all", all: true, force: true, want: []string{"demo", "demo-dev"}},
		{name: "protected flag", repos: []string{"demo"}, protected: true, want: []string{"demo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncRepos, syncAll, syncForce, syncProtected = tt.repos, tt.all, tt.force, tt.protected
			reqs, err := selectRequests(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("selectRequests() error = %v, wantErr %v", err, tt.wantErr)
			}
			var names []string
			for _, r := range reqs {
				names = append(names, r.Repository)
				if r.Force != tt.force {
					t.Errorf("%s: force = %v", r.Repository, r.Force)
				}
				wantProtected := tt.protected || r.Repository == "demo-dev"
				if r.Protected != wantProtected {
					t.Errorf("%s: protected = %v, want %v", r.Repository, r.Protected, wantProtected)
				}
			}
			if diff := cmp.Diff(tt.want, names); diff != "" {
				t.Errorf("requests mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewStore(t *testing.T) {
	dir := t.TempDir()

	cfg := &config.Config{Remote: config.RemoteConfig{Type: config.RemoteSQLite, SQLitePath: filepath.Join(dir, "store.db")}}
	store, closeStore, err := newStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("newStore(sqlite) failed: %v", err)
	}
	if _, ok := store.(*sqlstore.Store); !ok {
		t.Errorf("expected *sqlstore.Store, got %T", store)
	}
	_ = closeStore()

	tokenFile := filepath.Join(dir, "token")
	if err := os.WriteFile(tokenFile, []byte("secret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg = &config.Config{Remote: config.RemoteConfig{Type: config.RemoteSalesforce, InstanceURL: "https://example.my.salesforce.com", TokenFile: tokenFile}}
	store, _, err = newStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("newStore(salesforce) failed: %v", err)
	}
	if _, ok := store.(*remote.Client); !ok {
		t.Errorf("expected *remote.Client, got %T", store)
	}

	cfg.Remote.TokenFile = filepath.Join(dir, "missing")
	if _, _, err := newStore(cfg, testLogger()); err == nil {
		t.Error("expected error for missing token file")
	}
}

func TestNewToolchain(t *testing.T) {
	if _, ok := newToolchain(&config.Config{}, testLogger()).(toolchain.Copy); !ok {
		t.Error("expected the copy toolchain without a binary")
	}
	cfg := &config.Config{Toolchain: config.ToolchainConfig{Binary: "sf-does-not-exist"}}
	if _, ok := newToolchain(cfg, testLogger()).(*toolchain.CLI); !ok {
		t.Error("expected the CLI toolchain with a binary")
	}
}

func TestChildArgs(t *testing.T) {
	saveFlags(t)
	cfgFile, logLevel, logFormat = "/etc/metasyncd.yaml", "debug", ""

	want := []string{"--config", "/etc/metasyncd.yaml", "--log-level", "debug"}
	if diff := cmp.Diff(want, childArgs()); diff != "" {
		t.Errorf("childArgs() mismatch (-want +got):\n%s", diff)
	}
}

func TestMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	if err := migrate(path, testLogger()); err != nil {
		t.Fatalf("migrate() failed: %v", err)
	}
	// second run finds the schema current
	if err := migrate(path, testLogger()); err != nil {
		t.Fatalf("second migrate() failed: %v", err)
	}

	s, err := sqlstore.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	if _, err := s.Count(context.Background(), remote.ObjectComponent); err != nil {
		t.Errorf("migrated schema is unusable: %v", err)
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}
