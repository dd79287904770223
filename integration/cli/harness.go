//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/metasyncd/internal/remote/sqlstore"
	"github.com/schaermu/metasyncd/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness runs a freshly built metasyncd binary against a local origin
// repository and a SQLite remote store.
type Harness struct {
	t       *testing.T
	bin     string
	dir     string
	origin  string
	config  string
	storeDB string
}

// NewHarness builds the binary and prepares an empty origin repository
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()
	dir := t.TempDir()

	t.Log("Building metasyncd")
	bin, err := testutil.BuildBinary(ctx, dir)
	if err != nil {
		t.Fatalf("build binary: %v", err)
	}

	h := &Harness{
		t:       t,
		bin:     bin,
		dir:     dir,
		origin:  filepath.Join(dir, "origin"),
		config:  filepath.Join(dir, "config.yaml"),
		storeDB: filepath.Join(dir, "state", "remote.db"),
	}
	h.MustGit("init", "-b", "main", h.origin)
	h.MustGit("-C", h.origin, "config", "user.email", "dev@example.com")
	h.MustGit("-C", h.origin, "config", "user.name", "Dev")
	h.MustGit("-C", h.origin, "config", "receive.denyCurrentBranch", "updateInstead")
	return h
}

// WriteConfig writes a config for a single repository named demo
func (h *Harness) WriteConfig() {
	h.t.Helper()
	content := fmt.Sprintf(`remote:
  type: sqlite
  sqlite_path: %q
paths:
  work_dir: %q
  state_dir: %q
repositories:
  - name: demo
    url: %q
    branch: main
    branch_id: demo/main
serve:
  isolation: inline
`, h.storeDB, filepath.Join(h.dir, "work"), filepath.Join(h.dir, "state"), h.origin)
	if err := os.WriteFile(h.config, []byte(content), 0600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Run executes metasyncd with the harness config
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, error) {
	h.t.Helper()
	args = append([]string{"--config", h.config, "--log-format", "text"}, args...)
	cmd := exec.CommandContext(ctx, h.bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, &testWriter{t: h.t, prefix: "[metasyncd] "})
	cmd.Stderr = io.MultiWriter(&stderr, &testWriter{t: h.t, prefix: "[metasyncd] "})
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// MustRun executes metasyncd and fails the test on a non-zero exit
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, err := h.Run(ctx, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.t.Fatalf("metasyncd %v exited %d: %s", args, exitErr.ExitCode(), stderr)
		}
		h.t.Fatalf("metasyncd %v: %v", args, err)
	}
	return stdout, stderr
}

// MustGit runs git and returns its trimmed output
func (h *Harness) MustGit(args ...string) string {
	h.t.Helper()
	out, err := exec.Command("git", args...).CombinedOutput()
	if err != nil {
		h.t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// Commit writes files into the origin (empty content removes) and commits them
func (h *Harness) Commit(files map[string]string) string {
	h.t.Helper()
	for name, content := range files {
		p := filepath.Join(h.origin, filepath.FromSlash(name))
		if content == "" {
			if err := os.Remove(p); err != nil {
				h.t.Fatalf("remove %s: %v", name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			h.t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			h.t.Fatalf("write %s: %v", name, err)
		}
	}
	h.MustGit("-C", h.origin, "add", "--all")
	h.MustGit("-C", h.origin, "commit", "-m", "change")
	return h.MustGit("-C", h.origin, "rev-parse", "HEAD")
}

// OriginHas reports whether a file exists in the origin work tree
func (h *Harness) OriginHas(name string) bool {
	_, err := os.Stat(filepath.Join(h.origin, filepath.FromSlash(name)))
	return err == nil
}

// Store opens the remote store the binary writes to. The store is closed
// when the test ends.
func (h *Harness) Store() *sqlstore.Store {
	h.t.Helper()
	store, err := sqlstore.Open(h.storeDB)
	if err != nil {
		h.t.Fatalf("open store: %v", err)
	}
	h.t.Cleanup(func() { _ = store.Close() })
	return store
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
