//go:build integration

package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/metasyncd/internal/git"
	"github.com/schaermu/metasyncd/internal/metadata"
	"github.com/schaermu/metasyncd/internal/remote"
	metasyncd "github.com/schaermu/metasyncd/internal/sync"
)

const sidecar = `<ApexClass xmlns="http://soap.sforce.com/2006/04/metadata"><apiVersion>58.0</apiVersion></ApexClass>`

var target = remote.Target{BranchID: "demo/main", Branch: "main"}

func apexClass(name, body string) map[string]string {
	return map[string]string{
		"classes/" + name + ".cls":          body,
		"classes/" + name + ".cls-meta.xml": sidecar,
	}
}

func TestCLISync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(ctx, t)
	h.WriteConfig()

	files := apexClass("A", "public class A {}")
	for k, v := range apexClass("B", "public class B {}") {
		files[k] = v
	}
	head := h.Commit(files)

	t.Run("A_Migrate", func(t *testing.T) {
		h.MustRun(ctx, "migrate")
		if _, err := os.Stat(h.storeDB); err != nil {
			t.Fatalf("database not created: %v", err)
		}
		// a second run finds nothing to apply
		h.MustRun(ctx, "migrate")
	})

	t.Run("B_InitialSync", func(t *testing.T) {
		h.MustRun(ctx, "sync", "--all")
		checkVersions(t, h, map[string]int{"classes/A.cls": 1, "classes/B.cls": 1})
		checkCheckpoint(t, h, head)
	})

	t.Run("C_IncrementalSync", func(t *testing.T) {
		head = h.Commit(apexClass("A", "public class A { void a() {} }"))
		h.MustRun(ctx, "sync", "--repo", "demo")
		checkVersions(t, h, map[string]int{"classes/A.cls": 2, "classes/B.cls": 1})
		checkCheckpoint(t, h, head)
	})

	t.Run("D_NoOpSync", func(t *testing.T) {
		h.MustRun(ctx, "sync", "--repo", "demo")
		checkVersions(t, h, map[string]int{"classes/A.cls": 2, "classes/B.cls": 1})
	})

	t.Run("E_ForceResync", func(t *testing.T) {
		h.MustRun(ctx, "sync", "--repo", "demo", "--force")
		checkVersions(t, h, map[string]int{"classes/A.cls": 2, "classes/B.cls": 1})
		checkCheckpoint(t, h, head)
	})

	t.Run("F_RunJobWritesBack", func(t *testing.T) {
		req := metasyncd.CommitRequest{
			Repository: "demo",
			URL:        h.origin,
			Target:     target,
			Deletes:    []metadata.Deletion{{Type: "ApexClass", Name: "B", Path: "classes/B.cls"}},
			Author:     git.Signature{Name: "Admin", Email: "admin@example.com"},
		}
		data, err := json.Marshal(req)
		if err != nil {
			t.Fatal(err)
		}
		file := filepath.Join(t.TempDir(), "job.json")
		if err := os.WriteFile(file, data, 0600); err != nil {
			t.Fatal(err)
		}

		h.MustRun(ctx, "run-job", "--request", file)

		if h.OriginHas("classes/B.cls") {
			t.Error("classes/B.cls still present in origin")
		}
		author := h.MustGit("-C", h.origin, "log", "-1", "--format=%ae")
		if author != "metasyncd@localhost" {
			t.Errorf("write back authored by %q", author)
		}
		body := h.MustGit("-C", h.origin, "log", "-1", "--format=%B")
		if !strings.Contains(body, "Requested-by: Admin <admin@example.com>") {
			t.Errorf("missing Requested-by trailer in %q", body)
		}
	})

	t.Run("G_SkipsAgentCommit", func(t *testing.T) {
		h.MustRun(ctx, "sync", "--repo", "demo")
		// the agent's own deletion commit is not replayed
		checkVersions(t, h, map[string]int{"classes/A.cls": 2, "classes/B.cls": 1})
		checkCheckpoint(t, h, h.MustGit("-C", h.origin, "rev-parse", "HEAD"))
	})

	t.Run("H_UnknownRepository", func(t *testing.T) {
		if _, _, err := h.Run(ctx, "sync", "--repo", "missing"); err == nil {
			t.Error("expected sync of an unknown repository to fail")
		}
	})
}

func checkVersions(t *testing.T, h *Harness, want map[string]int) {
	t.Helper()
	var paths []string
	for p := range want {
		paths = append(paths, p)
	}
	recs, err := h.Store().QueryComponents(context.Background(), target, paths)
	if err != nil {
		t.Fatalf("QueryComponents() failed: %v", err)
	}
	got := make(map[string]int, len(recs))
	for _, r := range recs {
		got[r.FileName] = r.Version
	}
	for p, v := range want {
		if got[p] != v {
			t.Errorf("%s: version = %d, want %d", p, got[p], v)
		}
	}
}

func checkCheckpoint(t *testing.T, h *Harness, want string) {
	t.Helper()
	ctx := context.Background()
	store := h.Store()
	cp, err := store.Checkpoint(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if cp[h.origin] != want {
		t.Errorf("checkpoint = %q, want %q", cp[h.origin], want)
	}
	status, msg, err := store.Status(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if status != remote.StatusCompleted {
		t.Errorf("status = %s (%s), want %s", status, msg, remote.StatusCompleted)
	}
}
