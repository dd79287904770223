package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// initRepo creates a local repo on the given branch.
func initRepo(t *testing.T, dir, branch string) {
	t.Helper()
	cmds := [][]string{
		{"git", "init", "-b", branch, dir},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

// commitFiles writes files (nil content removes) and commits them.
func commitFiles(t *testing.T, repoDir, msg string, files map[string]*string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(repoDir, filepath.FromSlash(name))
		if content == nil {
			if err := os.Remove(p); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(*content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	for _, args := range [][]string{
		{"git", "-C", repoDir, "add", "--all"},
		{"git", "-C", repoDir, "commit", "-m", msg},
	} {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

func str(s string) *string { return &s }

func TestCloneAndHistory(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	initRepo(t, remoteDir, "main")
	commitFiles(t, remoteDir, "Initial commit", map[string]*string{
		"classes/A.cls": str("public class A {}"),
		"classes/B.cls": str("public class B {}"),
	})
	commitFiles(t, remoteDir, "Change A, drop B", map[string]*string{
		"classes/A.cls": str("public class A { }"),
		"classes/B.cls": nil,
		"classes/C.cls": str("public class C {}"),
	})

	client := NewShellClient("", "")
	cloneDir := filepath.Join(t.TempDir(), "repo")
	if err := client.Clone(ctx, remoteDir, "main", cloneDir, 0); err != nil {
		t.Fatalf("Clone() failed: %v", err)
	}

	commits, err := client.RevList(ctx, cloneDir, "", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %v", commits)
	}

	since, err := client.RevList(ctx, cloneDir, commits[0], "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(commits[1:], since); diff != "" {
		t.Errorf("RevList since mismatch (-want +got):\n%s", diff)
	}

	first, err := client.Describe(ctx, cloneDir, commits[0])
	if err != nil {
		t.Fatal(err)
	}
	want := []FileChange{{Added, "classes/A.cls"}, {Added, "classes/B.cls"}}
	if diff := cmp.Diff(want, first.Changes); diff != "" {
		t.Errorf("root commit changes mismatch (-want +got):\n%s", diff)
	}

	second, err := client.Describe(ctx, cloneDir, commits[1])
	if err != nil {
		t.Fatal(err)
	}
	if second.Author.Name != "Test" || second.Author.Email != "test@test.com" || second.Message != "Change A, drop B" {
		t.Errorf("unexpected commit info %+v", second)
	}
	want = []FileChange{{Modified, "classes/A.cls"}, {Deleted, "classes/B.cls"}, {Added, "classes/C.cls"}}
	if diff := cmp.Diff(want, second.Changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	if err := client.Checkout(ctx, cloneDir, commits[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(cloneDir, "classes", "B.cls")); err != nil {
		t.Errorf("checkout of first commit should restore B.cls: %v", err)
	}
}

func TestRevList_UnknownSince(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	initRepo(t, dir, "main")
	commitFiles(t, dir, "Initial commit", map[string]*string{"a.txt": str("a")})

	client := NewShellClient("", "")
	_, err := client.RevList(ctx, dir, "0123456789abcdef0123456789abcdef01234567", "HEAD")
	if !errors.Is(err, ErrUnknownRevision) {
		t.Fatalf("expected ErrUnknownRevision, got %v", err)
	}
}

func TestCommitAndPush(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	initRepo(t, remoteDir, "main")
	commitFiles(t, remoteDir, "Initial commit", map[string]*string{"a.txt": str("a")})
	// allow pushing to the checked out branch of a non-bare repo
	if out, err := exec.Command("git", "-C", remoteDir, "config", "receive.denyCurrentBranch", "updateInstead").CombinedOutput(); err != nil {
		t.Fatalf("%v: %s", err, out)
	}

	client := NewShellClient("", "")
	cloneDir := filepath.Join(t.TempDir(), "repo")
	if err := client.Clone(ctx, remoteDir, "main", cloneDir, 1); err != nil {
		t.Fatal(err)
	}

	author := Signature{Name: "Sync Agent", Email: "agent@example.com"}
	if err := client.AddAll(ctx, cloneDir); err != nil {
		t.Fatal(err)
	}
	if err := client.Commit(ctx, cloneDir, author, "noop"); !errors.Is(err, ErrNothingToCommit) {
		t.Fatalf("expected ErrNothingToCommit, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(cloneDir, "b.txt"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}
	status, err := client.Status(ctx, cloneDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(status) != 1 {
		t.Errorf("expected one status line, got %v", status)
	}
	if err := client.AddAll(ctx, cloneDir); err != nil {
		t.Fatal(err)
	}
	if err := client.Commit(ctx, cloneDir, author, "Add b"); err != nil {
		t.Fatal(err)
	}
	if err := client.Push(ctx, cloneDir, remoteDir, "main"); err != nil {
		t.Fatal(err)
	}

	head, err := client.RevParse(ctx, cloneDir, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	remoteHead, err := client.LsRemote(ctx, remoteDir, "main")
	if err != nil {
		t.Fatal(err)
	}
	if head != remoteHead {
		t.Errorf("remote head %s, want %s", remoteHead, head)
	}

	info, err := client.Describe(ctx, cloneDir, head)
	if err != nil {
		t.Fatal(err)
	}
	if info.Author != author {
		t.Errorf("commit author = %+v, want %+v", info.Author, author)
	}
}

func TestParseNameStatus(t *testing.T) {
	got := parseNameStatus("M\x00a.txt\x00D\x00dir/b.txt\x00")
	want := []FileChange{{Modified, "a.txt"}, {Deleted, "dir/b.txt"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got := parseNameStatus(""); len(got) != 0 {
		t.Errorf("expected no changes, got %v", got)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple path", input: "/home/user/.ssh/key", want: "'/home/user/.ssh/key'"},
		{name: "path with spaces", input: "/home/my user/key", want: "'/home/my user/key'"},
		{name: "path with single quote", input: "/home/user's/key", want: "'/home/user'\\''s/key'"},
		{name: "empty string", input: "", want: "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shellQuote(tt.input)
			if got != tt.want {
				t.Errorf("shellQuote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInsertGitFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		flags []string
		want  []string
	}{
		{
			name:  "insert before subcommand",
			args:  []string{"git", "clone", "--single-branch", "url", "dest"},
			flags: []string{"-c", "key=value"},
			want:  []string{"git", "-c", "key=value", "clone", "--single-branch", "url", "dest"},
		},
		{
			name:  "insert before push",
			args:  []string{"git", "-C", "/dir", "push", "origin"},
			flags: []string{"-c", "cred=helper"},
			want:  []string{"git", "-c", "cred=helper", "-C", "/dir", "push", "origin"},
		},
		{
			name:  "empty args",
			args:  []string{},
			flags: []string{"-c", "key=value"},
			want:  []string{"-c", "key=value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertGitFlags(tt.args, tt.flags...)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("insertGitFlags() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfigureAuth_HTTPSToken(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	client := NewShellClient("", tokenFile)
	cmd := exec.Command("git", "ls-remote", "https://example.com/repo.git")
	if err := client.configureAuth(cmd, "https://example.com/repo.git"); err != nil {
		t.Fatal(err)
	}
	if cmd.Args[1] != "-c" {
		t.Errorf("credential helper should be inserted before the subcommand: %v", cmd.Args)
	}
	found := false
	for _, e := range cmd.Env {
		if e == "METASYNCD_GIT_TOKEN=s3cret" {
			found = true
		}
	}
	if !found {
		t.Error("token should be passed through the environment")
	}
}
