package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNothingToCommit is returned by Commit when the working tree is clean.
var ErrNothingToCommit = errors.New("nothing to commit")

// ErrUnknownRevision is returned when a revision is not part of the local history.
var ErrUnknownRevision = errors.New("unknown revision")

// Signature is the author identity of a commit.
type Signature struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Change status letters as reported by git.
const (
	Added    = "A"
	Modified = "M"
	Deleted  = "D"
)

// FileChange is one path touched by a commit.
type FileChange struct {
	Status string
	Path   string
}

// CommitInfo describes a single commit
type CommitInfo struct {
	Hash    string
	Author  Signature
	Message string
	Changes []FileChange
}

// Paths returns the changed paths of the commit.
func (c CommitInfo) Paths() []string {
	out := make([]string, 0, len(c.Changes))
	for _, ch := range c.Changes {
		out = append(out, ch.Path)
	}
	return out
}

// Client provides git operations for repository management
type Client interface {
	// Clone clones a single branch into destDir. depth > 0 makes the clone shallow.
	Clone(ctx context.Context, url, branch, destDir string, depth int) error
	// Checkout checks out ref in dir, discarding local changes.
	Checkout(ctx context.Context, dir, ref string) error
	// RevParse resolves ref to a commit hash.
	RevParse(ctx context.Context, dir, ref string) (string, error)
	// RevList lists the commits after since up to until, oldest first.
	RevList(ctx context.Context, dir, since, until string) ([]string, error)
	// Describe returns author, message and changed files of a commit.
	Describe(ctx context.Context, dir, hash string) (CommitInfo, error)
	// Status returns the porcelain status lines of dir.
	Status(ctx context.Context, dir string) ([]string, error)
	// AddAll stages every change in dir.
	AddAll(ctx context.Context, dir string) error
	// Commit records the staged changes.
	Commit(ctx context.Context, dir string, author Signature, message string) error
	// Push pushes HEAD to branch on url.
	Push(ctx context.Context, dir, url, branch string) error
	// LsRemote returns the head commit of branch on url.
	LsRemote(ctx context.Context, url, branch string) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Clone clones the branch into destDir without touching other branches
func (c *ShellClient) Clone(ctx context.Context, url, branch, destDir string, depth int) error {
	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	args := []string{"clone", "--single-branch", "--branch", branch}
	if depth > 0 {
		args = append(args, "--depth", fmt.Sprint(depth))
	}
	args = append(args, url, destDir)

	cmd := exec.CommandContext(ctx, "git", args...)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// Checkout forces ref into the working tree and removes untracked files.
func (c *ShellClient) Checkout(ctx context.Context, dir, ref string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "checkout", "-f", ref)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git checkout failed for ref %q: %w", ref, err)
	}
	cmd = exec.CommandContext(ctx, "git", "-C", dir, "clean", "-fdq")
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git clean failed: %w", err)
	}
	return nil
}

// RevParse resolves ref to a full commit hash
func (c *ShellClient) RevParse(ctx context.Context, dir, ref string) (string, error) {
	out, err := c.output(exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}"))
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrUnknownRevision, ref, err)
	}
	return strings.TrimSpace(out), nil
}

// RevList lists commits reachable from until but not from since, oldest
// first. An empty since lists the whole history. A since that is not part
// of the local history yields ErrUnknownRevision.
func (c *ShellClient) RevList(ctx context.Context, dir, since, until string) ([]string, error) {
	rng := until
	if since != "" {
		if _, err := c.RevParse(ctx, dir, since); err != nil {
			return nil, err
		}
		rng = since + ".." + until
	}
	out, err := c.output(exec.CommandContext(ctx, "git", "-C", dir, "rev-list", "--reverse", rng))
	if err != nil {
		return nil, fmt.Errorf("git rev-list failed: %w", err)
	}
	return strings.Fields(out), nil
}

// Describe returns author, message and changed files of hash. Renames are
// reported as a deletion plus an addition.
func (c *ShellClient) Describe(ctx context.Context, dir, hash string) (CommitInfo, error) {
	out, err := c.output(exec.CommandContext(ctx, "git", "-C", dir, "log", "-1", "--format=%H%x00%an%x00%ae%x00%B", hash))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("git log failed for %s: %w", hash, err)
	}
	fields := strings.SplitN(out, "\x00", 4)
	if len(fields) != 4 {
		return CommitInfo{}, fmt.Errorf("unexpected git log output for %s", hash)
	}
	info := CommitInfo{
		Hash:    fields[0],
		Author:  Signature{Name: fields[1], Email: fields[2]},
		Message: strings.TrimSpace(fields[3]),
	}

	out, err = c.output(exec.CommandContext(ctx, "git", "-C", dir, "diff-tree",
		"--root", "--no-commit-id", "--no-renames", "--name-status", "-r", "-z", hash))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("git diff-tree failed for %s: %w", hash, err)
	}
	info.Changes = parseNameStatus(out)
	return info, nil
}

// parseNameStatus parses NUL separated "status\x00path" pairs.
func parseNameStatus(out string) []FileChange {
	parts := strings.Split(strings.TrimRight(out, "\x00"), "\x00")
	var changes []FileChange
	for i := 0; i+1 < len(parts); i += 2 {
		status := strings.TrimSpace(parts[i])
		if status == "" {
			continue
		}
		changes = append(changes, FileChange{Status: status[:1], Path: parts[i+1]})
	}
	return changes
}

// Status returns one line per changed path
func (c *ShellClient) Status(ctx context.Context, dir string) ([]string, error) {
	out, err := c.output(exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain"))
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (c *ShellClient) AddAll(ctx context.Context, dir string) error {
	if err := c.runCommand(exec.CommandContext(ctx, "git", "-C", dir, "add", "--all")); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// Commit records the staged changes under author. It returns
// ErrNothingToCommit when there is nothing staged.
func (c *ShellClient) Commit(ctx context.Context, dir string, author Signature, message string) error {
	status, err := c.Status(ctx, dir)
	if err != nil {
		return err
	}
	if len(status) == 0 {
		return ErrNothingToCommit
	}

	cmd := exec.CommandContext(ctx, "git",
		"-c", "user.name="+author.Name,
		"-c", "user.email="+author.Email,
		"-C", dir, "commit", "--quiet", "-m", message)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+author.Name,
		"GIT_AUTHOR_EMAIL="+author.Email,
		"GIT_COMMITTER_NAME="+author.Name,
		"GIT_COMMITTER_EMAIL="+author.Email,
	)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

func (c *ShellClient) Push(ctx context.Context, dir, url, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "push", url, "HEAD:refs/heads/"+branch)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

// LsRemote returns the commit branch points to on url.
func (c *ShellClient) LsRemote(ctx context.Context, url, branch string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-remote", "--heads", url, branch)
	if err := c.configureAuth(cmd, url); err != nil {
		return "", err
	}
	out, err := c.output(cmd)
	if err != nil {
		return "", fmt.Errorf("git ls-remote failed: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "refs/heads/"+branch {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("%w: branch %q not found on remote", ErrUnknownRevision, branch)
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token is handed to a credential helper through the
		// environment so it never appears in a shell expression.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "METASYNCD_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$METASYNCD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "push").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}

// output executes a command and returns its stdout, with stderr attached to
// the error on failure.
func (c *ShellClient) output(cmd *exec.Cmd) (string, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}
