package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	metasyncd "github.com/schaermu/metasyncd/internal/sync"
)

// ProcessRunner runs every request in a child process executing
// "<binary> <args...> run-job --request FILE". A crashing run only takes
// its own process down; cancelling the context kills the child.
type ProcessRunner struct {
	binary  string
	args    []string
	jobsDir string
	output  io.Writer
	logger  *slog.Logger
}

// NewProcessRunner creates a runner re-executing binary. An empty binary
// uses the running executable.
func NewProcessRunner(binary string, args []string, jobsDir string, logger *slog.Logger) (*ProcessRunner, error) {
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		binary = exe
	}
	return &ProcessRunner{
		binary:  binary,
		args:    args,
		jobsDir: jobsDir,
		output:  os.Stderr,
		logger:  logger,
	}, nil
}

func (p *ProcessRunner) Run(ctx context.Context, req metasyncd.CommitRequest) error {
	file, err := WriteRequest(p.jobsDir, req)
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(file)
	}()

	args := append(append([]string{}, p.args...), "run-job", "--request", file)
	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Stdout = p.output
	cmd.Stderr = p.output

	p.logger.Debug("starting worker process", "binary", p.binary, "request", file)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("worker process cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("worker process failed: %w", err)
	}
	return nil
}

// WriteRequest stores a request as a JSON job file in dir.
func WriteRequest(dir string, req metasyncd.CommitRequest) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create jobs directory: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	file := filepath.Join(dir, "job-"+uuid.NewString()+".json")
	if err := os.WriteFile(file, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write request: %w", err)
	}
	return file, nil
}

// ReadRequest loads a job file written by WriteRequest.
func ReadRequest(file string) (metasyncd.CommitRequest, error) {
	var req metasyncd.CommitRequest
	data, err := os.ReadFile(file)
	if err != nil {
		return req, fmt.Errorf("failed to read request: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to decode request %s: %w", file, err)
	}
	return req, nil
}
