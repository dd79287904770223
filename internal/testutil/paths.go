// Package testutil holds helpers for tests that drive the metasyncd binary.
package testutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ProjectRoot walks up from this file to the directory holding go.mod.
func ProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// BuildBinary compiles cmd/metasyncd into dir and returns the binary path.
func BuildBinary(ctx context.Context, dir string) (string, error) {
	root, err := ProjectRoot()
	if err != nil {
		return "", err
	}
	bin := filepath.Join(dir, "metasyncd")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", bin, "./cmd/metasyncd")
	cmd.Dir = root
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("go build: %w: %s", err, out)
	}
	return bin, nil
}
