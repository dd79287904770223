package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestProjectRoot(t *testing.T) {
	root, err := ProjectRoot()
	if err != nil {
		t.Fatalf("ProjectRoot returned error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		t.Fatalf("go.mod not found at %s: %v", root, err)
	}
	if !strings.HasPrefix(string(data), "module github.com/schaermu/metasyncd\n") {
		t.Errorf("unexpected module line in %s/go.mod", root)
	}
}
