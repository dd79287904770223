package sync

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/schaermu/metasyncd/internal/metadata"
)

// Snapshot maps the relative paths of a metadata tree to content hashes
type Snapshot map[string]uint64

// TakeSnapshot hashes every non-hidden file below dir.
func TakeSnapshot(dir string) (Snapshot, error) {
	paths, err := metadata.ListFiles(dir)
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
		if err != nil {
			return nil, err
		}
		snap[p] = xxhash.Sum64(data)
	}
	return snap, nil
}

// Changed returns the paths added, modified or removed in next, sorted.
func (s Snapshot) Changed(next Snapshot) []string {
	var out []string
	for p, h := range next {
		if old, ok := s[p]; !ok || old != h {
			out = append(out, p)
		}
	}
	for p := range s {
		if _, ok := next[p]; !ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
