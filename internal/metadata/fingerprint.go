package metadata

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint computes the change-detection value for a set of files.
//
// Files are visited in sorted name order. One file yields its checksum, two
// files yield both checksums separated by a space, and three or more files
// are folded with a running pairwise average. The average is lossy: two
// bundles of three or more files can share a fingerprint.
func Fingerprint(files map[string][]byte) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	sums := make([]uint64, len(names))
	for i, name := range names {
		sums[i] = xxhash.Sum64(files[name])
	}

	switch len(sums) {
	case 0:
		return ""
	case 1:
		return strconv.FormatUint(sums[0], 10)
	case 2:
		return strconv.FormatUint(sums[0], 10) + " " + strconv.FormatUint(sums[1], 10)
	}

	acc := sums[0]
	for _, s := range sums[1:] {
		acc = average(acc, s)
	}
	return strconv.FormatUint(acc, 10)
}

// average returns floor((a+b)/2) without overflowing.
func average(a, b uint64) uint64 {
	return a/2 + b/2 + (a & b & 1)
}
