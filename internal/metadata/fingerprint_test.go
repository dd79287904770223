package metadata

import (
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
)

func sum(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 10)
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name  string
		files map[string][]byte
		want  string
	}{
		{
			name:  "empty",
			files: map[string][]byte{},
			want:  "",
		},
		{
			name:  "single file",
			files: map[string][]byte{"a": []byte("one")},
			want:  sum("one"),
		},
		{
			name:  "two files in name order",
			files: map[string][]byte{"b": []byte("two"), "a": []byte("one")},
			want:  sum("one") + " " + sum("two"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fingerprint(tt.files); got != tt.want {
				t.Errorf("Fingerprint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFingerprint_PairwiseAverage(t *testing.T) {
	files := map[string][]byte{
		"c": []byte("three"),
		"a": []byte("one"),
		"b": []byte("two"),
	}
	a := xxhash.Sum64String("one")
	b := xxhash.Sum64String("two")
	c := xxhash.Sum64String("three")
	want := strconv.FormatUint(average(average(a, b), c), 10)

	if got := Fingerprint(files); got != want {
		t.Errorf("Fingerprint() = %q, want %q", got, want)
	}
	if strings.Contains(want, " ") {
		t.Error("three or more files should fold into one value")
	}
}

func TestFingerprint_LossyFold(t *testing.T) {
	// the first two checksums are averaged symmetrically, so swapping
	// their contents is invisible
	one := map[string][]byte{"a": []byte("one"), "b": []byte("two"), "c": []byte("three")}
	swapped := map[string][]byte{"a": []byte("two"), "b": []byte("one"), "c": []byte("three")}
	if Fingerprint(one) != Fingerprint(swapped) {
		t.Error("expected bundles with swapped leading files to collide")
	}

	// two files keep both checksums, so the same swap is detected
	delete(one, "c")
	delete(swapped, "c")
	if Fingerprint(one) == Fingerprint(swapped) {
		t.Error("two-file fingerprints should not collide on a swap")
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	files := map[string][]byte{
		"aura/Foo/Foo.cmp":      []byte("<aura:component/>"),
		"aura/Foo/Foo.js":       []byte("({})"),
		"aura/Foo.cmp-meta.xml": []byte("<AuraDefinitionBundle/>"),
	}
	first := Fingerprint(files)
	for i := 0; i < 20; i++ {
		if got := Fingerprint(files); got != first {
			t.Fatalf("fingerprint changed between runs: %q != %q", got, first)
		}
	}

	files["aura/Foo/Foo.js"] = []byte("({ })")
	if Fingerprint(files) == first {
		t.Error("fingerprint should change when a file changes")
	}
}

func TestAverage(t *testing.T) {
	tests := []struct {
		a, b, want uint64
	}{
		{0, 0, 0},
		{1, 2, 1},
		{3, 3, 3},
		{3, 5, 4},
		{math.MaxUint64, math.MaxUint64, math.MaxUint64},
		{math.MaxUint64, math.MaxUint64 - 1, math.MaxUint64 - 1},
	}
	for _, tt := range tests {
		if got := average(tt.a, tt.b); got != tt.want {
			t.Errorf("average(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
