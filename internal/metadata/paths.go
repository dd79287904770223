package metadata

import (
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const metaSuffix = "-meta.xml"

// NormalizePath maps a changed file path to the path identity used by Parse.
// It strips the -meta.xml suffix, folds bundle files to the bundle directory
// and reports false for manifest files owned by the toolchain.
func NormalizePath(p string) (string, bool) {
	p, ok := cleanRelPath(p)
	if !ok {
		return "", false
	}

	base := path.Base(p)
	if base == "package.xml" || (strings.HasPrefix(base, "destructiveChanges") && strings.HasSuffix(base, ".xml")) {
		return "", false
	}

	p = strings.TrimSuffix(p, metaSuffix)
	if folder, name, ok := bundleParts(p); ok {
		return folder + "/" + name, true
	}
	return p, true
}

// NormalizePaths normalizes, de-duplicates and sorts a list of changed paths.
func NormalizePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	result := make([]string, 0, len(paths))
	for _, p := range paths {
		n, ok := NormalizePath(p)
		if !ok || seen[n] {
			continue
		}
		seen[n] = true
		result = append(result, n)
	}
	sort.Strings(result)
	return result
}

// bundleParts splits a path below a bundle folder into the folder and the
// bundle name. Sidecars next to the bundle directory ("aura/Foo.cmp") resolve
// to the same bundle as files inside it ("aura/Foo/Foo.js").
func bundleParts(p string) (string, string, bool) {
	segs := strings.Split(p, "/")
	if len(segs) < 2 {
		return "", "", false
	}
	if _, ok := bundleFolders[segs[0]]; !ok {
		return "", "", false
	}
	name := segs[1]
	if len(segs) == 2 {
		name, _, _ = strings.Cut(name, ".")
	}
	if name == "" {
		return "", "", false
	}
	return segs[0], name, true
}

// componentName derives the component name from its path: the path below the
// type folder without the file extension.
func componentName(p string) string {
	_, rest, ok := strings.Cut(p, "/")
	if !ok {
		rest = p
	}
	return strings.TrimSuffix(rest, path.Ext(rest))
}

// PathTouches reports whether a record stored under fileName is affected by a
// change to the normalized path p.
func PathTouches(p, fileName string) bool {
	return fileName == p || strings.HasPrefix(fileName, p+"/")
}

// cleanRelPath converts p to a clean slash-separated relative path.
func cleanRelPath(p string) (string, bool) {
	p = path.Clean(filepath.ToSlash(p))
	p = strings.TrimPrefix(p, "./")
	if p == "." || p == "" || strings.HasPrefix(p, "/") || p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, true
}
