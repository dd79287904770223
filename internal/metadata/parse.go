package metadata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Parse reads the components behind a list of paths relative to root.
//
// Paths that no longer exist produce no component. A path that cannot be
// parsed is logged and skipped; only context cancellation aborts the parse.
func Parse(ctx context.Context, root string, paths []string, logger *slog.Logger) ([]Component, error) {
	var result []Component
	for _, p := range NormalizePaths(paths) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		comps, err := parsePath(root, p)
		if err != nil {
			logger.Warn("skipping unparseable metadata", "path", p, "error", err)
			continue
		}
		result = append(result, comps...)
	}
	return result, nil
}

func parsePath(root, p string) ([]Component, error) {
	if folder, name, ok := bundleParts(p); ok {
		c, err := parseBundle(root, folder, name)
		if err != nil || c == nil {
			return nil, err
		}
		return []Component{*c}, nil
	}
	return parseFile(root, p)
}

func parseBundle(root, folder, name string) (*Component, error) {
	rel := folder + "/" + name
	dir := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bundle %s is not a directory", rel)
	}

	files := make(map[string][]byte)
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		r, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(r)] = content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle %s: %w", rel, err)
	}

	typ := bundleFolders[folder].Type
	sidecars, err := bundleSidecars(root, folder, name)
	if err != nil {
		return nil, err
	}
	for _, sc := range sidecars {
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(sc)))
		if err != nil {
			return nil, err
		}
		files[sc] = content
		if tag, err := rootTag(content); err == nil {
			typ = NormalizeType(tag)
		}
	}

	return &Component{
		Type:        typ,
		Name:        name,
		FilePath:    rel,
		Files:       files,
		Fingerprint: Fingerprint(files),
	}, nil
}

// bundleSidecars lists the descriptor files stored next to a bundle directory.
func bundleSidecars(root, folder, name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, folder))
	if err != nil {
		return nil, err
	}
	var result []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasSuffix(n, metaSuffix) {
			continue
		}
		if n == name+metaSuffix || strings.HasPrefix(n, name+".") {
			result = append(result, folder+"/"+n)
		}
	}
	return result, nil
}

func parseFile(root, p string) ([]Component, error) {
	if !strings.Contains(p, "/") {
		return nil, fmt.Errorf("path is not inside a type folder")
	}
	full := filepath.Join(root, filepath.FromSlash(p))

	var body []byte
	info, err := os.Stat(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// removed, a sidecar may still describe it
	case err != nil:
		return nil, err
	case !info.IsDir():
		if body, err = os.ReadFile(full); err != nil {
			return nil, err
		}
	}

	sidecar, err := os.ReadFile(full + metaSuffix)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	hasSidecar := err == nil
	if info == nil && !hasSidecar {
		return nil, nil
	}

	files := make(map[string][]byte, 2)
	var typ string
	if hasSidecar {
		tag, err := rootTag(sidecar)
		if err != nil {
			return nil, fmt.Errorf("invalid sidecar: %w", err)
		}
		typ = NormalizeType(tag)
		files[p+metaSuffix] = sidecar
		if body != nil && !folderTypes[tag] {
			files[p] = body
		}
	} else {
		if body == nil {
			return nil, fmt.Errorf("directory without descriptor")
		}
		tag, err := rootTag(body)
		if err != nil {
			return nil, fmt.Errorf("invalid metadata document: %w", err)
		}
		typ = NormalizeType(tag)
		files[p] = body
	}

	name := componentName(p)
	if IsParentType(typ) && !hasSidecar {
		return decompose(typ, name, p, body)
	}
	return []Component{{
		Type:        typ,
		Name:        name,
		FilePath:    p,
		Files:       files,
		Fingerprint: Fingerprint(files),
	}}, nil
}

// decompose splits a parent container into one component per child list
// entry plus the residual parent document.
func decompose(typ, name, p string, data []byte) ([]Component, error) {
	doc, err := readDoc(data)
	if err != nil {
		return nil, err
	}
	root := doc.Root()
	fields := parentChildren[typ]

	residual := newDoc(root)
	var result []Component
	for _, el := range root.ChildElements() {
		childType, isChild := fields[el.Tag]
		if !isChild {
			residual.Root().AddChild(el.Copy())
			continue
		}
		childName := fullName(el)
		if childName == "" {
			return nil, fmt.Errorf("%s entry without fullName", el.Tag)
		}
		if !labelContainers[typ] {
			childName = name + "." + childName
		}

		wrapper := newDoc(root)
		wrapper.Root().AddChild(el.Copy())
		content, err := serialize(wrapper)
		if err != nil {
			return nil, err
		}
		files := map[string][]byte{p: content}
		result = append(result, Component{
			Type:        childType,
			Name:        childName,
			FilePath:    p,
			Files:       files,
			Fingerprint: Fingerprint(files),
		})
	}

	if labelContainers[typ] {
		return result, nil
	}
	content, err := serialize(residual)
	if err != nil {
		return nil, err
	}
	files := map[string][]byte{p: content}
	parent := Component{
		Type:        typ,
		Name:        name,
		FilePath:    p,
		Files:       files,
		Fingerprint: Fingerprint(files),
	}
	return append([]Component{parent}, result...), nil
}

// ListFiles returns every regular file below root as slash-separated
// relative paths, skipping hidden entries.
func ListFiles(root string) ([]string, error) {
	var result []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		result = append(result, path.Clean(filepath.ToSlash(rel)))
		return nil
	})
	return result, err
}
