package metadata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"golang.org/x/sync/errgroup"
)

// flushBatchSize bounds how many parent documents are written concurrently.
const flushBatchSize = 16

// Writer materializes components into a metadata tree. It caches parent
// documents touched by child writes and removals until the next flush, so a
// Writer must only be used by one sync run.
type Writer struct {
	root    string
	logger  *slog.Logger
	parents map[string]*etree.Document // relative path -> parsed parent
}

// NewWriter creates a writer rooted at dir
func NewWriter(dir string, logger *slog.Logger) *Writer {
	return &Writer{
		root:    dir,
		logger:  logger,
		parents: make(map[string]*etree.Document),
	}
}

// Write materializes component bodies into the tree. Parents are written
// before children so a child always merges into the freshest parent. With
// tolerateChildErrors set, children with invalid XML are skipped instead of
// failing the write.
func (w *Writer) Write(ctx context.Context, bodies []Body, tolerateChildErrors bool) error {
	var parents, children []Body
	for _, b := range bodies {
		if IsChildType(b.Type) {
			children = append(children, b)
		} else {
			parents = append(parents, b)
		}
	}

	for _, b := range append(parents, children...) {
		if err := ctx.Err(); err != nil {
			return err
		}
		files, err := Unzip(b.Zip)
		if err != nil {
			return fmt.Errorf("failed to unpack %s %s: %w", b.Type, b.Name, err)
		}

		switch {
		case IsChildType(b.Type):
			err = w.writeChild(b, files)
			if errors.Is(err, ErrInvalidChildXML) && tolerateChildErrors {
				w.logger.Warn("skipping invalid child component", "type", b.Type, "name", b.Name, "error", err)
				continue
			}
		case IsParentType(b.Type):
			err = w.writeParent(files)
		default:
			err = w.writeFiles(b, files)
		}
		if err != nil {
			return fmt.Errorf("failed to write %s %s: %w", b.Type, b.Name, err)
		}
	}

	return w.flush(ctx)
}

// writeFiles unpacks a plain component. Bundle directories are replaced as a
// whole so files dropped from the bundle disappear.
func (w *Writer) writeFiles(b Body, files map[string][]byte) error {
	for name := range files {
		if folder, bundle, ok := bundleParts(name); ok && strings.Count(name, "/") >= 2 {
			dir := filepath.Join(w.root, folder, bundle)
			if err := os.RemoveAll(dir); err != nil {
				return err
			}
			break
		}
	}
	for name, content := range files {
		if err := writeFile(filepath.Join(w.root, filepath.FromSlash(name)), content); err != nil {
			return err
		}
	}
	return nil
}

// writeParent stores a parent container document, keeping child entries the
// tree already has and the incoming document does not.
func (w *Writer) writeParent(files map[string][]byte) error {
	for name, content := range files {
		if strings.HasSuffix(name, metaSuffix) {
			if err := writeFile(filepath.Join(w.root, filepath.FromSlash(name)), content); err != nil {
				return err
			}
			continue
		}
		incoming, err := readDoc(content)
		if err != nil {
			return err
		}
		existing, err := w.loadParent(name)
		if err != nil {
			return err
		}
		if existing != nil {
			fields := parentChildren[incoming.Root().Tag]
			for _, el := range existing.Root().ChildElements() {
				if _, isChild := fields[el.Tag]; !isChild {
					continue
				}
				if findChild(incoming.Root(), el.Tag, fullName(el)) == nil {
					upsertChild(incoming.Root(), el.Copy())
				}
			}
		}
		w.parents[name] = incoming
	}
	return nil
}

func (w *Writer) writeChild(b Body, files map[string][]byte) error {
	if len(files) != 1 {
		return fmt.Errorf("%w: expected one entry, got %d", ErrInvalidChildXML, len(files))
	}
	var name string
	var content []byte
	for n, c := range files {
		name, content = n, c
	}

	wrapper, err := readDoc(content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChildXML, err)
	}
	slot := childSlots[b.Type]
	child := wrapper.Root().SelectElement(slot.Field)
	if child == nil {
		return fmt.Errorf("%w: no %s element", ErrInvalidChildXML, slot.Field)
	}

	parent, err := w.loadParent(name)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = newDoc(wrapper.Root())
		w.parents[name] = parent
	}
	upsertChild(parent.Root(), child.Copy())
	return nil
}

// Remove deletes components from the tree. Children are removed before
// parents, and a parent left without child entries is deleted entirely.
func (w *Writer) Remove(ctx context.Context, deletions []Deletion) error {
	var parents, children []Deletion
	for _, d := range deletions {
		if IsChildType(d.Type) {
			children = append(children, d)
		} else {
			parents = append(parents, d)
		}
	}

	for _, d := range append(children, parents...) {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, ok := cleanRelPath(d.Path)
		if !ok {
			w.logger.Warn("skipping deletion without path", "type", d.Type, "name", d.Name)
			continue
		}
		var err error
		if IsChildType(d.Type) {
			err = w.removeChild(d, rel)
		} else {
			err = w.removePath(rel)
		}
		if err != nil {
			return fmt.Errorf("failed to remove %s %s: %w", d.Type, d.Name, err)
		}
	}

	return w.flush(ctx)
}

func (w *Writer) removeChild(d Deletion, rel string) error {
	parent, err := w.loadParent(rel)
	if err != nil {
		return err
	}
	if parent == nil {
		w.logger.Debug("parent already gone", "type", d.Type, "name", d.Name, "path", rel)
		return nil
	}

	slot := childSlots[d.Type]
	root := parent.Root()
	if el := findChild(root, slot.Field, childShortName(d.Type, d.Name)); el != nil {
		root.RemoveChild(el)
	}
	if len(root.ChildElements()) > 0 {
		return nil
	}
	return w.removePath(rel)
}

// removePath deletes a file or directory together with its sidecars.
func (w *Writer) removePath(rel string) error {
	delete(w.parents, rel)

	full := filepath.Join(w.root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	case info.IsDir():
		if err := os.RemoveAll(full); err != nil {
			return err
		}
	default:
		if err := os.Remove(full); err != nil {
			return err
		}
	}

	sidecars := []string{full + metaSuffix}
	if matches, err := filepath.Glob(full + ".*" + metaSuffix); err == nil {
		sidecars = append(sidecars, matches...)
	}
	for _, sc := range sidecars {
		if err := os.Remove(sc); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// loadParent returns the cached parent document for rel, reading it from
// disk on first use. It returns nil when the parent does not exist.
func (w *Writer) loadParent(rel string) (*etree.Document, error) {
	if doc, ok := w.parents[rel]; ok {
		return doc, nil
	}
	content, err := os.ReadFile(filepath.Join(w.root, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := readDoc(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse parent %s: %w", rel, err)
	}
	w.parents[rel] = doc
	return doc, nil
}

// flush writes every cached parent document in fixed-size batches and empties
// the cache.
func (w *Writer) flush(ctx context.Context) error {
	paths := make([]string, 0, len(w.parents))
	for p := range w.parents {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for start := 0; start < len(paths); start += flushBatchSize {
		end := min(start+flushBatchSize, len(paths))
		g, _ := errgroup.WithContext(ctx)
		for _, rel := range paths[start:end] {
			doc := w.parents[rel]
			g.Go(func() error {
				content, err := serialize(doc)
				if err != nil {
					return fmt.Errorf("failed to serialize %s: %w", rel, err)
				}
				return writeFile(filepath.Join(w.root, filepath.FromSlash(rel)), content)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	w.parents = make(map[string]*etree.Document)
	return nil
}

// writeFile writes content through a temporary file and an atomic rename.
func writeFile(dst string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".metasyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}
