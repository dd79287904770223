// Package metadata reads and writes the MDAPI-shaped metadata file tree.
//
// A tree is split into Components: single files with an optional -meta.xml
// sidecar, directory-shaped bundles, and child entries decomposed out of
// parent container documents such as CustomObject or CustomLabels.
package metadata

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrInvalidChildXML is returned when a child component body cannot be
// merged into its parent document.
var ErrInvalidChildXML = errors.New("invalid child xml")

// Component is one addressable, fingerprinted metadata unit
type Component struct {
	Type        string
	Name        string
	FilePath    string            // relative path identity, folded for bundles
	Files       map[string][]byte // relative path -> content
	Fingerprint string
}

// Key returns the logical identity of the component.
func (c Component) Key() string {
	return Key(c.Type, c.Name)
}

// Key builds the identity used to match components and remote records.
func Key(typ, name string) string {
	return typ + "/" + name
}

// Zip packs the component files into a zip archive with entries in sorted order.
func (c Component) Zip() ([]byte, error) {
	return Zip(c.Files)
}

// Body is a component received from the remote store with its files packed
// into a zip archive.
type Body struct {
	Type string
	Name string
	Zip  []byte
}

// Deletion identifies a component to remove from the tree. Path is the
// component's file path; for child types it is the parent document.
type Deletion struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Zip packs files into a zip archive. Entries are written in sorted order so
// the same input always produces the same bytes.
func Zip(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, fmt.Errorf("failed to write %s to archive: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Unzip extracts every regular file entry of a zip archive.
func Unzip(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, ok := cleanRelPath(f.Name)
		if !ok {
			return nil, fmt.Errorf("archive entry escapes target directory: %s", f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry %s: %w", f.Name, err)
		}
		files[name] = content
	}
	return files, nil
}
