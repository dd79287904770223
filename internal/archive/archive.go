// Package archive keeps a zip of the materialized metadata tree after each
// successful run.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/schaermu/metasyncd/internal/config"
	"github.com/schaermu/metasyncd/internal/metadata"
)

// Store persists archive objects under a key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
}

// Archiver zips directories, optionally encrypts them and hands them to a Store.
type Archiver struct {
	store      Store
	recipients []age.Recipient
	logger     *slog.Logger
}

// New creates an archiver. With no recipients archives are stored in plain.
func New(store Store, recipients []age.Recipient, logger *slog.Logger) *Archiver {
	return &Archiver{store: store, recipients: recipients, logger: logger}
}

// NewFromConfig creates the archiver configured by cfg. It returns nil when
// archiving is disabled.
func NewFromConfig(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Type {
	case config.ArchiveNone:
		return nil, nil
	case config.ArchiveFilesystem:
		store, err = NewFilesystemStore(cfg.Root)
	case config.ArchiveS3:
		store, err = NewS3StoreFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	var recipients []age.Recipient
	if cfg.AgeRecipientsFile != "" {
		if recipients, err = LoadRecipients(cfg.AgeRecipientsFile); err != nil {
			return nil, err
		}
	}
	return New(store, recipients, logger), nil
}

// LoadRecipients reads age recipients, one per line, from path.
func LoadRecipients(path string) ([]age.Recipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipients file: %w", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing recipients file: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in %s", path)
	}
	return recipients, nil
}

// Archive zips every file below dir and stores it as name plus ".zip", or
// ".zip.age" when encrypting. It returns the key written.
func (a *Archiver) Archive(ctx context.Context, name, dir string) (string, error) {
	paths, err := metadata.ListFiles(dir)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", dir, err)
	}
	files := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
		if err != nil {
			return "", err
		}
		files[p] = data
	}
	data, err := metadata.Zip(files)
	if err != nil {
		return "", fmt.Errorf("zipping %s: %w", dir, err)
	}

	key := name + ".zip"
	var body io.Reader = bytes.NewReader(data)
	if len(a.recipients) > 0 {
		var buf bytes.Buffer
		w, err := age.Encrypt(&buf, a.recipients...)
		if err != nil {
			return "", fmt.Errorf("creating encrypted writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return "", fmt.Errorf("encrypting archive: %w", err)
		}
		if err := w.Close(); err != nil {
			return "", fmt.Errorf("finalizing encryption: %w", err)
		}
		key += ".age"
		body = &buf
	}

	if err := a.store.Put(ctx, key, body); err != nil {
		return "", fmt.Errorf("storing archive %s: %w", key, err)
	}
	a.logger.Info("archived metadata tree", "key", key, "files", len(files), "encrypted", len(a.recipients) > 0)
	return key, nil
}

// FilesystemStore writes archives below a root directory
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates the root directory if needed.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem archive requires root to be set")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

// Put writes r to root/key through a temporary file.
func (s *FilesystemStore) Put(_ context.Context, key string, r io.Reader) error {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("invalid archive key %q", key)
	}
	dst := filepath.Join(s.root, clean)
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

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}
