package archive

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/schaermu/metasyncd/internal/config"
	"github.com/schaermu/metasyncd/internal/metadata"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mirror(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"classes/A.cls":          "public class A {}",
		"classes/A.cls-meta.xml": "<ApexClass/>",
		".git/HEAD":              "ignored",
	}
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestArchive_Filesystem(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystemStore(root)
	if err != nil {
		t.Fatal(err)
	}
	a := New(store, nil, testLogger())

	key, err := a.Archive(context.Background(), "crm/main/abc123", mirror(t))
	if err != nil {
		t.Fatal(err)
	}
	if key != "crm/main/abc123.zip" {
		t.Errorf("unexpected key %s", key)
	}

	data, err := os.ReadFile(filepath.Join(root, "crm", "main", "abc123.zip"))
	if err != nil {
		t.Fatal(err)
	}
	files, err := metadata.Unzip(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || string(files["classes/A.cls"]) != "public class A {}" {
		t.Errorf("unexpected archive content %v", files)
	}
}

func TestArchive_Encrypted(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	recipientsFile := filepath.Join(t.TempDir(), "recipients.txt")
	if err := os.WriteFile(recipientsFile, []byte("# archive key\n"+identity.Recipient().String()+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	a, err := NewFromConfig(context.Background(), config.ArchiveConfig{
		Type:              config.ArchiveFilesystem,
		Root:              root,
		AgeRecipientsFile: recipientsFile,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	key, err := a.Archive(context.Background(), "run", mirror(t))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(key, ".zip.age") {
		t.Fatalf("encrypted archive should end in .zip.age, got %s", key)
	}

	f, err := os.Open(filepath.Join(root, key))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	r, err := age.Decrypt(f, identity)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := metadata.Unzip(plain); err != nil {
		t.Errorf("decrypted archive is not a zip: %v", err)
	}
}

func TestNewFromConfig_Disabled(t *testing.T) {
	a, err := NewFromConfig(context.Background(), config.ArchiveConfig{}, testLogger())
	if err != nil || a != nil {
		t.Fatalf("expected no archiver, got %v, %v", a, err)
	}
}

func TestFilesystemStore_RejectsEscapingKeys(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(context.Background(), "../outside.zip", strings.NewReader("x")); err == nil {
		t.Error("expected error for escaping key")
	}
}

// fakeS3 accepts single part uploads.
type fakeS3 struct {
	manager.UploadAPIClient
	bucket, key string
	body        []byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_Put(t *testing.T) {
	client := &fakeS3{}
	store := NewS3Store(client, "metasyncd-runs", "archives")

	if err := store.Put(context.Background(), "crm/main/abc.zip", bytes.NewReader([]byte("zipdata"))); err != nil {
		t.Fatal(err)
	}
	if client.bucket != "metasyncd-runs" || client.key != "archives/crm/main/abc.zip" {
		t.Errorf("unexpected upload target s3://%s/%s", client.bucket, client.key)
	}
	if string(client.body) != "zipdata" {
		t.Errorf("unexpected body %q", client.body)
	}
}
