package scrapbookd

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestZipReader_OpenEntry_OK(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "page.htz")
	mustCreateZip(t, zipPath, map[string][]byte{
		"index.html": []byte("hello"),
		"images/pic.png": []byte{0x01, 0x02, 0x03},
	})

	zic := NewZipIntegrityCache(5*time.Minute, time.Now, nil, nil)
	zr := NewZipReader(zic)

	rc, err := zr.OpenEntry(zipPath, "index.html")
	if err != nil {
		t.Fatalf("OpenEntry() error = %v", err)
	}
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("entry bytes = %q, want %q", got, "hello")
	}
}

func TestZipReader_OpenEntry_NotFound(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "page.htz")
	mustCreateZip(t, zipPath, map[string][]byte{
		"index.html": []byte("hello"),
	})

	zic := NewZipIntegrityCache(5*time.Minute, time.Now, nil, nil)
	zr := NewZipReader(zic)

	_, err := zr.OpenEntry(zipPath, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("OpenEntry() error = %v, want ErrNotFound", err)
	}
}

func TestZipReader_OpenEntry_TemporarilyUnavailable(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "page.htz")
	//nolint:errcheck // Test helper: intentionally creating invalid zip for testing
	_ = os.WriteFile(zipPath, []byte("not-a-zip"), 0o600)

	zic := NewZipIntegrityCache(5*time.Minute, time.Now, nil, nil)
	zr := NewZipReader(zic)

	_, err := zr.OpenEntry(zipPath, "index.html")
	if !errors.Is(err, ErrZipTemporarilyUnavailable) {
		t.Fatalf("OpenEntry() error = %v, want ErrZipTemporarilyUnavailable", err)
	}
}

func TestZipReader_OpenEntry_UsesArchiveHandleCache(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "page.htz")
	mustCreateZip(t, zipPath, map[string][]byte{"index.html": []byte("hello")})

	zic := NewZipIntegrityCache(5*time.Minute, time.Now, nil, nil)
	zr := NewZipReader(zic)
	cache := NewArchiveHandleCache(8, nil, 0)
	zr.SetArchiveHandleCache(cache)

	rc, err := zr.OpenEntry(zipPath, "index.html")
	if err != nil {
		t.Fatalf("OpenEntry() error = %v", err)
	}
	_ = rc.Close()

	if got := cache.totalOpen(); got != 1 {
		t.Fatalf("totalOpen() = %d, want 1 after OpenEntry populated the archive handle cache", got)
	}

	// A second open for the same archive must reuse the cached handle rather
	// than reopening the zip file.
	rc2, err := zr.OpenEntry(zipPath, "index.html")
	if err != nil {
		t.Fatalf("OpenEntry() second call error = %v", err)
	}
	_ = rc2.Close()

	if got := cache.totalOpen(); got != 1 {
		t.Fatalf("totalOpen() = %d, want 1 after a second OpenEntry on the same archive", got)
	}
}

func mustCreateZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()

	//nolint:gosec // G304: path is validated and comes from test helpers, not user input
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create(%q) error = %v", path, err)
	}
	defer func() { _ = f.Close() }()

	w := zip.NewWriter(f)
	for name, contents := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip.Create(%q) error = %v", name, err)
		}
		if _, err := fw.Write(contents); err != nil {
			t.Fatalf("zip write %q error = %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip.Close() error = %v", err)
	}
}

