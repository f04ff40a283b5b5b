package scrapbookd

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestArchive_StatAndList(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "a.zip")
	mustCreateZip(t, zipPath, map[string][]byte{
		"hello.txt":    []byte("hi\n"),
		"sub/file.txt": []byte("nested"),
	})

	arc := NewArchive(zipPath, nil, nil, nil)

	info, err := arc.Stat("hello.txt")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Kind != EntryFile || info.Size != 3 {
		t.Fatalf("Stat() = %+v, want file of size 3", info)
	}

	dirInfo, err := arc.Stat("sub")
	if err != nil {
		t.Fatalf("Stat(sub) error = %v", err)
	}
	if dirInfo.Kind != EntryDir {
		t.Fatalf("Stat(sub).Kind = %v, want EntryDir (implicit)", dirInfo.Kind)
	}

	entries, err := arc.List("")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}

	rootInfo, err := arc.Stat("")
	if err != nil {
		t.Fatalf("Stat(\"\") error = %v", err)
	}
	if rootInfo.Kind != EntryDir {
		t.Fatalf("Stat(\"\").Kind = %v, want EntryDir for the archive root", rootInfo.Kind)
	}
}

func TestArchive_SaveReplacesExistingEntry(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "a.zip")
	mustCreateZip(t, zipPath, map[string][]byte{
		"hello.txt": []byte("old"),
		"other.bin": []byte("xx"),
	})

	arc := NewArchive(zipPath, nil, nil, nil)
	if err := arc.Save("hello.txt", []byte("new")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	rc, err := arc.Open("hello.txt")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, []byte("new")) {
		t.Fatalf("content = %q, want %q", got, "new")
	}

	other, err := arc.Open("other.bin")
	if err != nil {
		t.Fatalf("Open(other.bin) error = %v", err)
	}
	defer func() { _ = other.Close() }()
	otherGot, err := io.ReadAll(other)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(otherGot, []byte("xx")) {
		t.Fatalf("other.bin content = %q, want unchanged %q", otherGot, "xx")
	}
}

func TestArchive_SaveAppendsNewEntry(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "a.zip")
	mustCreateZip(t, zipPath, map[string][]byte{"hello.txt": []byte("hi")})

	arc := NewArchive(zipPath, nil, nil, nil)
	if err := arc.Save("new.txt", []byte("created")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := arc.Stat("new.txt")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Kind != EntryFile {
		t.Fatalf("Stat(new.txt).Kind = %v, want EntryFile", info.Kind)
	}
}

func TestArchive_DeleteMissingEntryLeavesArchiveUntouched(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "a.zip")
	mustCreateZip(t, zipPath, map[string][]byte{"hello.txt": []byte("hi")})

	before, err := os.ReadFile(zipPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	arc := NewArchive(zipPath, nil, nil, nil)
	err = arc.Delete("missing.txt")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("Delete() error = %v, want ErrEntryNotFound", err)
	}

	after, err := os.ReadFile(zipPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("archive bytes changed after a failed delete")
	}

	entries, err := listTempFiles(root)
	if err != nil {
		t.Fatalf("listTempFiles() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestArchive_MkdirIsIdempotent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "a.zip")
	mustCreateZip(t, zipPath, map[string][]byte{"hello.txt": []byte("hi")})

	arc := NewArchive(zipPath, nil, nil, nil)
	if err := arc.Mkdir("newdir"); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	if err := arc.Mkdir("newdir"); err != nil {
		t.Fatalf("second Mkdir() error = %v", err)
	}

	info, err := arc.Stat("newdir")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Kind != EntryDir {
		t.Fatalf("Stat(newdir).Kind = %v, want EntryDir", info.Kind)
	}
}

func listTempFiles(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
