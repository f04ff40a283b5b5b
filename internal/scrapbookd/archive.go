package scrapbookd

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	kflate "github.com/klauspost/compress/flate"
	kzip "github.com/klauspost/compress/zip"
	"github.com/juju/errors"
)

// newArchiveWriter constructs a zip writer that uses klauspost/compress's
// deflate implementation at the best compression level, instead of the
// stdlib archive/zip default compressor.
func newArchiveWriter(w io.Writer) *kzip.Writer {
	zw := kzip.NewWriter(w)
	zw.RegisterCompressor(kzip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return kflate.NewWriter(out, kflate.BestCompression)
	})
	return zw
}

// EntryKind classifies an archive entry.
type EntryKind int

const (
	EntryAbsent EntryKind = iota
	EntryFile
	EntryDir
)

// EntryInfo describes one entry (real or implicit) inside a zip archive.
type EntryInfo struct {
	Name         string
	Kind         EntryKind
	Size         int64
	LastModified time.Time
}

// ErrDirNotFound is returned when listing a directory that has neither an
// explicit directory marker entry nor any descendant entry.
var ErrDirNotFound = errors.New("directory does not exist in this ZIP file")

// ErrEntryNotFound is returned when an operation targets an entry that does
// not exist in the archive.
var ErrEntryNotFound = errors.New("entry does not exist in this ZIP file")

// Archive gives read/write access to a single zip file on disk, implementing
// the write-rewrite-rename mutation protocol.
type Archive struct {
	Path string

	reader  *ZipReader
	cache   *ArchiveHandleCache
	metrics *Metrics
}

// NewArchive constructs an Archive bound to path, optionally wired to a
// shared read cache.
func NewArchive(path string, reader *ZipReader, cache *ArchiveHandleCache, metrics *Metrics) *Archive {
	return &Archive{Path: path, reader: reader, cache: cache, metrics: metrics}
}

// Stat returns metadata for name within the archive: EntryFile if name is a
// literal entry, EntryDir if name+"/" is a literal entry or any entry has
// name+"/" as a prefix (implicit directory), EntryAbsent otherwise.
func (a *Archive) Stat(name string) (EntryInfo, error) {
	zrc, err := zip.OpenReader(a.Path)
	if err != nil {
		return EntryInfo{}, errors.Annotatef(err, "open archive %s", a.Path)
	}
	defer func() { _ = zrc.Close() }()

	if name == "" {
		return EntryInfo{Name: path.Base(a.Path), Kind: EntryDir}, nil
	}

	dirPrefix := name
	if dirPrefix != "" {
		dirPrefix += "/"
	}

	for _, f := range zrc.File {
		if f.Name == name && !strings.HasSuffix(name, "/") {
			return EntryInfo{Name: path.Base(name), Kind: EntryFile, Size: int64(f.UncompressedSize64), LastModified: f.Modified}, nil
		}
		if f.Name == dirPrefix {
			return EntryInfo{Name: path.Base(name), Kind: EntryDir, Size: 0, LastModified: f.Modified}, nil
		}
	}

	if dirPrefix != "" {
		for _, f := range zrc.File {
			if strings.HasPrefix(f.Name, dirPrefix) {
				return EntryInfo{Name: path.Base(name), Kind: EntryDir}, nil
			}
		}
	}

	return EntryInfo{Name: path.Base(name), Kind: EntryAbsent}, nil
}

// List enumerates the immediate children of dir (dir == "" for archive
// root). Returns ErrDirNotFound if neither a directory marker nor any
// descendant entry exists.
func (a *Archive) List(dir string) ([]EntryInfo, error) {
	zrc, err := zip.OpenReader(a.Path)
	if err != nil {
		return nil, errors.Annotatef(err, "open archive %s", a.Path)
	}
	defer func() { _ = zrc.Close() }()

	prefix := dir
	if prefix != "" {
		prefix += "/"
	}

	seen := map[string]*EntryInfo{}
	found := prefix == ""

	for _, f := range zrc.File {
		if !strings.HasPrefix(f.Name, prefix) {
			continue
		}
		found = true

		rest := strings.TrimPrefix(f.Name, prefix)
		if rest == "" {
			continue // the directory marker entry itself
		}

		child := rest
		isDir := false
		if idx := strings.Index(rest, "/"); idx >= 0 {
			child = rest[:idx]
			isDir = true
		}
		if child == "" {
			continue
		}

		if existing, ok := seen[child]; ok {
			if isDir {
				existing.Kind = EntryDir
			}
			continue
		}

		info := &EntryInfo{Name: child}
		if isDir {
			info.Kind = EntryDir
		} else {
			info.Kind = EntryFile
			info.Size = int64(f.UncompressedSize64)
			info.LastModified = f.Modified
		}
		seen[child] = info
	}

	if !found {
		return nil, ErrDirNotFound
	}

	out := make([]EntryInfo, 0, len(seen))
	for _, info := range seen {
		out = append(out, *info)
	}
	return out, nil
}

// Open streams the content of entryName. Uses the shared ZipReader cache
// when available.
func (a *Archive) Open(entryName string) (io.ReadCloser, error) {
	if a.reader != nil {
		return a.reader.OpenEntry(a.Path, entryName)
	}

	zrc, err := zip.OpenReader(a.Path)
	if err != nil {
		return nil, errors.Annotatef(err, "open archive %s", a.Path)
	}
	for _, f := range zrc.File {
		if f.Name == entryName {
			rc, err := f.Open()
			if err != nil {
				_ = zrc.Close()
				return nil, errors.Annotatef(err, "open entry %s", entryName)
			}
			return &zipEntryReadCloser{entry: rc, zip: zrc}, nil
		}
	}
	_ = zrc.Close()
	return nil, ErrEntryNotFound
}

// Mkdir creates a zero-length directory-marker entry ending in "/", stored
// (uncompressed). Succeeds idempotently if the directory already exists.
func (a *Archive) Mkdir(name string) error {
	dirName := strings.TrimSuffix(name, "/") + "/"

	info, err := a.Stat(strings.TrimSuffix(name, "/"))
	if err == nil && info.Kind == EntryDir {
		return nil
	}

	return a.rewriteFiltered(func(string) bool { return false }, func(w *kzip.Writer) error {
		hdr := &kzip.FileHeader{Name: dirName, Method: kzip.Store}
		hdr.Modified = time.Now()
		_, err := w.CreateHeader(hdr)
		return err
	})
}

// Save writes data as entryName, replacing any existing entry of that name.
// When entryName does not already exist, the append-only fast path is used.
func (a *Archive) Save(entryName string, data []byte) error {
	info, err := a.Stat(entryName)
	if err != nil {
		return errors.Annotatef(err, "stat before save")
	}

	if info.Kind == EntryAbsent {
		return a.appendEntry(entryName, data)
	}

	return a.rewriteFiltered(func(name string) bool { return name == entryName }, func(w *kzip.Writer) error {
		hdr := &kzip.FileHeader{Name: entryName, Method: kzip.Deflate}
		hdr.Modified = time.Now()
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = fw.Write(data)
		return err
	})
}

// Delete removes entryName and every entry whose name begins with
// entryName+"/". Fails with ErrEntryNotFound if nothing matched, in which
// case the rewrite is abandoned and the archive file is left untouched.
func (a *Archive) Delete(entryName string) error {
	removed := false
	notFound := false
	prefix := entryName + "/"

	err := a.rewriteFiltered(func(name string) bool {
		if name == entryName || strings.HasPrefix(name, prefix) {
			removed = true
			return true
		}
		return false
	}, func(*kzip.Writer) error {
		if !removed {
			notFound = true
			return ErrEntryNotFound
		}
		return nil
	})
	if notFound {
		return ErrEntryNotFound
	}
	return err
}

// appendEntry adds a new entry to the archive. Because neither archive/zip
// nor klauspost/compress/zip support amending an existing central directory
// in place, the "append" is a full rewrite that retains every existing
// entry and adds one more; callers only
// take this path when entryName does not already collide, so no entry is
// ever replaced here.
func (a *Archive) appendEntry(entryName string, data []byte) error {
	return a.rewriteFiltered(func(string) bool { return false }, func(w *kzip.Writer) error {
		hdr := &kzip.FileHeader{Name: entryName, Method: kzip.Deflate}
		hdr.Modified = time.Now()
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = fw.Write(data)
		return err
	})
}

// rewriteFiltered streams every entry for which shouldSkip returns false into
// a fresh archive, applies writeEdit (if non-nil), then atomically replaces
// the original via rename-in-rename-out. At every instant a complete,
// readable archive exists at a.Path: either the pre-mutation one or the
// post-mutation one.
func (a *Archive) rewriteFiltered(shouldSkip func(name string) bool, writeEdit func(*kzip.Writer) error) (retErr error) {
	if a.metrics != nil {
		a.metrics.IncArchiveRewrites()
	}
	defer func() {
		if retErr != nil && a.metrics != nil {
			a.metrics.IncArchiveRewriteFailure()
		}
	}()

	src, err := zip.OpenReader(a.Path)
	if err != nil {
		return errors.Annotatef(err, "open source archive")
	}
	defer func() { _ = src.Close() }()

	tmpPath := fmt.Sprintf("%s.%d", a.Path, time.Now().UnixNano())
	//nolint:gosec // G304: path derived from the resolved archive path
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return errors.Annotatef(err, "create temp archive")
	}

	cleanupTemp := func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}

	w := newArchiveWriter(tmpFile)

	for _, f := range src.File {
		if shouldSkip(f.Name) {
			continue
		}
		if err := copyZipEntry(w, f); err != nil {
			cleanupTemp()
			return errors.Annotatef(err, "copy entry %s", f.Name)
		}
	}

	if writeEdit != nil {
		if err := writeEdit(w); err != nil {
			cleanupTemp()
			return errors.Annotatef(err, "apply edit")
		}
	}

	if err := w.Close(); err != nil {
		cleanupTemp()
		return errors.Annotatef(err, "close temp archive writer")
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Annotatef(err, "close temp archive file")
	}

	bPath := fmt.Sprintf("%s.%dB", a.Path, time.Now().UnixNano())
	if err := os.Rename(a.Path, bPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Annotatef(err, "rename original aside")
	}
	if err := os.Rename(tmpPath, a.Path); err != nil {
		// Best-effort: restore the original so a valid archive remains visible.
		_ = os.Rename(bPath, a.Path)
		return errors.Annotatef(err, "rename temp into place")
	}
	_ = os.Remove(bPath)

	if a.cache != nil {
		a.cache.Remove(a.Path)
	}

	return nil
}

// copyZipEntry streams one retained entry from a source zip.File into w,
// preserving the original compression method.
func copyZipEntry(w *kzip.Writer, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	hdr := &kzip.FileHeader{
		Name:     f.Name,
		Modified: f.Modified,
	}
	if f.Method == zip.Deflate {
		hdr.Method = kzip.Deflate
	} else {
		hdr.Method = kzip.Store
	}

	fw, err := w.CreateHeader(hdr)
	if err != nil {
		return err
	}

	_, err = io.Copy(fw, rc)
	return err
}
