package scrapbookd

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

func statPath(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// copyFile copies src to dst, preserving the source file's mode.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	//nolint:gosec // G304: path is produced by the renaming middleware's resolved target
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	//nolint:gosec // G304: path is produced by the renaming middleware's resolved target
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}

// copyDirRecursive deep-copies a directory tree from src to dst.
func copyDirRecursive(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target)
	})
}

// listPhysicalDir lists the immediate children of dir as EntryInfo values.
func listPhysicalDir(dir string) ([]EntryInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := make([]EntryInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		kind := EntryFile
		if e.IsDir() {
			kind = EntryDir
		}
		out = append(out, EntryInfo{
			Name:         e.Name(),
			Kind:         kind,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	return out, nil
}
