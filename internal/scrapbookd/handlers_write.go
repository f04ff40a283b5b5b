package scrapbookd

import (
	"io"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
)

// mkdirHandler creates a directory (physical) or a directory entry
// (archive), succeeding idempotently when it already exists.
func mkdirHandler(env *Env, c *gin.Context, rc *reqContext) error {
	switch rc.target.Kind {
	case TargetPhysical:
		if err := os.MkdirAll(rc.target.Physical, 0o755); err != nil {
			return errInternal(err.Error())
		}
	case TargetArchive:
		arc := NewArchive(rc.target.ArchivePath, env.ZipReader, env.ArchiveCache, env.Metrics)
		if err := arc.Mkdir(rc.target.InnerPath); err != nil {
			return errInternal(err.Error())
		}
	default:
		return errBadRequest("Cannot create a directory here")
	}
	writeNoContent(c)
	return nil
}

// saveHandler writes content from either the multipart `upload` field or the
// `text` form field (decoded as ISO-8859-1), replacing or creating the
// target entry.
func saveHandler(env *Env, c *gin.Context, rc *reqContext) error {
	data, err := readSavePayload(c)
	if err != nil {
		return errBadRequest(err.Error())
	}

	switch rc.target.Kind {
	case TargetPhysical:
		if err := os.MkdirAll(filepath.Dir(rc.target.Physical), 0o755); err != nil {
			return errInternal(err.Error())
		}
		if err := os.WriteFile(rc.target.Physical, data, 0o644); err != nil { //nolint:gosec // path resolved under the configured root
			return errInternal(err.Error())
		}
	case TargetArchive:
		arc := NewArchive(rc.target.ArchivePath, env.ZipReader, env.ArchiveCache, env.Metrics)
		if err := arc.Save(rc.target.InnerPath, data); err != nil {
			return errInternal(err.Error())
		}
	default:
		return errBadRequest("Cannot save here")
	}
	writeNoContent(c)
	return nil
}

func readSavePayload(c *gin.Context) ([]byte, error) {
	if file, err := c.FormFile("upload"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		return io.ReadAll(f)
	}

	text := c.Request.FormValue("text")
	return []byte(decodeToLatin1Bytes(text)), nil
}

// decodeToLatin1Bytes re-encodes a form value (decoded by net/http as UTF-8)
// back into raw ISO-8859-1 bytes, so byte-for-byte round trips of binary-ish
// text content survive the form encoding.
func decodeToLatin1Bytes(s string) string {
	runes := []rune(s)
	out := make([]byte, 0, len(runes))
	for _, r := range runes {
		if r > 0xff {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// deleteHandler removes the target; archive deletion fails if nothing was
// removed.
func deleteHandler(env *Env, c *gin.Context, rc *reqContext) error {
	switch rc.target.Kind {
	case TargetPhysical:
		if _, err := os.Stat(rc.target.Physical); os.IsNotExist(err) {
			return errNotFound("Path does not exist")
		}
		if err := os.RemoveAll(rc.target.Physical); err != nil {
			return errInternal(err.Error())
		}
	case TargetArchive:
		arc := NewArchive(rc.target.ArchivePath, env.ZipReader, env.ArchiveCache, env.Metrics)
		if err := arc.Delete(rc.target.InnerPath); err != nil {
			return errNotFound(err.Error())
		}
	default:
		return errNotFound("Path does not exist")
	}
	writeNoContent(c)
	return nil
}

// moveHandler renames a physical path to the renaming middleware's resolved
// destination.
func moveHandler(env *Env, c *gin.Context, rc *reqContext) error {
	dest, ok := c.Get("destPhysical")
	if !ok {
		return errBadRequest("Missing target")
	}
	destPath := dest.(string)

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return errInternal(err.Error())
	}
	if err := os.Rename(rc.target.Physical, destPath); err != nil {
		return errInternal(err.Error())
	}
	writeNoContent(c)
	return nil
}

// copyHandler deep-copies a physical path to the renaming middleware's
// resolved destination.
func copyHandler(env *Env, c *gin.Context, rc *reqContext) error {
	dest, ok := c.Get("destPhysical")
	if !ok {
		return errBadRequest("Missing target")
	}
	destPath := dest.(string)

	info, err := os.Stat(rc.target.Physical)
	if err != nil {
		return errNotFound("Path does not exist")
	}

	if info.IsDir() {
		err = copyDirRecursive(rc.target.Physical, destPath)
	} else {
		err = copyFile(rc.target.Physical, destPath)
	}
	if err != nil {
		return errInternal(err.Error())
	}
	writeNoContent(c)
	return nil
}

// lockHandler acquires a named advisory lock.
func lockHandler(env *Env, c *gin.Context, rc *reqContext) error {
	name := rc.query.Get("name")
	if name == "" {
		return errBadRequest("Missing name parameter")
	}
	stale := queryIntDefault(rc.query, "chks", 300)
	timeout := queryIntDefault(rc.query, "chkt", 5)

	if err := env.Locks.Acquire(name, stale, timeout); err != nil {
		return errInternal(err.Error())
	}
	writeNoContent(c)
	return nil
}

// unlockHandler releases a named advisory lock.
func unlockHandler(env *Env, c *gin.Context, rc *reqContext) error {
	name := rc.query.Get("name")
	if name == "" {
		return errBadRequest("Missing name parameter")
	}
	if err := env.Locks.Release(name); err != nil {
		return errInternal(err.Error())
	}
	writeNoContent(c)
	return nil
}
