package scrapbookd

import (
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// statTarget resolves rc.target to an EntryInfo, covering both the physical
// and archive namespaces uniformly.
func statTarget(env *Env, rc *reqContext) (EntryInfo, error) {
	switch rc.target.Kind {
	case TargetPhysical:
		info, err := os.Stat(rc.target.Physical)
		if os.IsNotExist(err) {
			return EntryInfo{Name: filepath.Base(rc.target.Physical), Kind: EntryAbsent}, nil
		}
		if err != nil {
			return EntryInfo{}, errInternal(err.Error())
		}
		kind := EntryFile
		if info.IsDir() {
			kind = EntryDir
		}
		return EntryInfo{Name: info.Name(), Kind: kind, Size: info.Size(), LastModified: info.ModTime()}, nil
	case TargetArchive:
		arc := NewArchive(rc.target.ArchivePath, env.ZipReader, env.ArchiveCache, env.Metrics)
		info, err := arc.Stat(rc.target.InnerPath)
		if err != nil {
			return EntryInfo{}, errNotFound(err.Error())
		}
		return info, nil
	default:
		return EntryInfo{}, errNotFound("Path does not exist")
	}
}

// openTarget streams the content behind rc.target.
func openTarget(env *Env, rc *reqContext) (io.ReadCloser, error) {
	switch rc.target.Kind {
	case TargetPhysical:
		//nolint:gosec // G304: path is resolved and root-contained by the Path Resolver
		f, err := os.Open(rc.target.Physical)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errNotFound("File not found")
			}
			return nil, errInternal(err.Error())
		}
		return f, nil
	case TargetArchive:
		arc := NewArchive(rc.target.ArchivePath, env.ZipReader, env.ArchiveCache, env.Metrics)
		rc2, err := arc.Open(rc.target.InnerPath)
		if err != nil {
			return nil, errNotFound(err.Error())
		}
		return rc2, nil
	default:
		return nil, errNotFound("Path does not exist")
	}
}

func targetDisplayName(rc *reqContext) string {
	if rc.target.Kind == TargetArchive {
		return path.Base(rc.target.InnerPath)
	}
	return path.Base(rc.target.Physical)
}

// viewHandler implements the `view` verb, including metadata mode, directory
// listings, archive landing, markdown rendering, meta-refresh redirects, and
// plain content streaming.
func viewHandler(env *Env, c *gin.Context, rc *reqContext) error {
	if rc.target.Kind == TargetNone {
		return errNotFound("Path does not exist")
	}

	info, err := statTarget(env, rc)
	if err != nil {
		return err
	}
	if info.Kind == EntryAbsent {
		return errNotFound("Path does not exist")
	}

	if rc.format != "" {
		writeSuccess(c, rc, entryInfoJSON(info, targetDisplayName(rc)))
		return nil
	}

	if info.Kind == EntryDir {
		return viewDirectory(env, c, rc)
	}

	return viewFile(env, c, rc, info)
}

func entryInfoJSON(info EntryInfo, name string) gin.H {
	kind := "file"
	if info.Kind == EntryDir {
		kind = "dir"
	}
	h := gin.H{"name": name, "type": kind}
	if info.Kind == EntryFile {
		h["size"] = info.Size
		h["mime"] = detectMIME(name, nil)
	}
	if !info.LastModified.IsZero() {
		h["last_modified"] = info.LastModified.Unix()
	}
	return h
}

func viewDirectory(env *Env, c *gin.Context, rc *reqContext) error {
	if rc.target.Kind == TargetPhysical && !strings.HasSuffix(c.Request.URL.Path, "/") {
		c.Redirect(http.StatusFound, c.Request.URL.Path+"/")
		return nil
	}

	c.Header("Cache-Control", "no-store")
	if mtime, size, identifier, ok := directoryConditionalInfo(rc); ok {
		etag := archiveETag(mtime, size, identifier)
		if writeConditional(c.Writer, c.Request, mtime, etag) {
			return nil
		}
	}

	entries, err := dirEntries(env, rc)
	if err != nil {
		return err
	}

	listing := toListingEntries(entries)

	switch rc.format {
	case "json":
		writeSuccess(c, rc, listing)
	case "sse":
		c.Header("Content-Type", "text/event-stream")
		c.Status(http.StatusOK)
		_ = env.Listing.WriteSSE(c.Writer, listing, func() { c.Writer.Flush() })
	default:
		crumbs := breadcrumbs(env.Config.AppBase, rc.urlPath)
		c.Header("Content-Type", "text/html; charset=utf-8")
		_ = env.Listing.WriteHTML(c.Writer, env.Config.AppName, crumbs, listing)
	}
	return nil
}

// directoryConditionalInfo returns the mtime, size, and identifying path used
// to compute a directory listing's conditional-GET ETag: for a physical
// directory, its own mtime/size; for an archive directory, the backing zip
// file's mtime/size, per the Listing Formatter's archive-listing headers.
func directoryConditionalInfo(rc *reqContext) (mtime time.Time, size int64, identifier string, ok bool) {
	var statPathArg string
	switch rc.target.Kind {
	case TargetPhysical:
		statPathArg = rc.target.Physical
		identifier = rc.target.Physical
	case TargetArchive:
		statPathArg = rc.target.ArchivePath
		identifier = rc.target.ArchivePath
	default:
		return time.Time{}, 0, "", false
	}

	info, err := statPath(statPathArg)
	if err != nil {
		return time.Time{}, 0, "", false
	}
	return info.ModTime(), info.Size(), identifier, true
}

func dirEntries(env *Env, rc *reqContext) ([]EntryInfo, error) {
	switch rc.target.Kind {
	case TargetPhysical:
		entries, err := listPhysicalDir(rc.target.Physical)
		if err != nil {
			return nil, errInternal(err.Error())
		}
		return entries, nil
	case TargetArchive:
		arc := NewArchive(rc.target.ArchivePath, env.ZipReader, env.ArchiveCache, env.Metrics)
		entries, err := arc.List(rc.target.InnerPath)
		if err != nil {
			return nil, errNotFound(err.Error())
		}
		return entries, nil
	default:
		return nil, errNotFound("Path does not exist")
	}
}

func toListingEntries(infos []EntryInfo) []ListingEntry {
	out := make([]ListingEntry, 0, len(infos))
	for _, i := range infos {
		kind := "file"
		if i.Kind == EntryDir {
			kind = "dir"
		}
		out = append(out, ListingEntry{Name: i.Name, Kind: kind, Size: i.Size, LastModified: i.LastModified})
	}
	return out
}

func viewFile(env *Env, c *gin.Context, rc *reqContext, info EntryInfo) error {
	name := targetDisplayName(rc)
	mimeType := detectMIME(name, nil)

	switch {
	case mimeType == "application/html+zip" || mimeType == "application/x-maff":
		return archiveLanding(env, c, rc, mimeType)
	case mimeType == "text/markdown":
		return renderMarkdown(env, c, rc)
	case isHTMLExt(name):
		if target, ok, err := detectMetaRefresh(env, rc); err == nil && ok {
			c.Redirect(http.StatusFound, resolveRefreshTarget(c, target))
			return nil
		}
	}

	return streamContent(env, c, rc, info, mimeType, false)
}

// sourceHandler streams content as plain text regardless of its detected
// mime type.
func sourceHandler(env *Env, c *gin.Context, rc *reqContext) error {
	info, err := statTarget(env, rc)
	if err != nil {
		return err
	}
	if info.Kind != EntryFile {
		return errNotFound("Not a file")
	}
	return streamContent(env, c, rc, info, "text/plain", true)
}

func streamContent(env *Env, c *gin.Context, rc *reqContext, info EntryInfo, mimeType string, forceInline bool) error {
	if !info.LastModified.IsZero() {
		identifier := rc.target.Physical
		if rc.target.Kind == TargetArchive {
			identifier = rc.target.ArchivePath + archiveMarker + rc.target.InnerPath
		}
		etag := archiveETag(info.LastModified, info.Size, identifier)
		if writeConditional(c.Writer, c.Request, info.LastModified, etag) {
			return nil
		}
	}

	rcloser, err := openTarget(env, rc)
	if err != nil {
		return err
	}
	defer func() { _ = rcloser.Close() }()

	encoding := firstNonEmpty(rc.query.Get("e"), rc.query.Get("encoding"))
	contentType := stripCharset(mimeType)
	if forceInline {
		cs := encoding
		if cs == "" {
			cs = "utf-8"
		}
		c.Header("Content-Type", "text/plain; charset="+cs)
		c.Header("Content-Disposition", "inline")
	} else {
		c.Header("Content-Type", contentType)
	}
	c.Header("Accept-Ranges", "bytes")

	_, err = io.Copy(c.Writer, rcloser)
	return err
}

func isHTMLExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return strings.HasPrefix(ext, ".htm")
}

// listHandler implements the `list` verb: a format-required directory
// enumeration, optionally recursive.
func listHandler(env *Env, c *gin.Context, rc *reqContext) error {
	if rc.format == "" {
		return errBadRequest("format is required for list")
	}

	var entries []EntryInfo
	if queryBool(rc.query, "recursive") {
		collected, err := collectRecursive(env, rc)
		if err != nil {
			return err
		}
		entries = collected
	} else {
		collected, err := dirEntries(env, rc)
		if err != nil {
			return err
		}
		entries = collected
	}

	listing := toListingEntries(entries)
	switch rc.format {
	case "sse":
		c.Header("Content-Type", "text/event-stream")
		c.Status(http.StatusOK)
		return env.Listing.WriteSSE(c.Writer, listing, func() { c.Writer.Flush() })
	default:
		writeSuccess(c, rc, listing)
		return nil
	}
}

func collectRecursive(env *Env, rc *reqContext) ([]EntryInfo, error) {
	var out []EntryInfo
	var walk func(sub *reqContext, prefix string) error
	walk = func(sub *reqContext, prefix string) error {
		entries, err := dirEntries(env, sub)
		if err != nil {
			return err
		}
		for _, e := range entries {
			e.Name = path.Join(prefix, e.Name)
			out = append(out, e)
			if e.Kind == EntryDir {
				child := *sub
				if sub.target.Kind == TargetPhysical {
					child.target = Target{Kind: TargetPhysical, Physical: filepath.Join(sub.target.Physical, path.Base(e.Name))}
				} else {
					child.target = Target{Kind: TargetArchive, ArchivePath: sub.target.ArchivePath, InnerPath: path.Join(sub.target.InnerPath, path.Base(e.Name))}
				}
				if err := walk(&child, e.Name); err != nil {
					return err
				}
			}
		}
		return nil
	}
	err := walk(rc, "")
	return out, err
}

// staticHandler serves a file from the configured theme's static-asset
// search path.
func staticHandler(env *Env, c *gin.Context, rc *reqContext) error {
	rel := strings.TrimPrefix(rc.urlPath, "/")
	full := filepath.Join(env.Config.ThemeStaticDir(), rel)
	cleanRoot := filepath.Clean(env.Config.ThemeStaticDir())
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return errForbidden("Path escapes theme static root")
	}

	//nolint:gosec // G304: path is root-contained by the check above
	f, err := os.Open(full)
	if err != nil {
		return errNotFound("Static asset not found")
	}
	defer func() { _ = f.Close() }()

	c.Header("Content-Type", detectMIME(full, nil))
	_, err = io.Copy(c.Writer, f)
	return err
}

// configHandler returns a filtered projection of the loaded configuration.
func configHandler(env *Env, c *gin.Context, rc *reqContext) error {
	writeSuccess(c, rc, gin.H{
		"app": gin.H{
			"name":     env.Config.AppName,
			"theme":    env.Config.AppTheme,
			"base":     env.Config.AppBase,
			"is_local": isLocalPeer(c),
		},
		"version": engineVersion,
	})
	return nil
}

// engineVersion is the reported version string for the `config` verb.
const engineVersion = "1.0"

// tokenHandler issues a new single-use token.
func tokenHandler(env *Env, c *gin.Context, rc *reqContext) error {
	token, err := env.Tokens.Acquire()
	if err != nil {
		return errInternal(err.Error())
	}
	writeSuccess(c, rc, gin.H{"token": token})
	return nil
}
