package scrapbookd

import (
	"bytes"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"path"
	"regexp"
	"runtime"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/yuin/goldmark"
)

// archiveLanding implements the HTZ/MAFF landing behavior for the `view`
// verb: a single-page redirect, a multi-page chooser, or an empty chooser.
func archiveLanding(env *Env, c *gin.Context, rc *reqContext, mimeType string) error {
	archivePath := rc.target.Physical
	if rc.target.Kind == TargetArchive {
		archivePath = rc.target.ArchivePath
	}

	kind := "htz"
	if mimeType == "application/x-maff" {
		kind = "maff"
	}

	arc := NewArchive(archivePath, env.ZipReader, env.ArchiveCache, env.Metrics)
	pages, err := DiscoverPages(arc, kind)
	if err != nil || len(pages) == 0 {
		return renderChooser(c, rc, nil)
	}

	if len(pages) == 1 {
		target := pages[0].IndexEntry
		c.Redirect(http.StatusFound, strings.TrimSuffix(c.Request.URL.Path, "/")+archiveMarker+target)
		return nil
	}

	return renderChooser(c, rc, pages)
}

var chooserTemplate = template.Must(template.New("chooser").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Choose a page</title></head>
<body>
<ul>
{{range .}}<li><a href="{{.IndexEntry}}">{{.Title}}</a>{{if .OriginalURL}} &mdash; {{.OriginalURL}}{{end}}</li>
{{end}}</ul>
</body></html>
`))

func renderChooser(c *gin.Context, rc *reqContext, pages []PageInfo) error {
	if rc.format == "json" {
		writeSuccess(c, rc, pages)
		return nil
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	return chooserTemplate.Execute(c.Writer, pages)
}

// renderMarkdown renders a commonmark file as HTML.
func renderMarkdown(env *Env, c *gin.Context, rc *reqContext) error {
	rcloser, err := openTarget(env, rc)
	if err != nil {
		return err
	}
	defer func() { _ = rcloser.Close() }()

	src, err := io.ReadAll(rcloser)
	if err != nil {
		return errInternal(err.Error())
	}

	var buf bytes.Buffer
	if err := goldmark.Convert(src, &buf); err != nil {
		return errInternal(err.Error())
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	_, err = c.Writer.Write(buf.Bytes())
	return err
}

var metaRefreshPattern = regexp.MustCompile(`(?is)<meta[^>]+http-equiv=["']?refresh["']?[^>]+content=["']?\s*0\s*;\s*url=([^"'>]+)`)

// detectMetaRefresh scans the first portion of an HTML document for a
// zero-delay meta-refresh directive.
func detectMetaRefresh(env *Env, rc *reqContext) (string, bool, error) {
	rcloser, err := openTarget(env, rc)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = rcloser.Close() }()

	head := make([]byte, 8192)
	n, _ := io.ReadFull(rcloser, head)
	head = head[:n]

	m := metaRefreshPattern.FindSubmatch(head)
	if m == nil {
		return "", false, nil
	}
	return strings.TrimSpace(string(m[1])), true, nil
}

// resolveRefreshTarget resolves a possibly-relative refresh target against
// the request URL and re-encodes it conservatively.
func resolveRefreshTarget(c *gin.Context, target string) string {
	base := c.Request.URL
	ref, err := url.Parse(target)
	if err != nil {
		return quotePath(target)
	}
	resolved := base.ResolveReference(ref)
	return quotePath(resolved.String())
}

// editHandler responds with the target's name and current content as a
// success payload; it does not render an HTML editor page. The content is
// decoded as UTF-8 when the `encoding` parameter is empty or names UTF-8
// and the bytes are valid UTF-8; every other encoding name, and invalid
// UTF-8, is decoded as ISO-8859-1, so the round trip always succeeds.
func editHandler(env *Env, c *gin.Context, rc *reqContext) error {
	rcloser, err := openTarget(env, rc)
	if err != nil {
		return err
	}
	defer func() { _ = rcloser.Close() }()

	data, err := io.ReadAll(rcloser)
	if err != nil {
		return errInternal(err.Error())
	}

	writeSuccess(c, rc, gin.H{
		"name":    targetDisplayName(rc),
		"content": decodeISO88591Fallback(data, firstNonEmpty(rc.query.Get("e"), rc.query.Get("encoding"))),
	})
	return nil
}

// editxHandler is like edit but restricted to HTML/XHTML targets.
func editxHandler(env *Env, c *gin.Context, rc *reqContext) error {
	info, err := statTarget(env, rc)
	if err != nil {
		return err
	}
	name := targetDisplayName(rc)
	mimeType := detectMIME(name, nil)
	if mimeType != "text/html" && mimeType != "application/xhtml+xml" {
		return errBadRequest("editx requires an HTML target")
	}
	_ = info
	return editHandler(env, c, rc)
}

func decodeISO88591Fallback(data []byte, encoding string) string {
	if encoding == "" || strings.EqualFold(encoding, "utf-8") {
		if isValidUTF8(data) {
			return string(data)
		}
	}
	return decodeLatin1(data)
}

func isValidUTF8(data []byte) bool {
	return utf8.Valid(data)
}

func decodeLatin1(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// execHandler invokes the OS opener on the target; only local peers may
// trigger it.
func execHandler(env *Env, c *gin.Context, rc *reqContext) error {
	if !isLocalPeer(c) {
		return errForbidden("exec is restricted to local peers")
	}
	if rc.target.Kind != TargetPhysical {
		return errBadRequest("exec requires a physical target")
	}
	if err := openWithOS(rc.target.Physical); err != nil {
		return errInternal(err.Error())
	}
	writeNoContent(c)
	return nil
}

// browseHandler invokes the OS file-explorer selector on the target; only
// local peers may trigger it.
func browseHandler(env *Env, c *gin.Context, rc *reqContext) error {
	if !isLocalPeer(c) {
		return errForbidden("browse is restricted to local peers")
	}
	if rc.target.Kind != TargetPhysical {
		return errBadRequest("browse requires a physical target")
	}
	if err := revealInFileManager(rc.target.Physical); err != nil {
		return errInternal(err.Error())
	}
	writeNoContent(c)
	return nil
}

func openWithOS(target string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target).Start()
	case "windows":
		return exec.Command("cmd", "/c", "start", "", target).Start()
	default:
		return exec.Command("xdg-open", target).Start()
	}
}

func revealInFileManager(target string) error {
	dir := path.Dir(target)
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", "-R", target).Start()
	case "windows":
		return exec.Command("explorer", "/select,", target).Start()
	default:
		return exec.Command("xdg-open", dir).Start()
	}
}
