package scrapbookd

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

func init() {
	// Register the engine-specific MIME defaults on top of platform
	// defaults.
	_ = mime.AddExtensionType(".md", "text/markdown")
	_ = mime.AddExtensionType(".markdown", "text/markdown")
	_ = mime.AddExtensionType(".htz", "application/html+zip")
	_ = mime.AddExtensionType(".maff", "application/x-maff")
}

// detectMIME resolves the MIME type of name, preferring the registered
// extension table and falling back to magic-byte sniffing of the first
// bytes of content for extensionless files or ambiguous extensions.
func detectMIME(name string, head []byte) string {
	if ext := filepath.Ext(name); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}

	if len(head) > 0 {
		if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
			return kind.MIME.Value
		}
	}

	return "application/octet-stream"
}

// stripCharset removes a ";charset=..." parameter from a Content-Type value,
// used by the plain-file view/source handlers.
func stripCharset(contentType string) string {
	idx := strings.Index(contentType, ";")
	if idx < 0 {
		return contentType
	}
	return strings.TrimSpace(contentType[:idx])
}
