package scrapbookd

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDiscoverPages_HTZ(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "page.htz")
	mustCreateZip(t, zipPath, map[string][]byte{
		"index.html": []byte("<html><body>hi</body></html>"),
		"style.css":  []byte("body{}"),
	})

	arc := NewArchive(zipPath, nil, nil, nil)
	pages, err := DiscoverPages(arc, "htz")
	if err != nil {
		t.Fatalf("DiscoverPages() error = %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("len(pages) = %d, want 1", len(pages))
	}
	if pages[0].IndexEntry != "index.html" {
		t.Fatalf("IndexEntry = %q, want index.html", pages[0].IndexEntry)
	}
}

func TestDiscoverPages_HTZMissingIndex(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "page.htz")
	mustCreateZip(t, zipPath, map[string][]byte{"readme.txt": []byte("hi")})

	arc := NewArchive(zipPath, nil, nil, nil)
	if _, err := DiscoverPages(arc, "htz"); err == nil {
		t.Fatalf("DiscoverPages() error = nil, want error for missing index.html")
	}
}

func TestDiscoverPages_MAFFWithManifest(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "pages.maff")
	rdf := `<?xml version="1.0"?>
<RDF:RDF xmlns:RDF="http://www.w3.org/1999/02/22-rdf-syntax-ns#">
<RDF:Description RDF:about="urn:root"
  title="Example Page"
  originalurl="http://example.com/"
  archivetime="Mon, 1 Jan 2024 00:00:00 GMT"
  indexfilename="index.html"
  charset="UTF-8"/>
</RDF:RDF>`

	mustCreateZip(t, zipPath, map[string][]byte{
		"19991231120000/index.rdf":  []byte(rdf),
		"19991231120000/index.html": []byte("<html></html>"),
	})

	arc := NewArchive(zipPath, nil, nil, nil)
	pages, err := DiscoverPages(arc, "maff")
	if err != nil {
		t.Fatalf("DiscoverPages() error = %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("len(pages) = %d, want 1", len(pages))
	}
	p := pages[0]
	if p.Title != "Example Page" || p.OriginalURL != "http://example.com/" {
		t.Fatalf("page = %+v, unexpected manifest fields", p)
	}
	if !strings.HasSuffix(p.IndexEntry, "index.html") {
		t.Fatalf("IndexEntry = %q, want suffix index.html", p.IndexEntry)
	}
}

func TestDiscoverPages_MAFFWithoutManifestFallsBackToHTML(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "pages.maff")
	mustCreateZip(t, zipPath, map[string][]byte{
		"page1/content.html": []byte("<html></html>"),
	})

	arc := NewArchive(zipPath, nil, nil, nil)
	pages, err := DiscoverPages(arc, "maff")
	if err != nil {
		t.Fatalf("DiscoverPages() error = %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("len(pages) = %d, want 1", len(pages))
	}
	if pages[0].Title != "page1" {
		t.Fatalf("Title = %q, want fallback dir name %q", pages[0].Title, "page1")
	}
}

func TestDiscoverPages_MAFFMultiplePages(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	zipPath := filepath.Join(root, "pages.maff")
	mustCreateZip(t, zipPath, map[string][]byte{
		"a/index.html": []byte("<html></html>"),
		"b/index.html": []byte("<html></html>"),
	})

	arc := NewArchive(zipPath, nil, nil, nil)
	pages, err := DiscoverPages(arc, "maff")
	if err != nil {
		t.Fatalf("DiscoverPages() error = %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("len(pages) = %d, want 2", len(pages))
	}
	if pages[0].Dir != "a" || pages[1].Dir != "b" {
		t.Fatalf("pages not sorted by dir: %+v", pages)
	}
}

func TestArchiveKindForPath(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/x/y/page.htz":   "htz",
		"/x/y/Page.MAFF":  "maff",
		"/x/y/page.zip":   "",
		"/x/y/page":       "",
	}
	for in, want := range cases {
		if got := archiveKindForPath(in); got != want {
			t.Errorf("archiveKindForPath(%q) = %q, want %q", in, got, want)
		}
	}
}
