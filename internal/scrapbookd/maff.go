package scrapbookd

import (
	"encoding/xml"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/juju/errors"
)

// PageInfo describes one saved page surfaced by a MAFF or HTZ archive's
// landing chooser.
type PageInfo struct {
	Dir          string // entry name of the page's top-level directory, "" for HTZ
	IndexEntry   string // entry name of the page's HTML document
	Title        string
	OriginalURL  string
	ArchiveTime  string
	Charset      string
}

// rdfDocument mirrors the subset of an RDF/XML index.rdf file MAFF pages
// carry: a single RDF:Description bag of Dublin-Core-ish properties.
type rdfDocument struct {
	XMLName     xml.Name `xml:"RDF"`
	Description struct {
		Title            string `xml:"title,attr"`
		OriginalURL      string `xml:"originalurl,attr"`
		ArchiveTime      string `xml:"archivetime,attr"`
		IndexFileName    string `xml:"indexfilename,attr"`
		CharSet          string `xml:"charset,attr"`
	} `xml:"Description"`
}

// DiscoverPages enumerates the pages held by an archive opened as a.
// MAFF archives hold one subdirectory per page, each with an index.rdf
// manifest; HTZ archives hold a single page flattened at the archive root
// with no manifest. kind must be one of "maff" or "htz".
func DiscoverPages(a *Archive, kind string) ([]PageInfo, error) {
	switch kind {
	case "htz":
		return discoverHTZPage(a)
	case "maff":
		return discoverMAFFPages(a)
	default:
		return nil, errors.Errorf("unsupported archive kind %q", kind)
	}
}

func discoverHTZPage(a *Archive) ([]PageInfo, error) {
	entries, err := a.List("")
	if err != nil {
		return nil, errors.Annotatef(err, "list archive root")
	}

	page := PageInfo{}
	for _, e := range entries {
		if e.Kind == EntryFile && strings.EqualFold(e.Name, "index.html") {
			page.IndexEntry = e.Name
			break
		}
	}
	if page.IndexEntry == "" {
		return nil, errors.New("htz archive has no index.html at its root")
	}
	return []PageInfo{page}, nil
}

func discoverMAFFPages(a *Archive) ([]PageInfo, error) {
	entries, err := a.List("")
	if err != nil {
		return nil, errors.Annotatef(err, "list archive root")
	}

	var pages []PageInfo
	for _, e := range entries {
		if e.Kind != EntryDir {
			continue
		}
		page, err := readMAFFPage(a, e.Name)
		if err != nil {
			continue // a malformed page directory is skipped, not fatal
		}
		pages = append(pages, page)
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].Dir < pages[j].Dir })
	return pages, nil
}

// readMAFFPage reads dir/index.rdf and locates dir's HTML document, falling
// back to a bare-bones PageInfo when index.rdf is absent or unparseable so a
// page directory is still listed even without a manifest.
func readMAFFPage(a *Archive, dir string) (PageInfo, error) {
	page := PageInfo{Dir: dir}

	children, err := a.List(dir)
	if err != nil {
		return PageInfo{}, err
	}

	rdfEntry := path.Join(dir, "index.rdf")
	if rc, err := a.Open(rdfEntry); err == nil {
		doc, parseErr := parseIndexRDF(rc)
		_ = rc.Close()
		if parseErr == nil {
			page.Title = doc.Description.Title
			page.OriginalURL = doc.Description.OriginalURL
			page.ArchiveTime = doc.Description.ArchiveTime
			page.Charset = doc.Description.CharSet
			if doc.Description.IndexFileName != "" {
				page.IndexEntry = path.Join(dir, doc.Description.IndexFileName)
			}
		}
	}

	if page.IndexEntry == "" {
		for _, c := range children {
			if c.Kind == EntryFile && strings.EqualFold(path.Ext(c.Name), ".html") {
				page.IndexEntry = path.Join(dir, c.Name)
				break
			}
		}
	}

	if page.IndexEntry == "" {
		return PageInfo{}, errors.Errorf("page directory %s has no html document", dir)
	}
	if page.Title == "" {
		page.Title = dir
	}
	return page, nil
}

// parseIndexRDF decodes an RDF/XML index.rdf document.
func parseIndexRDF(r io.Reader) (rdfDocument, error) {
	var doc rdfDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return rdfDocument{}, errors.Annotatef(err, "decode index.rdf")
	}
	return doc, nil
}

// archiveKindForPath classifies a resolved archive path by extension.
func archiveKindForPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".htz":
		return "htz"
	case ".maff":
		return "maff"
	default:
		return ""
	}
}
