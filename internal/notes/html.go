package notes

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

// resScheme marks an <img> src that points at a stored resource.
const resScheme = "calres://"

// ImportNote parses an HTML file, ingests every referenced image as a
// resource, rewrites the <img> tags to resource references, and stores
// the document as the note for (category, itemID). Image paths are
// resolved relative to the file's own directory and may not escape it.
func (s *Store) ImportNote(category string, itemID int64, htmlPath string) (int64, error) {
	const op = "notes.import_note"
	raw, err := os.ReadFile(htmlPath)
	if err != nil {
		return -1, liberr.Wrap(liberr.IO, op, err)
	}
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return -1, liberr.Wrap(liberr.InvalidInput, op, err)
	}

	baseDir := filepath.Dir(htmlPath)
	var hashes []string
	var walkErr error
	walkImages(doc, func(n *html.Node) {
		if walkErr != nil {
			return
		}
		src := attr(n, "src")
		if src == "" || strings.HasPrefix(src, resScheme) {
			if h := strings.TrimPrefix(src, resScheme); h != src {
				hashes = append(hashes, h)
			}
			return
		}
		data, err := readScoped(baseDir, src)
		if err != nil {
			walkErr = err
			return
		}
		name := attr(n, "data-filename")
		if name == "" {
			name = filepath.Base(src)
		}
		hash, err := s.AddResource(data, name)
		if err != nil {
			walkErr = err
			return
		}
		stored, err := s.resourceName(hash)
		if err != nil {
			walkErr = err
			return
		}
		setAttr(n, "src", resScheme+hash)
		setAttr(n, "data-filename", stored)
		hashes = append(hashes, hash)
	})
	if walkErr != nil {
		return -1, walkErr
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return -1, liberr.Wrap(liberr.IO, op, err)
	}
	return s.SetNotesFor(category, itemID, buf.String(), hashes)
}

// ExportNote writes the note document and its resources into destDir.
// Resources become sibling files named after their stored names, and
// <img> tags get their src rewritten to those names. Returns the path
// of the written HTML file.
func (s *Store) ExportNote(category string, itemID int64, destDir string) (string, error) {
	const op = "notes.export_note"
	n, err := s.NotesDataFor(category, itemID)
	if err != nil {
		return "", err
	}
	doc, err := html.Parse(strings.NewReader(n.Doc))
	if err != nil {
		return "", liberr.Wrap(liberr.Integrity, op, err)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", liberr.Wrap(liberr.IO, op, err)
	}

	var walkErr error
	walkImages(doc, func(node *html.Node) {
		if walkErr != nil {
			return
		}
		src := attr(node, "src")
		if !strings.HasPrefix(src, resScheme) {
			return
		}
		res, err := s.GetResource(strings.TrimPrefix(src, resScheme))
		if err != nil {
			walkErr = err
			return
		}
		if err := os.WriteFile(filepath.Join(destDir, res.Name), res.Data, 0644); err != nil {
			walkErr = liberr.Wrap(liberr.IO, op, err)
			return
		}
		setAttr(node, "src", res.Name)
		setAttr(node, "data-filename", res.Name)
	})
	if walkErr != nil {
		return "", walkErr
	}

	out := filepath.Join(destDir, fmt.Sprintf("%s-%d.html", category, itemID))
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", liberr.Wrap(liberr.IO, op, err)
	}
	if err := os.WriteFile(out, buf.Bytes(), 0644); err != nil {
		return "", liberr.Wrap(liberr.IO, op, err)
	}
	return out, nil
}

func (s *Store) resourceName(hash string) (string, error) {
	var name string
	err := s.db.QueryRow(`SELECT name FROM resources WHERE hash = ?`, hash).Scan(&name)
	if err == sql.ErrNoRows {
		return "", liberr.New(liberr.NotFound, "notes.resource_name", "no resource %q", hash)
	}
	if err != nil {
		return "", liberr.Wrap(liberr.IO, "notes.resource_name", err)
	}
	return name, nil
}

// readScoped reads a relative path under base, refusing absolute
// paths and anything that escapes base.
func readScoped(base, rel string) ([]byte, error) {
	const op = "notes.import_note"
	if filepath.IsAbs(rel) {
		return nil, liberr.New(liberr.InvalidInput, op, "absolute image path %q", rel)
	}
	full := filepath.Clean(filepath.Join(base, filepath.FromSlash(rel)))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return nil, liberr.New(liberr.InvalidInput, op, "image path %q escapes the note's directory", rel)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}
	return data, nil
}

func walkImages(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode && n.Data == "img" {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkImages(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
