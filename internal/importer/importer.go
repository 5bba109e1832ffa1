// Package importer is the disk-facing facade: it turns loose ebook
// files into library books (metadata guessed from filenames or taken
// from an adjacent OPF) and copies books back out of the library named
// by the save template.
package importer

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kovidgoyal/calibre-sub022/internal/config"
	"github.com/kovidgoyal/calibre-sub022/internal/database/prefs"
	"github.com/kovidgoyal/calibre-sub022/internal/layout"
	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
	"github.com/kovidgoyal/calibre-sub022/internal/library"
	"github.com/kovidgoyal/calibre-sub022/internal/opf"
	"github.com/kovidgoyal/calibre-sub022/internal/schema"
)

// DefaultSaveTemplate names exported files when the save_template
// preference is unset.
const DefaultSaveTemplate = "{author_sort}/{title} - {authors}"

type Importer struct {
	lib     *library.Library
	pattern *regexp.Regexp
	log     *logrus.Logger
}

// New builds an importer. filenamePattern is a regexp with named
// groups title, author and series used to guess metadata from file
// stems.
func New(lib *library.Library, filenamePattern string, log *logrus.Logger) (*Importer, error) {
	const op = "importer.new"
	if log == nil {
		log = logrus.New()
	}
	pat, err := regexp.Compile(filenamePattern)
	if err != nil {
		return nil, liberr.New(liberr.InvalidInput, op, "bad filename pattern: %v", err)
	}
	return &Importer{lib: lib, pattern: pat, log: log}, nil
}

// AddBooks imports the given files. Files sharing a directory and stem
// become formats of one book; metadata comes from an adjacent
// <stem>.opf when present, otherwise from the filename pattern.
// Returns the new book ids in input order.
func (im *Importer) AddBooks(paths []string) ([]int64, error) {
	const op = "importer.add_books"
	groups, order, err := groupByStem(paths)
	if err != nil {
		return nil, err
	}

	var specs []library.BookSpec
	for _, stemPath := range order {
		files := groups[stemPath]
		spec := im.specFor(stemPath, files)
		specs = append(specs, spec)
	}
	ids, err := im.lib.AddBooks(specs)
	if err != nil {
		return ids, liberr.Wrap(liberr.KindOf(err), op, err)
	}
	return ids, nil
}

// groupByStem buckets files by (dir, lowercased stem), keeping first
// appearance order.
func groupByStem(paths []string) (map[string][]string, []string, error) {
	const op = "importer.add_books"
	groups := make(map[string][]string)
	var order []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, nil, liberr.Wrap(liberr.NotFound, op, err)
		}
		ext := filepath.Ext(p)
		if ext == "" {
			return nil, nil, liberr.New(liberr.InvalidInput, op, "%q has no extension", p)
		}
		stem := strings.TrimSuffix(p, ext)
		key := filepath.Dir(p) + "\x00" + strings.ToLower(filepath.Base(stem))
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], p)
	}
	return groups, order, nil
}

func (im *Importer) specFor(stemKey string, files []string) library.BookSpec {
	dir, _, _ := strings.Cut(stemKey, "\x00")
	stem := strings.TrimSuffix(filepath.Base(files[0]), filepath.Ext(files[0]))

	spec := library.BookSpec{FormatPaths: files}
	if m, err := opf.Read(filepath.Join(dir, stem+".opf")); err == nil {
		spec.Title = m.Title
		spec.Authors = m.Authors
		spec.Tags = m.Tags
		spec.Series = m.Series
		spec.SeriesIndex = m.SeriesIndex
		spec.Publisher = m.Publisher
		spec.Languages = m.Languages
		spec.Rating = m.Rating
		spec.Comments = m.Comments
		spec.Identifiers = m.Identifiers
		spec.Pubdate = m.Pubdate
	} else {
		title, author, series, idx := im.guessFromStem(stem)
		spec.Title = title
		if author != "" {
			spec.Authors = []string{author}
		}
		spec.Series = series
		spec.SeriesIndex = idx
	}

	for _, cover := range []string{stem + ".jpg", config.CoverName} {
		p := filepath.Join(dir, cover)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			spec.CoverPath = p
			break
		}
	}
	return spec
}

// guessFromStem applies the filename pattern's named groups to a file
// stem. Underscores read as spaces; a trailing series index digs out
// of the series group ("Dune 2" -> series Dune, index 2).
func (im *Importer) guessFromStem(stem string) (title, author, series string, seriesIndex float64) {
	stem = strings.ReplaceAll(stem, "_", " ")
	m := im.pattern.FindStringSubmatch(stem)
	if m == nil {
		return strings.TrimSpace(stem), "", "", 0
	}
	for i, name := range im.pattern.SubexpNames() {
		if i == 0 || i >= len(m) {
			continue
		}
		val := strings.TrimSpace(m[i])
		switch name {
		case "title":
			title = val
		case "author":
			author = val
		case "series":
			series = val
		}
	}
	if title == "" {
		title = strings.TrimSpace(stem)
	}
	if series != "" {
		if head, tail, ok := splitTrailingNumber(series); ok {
			series = head
			seriesIndex = tail
		}
	}
	return title, author, series, seriesIndex
}

func splitTrailingNumber(s string) (string, float64, bool) {
	i := strings.LastIndexByte(s, ' ')
	if i < 0 {
		return s, 0, false
	}
	n, err := strconv.ParseFloat(s[i+1:], 64)
	if err != nil {
		return s, 0, false
	}
	return strings.TrimSpace(s[:i]), n, true
}

// Export copies a book's formats, cover and side-car into destDir,
// named by the save_template preference ({field} substitutions, path
// separators allowed).
func (im *Importer) Export(bookID int64, destDir string) ([]string, error) {
	const op = "importer.export"

	tplSrc := DefaultSaveTemplate
	var stored string
	if ok, err := im.lib.GetPref(prefs.KeySaveTemplate, &stored); err == nil && ok && stored != "" {
		tplSrc = stored
	}
	tpl, err := schema.ParseTemplate(tplSrc)
	if err != nil {
		return nil, err
	}

	m, err := im.lib.Metadata(bookID)
	if err != nil {
		return nil, err
	}
	rel := tpl.Render(func(key string) string { return templateValue(m, key) })
	rel = sanitizeRel(rel)
	if rel == "" {
		rel = strconv.FormatInt(bookID, 10)
	}

	base := filepath.Join(destDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(base), 0755); err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}

	var written []string
	formats, err := im.lib.Formats(bookID)
	if err != nil {
		return nil, err
	}
	sort.Strings(formats)
	for _, ext := range formats {
		info, err := im.lib.FormatFile(bookID, ext)
		if err != nil {
			return written, err
		}
		dst := base + "." + strings.ToLower(ext)
		if err := copyFile(info.Path, dst); err != nil {
			return written, liberr.Wrap(liberr.IO, op, err)
		}
		written = append(written, dst)
	}

	if coverPath, has, err := im.lib.CoverPath(bookID); err == nil && has {
		dst := base + ".jpg"
		if err := copyFile(coverPath, dst); err == nil {
			written = append(written, dst)
		}
	}
	opfDst := base + ".opf"
	if err := opf.Write(opfDst, m); err == nil {
		written = append(written, opfDst)
	}
	return written, nil
}

// templateValue resolves a save-template field against exported
// metadata.
func templateValue(m *opf.BookMeta, key string) string {
	switch key {
	case "id":
		return strconv.FormatInt(m.ID, 10)
	case "title":
		return m.Title
	case "title_sort", "sort":
		if m.TitleSort != "" {
			return m.TitleSort
		}
		return m.Title
	case "authors":
		return strings.Join(m.Authors, " & ")
	case "author_sort":
		if m.AuthorSort != "" {
			return m.AuthorSort
		}
		return strings.Join(m.Authors, " & ")
	case "series":
		return m.Series
	case "series_index":
		if m.Series == "" {
			return ""
		}
		return strconv.FormatFloat(m.SeriesIndex, 'f', -1, 64)
	case "publisher":
		return m.Publisher
	case "isbn":
		return m.Identifiers["isbn"]
	case "tags":
		return strings.Join(m.Tags, ", ")
	case "rating":
		if m.Rating == 0 {
			return ""
		}
		return strconv.Itoa(m.Rating)
	}
	return ""
}

// sanitizeRel cleans each component of a template-rendered relative
// path.
func sanitizeRel(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	out := parts[:0]
	for _, part := range parts {
		clean := layout.SanitizeComponent(part)
		if clean == "" || clean == "." || clean == ".." {
			continue
		}
		out = append(out, clean)
	}
	return strings.Join(out, "/")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
