package library

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kovidgoyal/calibre-sub022/internal/config"
	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
	"github.com/kovidgoyal/calibre-sub022/internal/opf"
	"github.com/kovidgoyal/calibre-sub022/internal/schema"
	"github.com/kovidgoyal/calibre-sub022/internal/search"
)

// AllBookIDs returns every book id in ascending order.
func (l *Library) AllBookIDs() []int64 {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	ids := make([]int64, 0, len(l.cache.books))
	for id := range l.cache.books {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BookCount returns the number of books in the library.
func (l *Library) BookCount() int {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	return len(l.cache.books)
}

// HasBook reports whether a book id exists.
func (l *Library) HasBook(id int64) bool {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	_, ok := l.cache.books[id]
	return ok
}

// GetField returns the typed value of one field for one book:
// []string for multi-valued term fields, string for single terms and
// text, int for rating, float64 for series_index, time.Time for
// dates, map[string]string for identifiers. Unset values come back as
// the type's zero value.
func (l *Library) GetField(key string, id int64) (any, error) {
	const op = "library.get_field"
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()

	rec, ok := l.cache.books[id]
	if !ok {
		return nil, liberr.New(liberr.NotFound, op, "no book %d", id)
	}
	f, err := l.reg.FieldFor(key)
	if err != nil {
		return nil, err
	}

	if f.Category != "" {
		names := l.cache.termNames(f.Category, rec.Terms[f.Category])
		if f.IsMultiple {
			return names, nil
		}
		if len(names) == 0 {
			return "", nil
		}
		return names[0], nil
	}

	switch f.Key {
	case "id":
		return rec.ID, nil
	case "uuid":
		return rec.UUID, nil
	case "title":
		return rec.Title, nil
	case "sort":
		return rec.Sort, nil
	case "author_sort":
		return rec.AuthorSort, nil
	case "rating":
		return rec.Rating, nil
	case "series_index":
		return rec.SeriesIndex, nil
	case "isbn":
		return rec.ISBN, nil
	case "comments":
		return rec.Comments, nil
	case "pubdate":
		return rec.Pubdate, nil
	case "timestamp":
		return rec.Timestamp, nil
	case "last_modified":
		return rec.LastModified, nil
	case "cover":
		return rec.HasCover, nil
	case "identifiers":
		out := make(map[string]string, len(rec.Identifiers))
		for scheme, val := range rec.Identifiers {
			out[scheme] = val
		}
		return out, nil
	case "formats":
		exts := make([]string, 0, len(rec.Formats))
		for ext := range rec.Formats {
			exts = append(exts, ext)
		}
		sort.Strings(exts)
		return exts, nil
	}

	if f.IsCustom() {
		return rec.Custom[f.Key], nil
	}
	return l.cache.displayValue(f.Key, id), nil
}

// Search evaluates a search expression and returns the matching book
// ids. A blank expression matches everything.
func (l *Library) Search(expr string) (search.IDSet, error) {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	return l.engine.Search(expr)
}

// Multisort orders ids in place by the given keys, first key primary.
func (l *Library) Multisort(ids []int64, specs []search.SortSpec) error {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	return l.sorter.Multisort(ids, specs)
}

// Formats lists a book's format tags, sorted.
func (l *Library) Formats(id int64) ([]string, error) {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	rec, ok := l.cache.books[id]
	if !ok {
		return nil, liberr.New(liberr.NotFound, "library.formats", "no book %d", id)
	}
	exts := make([]string, 0, len(rec.Formats))
	for ext := range rec.Formats {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts, nil
}

// FormatInfo describes one stored format file.
type FormatInfo struct {
	Format string
	Path   string // absolute
	Size   int64
	Mtime  time.Time
}

// FormatFile resolves a book's format to its file on disk.
func (l *Library) FormatFile(id int64, ext string) (*FormatInfo, error) {
	const op = "library.format_file"
	ext = strings.ToUpper(ext)
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	rec, ok := l.cache.books[id]
	if !ok {
		return nil, liberr.New(liberr.NotFound, op, "no book %d", id)
	}
	info, ok := rec.Formats[ext]
	if !ok {
		return nil, liberr.New(liberr.NotFound, op, "book %d has no %s format", id, ext)
	}
	return &FormatInfo{
		Format: ext,
		Path:   filepath.Join(l.layout.Abs(rec.Path), info.Name+"."+strings.ToLower(ext)),
		Size:   info.Size,
		Mtime:  info.Mtime,
	}, nil
}

// CoverPath returns the absolute cover file path and whether the book
// has a cover.
func (l *Library) CoverPath(id int64) (string, bool, error) {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	rec, ok := l.cache.books[id]
	if !ok {
		return "", false, liberr.New(liberr.NotFound, "library.cover_path", "no book %d", id)
	}
	return filepath.Join(l.layout.Abs(rec.Path), config.CoverName), rec.HasCover, nil
}

// BookDir returns the absolute folder of a book.
func (l *Library) BookDir(id int64) (string, error) {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	rec, ok := l.cache.books[id]
	if !ok {
		return "", liberr.New(liberr.NotFound, "library.book_dir", "no book %d", id)
	}
	return l.layout.Abs(rec.Path), nil
}

// Metadata returns a book's full metadata record, the same shape the
// side-car mirrors.
func (l *Library) Metadata(id int64) (*opf.BookMeta, error) {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	rec, ok := l.cache.books[id]
	if !ok {
		return nil, liberr.New(liberr.NotFound, "library.metadata", "no book %d", id)
	}
	return l.sidecarMeta(rec), nil
}

// sidecarMeta builds the metadata record of a cached book. Callers
// hold the lock.
func (l *Library) sidecarMeta(rec *bookRecord) *opf.BookMeta {
	m := &opf.BookMeta{
		ID:          rec.ID,
		UUID:        rec.UUID,
		Title:       rec.Title,
		TitleSort:   rec.Sort,
		AuthorSort:  rec.AuthorSort,
		SeriesIndex: rec.SeriesIndex,
		Rating:      rec.Rating,
		Comments:    rec.Comments,
		Pubdate:     rec.Pubdate,
		Timestamp:   rec.Timestamp,
		HasCover:    rec.HasCover,
		Identifiers: map[string]string{},
		Custom:      map[string]opf.CustomValue{},
	}
	m.Authors = l.cache.termNames("authors", rec.Terms["authors"])
	m.Tags = l.cache.termNames("tags", rec.Terms["tags"])
	m.Languages = l.cache.termNames("languages", rec.Terms["languages"])
	if s := l.cache.termNames("series", rec.Terms["series"]); len(s) > 0 {
		m.Series = s[0]
	}
	if p := l.cache.termNames("publishers", rec.Terms["publishers"]); len(p) > 0 {
		m.Publisher = p[0]
	}
	for scheme, val := range rec.Identifiers {
		m.Identifiers[scheme] = val
	}
	if rec.ISBN != "" && m.Identifiers["isbn"] == "" {
		m.Identifiers["isbn"] = rec.ISBN
	}

	for _, f := range l.reg.All() {
		if !f.IsCustom() {
			continue
		}
		cv := opf.CustomValue{
			Label:      strings.TrimPrefix(f.Key, "#"),
			Name:       f.Name,
			Datatype:   string(f.Datatype),
			IsMultiple: f.IsMultiple,
			IsEditable: f.IsEditable,
			Display:    f.Display,
		}
		var val any
		if f.Category != "" {
			names := l.cache.termNames(f.Category, rec.Terms[f.Category])
			if len(names) == 0 {
				continue
			}
			if f.IsMultiple {
				val = names
			} else {
				val = names[0]
			}
		} else {
			var ok bool
			val, ok = rec.Custom[f.Key]
			if !ok {
				continue
			}
		}
		raw, err := json.Marshal(val)
		if err != nil {
			continue
		}
		cv.Value = raw
		if f.Datatype == schema.Series {
			extra := rec.SeriesIndex
			cv.Extra = &extra
		}
		m.Custom[f.Key] = cv
	}
	return m
}

// TermNames lists every term name in a category, sorted by name.
func (l *Library) TermNames(category string) ([]string, error) {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	table := l.cache.terms[category]
	if table == nil {
		return nil, liberr.New(liberr.NotFound, "library.term_names", "unknown category %q", category)
	}
	names := make([]string, 0, len(table.byID))
	for _, e := range table.byID {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names, nil
}

// TermID resolves a term name within a category, case-insensitively.
func (l *Library) TermID(category, name string) (int64, error) {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	table := l.cache.terms[category]
	if table == nil {
		return 0, liberr.New(liberr.NotFound, "library.term_id", "unknown category %q", category)
	}
	id, ok := table.byNorm[normalizeTerm(name)]
	if !ok {
		return 0, liberr.New(liberr.NotFound, "library.term_id", "no term %q in %q", name, category)
	}
	return id, nil
}

// TermUseCount returns how many books carry a term.
func (l *Library) TermUseCount(category string, termID int64) int {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	table := l.cache.terms[category]
	if table == nil {
		return 0
	}
	return len(table.books[termID])
}
