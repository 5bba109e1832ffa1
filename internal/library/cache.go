package library

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kovidgoyal/calibre-sub022/internal/entities"
	"github.com/kovidgoyal/calibre-sub022/internal/schema"
	"github.com/kovidgoyal/calibre-sub022/internal/search"
)

// formatInfo is the cached shape of one stored format.
type formatInfo struct {
	Name  string // filename stem
	Size  int64
	Mtime time.Time
}

// bookRecord is the cached shape of one book: scalars inline,
// multi-valued fields as ordered term-id slices per category.
type bookRecord struct {
	entities.Book
	Comments    string
	Formats     map[string]formatInfo // EXT -> info
	Identifiers map[string]string     // scheme -> value
	Terms       map[string][]int64    // category -> ordered term ids
	Custom      map[string]any        // "#key" -> decoded scalar value
}

func newBookRecord(b entities.Book) *bookRecord {
	return &bookRecord{
		Book:        b,
		Formats:     make(map[string]formatInfo),
		Identifiers: make(map[string]string),
		Terms:       make(map[string][]int64),
		Custom:      make(map[string]any),
	}
}

type termEntry struct {
	ID   int64
	Name string
	Sort string
	Link string
}

// termTable mirrors one on-disk term table plus the inverted index
// from term to books.
type termTable struct {
	byID   map[int64]*termEntry
	byNorm map[string]int64
	books  map[int64]search.IDSet
}

func newTermTable() *termTable {
	return &termTable{
		byID:   make(map[int64]*termEntry),
		byNorm: make(map[string]int64),
		books:  make(map[int64]search.IDSet),
	}
}

func (t *termTable) put(e termEntry) {
	t.byID[e.ID] = &e
	t.byNorm[normalizeTerm(e.Name)] = e.ID
}

func (t *termTable) drop(id int64) {
	if e, ok := t.byID[id]; ok {
		delete(t.byNorm, normalizeTerm(e.Name))
		delete(t.byID, id)
		delete(t.books, id)
	}
}

func (t *termTable) link(term, book int64) {
	if t.books[term] == nil {
		t.books[term] = search.NewIDSet()
	}
	t.books[term].Add(book)
}

func (t *termTable) unlink(term, book int64) {
	if s, ok := t.books[term]; ok {
		delete(s, book)
		if len(s) == 0 {
			delete(t.books, term)
		}
	}
}

func normalizeTerm(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// cache is the per-library in-memory view of all books and terms. It
// carries no lock of its own: the library-wide RWLock guards every
// access.
type cache struct {
	reg     *schema.Registry
	books   map[int64]*bookRecord
	terms   map[string]*termTable // category -> table
	grouped map[string][]string   // grouped search term -> field keys

	limitSearch   bool
	limitSearchTo []string
}

func newCache(reg *schema.Registry) *cache {
	return &cache{
		reg:     reg,
		books:   make(map[int64]*bookRecord),
		terms:   make(map[string]*termTable),
		grouped: make(map[string][]string),
	}
}

func (c *cache) termTableFor(category string) *termTable {
	t, ok := c.terms[category]
	if !ok {
		t = newTermTable()
		c.terms[category] = t
	}
	return t
}

// setTermLinks replaces a book's links in one category, maintaining
// both directions of the inverted index. Returns term ids that lost
// their last book.
func (c *cache) setTermLinks(category string, book int64, termIDs []int64) []int64 {
	t := c.termTableFor(category)
	rec := c.books[book]
	if rec == nil {
		return nil
	}
	var orphans []int64
	for _, old := range rec.Terms[category] {
		t.unlink(old, book)
		if _, still := t.books[old]; !still {
			orphans = append(orphans, old)
		}
	}
	rec.Terms[category] = append([]int64(nil), termIDs...)
	for _, id := range termIDs {
		t.link(id, book)
	}
	// a term re-added in the same call is not orphaned
	out := orphans[:0]
	for _, id := range orphans {
		if _, alive := t.books[id]; !alive {
			out = append(out, id)
		}
	}
	return out
}

func (c *cache) removeBook(id int64) []orphanedTerm {
	rec, ok := c.books[id]
	if !ok {
		return nil
	}
	var orphans []orphanedTerm
	for category := range rec.Terms {
		for _, termID := range c.setTermLinks(category, id, nil) {
			orphans = append(orphans, orphanedTerm{Category: category, TermID: termID})
		}
	}
	delete(c.books, id)
	return orphans
}

type orphanedTerm struct {
	Category string
	TermID   int64
}

// termNames maps a book's term ids in a category to their canonical
// names, preserving link order.
func (c *cache) termNames(category string, ids []int64) []string {
	t := c.terms[category]
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if e, ok := t.byID[id]; ok {
			out = append(out, e.Name)
		}
	}
	return out
}

// ---- search.Data ----

func (c *cache) Universe() search.IDSet {
	out := search.NewIDSet()
	for id := range c.books {
		out.Add(id)
	}
	return out
}

func (c *cache) FieldFor(key string) (*schema.FieldMeta, bool) {
	f, err := c.reg.FieldFor(key)
	if err != nil {
		return nil, false
	}
	return f, true
}

func (c *cache) ResolveLocation(loc string) string {
	return c.reg.Resolve(loc)
}

var baseDefaultFields = []string{"title", "authors", "tags", "series", "publisher"}

func (c *cache) DefaultFields() []string {
	if c.limitSearch && len(c.limitSearchTo) > 0 {
		out := make([]string, 0, len(c.limitSearchTo))
		for _, k := range c.limitSearchTo {
			if key := c.reg.Resolve(k); key != "" {
				out = append(out, key)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return baseDefaultFields
}

func (c *cache) GroupedTerms(name string) ([]string, bool) {
	fields, ok := c.grouped[strings.ToLower(name)]
	return fields, ok
}

func (c *cache) IterSearchableValues(key string, candidates search.IDSet) []search.ValueGroup {
	f, ok := c.FieldFor(key)
	if !ok {
		return nil
	}

	if f.Category != "" {
		return c.iterTermValues(f.Category, candidates)
	}

	byValue := make(map[string]search.IDSet)
	add := func(id int64, v string) {
		if byValue[v] == nil {
			byValue[v] = search.NewIDSet()
		}
		byValue[v].Add(id)
	}
	for id := range candidates {
		rec, ok := c.books[id]
		if !ok {
			continue
		}
		switch key {
		case "identifiers":
			for scheme, val := range rec.Identifiers {
				add(id, scheme+":"+val)
			}
		case "formats":
			for ext := range rec.Formats {
				add(id, ext)
			}
		default:
			add(id, c.displayValue(key, id))
		}
	}
	out := make([]search.ValueGroup, 0, len(byValue))
	for v, ids := range byValue {
		out = append(out, search.ValueGroup{Value: v, IDs: ids})
	}
	return out
}

func (c *cache) iterTermValues(category string, candidates search.IDSet) []search.ValueGroup {
	t := c.terms[category]
	if t == nil {
		return nil
	}
	out := make([]search.ValueGroup, 0, len(t.books))
	for termID, ids := range t.books {
		hit := ids.Intersect(candidates)
		if len(hit) == 0 {
			continue
		}
		e := t.byID[termID]
		if e == nil {
			continue
		}
		out = append(out, search.ValueGroup{Value: e.Name, IDs: hit})
	}
	return out
}

func (c *cache) NumberFor(key string, id int64) (float64, bool) {
	rec, ok := c.books[id]
	if !ok {
		return 0, false
	}
	switch key {
	case "id":
		return float64(rec.ID), true
	case "series_index":
		return rec.SeriesIndex, true
	case "rating":
		if rec.Rating == 0 {
			return 0, false
		}
		return float64(rec.Rating), true
	}
	f, okf := c.FieldFor(key)
	if !okf {
		return 0, false
	}
	if f.Datatype == schema.Composite {
		v, err := strconv.ParseFloat(strings.TrimSpace(c.displayValue(key, id)), 64)
		return v, err == nil
	}
	switch v := rec.Custom[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (c *cache) DateFor(key string, id int64) (time.Time, bool) {
	rec, ok := c.books[id]
	if !ok {
		return time.Time{}, false
	}
	var t time.Time
	switch key {
	case "timestamp":
		t = rec.Timestamp
	case "pubdate":
		t = rec.Pubdate
	case "last_modified":
		t = rec.LastModified
	default:
		s, okc := rec.Custom[key].(string)
		if !okc {
			if f, okf := c.FieldFor(key); okf && f.Datatype == schema.Composite {
				s = c.displayValue(key, id)
			} else {
				return time.Time{}, false
			}
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, false
		}
		t = parsed
	}
	if t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

func (c *cache) BoolFor(key string, id int64) (bool, bool) {
	rec, ok := c.books[id]
	if !ok {
		return false, false
	}
	if key == "cover" {
		return rec.HasCover, true
	}
	v, okc := rec.Custom[key].(bool)
	return v, okc
}

// TextFor returns the text used when sorting by key: sort forms for
// title and authors, the display value otherwise.
func (c *cache) TextFor(key string, id int64) string {
	rec, ok := c.books[id]
	if !ok {
		return ""
	}
	switch key {
	case "title":
		if rec.Sort != "" {
			return rec.Sort
		}
		return rec.Title
	case "authors":
		if rec.AuthorSort != "" {
			return rec.AuthorSort
		}
	}
	return c.displayValue(key, id)
}

// displayValue renders the user-visible text of any field for one
// book. Multi-valued fields join with the field's separator.
func (c *cache) displayValue(key string, id int64) string {
	rec, ok := c.books[id]
	if !ok {
		return ""
	}
	f, okf := c.FieldFor(key)
	if !okf {
		return ""
	}

	if f.Category != "" {
		names := c.termNames(f.Category, rec.Terms[f.Category])
		sep := f.Separator
		if sep == "" {
			sep = ", "
		}
		return strings.Join(names, sep)
	}

	switch key {
	case "id":
		return strconv.FormatInt(rec.ID, 10)
	case "uuid":
		return rec.UUID
	case "title":
		return rec.Title
	case "sort":
		return rec.Sort
	case "author_sort":
		return rec.AuthorSort
	case "isbn":
		return rec.ISBN
	case "comments":
		return rec.Comments
	case "rating":
		if rec.Rating == 0 {
			return ""
		}
		return strconv.Itoa(rec.Rating)
	case "series_index":
		return strconv.FormatFloat(rec.SeriesIndex, 'f', -1, 64)
	case "timestamp":
		return formatDate(rec.Timestamp)
	case "pubdate":
		return formatDate(rec.Pubdate)
	case "last_modified":
		return formatDate(rec.LastModified)
	case "formats":
		exts := make([]string, 0, len(rec.Formats))
		for ext := range rec.Formats {
			exts = append(exts, ext)
		}
		sort.Strings(exts)
		return strings.Join(exts, ", ")
	case "identifiers":
		pairs := make([]string, 0, len(rec.Identifiers))
		for scheme, val := range rec.Identifiers {
			pairs = append(pairs, scheme+":"+val)
		}
		sort.Strings(pairs)
		return strings.Join(pairs, ", ")
	}

	if f.Datatype == schema.Composite {
		return c.renderComposite(f, id)
	}
	return customScalarText(rec.Custom[key])
}

// renderComposite evaluates a composite column's template against the
// book's other fields.
func (c *cache) renderComposite(f *schema.FieldMeta, id int64) string {
	tpl, err := schema.ParseTemplate(f.Display.CompositeTemplate)
	if err != nil {
		return ""
	}
	return tpl.Render(func(key string) string {
		if key == f.Key {
			return "" // no self-reference
		}
		return c.displayValue(key, id)
	})
}

func customScalarText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "yes"
		}
		return "no"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
