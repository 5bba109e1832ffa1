package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
	"github.com/kovidgoyal/calibre-sub022/internal/schema"
)

type fakeBook struct {
	title   string
	authors []string
	tags    []string
	rating  float64
	hasRate bool
	pubdate time.Time
	hasDate bool
	read    bool
	hasRead bool
}

type fakeData struct {
	books   map[int64]*fakeBook
	reg     *schema.Registry
	grouped map[string][]string
}

func newFakeData(t *testing.T) *fakeData {
	t.Helper()
	return &fakeData{
		books:   make(map[int64]*fakeBook),
		reg:     schema.NewRegistry(),
		grouped: map[string][]string{"people": {"authors", "tags"}},
	}
}

func (d *fakeData) Universe() IDSet {
	out := NewIDSet()
	for id := range d.books {
		out.Add(id)
	}
	return out
}

func (d *fakeData) FieldFor(key string) (*schema.FieldMeta, bool) {
	f, err := d.reg.FieldFor(key)
	if err != nil {
		return nil, false
	}
	return f, true
}

func (d *fakeData) ResolveLocation(loc string) string { return d.reg.Resolve(loc) }

func (d *fakeData) DefaultFields() []string { return []string{"title", "authors", "tags"} }

func (d *fakeData) GroupedTerms(name string) ([]string, bool) {
	fields, ok := d.grouped[name]
	return fields, ok
}

func (d *fakeData) IterSearchableValues(key string, candidates IDSet) []ValueGroup {
	byValue := make(map[string]IDSet)
	for id := range candidates {
		b, ok := d.books[id]
		if !ok {
			continue
		}
		var values []string
		switch key {
		case "title":
			values = []string{b.title}
		case "authors":
			values = b.authors
		case "tags":
			values = b.tags
		}
		for _, v := range values {
			if byValue[v] == nil {
				byValue[v] = NewIDSet()
			}
			byValue[v].Add(id)
		}
	}
	out := make([]ValueGroup, 0, len(byValue))
	for v, ids := range byValue {
		out = append(out, ValueGroup{Value: v, IDs: ids})
	}
	return out
}

func (d *fakeData) NumberFor(key string, id int64) (float64, bool) {
	b, ok := d.books[id]
	if !ok || key != "rating" {
		return 0, false
	}
	return b.rating, b.hasRate
}

func (d *fakeData) DateFor(key string, id int64) (time.Time, bool) {
	b, ok := d.books[id]
	if !ok || key != "pubdate" {
		return time.Time{}, false
	}
	return b.pubdate, b.hasDate
}

func (d *fakeData) BoolFor(key string, id int64) (bool, bool) {
	b, ok := d.books[id]
	if !ok || key != "cover" {
		return false, false
	}
	return b.read, b.hasRead
}

func (d *fakeData) TextFor(key string, id int64) string {
	b, ok := d.books[id]
	if !ok {
		return ""
	}
	switch key {
	case "title", "sort":
		return b.title
	case "authors", "author_sort":
		if len(b.authors) > 0 {
			return b.authors[0]
		}
	}
	return ""
}

func seedFakeData(t *testing.T) *fakeData {
	t.Helper()
	d := newFakeData(t)
	d.books[1] = &fakeBook{
		title:   "The Fellowship of the Ring",
		authors: []string{"J. R. R. Tolkien"},
		tags:    []string{"Fantasy", "Classic"},
		rating:  10, hasRate: true,
		pubdate: time.Date(1954, 7, 29, 0, 0, 0, 0, time.UTC), hasDate: true,
		read: true, hasRead: true,
	}
	d.books[2] = &fakeBook{
		title:   "Dune",
		authors: []string{"Frank Herbert"},
		tags:    []string{"Science Fiction", "Classic"},
		rating:  8, hasRate: true,
		pubdate: time.Date(1965, 8, 1, 0, 0, 0, 0, time.UTC), hasDate: true,
	}
	d.books[3] = &fakeBook{
		title:   "Hyperion",
		authors: []string{"Dan Simmons"},
		tags:    []string{"Science Fiction"},
	}
	return d
}

func ids(s IDSet) []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

func TestSearchBareTermMatchesDefaultFields(t *testing.T) {
	e := NewEngine(seedFakeData(t))

	got, err := e.Search("dune")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2}, ids(got))

	got, err = e.Search("classic")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, ids(got))
}

func TestSearchLocationAndOperators(t *testing.T) {
	e := NewEngine(seedFakeData(t))

	got, err := e.Search("tags:classic")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, ids(got))

	// = requires whole-value equality
	got, err = e.Search("tags:=classic")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, ids(got))

	got, err = e.Search("tags:=class")
	require.NoError(t, err)
	assert.Empty(t, ids(got))

	// regex match
	got, err = e.Search("title:~^h")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{3}, ids(got))
}

func TestSearchQuotedPhrase(t *testing.T) {
	e := NewEngine(seedFakeData(t))

	got, err := e.Search(`tags:"science fiction"`)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, ids(got))
}

func TestSearchBooleanPrecedence(t *testing.T) {
	e := NewEngine(seedFakeData(t))

	// implicit and binds tighter than or:
	// (tags:fantasy) or (tags:"science fiction" and title:dune)
	got, err := e.Search(`tags:fantasy or tags:"science fiction" title:dune`)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, ids(got))

	// parens override
	got, err = e.Search(`(tags:fantasy or tags:"science fiction") title:dune`)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2}, ids(got))
}

func TestSearchNotIsComplement(t *testing.T) {
	d := seedFakeData(t)
	e := NewEngine(d)

	got, err := e.Search("not tags:classic")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{3}, ids(got))

	// x union not-x is always the universe
	pos, err := e.Search("authors:tolkien")
	require.NoError(t, err)
	neg, err := e.Search("not authors:tolkien")
	require.NoError(t, err)
	assert.ElementsMatch(t, ids(d.Universe()), ids(pos.Union(neg)))
}

func TestSearchBlankExpressionIsUniverse(t *testing.T) {
	d := seedFakeData(t)
	e := NewEngine(d)

	got, err := e.Search("   ")
	require.NoError(t, err)
	assert.ElementsMatch(t, ids(d.Universe()), ids(got))
}

func TestSearchUnknownLocationMatchesNothing(t *testing.T) {
	e := NewEngine(seedFakeData(t))

	got, err := e.Search("nosuchfield:value")
	require.NoError(t, err)
	assert.Empty(t, ids(got))
}

func TestSearchNumericComparisons(t *testing.T) {
	e := NewEngine(seedFakeData(t))

	got, err := e.Search("rating:>=9")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1}, ids(got))

	got, err = e.Search("rating:8")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2}, ids(got))

	// presence: book 3 has no rating
	got, err = e.Search("rating:false")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{3}, ids(got))

	_, err = e.Search("rating:>=abc")
	require.Error(t, err)
	assert.True(t, liberr.IsKind(err, liberr.SearchParse))
}

func TestSearchDateComparisons(t *testing.T) {
	e := NewEngine(seedFakeData(t))

	got, err := e.Search("pubdate:1954")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1}, ids(got))

	got, err = e.Search("pubdate:>1960")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2}, ids(got))

	got, err = e.Search("pubdate:1965-08")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2}, ids(got))

	_, err = e.Search("pubdate:notadate")
	require.Error(t, err)
	assert.True(t, liberr.IsKind(err, liberr.SearchParse))
}

func TestSearchYesNoFalseMatchesUnset(t *testing.T) {
	e := NewEngine(seedFakeData(t))

	got, err := e.Search("cover:true")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1}, ids(got))

	// false matches explicit false and unset alike
	got, err = e.Search("cover:false")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, ids(got))
}

func TestSearchGroupedTerms(t *testing.T) {
	e := NewEngine(seedFakeData(t))

	got, err := e.Search("@people:herbert")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2}, ids(got))

	// unknown group matches nothing
	got, err = e.Search("@nosuchgroup:herbert")
	require.NoError(t, err)
	assert.Empty(t, ids(got))
}

func TestSearchGroupedTermsRecursionBounded(t *testing.T) {
	d := seedFakeData(t)
	d.grouped["loop"] = []string{"@loop"}
	e := NewEngine(d)

	_, err := e.Search("@loop:x")
	require.Error(t, err)
	assert.True(t, liberr.IsKind(err, liberr.SearchParse))
}

func TestSearchSyntaxErrors(t *testing.T) {
	e := NewEngine(seedFakeData(t))

	for _, expr := range []string{`"unterminated`, `(title:dune`, `title:dune)`, `not`, `title:~[`} {
		_, err := e.Search(expr)
		require.Error(t, err, "expression %q", expr)
		assert.True(t, liberr.IsKind(err, liberr.SearchParse), "expression %q", expr)
	}
}

func TestMultisortStableAndReversible(t *testing.T) {
	d := seedFakeData(t)
	s := NewSorter(d, "en", false)

	books := []int64{1, 2, 3}
	err := s.Multisort(books, []SortSpec{{Key: "title", Ascending: true}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 1}, books) // Dune, Hyperion, The Fellowship...

	err = s.Multisort(books, []SortSpec{{Key: "title", Ascending: false}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 2}, books)
}

func TestMultisortSecondaryKeyBreaksTies(t *testing.T) {
	d := seedFakeData(t)
	// both classics share the tag; rating breaks the tie
	s := NewSorter(d, "en", false)

	books := []int64{1, 2, 3}
	err := s.Multisort(books, []SortSpec{
		{Key: "rating", Ascending: false},
		{Key: "title", Ascending: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, books)
}

func TestMultisortUnknownFieldErrors(t *testing.T) {
	s := NewSorter(seedFakeData(t), "en", false)
	err := s.Multisort([]int64{1}, []SortSpec{{Key: "bogus"}})
	require.Error(t, err)
	assert.True(t, liberr.IsKind(err, liberr.InvalidInput))
}

func TestTitleSortMovesArticle(t *testing.T) {
	assert.Equal(t, "Fellowship of the Ring, The", TitleSort("The Fellowship of the Ring"))
	assert.Equal(t, "Game of Thrones, A", TitleSort("A Game of Thrones"))
	assert.Equal(t, "Dune", TitleSort("Dune"))
}

func TestAuthorSortLastFirst(t *testing.T) {
	assert.Equal(t, "Herbert, Frank", AuthorSort("Frank Herbert"))
	assert.Equal(t, "Tolkien, J. R. R.", AuthorSort("J. R. R. Tolkien"))
	assert.Equal(t, "Plato", AuthorSort("Plato"))
	assert.Equal(t, "Herbert, Frank", AuthorSort("Herbert, Frank"))
}

func TestDateLiteralParsing(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	q, ok := parseDateLiteral("today", now)
	require.True(t, ok)
	assert.Equal(t, precDay, q.prec)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), q.t)

	q, ok = parseDateLiteral("10daysago", now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), q.t)

	q, ok = parseDateLiteral("2020/05", now)
	require.True(t, ok)
	assert.Equal(t, precMonth, q.prec)

	for _, bad := range []string{"", "20", "2020-13", "2020-01-40", "xdaysago"} {
		_, ok := parseDateLiteral(bad, now)
		assert.False(t, ok, "literal %q", bad)
	}
}
