package search

import (
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
	"github.com/kovidgoyal/calibre-sub022/internal/schema"
)

// SortSpec is one key of a multisort, most significant first.
type SortSpec struct {
	Key       string
	Ascending bool
}

// Sorter orders book ids by a chain of typed sort keys using
// locale-aware collation for text.
type Sorter struct {
	data     Data
	collator *collate.Collator
}

// NewSorter builds a sorter for the given locale tag. Numeric
// collation makes embedded digit runs compare by value.
func NewSorter(data Data, locale string, numeric bool) *Sorter {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	opts := []collate.Option{collate.Loose}
	if numeric {
		opts = append(opts, collate.Numeric)
	}
	return &Sorter{data: data, collator: collate.New(tag, opts...)}
}

// Multisort orders ids in place by the given keys. Later keys break
// ties left by earlier ones. Unknown keys are an error.
func (s *Sorter) Multisort(ids []int64, specs []SortSpec) error {
	const op = "search.multisort"
	if len(specs) == 0 {
		return liberr.New(liberr.InvalidInput, op, "no sort keys given")
	}
	type keyFunc func(a, b int64) int
	cmps := make([]keyFunc, 0, len(specs))
	for _, spec := range specs {
		f, ok := s.data.FieldFor(spec.Key)
		if !ok {
			return liberr.New(liberr.InvalidInput, op, "unknown sort field %q", spec.Key)
		}
		if !f.InSort {
			return liberr.New(liberr.InvalidInput, op, "field %q is not sortable", spec.Key)
		}
		cmp := s.comparator(f)
		if !spec.Ascending {
			inner := cmp
			cmp = func(a, b int64) int { return -inner(a, b) }
		}
		cmps = append(cmps, cmp)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		for _, cmp := range cmps {
			if c := cmp(ids[i], ids[j]); c != 0 {
				return c < 0
			}
		}
		return false
	})
	return nil
}

func (s *Sorter) comparator(f *schema.FieldMeta) func(a, b int64) int {
	key := f.Key
	switch effectiveDatatype(f) {
	case schema.Date:
		return func(a, b int64) int {
			ta, oka := s.data.DateFor(key, a)
			tb, okb := s.data.DateFor(key, b)
			return cmpWithUndefined(oka, okb, func() int {
				switch {
				case ta.Before(tb):
					return -1
				case ta.After(tb):
					return 1
				}
				return 0
			})
		}
	case schema.Int, schema.Float, schema.Rating:
		return func(a, b int64) int {
			va, oka := s.data.NumberFor(key, a)
			vb, okb := s.data.NumberFor(key, b)
			return cmpWithUndefined(oka, okb, func() int {
				switch {
				case va < vb:
					return -1
				case va > vb:
					return 1
				}
				return 0
			})
		}
	case schema.YesNo:
		return func(a, b int64) int {
			va, oka := s.data.BoolFor(key, a)
			vb, okb := s.data.BoolFor(key, b)
			return cmpWithUndefined(oka, okb, func() int {
				switch {
				case !va && vb:
					return -1
				case va && !vb:
					return 1
				}
				return 0
			})
		}
	default:
		return func(a, b int64) int {
			va := s.data.TextFor(key, a)
			vb := s.data.TextFor(key, b)
			// Empty values sort last regardless of direction sign.
			switch {
			case va == "" && vb == "":
				return 0
			case va == "":
				return 1
			case vb == "":
				return -1
			}
			return s.collator.CompareString(va, vb)
		}
	}
}

// cmpWithUndefined sorts undefined values before defined ones so they
// cluster together.
func cmpWithUndefined(oka, okb bool, cmp func() int) int {
	switch {
	case !oka && !okb:
		return 0
	case !oka:
		return -1
	case !okb:
		return 1
	}
	return cmp()
}

// TitleSort computes the sort form of a title by moving a leading
// article to the end, "The Lord of the Rings" to "Lord of the Rings,
// The".
func TitleSort(title string) string {
	trimmed := strings.TrimSpace(title)
	for _, article := range []string{"The ", "A ", "An "} {
		if len(trimmed) > len(article) && strings.EqualFold(trimmed[:len(article)], article) {
			return strings.TrimSpace(trimmed[len(article):]) + ", " + strings.TrimSpace(article)
		}
	}
	return trimmed
}

// AuthorSort computes "Last, First" from a display name. Suffixes and
// particles stay attached to the surname.
func AuthorSort(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ",") {
		return name
	}
	parts := strings.Fields(name)
	if len(parts) < 2 {
		return name
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], " ")
	return last + ", " + rest
}
