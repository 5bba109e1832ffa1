package search

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kovidgoyal/calibre-sub022/internal/schema"
)

// IDSet is a set of book ids.
type IDSet map[int64]struct{}

func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Contains(id int64) bool { _, ok := s[id]; return ok }
func (s IDSet) Add(id int64)           { s[id] = struct{}{} }

func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s IDSet) Union(other IDSet) IDSet {
	out := s.Clone()
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

func (s IDSet) Intersect(other IDSet) IDSet {
	small, big := s, other
	if len(big) < len(small) {
		small, big = big, small
	}
	out := make(IDSet)
	for id := range small {
		if _, ok := big[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func (s IDSet) Subtract(other IDSet) IDSet {
	out := make(IDSet)
	for id := range s {
		if _, ok := other[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// ValueGroup is one searchable value and the books carrying it.
type ValueGroup struct {
	Value string
	IDs   IDSet
}

// Data is the read surface the evaluator consumes; the library's
// in-memory cache implements it.
type Data interface {
	// Universe returns all book ids.
	Universe() IDSet
	// FieldFor resolves a canonical field key to its metadata.
	FieldFor(key string) (*schema.FieldMeta, bool)
	// ResolveLocation maps a search location (key or alias) to a
	// canonical key, "" when unknown.
	ResolveLocation(loc string) string
	// DefaultFields lists the keys searched by bare terms.
	DefaultFields() []string
	// GroupedTerms expands a user-defined @name alias.
	GroupedTerms(name string) ([]string, bool)
	// IterSearchableValues yields the distinct text values of a field
	// restricted to candidates, with the books carrying each value.
	IterSearchableValues(key string, candidates IDSet) []ValueGroup
	// NumberFor, DateFor and BoolFor return a book's typed value and
	// whether it is defined.
	NumberFor(key string, id int64) (float64, bool)
	DateFor(key string, id int64) (time.Time, bool)
	BoolFor(key string, id int64) (bool, bool)
	// TextFor returns the display text used for sorting.
	TextFor(key string, id int64) string
}

// Engine evaluates search expressions over a Data source.
type Engine struct {
	data Data
}

func NewEngine(data Data) *Engine { return &Engine{data: data} }

// Search parses and evaluates expr. A blank expression returns the
// universal set. Evaluation is total: either a set or an error.
func (e *Engine) Search(expr string) (IDSet, error) {
	root, err := parse(expr)
	if err != nil {
		return nil, err
	}
	universe := e.data.Universe()
	if root == nil {
		return universe.Clone(), nil
	}
	return e.eval(root, universe, expr, 0)
}

func (e *Engine) eval(n node, universe IDSet, expr string, depth int) (IDSet, error) {
	switch t := n.(type) {
	case *orNode:
		out := NewIDSet()
		for _, c := range t.children {
			got, err := e.eval(c, universe, expr, depth)
			if err != nil {
				return nil, err
			}
			out = out.Union(got)
		}
		return out, nil
	case *andNode:
		out := universe.Clone()
		for _, c := range t.children {
			got, err := e.eval(c, universe, expr, depth)
			if err != nil {
				return nil, err
			}
			out = out.Intersect(got)
			if len(out) == 0 {
				return out, nil
			}
		}
		return out, nil
	case *notNode:
		got, err := e.eval(t.child, universe, expr, depth)
		if err != nil {
			return nil, err
		}
		return universe.Subtract(got), nil
	case *atomNode:
		return e.evalAtom(t, universe, expr, depth)
	}
	return nil, parseErr(expr, 0, "internal: unknown node")
}

func (e *Engine) evalAtom(a *atomNode, universe IDSet, expr string, depth int) (IDSet, error) {
	if strings.TrimSpace(a.query) == "" && a.loc == "all" {
		return universe.Clone(), nil
	}

	// Grouped search terms expand to an OR over their member fields,
	// bounded to one level of nesting.
	if strings.HasPrefix(a.loc, "@") {
		if depth >= 1 {
			return nil, parseErr(expr, a.pos, "grouped search term %q nested too deeply", a.loc)
		}
		fields, ok := e.data.GroupedTerms(a.loc[1:])
		if !ok {
			return NewIDSet(), nil
		}
		out := NewIDSet()
		for _, f := range fields {
			sub := &atomNode{loc: strings.ToLower(f), op: a.op, query: a.query, pos: a.pos}
			got, err := e.evalAtom(sub, universe, expr, depth+1)
			if err != nil {
				return nil, err
			}
			out = out.Union(got)
		}
		return out, nil
	}

	if a.loc == "all" {
		out := NewIDSet()
		for _, f := range e.data.DefaultFields() {
			sub := &atomNode{loc: f, op: a.op, query: a.query, pos: a.pos}
			got, err := e.evalAtom(sub, universe, expr, depth)
			if err != nil {
				return nil, err
			}
			out = out.Union(got)
		}
		return out, nil
	}

	key := e.data.ResolveLocation(a.loc)
	if key == "" {
		return NewIDSet(), nil // unknown locations match nothing
	}
	f, ok := e.data.FieldFor(key)
	if !ok {
		return NewIDSet(), nil
	}

	switch effectiveDatatype(f) {
	case schema.Date:
		return e.evalDate(key, a, universe, expr)
	case schema.Int, schema.Float, schema.Rating:
		return e.evalNumber(key, a, universe, expr)
	case schema.YesNo:
		return e.evalBool(key, a, universe, expr)
	default:
		return e.evalText(key, f, a, universe, expr)
	}
}

// effectiveDatatype folds composite columns into the datatype their
// declared sort strategy implies.
func effectiveDatatype(f *schema.FieldMeta) schema.Datatype {
	if f.Datatype != schema.Composite {
		return f.Datatype
	}
	switch f.Display.CompositeSort {
	case "number":
		return schema.Float
	case "date":
		return schema.Date
	}
	return schema.Text
}

func (e *Engine) evalText(key string, f *schema.FieldMeta, a *atomNode, universe IDSet, expr string) (IDSet, error) {
	q := strings.ToLower(strings.TrimSpace(a.query))

	// Presence queries: true means "has any value", false "has none".
	if a.op != '~' && (q == "true" || q == "false") {
		present := NewIDSet()
		for _, vg := range e.data.IterSearchableValues(key, universe) {
			if vg.Value == "" {
				continue
			}
			present = present.Union(vg.IDs)
		}
		if q == "true" {
			return present, nil
		}
		return universe.Subtract(present), nil
	}

	var match func(v string) bool
	switch a.op {
	case '=':
		match = func(v string) bool { return strings.EqualFold(v, a.query) }
	case '~':
		re, err := regexp.Compile("(?i)" + a.query)
		if err != nil {
			return nil, parseErr(expr, a.pos, "invalid regular expression %q: %v", a.query, err)
		}
		match = func(v string) bool { return re.MatchString(v) }
	default:
		match = func(v string) bool { return strings.Contains(strings.ToLower(v), q) }
	}

	out := NewIDSet()
	for _, vg := range e.data.IterSearchableValues(key, universe) {
		if match(vg.Value) {
			out = out.Union(vg.IDs)
		}
	}
	return out, nil
}

func (e *Engine) evalDate(key string, a *atomNode, universe IDSet, expr string) (IDSet, error) {
	op, lit := splitRelOp(a.query)
	lit = strings.TrimSpace(lit)

	// Defined/undefined shortcuts: any defined date satisfies true,
	// undefined dates satisfy false.
	if b, ok := parseBoolWord(lit); ok {
		out := NewIDSet()
		for id := range universe {
			if _, defined := e.data.DateFor(key, id); defined == b {
				out.Add(id)
			}
		}
		return out, nil
	}

	q, ok := parseDateLiteral(lit, time.Now())
	if !ok {
		return nil, parseErr(expr, a.pos, "invalid date literal %q", lit)
	}
	out := NewIDSet()
	for id := range universe {
		t, defined := e.data.DateFor(key, id)
		if !defined {
			continue
		}
		if cmpMatches(op, compareDate(t, q)) {
			out.Add(id)
		}
	}
	return out, nil
}

func (e *Engine) evalNumber(key string, a *atomNode, universe IDSet, expr string) (IDSet, error) {
	op, lit := splitRelOp(a.query)
	lit = strings.TrimSpace(lit)

	if b, ok := parseBoolWord(lit); ok {
		out := NewIDSet()
		for id := range universe {
			if _, defined := e.data.NumberFor(key, id); defined == b {
				out.Add(id)
			}
		}
		return out, nil
	}

	want, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, parseErr(expr, a.pos, "invalid numeric literal %q", lit)
	}
	out := NewIDSet()
	for id := range universe {
		v, defined := e.data.NumberFor(key, id)
		if !defined {
			continue
		}
		cmp := 0
		switch {
		case v < want:
			cmp = -1
		case v > want:
			cmp = 1
		}
		if cmpMatches(op, cmp) {
			out.Add(id)
		}
	}
	return out, nil
}

func (e *Engine) evalBool(key string, a *atomNode, universe IDSet, expr string) (IDSet, error) {
	want, ok := parseBoolWord(a.query)
	if !ok {
		return nil, parseErr(expr, a.pos, "invalid yes/no query %q", a.query)
	}
	out := NewIDSet()
	for id := range universe {
		v, defined := e.data.BoolFor(key, id)
		if want {
			if defined && v {
				out.Add(id)
			}
		} else {
			// false matches both explicit false and unset
			if !defined || !v {
				out.Add(id)
			}
		}
	}
	return out, nil
}
