// Package schema declares the typed field registry: built-in fields,
// user-defined columns, display hints and the lookup used by search,
// sorting and the side-car writer.
package schema

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/kovidgoyal/calibre-sub022/internal/entities"
	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

type Datatype string

const (
	Text      Datatype = "text"
	Enum      Datatype = "enumeration"
	LongText  Datatype = "longtext"
	Series    Datatype = "series"
	Date      Datatype = "datetime"
	Float     Datatype = "float"
	Int       Datatype = "int"
	Rating    Datatype = "rating"
	YesNo     Datatype = "bool"
	Composite Datatype = "composite"
)

// Display carries per-field presentation hints. Serialized as JSON in
// the custom_columns table and the OPF side-car.
type Display struct {
	DateFormat        string   `json:"date_format,omitempty"`
	EnumValues        []string `json:"enum_values,omitempty"`
	CompositeTemplate string   `json:"composite_template,omitempty"`
	CompositeSort     string   `json:"composite_sort,omitempty"` // text, number or date
}

// FieldMeta describes one field of the book schema.
type FieldMeta struct {
	Key        string
	Name       string // human label
	Datatype   Datatype
	IsMultiple bool
	Separator  string // round-trip separator for multi-valued fields
	IsEditable bool
	Display    Display
	InSearch   bool
	InSort     bool

	// Category names the term table backing this field ("authors",
	// "tags", "#genre", ...). Empty for scalar fields.
	Category string

	// ColumnID is the custom_columns row id, 0 for built-ins.
	ColumnID int64
}

// IsCustom reports whether the field is a user-defined column.
func (f *FieldMeta) IsCustom() bool { return strings.HasPrefix(f.Key, "#") }

var customKeyPat = regexp.MustCompile(`^#[a-z][a-z0-9_]*$`)

var validDatatypes = map[Datatype]bool{
	Text: true, Enum: true, LongText: true, Series: true, Date: true,
	Float: true, Int: true, Rating: true, YesNo: true, Composite: true,
}

// Registry holds every known field keyed by its stable string key.
type Registry struct {
	mu      sync.RWMutex
	fields  map[string]*FieldMeta
	aliases map[string]string
}

func NewRegistry() *Registry {
	r := &Registry{
		fields:  make(map[string]*FieldMeta),
		aliases: make(map[string]string),
	}
	for i := range builtins {
		f := builtins[i]
		r.fields[f.Key] = &f
	}
	for alias, key := range builtinAliases {
		r.aliases[alias] = key
	}
	return r
}

var builtins = []FieldMeta{
	{Key: "id", Name: "Id", Datatype: Int, InSearch: true, InSort: true},
	{Key: "uuid", Name: "Uuid", Datatype: Text, InSearch: true},
	{Key: "title", Name: "Title", Datatype: Text, IsEditable: true, InSearch: true, InSort: true},
	{Key: "sort", Name: "Title Sort", Datatype: Text, IsEditable: true, InSort: true},
	{Key: "authors", Name: "Authors", Datatype: Text, IsMultiple: true, Separator: " & ", IsEditable: true, InSearch: true, InSort: true, Category: "authors"},
	{Key: "author_sort", Name: "Author Sort", Datatype: Text, IsEditable: true, InSearch: true, InSort: true},
	{Key: "tags", Name: "Tags", Datatype: Text, IsMultiple: true, Separator: ", ", IsEditable: true, InSearch: true, InSort: true, Category: "tags"},
	{Key: "series", Name: "Series", Datatype: Series, IsEditable: true, InSearch: true, InSort: true, Category: "series"},
	{Key: "series_index", Name: "Series Index", Datatype: Float, IsEditable: true, InSearch: true, InSort: true},
	{Key: "publisher", Name: "Publisher", Datatype: Text, IsEditable: true, InSearch: true, InSort: true, Category: "publishers"},
	{Key: "languages", Name: "Languages", Datatype: Text, IsMultiple: true, Separator: ", ", IsEditable: true, InSearch: true, Category: "languages"},
	{Key: "rating", Name: "Rating", Datatype: Rating, IsEditable: true, InSearch: true, InSort: true},
	{Key: "identifiers", Name: "Identifiers", Datatype: Text, IsMultiple: true, Separator: ", ", IsEditable: true, InSearch: true},
	{Key: "isbn", Name: "ISBN", Datatype: Text, IsEditable: true, InSearch: true},
	{Key: "comments", Name: "Comments", Datatype: LongText, IsEditable: true, InSearch: true},
	{Key: "pubdate", Name: "Published", Datatype: Date, IsEditable: true, InSearch: true, InSort: true},
	{Key: "timestamp", Name: "Date Added", Datatype: Date, IsEditable: true, InSearch: true, InSort: true},
	{Key: "last_modified", Name: "Modified", Datatype: Date, InSearch: true, InSort: true},
	{Key: "formats", Name: "Formats", Datatype: Text, IsMultiple: true, Separator: ", ", InSearch: true},
	{Key: "cover", Name: "Cover", Datatype: YesNo, InSearch: true},
}

var builtinAliases = map[string]string{
	"author":   "authors",
	"tag":      "tags",
	"format":   "formats",
	"language": "languages",
	"date":     "timestamp",
}

// FieldFor returns the metadata entry for key.
func (r *Registry) FieldFor(key string) (*FieldMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.fields[key]; ok {
		return f, nil
	}
	return nil, liberr.New(liberr.NotFound, "schema.field_for", "unknown field %q", key)
}

// Has reports whether key names a known field.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.fields[key]
	return ok
}

// Resolve maps a search location (field key or alias) to a canonical
// key. Returns "" when the location is unknown.
func (r *Registry) Resolve(loc string) string {
	loc = strings.ToLower(loc)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.fields[loc]; ok {
		return loc
	}
	if key, ok := r.aliases[loc]; ok {
		return key
	}
	return ""
}

// ValidateCustomKey checks the shape of a user-defined column key.
func ValidateCustomKey(key string) error {
	if !customKeyPat.MatchString(key) {
		return liberr.New(liberr.InvalidInput, "schema.create_custom_column",
			"invalid field key %q: must match #[a-z][a-z0-9_]*", key)
	}
	if strings.HasSuffix(key, "_index") {
		return liberr.New(liberr.InvalidInput, "schema.create_custom_column",
			"invalid field key %q: the _index suffix is reserved for series index columns", key)
	}
	return nil
}

// AddCustom registers a user-defined column loaded from (or destined
// for) the custom_columns table.
func (r *Registry) AddCustom(col entities.CustomColumn) (*FieldMeta, error) {
	key := "#" + col.Label
	if err := ValidateCustomKey(key); err != nil {
		return nil, err
	}
	dt := Datatype(col.Datatype)
	if !validDatatypes[dt] {
		return nil, liberr.New(liberr.InvalidInput, "schema.create_custom_column",
			"invalid datatype %q for column %q", col.Datatype, key)
	}
	if col.IsMultiple && dt != Text {
		return nil, liberr.New(liberr.InvalidInput, "schema.create_custom_column",
			"only text columns can be multi-valued, not %q", col.Datatype)
	}

	var display Display
	if col.Display != "" {
		if err := json.Unmarshal([]byte(col.Display), &display); err != nil {
			return nil, liberr.New(liberr.InvalidInput, "schema.create_custom_column",
				"bad display hints for %q: %v", key, err)
		}
	}
	if dt == Composite && display.CompositeTemplate == "" {
		return nil, liberr.New(liberr.InvalidInput, "schema.create_custom_column",
			"composite column %q needs a composite_template display hint", key)
	}

	f := &FieldMeta{
		Key:        key,
		Name:       col.Name,
		Datatype:   dt,
		IsMultiple: col.IsMultiple,
		IsEditable: dt != Composite,
		Display:    display,
		InSearch:   true,
		InSort:     true,
		ColumnID:   col.ID,
	}
	if f.IsMultiple {
		f.Separator = ", "
		f.Category = key
	}
	if dt == Series || dt == Enum {
		f.Category = key
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fields[key]; exists {
		return nil, liberr.New(liberr.Conflict, "schema.create_custom_column",
			"duplicate field %q", key)
	}
	r.fields[key] = f
	return f, nil
}

// RemoveCustom drops a user-defined column from the registry.
func (r *Registry) RemoveCustom(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.fields[key]; ok && f.IsCustom() {
		delete(r.fields, key)
	}
}

// All returns every field, ordered by key.
func (r *Registry) All() []*FieldMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*FieldMeta, 0, len(r.fields))
	for _, f := range r.fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SortableKeys returns the keys usable with multisort.
func (r *Registry) SortableKeys() []string {
	return r.keysWhere(func(f *FieldMeta) bool { return f.InSort })
}

// SearchableKeys returns the keys usable as search locations.
func (r *Registry) SearchableKeys() []string {
	return r.keysWhere(func(f *FieldMeta) bool { return f.InSearch })
}

func (r *Registry) keysWhere(pred func(*FieldMeta) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for k, f := range r.fields {
		if pred(f) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// TermCategories lists every term-backed category currently known,
// built-ins first.
func (r *Registry) TermCategories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var cats []string
	for _, f := range r.fields {
		if f.Category != "" && !seen[f.Category] {
			seen[f.Category] = true
			cats = append(cats, f.Category)
		}
	}
	sort.Strings(cats)
	return cats
}
