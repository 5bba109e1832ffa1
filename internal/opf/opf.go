// Package opf reads and writes the per-book metadata.opf side-car, an
// OPF 2.0 package document. Custom columns are carried as calibre
// vendor-namespace meta entries with a JSON payload, so a library can
// be rebuilt from side-cars alone.
package opf

import (
	"encoding/json"
	"encoding/xml"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
	"github.com/kovidgoyal/calibre-sub022/internal/schema"
)

const userMetadataPrefix = "calibre:user_metadata:"

// BookMeta is the neutral metadata record mirrored by the side-car.
type BookMeta struct {
	ID          int64
	UUID        string
	Title       string
	TitleSort   string
	Authors     []string
	AuthorSort  string
	Publisher   string
	Tags        []string
	Languages   []string
	Series      string
	SeriesIndex float64
	Rating      int // 0-10
	Comments    string
	Identifiers map[string]string // scheme -> value, isbn included
	Pubdate     time.Time
	Timestamp   time.Time
	HasCover    bool
	Custom      map[string]CustomValue // "#key" -> payload
}

// CustomValue is the JSON payload of one user-defined column in the
// side-car.
type CustomValue struct {
	Label      string          `json:"label"`
	Name       string          `json:"name"`
	Datatype   string          `json:"datatype"`
	IsMultiple bool            `json:"is_multiple"`
	IsEditable bool            `json:"is_editable"`
	Display    schema.Display  `json:"display"`
	Value      json.RawMessage `json:"#value#"`
	Extra      *float64        `json:"#extra#,omitempty"`
}

// ---- write shapes (literal prefixes; encoding/xml cannot round-trip
// prefixed names, so read and write use separate structs) ----

type wPackage struct {
	XMLName  xml.Name  `xml:"package"`
	Xmlns    string    `xml:"xmlns,attr"`
	Version  string    `xml:"version,attr"`
	UniqueID string    `xml:"unique-identifier,attr"`
	Metadata wMetadata `xml:"metadata"`
	Guide    *wGuide   `xml:"guide,omitempty"`
}

type wMetadata struct {
	XmlnsDC     string        `xml:"xmlns:dc,attr"`
	XmlnsOPF    string        `xml:"xmlns:opf,attr"`
	Identifiers []wIdentifier `xml:"dc:identifier"`
	Title       string        `xml:"dc:title"`
	Creators    []wCreator    `xml:"dc:creator"`
	Description string        `xml:"dc:description,omitempty"`
	Publisher   string        `xml:"dc:publisher,omitempty"`
	Date        string        `xml:"dc:date,omitempty"`
	Subjects    []string      `xml:"dc:subject"`
	Languages   []string      `xml:"dc:language"`
	Metas       []wMeta       `xml:"meta"`
}

type wIdentifier struct {
	Scheme string `xml:"opf:scheme,attr,omitempty"`
	ID     string `xml:"id,attr,omitempty"`
	Value  string `xml:",chardata"`
}

type wCreator struct {
	FileAs string `xml:"opf:file-as,attr,omitempty"`
	Role   string `xml:"opf:role,attr,omitempty"`
	Value  string `xml:",chardata"`
}

type wMeta struct {
	Name    string `xml:"name,attr"`
	Content string `xml:"content,attr"`
}

type wGuide struct {
	References []wReference `xml:"reference"`
}

type wReference struct {
	Type  string `xml:"type,attr"`
	Href  string `xml:"href,attr"`
	Title string `xml:"title,attr,omitempty"`
}

// ---- read shapes (match by local name, namespace ignored) ----

type rPackage struct {
	XMLName  xml.Name  `xml:"package"`
	Metadata rMetadata `xml:"metadata"`
	Guide    rGuide    `xml:"guide"`
}

type rMetadata struct {
	Identifiers []rIdentifier `xml:"identifier"`
	Title       string        `xml:"title"`
	Creators    []rCreator    `xml:"creator"`
	Description string        `xml:"description"`
	Publisher   string        `xml:"publisher"`
	Date        string        `xml:"date"`
	Subjects    []string      `xml:"subject"`
	Languages   []string      `xml:"language"`
	Metas       []wMeta       `xml:"meta"`
}

type rIdentifier struct {
	Scheme string `xml:"scheme,attr"`
	Value  string `xml:",chardata"`
}

type rCreator struct {
	FileAs string `xml:"file-as,attr"`
	Value  string `xml:",chardata"`
}

type rGuide struct {
	References []wReference `xml:"reference"`
}

const timeLayout = time.RFC3339

// Write serializes m to path atomically: temp file in the same
// directory, fsync, rename.
func Write(path string, m *BookMeta) error {
	const op = "opf.write"
	pkg := wPackage{
		Xmlns:    "http://www.idpf.org/2007/opf",
		Version:  "2.0",
		UniqueID: "uuid_id",
		Metadata: wMetadata{
			XmlnsDC:  "http://purl.org/dc/elements/1.1/",
			XmlnsOPF: "http://www.idpf.org/2007/opf",
			Title:    m.Title,
		},
	}
	md := &pkg.Metadata

	md.Identifiers = append(md.Identifiers,
		wIdentifier{Scheme: "calibre", ID: "calibre_id", Value: strconv.FormatInt(m.ID, 10)},
		wIdentifier{Scheme: "uuid", ID: "uuid_id", Value: m.UUID},
	)
	for _, kv := range sortedIdentifiers(m.Identifiers) {
		md.Identifiers = append(md.Identifiers, wIdentifier{Scheme: strings.ToUpper(kv[0]), Value: kv[1]})
	}

	for i, a := range m.Authors {
		c := wCreator{Role: "aut", Value: a}
		if i == 0 {
			c.FileAs = m.AuthorSort
		}
		md.Creators = append(md.Creators, c)
	}
	md.Description = m.Comments
	md.Publisher = m.Publisher
	if !m.Pubdate.IsZero() {
		md.Date = m.Pubdate.UTC().Format(timeLayout)
	}
	md.Subjects = append(md.Subjects, m.Tags...)
	md.Languages = append(md.Languages, m.Languages...)

	addMeta := func(name, content string) {
		md.Metas = append(md.Metas, wMeta{Name: name, Content: content})
	}
	if m.TitleSort != "" {
		addMeta("calibre:title_sort", m.TitleSort)
	}
	if m.Series != "" {
		addMeta("calibre:series", m.Series)
		addMeta("calibre:series_index", strconv.FormatFloat(m.SeriesIndex, 'f', -1, 64))
	}
	if m.Rating > 0 {
		addMeta("calibre:rating", strconv.Itoa(m.Rating))
	}
	if !m.Timestamp.IsZero() {
		addMeta("calibre:timestamp", m.Timestamp.UTC().Format(timeLayout))
	}
	for _, key := range sortedKeys(m.Custom) {
		payload, err := json.Marshal(m.Custom[key])
		if err != nil {
			return liberr.Wrap(liberr.InvalidInput, op, err)
		}
		addMeta(userMetadataPrefix+key, string(payload))
	}

	if m.HasCover {
		pkg.Guide = &wGuide{References: []wReference{{Type: "cover", Href: "cover.jpg", Title: "Cover"}}}
	}

	raw, err := xml.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}
	raw = append([]byte(xml.Header), raw...)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmpopf")
	if err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return liberr.Wrap(liberr.IO, op, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return liberr.Wrap(liberr.IO, op, err)
	}
	if err := tmp.Close(); err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}
	return nil
}

// Read parses a side-car file.
func Read(path string) (*BookMeta, error) {
	const op = "opf.read"
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}
	var pkg rPackage
	if err := xml.Unmarshal(raw, &pkg); err != nil {
		return nil, liberr.Wrap(liberr.Integrity, op, err)
	}

	m := &BookMeta{
		Title:       pkg.Metadata.Title,
		Comments:    pkg.Metadata.Description,
		Publisher:   pkg.Metadata.Publisher,
		Tags:        pkg.Metadata.Subjects,
		Languages:   pkg.Metadata.Languages,
		SeriesIndex: 1.0,
		Identifiers: map[string]string{},
		Custom:      map[string]CustomValue{},
	}
	for _, ident := range pkg.Metadata.Identifiers {
		switch strings.ToLower(ident.Scheme) {
		case "calibre":
			if id, err := strconv.ParseInt(strings.TrimSpace(ident.Value), 10, 64); err == nil {
				m.ID = id
			}
		case "uuid":
			m.UUID = strings.TrimSpace(ident.Value)
		case "":
		default:
			m.Identifiers[strings.ToLower(ident.Scheme)] = strings.TrimSpace(ident.Value)
		}
	}
	for i, c := range pkg.Metadata.Creators {
		m.Authors = append(m.Authors, strings.TrimSpace(c.Value))
		if i == 0 {
			m.AuthorSort = c.FileAs
		}
	}
	if pkg.Metadata.Date != "" {
		if t, err := time.Parse(timeLayout, pkg.Metadata.Date); err == nil {
			m.Pubdate = t
		}
	}
	for _, meta := range pkg.Metadata.Metas {
		switch {
		case meta.Name == "calibre:title_sort":
			m.TitleSort = meta.Content
		case meta.Name == "calibre:series":
			m.Series = meta.Content
		case meta.Name == "calibre:series_index":
			if f, err := strconv.ParseFloat(meta.Content, 64); err == nil {
				m.SeriesIndex = f
			}
		case meta.Name == "calibre:rating":
			if n, err := strconv.Atoi(meta.Content); err == nil {
				m.Rating = n
			}
		case meta.Name == "calibre:timestamp":
			if t, err := time.Parse(timeLayout, meta.Content); err == nil {
				m.Timestamp = t
			}
		case strings.HasPrefix(meta.Name, userMetadataPrefix):
			key := strings.TrimPrefix(meta.Name, userMetadataPrefix)
			var cv CustomValue
			if err := json.Unmarshal([]byte(meta.Content), &cv); err == nil {
				m.Custom[key] = cv
			}
		}
	}
	for _, ref := range pkg.Guide.References {
		if ref.Type == "cover" {
			m.HasCover = true
		}
	}
	return m, nil
}

func sortedKeys(m map[string]CustomValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedIdentifiers(m map[string]string) [][2]string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, m[k]})
	}
	return out
}
