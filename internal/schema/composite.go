package schema

import (
	"strings"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

// Composite columns compute their value from a template evaluated
// against the book's other fields. The template language is
// deliberately small: literal text plus {field_key} substitutions,
// with {{ and }} escaping literal braces. It is parsed once into an
// AST and interpreted; no host-language evaluation.

type templateNode interface {
	render(lookup func(key string) string, b *strings.Builder)
}

type literalNode string

func (n literalNode) render(_ func(string) string, b *strings.Builder) {
	b.WriteString(string(n))
}

type fieldNode string

func (n fieldNode) render(lookup func(string) string, b *strings.Builder) {
	b.WriteString(lookup(string(n)))
}

// Template is a parsed composite template.
type Template struct {
	src   string
	nodes []templateNode
}

// ParseTemplate compiles a composite template string.
func ParseTemplate(src string) (*Template, error) {
	t := &Template{src: src}
	var lit strings.Builder
	i := 0
	for i < len(src) {
		c := src[i]
		switch c {
		case '{':
			if i+1 < len(src) && src[i+1] == '{' {
				lit.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(src[i+1:], '}')
			if end < 0 {
				return nil, liberr.New(liberr.InvalidInput, "schema.parse_template",
					"unclosed { at offset %d in %q", i, src)
			}
			key := src[i+1 : i+1+end]
			if key == "" {
				return nil, liberr.New(liberr.InvalidInput, "schema.parse_template",
					"empty field reference at offset %d in %q", i, src)
			}
			if lit.Len() > 0 {
				t.nodes = append(t.nodes, literalNode(lit.String()))
				lit.Reset()
			}
			t.nodes = append(t.nodes, fieldNode(key))
			i += end + 2
		case '}':
			if i+1 < len(src) && src[i+1] == '}' {
				lit.WriteByte('}')
				i += 2
				continue
			}
			return nil, liberr.New(liberr.InvalidInput, "schema.parse_template",
				"stray } at offset %d in %q", i, src)
		default:
			lit.WriteByte(c)
			i++
		}
	}
	if lit.Len() > 0 {
		t.nodes = append(t.nodes, literalNode(lit.String()))
	}
	return t, nil
}

// Render evaluates the template. lookup returns the display text of a
// field for the book under evaluation; unknown keys should return "".
func (t *Template) Render(lookup func(key string) string) string {
	var b strings.Builder
	for _, n := range t.nodes {
		n.render(lookup, &b)
	}
	return b.String()
}

// Fields returns the field keys the template references.
func (t *Template) Fields() []string {
	var keys []string
	for _, n := range t.nodes {
		if f, ok := n.(fieldNode); ok {
			keys = append(keys, string(f))
		}
	}
	return keys
}

// Source returns the original template text.
func (t *Template) Source() string { return t.src }
