package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kovidgoyal/calibre-sub022/internal/entities"
	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

func TestResolveAliasesAndUnknowns(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, "authors", r.Resolve("authors"))
	assert.Equal(t, "authors", r.Resolve("author"))
	assert.Equal(t, "tags", r.Resolve("TAG"))
	assert.Equal(t, "formats", r.Resolve("format"))
	assert.Equal(t, "timestamp", r.Resolve("date"))
	assert.Equal(t, "", r.Resolve("no_such_field"))
}

func TestValidateCustomKey(t *testing.T) {
	assert.NoError(t, ValidateCustomKey("#pages"))
	assert.NoError(t, ValidateCustomKey("#my_col2"))

	for _, bad := range []string{"pages", "#Pages", "#2cool", "#", "#my col", "#saga_index"} {
		err := ValidateCustomKey(bad)
		require.Error(t, err, "key %q", bad)
		assert.Equal(t, liberr.InvalidInput, liberr.KindOf(err))
	}
}

func TestAddCustomColumn(t *testing.T) {
	r := NewRegistry()

	f, err := r.AddCustom(entities.CustomColumn{ID: 1, Label: "genre", Name: "Genre", Datatype: "text", IsMultiple: true})
	require.NoError(t, err)
	assert.Equal(t, "#genre", f.Key)
	assert.Equal(t, "#genre", f.Category)
	assert.Equal(t, ", ", f.Separator)
	assert.True(t, f.IsCustom())
	assert.True(t, r.Has("#genre"))
	assert.Equal(t, "#genre", r.Resolve("#genre"))

	f, err = r.AddCustom(entities.CustomColumn{ID: 2, Label: "saga", Name: "Saga", Datatype: "series"})
	require.NoError(t, err)
	assert.Equal(t, "#saga", f.Category)

	f, err = r.AddCustom(entities.CustomColumn{ID: 3, Label: "pages", Name: "Pages", Datatype: "int"})
	require.NoError(t, err)
	assert.Empty(t, f.Category)
	assert.True(t, f.IsEditable)

	_, err = r.AddCustom(entities.CustomColumn{ID: 4, Label: "genre", Name: "Again", Datatype: "text"})
	require.Error(t, err)
	assert.Equal(t, liberr.Conflict, liberr.KindOf(err))

	_, err = r.AddCustom(entities.CustomColumn{ID: 5, Label: "multi_num", Name: "Bad", Datatype: "int", IsMultiple: true})
	require.Error(t, err)
	assert.Equal(t, liberr.InvalidInput, liberr.KindOf(err))

	_, err = r.AddCustom(entities.CustomColumn{ID: 6, Label: "mystery", Name: "Bad", Datatype: "blob"})
	require.Error(t, err)
	assert.Equal(t, liberr.InvalidInput, liberr.KindOf(err))
}

func TestCompositeColumnNeedsTemplate(t *testing.T) {
	r := NewRegistry()

	_, err := r.AddCustom(entities.CustomColumn{ID: 1, Label: "summary", Datatype: "composite"})
	require.Error(t, err)
	assert.Equal(t, liberr.InvalidInput, liberr.KindOf(err))

	f, err := r.AddCustom(entities.CustomColumn{
		ID: 2, Label: "summary", Datatype: "composite",
		Display: `{"composite_template":"{title} by {authors}"}`,
	})
	require.NoError(t, err)
	assert.False(t, f.IsEditable)
	assert.Equal(t, "{title} by {authors}", f.Display.CompositeTemplate)
}

func TestRemoveCustomIgnoresBuiltins(t *testing.T) {
	r := NewRegistry()
	_, err := r.AddCustom(entities.CustomColumn{ID: 1, Label: "genre", Datatype: "text"})
	require.NoError(t, err)

	r.RemoveCustom("#genre")
	assert.False(t, r.Has("#genre"))

	r.RemoveCustom("title")
	assert.True(t, r.Has("title"))
}

func TestTermCategoriesIncludeCustoms(t *testing.T) {
	r := NewRegistry()
	_, err := r.AddCustom(entities.CustomColumn{ID: 1, Label: "genre", Datatype: "text", IsMultiple: true})
	require.NoError(t, err)

	cats := r.TermCategories()
	assert.Contains(t, cats, "authors")
	assert.Contains(t, cats, "tags")
	assert.Contains(t, cats, "series")
	assert.Contains(t, cats, "publishers")
	assert.Contains(t, cats, "languages")
	assert.Contains(t, cats, "#genre")
}

func TestParseTemplate(t *testing.T) {
	tpl, err := ParseTemplate("{title} by {authors} {{literal}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"title", "authors"}, tpl.Fields())

	got := tpl.Render(func(key string) string {
		switch key {
		case "title":
			return "Dune"
		case "authors":
			return "Frank Herbert"
		}
		return ""
	})
	assert.Equal(t, "Dune by Frank Herbert {literal}", got)
}

func TestParseTemplateErrors(t *testing.T) {
	for _, bad := range []string{"{title", "{}", "stray } here"} {
		_, err := ParseTemplate(bad)
		require.Error(t, err, "template %q", bad)
		assert.Equal(t, liberr.InvalidInput, liberr.KindOf(err))
	}
}
