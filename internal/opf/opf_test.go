package opf

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
	"github.com/kovidgoyal/calibre-sub022/internal/schema"
)

func TestSidecarRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.opf")
	pub := time.Date(1965, 8, 1, 0, 0, 0, 0, time.UTC)
	added := time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC)

	in := &BookMeta{
		ID:          42,
		UUID:        "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		Title:       "Dune",
		TitleSort:   "Dune",
		Authors:     []string{"Frank Herbert", "Other Person"},
		AuthorSort:  "Herbert, Frank",
		Publisher:   "Chilton Books",
		Tags:        []string{"science fiction", "classics"},
		Languages:   []string{"eng"},
		Series:      "Dune Chronicles",
		SeriesIndex: 1,
		Rating:      9,
		Comments:    "<p>Spice &amp; sand.</p>",
		Identifiers: map[string]string{"isbn": "9780441013593", "goodreads": "234225"},
		Pubdate:     pub,
		Timestamp:   added,
		HasCover:    true,
		Custom: map[string]CustomValue{
			"#pages": {
				Label:      "pages",
				Name:       "Pages",
				Datatype:   "int",
				IsEditable: true,
				Value:      json.RawMessage("412"),
			},
		},
	}
	require.NoError(t, Write(path, in))

	out, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.UUID, out.UUID)
	assert.Equal(t, in.Title, out.Title)
	assert.Equal(t, in.TitleSort, out.TitleSort)
	assert.Equal(t, in.Authors, out.Authors)
	assert.Equal(t, in.AuthorSort, out.AuthorSort)
	assert.Equal(t, in.Publisher, out.Publisher)
	assert.Equal(t, in.Tags, out.Tags)
	assert.Equal(t, in.Languages, out.Languages)
	assert.Equal(t, in.Series, out.Series)
	assert.Equal(t, in.SeriesIndex, out.SeriesIndex)
	assert.Equal(t, in.Rating, out.Rating)
	assert.Equal(t, in.Comments, out.Comments)
	assert.Equal(t, in.Identifiers, out.Identifiers)
	assert.True(t, out.Pubdate.Equal(pub))
	assert.True(t, out.Timestamp.Equal(added))
	assert.True(t, out.HasCover)

	require.Contains(t, out.Custom, "#pages")
	cv := out.Custom["#pages"]
	assert.Equal(t, "pages", cv.Label)
	assert.Equal(t, "int", cv.Datatype)
	assert.Equal(t, json.RawMessage("412"), cv.Value)
}

func TestSeriesCustomCarriesExtra(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.opf")
	extra := 2.5
	in := &BookMeta{
		ID:    1,
		Title: "Book",
		Custom: map[string]CustomValue{
			"#saga": {
				Label:    "saga",
				Datatype: "series",
				Display:  schema.Display{},
				Value:    json.RawMessage(`"The Saga"`),
				Extra:    &extra,
			},
		},
	}
	require.NoError(t, Write(path, in))

	out, err := Read(path)
	require.NoError(t, err)
	cv := out.Custom["#saga"]
	require.NotNil(t, cv.Extra)
	assert.Equal(t, 2.5, *cv.Extra)
}

func TestReadDefaultsSeriesIndexToOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.opf")
	require.NoError(t, Write(path, &BookMeta{ID: 1, Title: "Plain"}))

	out, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.SeriesIndex)
	assert.Empty(t, out.Series)
	assert.Zero(t, out.Rating)
	assert.False(t, out.HasCover)
}

func TestReadRejectsMalformedXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.opf")
	require.NoError(t, os.WriteFile(path, []byte("<package><metadata>"), 0644))

	_, err := Read(path)
	require.Error(t, err)
	assert.Equal(t, liberr.Integrity, liberr.KindOf(err))
}

func TestReadMissingFileIsIOError(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.opf"))
	require.Error(t, err)
	assert.Equal(t, liberr.IO, liberr.KindOf(err))
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.opf")
	require.NoError(t, Write(path, &BookMeta{ID: 1, Title: "Tidy"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "metadata.opf", entries[0].Name())
}
