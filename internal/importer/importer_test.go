package importer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kovidgoyal/calibre-sub022/internal/config"
	"github.com/kovidgoyal/calibre-sub022/internal/database/prefs"
	"github.com/kovidgoyal/calibre-sub022/internal/library"
	"github.com/kovidgoyal/calibre-sub022/internal/opf"
)

func setupImporter(t *testing.T) (*Importer, *library.Library) {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Library.Path = t.TempDir()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	lib, err := library.Open(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })

	im, err := New(lib, cfg.Library.FilenamePattern, log)
	require.NoError(t, err)
	return im, lib
}

func stageFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("payload "+name), 0644))
	return p
}

func TestAddBooksGuessesMetadataFromFilenames(t *testing.T) {
	im, lib := setupImporter(t)
	src := t.TempDir()

	epub := stageFile(t, src, "The_Time_Machine - H. G. Wells.epub")

	ids, err := im.AddBooks([]string{epub})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	title, err := lib.GetField("title", ids[0])
	require.NoError(t, err)
	assert.Equal(t, "The Time Machine", title)

	authors, err := lib.GetField("authors", ids[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"H. G. Wells"}, authors)
}

func TestAddBooksGroupsFormatsByStem(t *testing.T) {
	im, lib := setupImporter(t)
	src := t.TempDir()

	paths := []string{
		stageFile(t, src, "Moby_Dick - Herman Melville.epub"),
		stageFile(t, src, "Moby_Dick - Herman Melville.txt"),
		stageFile(t, src, "Dune - Frank Herbert.epub"),
	}

	ids, err := im.AddBooks(paths)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	formats, err := lib.Formats(ids[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"EPUB", "TXT"}, formats)

	formats, err = lib.Formats(ids[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"EPUB"}, formats)
}

func TestAddBooksPrefersAdjacentOPF(t *testing.T) {
	im, lib := setupImporter(t)
	src := t.TempDir()

	epub := stageFile(t, src, "whatever_name.epub")
	require.NoError(t, opf.Write(filepath.Join(src, "whatever_name.opf"), &opf.BookMeta{
		Title:   "Proper Title",
		Authors: []string{"Real Author"},
		Tags:    []string{"history"},
		Rating:  6,
	}))

	ids, err := im.AddBooks([]string{epub})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	title, err := lib.GetField("title", ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Proper Title", title)

	tags, err := lib.GetField("tags", ids[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"history"}, tags)

	rating, err := lib.GetField("rating", ids[0])
	require.NoError(t, err)
	assert.Equal(t, 6, rating)
}

func TestAddBooksRejectsMissingFiles(t *testing.T) {
	im, _ := setupImporter(t)

	_, err := im.AddBooks([]string{filepath.Join(t.TempDir(), "ghost.epub")})
	require.Error(t, err)
}

func TestExportUsesDefaultSaveTemplate(t *testing.T) {
	im, _ := setupImporter(t)
	src := t.TempDir()

	ids, err := im.AddBooks([]string{stageFile(t, src, "Dune - Frank Herbert.epub")})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	dest := t.TempDir()
	written, err := im.Export(ids[0], dest)
	require.NoError(t, err)

	base := filepath.Join(dest, "Herbert, Frank", "Dune - Frank Herbert")
	assert.Contains(t, written, base+".epub")
	assert.FileExists(t, base+".epub")
	assert.FileExists(t, base+".opf")
}

func TestExportHonoursSaveTemplatePref(t *testing.T) {
	im, lib := setupImporter(t)
	src := t.TempDir()

	ids, err := im.AddBooks([]string{stageFile(t, src, "Dune - Frank Herbert.epub")})
	require.NoError(t, err)
	require.NoError(t, lib.SetPref(prefs.KeySaveTemplate, "{title}/{title}"))

	dest := t.TempDir()
	_, err = im.Export(ids[0], dest)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "Dune", "Dune.epub"))
}

func TestGuessFromStemSeriesIndex(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	im, err := New(nil, `^(?P<series>.+?) - (?P<title>.+?) - (?P<author>.+)$`, log)
	require.NoError(t, err)

	title, author, series, idx := im.guessFromStem("Discworld 2 - The Light Fantastic - Terry Pratchett")
	assert.Equal(t, "The Light Fantastic", title)
	assert.Equal(t, "Terry Pratchett", author)
	assert.Equal(t, "Discworld", series)
	assert.Equal(t, 2.0, idx)
}
