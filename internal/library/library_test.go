package library

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kovidgoyal/calibre-sub022/internal/config"
	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
	"github.com/kovidgoyal/calibre-sub022/internal/schema"
	"github.com/kovidgoyal/calibre-sub022/internal/search"
)

func setupTestLibrary(t *testing.T) *Library {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Library.Path = t.TempDir()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	lib, err := Open(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })
	return lib
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func addTestBook(t *testing.T, lib *Library, spec BookSpec) int64 {
	t.Helper()
	ids, err := lib.AddBooks([]BookSpec{spec})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func TestAddBookCreatesFolderFormatAndSidecar(t *testing.T) {
	lib := setupTestLibrary(t)
	src := writeTestFile(t, t.TempDir(), "upload.epub", "epub bytes")

	id := addTestBook(t, lib, BookSpec{
		Title:       "Hello",
		Authors:     []string{"Alice, B."},
		FormatPaths: []string{src},
	})
	assert.Equal(t, int64(1), id)

	dir := filepath.Join(lib.Root(), "Alice, B", "Hello (1)")
	require.DirExists(t, dir)
	assert.FileExists(t, filepath.Join(dir, "Hello - Alice, B.epub"))
	assert.FileExists(t, filepath.Join(dir, config.SidecarName))

	matches, err := lib.Search("alice")
	require.NoError(t, err)
	assert.True(t, matches.Contains(id))

	formats, err := lib.Formats(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"EPUB"}, formats)
}

func TestFieldRoundTrips(t *testing.T) {
	lib := setupTestLibrary(t)
	id := addTestBook(t, lib, BookSpec{Title: "Dune", Authors: []string{"Frank Herbert"}})

	require.NoError(t, lib.SetField("rating", map[int64]any{id: 8}))
	require.NoError(t, lib.SetField("tags", map[int64]any{id: []string{"science fiction", "classics"}}))
	require.NoError(t, lib.SetField("series", map[int64]any{id: "Dune Chronicles"}))
	require.NoError(t, lib.SetField("series_index", map[int64]any{id: 1.0}))
	require.NoError(t, lib.SetField("comments", map[int64]any{id: "<p>Spice.</p>"}))
	require.NoError(t, lib.SetField("identifiers", map[int64]any{id: map[string]string{"isbn": "9780441013593"}}))
	pub := time.Date(1965, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, lib.SetField("pubdate", map[int64]any{id: pub}))

	rating, err := lib.GetField("rating", id)
	require.NoError(t, err)
	assert.Equal(t, 8, rating)

	tags, err := lib.GetField("tags", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"science fiction", "classics"}, tags)

	series, err := lib.GetField("series", id)
	require.NoError(t, err)
	assert.Equal(t, "Dune Chronicles", series)

	pubdate, err := lib.GetField("pubdate", id)
	require.NoError(t, err)
	assert.Equal(t, pub, pubdate.(time.Time).UTC())

	idents, err := lib.GetField("identifiers", id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"isbn": "9780441013593"}, idents)

	authorSort, err := lib.GetField("author_sort", id)
	require.NoError(t, err)
	assert.Equal(t, "Herbert, Frank", authorSort)
}

func TestSetFieldRejectsBadValues(t *testing.T) {
	lib := setupTestLibrary(t)
	id := addTestBook(t, lib, BookSpec{Title: "X", Authors: []string{"Y"}})

	err := lib.SetField("rating", map[int64]any{id: 11})
	assert.True(t, liberr.IsKind(err, liberr.InvalidInput))

	err = lib.SetField("last_modified", map[int64]any{id: time.Now()})
	assert.True(t, liberr.IsKind(err, liberr.InvalidInput))

	err = lib.SetField("nope", map[int64]any{id: "x"})
	assert.True(t, liberr.IsKind(err, liberr.NotFound))

	err = lib.SetField("title", map[int64]any{int64(99): "x"})
	assert.True(t, liberr.IsKind(err, liberr.NotFound))
}

func TestConversionOptionsRoundTrip(t *testing.T) {
	lib := setupTestLibrary(t)
	id := addTestBook(t, lib, BookSpec{Title: "X", Authors: []string{"Y"}})

	none, err := lib.ConversionOptions(id, "EPUB")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, lib.SetConversionOptions(id, "epub", []byte("margin=1cm")))
	require.NoError(t, lib.SetConversionOptions(id, "EPUB", []byte("margin=2cm")))

	got, err := lib.ConversionOptions(id, "EPUB")
	require.NoError(t, err)
	assert.Equal(t, []byte("margin=2cm"), got)

	err = lib.SetConversionOptions(int64(99), "EPUB", []byte("x"))
	assert.True(t, liberr.IsKind(err, liberr.NotFound))
}

func TestTitleChangeMovesFolderAndRewritesSidecar(t *testing.T) {
	lib := setupTestLibrary(t)
	src := writeTestFile(t, t.TempDir(), "b.epub", "bytes")
	id := addTestBook(t, lib, BookSpec{Title: "Old Name", Authors: []string{"Carol Writer"}, FormatPaths: []string{src}})

	oldDir := filepath.Join(lib.Root(), "Writer, Carol", "Old Name (1)")
	require.DirExists(t, oldDir)

	require.NoError(t, lib.SetField("title", map[int64]any{id: "New Name"}))

	newDir := filepath.Join(lib.Root(), "Writer, Carol", "New Name (1)")
	assert.NoDirExists(t, oldDir)
	require.DirExists(t, newDir)
	assert.FileExists(t, filepath.Join(newDir, config.SidecarName))

	// format file moved along with the folder
	info, err := lib.FormatFile(id, "epub")
	require.NoError(t, err)
	assert.FileExists(t, info.Path)
}

func TestRenameTermMergesAndPreservesLinkCount(t *testing.T) {
	lib := setupTestLibrary(t)
	a := addTestBook(t, lib, BookSpec{Title: "A", Authors: []string{"X"}, Tags: []string{"alpha"}})
	b := addTestBook(t, lib, BookSpec{Title: "B", Authors: []string{"X"}, Tags: []string{"beta"}})
	c := addTestBook(t, lib, BookSpec{Title: "C", Authors: []string{"X"}, Tags: []string{"alpha", "beta"}})

	betaID, err := lib.TermID("tags", "beta")
	require.NoError(t, err)

	survivor, err := lib.RenameTerm("tags", "alpha", "beta")
	require.NoError(t, err)
	assert.Equal(t, betaID, survivor)

	// alpha is gone, every book that had either now has exactly beta
	_, err = lib.TermID("tags", "alpha")
	assert.True(t, liberr.IsKind(err, liberr.NotFound))
	assert.Equal(t, 3, lib.TermUseCount("tags", betaID))

	for _, id := range []int64{a, b, c} {
		tags, err := lib.GetField("tags", id)
		require.NoError(t, err)
		assert.Equal(t, []string{"beta"}, tags, "book %d", id)
	}
}

func TestRenameTermInPlace(t *testing.T) {
	lib := setupTestLibrary(t)
	id := addTestBook(t, lib, BookSpec{Title: "A", Authors: []string{"X"}, Tags: []string{"scifi"}})

	survivor, err := lib.RenameTerm("tags", "scifi", "Science Fiction")
	require.NoError(t, err)

	tags, err := lib.GetField("tags", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Science Fiction"}, tags)

	again, err := lib.TermID("tags", "science fiction")
	require.NoError(t, err)
	assert.Equal(t, survivor, again)
}

func TestCustomColumnSearchAndSort(t *testing.T) {
	lib := setupTestLibrary(t)
	_, err := lib.CreateCustomColumn("pages", "Pages", schema.Int, false, schema.Display{})
	require.NoError(t, err)

	long := addTestBook(t, lib, BookSpec{Title: "Long", Authors: []string{"X"}})
	short := addTestBook(t, lib, BookSpec{Title: "Short", Authors: []string{"X"}})
	require.NoError(t, lib.SetField("#pages", map[int64]any{long: 150, short: 80}))

	matches, err := lib.Search("#pages:>100")
	require.NoError(t, err)
	assert.True(t, matches.Contains(long))
	assert.False(t, matches.Contains(short))

	matches, err = lib.Search("#pages:<100")
	require.NoError(t, err)
	assert.False(t, matches.Contains(long))
	assert.True(t, matches.Contains(short))

	ids := []int64{long, short}
	require.NoError(t, lib.Multisort(ids, []search.SortSpec{{Key: "#pages", Ascending: true}}))
	assert.Equal(t, []int64{short, long}, ids)
}

func TestCustomColumnSurvivesReopen(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Library.Path = t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	lib, err := Open(cfg, log)
	require.NoError(t, err)
	_, err = lib.CreateCustomColumn("genre", "Genre", schema.Text, true, schema.Display{})
	require.NoError(t, err)
	id := addTestBook(t, lib, BookSpec{Title: "A", Authors: []string{"X"}})
	require.NoError(t, lib.SetField("#genre", map[int64]any{id: []string{"horror", "gothic"}}))
	require.NoError(t, lib.Close())

	lib, err = Open(cfg, log)
	require.NoError(t, err)
	defer lib.Close()

	genres, err := lib.GetField("#genre", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"horror", "gothic"}, genres)

	matches, err := lib.Search("#genre:horror")
	require.NoError(t, err)
	assert.True(t, matches.Contains(id))
}

func TestTryLockDeadline(t *testing.T) {
	lib := setupTestLibrary(t)

	lib.Lock().WriteLock()
	err := lib.Lock().TryReadLock(time.Now().Add(30 * time.Millisecond))
	assert.True(t, liberr.IsKind(err, liberr.LockUnavailable))
	err = lib.Lock().TryWriteLock(time.Now().Add(30 * time.Millisecond))
	assert.True(t, liberr.IsKind(err, liberr.LockUnavailable))
	lib.Lock().WriteUnlock()

	require.NoError(t, lib.Lock().TryReadLock(time.Now().Add(time.Second)))
	lib.Lock().ReadUnlock()
}

func TestEventsCoalescedPerField(t *testing.T) {
	lib := setupTestLibrary(t)
	a := addTestBook(t, lib, BookSpec{Title: "A", Authors: []string{"X"}})
	b := addTestBook(t, lib, BookSpec{Title: "B", Authors: []string{"X"}})

	var got []Event
	unsub := lib.Events().Subscribe(EventMetadataChanged, func(ev Event) {
		got = append(got, ev)
	})
	defer unsub()

	require.NoError(t, lib.SetField("rating", map[int64]any{a: 4, b: 6}))

	require.Len(t, got, 1)
	assert.Equal(t, "rating", got[0].Field)
	assert.ElementsMatch(t, []int64{a, b}, got[0].IDs)
}

func TestEventSubscriberPanicIsIsolated(t *testing.T) {
	lib := setupTestLibrary(t)

	var after int
	unsub1 := lib.Events().Subscribe(EventBookAdded, func(Event) { panic("boom") })
	defer unsub1()
	unsub2 := lib.Events().Subscribe(EventBookAdded, func(Event) { after++ })
	defer unsub2()

	addTestBook(t, lib, BookSpec{Title: "A", Authors: []string{"X"}})
	assert.Equal(t, 1, after)
}

func TestDeleteBookRetiresOrphanTermNotes(t *testing.T) {
	lib := setupTestLibrary(t)
	id := addTestBook(t, lib, BookSpec{Title: "Only", Authors: []string{"Lone Author"}})

	termID, err := lib.TermID("authors", "Lone Author")
	require.NoError(t, err)
	_, err = lib.SetNotesFor("authors", termID, "<p>bio</p>", nil)
	require.NoError(t, err)

	var removed []int64
	unsub := lib.Events().Subscribe(EventBookRemoved, func(ev Event) { removed = ev.IDs })
	defer unsub()

	require.NoError(t, lib.DeleteBooks([]int64{id}))
	assert.Equal(t, []int64{id}, removed)
	assert.False(t, lib.HasBook(id))

	// author orphaned with the book, its note retired but recoverable
	_, err = lib.TermID("authors", "Lone Author")
	assert.True(t, liberr.IsKind(err, liberr.NotFound))
	doc, err := lib.NotesStore().NotesFor("authors", termID)
	require.NoError(t, err)
	assert.Empty(t, doc)
	_, err = lib.NotesStore().UnretireNoteFor("authors", termID)
	assert.NoError(t, err)
}

func TestLastBookUnlinkRetiresNoteOnFieldChange(t *testing.T) {
	lib := setupTestLibrary(t)
	id := addTestBook(t, lib, BookSpec{Title: "A", Authors: []string{"X"}, Tags: []string{"keep", "drop"}})

	dropID, err := lib.TermID("tags", "drop")
	require.NoError(t, err)
	_, err = lib.SetNotesFor("tags", dropID, "<p>about drop</p>", nil)
	require.NoError(t, err)

	require.NoError(t, lib.SetField("tags", map[int64]any{id: []string{"keep"}}))

	doc, err := lib.NotesStore().NotesFor("tags", dropID)
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestAddRemoveFormat(t *testing.T) {
	lib := setupTestLibrary(t)
	dir := t.TempDir()
	id := addTestBook(t, lib, BookSpec{Title: "A", Authors: []string{"X"}})

	epub := writeTestFile(t, dir, "a.epub", "epub bytes")
	pdf := writeTestFile(t, dir, "a.pdf", "pdf bytes")
	require.NoError(t, lib.AddFormat(id, epub))
	require.NoError(t, lib.AddFormat(id, pdf))

	formats, err := lib.Formats(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"EPUB", "PDF"}, formats)

	info, err := lib.FormatFile(id, "pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(len("pdf bytes")), info.Size)

	require.NoError(t, lib.RemoveFormat(id, "epub"))
	_, err = lib.FormatFile(id, "epub")
	assert.True(t, liberr.IsKind(err, liberr.NotFound))

	matches, err := lib.Search("formats:PDF")
	require.NoError(t, err)
	assert.True(t, matches.Contains(id))
}

func TestSetCover(t *testing.T) {
	lib := setupTestLibrary(t)
	id := addTestBook(t, lib, BookSpec{Title: "A", Authors: []string{"X"}})

	path, has, err := lib.CoverPath(id)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, lib.SetCover(id, []byte("jpeg bytes")))
	path, has, err = lib.CoverPath(id)
	require.NoError(t, err)
	assert.True(t, has)
	assert.FileExists(t, path)

	matches, err := lib.Search("cover:true")
	require.NoError(t, err)
	assert.True(t, matches.Contains(id))
}

func TestRestoreFromSidecars(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Library.Path = t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	lib, err := Open(cfg, log)
	require.NoError(t, err)
	src := writeTestFile(t, t.TempDir(), "d.epub", "dune bytes")
	id := addTestBook(t, lib, BookSpec{
		Title:       "Dune",
		Authors:     []string{"Frank Herbert"},
		Tags:        []string{"science fiction"},
		Series:      "Dune Chronicles",
		SeriesIndex: 1,
		Rating:      8,
		FormatPaths: []string{src},
	})
	require.NoError(t, lib.Close())

	require.NoError(t, os.Remove(filepath.Join(cfg.Library.Path, config.MetadataDBName)))

	lib, err = Open(cfg, log)
	require.NoError(t, err)
	defer lib.Close()

	require.True(t, lib.HasBook(id))
	title, err := lib.GetField("title", id)
	require.NoError(t, err)
	assert.Equal(t, "Dune", title)
	authors, err := lib.GetField("authors", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Frank Herbert"}, authors)
	tags, err := lib.GetField("tags", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"science fiction"}, tags)
	rating, err := lib.GetField("rating", id)
	require.NoError(t, err)
	assert.Equal(t, 8, rating)

	formats, err := lib.Formats(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"EPUB"}, formats)

	matches, err := lib.Search("series:dune")
	require.NoError(t, err)
	assert.True(t, matches.Contains(id))
}

func TestGroupedSearchTermsPref(t *testing.T) {
	lib := setupTestLibrary(t)
	id := addTestBook(t, lib, BookSpec{Title: "A", Authors: []string{"Ann Author"}, Publisher: "Ann Press"})

	require.NoError(t, lib.SetPref("grouped_search_terms", map[string][]string{
		"people": {"authors", "publisher"},
	}))

	matches, err := lib.Search("@people:ann")
	require.NoError(t, err)
	assert.True(t, matches.Contains(id))
}

func TestLibraryUUIDStable(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Library.Path = t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	lib, err := Open(cfg, log)
	require.NoError(t, err)
	first := lib.UUID()
	require.NotEmpty(t, first)
	require.NoError(t, lib.Close())

	lib, err = Open(cfg, log)
	require.NoError(t, err)
	defer lib.Close()
	assert.Equal(t, first, lib.UUID())
}

func TestChangeStampBumpsOnWrite(t *testing.T) {
	lib := setupTestLibrary(t)

	var before int64
	_, err := lib.GetPref("library_change_stamp", &before)
	require.NoError(t, err)

	addTestBook(t, lib, BookSpec{Title: "A", Authors: []string{"X"}})

	var after int64
	ok, err := lib.GetPref("library_change_stamp", &after)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, after, before)
}
