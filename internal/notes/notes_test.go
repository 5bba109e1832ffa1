package notes

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), 4, logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testNamer(category string, itemID int64) string {
	return fmt.Sprintf("%s-%d", category, itemID)
}

func TestSetAndGetNote(t *testing.T) {
	s := setupTestStore(t)

	id, err := s.SetNotesFor("authors", 1, "<p>hello</p>", nil)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	doc, err := s.NotesFor("authors", 1)
	require.NoError(t, err)
	assert.Equal(t, "<p>hello</p>", doc)

	// missing note reads as empty, not an error
	doc, err = s.NotesFor("authors", 99)
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestSetNoteReplacesAndKeepsID(t *testing.T) {
	s := setupTestStore(t)

	id1, err := s.SetNotesFor("tags", 7, "first", nil)
	require.NoError(t, err)
	id2, err := s.SetNotesFor("tags", 7, "second", nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	doc, err := s.NotesFor("tags", 7)
	require.NoError(t, err)
	assert.Equal(t, "second", doc)
}

func TestEmptyDocRetiresNote(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.SetNotesFor("authors", 1, "<p>keep me</p>", nil)
	require.NoError(t, err)

	id, err := s.SetNotesFor("authors", 1, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), id)

	doc, err := s.NotesFor("authors", 1)
	require.NoError(t, err)
	assert.Empty(t, doc)

	used, err := s.ResourcesUsedBy("authors", 1)
	require.NoError(t, err)
	assert.Empty(t, used)
}

func TestUnretireRestoresDocAndResources(t *testing.T) {
	s := setupTestStore(t)

	h1, err := s.AddResource([]byte("image-one"), "a.jpg")
	require.NoError(t, err)
	h2, err := s.AddResource([]byte("image-two"), "b.jpg")
	require.NoError(t, err)

	_, err = s.SetNotesFor("authors", 1, "doc", []string{h1, h2})
	require.NoError(t, err)
	_, err = s.SetNotesFor("authors", 1, "", nil)
	require.NoError(t, err)

	id, err := s.UnretireNoteFor("authors", 1)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	doc, err := s.NotesFor("authors", 1)
	require.NoError(t, err)
	assert.Equal(t, "doc", doc)

	used, err := s.ResourcesUsedBy("authors", 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{h1, h2}, used)

	// nothing left to unretire
	_, err = s.UnretireNoteFor("authors", 1)
	require.Error(t, err)
	assert.True(t, liberr.IsKind(err, liberr.NotFound))
}

func TestNonEmptySetClearsRetiredShadow(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.SetNotesFor("authors", 1, "old", nil)
	require.NoError(t, err)
	_, err = s.SetNotesFor("authors", 1, "", nil)
	require.NoError(t, err)
	_, err = s.SetNotesFor("authors", 1, "new", nil)
	require.NoError(t, err)

	// the retired "old" must not resurface
	_, err = s.UnretireNoteFor("authors", 1)
	require.Error(t, err)
	assert.True(t, liberr.IsKind(err, liberr.NotFound))
}

func TestRetirementAreaIsBounded(t *testing.T) {
	s := setupTestStore(t) // maxRetired = 4

	for i := int64(1); i <= 6; i++ {
		_, err := s.SetNotesFor("tags", i, "doc", nil)
		require.NoError(t, err)
		_, err = s.SetNotesFor("tags", i, "", nil)
		require.NoError(t, err)
	}

	// oldest two fell off the end
	_, err := s.UnretireNoteFor("tags", 1)
	assert.True(t, liberr.IsKind(err, liberr.NotFound))
	_, err = s.UnretireNoteFor("tags", 2)
	assert.True(t, liberr.IsKind(err, liberr.NotFound))
	_, err = s.UnretireNoteFor("tags", 6)
	assert.NoError(t, err)
}

func TestNotesDataFor(t *testing.T) {
	s := setupTestStore(t)

	h, err := s.AddResource([]byte("pic"), "pic.png")
	require.NoError(t, err)
	_, err = s.SetNotesFor("series", 3, "body", []string{h})
	require.NoError(t, err)

	n, err := s.NotesDataFor("series", 3)
	require.NoError(t, err)
	assert.Equal(t, "body", n.Doc)
	assert.Equal(t, "series", n.Category)
	assert.Equal(t, int64(3), n.ItemID)
	assert.False(t, n.Ctime.IsZero())
	assert.Equal(t, []string{h}, n.ResourceHashes)

	_, err = s.NotesDataFor("series", 4)
	assert.True(t, liberr.IsKind(err, liberr.NotFound))
}

func TestAddResourceContentAddressed(t *testing.T) {
	s := setupTestStore(t)

	h1, err := s.AddResource([]byte("same bytes"), "one.jpg")
	require.NoError(t, err)
	h2, err := s.AddResource([]byte("same bytes"), "two.jpg")
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "identical content shares one hash")

	r, err := s.GetResource(h1)
	require.NoError(t, err)
	assert.Equal(t, "one.jpg", r.Name, "first name wins")
	assert.Equal(t, []byte("same bytes"), r.Data)
}

func TestAddResourceNameCollisionDisambiguated(t *testing.T) {
	s := setupTestStore(t)

	h1, err := s.AddResource([]byte("content a"), "r1.jpg")
	require.NoError(t, err)
	h2, err := s.AddResource([]byte("content b"), "r1.jpg")
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	r2, err := s.GetResource(h2)
	require.NoError(t, err)
	assert.Equal(t, "r1-1.jpg", r2.Name)
}

func TestGetResourceMissing(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetResource("deadbeef")
	require.Error(t, err)
	assert.True(t, liberr.IsKind(err, liberr.NotFound))
}

func TestSetNotesRejectsUnknownResource(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.SetNotesFor("authors", 1, "doc", []string{"nosuchhash"})
	require.Error(t, err)
	assert.True(t, liberr.IsKind(err, liberr.InvalidInput))
}

func TestSearchNotes(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.SetNotesFor("authors", 1, "<p>wunderbar common</p>", nil)
	require.NoError(t, err)
	_, err = s.SetNotesFor("tags", 1, "<p>common</p>", nil)
	require.NoError(t, err)

	_, err = s.IndexPending(testNamer)
	require.NoError(t, err)

	hits, err := s.SearchNotes("wunderbar", nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "authors", hits[0].Category)
	assert.Equal(t, int64(1), hits[0].ItemID)

	hits, err = s.SearchNotes("common", nil)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = s.SearchNotes("common", []string{"tags"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "tags", hits[0].Category)

	// empty query matches every indexed note
	hits, err = s.SearchNotes("", nil)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// item canonical name is part of the searchable text
	hits, err = s.SearchNotes("authors-1", nil)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestMoveNoteFollowsSurvivingItem(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.SetNotesFor("authors", 1, "src note", nil)
	require.NoError(t, err)
	require.NoError(t, s.MoveNote("authors", 1, 2))

	doc, err := s.NotesFor("authors", 2)
	require.NoError(t, err)
	assert.Equal(t, "src note", doc)
	doc, err = s.NotesFor("authors", 1)
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestMoveNoteRetiresWhenTargetHasNote(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.SetNotesFor("authors", 1, "src", nil)
	require.NoError(t, err)
	_, err = s.SetNotesFor("authors", 2, "dst", nil)
	require.NoError(t, err)
	require.NoError(t, s.MoveNote("authors", 1, 2))

	doc, err := s.NotesFor("authors", 2)
	require.NoError(t, err)
	assert.Equal(t, "dst", doc)

	// the displaced note is recoverable
	_, err = s.UnretireNoteFor("authors", 1)
	require.NoError(t, err)
	doc, err = s.NotesFor("authors", 1)
	require.NoError(t, err)
	assert.Equal(t, "src", doc)
}

func TestCollectUnusedResourcesKeepsRetiredOnes(t *testing.T) {
	s := setupTestStore(t)

	hLive, err := s.AddResource([]byte("live"), "live.png")
	require.NoError(t, err)
	hRetired, err := s.AddResource([]byte("retired"), "retired.png")
	require.NoError(t, err)
	hOrphan, err := s.AddResource([]byte("orphan"), "orphan.png")
	require.NoError(t, err)

	_, err = s.SetNotesFor("authors", 1, "live note", []string{hLive})
	require.NoError(t, err)
	_, err = s.SetNotesFor("authors", 2, "to retire", []string{hRetired})
	require.NoError(t, err)
	_, err = s.SetNotesFor("authors", 2, "", nil)
	require.NoError(t, err)

	removed, err := s.CollectUnusedResources()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetResource(hLive)
	assert.NoError(t, err)
	_, err = s.GetResource(hRetired)
	assert.NoError(t, err, "retired notes keep their resources")
	_, err = s.GetResource(hOrphan)
	assert.True(t, liberr.IsKind(err, liberr.NotFound))
}

func TestImportExportRoundTrip(t *testing.T) {
	s := setupTestStore(t)

	srcDir := t.TempDir()
	img := []byte("fake image bytes")
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "pic.jpg"), img, 0644))
	htmlIn := `<html><body><p>hello note</p><img src="pic.jpg"></body></html>`
	inPath := filepath.Join(srcDir, "note.html")
	require.NoError(t, os.WriteFile(inPath, []byte(htmlIn), 0644))

	id, err := s.ImportNote("authors", 5, inPath)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	used, err := s.ResourcesUsedBy("authors", 5)
	require.NoError(t, err)
	require.Len(t, used, 1)
	assert.Equal(t, ResourceHash(img), used[0])

	outDir := t.TempDir()
	outPath, err := s.ExportNote("authors", 5, outDir)
	require.NoError(t, err)

	exported, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(exported), "hello note")
	assert.Contains(t, string(exported), `src="pic.jpg"`)
	assert.Contains(t, string(exported), `data-filename="pic.jpg"`)

	sibling, err := os.ReadFile(filepath.Join(outDir, "pic.jpg"))
	require.NoError(t, err)
	assert.Equal(t, img, sibling)
}

func TestImportNoteRefusesEscapingPaths(t *testing.T) {
	s := setupTestStore(t)

	srcDir := t.TempDir()
	htmlIn := `<img src="../outside.jpg">`
	inPath := filepath.Join(srcDir, "note.html")
	require.NoError(t, os.WriteFile(inPath, []byte(htmlIn), 0644))

	_, err := s.ImportNote("authors", 1, inPath)
	require.Error(t, err)
	assert.True(t, liberr.IsKind(err, liberr.InvalidInput))
}

func TestStripText(t *testing.T) {
	assert.Equal(t, "hello world", StripText("<p>hello</p> <b>world</b>"))
	assert.Equal(t, "visible", StripText("<style>p{}</style><script>x()</script>visible"))
}

func TestReindexAll(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.SetNotesFor("authors", 1, "one", nil)
	require.NoError(t, err)
	n, err := s.IndexPending(testNamer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.ReindexAll())
	pending, err := s.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}
