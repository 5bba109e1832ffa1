package layout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeComponent(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello", "Hello"},
		{"Alice, B.", "Alice, B"},
		{"a/b\\c:d", "abcd"},
		{`what?*<>|"`, "what"},
		{"  padded  ", "padded"},
		{"dots...", "dots"},
		{"tab\there", "tabhere"},
		{"", "_"},
		{"...", "_"},
		{"con", "_con"},
		{"LPT1.txt", "_LPT1.txt"},
		{"console", "console"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SanitizeComponent(tc.in), "input %q", tc.in)
	}
}

func TestBookPathKeepsIDThroughTruncation(t *testing.T) {
	l := New(t.TempDir(), 40, 4000, nil)
	rel := l.BookPath("Author", strings.Repeat("Long Title ", 20), 123456)

	_, leaf, ok := strings.Cut(rel, "/")
	require.True(t, ok)
	assert.LessOrEqual(t, len(leaf), 40)
	assert.True(t, strings.HasSuffix(leaf, " (123456)"), "leaf %q lost its id", leaf)
}

func TestBookPathShape(t *testing.T) {
	l := New(t.TempDir(), 240, 4000, nil)
	assert.Equal(t, "Alice, B/Hello (1)", l.BookPath("Alice, B.", "Hello", 1))
	assert.Equal(t, "_/Untitled (7)", l.BookPath("", "Untitled", 7))
}

func TestFormatFilename(t *testing.T) {
	l := New(t.TempDir(), 240, 4000, nil)
	assert.Equal(t, "Hello - Alice, B.epub", l.FormatFilename("Hello", "Alice, B.", "EPUB"))
}

func TestEnsureBookDirDisambiguatesCollisions(t *testing.T) {
	root := t.TempDir()
	l := New(root, 240, 4000, nil)

	first, err := l.EnsureBookDir("Author/Title (1)", 1)
	require.NoError(t, err)
	assert.Equal(t, "Author/Title (1)", first)

	second, err := l.EnsureBookDir("Author/Title (1)", 1)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasSuffix(second, " (1)"), "disambiguated %q lost its id", second)
	require.DirExists(t, l.Abs(second))
}

func TestMoveBookDirAndPrune(t *testing.T) {
	root := t.TempDir()
	l := New(root, 240, 4000, nil)

	rel, err := l.EnsureBookDir("Old Author/Book (3)", 3)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(l.Abs(rel), "book.epub"), []byte("x"), 0644))

	moved, err := l.MoveBookDir(rel, "New Author/Book (3)", 3)
	require.NoError(t, err)
	assert.Equal(t, "New Author/Book (3)", moved)
	assert.FileExists(t, filepath.Join(l.Abs(moved), "book.epub"))

	// the now-empty old author dir is pruned
	_, statErr := os.Stat(filepath.Join(root, "Old Author"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestScanFindsBookFolders(t *testing.T) {
	root := t.TempDir()
	l := New(root, 240, 4000, nil)

	_, err := l.EnsureBookDir("Author A/First (1)", 1)
	require.NoError(t, err)
	_, err = l.EnsureBookDir("Author B/Second (2)", 2)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".caches", "junk"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Author A", "not a book"), 0755))

	found, err := l.Scan()
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{
		1: "Author A/First (1)",
		2: "Author B/Second (2)",
	}, found)
}

func TestCleanTempFiles(t *testing.T) {
	root := t.TempDir()
	l := New(root, 240, 4000, nil)

	rel, err := l.EnsureBookDir("Author/Book (1)", 1)
	require.NoError(t, err)
	abs := l.Abs(rel)
	require.NoError(t, os.WriteFile(filepath.Join(abs, "tmpopf123"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(abs, "book.epub"), []byte("x"), 0644))

	l.CleanTempFiles(rel)

	assert.NoFileExists(t, filepath.Join(abs, "tmpopf123"))
	assert.FileExists(t, filepath.Join(abs, "book.epub"))
}
