package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

func setupTestCache(t *testing.T, r Renderer) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), "lib-uuid", r, nil, Options{}, logrus.New())
	require.NoError(t, err)
	return c
}

func writeSource(t *testing.T) (path string, size int64, mtime time.Time) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "book.epub")
	require.NoError(t, os.WriteFile(path, []byte("epub bytes"), 0644))
	st, err := os.Stat(path)
	require.NoError(t, err)
	return path, st.Size(), st.ModTime()
}

func TestFingerprintSensitivity(t *testing.T) {
	mtime := time.Now()
	base := Fingerprint("lib", 1, "EPUB", 100, mtime, 1)

	assert.NotEqual(t, base, Fingerprint("lib", 2, "EPUB", 100, mtime, 1))
	assert.NotEqual(t, base, Fingerprint("lib", 1, "PDF", 100, mtime, 1))
	assert.NotEqual(t, base, Fingerprint("lib", 1, "EPUB", 101, mtime, 1))
	assert.NotEqual(t, base, Fingerprint("lib", 1, "EPUB", 100, mtime.Add(time.Second), 1))
	assert.NotEqual(t, base, Fingerprint("lib", 1, "EPUB", 100, mtime, 2))
	assert.Equal(t, base, Fingerprint("lib", 1, "EPUB", 100, mtime, 1))
}

func TestManifestBuildsThenServes(t *testing.T) {
	c := setupTestCache(t, nil)
	src, size, mtime := writeSource(t)

	// first call dispatches the build; with no queue it runs inline
	m, status, err := c.Manifest(1, "EPUB", src, size, mtime, "")
	require.NoError(t, err)
	assert.Nil(t, m)
	require.NotNil(t, status)
	assert.Equal(t, JobOK, status.State)

	m, status, err = c.Manifest(1, "EPUB", src, size, mtime, "")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Nil(t, status)
	assert.Equal(t, int64(1), m.BookID)
	require.Len(t, m.Files, 1)
	assert.Equal(t, "book.epub", m.Files[0].Name)
	assert.Equal(t, int64(len("epub bytes")), m.Files[0].Size)
}

func TestFileServingAndTraversalRefusal(t *testing.T) {
	c := setupTestCache(t, nil)
	src, size, mtime := writeSource(t)

	_, _, err := c.Manifest(1, "EPUB", src, size, mtime, "")
	require.NoError(t, err)

	path, err := c.File(1, "EPUB", size, mtime, "book.epub")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("epub bytes"), data)

	for _, bad := range []string{"../outside", "../../etc/passwd", "/etc/passwd"} {
		_, err := c.File(1, "EPUB", size, mtime, bad)
		require.Error(t, err, "name %q", bad)
		assert.True(t, liberr.IsKind(err, liberr.InvalidInput), "name %q", bad)
	}

	_, err = c.File(1, "EPUB", size, mtime, "missing.txt")
	assert.True(t, liberr.IsKind(err, liberr.NotFound))
}

type flakyRenderer struct {
	failures int
}

func (r *flakyRenderer) Version() int { return 1 }

func (r *flakyRenderer) Render(ctx context.Context, req BuildRequest, destDir string) ([]ManifestFile, error) {
	if r.failures > 0 {
		r.failures--
		return nil, errors.New("renderer exploded")
	}
	return CopyRenderer{}.Render(ctx, req, destDir)
}

func TestFailureCachedUntilReload(t *testing.T) {
	c := setupTestCache(t, &flakyRenderer{failures: 1})
	src, size, mtime := writeSource(t)

	_, status, err := c.Manifest(1, "EPUB", src, size, mtime, "")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, JobFailed, status.State)
	assert.Contains(t, status.Traceback, "renderer exploded")

	// the failure stays cached; no rebuild happens
	_, status, err = c.Manifest(1, "EPUB", src, size, mtime, "")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, JobFailed, status.State)

	// reload forces a fresh build, which now succeeds
	status, err = c.Reload(1, "EPUB", src, size, mtime, "")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, JobOK, status.State)

	m, _, err := c.Manifest(1, "EPUB", src, size, mtime, "")
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestCleanRemovesAgedArtifacts(t *testing.T) {
	c := setupTestCache(t, nil)
	c.maxAge = time.Hour
	src, size, mtime := writeSource(t)

	_, _, err := c.Manifest(1, "EPUB", src, size, mtime, "")
	require.NoError(t, err)

	fp := Fingerprint("lib-uuid", 1, "EPUB", size, mtime, 1)
	manifestPath := filepath.Join(c.finalDir(fp), manifestName)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(manifestPath, old, old))

	c.Clean()

	_, err = os.Stat(c.finalDir(fp))
	assert.True(t, os.IsNotExist(err))
}

func TestCleanKeepsFreshArtifacts(t *testing.T) {
	c := setupTestCache(t, nil)
	c.maxAge = time.Hour
	src, size, mtime := writeSource(t)

	_, _, err := c.Manifest(1, "EPUB", src, size, mtime, "")
	require.NoError(t, err)

	c.Clean()

	fp := Fingerprint("lib-uuid", 1, "EPUB", size, mtime, 1)
	_, err = os.Stat(filepath.Join(c.finalDir(fp), manifestName))
	assert.NoError(t, err)
}

func TestCoverIncludedInArtifact(t *testing.T) {
	c := setupTestCache(t, nil)
	src, size, mtime := writeSource(t)
	cover := filepath.Join(t.TempDir(), "cover.jpg")
	require.NoError(t, os.WriteFile(cover, []byte("jpg"), 0644))

	_, _, err := c.Manifest(1, "EPUB", src, size, mtime, cover)
	require.NoError(t, err)
	m, _, err := c.Manifest(1, "EPUB", src, size, mtime, cover)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Len(t, m.Files, 2)
	assert.Equal(t, "cover.jpg", m.Files[1].Name)
}
