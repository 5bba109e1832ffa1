package notes

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

// Resource is one content-addressed binary blob attached to notes.
type Resource struct {
	Hash  string
	Name  string
	Data  []byte
	Mtime time.Time
}

// ResourceHash computes the content address of a blob.
func ResourceHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AddResource stores a blob under its content hash and returns the
// hash. Re-adding identical content is a no-op. A name collision with
// different content gets a disambiguated name like "pic-1.jpg".
func (s *Store) AddResource(data []byte, name string) (string, error) {
	const op = "notes.add_notes_resource"
	if len(data) == 0 {
		return "", liberr.New(liberr.InvalidInput, op, "empty resource")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "unnamed"
	}
	hash := ResourceHash(data)

	var storedName string
	err := s.db.QueryRow(`SELECT name FROM resources WHERE hash = ?`, hash).Scan(&storedName)
	if err == nil {
		return hash, nil // same content already stored
	}
	if err != sql.ErrNoRows {
		return "", liberr.Wrap(liberr.IO, op, err)
	}

	finalName, err := s.disambiguateName(name)
	if err != nil {
		return "", err
	}
	if err := s.writeResourceFile(hash, data); err != nil {
		return "", err
	}
	if _, err := s.db.Exec(`INSERT INTO resources (hash, name) VALUES (?, ?)`, hash, finalName); err != nil {
		os.Remove(s.resourcePath(hash))
		return "", liberr.Wrap(liberr.IO, op, err)
	}
	return hash, nil
}

// disambiguateName finds an unused resource name, appending -1, -2,
// ... before the extension until one is free.
func (s *Store) disambiguateName(name string) (string, error) {
	const op = "notes.add_notes_resource"
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	candidate := name
	for n := 1; ; n++ {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM resources WHERE name = ?`, candidate).Scan(&count); err != nil {
			return "", liberr.Wrap(liberr.IO, op, err)
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
	}
}

func (s *Store) writeResourceFile(hash string, data []byte) error {
	const op = "notes.add_notes_resource"
	dir := filepath.Join(s.dir, resourcesDir)
	tmp, err := os.CreateTemp(dir, "tmpres")
	if err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return liberr.Wrap(liberr.IO, op, err)
	}
	if err := tmp.Close(); err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}
	if err := os.Rename(tmpName, s.resourcePath(hash)); err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}
	return nil
}

// GetResource loads a resource by hash.
func (s *Store) GetResource(hash string) (*Resource, error) {
	const op = "notes.get_notes_resource"
	r := &Resource{Hash: hash}
	err := s.db.QueryRow(`SELECT name FROM resources WHERE hash = ?`, hash).Scan(&r.Name)
	if err == sql.ErrNoRows {
		return nil, liberr.New(liberr.NotFound, op, "no resource %q", hash)
	}
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}
	path := s.resourcePath(hash)
	r.Data, err = os.ReadFile(path)
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}
	if st, err := os.Stat(path); err == nil {
		r.Mtime = st.ModTime()
	}
	return r, nil
}

// ResourcesUsedBy returns the hashes linked to the live note of the
// pair, empty when there is no note.
func (s *Store) ResourcesUsedBy(category string, itemID int64) ([]string, error) {
	const op = "notes.resources_used_by"
	rows, err := s.db.Query(`
		SELECT l.hash FROM notes_resources_link l
		JOIN notes n ON n.id = l.note
		WHERE n.item = ? AND n.colname = ?
		ORDER BY l.hash`, itemID, category)
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, liberr.Wrap(liberr.IO, op, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CollectUnusedResources removes resources referenced by no live note
// and by no retired note, deleting both the row and the file on disk.
// Returns the number of resources removed.
func (s *Store) CollectUnusedResources() (int, error) {
	const op = "notes.collect_unused_resources"
	rows, err := s.db.Query(`
		SELECT hash FROM resources
		WHERE hash NOT IN (SELECT DISTINCT hash FROM notes_resources_link)`)
	if err != nil {
		return 0, liberr.Wrap(liberr.IO, op, err)
	}
	var candidates []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return 0, liberr.Wrap(liberr.IO, op, err)
		}
		candidates = append(candidates, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, liberr.Wrap(liberr.IO, op, err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	// Retired notes still own their resources; a later unretire must
	// find them intact.
	held, err := s.retiredResourceHashes()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, h := range candidates {
		if _, ok := held[h]; ok {
			continue
		}
		if _, err := s.db.Exec(`DELETE FROM resources WHERE hash = ?`, h); err != nil {
			return removed, liberr.Wrap(liberr.IO, op, err)
		}
		if err := os.Remove(s.resourcePath(h)); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("hash", h).Warn("cannot remove resource file")
		}
		removed++
	}
	if removed > 0 {
		s.log.WithField("count", removed).Info("collected unused note resources")
	}
	return removed, nil
}

func (s *Store) retiredResourceHashes() (map[string]struct{}, error) {
	const op = "notes.collect_unused_resources"
	rows, err := s.db.Query(`SELECT blob FROM retired_notes`)
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}
	defer rows.Close()
	held := make(map[string]struct{})
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, liberr.Wrap(liberr.IO, op, err)
		}
		rd, err := decompressRetired(blob)
		if err != nil {
			s.log.WithError(err).Warn("skipping unreadable retired note blob")
			continue
		}
		for _, h := range rd.ResourceHashes {
			held[h] = struct{}{}
		}
	}
	return held, rows.Err()
}
