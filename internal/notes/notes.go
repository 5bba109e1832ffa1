package notes

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

// Note is the full record for one (category, item) pair.
type Note struct {
	ID             int64
	Category       string
	ItemID         int64
	Doc            string
	SearchableText string
	Ctime          time.Time
	Mtime          time.Time
	ResourceHashes []string
}

// retiredDoc is the serialized form of a note in the retirement area,
// xz-compressed so large documents stay cheap to keep around.
type retiredDoc struct {
	Doc            string   `json:"doc"`
	SearchableText string   `json:"searchable_text"`
	Ctime          int64    `json:"ctime"`
	ResourceHashes []string `json:"resource_hashes"`
}

// SetNotesFor creates or replaces the note for (category, itemID). An
// empty doc retires an existing note and returns -1. A non-empty doc
// also clears any retired entry for the pair so no shadow state
// survives.
func (s *Store) SetNotesFor(category string, itemID int64, doc string, resourceHashes []string) (int64, error) {
	const op = "notes.set_notes_for"
	var noteID int64 = -1
	err := s.inTx(func(tx *sql.Tx) error {
		if strings.TrimSpace(doc) == "" {
			return s.retireInTx(tx, category, itemID)
		}
		now := time.Now().Unix()
		if _, err := tx.Exec(`
			INSERT INTO notes (item, colname, doc, searchable_text, ctime, mtime)
			VALUES (?, ?, ?, '', ?, ?)
			ON CONFLICT(item, colname) DO UPDATE SET doc = excluded.doc, mtime = excluded.mtime`,
			itemID, category, doc, now, now); err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		if err := tx.QueryRow(`SELECT id FROM notes WHERE item = ? AND colname = ?`,
			itemID, category).Scan(&noteID); err != nil {
			return liberr.Wrap(liberr.Integrity, op, err)
		}

		if _, err := tx.Exec(`DELETE FROM notes_resources_link WHERE note = ?`, noteID); err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		for _, h := range resourceHashes {
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM resources WHERE hash = ?`, h).Scan(&exists); err != nil {
				return liberr.Wrap(liberr.IO, op, err)
			}
			if exists == 0 {
				return liberr.New(liberr.InvalidInput, op, "unknown resource hash %q", h)
			}
			if _, err := tx.Exec(`INSERT OR IGNORE INTO notes_resources_link (note, hash) VALUES (?, ?)`,
				noteID, h); err != nil {
				return liberr.Wrap(liberr.IO, op, err)
			}
		}

		if _, err := tx.Exec(`INSERT OR IGNORE INTO pending_notes (note) VALUES (?)`, noteID); err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		// Overwriting a live note supersedes any retired predecessor.
		if _, err := tx.Exec(`DELETE FROM retired_notes WHERE item = ? AND colname = ?`,
			itemID, category); err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		return nil
	})
	return noteID, err
}

// retireInTx moves a live note into the retirement area and deletes
// it. No-op when the pair has no note.
func (s *Store) retireInTx(tx *sql.Tx, category string, itemID int64) error {
	const op = "notes.retire"
	var (
		noteID int64
		doc    string
		search string
		ctime  int64
	)
	err := tx.QueryRow(`SELECT id, doc, searchable_text, ctime FROM notes WHERE item = ? AND colname = ?`,
		itemID, category).Scan(&noteID, &doc, &search, &ctime)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}

	hashes, err := resourceHashesInTx(tx, noteID)
	if err != nil {
		return err
	}
	blob, err := compressRetired(&retiredDoc{
		Doc:            doc,
		SearchableText: search,
		Ctime:          ctime,
		ResourceHashes: hashes,
	})
	if err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}

	if _, err := tx.Exec(`INSERT INTO retired_notes (item, colname, blob, retired_at) VALUES (?, ?, ?, ?)`,
		itemID, category, blob, time.Now().Unix()); err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}
	// Bound the retirement area, oldest entries first.
	if _, err := tx.Exec(`
		DELETE FROM retired_notes WHERE id NOT IN (
			SELECT id FROM retired_notes ORDER BY retired_at DESC, id DESC LIMIT ?
		)`, s.maxRetired); err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}
	if _, err := tx.Exec(`DELETE FROM notes WHERE id = ?`, noteID); err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}
	return nil
}

// RetireNoteFor retires the note of (category, itemID), if any. Used
// when the item itself goes away, a term losing its last book.
func (s *Store) RetireNoteFor(category string, itemID int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		return s.retireInTx(tx, category, itemID)
	})
}

// UnretireNoteFor restores the most recently retired note for the
// pair, with its original text and resource links.
func (s *Store) UnretireNoteFor(category string, itemID int64) (int64, error) {
	const op = "notes.unretire_note_for"
	var noteID int64 = -1
	err := s.inTx(func(tx *sql.Tx) error {
		var (
			rowID int64
			blob  []byte
		)
		err := tx.QueryRow(`
			SELECT id, blob FROM retired_notes WHERE item = ? AND colname = ?
			ORDER BY retired_at DESC, id DESC LIMIT 1`,
			itemID, category).Scan(&rowID, &blob)
		if err == sql.ErrNoRows {
			return liberr.New(liberr.NotFound, op, "no retired note for %s/%d", category, itemID)
		}
		if err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		rd, err := decompressRetired(blob)
		if err != nil {
			return liberr.Wrap(liberr.Integrity, op, err)
		}

		now := time.Now().Unix()
		res, err := tx.Exec(`
			INSERT INTO notes (item, colname, doc, searchable_text, ctime, mtime)
			VALUES (?, ?, ?, ?, ?, ?)`,
			itemID, category, rd.Doc, rd.SearchableText, rd.Ctime, now)
		if err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		noteID, err = res.LastInsertId()
		if err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		for _, h := range rd.ResourceHashes {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO notes_resources_link (note, hash) VALUES (?, ?)`,
				noteID, h); err != nil {
				return liberr.Wrap(liberr.IO, op, err)
			}
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO pending_notes (note) VALUES (?)`, noteID); err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		if _, err := tx.Exec(`DELETE FROM retired_notes WHERE id = ?`, rowID); err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		return nil
	})
	return noteID, err
}

// NotesFor returns the document for the pair, empty string when none.
func (s *Store) NotesFor(category string, itemID int64) (string, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM notes WHERE item = ? AND colname = ?`,
		itemID, category).Scan(&doc)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", liberr.Wrap(liberr.IO, "notes.notes_for", err)
	}
	return doc, nil
}

// NotesDataFor returns the full record including timestamps and
// resource hashes.
func (s *Store) NotesDataFor(category string, itemID int64) (*Note, error) {
	const op = "notes.notes_data_for"
	n := &Note{Category: category, ItemID: itemID}
	var ctime, mtime int64
	err := s.db.QueryRow(`
		SELECT id, doc, searchable_text, ctime, mtime FROM notes WHERE item = ? AND colname = ?`,
		itemID, category).Scan(&n.ID, &n.Doc, &n.SearchableText, &ctime, &mtime)
	if err == sql.ErrNoRows {
		return nil, liberr.New(liberr.NotFound, op, "no note for %s/%d", category, itemID)
	}
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}
	n.Ctime = time.Unix(ctime, 0)
	n.Mtime = time.Unix(mtime, 0)

	rows, err := s.db.Query(`SELECT hash FROM notes_resources_link WHERE note = ? ORDER BY hash`, n.ID)
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, liberr.Wrap(liberr.IO, op, err)
		}
		n.ResourceHashes = append(n.ResourceHashes, h)
	}
	return n, rows.Err()
}

// MoveNote migrates a note between item ids within a category. Used
// by term merges: the note follows the surviving id; when that id
// already carries a note, the source note is retired instead.
func (s *Store) MoveNote(category string, srcID, dstID int64) error {
	const op = "notes.move_note"
	return s.inTx(func(tx *sql.Tx) error {
		var srcNote int64
		err := tx.QueryRow(`SELECT id FROM notes WHERE item = ? AND colname = ?`,
			srcID, category).Scan(&srcNote)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		var dstCount int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM notes WHERE item = ? AND colname = ?`,
			dstID, category).Scan(&dstCount); err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		if dstCount > 0 {
			return s.retireInTx(tx, category, srcID)
		}
		if _, err := tx.Exec(`UPDATE notes SET item = ?, mtime = ? WHERE id = ?`,
			dstID, time.Now().Unix(), srcNote); err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		// The canonical name changed, so the searchable text must be
		// recomputed.
		if _, err := tx.Exec(`INSERT OR IGNORE INTO pending_notes (note) VALUES (?)`, srcNote); err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		return nil
	})
}

// SearchResult is one hit of a full-text notes search.
type SearchResult struct {
	Category string
	ItemID   int64
	NoteID   int64
	Text     string
}

// SearchNotes runs a full-text query over the searchable text. An
// empty query returns every indexed note. restrictToFields limits the
// hits to the named categories.
func (s *Store) SearchNotes(query string, restrictToFields []string) ([]SearchResult, error) {
	const op = "notes.search_notes"
	var (
		sb   strings.Builder
		args []any
	)
	query = strings.TrimSpace(query)
	if query == "" {
		sb.WriteString(`SELECT id, colname, item, searchable_text FROM notes WHERE searchable_text != ''`)
	} else {
		sb.WriteString(`
			SELECT id, colname, item, searchable_text FROM notes
			WHERE id IN (SELECT rowid FROM notes_fts WHERE notes_fts MATCH ?)`)
		args = append(args, ftsEscape(query))
	}
	if len(restrictToFields) > 0 {
		sb.WriteString(` AND colname IN (` + placeholders(len(restrictToFields)) + `)`)
		for _, f := range restrictToFields {
			args = append(args, f)
		}
	}
	sb.WriteString(` ORDER BY colname, item`)

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}
	defer rows.Close()
	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.NoteID, &r.Category, &r.ItemID, &r.Text); err != nil {
			return nil, liberr.Wrap(liberr.IO, op, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ftsEscape wraps each query term in double quotes for FTS5 safety.
func ftsEscape(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func resourceHashesInTx(tx *sql.Tx, noteID int64) ([]string, error) {
	rows, err := tx.Query(`SELECT hash FROM notes_resources_link WHERE note = ? ORDER BY hash`, noteID)
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, "notes.resource_hashes", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, liberr.Wrap(liberr.IO, "notes.resource_hashes", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func compressRetired(rd *retiredDoc) ([]byte, error) {
	raw, err := json.Marshal(rd)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressRetired(blob []byte) (*retiredDoc, error) {
	r, err := xz.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var rd retiredDoc
	if err := json.Unmarshal(raw, &rd); err != nil {
		return nil, err
	}
	return &rd, nil
}
