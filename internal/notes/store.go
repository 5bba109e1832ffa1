// Package notes is the side-channel notes subsystem: per-item rich
// text documents with content-addressed binary resources, a retirement
// area for deleted notes, and a full-text index over the searchable
// text. It lives in its own SQLite database under the library root so
// the main metadata database stays small.
package notes

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

const (
	dbFileName      = "notes.db"
	resourcesDir    = "resources"
	defaultRetained = 256
)

// Store owns the notes database and its resource files.
type Store struct {
	db         *sql.DB
	dir        string
	maxRetired int
	log        *logrus.Logger
}

// Open creates or opens the notes store rooted at dir. maxRetired
// bounds the retirement area; zero means the default.
func Open(dir string, maxRetired int, log *logrus.Logger) (*Store, error) {
	const op = "notes.open"
	if log == nil {
		log = logrus.New()
	}
	if maxRetired <= 0 {
		maxRetired = defaultRetained
	}
	if err := os.MkdirAll(filepath.Join(dir, resourcesDir), 0755); err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}

	path := filepath.Join(dir, dbFileName)
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_busy_timeout=5000&_fk=true")
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, liberr.Wrap(liberr.Integrity, op, err)
	}
	// Index any rows inserted before the FTS table existed.
	if _, err := db.Exec(`INSERT INTO notes_fts(notes_fts) VALUES('rebuild')`); err != nil {
		db.Close()
		return nil, liberr.Wrap(liberr.Integrity, op, err)
	}

	return &Store{db: db, dir: dir, maxRetired: maxRetired, log: log}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) resourcePath(hash string) string {
	return filepath.Join(s.dir, resourcesDir, hash)
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return liberr.Wrap(liberr.IO, "notes.tx", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
