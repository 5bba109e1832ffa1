// Package database owns the durable relational store: the main
// metadata.db SQLite file, its migrations, and the table-name mapping
// for term categories. Row-level operations live in the per-aggregate
// repositories (books, terms, prefs).
package database

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kovidgoyal/calibre-sub022/internal/entities"
	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

type Database struct {
	DB   *gorm.DB
	path string
	log  *logrus.Logger
}

// Open opens (or creates) the library database at path and brings the
// schema up to date.
func Open(path string, log *logrus.Logger) (*Database, error) {
	if log == nil {
		log = logrus.New()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, "database.open", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if err := db.Exec(p).Error; err != nil {
			return nil, liberr.Wrap(liberr.IO, "database.open", fmt.Errorf("%s: %w", p, err))
		}
	}

	d := &Database{DB: db, path: path, log: log}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	log.WithField("path", path).Debug("library database opened")
	return d, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Database) Path() string { return d.path }

// Transaction runs fn inside a single database transaction. The
// commit flushes to durable storage before Transaction returns.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.DB.Transaction(fn)
}

func (d *Database) migrate() error {
	// Row-mapped tables first, then the raw SQL steps for term and
	// link tables, tracked in user_version.
	err := d.DB.AutoMigrate(
		&entities.Book{},
		&entities.Format{},
		&entities.Comment{},
		&entities.Identifier{},
		&entities.ConversionOption{},
		&entities.Preference{},
		&entities.CustomColumn{},
		&entities.CustomScalar{},
	)
	if err != nil {
		return liberr.Wrap(liberr.IO, "database.migrate", err)
	}

	var version int
	if err := d.DB.Raw("PRAGMA user_version").Scan(&version).Error; err != nil {
		return liberr.Wrap(liberr.IO, "database.migrate", err)
	}
	for i := version; i < len(migrations); i++ {
		err := d.DB.Transaction(func(tx *gorm.DB) error {
			for _, stmt := range migrations[i] {
				if err := tx.Exec(stmt).Error; err != nil {
					return fmt.Errorf("migration %d: %w", i+1, err)
				}
			}
			return nil
		})
		if err != nil {
			return liberr.Wrap(liberr.IO, "database.migrate", err)
		}
		if err := d.DB.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)).Error; err != nil {
			return liberr.Wrap(liberr.IO, "database.migrate", err)
		}
		d.log.WithField("version", i+1).Debug("applied migration")
	}
	return nil
}

// EnsureCustomTables creates the term and link tables for a
// multi-valued custom column. Idempotent.
func (d *Database) EnsureCustomTables(columnID int64) error {
	tt := CustomTermTables(columnID)
	for _, stmt := range termTableSQL(tt) {
		if err := d.DB.Exec(stmt).Error; err != nil {
			return liberr.Wrap(liberr.IO, "database.ensure_custom_tables", err)
		}
	}
	return nil
}
