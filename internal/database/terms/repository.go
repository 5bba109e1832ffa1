// Package terms provides the generic repository over term tables:
// authors, tags, series, publishers, languages and multi-valued
// custom columns all share the same row shape and canonicalization
// rules, so one repository serves them all via explicit table names.
package terms

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/kovidgoyal/calibre-sub022/internal/database"
	"github.com/kovidgoyal/calibre-sub022/internal/entities"
	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

// Repository handles term-table operations. All methods take the
// gorm handle explicitly so they compose inside write transactions.
type Repository struct{}

func NewRepository() *Repository { return &Repository{} }

// Normalize is the canonical comparison form for term names. The
// database enforces NOCASE uniqueness; in-memory indexes use this.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ByID fetches one term row.
func (r *Repository) ByID(db *gorm.DB, tt database.TermTables, id int64) (*entities.TermRow, error) {
	var row entities.TermRow
	err := db.Table(tt.Table).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, liberr.New(liberr.NotFound, "terms.by_id", "no term %d in %s", id, tt.Table)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ByName fetches a term by canonical (case-insensitive) name.
func (r *Repository) ByName(db *gorm.DB, tt database.TermTables, name string) (*entities.TermRow, error) {
	var row entities.TermRow
	err := db.Table(tt.Table).Where("name = ? COLLATE NOCASE", strings.TrimSpace(name)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, liberr.New(liberr.NotFound, "terms.by_name", "no term %q in %s", name, tt.Table)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetOrCreate returns the existing term matching name case-insensitively,
// or inserts a new one with the given sort key.
func (r *Repository) GetOrCreate(db *gorm.DB, tt database.TermTables, name, sortKey string) (*entities.TermRow, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, liberr.New(liberr.InvalidInput, "terms.get_or_create", "empty term name for %s", tt.Table)
	}
	if row, err := r.ByName(db, tt, name); err == nil {
		return row, nil
	} else if !liberr.IsKind(err, liberr.NotFound) {
		return nil, err
	}
	row := entities.TermRow{Name: name, Sort: sortKey}
	if err := db.Table(tt.Table).Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// All returns every term row in the table.
func (r *Repository) All(db *gorm.DB, tt database.TermTables) ([]entities.TermRow, error) {
	var rows []entities.TermRow
	err := db.Table(tt.Table).Order("id").Find(&rows).Error
	return rows, err
}

// AllLinks returns every link row, book order preserved.
func (r *Repository) AllLinks(db *gorm.DB, tt database.TermTables) ([]entities.LinkRow, error) {
	var rows []entities.LinkRow
	err := db.Table(tt.Link).Order("book, ord, id").Find(&rows).Error
	return rows, err
}

// LinksFor returns the ordered term ids linked to a book.
func (r *Repository) LinksFor(db *gorm.DB, tt database.TermTables, book int64) ([]entities.LinkRow, error) {
	var rows []entities.LinkRow
	err := db.Table(tt.Link).Where("book = ?", book).Order("ord, id").Find(&rows).Error
	return rows, err
}

// BooksFor returns the ids of books linked to a term.
func (r *Repository) BooksFor(db *gorm.DB, tt database.TermTables, term int64) ([]int64, error) {
	var ids []int64
	err := db.Table(tt.Link).Where("term = ?", term).Order("book").Pluck("book", &ids).Error
	return ids, err
}

// LinkCount counts the books linked to a term.
func (r *Repository) LinkCount(db *gorm.DB, tt database.TermTables, term int64) (int64, error) {
	var n int64
	err := db.Table(tt.Link).Where("term = ?", term).Count(&n).Error
	return n, err
}

// Link attaches a term to a book at position ord. Re-linking an
// existing pair updates its position and extra value.
func (r *Repository) Link(db *gorm.DB, tt database.TermTables, book, term int64, ord int, extra float64) error {
	var existing entities.LinkRow
	err := db.Table(tt.Link).Where("book = ? AND term = ?", book, term).Take(&existing).Error
	if err == nil {
		return db.Table(tt.Link).Where("id = ?", existing.ID).
			Updates(map[string]any{"ord": ord, "extra": extra}).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	row := entities.LinkRow{Book: book, Term: term, Ord: ord, Extra: extra}
	return db.Table(tt.Link).Create(&row).Error
}

// Unlink removes a book-term link and deletes the term if orphaned.
// Returns whether the term row was deleted.
func (r *Repository) Unlink(db *gorm.DB, tt database.TermTables, book, term int64) (bool, error) {
	if err := db.Table(tt.Link).Where("book = ? AND term = ?", book, term).Delete(&entities.LinkRow{}).Error; err != nil {
		return false, err
	}
	return r.DeleteIfOrphan(db, tt, term)
}

// ClearBook removes every link of a book in this category, deleting
// orphaned terms. Returns the ids of terms that were deleted.
func (r *Repository) ClearBook(db *gorm.DB, tt database.TermTables, book int64) ([]int64, error) {
	links, err := r.LinksFor(db, tt, book)
	if err != nil {
		return nil, err
	}
	if err := db.Table(tt.Link).Where("book = ?", book).Delete(&entities.LinkRow{}).Error; err != nil {
		return nil, err
	}
	var orphaned []int64
	for _, l := range links {
		deleted, err := r.DeleteIfOrphan(db, tt, l.Term)
		if err != nil {
			return nil, err
		}
		if deleted {
			orphaned = append(orphaned, l.Term)
		}
	}
	return orphaned, nil
}

// DeleteIfOrphan drops a term with no remaining book links.
func (r *Repository) DeleteIfOrphan(db *gorm.DB, tt database.TermTables, term int64) (bool, error) {
	n, err := r.LinkCount(db, tt, term)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := db.Table(tt.Table).Where("id = ?", term).Delete(&entities.TermRow{}).Error; err != nil {
		return false, err
	}
	return true, nil
}

// Rename changes a term's canonical name. If another term already
// carries the new name (case-insensitively), the two are merged: all
// links move to the surviving destination term, the source row is
// deleted, and the destination id is returned. Otherwise the term is
// renamed in place and its own id returned.
func (r *Repository) Rename(db *gorm.DB, tt database.TermTables, id int64, newName string) (int64, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return 0, liberr.New(liberr.InvalidInput, "terms.rename", "empty name")
	}
	src, err := r.ByID(db, tt, id)
	if err != nil {
		return 0, err
	}

	dst, err := r.ByName(db, tt, newName)
	if err != nil && !liberr.IsKind(err, liberr.NotFound) {
		return 0, err
	}
	if err == nil && dst.ID != src.ID {
		// Merge: move links that do not already exist on the
		// destination, drop the rest, then drop the source term.
		srcBooks, err := r.BooksFor(db, tt, src.ID)
		if err != nil {
			return 0, err
		}
		for _, book := range srcBooks {
			var existing entities.LinkRow
			lookErr := db.Table(tt.Link).Where("book = ? AND term = ?", book, dst.ID).Take(&existing).Error
			if lookErr == nil {
				continue // destination already linked, union semantics
			}
			if !errors.Is(lookErr, gorm.ErrRecordNotFound) {
				return 0, lookErr
			}
			err = db.Table(tt.Link).Where("book = ? AND term = ?", book, src.ID).
				Update("term", dst.ID).Error
			if err != nil {
				return 0, err
			}
		}
		if err := db.Table(tt.Link).Where("term = ?", src.ID).Delete(&entities.LinkRow{}).Error; err != nil {
			return 0, err
		}
		if err := db.Table(tt.Table).Where("id = ?", src.ID).Delete(&entities.TermRow{}).Error; err != nil {
			return 0, err
		}
		return dst.ID, nil
	}

	// Plain rename (possibly case-only on the same row).
	err = db.Table(tt.Table).Where("id = ?", id).Update("name", newName).Error
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SetLink stores the optional external URL of a term.
func (r *Repository) SetLink(db *gorm.DB, tt database.TermTables, id int64, url string) error {
	res := db.Table(tt.Table).Where("id = ?", id).Update("link", url)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return liberr.New(liberr.NotFound, "terms.set_link", "no term %d in %s", id, tt.Table)
	}
	return nil
}

// SetSort stores a term's sort key.
func (r *Repository) SetSort(db *gorm.DB, tt database.TermTables, id int64, sortKey string) error {
	return db.Table(tt.Table).Where("id = ?", id).Update("sort", sortKey).Error
}
