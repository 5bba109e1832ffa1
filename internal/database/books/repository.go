// Package books provides database operations for book rows, their
// formats, comments, identifiers and conversion options.
package books

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/kovidgoyal/calibre-sub022/internal/entities"
	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

// Repository handles book-row database operations. Methods take the
// gorm handle explicitly so they compose inside write transactions.
type Repository struct{}

func NewRepository() *Repository { return &Repository{} }

// Create inserts a new book row. Ids are assigned by the database and
// are never reused within the library's lifetime (sqlite rowid
// monotonicity on the books table).
func (r *Repository) Create(db *gorm.DB, book *entities.Book) error {
	return db.Create(book).Error
}

// ByID fetches a book row.
func (r *Repository) ByID(db *gorm.DB, id int64) (*entities.Book, error) {
	var book entities.Book
	err := db.Take(&book, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, liberr.New(liberr.NotFound, "books.by_id", "no book %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// All returns every book row ordered by id.
func (r *Repository) All(db *gorm.DB) ([]entities.Book, error) {
	var books []entities.Book
	err := db.Order("id").Find(&books).Error
	return books, err
}

// UpdateFields applies a partial update and bumps last_modified.
func (r *Repository) UpdateFields(db *gorm.DB, id int64, fields map[string]any) error {
	fields["last_modified"] = time.Now().UTC()
	res := db.Model(&entities.Book{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return liberr.New(liberr.NotFound, "books.update", "no book %d", id)
	}
	return nil
}

// Delete removes a book row. Link rows cascade via foreign keys;
// formats, comments and identifiers are removed explicitly.
func (r *Repository) Delete(db *gorm.DB, id int64) error {
	for _, model := range []any{
		&entities.Format{}, &entities.Comment{}, &entities.Identifier{},
		&entities.ConversionOption{},
	} {
		if err := db.Where("book = ?", id).Delete(model).Error; err != nil {
			return err
		}
	}
	if err := db.Where("book = ?", id).Delete(&entities.CustomScalar{}).Error; err != nil {
		return err
	}
	res := db.Delete(&entities.Book{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return liberr.New(liberr.NotFound, "books.delete", "no book %d", id)
	}
	return nil
}

// UpsertFormat records a format file for a book, replacing any
// existing entry with the same format tag.
func (r *Repository) UpsertFormat(db *gorm.DB, f *entities.Format) error {
	var existing entities.Format
	err := db.Where("book = ? AND format = ?", f.Book, f.Format).Take(&existing).Error
	if err == nil {
		f.ID = existing.ID
		return db.Save(f).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return db.Create(f).Error
}

// FormatsFor returns the formats of a book.
func (r *Repository) FormatsFor(db *gorm.DB, book int64) ([]entities.Format, error) {
	var formats []entities.Format
	err := db.Where("book = ?", book).Order("format").Find(&formats).Error
	return formats, err
}

// AllFormats returns every format row.
func (r *Repository) AllFormats(db *gorm.DB) ([]entities.Format, error) {
	var formats []entities.Format
	err := db.Order("book, format").Find(&formats).Error
	return formats, err
}

// RemoveFormat drops one format entry.
func (r *Repository) RemoveFormat(db *gorm.DB, book int64, fmtTag string) error {
	res := db.Where("book = ? AND format = ?", book, fmtTag).Delete(&entities.Format{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return liberr.New(liberr.NotFound, "books.remove_format", "book %d has no %s format", book, fmtTag)
	}
	return nil
}

// SetComment stores the comments text for a book (empty text deletes).
func (r *Repository) SetComment(db *gorm.DB, book int64, text string) error {
	if text == "" {
		return db.Where("book = ?", book).Delete(&entities.Comment{}).Error
	}
	var existing entities.Comment
	err := db.Where("book = ?", book).Take(&existing).Error
	if err == nil {
		existing.Text = text
		return db.Save(&existing).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return db.Create(&entities.Comment{Book: book, Text: text}).Error
}

// CommentFor returns the comments text, "" if none.
func (r *Repository) CommentFor(db *gorm.DB, book int64) (string, error) {
	var c entities.Comment
	err := db.Where("book = ?", book).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.Text, nil
}

// AllComments returns every comment row.
func (r *Repository) AllComments(db *gorm.DB) ([]entities.Comment, error) {
	var cs []entities.Comment
	err := db.Find(&cs).Error
	return cs, err
}

// SetIdentifiers replaces the identifier map of a book.
func (r *Repository) SetIdentifiers(db *gorm.DB, book int64, ids map[string]string) error {
	if err := db.Where("book = ?", book).Delete(&entities.Identifier{}).Error; err != nil {
		return err
	}
	for typ, val := range ids {
		if val == "" {
			continue
		}
		row := entities.Identifier{Book: book, Type: typ, Val: val}
		if err := db.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// IdentifiersFor returns the identifier map of a book.
func (r *Repository) IdentifiersFor(db *gorm.DB, book int64) (map[string]string, error) {
	var rows []entities.Identifier
	if err := db.Where("book = ?", book).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Type] = row.Val
	}
	return out, nil
}

// AllIdentifiers returns every identifier row.
func (r *Repository) AllIdentifiers(db *gorm.DB) ([]entities.Identifier, error) {
	var rows []entities.Identifier
	err := db.Find(&rows).Error
	return rows, err
}

// SetConversionOptions stores opaque converter settings.
func (r *Repository) SetConversionOptions(db *gorm.DB, book int64, fmtTag string, data []byte) error {
	var existing entities.ConversionOption
	err := db.Where("book = ? AND format = ?", book, fmtTag).Take(&existing).Error
	if err == nil {
		existing.Data = data
		return db.Save(&existing).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return db.Create(&entities.ConversionOption{Book: book, Format: fmtTag, Data: data}).Error
}

// ConversionOptionsFor fetches stored converter settings, nil if none.
func (r *Repository) ConversionOptionsFor(db *gorm.DB, book int64, fmtTag string) ([]byte, error) {
	var row entities.ConversionOption
	err := db.Where("book = ? AND format = ?", book, fmtTag).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Data, nil
}

// SetCustomScalar stores a scalar custom value as JSON. Empty val
// deletes the row.
func (r *Repository) SetCustomScalar(db *gorm.DB, column, book int64, val string) error {
	if val == "" || val == "null" {
		return db.Where("`column` = ? AND book = ?", column, book).Delete(&entities.CustomScalar{}).Error
	}
	var existing entities.CustomScalar
	err := db.Where("`column` = ? AND book = ?", column, book).Take(&existing).Error
	if err == nil {
		existing.Val = val
		return db.Save(&existing).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return db.Create(&entities.CustomScalar{Column: column, Book: book, Val: val}).Error
}

// CustomScalarsFor returns column id -> JSON value for a book.
func (r *Repository) CustomScalarsFor(db *gorm.DB, book int64) (map[int64]string, error) {
	var rows []entities.CustomScalar
	if err := db.Where("book = ?", book).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(rows))
	for _, row := range rows {
		out[row.Column] = row.Val
	}
	return out, nil
}

// AllCustomScalars returns every stored scalar custom value.
func (r *Repository) AllCustomScalars(db *gorm.DB) ([]entities.CustomScalar, error) {
	var rows []entities.CustomScalar
	err := db.Find(&rows).Error
	return rows, err
}
