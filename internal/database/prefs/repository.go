// Package prefs stores library-wide preferences as JSON values
// addressed by dotted keys.
package prefs

import (
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/kovidgoyal/calibre-sub022/internal/entities"
)

// Reserved preference keys consumed by the core itself.
const (
	KeyGroupedSearchTerms    = "grouped_search_terms"
	KeyNumericCollation      = "numeric_collation"
	KeyLimitSearchColumns    = "limit_search_columns"
	KeyLimitSearchColumnsTo  = "limit_search_columns_to"
	KeyLocaleForSorting      = "locale_for_sorting"
	KeyPlugboards            = "plugboards"
	KeyUserTemplateFunctions = "user_template_functions"
	KeySaveTemplate          = "save_template"
	KeyLibraryChangeStamp    = "library_change_stamp"
)

// Repository handles preference rows. Methods take the gorm handle
// explicitly so they compose inside write transactions.
type Repository struct{}

func NewRepository() *Repository { return &Repository{} }

// Get unmarshals the value stored under key into out. Returns false
// when the key is unset (out is left untouched).
func (r *Repository) Get(db *gorm.DB, key string, out any) (bool, error) {
	var row entities.Preference
	err := db.Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(row.Val), out); err != nil {
		return false, err
	}
	return true, nil
}

// Set stores val under key, JSON-encoded.
func (r *Repository) Set(db *gorm.DB, key string, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	var row entities.Preference
	err = db.Where("key = ?", key).Take(&row).Error
	if err == nil {
		row.Val = string(raw)
		return db.Save(&row).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return db.Create(&entities.Preference{Key: key, Val: string(raw)}).Error
}

// Delete removes a preference.
func (r *Repository) Delete(db *gorm.DB, key string) error {
	return db.Where("key = ?", key).Delete(&entities.Preference{}).Error
}

// All returns every stored preference key -> raw JSON value.
func (r *Repository) All(db *gorm.DB) (map[string]string, error) {
	var rows []entities.Preference
	if err := db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Val
	}
	return out, nil
}
