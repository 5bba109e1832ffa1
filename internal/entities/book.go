package entities

import (
	"time"
)

// Book is the main library row. Multi-valued metadata (authors, tags,
// series, publishers, languages, custom terms) lives in term tables
// linked through books_<category>_link; see internal/database/terms.
type Book struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	UUID         string    `gorm:"uniqueIndex;size:36" json:"uuid"`
	Title        string    `gorm:"index;size:512" json:"title"`
	Sort         string    `gorm:"index;size:512" json:"sort"` // title sort key
	AuthorSort   string    `gorm:"index;size:512" json:"author_sort"`
	Timestamp    time.Time `json:"timestamp"` // when the book was added
	Pubdate      time.Time `json:"pubdate"`
	LastModified time.Time `json:"last_modified"`
	SeriesIndex  float64   `gorm:"default:1.0" json:"series_index"`
	Rating       int       `json:"rating"` // 0-10, 0 means unrated
	ISBN         string    `gorm:"index;size:20" json:"isbn,omitempty"`
	Path         string    `gorm:"size:1024" json:"path"` // folder relative to library root
	HasCover     bool      `gorm:"default:false" json:"has_cover"`
}

func (Book) TableName() string { return "books" }

// Format is one stored representation of a book, backed by a file
// inside the book's folder. Format tag is the uppercased extension,
// unique per book.
type Format struct {
	ID               int64     `gorm:"primaryKey" json:"id"`
	Book             int64     `gorm:"index;uniqueIndex:idx_book_format" json:"book"`
	Format           string    `gorm:"size:16;uniqueIndex:idx_book_format" json:"format"`
	UncompressedSize int64     `json:"uncompressed_size"`
	Name             string    `gorm:"size:1024" json:"name"` // filename stem, no extension
	Mtime            time.Time `json:"mtime"`
}

func (Format) TableName() string { return "data" }

// Comment holds the long-text comments field, one row per book.
type Comment struct {
	ID   int64  `gorm:"primaryKey" json:"id"`
	Book int64  `gorm:"uniqueIndex" json:"book"`
	Text string `gorm:"type:text" json:"text"`
}

func (Comment) TableName() string { return "comments" }

// Identifier maps an external scheme (isbn, doi, asin, ...) to a value.
type Identifier struct {
	ID   int64  `gorm:"primaryKey" json:"id"`
	Book int64  `gorm:"index;uniqueIndex:idx_book_type" json:"book"`
	Type string `gorm:"size:64;uniqueIndex:idx_book_type" json:"type"`
	Val  string `gorm:"size:512" json:"val"`
}

func (Identifier) TableName() string { return "identifiers" }

// ConversionOption stores opaque per-(book, format) conversion settings
// for external converter collaborators.
type ConversionOption struct {
	ID     int64  `gorm:"primaryKey" json:"id"`
	Book   int64  `gorm:"index;uniqueIndex:idx_book_fmt" json:"book"`
	Format string `gorm:"size:16;uniqueIndex:idx_book_fmt" json:"format"`
	Data   []byte `json:"-"`
}

func (ConversionOption) TableName() string { return "conversion_options" }

// Preference is a library-wide key -> JSON value.
type Preference struct {
	ID  int64  `gorm:"primaryKey" json:"id"`
	Key string `gorm:"uniqueIndex;size:256;column:key" json:"key"`
	Val string `gorm:"type:text" json:"val"` // JSON-encoded
}

func (Preference) TableName() string { return "preferences" }

// CustomColumn registers a user-defined column. Label is the key
// without the leading '#'. Display is a JSON blob of display hints.
type CustomColumn struct {
	ID         int64  `gorm:"primaryKey" json:"id"`
	Label      string `gorm:"uniqueIndex;size:64" json:"label"`
	Name       string `gorm:"size:256" json:"name"`
	Datatype   string `gorm:"size:16" json:"datatype"`
	IsMultiple bool   `json:"is_multiple"`
	Editable   bool   `gorm:"default:true" json:"editable"`
	Display    string `gorm:"type:text" json:"display"`
}

func (CustomColumn) TableName() string { return "custom_columns" }

// CustomScalar stores scalar custom values (int, float, date, rating,
// yesno, single text, long text) as JSON, one row per (column, book).
// Multi-valued customs use per-column term tables instead.
type CustomScalar struct {
	ID     int64  `gorm:"primaryKey" json:"id"`
	Column int64  `gorm:"index;uniqueIndex:idx_col_book" json:"column"`
	Book   int64  `gorm:"index;uniqueIndex:idx_col_book" json:"book"`
	Val    string `gorm:"type:text" json:"val"` // JSON-encoded
}

func (CustomScalar) TableName() string { return "custom_scalars" }

// TermRow is the uniform row shape of every term table (authors, tags,
// series, publishers, languages, custom term tables). Queried with
// gorm's Table(), never AutoMigrated; the tables are created by the
// SQL migrations.
type TermRow struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Sort string `json:"sort"`
	Link string `json:"link"` // optional external URL
}

// LinkRow is the uniform row shape of every books_<category>_link
// table. Ord preserves list order (author order matters); Extra
// carries the series position for series-like categories.
type LinkRow struct {
	ID    int64   `json:"id"`
	Book  int64   `json:"book"`
	Term  int64   `json:"term"`
	Ord   int     `json:"ord"`
	Extra float64 `json:"extra"`
}
