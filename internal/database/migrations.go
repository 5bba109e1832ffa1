package database

import "fmt"

// TermTables names the pair of tables backing one term category.
type TermTables struct {
	Table string // term rows: id, name, sort, link
	Link  string // book links: id, book, term, ord, extra
}

// builtinCategories maps the built-in term categories to their tables.
var builtinCategories = map[string]TermTables{
	"authors":    {Table: "authors", Link: "books_authors_link"},
	"tags":       {Table: "tags", Link: "books_tags_link"},
	"series":     {Table: "series", Link: "books_series_link"},
	"publishers": {Table: "publishers", Link: "books_publishers_link"},
	"languages":  {Table: "languages", Link: "books_languages_link"},
}

// BuiltinTermTables returns the tables for a built-in category.
func BuiltinTermTables(category string) (TermTables, bool) {
	tt, ok := builtinCategories[category]
	return tt, ok
}

// CustomTermTables returns the tables for a multi-valued custom column.
func CustomTermTables(columnID int64) TermTables {
	return TermTables{
		Table: fmt.Sprintf("custom_column_%d", columnID),
		Link:  fmt.Sprintf("books_custom_column_%d_link", columnID),
	}
}

func termTableSQL(tt TermTables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL COLLATE NOCASE,
			sort TEXT NOT NULL DEFAULT '',
			link TEXT NOT NULL DEFAULT '',
			UNIQUE(name)
		)`, tt.Table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			book INTEGER NOT NULL,
			term INTEGER NOT NULL,
			ord INTEGER NOT NULL DEFAULT 0,
			extra REAL NOT NULL DEFAULT 0,
			UNIQUE(book, term),
			FOREIGN KEY(book) REFERENCES books(id) ON DELETE CASCADE,
			FOREIGN KEY(term) REFERENCES %s(id) ON DELETE CASCADE
		)`, tt.Link, tt.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_book ON %s(book)`, tt.Link, tt.Link),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_term ON %s(term)`, tt.Link, tt.Link),
	}
}

// migrations are forward-only and idempotent; each entry is a list of
// statements applied in one transaction. The applied count is tracked
// in PRAGMA user_version.
var migrations = [][]string{
	migrationTermTables(),
}

func migrationTermTables() []string {
	var stmts []string
	// Deterministic order so the migration is reproducible.
	for _, cat := range []string{"authors", "tags", "series", "publishers", "languages"} {
		stmts = append(stmts, termTableSQL(builtinCategories[cat])...)
	}
	return stmts
}
