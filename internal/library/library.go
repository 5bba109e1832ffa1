// Package library is the top-level facade of the storage engine: it
// owns the metadata database, the on-disk folder layout, the notes
// store, the in-memory cache and the library-wide lock, and exposes
// the concurrent read/write API everything else is built on.
package library

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/kovidgoyal/calibre-sub022/internal/config"
	"github.com/kovidgoyal/calibre-sub022/internal/database"
	"github.com/kovidgoyal/calibre-sub022/internal/database/books"
	"github.com/kovidgoyal/calibre-sub022/internal/database/prefs"
	"github.com/kovidgoyal/calibre-sub022/internal/database/terms"
	"github.com/kovidgoyal/calibre-sub022/internal/entities"
	"github.com/kovidgoyal/calibre-sub022/internal/layout"
	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
	"github.com/kovidgoyal/calibre-sub022/internal/notes"
	"github.com/kovidgoyal/calibre-sub022/internal/schema"
	"github.com/kovidgoyal/calibre-sub022/internal/search"
)

const prefLibraryUUID = "library_uuid"

// Library is one opened book library.
type Library struct {
	cfg *config.Config
	log *logrus.Logger

	db     *database.Database
	layout *layout.Layout
	notes  *notes.Store
	reg    *schema.Registry

	lock  *RWLock
	bus   *Bus
	cache *cache

	engine *search.Engine
	sorter *search.Sorter

	books *books.Repository
	terms *terms.Repository
	prefs *prefs.Repository

	uuid    string
	watcher *sidecarWatcher
}

// Open opens (or creates) the library rooted at cfg.Library.Path.
// When the metadata database is missing but book folders exist, a
// restore pass rebuilds it from the per-book side-cars.
func Open(cfg *config.Config, log *logrus.Logger) (*Library, error) {
	const op = "library.open"
	if log == nil {
		log = logrus.New()
	}
	root := cfg.Library.Path
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}

	metaPath := filepath.Join(root, config.MetadataDBName)
	_, statErr := os.Stat(metaPath)
	needRestore := os.IsNotExist(statErr)

	db, err := database.Open(metaPath, log)
	if err != nil {
		return nil, err
	}

	ns, err := notes.Open(filepath.Join(root, config.NotesDirName), cfg.Notes.MaxRetiredItems, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	lib := &Library{
		cfg:    cfg,
		log:    log,
		db:     db,
		layout: layout.New(root, cfg.Library.MaxComponentLength, cfg.Library.MaxPathLength, log),
		notes:  ns,
		reg:    schema.NewRegistry(),
		lock:   NewRWLock(),
		bus:    NewBus(log),
		books:  books.NewRepository(),
		terms:  terms.NewRepository(),
		prefs:  prefs.NewRepository(),
	}
	lib.cache = newCache(lib.reg)
	lib.engine = search.NewEngine(lib.cache)

	if err := lib.loadCustomColumns(); err != nil {
		lib.Close()
		return nil, err
	}
	if err := lib.ensureUUID(); err != nil {
		lib.Close()
		return nil, err
	}
	if err := lib.loadCache(); err != nil {
		lib.Close()
		return nil, err
	}
	lib.loadSearchPrefs()
	lib.rebuildSorter()

	if needRestore {
		if n, err := lib.restoreFromSidecars(); err != nil {
			lib.Close()
			return nil, err
		} else if n > 0 {
			log.WithField("books", n).Info("restored library from side-cars")
		}
	}

	if cfg.Library.WatchSidecars {
		w, err := newSidecarWatcher(lib)
		if err != nil {
			log.WithError(err).Warn("side-car watcher unavailable")
		} else {
			lib.watcher = w
		}
	}
	return lib, nil
}

// Close releases the library. In-flight lock holders finish first.
func (l *Library) Close() error {
	if l.watcher != nil {
		l.watcher.stop()
	}
	var firstErr error
	if l.notes != nil {
		if err := l.notes.Close(); err != nil {
			firstErr = err
		}
	}
	if l.db != nil {
		if err := l.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UUID identifies the library across processes, stable for its
// lifetime.
func (l *Library) UUID() string { return l.uuid }

// Root returns the library root directory.
func (l *Library) Root() string { return l.layout.Root() }

// Events exposes the change-event bus.
func (l *Library) Events() *Bus { return l.bus }

// Fields exposes the field registry.
func (l *Library) Fields() *schema.Registry { return l.reg }

// NotesStore exposes the notes subsystem for background components
// (the indexer snapshots its inputs under its own read lock).
func (l *Library) NotesStore() *notes.Store { return l.notes }

// Lock exposes the library-wide lock for collaborators that hold it
// across multiple calls (shared read cursors).
func (l *Library) Lock() *RWLock { return l.lock }

func (l *Library) ensureUUID() error {
	var id string
	ok, err := l.prefs.Get(l.db.DB, prefLibraryUUID, &id)
	if err != nil {
		return err
	}
	if !ok || id == "" {
		id = uuid.NewString()
		if err := l.prefs.Set(l.db.DB, prefLibraryUUID, id); err != nil {
			return err
		}
	}
	l.uuid = id
	return nil
}

func (l *Library) loadCustomColumns() error {
	var cols []entities.CustomColumn
	if err := l.db.DB.Find(&cols).Error; err != nil {
		return liberr.Wrap(liberr.IO, "library.load_custom_columns", err)
	}
	for _, col := range cols {
		f, err := l.reg.AddCustom(col)
		if err != nil {
			l.log.WithError(err).WithField("column", col.Label).Warn("skipping bad custom column")
			continue
		}
		if f.Category != "" {
			if err := l.db.EnsureCustomTables(col.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadCache loads the whole library into memory. Called at open, so
// no lock is needed yet.
func (l *Library) loadCache() error {
	rows, err := l.books.All(l.db.DB)
	if err != nil {
		return err
	}
	for _, b := range rows {
		l.cache.books[b.ID] = newBookRecord(b)
	}

	formats, err := l.books.AllFormats(l.db.DB)
	if err != nil {
		return err
	}
	for _, f := range formats {
		if rec, ok := l.cache.books[f.Book]; ok {
			rec.Formats[f.Format] = formatInfo{Name: f.Name, Size: f.UncompressedSize, Mtime: f.Mtime}
		}
	}

	comments, err := l.books.AllComments(l.db.DB)
	if err != nil {
		return err
	}
	for _, cm := range comments {
		if rec, ok := l.cache.books[cm.Book]; ok {
			rec.Comments = cm.Text
		}
	}

	idents, err := l.books.AllIdentifiers(l.db.DB)
	if err != nil {
		return err
	}
	for _, ident := range idents {
		if rec, ok := l.cache.books[ident.Book]; ok {
			rec.Identifiers[ident.Type] = ident.Val
		}
	}

	scalars, err := l.books.AllCustomScalars(l.db.DB)
	if err != nil {
		return err
	}
	colKeys := make(map[int64]string)
	for _, f := range l.reg.All() {
		if f.IsCustom() {
			colKeys[f.ColumnID] = f.Key
		}
	}
	for _, cs := range scalars {
		rec, ok := l.cache.books[cs.Book]
		key, okKey := colKeys[cs.Column]
		if !ok || !okKey {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(cs.Val), &v); err == nil {
			rec.Custom[key] = v
		}
	}

	for _, category := range l.reg.TermCategories() {
		if err := l.loadTermCategory(category); err != nil {
			return err
		}
	}
	return nil
}

func (l *Library) loadTermCategory(category string) error {
	tt, err := l.termTables(category)
	if err != nil {
		return err
	}
	table := l.cache.termTableFor(category)

	rows, err := l.terms.All(l.db.DB, tt)
	if err != nil {
		return err
	}
	for _, row := range rows {
		table.put(termEntry{ID: row.ID, Name: row.Name, Sort: row.Sort, Link: row.Link})
	}

	links, err := l.terms.AllLinks(l.db.DB, tt)
	if err != nil {
		return err
	}
	for _, link := range links {
		rec, ok := l.cache.books[link.Book]
		if !ok {
			continue
		}
		rec.Terms[category] = append(rec.Terms[category], link.Term)
		table.link(link.Term, link.Book)
	}
	return nil
}

// termTables resolves a category to its pair of table names.
func (l *Library) termTables(category string) (database.TermTables, error) {
	if tt, ok := database.BuiltinTermTables(category); ok {
		return tt, nil
	}
	for _, f := range l.reg.All() {
		if f.Category == category && f.IsCustom() {
			return database.CustomTermTables(f.ColumnID), nil
		}
	}
	return database.TermTables{}, liberr.New(liberr.NotFound, "library.term_tables",
		"unknown term category %q", category)
}

// loadSearchPrefs pulls the search-related preferences into the
// cache. Call with the write lock held (or before the library is
// shared).
func (l *Library) loadSearchPrefs() {
	var grouped map[string][]string
	if ok, err := l.prefs.Get(l.db.DB, prefs.KeyGroupedSearchTerms, &grouped); err == nil && ok {
		l.cache.grouped = make(map[string][]string, len(grouped))
		for name, fields := range grouped {
			l.cache.grouped[normalizeTerm(name)] = fields
		}
	}
	l.cache.limitSearch = false
	l.cache.limitSearchTo = nil
	if ok, err := l.prefs.Get(l.db.DB, prefs.KeyLimitSearchColumns, &l.cache.limitSearch); err != nil || !ok {
		l.cache.limitSearch = false
	}
	_, _ = l.prefs.Get(l.db.DB, prefs.KeyLimitSearchColumnsTo, &l.cache.limitSearchTo)
}

// rebuildSorter recreates the sorter from the locale and collation
// preferences.
func (l *Library) rebuildSorter() {
	locale := l.cfg.Locale.Language
	var prefLocale string
	if ok, err := l.prefs.Get(l.db.DB, prefs.KeyLocaleForSorting, &prefLocale); err == nil && ok && prefLocale != "" {
		locale = prefLocale
	}
	var numeric bool
	_, _ = l.prefs.Get(l.db.DB, prefs.KeyNumericCollation, &numeric)
	l.sorter = search.NewSorter(l.cache, locale, numeric)
}

// inWriteTx runs fn inside a database transaction with the write lock
// already held by the caller's public entry point.
func (l *Library) inWriteTx(fn func(tx *gorm.DB) error) error {
	return l.db.Transaction(fn)
}
