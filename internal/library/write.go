package library

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kovidgoyal/calibre-sub022/internal/config"
	"github.com/kovidgoyal/calibre-sub022/internal/database/prefs"
	"github.com/kovidgoyal/calibre-sub022/internal/entities"
	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
	"github.com/kovidgoyal/calibre-sub022/internal/schema"
	"github.com/kovidgoyal/calibre-sub022/internal/search"
)

// BookSpec describes one book to add.
type BookSpec struct {
	Title       string
	Authors     []string
	Tags        []string
	Series      string
	SeriesIndex float64
	Publisher   string
	Languages   []string
	Rating      int // 0-10
	Comments    string
	Identifiers map[string]string
	Pubdate     time.Time
	FormatPaths []string
	CoverPath   string
}

// AddBooks creates the given books: ids assigned, folders created,
// formats copied, rows committed, then one book_added event.
func (l *Library) AddBooks(specs []BookSpec) ([]int64, error) {
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()

	var ids []int64
	for i := range specs {
		id, err := l.addBookLocked(&specs[i])
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		l.bus.Publish(Event{Kind: EventBookAdded, IDs: ids})
	}
	return ids, nil
}

func (l *Library) addBookLocked(spec *BookSpec) (int64, error) {
	if strings.TrimSpace(spec.Title) == "" {
		spec.Title = "Unknown"
	}
	if len(spec.Authors) == 0 {
		spec.Authors = []string{"Unknown"}
	}
	if spec.SeriesIndex == 0 {
		spec.SeriesIndex = 1.0
	}

	authorSort := search.AuthorSort(spec.Authors[0])
	book := entities.Book{
		UUID:         uuid.NewString(),
		Title:        spec.Title,
		Sort:         search.TitleSort(spec.Title),
		AuthorSort:   authorSort,
		Timestamp:    time.Now(),
		Pubdate:      spec.Pubdate,
		LastModified: time.Now(),
		SeriesIndex:  spec.SeriesIndex,
		Rating:       spec.Rating,
	}

	var (
		rel       string
		termIDs   = make(map[string][]int64)
		createdAt string
	)
	err := l.inWriteTx(func(tx *gorm.DB) error {
		if err := l.books.Create(tx, &book); err != nil {
			return err
		}
		var err error
		rel, err = l.layout.EnsureBookDir(l.layout.BookPath(authorSort, spec.Title, book.ID), book.ID)
		if err != nil {
			return err
		}
		createdAt = rel
		book.Path = rel
		if err := l.books.UpdateFields(tx, book.ID, map[string]any{"path": rel}); err != nil {
			return err
		}

		for category, names := range map[string][]string{
			"authors":    spec.Authors,
			"tags":       spec.Tags,
			"languages":  spec.Languages,
			"series":     singleton(spec.Series),
			"publishers": singleton(spec.Publisher),
		} {
			ids, _, err := l.replaceTermsTx(tx, category, book.ID, names, spec.SeriesIndex)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				termIDs[category] = ids
			}
		}

		if spec.Comments != "" {
			if err := l.books.SetComment(tx, book.ID, spec.Comments); err != nil {
				return err
			}
		}
		if len(spec.Identifiers) > 0 {
			if err := l.books.SetIdentifiers(tx, book.ID, spec.Identifiers); err != nil {
				return err
			}
		}
		return l.bumpChangeStampTx(tx)
	})
	if err != nil {
		if createdAt != "" {
			_ = l.layout.RemoveBookDir(createdAt)
		}
		return 0, err
	}

	rec := newBookRecord(book)
	rec.Comments = spec.Comments
	for scheme, val := range spec.Identifiers {
		rec.Identifiers[strings.ToLower(scheme)] = val
	}
	l.cache.books[book.ID] = rec
	for category, ids := range termIDs {
		l.cache.setTermLinks(category, book.ID, ids)
	}

	for _, src := range spec.FormatPaths {
		if err := l.addFormatLocked(book.ID, src); err != nil {
			l.log.WithError(err).WithField("format", src).Warn("cannot add format")
		}
	}
	if spec.CoverPath != "" {
		data, err := os.ReadFile(spec.CoverPath)
		if err == nil {
			err = l.setCoverLocked(book.ID, data)
		}
		if err != nil {
			l.log.WithError(err).WithField("book", book.ID).Warn("cannot set cover")
		}
	}

	if err := l.writeSidecarLocked(book.ID); err != nil {
		l.log.WithError(err).WithField("book", book.ID).Warn("cannot write side-car")
	}
	return book.ID, nil
}

func singleton(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return []string{s}
}

// replaceTermsTx replaces a book's links in one category, creating
// terms as needed and retiring notes of terms that lost their last
// book. Returns the new term ids in order and the orphaned term ids.
func (l *Library) replaceTermsTx(tx *gorm.DB, category string, bookID int64, names []string, extra float64) ([]int64, []int64, error) {
	tt, err := l.termTables(category)
	if err != nil {
		return nil, nil, err
	}
	cleared, err := l.terms.ClearBook(tx, tt, bookID)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[int64]bool)
	var ids []int64
	for ord, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		sortKey := name
		if category == "authors" {
			sortKey = search.AuthorSort(name)
		}
		row, err := l.terms.GetOrCreate(tx, tt, name, sortKey)
		if err != nil {
			return nil, nil, err
		}
		if seen[row.ID] {
			continue
		}
		seen[row.ID] = true
		if err := l.terms.Link(tx, tt, bookID, row.ID, ord, extra); err != nil {
			return nil, nil, err
		}
		ids = append(ids, row.ID)
	}

	var orphans []int64
	for _, termID := range cleared {
		if seen[termID] {
			continue
		}
		gone, err := l.terms.DeleteIfOrphan(tx, tt, termID)
		if err != nil {
			return nil, nil, err
		}
		if gone {
			orphans = append(orphans, termID)
		}
	}
	return ids, orphans, nil
}

// retireOrphanNotes retires the notes of terms that just disappeared.
// Called after commit; note retirement lives in its own store.
func (l *Library) retireOrphanNotes(category string, termIDs []int64) {
	for _, id := range termIDs {
		if err := l.notes.RetireNoteFor(category, id); err != nil {
			l.log.WithError(err).WithFields(map[string]any{
				"category": category, "term": id,
			}).Warn("cannot retire note of removed term")
		}
	}
}

// SetField updates one field for many books in a single transaction.
// The field change is coalesced into one metadata_changed event.
func (l *Library) SetField(key string, values map[int64]any) error {
	const op = "library.set_field"
	f, err := l.reg.FieldFor(key)
	if err != nil {
		return err
	}
	if !f.IsEditable {
		return liberr.New(liberr.InvalidInput, op, "field %q is not editable", key)
	}

	l.lock.WriteLock()
	defer l.lock.WriteUnlock()

	var (
		ids        []int64
		newTerms   = make(map[int64][]int64)
		orphans    []int64
		renames    = make(map[int64]string) // book -> new rel path
		applyCache []func()
	)
	err = l.inWriteTx(func(tx *gorm.DB) error {
		for bookID, raw := range values {
			rec, ok := l.cache.books[bookID]
			if !ok {
				return liberr.New(liberr.NotFound, op, "no book %d", bookID)
			}
			if err := l.setFieldOneTx(tx, f, rec, raw, newTerms, &orphans, renames, &applyCache); err != nil {
				return err
			}
			if err := l.books.UpdateFields(tx, bookID, map[string]any{"last_modified": time.Now()}); err != nil {
				return err
			}
			ids = append(ids, bookID)
		}
		return l.bumpChangeStampTx(tx)
	})
	if err != nil {
		return err
	}

	for _, apply := range applyCache {
		apply()
	}
	if f.Category != "" {
		for bookID, termIDs := range newTerms {
			l.cache.setTermLinks(f.Category, bookID, termIDs)
		}
		l.retireOrphanNotes(f.Category, orphans)
	}
	for bookID, rel := range renames {
		l.cache.books[bookID].Path = rel
	}
	for _, bookID := range ids {
		l.cache.books[bookID].LastModified = time.Now()
		if err := l.writeSidecarLocked(bookID); err != nil {
			l.log.WithError(err).WithField("book", bookID).Warn("cannot update side-car")
		}
	}

	l.bus.Publish(Event{Kind: EventMetadataChanged, Field: key, IDs: ids})
	return nil
}

func (l *Library) setFieldOneTx(tx *gorm.DB, f *schema.FieldMeta, rec *bookRecord, raw any,
	newTerms map[int64][]int64, orphans *[]int64, renames map[int64]string, applyCache *[]func()) error {
	const op = "library.set_field"
	bookID := rec.ID

	if f.Category != "" {
		names, err := coerceStrings(raw, f.IsMultiple)
		if err != nil {
			return liberr.New(liberr.InvalidInput, op, "field %q: %v", f.Key, err)
		}
		extra := rec.SeriesIndex
		ids, orphaned, err := l.replaceTermsTx(tx, f.Category, bookID, names, extra)
		if err != nil {
			return err
		}
		newTerms[bookID] = ids
		*orphans = append(*orphans, orphaned...)

		if f.Key == "authors" {
			authorSort := ""
			if len(names) > 0 {
				authorSort = search.AuthorSort(names[0])
			}
			if err := l.books.UpdateFields(tx, bookID, map[string]any{"author_sort": authorSort}); err != nil {
				return err
			}
			rel, err := l.moveBookDirTx(rec, authorSort, rec.Title)
			if err != nil {
				return err
			}
			if err := l.books.UpdateFields(tx, bookID, map[string]any{"path": rel}); err != nil {
				return err
			}
			renames[bookID] = rel
			sortCopy := authorSort
			*applyCache = append(*applyCache, func() { rec.AuthorSort = sortCopy })
		}
		return nil
	}

	switch f.Key {
	case "title":
		title, ok := raw.(string)
		if !ok || strings.TrimSpace(title) == "" {
			return liberr.New(liberr.InvalidInput, op, "title needs a non-empty string")
		}
		sortTitle := search.TitleSort(title)
		if err := l.books.UpdateFields(tx, bookID, map[string]any{"title": title, "sort": sortTitle}); err != nil {
			return err
		}
		rel, err := l.moveBookDirTx(rec, rec.AuthorSort, title)
		if err != nil {
			return err
		}
		if err := l.books.UpdateFields(tx, bookID, map[string]any{"path": rel}); err != nil {
			return err
		}
		renames[bookID] = rel
		*applyCache = append(*applyCache, func() { rec.Title = title; rec.Sort = sortTitle })
		return nil
	case "sort":
		s, _ := raw.(string)
		if err := l.books.UpdateFields(tx, bookID, map[string]any{"sort": s}); err != nil {
			return err
		}
		*applyCache = append(*applyCache, func() { rec.Sort = s })
		return nil
	case "author_sort":
		s, _ := raw.(string)
		if err := l.books.UpdateFields(tx, bookID, map[string]any{"author_sort": s}); err != nil {
			return err
		}
		*applyCache = append(*applyCache, func() { rec.AuthorSort = s })
		return nil
	case "rating":
		n, ok := coerceInt(raw)
		if !ok || n < 0 || n > 10 {
			return liberr.New(liberr.InvalidInput, op, "rating must be an integer 0-10")
		}
		if err := l.books.UpdateFields(tx, bookID, map[string]any{"rating": n}); err != nil {
			return err
		}
		*applyCache = append(*applyCache, func() { rec.Rating = n })
		return nil
	case "series_index":
		v, ok := coerceFloat(raw)
		if !ok {
			return liberr.New(liberr.InvalidInput, op, "series_index must be a number")
		}
		if err := l.books.UpdateFields(tx, bookID, map[string]any{"series_index": v}); err != nil {
			return err
		}
		*applyCache = append(*applyCache, func() { rec.SeriesIndex = v })
		return nil
	case "isbn":
		s, _ := raw.(string)
		if err := l.books.UpdateFields(tx, bookID, map[string]any{"isbn": s}); err != nil {
			return err
		}
		*applyCache = append(*applyCache, func() { rec.ISBN = s })
		return nil
	case "pubdate", "timestamp":
		t, ok := raw.(time.Time)
		if !ok {
			return liberr.New(liberr.InvalidInput, op, "%s needs a time value", f.Key)
		}
		if err := l.books.UpdateFields(tx, bookID, map[string]any{f.Key: t}); err != nil {
			return err
		}
		key := f.Key
		*applyCache = append(*applyCache, func() {
			if key == "pubdate" {
				rec.Pubdate = t
			} else {
				rec.Timestamp = t
			}
		})
		return nil
	case "comments":
		s, _ := raw.(string)
		if err := l.books.SetComment(tx, bookID, s); err != nil {
			return err
		}
		*applyCache = append(*applyCache, func() { rec.Comments = s })
		return nil
	case "identifiers":
		m, ok := raw.(map[string]string)
		if !ok {
			return liberr.New(liberr.InvalidInput, op, "identifiers need a map[string]string")
		}
		if err := l.books.SetIdentifiers(tx, bookID, m); err != nil {
			return err
		}
		*applyCache = append(*applyCache, func() {
			rec.Identifiers = make(map[string]string, len(m))
			for scheme, val := range m {
				rec.Identifiers[strings.ToLower(scheme)] = val
			}
		})
		return nil
	}

	if f.IsCustom() {
		return l.setCustomScalarTx(tx, f, rec, raw, applyCache)
	}
	return liberr.New(liberr.InvalidInput, op, "field %q cannot be written", f.Key)
}

func (l *Library) setCustomScalarTx(tx *gorm.DB, f *schema.FieldMeta, rec *bookRecord, raw any, applyCache *[]func()) error {
	const op = "library.set_field"
	val, err := coerceCustom(f, raw)
	if err != nil {
		return liberr.New(liberr.InvalidInput, op, "field %q: %v", f.Key, err)
	}
	encoded, err := json.Marshal(val)
	if err != nil {
		return liberr.Wrap(liberr.InvalidInput, op, err)
	}
	if err := l.books.SetCustomScalar(tx, f.ColumnID, rec.ID, string(encoded)); err != nil {
		return err
	}
	key := f.Key
	*applyCache = append(*applyCache, func() { rec.Custom[key] = val })
	return nil
}

// moveBookDirTx computes the new folder for changed naming inputs and
// moves it. Returns the final relative path.
func (l *Library) moveBookDirTx(rec *bookRecord, authorSort, title string) (string, error) {
	want := l.layout.BookPath(authorSort, title, rec.ID)
	if want == rec.Path {
		return rec.Path, nil
	}
	return l.layout.MoveBookDir(rec.Path, want, rec.ID)
}

// DeleteBooks removes books, their folders, their rows and their term
// links; orphaned terms are dropped and their notes retired.
func (l *Library) DeleteBooks(ids []int64) error {
	const op = "library.delete_books"
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()

	var removed []int64
	for _, id := range ids {
		rec, ok := l.cache.books[id]
		if !ok {
			return liberr.New(liberr.NotFound, op, "no book %d", id)
		}

		orphansByCat := make(map[string][]int64)
		err := l.inWriteTx(func(tx *gorm.DB) error {
			for _, category := range l.reg.TermCategories() {
				_, orphaned, err := l.replaceTermsTx(tx, category, id, nil, 0)
				if err != nil {
					return err
				}
				if len(orphaned) > 0 {
					orphansByCat[category] = orphaned
				}
			}
			if err := l.books.Delete(tx, id); err != nil {
				return err
			}
			return l.bumpChangeStampTx(tx)
		})
		if err != nil {
			return err
		}

		if err := l.layout.RemoveBookDir(rec.Path); err != nil {
			l.log.WithError(err).WithField("book", id).Warn("cannot remove book folder")
		}
		l.cache.removeBook(id)
		for category, orphaned := range orphansByCat {
			l.retireOrphanNotes(category, orphaned)
		}
		removed = append(removed, id)
	}

	if len(removed) > 0 {
		l.bus.Publish(Event{Kind: EventBookRemoved, IDs: removed})
	}
	return nil
}

// AddFormat copies a format file into the book's folder and records
// it, replacing any existing format with the same extension.
func (l *Library) AddFormat(bookID int64, srcPath string) error {
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()
	if err := l.addFormatLocked(bookID, srcPath); err != nil {
		return err
	}
	l.bus.Publish(Event{Kind: EventFormatAdded, IDs: []int64{bookID}})
	return nil
}

func (l *Library) addFormatLocked(bookID int64, srcPath string) error {
	const op = "library.add_format"
	rec, ok := l.cache.books[bookID]
	if !ok {
		return liberr.New(liberr.NotFound, op, "no book %d", bookID)
	}
	ext := strings.TrimPrefix(strings.ToUpper(filepath.Ext(srcPath)), ".")
	if ext == "" {
		return liberr.New(liberr.InvalidInput, op, "format file %q has no extension", srcPath)
	}

	authors := strings.Join(l.cache.termNames("authors", rec.Terms["authors"]), " & ")
	filename := l.layout.FormatFilename(rec.Title, authors, ext)
	dst := filepath.Join(l.layout.Abs(rec.Path), filename)

	size, err := copyFileAtomic(srcPath, dst)
	if err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}
	st, err := os.Stat(dst)
	if err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}

	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	err = l.inWriteTx(func(tx *gorm.DB) error {
		return l.books.UpsertFormat(tx, &entities.Format{
			Book:             bookID,
			Format:           ext,
			UncompressedSize: size,
			Name:             stem,
			Mtime:            st.ModTime(),
		})
	})
	if err != nil {
		return err
	}
	rec.Formats[ext] = formatInfo{Name: stem, Size: size, Mtime: st.ModTime()}
	return nil
}

// RemoveFormat deletes a stored format file and its row.
func (l *Library) RemoveFormat(bookID int64, ext string) error {
	const op = "library.remove_format"
	ext = strings.ToUpper(ext)
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()

	rec, ok := l.cache.books[bookID]
	if !ok {
		return liberr.New(liberr.NotFound, op, "no book %d", bookID)
	}
	info, ok := rec.Formats[ext]
	if !ok {
		return liberr.New(liberr.NotFound, op, "book %d has no %s format", bookID, ext)
	}

	err := l.inWriteTx(func(tx *gorm.DB) error {
		return l.books.RemoveFormat(tx, bookID, ext)
	})
	if err != nil {
		return err
	}
	path := filepath.Join(l.layout.Abs(rec.Path), info.Name+"."+strings.ToLower(ext))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.log.WithError(err).WithField("path", path).Warn("cannot remove format file")
	}
	delete(rec.Formats, ext)
	l.bus.Publish(Event{Kind: EventMetadataChanged, Field: "formats", IDs: []int64{bookID}})
	return nil
}

// SetCover stores JPEG data as the book's cover.
func (l *Library) SetCover(bookID int64, data []byte) error {
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()
	if err := l.setCoverLocked(bookID, data); err != nil {
		return err
	}
	l.bus.Publish(Event{Kind: EventMetadataChanged, Field: "cover", IDs: []int64{bookID}})
	return nil
}

func (l *Library) setCoverLocked(bookID int64, data []byte) error {
	const op = "library.set_cover"
	rec, ok := l.cache.books[bookID]
	if !ok {
		return liberr.New(liberr.NotFound, op, "no book %d", bookID)
	}
	dir := l.layout.Abs(rec.Path)
	tmp, err := os.CreateTemp(dir, "tmpcover")
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
	if err := os.Rename(tmpName, filepath.Join(dir, config.CoverName)); err != nil {
		return liberr.Wrap(liberr.IO, op, err)
	}

	err = l.inWriteTx(func(tx *gorm.DB) error {
		return l.books.UpdateFields(tx, bookID, map[string]any{"has_cover": true})
	})
	if err != nil {
		return err
	}
	rec.HasCover = true
	return nil
}

// RenameTerm renames a term within its category. Renaming onto an
// existing name merges the two terms: links are combined under the
// survivor and the survivor's note is preserved; the source note
// follows the merge rules of the notes store.
func (l *Library) RenameTerm(category, oldName, newName string) (int64, error) {
	const op = "library.rename_term"
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()

	table := l.cache.terms[category]
	if table == nil {
		return 0, liberr.New(liberr.NotFound, op, "unknown category %q", category)
	}
	srcID, ok := table.byNorm[normalizeTerm(oldName)]
	if !ok {
		return 0, liberr.New(liberr.NotFound, op, "no term %q in %q", oldName, category)
	}
	tt, err := l.termTables(category)
	if err != nil {
		return 0, err
	}

	var survivor int64
	err = l.inWriteTx(func(tx *gorm.DB) error {
		var err error
		survivor, err = l.terms.Rename(tx, tt, srcID, newName)
		if err != nil {
			return err
		}
		return l.bumpChangeStampTx(tx)
	})
	if err != nil {
		return 0, err
	}

	affected := l.applyRenameToCache(category, srcID, survivor, newName)
	if survivor != srcID {
		if err := l.notes.MoveNote(category, srcID, survivor); err != nil {
			l.log.WithError(err).WithFields(map[string]any{
				"category": category, "term": srcID,
			}).Warn("cannot migrate note of merged term")
		}
	}
	field := l.fieldKeyForCategory(category)
	l.bus.Publish(Event{Kind: EventMetadataChanged, Field: field, IDs: affected})
	for _, bookID := range affected {
		if err := l.writeSidecarLocked(bookID); err != nil {
			l.log.WithError(err).WithField("book", bookID).Warn("cannot update side-car")
		}
	}
	return survivor, nil
}

// applyRenameToCache rewires the cache after a term rename or merge
// and returns the affected book ids.
func (l *Library) applyRenameToCache(category string, srcID, survivor int64, newName string) []int64 {
	table := l.cache.termTableFor(category)
	touched := search.NewIDSet()

	if survivor == srcID {
		if e, ok := table.byID[srcID]; ok {
			delete(table.byNorm, normalizeTerm(e.Name))
			e.Name = newName
			table.byNorm[normalizeTerm(newName)] = srcID
		}
		for id := range table.books[srcID] {
			touched.Add(id)
		}
	} else {
		for bookID := range table.books[srcID] {
			rec := l.cache.books[bookID]
			replaced := make([]int64, 0, len(rec.Terms[category]))
			hasSurvivor := false
			for _, id := range rec.Terms[category] {
				if id == survivor {
					hasSurvivor = true
				}
			}
			for _, id := range rec.Terms[category] {
				if id == srcID {
					if !hasSurvivor {
						replaced = append(replaced, survivor)
					}
					continue
				}
				replaced = append(replaced, id)
			}
			rec.Terms[category] = replaced
			table.link(survivor, bookID)
			touched.Add(bookID)
		}
		table.drop(srcID)
	}

	out := make([]int64, 0, len(touched))
	for id := range touched {
		out = append(out, id)
	}
	return out
}

func (l *Library) fieldKeyForCategory(category string) string {
	for _, f := range l.reg.All() {
		if f.Category == category {
			return f.Key
		}
	}
	return category
}

// CreateCustomColumn registers a user-defined column and creates its
// backing tables when it is term-valued.
func (l *Library) CreateCustomColumn(label, name string, datatype schema.Datatype, isMultiple bool, display schema.Display) (*schema.FieldMeta, error) {
	const op = "library.create_custom_column"
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()

	rawDisplay, err := json.Marshal(display)
	if err != nil {
		return nil, liberr.Wrap(liberr.InvalidInput, op, err)
	}
	col := entities.CustomColumn{
		Label:      label,
		Name:       name,
		Datatype:   string(datatype),
		IsMultiple: isMultiple,
		Editable:   datatype != schema.Composite,
		Display:    string(rawDisplay),
	}

	err = l.inWriteTx(func(tx *gorm.DB) error {
		if err := tx.Create(&col).Error; err != nil {
			return liberr.Wrap(liberr.Conflict, op, err)
		}
		return l.bumpChangeStampTx(tx)
	})
	if err != nil {
		return nil, err
	}

	f, err := l.reg.AddCustom(col)
	if err != nil {
		// registry refused what the table accepted; roll the row back
		_ = l.db.DB.Delete(&entities.CustomColumn{}, col.ID).Error
		return nil, err
	}
	if f.Category != "" {
		if err := l.db.EnsureCustomTables(col.ID); err != nil {
			return nil, err
		}
		l.cache.termTableFor(f.Category)
	}
	return f, nil
}

// SetConversionOptions stores opaque converter settings for one
// (book, format) pair. The payload is not interpreted here.
func (l *Library) SetConversionOptions(bookID int64, format string, data []byte) error {
	const op = "library.set_conversion_options"
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()

	if _, ok := l.cache.books[bookID]; !ok {
		return liberr.New(liberr.NotFound, op, "no book %d", bookID)
	}
	return l.inWriteTx(func(tx *gorm.DB) error {
		if err := l.books.SetConversionOptions(tx, bookID, strings.ToUpper(format), data); err != nil {
			return err
		}
		return l.bumpChangeStampTx(tx)
	})
}

// ConversionOptions fetches stored converter settings, nil when none
// were saved.
func (l *Library) ConversionOptions(bookID int64, format string) ([]byte, error) {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	return l.books.ConversionOptionsFor(l.db.DB, bookID, strings.ToUpper(format))
}

// SetPref stores a preference as JSON and bumps the library-change
// stamp. Search-related preferences take effect immediately.
func (l *Library) SetPref(key string, val any) error {
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()

	err := l.inWriteTx(func(tx *gorm.DB) error {
		if err := l.prefs.Set(tx, key, val); err != nil {
			return err
		}
		return l.bumpChangeStampTx(tx)
	})
	if err != nil {
		return err
	}

	switch key {
	case prefs.KeyGroupedSearchTerms, prefs.KeyLimitSearchColumns, prefs.KeyLimitSearchColumnsTo:
		l.loadSearchPrefs()
	case prefs.KeyNumericCollation, prefs.KeyLocaleForSorting:
		l.rebuildSorter()
	}
	return nil
}

// GetPref reads a preference into out, reporting whether it existed.
func (l *Library) GetPref(key string, out any) (bool, error) {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	return l.prefs.Get(l.db.DB, key, out)
}

// bumpChangeStampTx advances the monotonically increasing library
// change stamp inside the current transaction.
func (l *Library) bumpChangeStampTx(tx *gorm.DB) error {
	var stamp int64
	if _, err := l.prefs.Get(tx, prefs.KeyLibraryChangeStamp, &stamp); err != nil {
		return err
	}
	return l.prefs.Set(tx, prefs.KeyLibraryChangeStamp, stamp+1)
}

// writeSidecarLocked mirrors a book's metadata to its metadata.opf.
// Requires the lock (read suffices for the cache but callers are
// writers anyway).
func (l *Library) writeSidecarLocked(bookID int64) error {
	rec, ok := l.cache.books[bookID]
	if !ok {
		return liberr.New(liberr.NotFound, "library.write_sidecar", "no book %d", bookID)
	}
	m := l.sidecarMeta(rec)
	return writeSidecar(filepath.Join(l.layout.Abs(rec.Path), config.SidecarName), m)
}

func copyFileAtomic(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst), "tmpfmt")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	n, err := io.Copy(tmp, in)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, err
	}
	return n, nil
}

// ---- value coercion ----

func coerceStrings(raw any, multiple bool) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		if !multiple && len(v) > 1 {
			return nil, fmt.Errorf("single-valued field given %d values", len(v))
		}
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{v}, nil
	}
	return nil, fmt.Errorf("need a string or []string, got %T", raw)
}

func coerceInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

func coerceFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// coerceCustom converts a caller value into the cached representation
// of a custom scalar column.
func coerceCustom(f *schema.FieldMeta, raw any) (any, error) {
	switch f.Datatype {
	case schema.Int, schema.Float, schema.Rating:
		v, ok := coerceFloat(raw)
		if !ok {
			return nil, fmt.Errorf("need a number, got %T", raw)
		}
		return v, nil
	case schema.YesNo:
		v, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("need a bool, got %T", raw)
		}
		return v, nil
	case schema.Date:
		t, ok := raw.(time.Time)
		if !ok {
			return nil, fmt.Errorf("need a time, got %T", raw)
		}
		return t.UTC().Format(time.RFC3339), nil
	case schema.Text, schema.LongText, schema.Enum:
		v, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("need a string, got %T", raw)
		}
		if f.Datatype == schema.Enum && len(f.Display.EnumValues) > 0 {
			for _, allowed := range f.Display.EnumValues {
				if strings.EqualFold(allowed, v) {
					return allowed, nil
				}
			}
			return nil, fmt.Errorf("%q is not one of the declared choices", v)
		}
		return v, nil
	}
	return nil, fmt.Errorf("datatype %q cannot be written directly", f.Datatype)
}
