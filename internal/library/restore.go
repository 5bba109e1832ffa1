package library

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kovidgoyal/calibre-sub022/internal/config"
	"github.com/kovidgoyal/calibre-sub022/internal/entities"
	"github.com/kovidgoyal/calibre-sub022/internal/opf"
	"github.com/kovidgoyal/calibre-sub022/internal/schema"
	"github.com/kovidgoyal/calibre-sub022/internal/search"
)

func writeSidecar(path string, m *opf.BookMeta) error {
	return opf.Write(path, m)
}

// restoreFromSidecars rebuilds the metadata database from the book
// folders on disk. Each folder's metadata.opf is the authority; a
// folder with a missing or unreadable side-car is restored with
// placeholder metadata so no files are lost. Returns the number of
// books restored. Called during Open, before the library is shared.
func (l *Library) restoreFromSidecars() (int, error) {
	found, err := l.layout.Scan()
	if err != nil {
		return 0, err
	}

	restored := 0
	for id, rel := range found {
		m, err := opf.Read(filepath.Join(l.layout.Abs(rel), config.SidecarName))
		if err != nil {
			l.log.WithError(err).WithField("path", rel).Warn("side-car unreadable, using placeholders")
			m = &opf.BookMeta{Title: "Unknown", Authors: []string{"Unknown"}, SeriesIndex: 1.0}
		}
		if err := l.restoreBook(id, rel, m); err != nil {
			l.log.WithError(err).WithField("book", id).Error("cannot restore book")
			continue
		}
		restored++
	}
	return restored, nil
}

func (l *Library) restoreBook(id int64, rel string, m *opf.BookMeta) error {
	if strings.TrimSpace(m.Title) == "" {
		m.Title = "Unknown"
	}
	if len(m.Authors) == 0 {
		m.Authors = []string{"Unknown"}
	}
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	if m.TitleSort == "" {
		m.TitleSort = search.TitleSort(m.Title)
	}
	if m.AuthorSort == "" {
		m.AuthorSort = search.AuthorSort(m.Authors[0])
	}
	if m.SeriesIndex == 0 {
		m.SeriesIndex = 1.0
	}

	book := entities.Book{
		ID:          id,
		UUID:        m.UUID,
		Title:       m.Title,
		Sort:        m.TitleSort,
		AuthorSort:  m.AuthorSort,
		Timestamp:   m.Timestamp,
		Pubdate:     m.Pubdate,
		SeriesIndex: m.SeriesIndex,
		Rating:      m.Rating,
		ISBN:        m.Identifiers["isbn"],
		Path:        rel,
		HasCover:    m.HasCover,
	}

	termIDs := make(map[string][]int64)
	customScalars := make(map[string]any)
	err := l.inWriteTx(func(tx *gorm.DB) error {
		if err := l.books.Create(tx, &book); err != nil {
			return err
		}
		for category, names := range map[string][]string{
			"authors":    m.Authors,
			"tags":       m.Tags,
			"languages":  m.Languages,
			"series":     singleton(m.Series),
			"publishers": singleton(m.Publisher),
		} {
			ids, _, err := l.replaceTermsTx(tx, category, id, names, m.SeriesIndex)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				termIDs[category] = ids
			}
		}
		if m.Comments != "" {
			if err := l.books.SetComment(tx, id, m.Comments); err != nil {
				return err
			}
		}
		if len(m.Identifiers) > 0 {
			if err := l.books.SetIdentifiers(tx, id, m.Identifiers); err != nil {
				return err
			}
		}
		return l.restoreCustomTx(tx, id, m, termIDs, customScalars)
	})
	if err != nil {
		return err
	}

	rec := newBookRecord(book)
	rec.Comments = m.Comments
	for scheme, val := range m.Identifiers {
		rec.Identifiers[strings.ToLower(scheme)] = val
	}
	for key, val := range customScalars {
		rec.Custom[key] = val
	}
	l.cache.books[id] = rec
	for category, ids := range termIDs {
		l.cache.setTermLinks(category, id, ids)
	}

	l.restoreFormats(rec)
	return nil
}

// restoreCustomTx replays the side-car's user-column payloads,
// recreating custom columns the fresh database does not have yet.
func (l *Library) restoreCustomTx(tx *gorm.DB, bookID int64, m *opf.BookMeta,
	termIDs map[string][]int64, scalars map[string]any) error {
	for key, cv := range m.Custom {
		f, err := l.ensureCustomColumnTx(tx, key, cv)
		if err != nil {
			l.log.WithError(err).WithField("column", key).Warn("skipping unrestorable custom column")
			continue
		}
		if f.Category != "" {
			var names []string
			if f.IsMultiple {
				if err := json.Unmarshal(cv.Value, &names); err != nil {
					continue
				}
			} else {
				var one string
				if err := json.Unmarshal(cv.Value, &one); err != nil {
					continue
				}
				names = singleton(one)
			}
			extra := 0.0
			if cv.Extra != nil {
				extra = *cv.Extra
			}
			ids, _, err := l.replaceTermsTx(tx, f.Category, bookID, names, extra)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				termIDs[f.Category] = ids
			}
			continue
		}
		if err := l.books.SetCustomScalar(tx, f.ColumnID, bookID, string(cv.Value)); err != nil {
			return err
		}
		var v any
		if err := json.Unmarshal(cv.Value, &v); err == nil {
			scalars[f.Key] = v
		}
	}
	return nil
}

func (l *Library) ensureCustomColumnTx(tx *gorm.DB, key string, cv opf.CustomValue) (*schema.FieldMeta, error) {
	if f, err := l.reg.FieldFor(key); err == nil {
		return f, nil
	}
	rawDisplay, err := json.Marshal(cv.Display)
	if err != nil {
		return nil, err
	}
	col := entities.CustomColumn{
		Label:      strings.TrimPrefix(key, "#"),
		Name:       cv.Name,
		Datatype:   cv.Datatype,
		IsMultiple: cv.IsMultiple,
		Editable:   cv.IsEditable,
		Display:    string(rawDisplay),
	}
	if err := tx.Create(&col).Error; err != nil {
		return nil, err
	}
	f, err := l.reg.AddCustom(col)
	if err != nil {
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

// restoreFormats registers the format files found in a restored book's
// folder.
func (l *Library) restoreFormats(rec *bookRecord) {
	abs := l.layout.Abs(rec.Path)
	entries, err := os.ReadDir(abs)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == config.SidecarName || name == config.CoverName || strings.HasPrefix(name, "tmp") {
			continue
		}
		ext := strings.TrimPrefix(strings.ToUpper(filepath.Ext(name)), ".")
		if ext == "" || ext == "JSON" || ext == "OPF" {
			continue
		}
		st, err := e.Info()
		if err != nil {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		err = l.inWriteTx(func(tx *gorm.DB) error {
			return l.books.UpsertFormat(tx, &entities.Format{
				Book:             rec.ID,
				Format:           ext,
				UncompressedSize: st.Size(),
				Name:             stem,
				Mtime:            st.ModTime(),
			})
		})
		if err != nil {
			l.log.WithError(err).WithField("file", name).Warn("cannot restore format row")
			continue
		}
		rec.Formats[ext] = formatInfo{Name: stem, Size: st.Size(), Mtime: st.ModTime()}
	}
}
