package library

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gorm.io/gorm"

	"github.com/kovidgoyal/calibre-sub022/internal/config"
	"github.com/kovidgoyal/calibre-sub022/internal/opf"
)

// sidecarWatcher reloads book metadata when a metadata.opf is edited
// out-of-band (another tool, a sync client). Events are debounced per
// book so editors that write in several steps trigger one reload.
type sidecarWatcher struct {
	lib     *Library
	w       *fsnotify.Watcher
	done    chan struct{}
	stopped chan struct{}
	added   chan []int64

	unsubAdd func()
}

func newSidecarWatcher(lib *Library) (*sidecarWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	sw := &sidecarWatcher{
		lib:     lib,
		w:       w,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		added:   make(chan []int64, 64),
	}

	lib.lock.ReadLock()
	dirs := make([]string, 0, len(lib.cache.books))
	for _, rec := range lib.cache.books {
		dirs = append(dirs, lib.layout.Abs(rec.Path))
	}
	lib.lock.ReadUnlock()
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			lib.log.WithError(err).WithField("dir", dir).Debug("cannot watch book dir")
		}
	}

	// The handler runs on the writer's goroutine with the write lock
	// held; hand the ids to the watcher goroutine, which resolves the
	// folders once the writer is done.
	sw.unsubAdd = lib.bus.Subscribe(EventBookAdded, func(ev Event) {
		select {
		case sw.added <- ev.IDs:
		default:
		}
	})

	go sw.run()
	return sw, nil
}

func (sw *sidecarWatcher) stop() {
	sw.unsubAdd()
	close(sw.done)
	sw.w.Close()
	<-sw.stopped
}

func (sw *sidecarWatcher) run() {
	defer close(sw.stopped)

	const debounce = 500 * time.Millisecond
	pending := make(map[string]time.Time) // book dir -> deadline
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case <-sw.done:
			return
		case ids := <-sw.added:
			for _, id := range ids {
				if dir, err := sw.lib.BookDir(id); err == nil {
					_ = sw.w.Add(dir)
				}
			}
		case ev, ok := <-sw.w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != config.SidecarName {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending[filepath.Dir(ev.Name)] = time.Now().Add(debounce)
		case err, ok := <-sw.w.Errors:
			if !ok {
				return
			}
			sw.lib.log.WithError(err).Debug("side-car watcher error")
		case now := <-ticker.C:
			for dir, deadline := range pending {
				if now.Before(deadline) {
					continue
				}
				delete(pending, dir)
				sw.reload(dir)
			}
		}
	}
}

// reload re-reads the side-car in dir and applies it to the matching
// book. Changes written by the library itself are no-ops here: the
// parsed metadata matches the cache, so nothing is touched.
func (sw *sidecarWatcher) reload(dir string) {
	l := sw.lib
	rel, err := filepath.Rel(l.layout.Root(), dir)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	l.lock.WriteLock()
	defer l.lock.WriteUnlock()

	var rec *bookRecord
	for _, r := range l.cache.books {
		if r.Path == rel {
			rec = r
			break
		}
	}
	if rec == nil {
		return
	}
	m, err := opf.Read(filepath.Join(dir, config.SidecarName))
	if err != nil {
		l.log.WithError(err).WithField("path", rel).Warn("edited side-car unreadable")
		return
	}
	if !sw.differs(rec, m) {
		return
	}
	if err := sw.apply(rec, m); err != nil {
		l.log.WithError(err).WithField("book", rec.ID).Error("cannot apply edited side-car")
		return
	}
	l.bus.Publish(Event{Kind: EventMetadataChanged, Field: "all", IDs: []int64{rec.ID}})
	l.log.WithField("book", rec.ID).Info("reloaded metadata from edited side-car")
}

func (sw *sidecarWatcher) differs(rec *bookRecord, m *opf.BookMeta) bool {
	l := sw.lib
	if m.Title != rec.Title || m.Rating != rec.Rating || m.Comments != rec.Comments {
		return true
	}
	if m.SeriesIndex != rec.SeriesIndex {
		return true
	}
	if !sameNames(m.Authors, l.cache.termNames("authors", rec.Terms["authors"])) {
		return true
	}
	if !sameNames(m.Tags, l.cache.termNames("tags", rec.Terms["tags"])) {
		return true
	}
	series := ""
	if s := l.cache.termNames("series", rec.Terms["series"]); len(s) > 0 {
		series = s[0]
	}
	return m.Series != series
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(strings.TrimSpace(a[i]), strings.TrimSpace(b[i])) {
			return false
		}
	}
	return true
}

// apply overwrites the book's scalar metadata and term links from the
// side-car. The folder is not moved: the side-car lives inside it, and
// renaming out from under the editor invites conflicts; the next
// title or author edit through the API normalizes the path.
func (sw *sidecarWatcher) apply(rec *bookRecord, m *opf.BookMeta) error {
	l := sw.lib
	termIDs := make(map[string][]int64)
	var orphansByCat map[string][]int64

	err := l.inWriteTx(func(tx *gorm.DB) error {
		orphansByCat = make(map[string][]int64)
		fields := map[string]any{
			"title":        m.Title,
			"rating":       m.Rating,
			"series_index": m.SeriesIndex,
		}
		if m.TitleSort != "" {
			fields["sort"] = m.TitleSort
		}
		if m.AuthorSort != "" {
			fields["author_sort"] = m.AuthorSort
		}
		if !m.Pubdate.IsZero() {
			fields["pubdate"] = m.Pubdate
		}
		if err := l.books.UpdateFields(tx, rec.ID, fields); err != nil {
			return err
		}
		for category, names := range map[string][]string{
			"authors":    m.Authors,
			"tags":       m.Tags,
			"languages":  m.Languages,
			"series":     singleton(m.Series),
			"publishers": singleton(m.Publisher),
		} {
			ids, orphaned, err := l.replaceTermsTx(tx, category, rec.ID, names, m.SeriesIndex)
			if err != nil {
				return err
			}
			termIDs[category] = ids
			if len(orphaned) > 0 {
				orphansByCat[category] = orphaned
			}
		}
		if err := l.books.SetComment(tx, rec.ID, m.Comments); err != nil {
			return err
		}
		if len(m.Identifiers) > 0 {
			if err := l.books.SetIdentifiers(tx, rec.ID, m.Identifiers); err != nil {
				return err
			}
		}
		return l.bumpChangeStampTx(tx)
	})
	if err != nil {
		return err
	}

	rec.Title = m.Title
	if m.TitleSort != "" {
		rec.Sort = m.TitleSort
	}
	if m.AuthorSort != "" {
		rec.AuthorSort = m.AuthorSort
	}
	rec.Rating = m.Rating
	rec.SeriesIndex = m.SeriesIndex
	if !m.Pubdate.IsZero() {
		rec.Pubdate = m.Pubdate
	}
	rec.Comments = m.Comments
	rec.LastModified = time.Now()
	if len(m.Identifiers) > 0 {
		rec.Identifiers = make(map[string]string, len(m.Identifiers))
		for scheme, val := range m.Identifiers {
			rec.Identifiers[strings.ToLower(scheme)] = val
		}
	}
	for category, ids := range termIDs {
		l.cache.setTermLinks(category, rec.ID, ids)
	}
	for category, orphaned := range orphansByCat {
		l.retireOrphanNotes(category, orphaned)
	}
	return nil
}
