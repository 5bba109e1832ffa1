package library

import (
	"time"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
	"github.com/kovidgoyal/calibre-sub022/internal/notes"
)

// SetNotesFor attaches (or, with an empty doc, retires) the note of a
// term. The term must exist in the category.
func (l *Library) SetNotesFor(category string, itemID int64, doc string, resourceHashes []string) (int64, error) {
	const op = "library.set_notes_for"
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()

	table := l.cache.terms[category]
	if table == nil {
		return 0, liberr.New(liberr.NotFound, op, "unknown category %q", category)
	}
	if _, ok := table.byID[itemID]; !ok {
		return 0, liberr.New(liberr.NotFound, op, "no term %d in %q", itemID, category)
	}
	noteID, err := l.notes.SetNotesFor(category, itemID, doc, resourceHashes)
	if err != nil {
		return 0, err
	}
	l.bus.Publish(Event{Kind: EventNotesChanged, Category: category, IDs: []int64{itemID}})
	return noteID, nil
}

// NotesFor returns a term's note document, "" if it has none.
func (l *Library) NotesFor(category string, itemID int64) (string, error) {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	return l.notes.NotesFor(category, itemID)
}

// UnretireNoteFor brings back the most recently retired note of a
// term.
func (l *Library) UnretireNoteFor(category string, itemID int64) (int64, error) {
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()
	id, err := l.notes.UnretireNoteFor(category, itemID)
	if err != nil {
		return 0, err
	}
	l.bus.Publish(Event{Kind: EventNotesChanged, Category: category, IDs: []int64{itemID}})
	return id, nil
}

// SearchNotes runs a full-text query over note text.
func (l *Library) SearchNotes(query string, restrictToFields []string) ([]notes.SearchResult, error) {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	return l.notes.SearchNotes(query, restrictToFields)
}

// ImportNote ingests an HTML file (and the local images it references)
// as a term's note.
func (l *Library) ImportNote(category string, itemID int64, htmlPath string) (int64, error) {
	const op = "library.import_note"
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()

	table := l.cache.terms[category]
	if table == nil {
		return 0, liberr.New(liberr.NotFound, op, "unknown category %q", category)
	}
	if _, ok := table.byID[itemID]; !ok {
		return 0, liberr.New(liberr.NotFound, op, "no term %d in %q", itemID, category)
	}
	id, err := l.notes.ImportNote(category, itemID, htmlPath)
	if err != nil {
		return 0, err
	}
	l.bus.Publish(Event{Kind: EventNotesChanged, Category: category, IDs: []int64{itemID}})
	return id, nil
}

// ExportNote writes a term's note as a standalone HTML file plus its
// resources into destDir.
func (l *Library) ExportNote(category string, itemID int64, destDir string) (string, error) {
	l.lock.ReadLock()
	defer l.lock.ReadUnlock()
	return l.notes.ExportNote(category, itemID, destDir)
}

// AddNoteResource stores image bytes as a content-addressed note
// resource and returns its hash.
func (l *Library) AddNoteResource(data []byte, name string) (string, error) {
	l.lock.WriteLock()
	defer l.lock.WriteUnlock()
	return l.notes.AddResource(data, name)
}

// NoteIndexer builds the background full-text indexer for this
// library's notes, naming items by their term names and forwarding
// progress reports as indexing events.
func (l *Library) NoteIndexer(workers int) *notes.Indexer {
	namer := func(category string, itemID int64) string {
		l.lock.ReadLock()
		defer l.lock.ReadUnlock()
		if table := l.cache.terms[category]; table != nil {
			if e, ok := table.byID[itemID]; ok {
				return e.Name
			}
		}
		return ""
	}
	progress := func(remaining, total int) {
		l.bus.Publish(Event{Kind: EventIndexingProgress, Progress: [2]int{remaining, total}})
	}
	return notes.NewIndexer(l.notes, namer, workers, 50*time.Millisecond, progress, l.log)
}
