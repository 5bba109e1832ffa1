package notes

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/sirupsen/logrus"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

// ItemNamer resolves the canonical display name of an item, used as
// the first line of the searchable text.
type ItemNamer func(category string, itemID int64) string

// ProgressFunc receives indexing progress after every indexed note.
type ProgressFunc func(remaining, total int)

// Indexer consumes pending notes in the background and fills in their
// searchable text. Slow mode runs one worker with a sleep between
// items so foreground work is not starved; fast mode runs the full
// worker count with no sleep.
type Indexer struct {
	store    *Store
	namer    ItemNamer
	progress ProgressFunc
	log      *logrus.Logger

	workers int
	sleep   time.Duration
	fast    atomic.Bool

	mu       sync.Mutex
	inFlight map[int64]struct{}
	total    int
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type pendingNote struct {
	noteID   int64
	itemID   int64
	category string
	doc      string
}

func NewIndexer(store *Store, namer ItemNamer, workers int, sleep time.Duration, progress ProgressFunc, log *logrus.Logger) *Indexer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logrus.New()
	}
	return &Indexer{
		store:    store,
		namer:    namer,
		progress: progress,
		log:      log,
		workers:  workers,
		sleep:    sleep,
		inFlight: make(map[int64]struct{}),
	}
}

// SetFastMode toggles between fast and slow indexing.
func (ix *Indexer) SetFastMode(fast bool) { ix.fast.Store(fast) }

// Start launches the dispatcher and workers. Stop or context
// cancellation shuts them down cooperatively.
func (ix *Indexer) Start(ctx context.Context) {
	ctx, ix.cancel = context.WithCancel(ctx)
	jobs := make(chan pendingNote)

	for i := 0; i < ix.workers; i++ {
		ix.wg.Add(1)
		go ix.worker(ctx, i, jobs)
	}
	ix.wg.Add(1)
	go ix.dispatch(ctx, jobs)
}

// Stop cancels the indexer and waits for the workers to drain.
func (ix *Indexer) Stop() {
	if ix.cancel != nil {
		ix.cancel()
	}
	ix.wg.Wait()
}

func (ix *Indexer) dispatch(ctx context.Context, jobs chan<- pendingNote) {
	defer ix.wg.Done()
	defer close(jobs)
	for {
		batch, err := ix.claimPending(16)
		if err != nil {
			ix.log.WithError(err).Warn("cannot read pending notes")
		}
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		for _, p := range batch {
			select {
			case <-ctx.Done():
				return
			case jobs <- p:
			}
		}
	}
}

// claimPending fetches pending notes not already handed to a worker.
func (ix *Indexer) claimPending(limit int) ([]pendingNote, error) {
	rows, err := ix.store.db.Query(`
		SELECT n.id, n.item, n.colname, n.doc
		FROM pending_notes p JOIN notes n ON n.id = p.note
		ORDER BY p.note LIMIT ?`, limit)
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, "notes.indexer", err)
	}
	defer rows.Close()
	var out []pendingNote
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for rows.Next() {
		var p pendingNote
		if err := rows.Scan(&p.noteID, &p.itemID, &p.category, &p.doc); err != nil {
			return out, liberr.Wrap(liberr.IO, "notes.indexer", err)
		}
		if _, busy := ix.inFlight[p.noteID]; busy {
			continue
		}
		ix.inFlight[p.noteID] = struct{}{}
		if len(ix.inFlight) > ix.total {
			ix.total = len(ix.inFlight)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (ix *Indexer) worker(ctx context.Context, n int, jobs <-chan pendingNote) {
	defer ix.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-jobs:
			if !ok {
				return
			}
			// In slow mode only worker 0 makes progress.
			if n > 0 && !ix.fast.Load() {
				ix.release(p.noteID, false)
				continue
			}
			ix.index(p)
			if !ix.fast.Load() && ix.sleep > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(ix.sleep):
				}
			}
		}
	}
}

func (ix *Indexer) index(p pendingNote) {
	name := ix.namer(p.category, p.itemID)
	text := name + "\n" + StripText(p.doc)
	_, err := ix.store.db.Exec(`UPDATE notes SET searchable_text = ? WHERE id = ?`, text, p.noteID)
	if err == nil {
		_, err = ix.store.db.Exec(`DELETE FROM pending_notes WHERE note = ?`, p.noteID)
	}
	if err != nil {
		ix.log.WithError(err).WithField("note", p.noteID).Warn("cannot index note")
	}
	ix.release(p.noteID, err == nil)
}

func (ix *Indexer) release(noteID int64, report bool) {
	ix.mu.Lock()
	delete(ix.inFlight, noteID)
	total := ix.total
	ix.mu.Unlock()
	if !report || ix.progress == nil {
		return
	}
	remaining, err := ix.store.PendingCount()
	if err != nil {
		return
	}
	if remaining == 0 {
		ix.mu.Lock()
		ix.total = 0
		ix.mu.Unlock()
	}
	ix.progress(remaining, total)
}

// PendingCount reports how many notes still await indexing.
func (s *Store) PendingCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_notes`).Scan(&n); err != nil {
		return 0, liberr.Wrap(liberr.IO, "notes.pending_count", err)
	}
	return n, nil
}

// ReindexAll marks every note pending so indexing restarts from zero.
func (s *Store) ReindexAll() error {
	err := s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO pending_notes (note) SELECT id FROM notes`); err != nil {
			return liberr.Wrap(liberr.IO, "notes.reindex_all", err)
		}
		return nil
	})
	return err
}

// IndexPending indexes every pending note synchronously. Returns the
// number of notes indexed. The background indexer is preferred for
// large backlogs; this is for startup and command-line use where the
// caller needs the index complete before proceeding.
func (s *Store) IndexPending(namer ItemNamer) (int, error) {
	const op = "notes.index_pending"
	indexed := 0
	for {
		var (
			noteID, itemID int64
			category, doc  string
		)
		err := s.db.QueryRow(`
			SELECT n.id, n.item, n.colname, n.doc
			FROM pending_notes p JOIN notes n ON n.id = p.note
			ORDER BY p.note LIMIT 1`).Scan(&noteID, &itemID, &category, &doc)
		if err == sql.ErrNoRows {
			return indexed, nil
		}
		if err != nil {
			return indexed, liberr.Wrap(liberr.IO, op, err)
		}
		text := namer(category, itemID) + "\n" + StripText(doc)
		if _, err := s.db.Exec(`UPDATE notes SET searchable_text = ? WHERE id = ?`, text, noteID); err != nil {
			return indexed, liberr.Wrap(liberr.IO, op, err)
		}
		if _, err := s.db.Exec(`DELETE FROM pending_notes WHERE note = ?`, noteID); err != nil {
			return indexed, liberr.Wrap(liberr.IO, op, err)
		}
		indexed++
	}
}

// StripText flattens an HTML document to its plain text, whitespace
// collapsed.
func StripText(doc string) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return doc
	}
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(root)
	return strings.Join(strings.Fields(sb.String()), " ")
}
