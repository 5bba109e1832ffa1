package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

// Layout owns the on-disk book folder structure below the library
// root: <root>/<author-dir>/<title-dir> (<id>)/.
type Layout struct {
	root         string
	maxComponent int
	maxPath      int
	log          *logrus.Logger
}

func New(root string, maxComponent, maxPath int, log *logrus.Logger) *Layout {
	if log == nil {
		log = logrus.New()
	}
	if maxComponent <= 0 {
		maxComponent = 240
	}
	if maxPath <= 0 {
		maxPath = 4000
	}
	return &Layout{root: root, maxComponent: maxComponent, maxPath: maxPath, log: log}
}

func (l *Layout) Root() string { return l.root }

// Abs resolves a library-relative book path.
func (l *Layout) Abs(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(rel))
}

// BookPath computes the relative folder path for a book as a pure
// function of (primary author sort, title, id). Uses forward slashes
// for storage; convert with Abs for filesystem use.
func (l *Layout) BookPath(authorSortPrimary, title string, id int64) string {
	author := SanitizeComponent(authorSortPrimary)
	author = truncateComponent(author, "", l.maxComponent)
	leaf := bookDirLeaf(title, id, l.maxComponent)

	// Keep the whole path under the platform limit; the leaf keeps
	// its id suffix, the author component absorbs the cut.
	budget := l.maxPath - len(l.root) - len(leaf) - 2
	if budget < 1 {
		budget = 1
	}
	if len(author) > budget {
		author = truncateComponent(author, "", budget)
	}
	return author + "/" + leaf
}

// FormatFilename names a format file inside a book folder.
func (l *Layout) FormatFilename(title, authors, ext string) string {
	stem := SanitizeComponent(title) + " - " + SanitizeComponent(authors)
	stem = truncateComponent(stem, "", l.maxComponent-len(ext)-1)
	return stem + "." + strings.ToLower(ext)
}

// EnsureBookDir creates the folder for rel, resolving collisions
// caused by truncation with a short disambiguator inserted before the
// id suffix. Returns the possibly-adjusted relative path.
func (l *Layout) EnsureBookDir(rel string, id int64) (string, error) {
	candidate := rel
	for n := 0; ; n++ {
		if n > 0 {
			candidate = disambiguate(rel, id, n)
		}
		if n > 100 {
			return "", liberr.New(liberr.Conflict, "layout.ensure_book_dir",
				"cannot find unused folder for %q", rel)
		}
		abs := l.Abs(candidate)
		if _, err := os.Stat(abs); err == nil {
			continue // occupied, try next disambiguator
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return "", liberr.Wrap(liberr.IO, "layout.ensure_book_dir", err)
		}
		return candidate, nil
	}
}

func disambiguate(rel string, id int64, n int) string {
	suffix := fmt.Sprintf(" (%d)", id)
	if strings.HasSuffix(rel, suffix) {
		return fmt.Sprintf("%sx%d%s", rel[:len(rel)-len(suffix)], n, suffix)
	}
	return fmt.Sprintf("%sx%d", rel, n)
}

// MoveBookDir atomically moves a book folder from oldRel to newRel.
// Equal paths are a no-op; case-only changes go through a unique
// intermediate name so they succeed on case-insensitive filesystems;
// occupied targets get a disambiguator. Returns the final relative
// path.
func (l *Layout) MoveBookDir(oldRel, newRel string, id int64) (string, error) {
	const op = "layout.move_book_dir"
	if oldRel == newRel {
		return newRel, nil
	}
	oldAbs := l.Abs(oldRel)
	if _, err := os.Stat(oldAbs); err != nil {
		return "", liberr.Wrap(liberr.Integrity, op, err)
	}

	caseOnly := strings.EqualFold(oldRel, newRel)
	if !caseOnly {
		candidate := newRel
		for n := 1; ; n++ {
			if _, err := os.Stat(l.Abs(candidate)); os.IsNotExist(err) {
				break
			}
			if n > 100 {
				return "", liberr.New(liberr.Conflict, op, "no unused folder near %q", newRel)
			}
			candidate = disambiguate(newRel, id, n)
		}
		newRel = candidate
	}
	newAbs := l.Abs(newRel)
	if err := os.MkdirAll(filepath.Dir(newAbs), 0755); err != nil {
		return "", liberr.Wrap(liberr.IO, op, err)
	}

	if caseOnly {
		// Two-step rename via a unique sibling so the final rename is
		// a pure case change even on case-insensitive filesystems.
		tmp := newAbs + fmt.Sprintf(".casemove-%d", id)
		if err := os.Rename(oldAbs, tmp); err != nil {
			return "", liberr.Wrap(liberr.IO, op, err)
		}
		if err := os.Rename(tmp, newAbs); err != nil {
			// Try to restore the original name before failing.
			if rbErr := os.Rename(tmp, oldAbs); rbErr != nil {
				l.log.WithError(rbErr).WithField("path", tmp).Error("case rename rollback failed")
			}
			return "", liberr.Wrap(liberr.IO, op, err)
		}
	} else {
		if err := os.Rename(oldAbs, newAbs); err != nil {
			return "", liberr.Wrap(liberr.IO, op, err)
		}
	}
	l.syncDir(filepath.Dir(oldAbs))
	l.syncDir(filepath.Dir(newAbs))
	l.pruneEmptyParent(oldAbs)
	return newRel, nil
}

// RemoveBookDir deletes a book folder and prunes its author dir if
// now empty.
func (l *Layout) RemoveBookDir(rel string) error {
	abs := l.Abs(rel)
	if err := os.RemoveAll(abs); err != nil {
		return liberr.Wrap(liberr.IO, "layout.remove_book_dir", err)
	}
	l.pruneEmptyParent(abs)
	return nil
}

func (l *Layout) pruneEmptyParent(abs string) {
	parent := filepath.Dir(abs)
	if parent == l.root || parent == filepath.Dir(l.root) {
		return
	}
	entries, err := os.ReadDir(parent)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(parent)
	}
}

// syncDir fsyncs a directory so renames survive a crash. Best-effort:
// some filesystems refuse directory fsync.
func (l *Layout) syncDir(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		l.log.WithError(err).WithField("dir", path).Debug("dir fsync failed")
	}
}

var leafIDPat = regexp.MustCompile(`\((\d+)\)$`)

// Scan walks the library root and returns book id -> relative folder
// path, recognizing only leaf folders ending in "(<digits>)". Other
// folders are ignored.
func (l *Layout) Scan() (map[int64]string, error) {
	out := make(map[int64]string)
	authors, err := os.ReadDir(l.root)
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, "layout.scan", err)
	}
	for _, a := range authors {
		if !a.IsDir() || strings.HasPrefix(a.Name(), ".") {
			continue
		}
		leaves, err := os.ReadDir(filepath.Join(l.root, a.Name()))
		if err != nil {
			l.log.WithError(err).WithField("dir", a.Name()).Warn("skipping unreadable author dir")
			continue
		}
		for _, leaf := range leaves {
			if !leaf.IsDir() {
				continue
			}
			m := leafIDPat.FindStringSubmatch(strings.TrimRight(leaf.Name(), " "))
			if m == nil {
				continue
			}
			id, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				continue
			}
			out[id] = a.Name() + "/" + leaf.Name()
		}
	}
	return out, nil
}

// CleanTempFiles removes leftover tmp* files inside a book folder.
func (l *Layout) CleanTempFiles(rel string) {
	abs := l.Abs(rel)
	entries, err := os.ReadDir(abs)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "tmp") {
			_ = os.Remove(filepath.Join(abs, e.Name()))
		}
	}
}
