// Command generate_demo creates a demo library seeded with public
// domain books, a custom column and a couple of notes.
// Usage: go run cmd/generate_demo/main.go [-library path/to/demo]
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kovidgoyal/calibre-sub022/internal/config"
	"github.com/kovidgoyal/calibre-sub022/internal/library"
	"github.com/kovidgoyal/calibre-sub022/internal/schema"
	"github.com/sirupsen/logrus"
)

const defaultDemoLibraryPath = "./demo/library"

type demoBook struct {
	spec  library.BookSpec
	pages float64
}

func main() {
	libPath := flag.String("library", defaultDemoLibraryPath, "path to the demo library root")
	flag.Parse()

	log.Printf("Generating demo library at %s...", *libPath)

	if err := os.RemoveAll(*libPath); err != nil {
		log.Fatalf("Failed to remove existing demo library: %v", err)
	}

	cfg := config.NewConfig()
	cfg.Library.Path = *libPath
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	lib, err := library.Open(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open library: %v", err)
	}
	defer lib.Close()

	if _, err := lib.CreateCustomColumn("pages", "Pages", schema.Int, false, schema.Display{}); err != nil {
		log.Fatalf("Failed to create #pages column: %v", err)
	}

	books := publicDomainBooks(*libPath)
	var specs []library.BookSpec
	for _, b := range books {
		specs = append(specs, b.spec)
	}
	ids, err := lib.AddBooks(specs)
	if err != nil {
		log.Fatalf("Failed to add books: %v", err)
	}
	for i, id := range ids {
		if books[i].pages > 0 {
			if err := lib.SetField("#pages", map[int64]any{id: books[i].pages}); err != nil {
				log.Printf("Failed to set pages for book %d: %v", id, err)
			}
		}
		log.Printf("Saved: %s by %s", books[i].spec.Title, books[i].spec.Authors[0])
	}

	addNotes(lib)

	log.Printf("Demo library ready: %d books", lib.BookCount())
}

// publicDomainBooks stages tiny placeholder format files and returns
// the demo metadata.
func publicDomainBooks(libPath string) []demoBook {
	staging := filepath.Join(libPath, "..", "staging")
	if err := os.MkdirAll(staging, 0755); err != nil {
		log.Fatalf("Failed to create staging dir: %v", err)
	}

	mk := func(name string) string {
		p := filepath.Join(staging, name)
		if err := os.WriteFile(p, []byte("demo ebook payload: "+name), 0644); err != nil {
			log.Fatalf("Failed to write %s: %v", name, err)
		}
		return p
	}

	return []demoBook{
		{
			spec: library.BookSpec{
				Title:       "Pride and Prejudice",
				Authors:     []string{"Jane Austen"},
				Tags:        []string{"fiction", "classics", "romance"},
				Publisher:   "T. Egerton",
				Languages:   []string{"eng"},
				Rating:      10,
				Comments:    "<p>A truth universally acknowledged.</p>",
				Identifiers: map[string]string{"gutenberg": "1342"},
				Pubdate:     time.Date(1813, 1, 28, 0, 0, 0, 0, time.UTC),
				FormatPaths: []string{mk("pride_and_prejudice.epub")},
			},
			pages: 432,
		},
		{
			spec: library.BookSpec{
				Title:       "Moby-Dick",
				Authors:     []string{"Herman Melville"},
				Tags:        []string{"fiction", "classics", "adventure"},
				Publisher:   "Harper & Brothers",
				Languages:   []string{"eng"},
				Rating:      8,
				Identifiers: map[string]string{"gutenberg": "2701"},
				Pubdate:     time.Date(1851, 10, 18, 0, 0, 0, 0, time.UTC),
				FormatPaths: []string{mk("moby_dick.epub"), mk("moby_dick.txt")},
			},
			pages: 635,
		},
		{
			spec: library.BookSpec{
				Title:       "The Time Machine",
				Authors:     []string{"H. G. Wells"},
				Tags:        []string{"fiction", "science fiction"},
				Series:      "Scientific Romances",
				SeriesIndex: 1,
				Languages:   []string{"eng"},
				Pubdate:     time.Date(1895, 5, 7, 0, 0, 0, 0, time.UTC),
				FormatPaths: []string{mk("the_time_machine.epub")},
			},
			pages: 118,
		},
	}
}

func addNotes(lib *library.Library) {
	notes := map[string]string{
		"Jane Austen":     "<p>English novelist, 1775-1817. Known for social commentary wrapped in wit.</p>",
		"Herman Melville": "<p>American novelist, 1819-1891. Rediscovered decades after his death.</p>",
	}
	nameByID := make(map[int64]string)
	for name, doc := range notes {
		id, err := lib.TermID("authors", name)
		if err != nil {
			log.Printf("Failed to find author %s: %v", name, err)
			continue
		}
		nameByID[id] = name
		if _, err := lib.SetNotesFor("authors", id, doc, nil); err != nil {
			log.Printf("Failed to set note for %s: %v", name, err)
		}
	}
	n, err := lib.NotesStore().IndexPending(func(category string, itemID int64) string {
		return nameByID[itemID]
	})
	if err != nil {
		log.Printf("Failed to index notes: %v", err)
		return
	}
	log.Printf("Indexed %d note(s)", n)
}
