package cli

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// NotesSearchCommand runs a full-text query over the notes of a
// library's people, series, tags and other items.
type NotesSearchCommand struct {
	Library  string
	Restrict string
	Verbose  bool
	Query    string
}

func NewNotesSearchCommand() *NotesSearchCommand {
	return &NotesSearchCommand{}
}

func (cmd *NotesSearchCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("notes-search", flag.ExitOnError)
	fs.StringVar(&cmd.Library, "library", ".", "Library root directory")
	fs.StringVar(&cmd.Restrict, "fields", "", "Comma-separated categories to search (authors, tags, ...)")
	fs.BoolVar(&cmd.Verbose, "verbose", false, "Enable verbose logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s notes-search [options] query\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Full-text search over item notes. An empty query lists every\n")
		fmt.Fprintf(os.Stderr, "item that has a note.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	cmd.Query = strings.Join(fs.Args(), " ")
	return nil
}

func (cmd *NotesSearchCommand) Run() error {
	lib, err := openLibrary(cmd.Library, cmd.Verbose)
	if err != nil {
		return err
	}
	defer lib.Close()

	var restrict []string
	for _, f := range strings.Split(cmd.Restrict, ",") {
		if f = strings.TrimSpace(f); f != "" {
			restrict = append(restrict, f)
		}
	}
	results, err := lib.SearchNotes(cmd.Query, restrict)
	if err != nil {
		return err
	}
	for _, r := range results {
		text := r.Text
		if len(text) > 120 {
			text = text[:120] + "..."
		}
		fmt.Printf("%s/%d: %s\n", r.Category, r.ItemID, strings.ReplaceAll(text, "\n", " "))
	}
	fmt.Printf("%d note(s)\n", len(results))
	return nil
}
