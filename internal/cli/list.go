package cli

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/kovidgoyal/calibre-sub022/internal/search"
)

// ListCommand prints the books of a library.
type ListCommand struct {
	Library string
	SortBy  string
	Verbose bool
}

func NewListCommand() *ListCommand {
	return &ListCommand{}
}

func (cmd *ListCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.StringVar(&cmd.Library, "library", ".", "Library root directory")
	fs.StringVar(&cmd.SortBy, "sort", "title", "Comma-separated sort keys; prefix with - for descending")
	fs.BoolVar(&cmd.Verbose, "verbose", false, "Enable verbose logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s list [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "List all books.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s list -sort authors,-pubdate\n", os.Args[0])
	}
	return fs.Parse(args)
}

func (cmd *ListCommand) Run() error {
	lib, err := openLibrary(cmd.Library, cmd.Verbose)
	if err != nil {
		return err
	}
	defer lib.Close()

	ids := lib.AllBookIDs()
	var specs []search.SortSpec
	for _, key := range strings.Split(cmd.SortBy, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		asc := true
		if strings.HasPrefix(key, "-") {
			asc = false
			key = key[1:]
		}
		specs = append(specs, search.SortSpec{Key: key, Ascending: asc})
	}
	if len(specs) > 0 {
		if err := lib.Multisort(ids, specs); err != nil {
			return err
		}
	}

	for _, id := range ids {
		printBookLine(lib, id)
	}
	fmt.Printf("%d book(s)\n", len(ids))
	return nil
}
