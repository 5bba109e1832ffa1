package cli

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kovidgoyal/calibre-sub022/internal/library"
)

// SearchCommand evaluates a search expression against a library.
type SearchCommand struct {
	Library    string
	Verbose    bool
	Expression string
}

func NewSearchCommand() *SearchCommand {
	return &SearchCommand{}
}

func (cmd *SearchCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	fs.StringVar(&cmd.Library, "library", ".", "Library root directory")
	fs.BoolVar(&cmd.Verbose, "verbose", false, "Enable verbose logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s search [options] expression\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Search books. The expression language supports field prefixes,\n")
		fmt.Fprintf(os.Stderr, "quoting, parentheses and and/or/not.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s search 'tags:fiction and rating:>=8'\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s search 'authors:~tolk.*'\n", os.Args[0])
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	cmd.Expression = strings.Join(fs.Args(), " ")
	return nil
}

func (cmd *SearchCommand) Run() error {
	lib, err := openLibrary(cmd.Library, cmd.Verbose)
	if err != nil {
		return err
	}
	defer lib.Close()

	matches, err := lib.Search(cmd.Expression)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(matches))
	for id := range matches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		printBookLine(lib, id)
	}
	fmt.Printf("%d match(es)\n", len(ids))
	return nil
}

func printBookLine(lib *library.Library, id int64) {
	title, _ := lib.GetField("title", id)
	authors, _ := lib.GetField("authors", id)
	names, _ := authors.([]string)
	fmt.Printf("%6d  %v  [%s]\n", id, title, strings.Join(names, " & "))
}
