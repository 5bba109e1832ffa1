package main

import (
	"fmt"
	"os"

	"github.com/kovidgoyal/calibre-sub022/internal/cli"
)

// Version information - set at build time via ldflags
var (
	Version = "dev"
	Commit  = "unknown"
)

type command interface {
	ParseFlags(args []string) error
	Run() error
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	args := os.Args[2:]

	var cmd command
	switch name {
	case "add":
		cmd = cli.NewAddCommand()
	case "list":
		cmd = cli.NewListCommand()
	case "search":
		cmd = cli.NewSearchCommand()
	case "set":
		cmd = cli.NewSetCommand()
	case "notes-search":
		cmd = cli.NewNotesSearchCommand()
	case "restore":
		cmd = cli.NewRestoreCommand()
	case "maintain":
		cmd = cli.NewMaintainCommand()
	case "version":
		fmt.Printf("%s (%s)\n", Version, Commit)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		usage()
		os.Exit(2)
	}

	if err := cmd.ParseFlags(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Book library storage engine.

Commands:
  add           Import ebook files into a library
  list          List books
  search        Search books with the expression language
  set           Set one metadata field of a book
  notes-search  Full-text search over item notes
  restore       Rebuild the database from metadata.opf side-cars
  maintain      Run background maintenance until interrupted
  version       Print version information

Run '%s <command> -h' for command options.
`, os.Args[0], os.Args[0])
}
