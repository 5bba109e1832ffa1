package cli

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kovidgoyal/calibre-sub022/internal/config"
)

// RestoreCommand rebuilds a library's database from the per-book
// metadata.opf side-cars.
type RestoreCommand struct {
	Library string
	Verbose bool
}

func NewRestoreCommand() *RestoreCommand {
	return &RestoreCommand{}
}

func (cmd *RestoreCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	fs.StringVar(&cmd.Library, "library", ".", "Library root directory")
	fs.BoolVar(&cmd.Verbose, "verbose", false, "Enable verbose logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s restore [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Rebuild metadata.db from the book folders' metadata.opf files.\n")
		fmt.Fprintf(os.Stderr, "Runs only when metadata.db is missing; move it aside first to\n")
		fmt.Fprintf(os.Stderr, "force a rebuild.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	return fs.Parse(args)
}

func (cmd *RestoreCommand) Run() error {
	metaPath := filepath.Join(cmd.Library, config.MetadataDBName)
	if _, err := os.Stat(metaPath); err == nil {
		return fmt.Errorf("%s already exists; move it aside to rebuild from side-cars", metaPath)
	}

	lib, err := openLibrary(cmd.Library, cmd.Verbose)
	if err != nil {
		return err
	}
	defer lib.Close()

	fmt.Printf("restored %d book(s) into %s\n", lib.BookCount(), metaPath)
	return nil
}
