package cli

import (
	"flag"
	"fmt"
	"os"

	"github.com/kovidgoyal/calibre-sub022/internal/config"
	"github.com/kovidgoyal/calibre-sub022/internal/importer"
)

// AddCommand imports ebook files into a library.
type AddCommand struct {
	Library string
	Verbose bool
	Files   []string
}

func NewAddCommand() *AddCommand {
	return &AddCommand{}
}

func (cmd *AddCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	fs.StringVar(&cmd.Library, "library", ".", "Library root directory")
	fs.BoolVar(&cmd.Verbose, "verbose", false, "Enable verbose logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s add [options] file.epub [file2.pdf ...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Import ebook files. Files sharing a name become formats of one\n")
		fmt.Fprintf(os.Stderr, "book; metadata comes from an adjacent .opf file or the filename.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	cmd.Files = fs.Args()
	if len(cmd.Files) == 0 {
		fs.Usage()
		return fmt.Errorf("no files given")
	}
	return nil
}

func (cmd *AddCommand) Run() error {
	lib, err := openLibrary(cmd.Library, cmd.Verbose)
	if err != nil {
		return err
	}
	defer lib.Close()

	im, err := importer.New(lib, config.NewConfig().Library.FilenamePattern, nil)
	if err != nil {
		return err
	}
	ids, err := im.AddBooks(cmd.Files)
	if err != nil {
		return err
	}
	for _, id := range ids {
		title, _ := lib.GetField("title", id)
		fmt.Printf("added %d: %v\n", id, title)
	}
	return nil
}
