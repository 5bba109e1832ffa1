// Package cli implements the command-line entry points: thin wrappers
// that open a library and drive the facade in internal/library.
package cli

import (
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/kovidgoyal/calibre-sub022/internal/config"
	"github.com/kovidgoyal/calibre-sub022/internal/library"
)

// openLibrary opens the library at path with config defaults, path
// overriding the configured root.
func openLibrary(path string, verbose bool) (*library.Library, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg := config.NewConfig()
	cfg.Library.Path = abs

	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	return library.Open(cfg, log)
}
