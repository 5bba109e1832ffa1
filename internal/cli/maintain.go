package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/kovidgoyal/calibre-sub022/internal/artifacts"
	"github.com/kovidgoyal/calibre-sub022/internal/config"
	"github.com/kovidgoyal/calibre-sub022/internal/scheduler"
	"github.com/kovidgoyal/calibre-sub022/internal/tasks"
)

// MaintainCommand runs the background maintenance daemon: artifact
// builds, artifact aging and retired-note resource collection.
type MaintainCommand struct {
	Library  string
	CacheDir string
	Verbose  bool
}

func NewMaintainCommand() *MaintainCommand {
	return &MaintainCommand{}
}

func (cmd *MaintainCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("maintain", flag.ExitOnError)
	fs.StringVar(&cmd.Library, "library", ".", "Library root directory")
	fs.StringVar(&cmd.CacheDir, "cache-dir", "", "Artifact cache directory (default from config)")
	fs.BoolVar(&cmd.Verbose, "verbose", false, "Enable verbose logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s maintain [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run background maintenance until interrupted: process queued\n")
		fmt.Fprintf(os.Stderr, "artifact builds, index pending notes, age out unused artifacts\n")
		fmt.Fprintf(os.Stderr, "and collect unreferenced note resources.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	return fs.Parse(args)
}

func (cmd *MaintainCommand) Run() error {
	cfg := config.NewConfig()
	if cmd.CacheDir != "" {
		cfg.Artifacts.CacheDir = cmd.CacheDir
	}

	log := logrus.New()
	if cmd.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	lib, err := openLibrary(cmd.Library, cmd.Verbose)
	if err != nil {
		return err
	}
	defer lib.Close()

	queue, err := tasks.NewClient(cfg.Artifacts.CacheDir, tasks.Config{
		Workers:         cfg.Tasks.Workers,
		ReleaseAfter:    cfg.Tasks.ReleaseAfter,
		CleanupInterval: cfg.Tasks.CleanupInterval,
	}, log)
	if err != nil {
		return err
	}
	defer queue.Close()

	cache, err := artifacts.New(cfg.Artifacts.CacheDir, lib.UUID(), nil, queue, artifacts.Options{
		MaxAge:        cfg.Artifacts.MaxAge,
		CleanInterval: cfg.Artifacts.CleanInterval,
	}, log)
	if err != nil {
		return err
	}
	queue.Register(artifacts.NewBuildQueue(cache))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	queue.Start(ctx)
	defer queue.Stop(context.Background())

	indexer := lib.NoteIndexer(cfg.Notes.IndexWorkers)
	indexer.Start(ctx)
	defer indexer.Stop()

	sched := scheduler.New(log)
	if err := sched.Add("@every 1h", "artifact_aging", func() error {
		cache.Clean()
		return nil
	}); err != nil {
		return err
	}
	if err := sched.Add("@every 24h", "note_resource_collection", func() error {
		_, err := lib.NotesStore().CollectUnusedResources()
		return err
	}); err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	log.WithField("library", lib.Root()).Info("maintenance running, ctrl-c to stop")
	<-ctx.Done()
	return nil
}
