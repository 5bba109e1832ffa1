package config

import (
	"time"

	"github.com/spf13/viper"
)

type (
	// Config is the process-wide context: everything the core reads
	// from the environment lives here, no ambient globals.
	Config struct {
		Library
		Locale
		Notes
		Artifacts
		Tasks
	}

	Library struct {
		Path               string // library root directory
		FilenamePattern    string // regexp with title/author/series groups for imports
		MaxComponentLength int    // per path component, in bytes
		MaxPathLength      int    // full path, in bytes
		WatchSidecars      bool   // reload books whose metadata.opf changes on disk
	}

	Locale struct {
		Language string // BCP 47 tag used for collation, e.g. "en"
	}

	Notes struct {
		MaxRetiredItems int           // bound of the note retirement area
		IndexWorkers    int           // workers in fast indexing mode
		IndexSleep      time.Duration // sleep between items in slow mode
	}

	Artifacts struct {
		CacheDir        string        // shared artifact cache root
		RendererVersion int           // participates in the fingerprint
		MaxAge          time.Duration // artifacts unused longer than this are removed
		CleanInterval   time.Duration // minimum time between cleaning passes
	}

	Tasks struct {
		Workers         int
		ReleaseAfter    time.Duration
		CleanupInterval time.Duration
	}
)

func NewConfig() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("library_path", ".")
	v.SetDefault("filename_pattern", `^(?P<title>.+?)(?: - (?P<author>[^-]+?))?$`)
	v.SetDefault("max_component_length", 240)
	v.SetDefault("max_path_length", 4000)
	v.SetDefault("watch_sidecars", false)

	v.SetDefault("locale_for_sorting", "en")

	v.SetDefault("notes_max_retired_items", 256)
	v.SetDefault("notes_index_workers", 4)
	v.SetDefault("notes_index_sleep", "100ms")

	v.SetDefault("artifact_cache_dir", DefaultCacheDir)
	v.SetDefault("artifact_renderer_version", 1)
	v.SetDefault("artifact_max_age", "720h")
	v.SetDefault("artifact_clean_interval", "1h")

	v.SetDefault("task_workers", 2)
	v.SetDefault("task_release_after", "15m")
	v.SetDefault("task_cleanup_interval", "1h")

	return &Config{
		Library: Library{
			Path:               v.GetString("LIBRARY_PATH"),
			FilenamePattern:    v.GetString("FILENAME_PATTERN"),
			MaxComponentLength: v.GetInt("MAX_COMPONENT_LENGTH"),
			MaxPathLength:      v.GetInt("MAX_PATH_LENGTH"),
			WatchSidecars:      v.GetBool("WATCH_SIDECARS"),
		},
		Locale: Locale{
			Language: v.GetString("LOCALE_FOR_SORTING"),
		},
		Notes: Notes{
			MaxRetiredItems: v.GetInt("NOTES_MAX_RETIRED_ITEMS"),
			IndexWorkers:    v.GetInt("NOTES_INDEX_WORKERS"),
			IndexSleep:      v.GetDuration("NOTES_INDEX_SLEEP"),
		},
		Artifacts: Artifacts{
			CacheDir:        v.GetString("ARTIFACT_CACHE_DIR"),
			RendererVersion: v.GetInt("ARTIFACT_RENDERER_VERSION"),
			MaxAge:          v.GetDuration("ARTIFACT_MAX_AGE"),
			CleanInterval:   v.GetDuration("ARTIFACT_CLEAN_INTERVAL"),
		},
		Tasks: Tasks{
			Workers:         v.GetInt("TASK_WORKERS"),
			ReleaseAfter:    v.GetDuration("TASK_RELEASE_AFTER"),
			CleanupInterval: v.GetDuration("TASK_CLEANUP_INTERVAL"),
		},
	}
}
