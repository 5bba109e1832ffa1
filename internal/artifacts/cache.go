// Package artifacts is the content-addressed cache of rendered book
// artifacts. Builds run on the background task queue; finished builds
// are promoted atomically from a staging directory into the finalized
// area, so readers always see either the old or the new complete
// directory.
package artifacts

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
	"github.com/kovidgoyal/calibre-sub022/internal/tasks"
)

const (
	stagingDirName  = "s"
	finalDirName    = "f"
	manifestName    = "calibre-book-manifest.json"
	defaultMaxAge   = 30 * 24 * time.Hour
	defaultInterval = time.Hour
)

// ManifestFile describes one file inside a finalized artifact.
type ManifestFile struct {
	Name     string `json:"name"`
	MimeType string `json:"mimetype"`
	Size     int64  `json:"size"`
}

// Manifest is the JSON document accompanying a finalized artifact.
type Manifest struct {
	Fingerprint string         `json:"fingerprint"`
	BookID      int64          `json:"book_id"`
	Format      string         `json:"format"`
	Files       []ManifestFile `json:"files"`
	BuiltAt     time.Time      `json:"built_at"`
}

// JobState is the lifecycle of one build job.
type JobState int32

const (
	JobQueued JobState = iota
	JobRunning
	JobOK
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobOK:
		return "ok"
	case JobFailed:
		return "failed"
	}
	return "unknown"
}

// JobStatus is a point-in-time snapshot of a build job.
type JobStatus struct {
	Fingerprint string
	State       JobState
	Aborted     bool
	Traceback   string
}

type job struct {
	mu     sync.Mutex
	status JobStatus
}

func (j *job) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *job) setState(s JobState) {
	j.mu.Lock()
	j.status.State = s
	j.mu.Unlock()
}

func (j *job) fail(aborted bool, traceback string) {
	j.mu.Lock()
	j.status.State = JobFailed
	j.status.Aborted = aborted
	j.status.Traceback = traceback
	j.mu.Unlock()
}

// BuildRequest carries everything a renderer needs.
type BuildRequest struct {
	Fingerprint string `json:"fingerprint"`
	BookID      int64  `json:"book_id"`
	Format      string `json:"format"`
	SourcePath  string `json:"source_path"`
	CoverPath   string `json:"cover_path,omitempty"`
}

// Renderer turns a stored format file into artifact files in destDir.
type Renderer interface {
	Version() int
	Render(ctx context.Context, req BuildRequest, destDir string) ([]ManifestFile, error)
}

// Cache manages staging, finalized artifacts, job tracking and aging.
type Cache struct {
	root        string
	libraryUUID string
	renderer    Renderer
	queue       *tasks.Client
	maxAge      time.Duration
	interval    time.Duration
	log         *logrus.Logger

	purgeOnce sync.Once

	mu        sync.Mutex
	jobs      map[string]*job
	lastClean time.Time
}

// Options tunes the cache.
type Options struct {
	MaxAge        time.Duration
	CleanInterval time.Duration
}

// New creates an artifact cache rooted at root. queue may be nil, in
// which case builds run inline on the calling goroutine.
func New(root, libraryUUID string, renderer Renderer, queue *tasks.Client, opts Options, log *logrus.Logger) (*Cache, error) {
	const op = "artifacts.new"
	if log == nil {
		log = logrus.New()
	}
	if renderer == nil {
		renderer = &CopyRenderer{}
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.CleanInterval <= 0 {
		opts.CleanInterval = defaultInterval
	}
	for _, d := range []string{stagingDirName, finalDirName} {
		if err := os.MkdirAll(filepath.Join(root, d), 0755); err != nil {
			return nil, liberr.Wrap(liberr.IO, op, err)
		}
	}
	return &Cache{
		root:        root,
		libraryUUID: libraryUUID,
		renderer:    renderer,
		queue:       queue,
		maxAge:      opts.MaxAge,
		interval:    opts.CleanInterval,
		log:         log,
		jobs:        make(map[string]*job),
	}, nil
}

func (c *Cache) finalDir(fp string) string {
	return filepath.Join(c.root, finalDirName, fp)
}

// purgeStaging clears leftovers from interrupted builds, once per
// process.
func (c *Cache) purgeStaging() {
	c.purgeOnce.Do(func() {
		dir := filepath.Join(c.root, stagingDirName)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				c.log.WithError(err).WithField("entry", e.Name()).Warn("cannot purge staging entry")
			}
		}
	})
}

// Manifest returns the finalized manifest for (bookID, format) if one
// exists, touching its access time. Otherwise it returns the status
// of the build job for the fingerprint, dispatching a new build when
// none is queued. Exactly one of manifest and status is non-nil.
func (c *Cache) Manifest(bookID int64, format, sourcePath string, size int64, mtime time.Time, coverPath string) (*Manifest, *JobStatus, error) {
	c.purgeStaging()
	c.maybeClean()

	fp := Fingerprint(c.libraryUUID, bookID, format, size, mtime, c.renderer.Version())
	if m, err := c.loadManifest(fp); err == nil {
		c.touch(fp)
		return m, nil, nil
	}

	c.mu.Lock()
	j, ok := c.jobs[fp]
	if ok {
		status := j.snapshot()
		c.mu.Unlock()
		return nil, &status, nil
	}
	j = &job{status: JobStatus{Fingerprint: fp, State: JobQueued}}
	c.jobs[fp] = j
	c.mu.Unlock()

	req := BuildRequest{
		Fingerprint: fp,
		BookID:      bookID,
		Format:      format,
		SourcePath:  sourcePath,
		CoverPath:   coverPath,
	}
	if err := c.dispatch(req); err != nil {
		c.mu.Lock()
		delete(c.jobs, fp)
		c.mu.Unlock()
		return nil, nil, err
	}
	status := j.snapshot()
	return nil, &status, nil
}

func (c *Cache) dispatch(req BuildRequest) error {
	if c.queue == nil {
		c.Build(context.Background(), req)
		return nil
	}
	if _, err := c.queue.Add(BuildTask{Request: req}).Save(); err != nil {
		return liberr.Wrap(liberr.Retryable, "artifacts.dispatch", err)
	}
	return nil
}

// Build runs one build to completion, promoting the staging dir on
// success. Safe to call from any goroutine; the job record for the
// fingerprint must already exist (Manifest creates it).
func (c *Cache) Build(ctx context.Context, req BuildRequest) {
	c.mu.Lock()
	j, ok := c.jobs[req.Fingerprint]
	if !ok {
		j = &job{status: JobStatus{Fingerprint: req.Fingerprint, State: JobQueued}}
		c.jobs[req.Fingerprint] = j
	}
	c.mu.Unlock()
	j.setState(JobRunning)

	staging, err := os.MkdirTemp(filepath.Join(c.root, stagingDirName), "build")
	if err != nil {
		j.fail(false, err.Error())
		return
	}
	defer os.RemoveAll(staging)

	files, err := c.renderer.Render(ctx, req, staging)
	if err != nil {
		j.fail(ctx.Err() != nil, err.Error())
		c.log.WithError(err).WithFields(logrus.Fields{
			"book": req.BookID, "format": req.Format,
		}).Warn("artifact build failed")
		return
	}

	m := &Manifest{
		Fingerprint: req.Fingerprint,
		BookID:      req.BookID,
		Format:      req.Format,
		Files:       files,
		BuiltAt:     time.Now(),
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		j.fail(false, err.Error())
		return
	}
	if err := os.WriteFile(filepath.Join(staging, manifestName), raw, 0644); err != nil {
		j.fail(false, err.Error())
		return
	}

	final := c.finalDir(req.Fingerprint)
	if err := os.RemoveAll(final); err != nil {
		j.fail(false, err.Error())
		return
	}
	if err := os.Rename(staging, final); err != nil {
		j.fail(false, err.Error())
		return
	}
	j.setState(JobOK)
}

// File serves a file from a finalized artifact. Paths that escape the
// artifact's directory are refused.
func (c *Cache) File(bookID int64, format string, size int64, mtime time.Time, name string) (string, error) {
	const op = "artifacts.file"
	fp := Fingerprint(c.libraryUUID, bookID, format, size, mtime, c.renderer.Version())
	dir := c.finalDir(fp)

	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", liberr.New(liberr.InvalidInput, op, "path %q escapes the artifact", name)
	}
	full := filepath.Join(dir, clean)
	if _, err := os.Stat(full); err != nil {
		return "", liberr.Wrap(liberr.NotFound, op, err)
	}
	c.touch(fp)
	return full, nil
}

// Reload discards any cached failure or finalized artifact for the
// fingerprint and dispatches a fresh build.
func (c *Cache) Reload(bookID int64, format, sourcePath string, size int64, mtime time.Time, coverPath string) (*JobStatus, error) {
	fp := Fingerprint(c.libraryUUID, bookID, format, size, mtime, c.renderer.Version())
	c.mu.Lock()
	delete(c.jobs, fp)
	c.mu.Unlock()
	if err := os.RemoveAll(c.finalDir(fp)); err != nil {
		return nil, liberr.Wrap(liberr.IO, "artifacts.reload", err)
	}
	_, status, err := c.Manifest(bookID, format, sourcePath, size, mtime, coverPath)
	return status, err
}

func (c *Cache) loadManifest(fp string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(c.finalDir(fp), manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// touch bumps the manifest mtime; the aging pass reads it as the
// last-access stamp.
func (c *Cache) touch(fp string) {
	now := time.Now()
	if err := os.Chtimes(filepath.Join(c.finalDir(fp), manifestName), now, now); err != nil {
		c.log.WithError(err).WithField("fingerprint", fp).Debug("cannot touch manifest")
	}
}

// maybeClean runs the aging pass, at most once per interval.
func (c *Cache) maybeClean() {
	c.mu.Lock()
	if time.Since(c.lastClean) < c.interval {
		c.mu.Unlock()
		return
	}
	c.lastClean = time.Now()
	c.mu.Unlock()
	c.Clean()
}

// Clean removes finalized artifacts not accessed within the horizon.
func (c *Cache) Clean() {
	horizon := time.Now().Add(-c.maxAge)
	dir := filepath.Join(c.root, finalDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := os.Stat(filepath.Join(dir, e.Name(), manifestName))
		if err != nil || st.ModTime().After(horizon) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			c.log.WithError(err).WithField("fingerprint", e.Name()).Warn("cannot remove aged artifact")
		} else {
			c.log.WithField("fingerprint", e.Name()).Info("removed aged artifact")
		}
	}
}
