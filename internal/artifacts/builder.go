package artifacts

import (
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mikestefanello/backlite"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

// BuildTask is one artifact build on the background queue.
type BuildTask struct {
	Request BuildRequest `json:"request"`
}

// Config returns the queue configuration for artifact builds. One
// attempt only: failures are cached per fingerprint until a reload is
// forced, retrying would just rediscover them.
func (t BuildTask) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        "artifact_build",
		MaxAttempts: 1,
		Backoff:     time.Minute,
		Timeout:     10 * time.Minute,
		Retention: &backlite.Retention{
			Duration:   24 * time.Hour,
			OnlyFailed: false,
			Data:       &backlite.RetainData{OnlyFailed: true},
		},
	}
}

// NewBuildQueue creates the backlite queue that renders artifacts
// into the given cache.
func NewBuildQueue(c *Cache) backlite.Queue {
	return backlite.NewQueue(func(ctx context.Context, task BuildTask) error {
		c.Build(ctx, task.Request)
		return nil
	})
}

// CopyRenderer is the default renderer: the artifact is the stored
// format file plus the cover, copied verbatim.
type CopyRenderer struct{}

func (CopyRenderer) Version() int { return 1 }

func (CopyRenderer) Render(ctx context.Context, req BuildRequest, destDir string) ([]ManifestFile, error) {
	const op = "artifacts.copy_renderer"
	var files []ManifestFile

	add := func(src, name string) error {
		if err := ctx.Err(); err != nil {
			return liberr.Wrap(liberr.Retryable, op, err)
		}
		size, err := copyFile(src, filepath.Join(destDir, name))
		if err != nil {
			return liberr.Wrap(liberr.IO, op, err)
		}
		files = append(files, ManifestFile{
			Name:     name,
			MimeType: mimeTypeFor(name),
			Size:     size,
		})
		return nil
	}

	if err := add(req.SourcePath, "book."+strings.ToLower(req.Format)); err != nil {
		return nil, err
	}
	if req.CoverPath != "" {
		if _, err := os.Stat(req.CoverPath); err == nil {
			if err := add(req.CoverPath, filepath.Base(req.CoverPath)); err != nil {
				return nil, err
			}
		}
	}
	return files, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, err
	}
	return n, out.Close()
}

func mimeTypeFor(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
