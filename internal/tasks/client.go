// Package tasks wraps backlite to provide a persistent background
// task queue backed by its own SQLite database.
package tasks

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mikestefanello/backlite"
	"github.com/sirupsen/logrus"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

// Client wraps backlite and owns the queue's database connection.
type Client struct {
	client *backlite.Client
	db     *sql.DB
	config Config
	log    *logrus.Logger

	mu      sync.RWMutex
	started bool
}

// NewClient creates a task queue client with a dedicated SQLite
// database inside dir.
func NewClient(dir string, cfg Config, log *logrus.Logger) (*Client, error) {
	const op = "tasks.new_client"
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.New()
	}

	path := filepath.Join(dir, "tasks.db")
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_busy_timeout=5000")
	if err != nil {
		return nil, liberr.Wrap(liberr.IO, op, err)
	}
	db.SetMaxOpenConns(cfg.Workers + 5)
	db.SetMaxIdleConns(cfg.Workers + 2)
	db.SetConnMaxLifetime(time.Hour)

	client, err := backlite.NewClient(backlite.ClientConfig{
		DB:              db,
		NumWorkers:      cfg.Workers,
		ReleaseAfter:    cfg.ReleaseAfter,
		CleanupInterval: cfg.CleanupInterval,
		Logger:          &taskLogger{log: log},
	})
	if err != nil {
		db.Close()
		return nil, liberr.Wrap(liberr.IO, op, err)
	}
	if err := client.Install(); err != nil {
		db.Close()
		return nil, liberr.Wrap(liberr.Integrity, op, err)
	}

	return &Client{client: client, db: db, config: cfg, log: log}, nil
}

// Register registers task queues. Must be called before Start.
func (c *Client) Register(queues ...backlite.Queue) {
	for _, q := range queues {
		c.client.Register(q)
	}
}

// Start begins processing tasks. Non-blocking.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.log.WithField("workers", c.config.Workers).Info("task queue started")
	c.client.Start(ctx)
}

// Stop shuts the queue down, waiting for active tasks until the
// context deadline. Reports whether everything finished in time.
func (c *Client) Stop(ctx context.Context) bool {
	c.mu.RLock()
	if !c.started {
		c.mu.RUnlock()
		return true
	}
	c.mu.RUnlock()

	ok := c.client.Stop(ctx)
	if !ok {
		c.log.Warn("task queue stopped with unfinished tasks")
	}
	return ok
}

// Close releases the database. Call after Stop.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Add starts an operation to enqueue one or more tasks.
func (c *Client) Add(tasks ...backlite.Task) *backlite.TaskAddOp {
	return c.client.Add(tasks...)
}

// taskLogger adapts logrus to backlite's logger interface.
type taskLogger struct {
	log *logrus.Logger
}

func (l *taskLogger) Info(message string, params ...any) {
	l.log.WithField("args", params).Info("task: " + message)
}

func (l *taskLogger) Error(message string, params ...any) {
	l.log.WithField("args", params).Error("task: " + message)
}
