package tasks

import "time"

// Config holds task queue configuration.
type Config struct {
	// Workers is the number of concurrent task workers. Default: 2
	Workers int

	// ReleaseAfter is when stuck tasks are released back to the
	// queue. Default: 15m
	ReleaseAfter time.Duration

	// CleanupInterval is how often completed task rows are cleaned
	// up. Default: 1h
	CleanupInterval time.Duration
}

// withDefaults fills in zero fields.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.ReleaseAfter <= 0 {
		c.ReleaseAfter = 15 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	return c
}
