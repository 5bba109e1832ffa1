// Package scheduler runs the periodic maintenance passes: artifact
// aging and retired-note resource collection. A thin wrapper over
// robfig/cron that names jobs and logs their failures instead of
// aborting.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/kovidgoyal/calibre-sub022/internal/liberr"
)

type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Logger
}

func New(log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	cl := &cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		log:  log,
	}
}

// Add schedules fn under a cron spec ("@every 1h", "0 3 * * *", ...).
// A failing run is logged; the schedule stays active.
func (s *Scheduler) Add(spec, name string, fn func() error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(); err != nil {
			s.log.WithError(err).WithField("job", name).Error("maintenance job failed")
			return
		}
		s.log.WithField("job", name).Debug("maintenance job done")
	})
	if err != nil {
		return liberr.New(liberr.InvalidInput, "scheduler.add", "bad schedule %q for %s: %v", spec, name, err)
	}
	return nil
}

// Start begins running scheduled jobs in their own goroutines.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and returns a context that is done when all
// running jobs have finished.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// cronLogger adapts logrus to the cron logging interface.
type cronLogger struct {
	log *logrus.Logger
}

func (c *cronLogger) Info(msg string, kv ...any) {
	c.log.WithField("cron", kv).Debug(msg)
}

func (c *cronLogger) Error(err error, msg string, kv ...any) {
	c.log.WithError(err).WithField("cron", kv).Error(msg)
}
