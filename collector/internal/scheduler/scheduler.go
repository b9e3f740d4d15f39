// Package scheduler runs collection passes one at a time: startup jobs once,
// then periodic jobs whenever they fall due. A pass that fails on the
// network is rerun from the start after a fixed delay.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/hazyhaar/teamstatus/collector/internal/webcache"
)

// PassFunc runs one complete pass.
type PassFunc func(ctx context.Context) error

// Job is a named pass. A zero Interval marks a startup job.
type Job struct {
	Name     string
	Interval time.Duration
	Run      PassFunc
}

// Config configures the scheduler.
type Config struct {
	// RetryDelay is the pause before a pass is rerun after a connection
	// failure. Default: 10s.
	RetryDelay time.Duration
	// Fatal reports errors that stop the scheduler. Other errors are logged
	// and the job waits for its next turn.
	Fatal func(error) bool
	// Boundary runs before every pass; the service reloads its config there.
	Boundary func(ctx context.Context)
}

func (c *Config) defaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.Fatal == nil {
		c.Fatal = func(error) bool { return false }
	}
}

// Scheduler runs jobs sequentially.
type Scheduler struct {
	config Config
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Scheduler.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{config: cfg, logger: logger, now: time.Now, sleep: sleep}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsConnectionError reports whether err comes from the transport rather
// than from an upstream answer.
func IsConnectionError(err error) bool {
	if errors.Is(err, webcache.ErrConnection) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// RunOnce runs fn until it completes without a connection error. Other
// errors are returned as is.
func (s *Scheduler) RunOnce(ctx context.Context, name string, fn PassFunc) error {
	for attempt := 1; ; attempt++ {
		if s.config.Boundary != nil {
			s.config.Boundary(ctx)
		}
		err := fn(ctx)
		if err == nil || ctx.Err() != nil || !IsConnectionError(err) {
			return err
		}
		s.logger.WarnContext(ctx, "scheduler: connection failed, pass restarts",
			"job", name, "attempt", attempt, "delay", s.config.RetryDelay, "error", err)
		if err := s.sleep(ctx, s.config.RetryDelay); err != nil {
			return err
		}
	}
}

// Run executes the startup jobs, then the periodic jobs on their intervals.
// Blocks until ctx is cancelled or a job fails fatally.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) error {
	type entry struct {
		job  Job
		next time.Time
	}
	var periodic []*entry
	for _, j := range jobs {
		if j.Interval > 0 {
			periodic = append(periodic, &entry{job: j, next: s.now()})
			continue
		}
		if err := s.run(ctx, j); err != nil {
			return err
		}
	}
	if len(periodic) == 0 {
		return nil
	}

	for {
		due := periodic[0]
		for _, e := range periodic[1:] {
			if e.next.Before(due.next) {
				due = e
			}
		}
		if wait := due.next.Sub(s.now()); wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return nil
			}
		}
		if err := s.run(ctx, due.job); err != nil {
			return err
		}
		due.next = s.now().Add(due.job.Interval)
	}
}

// run runs one job and filters its error through Config.Fatal.
func (s *Scheduler) run(ctx context.Context, j Job) error {
	start := s.now()
	err := s.RunOnce(ctx, j.Name, j.Run)
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "scheduler: pass done", "job", j.Name, "duration", s.now().Sub(start))
		return nil
	case ctx.Err() != nil:
		return nil
	case s.config.Fatal(err):
		s.logger.ErrorContext(ctx, "scheduler: fatal", "job", j.Name, "error", err)
		return err
	default:
		s.logger.ErrorContext(ctx, "scheduler: pass failed", "job", j.Name, "error", err)
		return nil
	}
}
