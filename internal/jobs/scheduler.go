// Package jobs runs the gateway's periodic background work.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Func is the body of a scheduled job.
type Func func(ctx context.Context) error

// Scheduler runs named jobs on cron schedules. A run that is still going
// when its next tick fires makes that tick a no-op.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeout bounds each job run. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{logger: logger, timeout: time.Minute}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{l: logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Add registers fn under name. spec is a standard five-field cron
// expression or a descriptor such as "@every 30m".
func (s *Scheduler) Add(name, spec string, fn Func) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.run(name, fn)
	})
	if err != nil {
		return errors.Wrapf(err, "jobs: schedule %s with %q", name, spec)
	}
	s.logger.Info("jobs: scheduled", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

// RunNow runs the job body once in the caller's goroutine, outside the
// schedule.
func (s *Scheduler) RunNow(name string, fn Func) error {
	return s.run(name, fn)
}

// Start begins firing jobs. It is a no-op when already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop prevents new runs, cancels the context handed to running jobs once
// ctx expires, and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if !started {
		s.cancel()
		return nil
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done.Done()
		return errors.Wrap(ctx.Err(), "jobs: stop")
	}
}

func (s *Scheduler) run(name string, fn Func) error {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		s.logger.Warn("jobs: run failed",
			zap.String("job", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return err
	}
	s.logger.Debug("jobs: run finished",
		zap.String("job", name),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// cronLogger adapts zap to cron.Logger. cron's info output is per-tick
// chatter and goes to debug.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw("jobs: cron "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw("jobs: cron "+msg, append(keysAndValues, "error", err)...)
}
