package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/config"
)

// Job is one scheduled pipeline run
type Job func(ctx context.Context) error

// Scheduler triggers runs on a cron expression evaluated in the pipeline's
// fixed offset. Runs never overlap: a tick that fires while the previous run
// is still going is skipped.
type Scheduler struct {
	config *config.SchedulerConfig
	logger *zap.Logger
	job    Job
	cron   *cron.Cron
	entry  cron.EntryID
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewScheduler(cfg *config.SchedulerConfig, loc *time.Location, logger *zap.Logger, job Job) *Scheduler {
	cl := &cronLogger{logger: logger.Sugar()}
	return &Scheduler{
		config: cfg,
		logger: logger,
		job:    job,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		stopCh: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler is disabled")
		return nil
	}

	ctx, s.cancel = context.WithCancel(ctx)

	entry, err := s.cron.AddFunc(s.config.Cron, func() { s.runJob(ctx) })
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to schedule run %q: %w", s.config.Cron, err)
	}
	s.entry = entry

	s.logger.Info("Starting scheduler",
		zap.String("cron", s.config.Cron),
		zap.Time("next_run", s.NextRun()))
	s.cron.Start()

	if s.config.RunOnStart {
		// go through the entry's wrapped job so the skip guard applies
		wrapped := s.cron.Entry(entry).WrappedJob
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			wrapped.Run()
		}()
	}

	go func() {
		select {
		case <-s.stopCh:
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled")
		}
	}()

	return nil
}

// NextRun is the next scheduled activation, zero when not started
func (s *Scheduler) NextRun() time.Time {
	if s.entry == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// Stop cancels the running job, if any, and waits for it to return
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	close(s.stopCh)

	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("Scheduler shutdown completed")
}

func (s *Scheduler) runJob(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.logger.Info("Running scheduled run")
	start := time.Now()
	err := s.job(ctx)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("Scheduled run failed",
			zap.Error(err),
			zap.Duration("duration", duration))
		return
	}

	s.logger.Info("Scheduled run completed successfully",
		zap.Duration("duration", duration))
}

// cronLogger bridges cron's logr style logger to zap
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
