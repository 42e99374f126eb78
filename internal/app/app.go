// Package app assembles the services of one invocation from configuration
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/storyrelay/internal/config"
	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/internal/server"
	"github.com/ifuryst/storyrelay/internal/service"
	"github.com/ifuryst/storyrelay/internal/service/instagram"
	"github.com/ifuryst/storyrelay/internal/service/ledger"
	"github.com/ifuryst/storyrelay/internal/service/media"
	"github.com/ifuryst/storyrelay/internal/service/notifier"
	"github.com/ifuryst/storyrelay/internal/service/pipeline"
	"github.com/ifuryst/storyrelay/internal/service/publisher"
	"github.com/ifuryst/storyrelay/internal/service/publisher/twitter"
	"github.com/ifuryst/storyrelay/internal/service/runlock"
)

const flushTimeout = 5 * time.Second

type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Ledger   *ledger.Ledger
	Engine   *pipeline.Engine
	Notifier notifier.Notifier

	// Journal and Locker are nil when disabled
	Journal *service.JournalService
	Locker  *runlock.Locker

	db *gorm.DB
}

func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	a.Ledger = ledger.Open(cfg.Archive.DBPath, cfg.DefaultAccount, logger)

	staging := media.NewStaging(media.Config{
		Dir:             cfg.Media.CacheDir,
		MaxImageBytes:   cfg.Media.MaxImageBytes,
		DownloadTimeout: config.Duration(cfg.Media.DownloadTimeout, 30*time.Second),
	}, logger)

	fetcher := instagram.NewService(&cfg.Instagram, logger)

	poster := publisher.NewRetryingPoster(twitter.NewTwitterPublisher(&cfg.Twitter, logger), publisher.RetryConfig{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: config.Duration(cfg.Retry.InitialInterval, 2*time.Second),
		MaxInterval:     config.Duration(cfg.Retry.MaxInterval, 30*time.Second),
		MinPostInterval: config.Duration(cfg.Twitter.MinPostInterval, 0),
	}, logger)

	notif, err := notifier.New(&cfg.Notifier, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}
	a.Notifier = notif

	opts := []pipeline.Option{pipeline.WithNotifier(notif)}

	if cfg.Database.Enabled {
		db, err := service.NewDatabase(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.db = db
		a.Journal = service.NewJournalService(db, logger)
		opts = append(opts, pipeline.WithRecorder(a.Journal))
		logger.Info("Run journal enabled", zap.String("type", cfg.Database.Type))
	}

	if cfg.RunLock.Enabled {
		a.Locker = runlock.NewLocker(&cfg.RunLock, logger)
		logger.Info("Run lock enabled", zap.String("key", cfg.RunLock.Key))
	}

	a.Engine = pipeline.NewEngine(cfg, a.Ledger, staging, fetcher, poster, logger, opts...)
	return a, nil
}

// Exclusive runs fn while holding the run lock, when one is configured
func (a *App) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if a.Locker == nil {
		return fn(ctx)
	}

	lease, err := a.Locker.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// the run context may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			a.Logger.Warn("Failed to release run lock", zap.Error(err))
		}
	}()

	return fn(ctx)
}

// Run executes one pipeline run under the run lock and prunes the journal
func (a *App) Run(ctx context.Context, opts pipeline.RunOptions) (*models.RunSummary, error) {
	var summary *models.RunSummary
	err := a.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		summary, err = a.Engine.Run(ctx, opts)
		return err
	})

	if a.Journal != nil && a.Config.Database.RetentionDays > 0 {
		if err := a.Journal.CleanupOldData(a.Config.Database.RetentionDays); err != nil {
			a.Logger.Warn("Failed to prune run journal", zap.Error(err))
		}
	}
	return summary, err
}

// History is the journal as seen by the status server, nil when disabled
func (a *App) History() server.RunHistory {
	if a.Journal == nil {
		return nil
	}
	return a.Journal
}

// ReportPanic forwards a recovered panic to every configured sink
func (a *App) ReportPanic(ctx context.Context, recovered any, stack string) {
	msg := fmt.Sprint(recovered)
	a.Logger.Error("Unexpected panic", zap.String("panic", msg), zap.String("stack", stack))

	a.Notifier.Notify(ctx, notifier.Event{
		Kind:    notifier.EventError,
		Title:   "Unexpected panic",
		Message: msg,
		Err:     errors.New(msg),
		Stack:   stack,
	})
	if a.Journal != nil {
		if err := a.Journal.RecordError("ERROR", "panic", "Unexpected panic", msg, service.WithStackTrace(stack)); err != nil {
			a.Logger.Warn("Failed to journal panic", zap.Error(err))
		}
	}
}

// Close flushes pending notifications and releases connections
func (a *App) Close() error {
	if f, ok := a.Notifier.(notifier.Flusher); ok {
		if !f.Flush(flushTimeout) {
			a.Logger.Warn("Notifications were not flushed in time")
		}
	}

	var errs []error
	if a.Locker != nil {
		errs = append(errs, a.Locker.Close())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
