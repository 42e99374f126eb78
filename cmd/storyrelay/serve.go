package main

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/app"
	"github.com/ifuryst/storyrelay/internal/server"
	"github.com/ifuryst/storyrelay/internal/service"
	"github.com/ifuryst/storyrelay/internal/service/pipeline"
	"github.com/ifuryst/storyrelay/internal/service/runlock"
)

func serve(ctx context.Context, a *app.App) error {
	log := a.Logger
	log.Info("Starting StoryRelay daemon", zap.String("version", version))

	opts := pipeline.RunOptions{Mode: pipeline.ModeRun, Accounts: accounts}
	if policy != "" {
		p, err := pipeline.ParsePolicy(policy)
		if err != nil {
			return err
		}
		opts.Policy = p
	}

	job := func(ctx context.Context) error {
		summary, err := a.Run(ctx, opts)
		if errors.Is(err, runlock.ErrLocked) {
			log.Info("Skipping scheduled run, another run holds the lock")
			return nil
		}
		if err != nil {
			return err
		}
		if summary.HasFailures() {
			log.Warn("Scheduled run finished with failures", zap.Int("failures", summary.Failures()))
		}
		return nil
	}

	scheduler := service.NewScheduler(&a.Config.Scheduler, a.Config.Pipeline.Location(), log, job)
	srv := server.NewServer(a.Config, a.Engine, a.History(), scheduler, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Error("Server failed to start", zap.Error(err))
			errCh <- err
		}
		cancel()
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	// the parent context is done, shutdown gets a fresh one
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	log.Info("Server exited")
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
