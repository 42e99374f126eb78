package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/internal/service/notifier"
	"github.com/ifuryst/storyrelay/pkg/util"
)

// Mode selects which transitions a run performs
type Mode string

const (
	ModeRun     Mode = "run"
	ModeArchive Mode = "archive"
	ModePost    Mode = "post"
	ModeStory   Mode = "story"
)

type RunOptions struct {
	Mode   Mode
	Policy Policy
	// Accounts limits the run, every configured account when empty
	Accounts []string
	// StoryID is required by ModeStory
	StoryID string
}

// Run processes accounts one after the other. A failing account never stops
// the others; failures are counted into the returned summary, which is also
// sent to the notifier and the journal.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*models.RunSummary, error) {
	if opts.Mode == "" {
		opts.Mode = ModeRun
	}
	if opts.Policy == "" {
		policy, err := ParsePolicy(e.config.Pipeline.PostPolicy)
		if err != nil {
			return nil, err
		}
		opts.Policy = policy
	}

	accounts := opts.Accounts
	switch {
	case len(accounts) > 0:
	case opts.Mode == ModeStory && e.config.DefaultAccount != "":
		accounts = []string{e.config.DefaultAccount}
	default:
		accounts = e.config.Handles()
	}
	accounts = util.ParseHandles(strings.Join(accounts, ","))

	switch opts.Mode {
	case ModeRun, ModeArchive, ModePost:
	case ModeStory:
		if opts.StoryID == "" {
			return nil, errors.New("story id is required")
		}
		if len(accounts) != 1 {
			return nil, fmt.Errorf("story mode needs exactly one account, got %d", len(accounts))
		}
	default:
		return nil, fmt.Errorf("unknown run mode %q", opts.Mode)
	}
	if len(accounts) == 0 {
		return nil, errors.New("no accounts to process")
	}

	// another invocation may have written the file since the last run
	e.ledger.Load()

	r := &run{id: uuid.NewString()}
	summary := &models.RunSummary{
		RunID:     r.id,
		Mode:      string(opts.Mode),
		StartedAt: e.now(),
	}
	if opts.Mode != ModeArchive {
		summary.Policy = string(opts.Policy)
	}

	logger := e.logger.With(zap.String("run_id", r.id), zap.String("mode", string(opts.Mode)))
	logger.Info("Starting run", zap.Strings("accounts", accounts))

	for _, handle := range accounts {
		if err := ctx.Err(); err != nil {
			logger.Warn("Run interrupted", zap.Error(err))
			break
		}
		sum := summary.Account(handle)
		e.runAccount(ctx, r, opts, handle, sum)
	}

	summary.FinishedAt = e.now()
	totals := summary.Totals()
	logger.Info("Run finished",
		zap.Duration("duration", summary.Duration()),
		zap.Int("fetched", totals.Fetched),
		zap.Int("archived", totals.NewlyArchived),
		zap.Int("backfilled", totals.Backfilled),
		zap.Int("stories_posted", totals.StoriesPosted),
		zap.Int("posts_created", totals.PostsCreated),
		zap.Int("failed", totals.Failed))

	e.notifier.Notify(ctx, notifier.Event{Kind: notifier.EventRunSummary, Summary: summary})
	if err := e.recorder.RecordRun(summary); err != nil {
		logger.Warn("Failed to journal run", zap.Error(err))
	}

	return summary, ctx.Err()
}

func (e *Engine) runAccount(ctx context.Context, r *run, opts RunOptions, handle string, sum *models.AccountSummary) {
	logger := e.logger.With(zap.String("run_id", r.id), zap.String("account", handle))

	var err error
	switch opts.Mode {
	case ModeArchive:
		err = e.archive(ctx, r, handle, sum)
	case ModePost:
		err = e.postPending(ctx, r, handle, opts.Policy, sum)
	case ModeStory:
		err = e.processStory(ctx, r, handle, opts.StoryID, sum)
	default:
		// a failed fetch does not block posting what is already archived
		if archiveErr := e.archive(ctx, r, handle, sum); archiveErr != nil {
			logger.Warn("Archive pass failed, posting from ledger", zap.Error(archiveErr))
		}
		err = e.postPending(ctx, r, handle, opts.Policy, sum)
	}

	if err != nil {
		logger.Warn("Account finished with errors", zap.Error(err))
		return
	}
	logger.Debug("Account finished")
}

// Cleanup evicts the staged media of posted stories for every account in
// the ledger, then keeps at most keep blobs overall when keep is positive.
// It returns how many blobs were removed.
func (e *Engine) Cleanup(ctx context.Context, keep int) (int, error) {
	e.ledger.Load()

	evicted := 0
	for _, handle := range e.ledger.Accounts() {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		for _, b := range e.staging.Scan(handle) {
			rec, ok := e.ledger.Story(handle, b.ID.StoryID)
			if !ok || !rec.Posted() {
				continue
			}
			if e.staging.Evict(b.Path) {
				evicted++
			}
		}
	}

	if keep > 0 {
		evicted += e.staging.EvictOldest(keep)
	}
	e.logger.Info("Cleanup finished", zap.Int("evicted", evicted), zap.Int("keep", keep))
	return evicted, nil
}

// Status reports ledger statistics for the given accounts, or for every
// account in the ledger when none is given
func (e *Engine) Status(accounts ...string) models.LedgerStats {
	accounts = util.ParseHandles(strings.Join(accounts, ","))
	if len(accounts) == 0 {
		return e.ledger.Statistics()
	}

	stats := models.LedgerStats{Accounts: make([]models.AccountStats, 0, len(accounts))}
	for _, handle := range accounts {
		one := e.ledger.AccountStatistics(handle)
		stats.TotalStories += one.TotalStories
		stats.TotalMedia += one.TotalMedia
		stats.Pending += one.Pending
		stats.Posted += one.Posted
		stats.Accounts = append(stats.Accounts, one)
	}
	return stats
}

func (e *Engine) VerifyCredentials(ctx context.Context) error {
	if err := e.poster.VerifyCredentials(ctx); err != nil {
		return fmt.Errorf("failed to verify credentials: %w", err)
	}
	return nil
}
