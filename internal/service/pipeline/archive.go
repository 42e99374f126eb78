package pipeline

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/apierr"
	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/internal/service/instagram"
	"github.com/ifuryst/storyrelay/internal/service/media"
	"github.com/ifuryst/storyrelay/internal/service/notifier"
	"github.com/ifuryst/storyrelay/pkg/util"
)

// ArchiveAccount fetches the active stories of account and archives every
// story not seen before, staging its media. A story is never archived twice.
func (e *Engine) ArchiveAccount(ctx context.Context, account string) (*models.AccountSummary, error) {
	handle := util.NormalizeHandle(account)
	sum := &models.AccountSummary{Account: handle}
	err := e.archive(ctx, &run{}, handle, sum)
	return sum, err
}

func (e *Engine) archive(ctx context.Context, r *run, handle string, sum *models.AccountSummary) error {
	logger := e.logger.With(zap.String("account", handle))

	if err := e.ledger.SetLastCheck(handle, e.now()); err != nil {
		logger.Warn("Failed to record last check", zap.Error(err))
	}

	payloads, err := e.fetcher.FetchActiveStories(ctx, handle)
	if err != nil {
		logger.Error("Failed to fetch stories", zap.Error(err))
		e.fail(r, sum, "", "fetch", err)
		e.notifier.Notify(ctx, notifier.Event{
			Kind:       notifier.EventFetchFailed,
			Account:    handle,
			Component:  "instagram",
			Message:    err.Error(),
			StatusCode: apierr.StatusOf(err),
			Body:       errorBody(err),
			Err:        err,
		})
		return fmt.Errorf("failed to fetch stories for %s: %w", handle, err)
	}

	stories := normalizeAll(payloads, logger)
	sum.Fetched = len(stories)
	logger.Info("Fetched active stories", zap.Int("count", len(stories)))
	if len(stories) > 0 {
		e.notifier.Notify(ctx, notifier.Event{
			Kind:    notifier.EventFetchSucceeded,
			Account: handle,
			Count:   len(stories),
		})
	}

	fetched := make(map[string]struct{}, len(stories))
	for _, s := range stories {
		fetched[s.ID] = struct{}{}
	}

	known := e.ledger.KnownIDs(handle)
	for _, story := range stories {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, ok := known[story.ID]; ok {
			if rec, found := e.ledger.Story(handle, story.ID); found && rec.Posted() {
				sum.AlreadyPosted++
			} else {
				sum.AlreadyArchived++
			}
			continue
		}

		inserted, err := e.archiveStory(ctx, r, handle, story, sum)
		if err != nil {
			continue
		}
		if inserted {
			known[story.ID] = struct{}{}
		}
	}

	if !e.config.Pipeline.DisableReconcile {
		e.reconcile(handle, fetched, sum)
	}
	return nil
}

// normalizeAll drops payloads without an identifier and orders the rest by
// capture time, keeping the fetched order among equal timestamps
func normalizeAll(payloads []instagram.Payload, logger *zap.Logger) []instagram.Story {
	stories := make([]instagram.Story, 0, len(payloads))
	for _, p := range payloads {
		s, ok := instagram.Normalize(p)
		if !ok {
			logger.Warn("Skipping story without identifier")
			continue
		}
		stories = append(stories, s)
	}
	sort.SliceStable(stories, func(i, j int) bool { return stories[i].TakenAt < stories[j].TakenAt })
	return stories
}

// archiveStory stages the media of one new story and inserts its record.
// Items that fail to stage keep an empty local path at their index.
func (e *Engine) archiveStory(ctx context.Context, r *run, handle string, story instagram.Story, sum *models.AccountSummary) (bool, error) {
	logger := e.logger.With(zap.String("account", handle), zap.String("story_id", story.ID))

	if len(story.Media) == 0 {
		logger.Warn("Skipping story without media")
		sum.SkippedNoMedia++
		return false, nil
	}

	rec := models.StoryRecord{
		StoryID:         story.ID,
		TakenAt:         story.TakenAt,
		MediaCount:      len(story.Media),
		MediaURLs:       make([]string, len(story.Media)),
		MediaTypes:      make([]models.MediaType, len(story.Media)),
		LocalMediaPaths: make([]string, len(story.Media)),
	}

	staged := 0
	for i, item := range story.Media {
		rec.MediaURLs[i] = item.URL
		rec.MediaTypes[i] = item.Type

		path, err := e.staging.Prepare(ctx, item.URL, media.MediaID{Account: handle, StoryID: story.ID, Index: i}, item.Type)
		if err != nil {
			logger.Warn("Failed to stage media", zap.Int("index", i), zap.Error(err))
			continue
		}
		rec.LocalMediaPaths[i] = path
		staged++
	}
	if staged < len(story.Media) {
		logger.Warn("Archiving story with partially staged media",
			zap.Int("staged", staged),
			zap.Int("expected", len(story.Media)))
	}

	inserted, err := e.ledger.InsertIfNew(handle, rec)
	if err != nil {
		logger.Error("Failed to archive story", zap.Error(err))
		e.fail(r, sum, story.ID, "archive", err)
		return false, err
	}
	if !inserted {
		sum.AlreadyArchived++
		return false, nil
	}

	sum.NewlyArchived++
	logger.Info("Archived story",
		zap.Int64("taken_at", story.TakenAt),
		zap.Int("media", len(story.Media)),
		zap.Int("staged", staged))
	return true, nil
}
