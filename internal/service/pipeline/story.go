package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/internal/service/instagram"
	"github.com/ifuryst/storyrelay/pkg/util"
)

// ErrNoMedia is returned when a requested story carries nothing to post
var ErrNoMedia = errors.New("story has no media")

// ProcessStory archives a single story by id if it is new and posts it
// right away, ignoring the day eligibility. A story already posted is left
// alone.
func (e *Engine) ProcessStory(ctx context.Context, account, storyID string) (*models.AccountSummary, error) {
	handle := util.NormalizeHandle(account)
	sum := &models.AccountSummary{Account: handle}
	err := e.processStory(ctx, &run{}, handle, storyID, sum)
	return sum, err
}

func (e *Engine) processStory(ctx context.Context, r *run, handle, storyID string, sum *models.AccountSummary) error {
	logger := e.logger.With(zap.String("account", handle), zap.String("story_id", storyID))

	rec, known := e.ledger.Story(handle, storyID)
	if known && rec.Posted() {
		logger.Info("Story already posted", zap.Strings("post_ids", rec.PostIDs))
		sum.AlreadyPosted++
		return nil
	}

	if !known {
		payload, err := e.fetcher.FetchStory(ctx, handle, storyID)
		if err != nil {
			logger.Error("Failed to fetch story", zap.Error(err))
			e.fail(r, sum, storyID, "fetch", err)
			return fmt.Errorf("failed to fetch story %s: %w", storyID, err)
		}
		sum.Fetched++

		story, ok := instagram.Normalize(payload)
		if !ok {
			story = instagram.Story{ID: storyID, TakenAt: payload.TakenAt(), Media: payload.Media()}
		}
		if _, err := e.archiveStory(ctx, r, handle, story, sum); err != nil {
			return err
		}
		if len(story.Media) == 0 {
			return fmt.Errorf("failed to process story %s: %w", storyID, ErrNoMedia)
		}

		if rec, known = e.ledger.Story(handle, story.ID); !known {
			return fmt.Errorf("story %s was not archived", story.ID)
		}
	} else {
		sum.AlreadyArchived++
	}

	u := unit{
		key:     rec.StoryID,
		day:     startOfDay(rec.TakenTime(e.loc), e.loc),
		stories: []models.StoryRecord{rec},
	}
	return e.postUnit(ctx, r, handle, u, sum)
}
