package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/apierr"
	"github.com/ifuryst/storyrelay/internal/config"
	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/internal/service/media"
	"github.com/ifuryst/storyrelay/internal/service/notifier"
	"github.com/ifuryst/storyrelay/pkg/util"
)

// errNothingPosted is reported when every batch of a unit was skipped
var errNothingPosted = errors.New("no post was created")

// mediaItem is one staged file ready for upload
type mediaItem struct {
	storyID string
	index   int
	path    string
}

// PostPending posts the eligible pending stories of account, grouped by
// policy, as replies continuing the account's thread.
func (e *Engine) PostPending(ctx context.Context, account string, policy Policy) (*models.AccountSummary, error) {
	handle := util.NormalizeHandle(account)
	sum := &models.AccountSummary{Account: handle}
	err := e.postPending(ctx, &run{}, handle, policy, sum)
	return sum, err
}

func (e *Engine) postPending(ctx context.Context, r *run, handle string, policy Policy, sum *models.AccountSummary) error {
	logger := e.logger.With(zap.String("account", handle), zap.String("policy", string(policy)))

	pending := e.ledger.Pending(handle)
	ready := eligible(pending, e.now(), e.loc)
	if waiting := len(pending) - len(ready); waiting > 0 {
		logger.Debug("Stories waiting for their day to close", zap.Int("waiting", waiting))
	}
	if len(ready) == 0 {
		logger.Debug("Nothing to post")
		return nil
	}

	units := buildUnits(ready, policy, e.loc)
	logger.Info("Posting pending stories", zap.Int("stories", len(ready)), zap.Int("units", len(units)))

	var firstErr error
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.postUnit(ctx, r, handle, u, sum); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// postUnit publishes one unit as a contiguous run of replies. The stories of
// the unit are marked posted only if at least one post was created, and are
// then never posted again.
func (e *Engine) postUnit(ctx context.Context, r *run, handle string, u unit, sum *models.AccountSummary) error {
	acc := e.config.Account(handle)
	ids := strings.Join(u.storyIDs(), ",")
	logger := e.logger.With(zap.String("account", handle), zap.String("unit", u.key))

	items, expected := e.resolveMedia(ctx, handle, u)
	if len(items) == 0 || (expected > 1 && len(items) < expected) {
		err := apierr.New("pipeline", apierr.KindPartialData,
			fmt.Sprintf("prepared %d of %d media items", len(items), expected))
		attempts := e.notePrepareFailure(handle, u, logger)
		if attempts > e.maxPrepareAttempts() {
			logger.Warn("Media still unavailable, skipping unit",
				zap.Int("prepared", len(items)),
				zap.Int("expected", expected),
				zap.Int("attempts", attempts))
			return nil
		}
		logger.Warn("Media incomplete, will retry next run",
			zap.Int("prepared", len(items)),
			zap.Int("expected", expected),
			zap.Int("attempts", attempts))
		e.fail(r, sum, ids, "media", err)
		return err
	}

	replyTo, err := e.ensureAnchor(ctx, handle, acc, sum)
	if err != nil {
		logger.Error("Failed to establish thread anchor", zap.Error(err))
		e.fail(r, sum, ids, "anchor", err)
		e.notifyPostFailed(ctx, handle, err)
		return err
	}

	batches := lo.Chunk(items, e.maxMediaPerPost())
	var postIDs []string
	var unitErr error

	for i, batch := range batches {
		text := caption(acc, u.day, i+1, len(batches))

		handles, uploadErr := e.upload(ctx, logger, batch)
		if len(handles) == 0 {
			logger.Error("Every upload of the batch failed, skipping batch",
				zap.Int("batch", i+1),
				zap.Error(uploadErr))
			unitErr = fmt.Errorf("failed to upload batch %d: %w", i+1, uploadErr)
			continue
		}

		postID, err := e.poster.CreatePost(ctx, text, handles, replyTo)
		if err != nil {
			logger.Error("Failed to create post",
				zap.Int("batch", i+1),
				zap.Strings("orphaned_media", handles),
				zap.Error(err))
			e.recordOrphan(r, handle, u, handles, replyTo, text, err)
			unitErr = fmt.Errorf("failed to create post for batch %d: %w", i+1, err)
			break
		}

		postIDs = append(postIDs, postID)
		replyTo = postID
		sum.PostsCreated++
		logger.Info("Created post",
			zap.String("post_id", postID),
			zap.Int("batch", i+1),
			zap.Int("batches", len(batches)),
			zap.Int("media", len(handles)))

		if err := e.ledger.SetLastPost(handle, postID); err != nil {
			logger.Error("Failed to persist thread tail", zap.String("post_id", postID), zap.Error(err))
			unitErr = err
			break
		}
	}

	if len(postIDs) == 0 {
		if unitErr == nil {
			unitErr = errNothingPosted
		}
		e.fail(r, sum, ids, "post", unitErr)
		e.notifyPostFailed(ctx, handle, unitErr)
		return unitErr
	}

	committed := e.commit(handle, u, postIDs, items, sum, logger)
	if committed < len(u.stories) && unitErr == nil {
		unitErr = fmt.Errorf("failed to mark %d of %d stories posted", len(u.stories)-committed, len(u.stories))
	}

	e.notifier.Notify(ctx, notifier.Event{
		Kind:    notifier.EventPostSucceeded,
		Account: handle,
		Count:   committed,
		PostIDs: postIDs,
	})

	if unitErr != nil {
		e.fail(r, sum, ids, "post", unitErr)
		e.notifyPostFailed(ctx, handle, unitErr)
	}
	return unitErr
}

// commit records the post ids on every story of the unit, then releases the
// staged media of the stories that were recorded. It returns how many
// stories were marked posted.
func (e *Engine) commit(handle string, u unit, postIDs []string, items []mediaItem, sum *models.AccountSummary, logger *zap.Logger) int {
	byStory := lo.GroupBy(items, func(it mediaItem) string { return it.storyID })

	committed := 0
	for _, rec := range u.stories {
		ok, err := e.ledger.SetPostIDs(handle, rec.StoryID, postIDs)
		if err != nil || !ok {
			logger.Error("Failed to mark story posted",
				zap.String("story_id", rec.StoryID),
				zap.Strings("post_ids", postIDs),
				zap.Error(err))
			continue
		}
		committed++
		sum.StoriesPosted++

		for _, it := range byStory[rec.StoryID] {
			if e.staging.Evict(it.path) {
				sum.Evicted++
			}
		}
		if _, err := e.ledger.SetLocalPaths(handle, rec.StoryID, []string{}); err != nil {
			logger.Warn("Failed to clear staged paths", zap.String("story_id", rec.StoryID), zap.Error(err))
		}
	}
	return committed
}

// notePrepareFailure counts an aborted pass on every story of the unit and
// returns the highest count
func (e *Engine) notePrepareFailure(handle string, u unit, logger *zap.Logger) int {
	highest := 0
	for _, rec := range u.stories {
		n, err := e.ledger.NotePrepareFailure(handle, rec.StoryID)
		if err != nil {
			logger.Warn("Failed to count media failure", zap.String("story_id", rec.StoryID), zap.Error(err))
			n = rec.PrepareFailures + 1
		}
		highest = max(highest, n)
	}
	return highest
}

// resolveMedia stages every media item of the unit in story then item order.
// It returns the items ready for upload and how many were expected.
func (e *Engine) resolveMedia(ctx context.Context, handle string, u unit) ([]mediaItem, int) {
	var items []mediaItem
	expected := 0

	for _, rec := range u.stories {
		logger := e.logger.With(zap.String("account", handle), zap.String("story_id", rec.StoryID))

		if len(rec.MediaURLs) == 0 {
			// backfilled from staging, the local paths are all there is
			for i, p := range rec.LocalMediaPaths {
				if p == "" {
					continue
				}
				expected++
				if path, ok := e.stagedPath(handle, rec.StoryID, i, p); ok {
					items = append(items, mediaItem{storyID: rec.StoryID, index: i, path: path})
				} else {
					logger.Warn("Staged media is gone", zap.Int("index", i), zap.String("path", p))
				}
			}
			continue
		}

		for i, url := range rec.MediaURLs {
			expected++
			id := media.MediaID{Account: handle, StoryID: rec.StoryID, Index: i}
			path, err := e.staging.Prepare(ctx, url, id, rec.TypeAt(i))
			if err != nil {
				logger.Warn("Failed to prepare media", zap.Int("index", i), zap.Error(err))
				continue
			}
			items = append(items, mediaItem{storyID: rec.StoryID, index: i, path: path})
		}
	}
	return items, expected
}

func (e *Engine) stagedPath(handle, storyID string, index int, recorded string) (string, bool) {
	if _, err := os.Stat(recorded); err == nil {
		return recorded, true
	}
	return e.staging.Locate(media.MediaID{Account: handle, StoryID: storyID, Index: index})
}

// upload returns the handles of the items that uploaded, and the last error
func (e *Engine) upload(ctx context.Context, logger *zap.Logger, batch []mediaItem) ([]string, error) {
	var handles []string
	var lastErr error
	for _, it := range batch {
		h, err := e.poster.UploadMedia(ctx, it.path)
		if err != nil {
			logger.Warn("Failed to upload media",
				zap.String("story_id", it.storyID),
				zap.Int("index", it.index),
				zap.Error(err))
			lastErr = err
			continue
		}
		handles = append(handles, h)
	}
	return handles, lastErr
}

// ensureAnchor returns the post to reply to, creating the thread anchor the
// first time an account posts
func (e *Engine) ensureAnchor(ctx context.Context, handle string, acc config.AccountConfig, sum *models.AccountSummary) (string, error) {
	if _, ok := e.ledger.Anchor(handle); !ok {
		text := anchorText(acc)
		id, err := e.poster.CreatePost(ctx, text, nil, "")
		if err != nil {
			return "", fmt.Errorf("failed to create anchor post: %w", err)
		}
		sum.PostsCreated++
		e.logger.Info("Created thread anchor", zap.String("account", handle), zap.String("post_id", id))

		if err := e.ledger.SetAnchor(handle, id); err != nil {
			return "", fmt.Errorf("failed to persist anchor post %s: %w", id, err)
		}
		if err := e.ledger.SetLastPost(handle, id); err != nil {
			return "", fmt.Errorf("failed to persist anchor post %s as thread tail: %w", id, err)
		}
		return id, nil
	}

	if last, ok := e.ledger.LastPost(handle); ok {
		return last, nil
	}
	anchor, _ := e.ledger.Anchor(handle)
	return anchor, nil
}

func (e *Engine) recordOrphan(r *run, handle string, u unit, handles []string, replyTo, text string, cause error) {
	orphan := &models.OrphanUpload{
		Account:      handle,
		StoryIDs:     u.storyIDs(),
		MediaHandles: handles,
		ReplyTo:      replyTo,
		Caption:      text,
		Reason:       util.Truncate(cause.Error(), 1000),
	}
	if err := e.recorder.RecordOrphan(orphan); err != nil {
		e.logger.Warn("Failed to journal orphaned uploads", zap.String("account", handle), zap.Error(err))
	}
}

func (e *Engine) notifyPostFailed(ctx context.Context, handle string, err error) {
	e.notifier.Notify(ctx, notifier.Event{
		Kind:       notifier.EventPostFailed,
		Account:    handle,
		Component:  "twitter",
		Message:    err.Error(),
		StatusCode: apierr.StatusOf(err),
		Body:       errorBody(err),
		Err:        err,
	})
}
