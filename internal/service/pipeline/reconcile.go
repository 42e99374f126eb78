package pipeline

import (
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/internal/service/media"
)

// reconcile brings the staging area and the ledger back in line for one
// account. Blobs of posted stories are evicted. Blobs of stories the ledger
// does not know, and that were not part of this fetch, are archived from the
// blobs alone so they are posted like any other pending story.
func (e *Engine) reconcile(handle string, fetched map[string]struct{}, sum *models.AccountSummary) {
	logger := e.logger.With(zap.String("account", handle))

	byStory := lo.GroupBy(e.staging.Scan(handle), func(b media.StagedBlob) string { return b.ID.StoryID })
	storyIDs := lo.Keys(byStory)
	sort.Strings(storyIDs)

	for _, storyID := range storyIDs {
		blobs := byStory[storyID]
		rec, known := e.ledger.Story(handle, storyID)

		switch {
		case known && rec.Posted():
			for _, b := range blobs {
				if e.staging.Evict(b.Path) {
					sum.Evicted++
				}
			}
			logger.Debug("Evicted media of posted story", zap.String("story_id", storyID), zap.Int("blobs", len(blobs)))

		case known:
			// pending, the post transition will consume the blobs

		default:
			if _, ok := fetched[storyID]; ok {
				continue
			}
			inserted, err := e.ledger.InsertIfNew(handle, backfillRecord(storyID, blobs))
			if err != nil {
				logger.Warn("Failed to backfill staged story", zap.String("story_id", storyID), zap.Error(err))
				continue
			}
			if inserted {
				sum.Backfilled++
				logger.Info("Backfilled story from staged media",
					zap.String("story_id", storyID),
					zap.Int("media", len(blobs)))
			}
		}
	}
}

// backfillRecord rebuilds a pending record from staged blobs. The capture
// time is approximated by the oldest blob and no source URLs are known.
func backfillRecord(storyID string, blobs []media.StagedBlob) models.StoryRecord {
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].ID.Index < blobs[j].ID.Index })

	oldest := lo.MinBy(blobs, func(a, b media.StagedBlob) bool { return a.ModTime.Before(b.ModTime) })

	rec := models.StoryRecord{
		StoryID:         storyID,
		TakenAt:         oldest.ModTime.Unix(),
		MediaCount:      len(blobs),
		MediaURLs:       []string{},
		MediaTypes:      make([]models.MediaType, len(blobs)),
		LocalMediaPaths: make([]string, len(blobs)),
	}
	for i, b := range blobs {
		rec.MediaTypes[i] = b.Type
		rec.LocalMediaPaths[i] = b.Path
	}
	return rec
}
