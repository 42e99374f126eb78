package pipeline

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/apierr"
	"github.com/ifuryst/storyrelay/internal/config"
	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/internal/service/instagram"
	"github.com/ifuryst/storyrelay/internal/service/ledger"
	"github.com/ifuryst/storyrelay/internal/service/media"
	"github.com/ifuryst/storyrelay/internal/service/notifier"
)

func storyIDs(records []models.StoryRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.StoryID
	}
	return out
}

func TestFirstRunArchivesBothAndPostsOnlyClosedDay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.stories["alice"] = []instagram.Payload{
		imagePayload("s1", testNow.Add(-48*time.Hour).Unix(), "https://cdn.example.com/s1.jpg"),
		imagePayload("s2", testNow.Unix(), "https://cdn.example.com/s2.jpg"),
	}

	sum, err := h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Fetched)
	assert.Equal(t, 2, sum.NewlyArchived)
	assert.Len(t, h.ledger.Stories("alice"), 2)

	sum, err = h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.StoriesPosted)
	assert.Equal(t, 2, sum.PostsCreated)

	require.Len(t, h.poster.posts, 2)
	anchor := h.poster.posts[0]
	assert.Equal(t, "alice Instagram Story", anchor.Text)
	assert.Empty(t, anchor.Media)
	assert.Empty(t, anchor.ReplyTo)

	reply := h.poster.posts[1]
	assert.Equal(t, anchor.ID, reply.ReplyTo)
	assert.Equal(t, "Instagram Story alice\n08/06/2024", reply.Text)
	assert.Len(t, reply.Media, 1)

	id, ok := h.ledger.Anchor("alice")
	require.True(t, ok)
	assert.Equal(t, anchor.ID, id)
	last, ok := h.ledger.LastPost("alice")
	require.True(t, ok)
	assert.Equal(t, reply.ID, last)

	s1, _ := h.ledger.Story("alice", "s1")
	assert.Equal(t, []string{reply.ID}, s1.PostIDs)
	assert.Empty(t, s1.LocalMediaPaths)
	_, staged := h.staging.Locate(media.MediaID{Account: "alice", StoryID: "s1", Index: 0})
	assert.False(t, staged)

	assert.Equal(t, []string{"s2"}, storyIDs(h.ledger.Pending("alice")))
}

func TestArchiveOrdersByCaptureTime(t *testing.T) {
	h := newHarness(t)
	h.fetcher.stories["alice"] = []instagram.Payload{
		imagePayload("s300", 300, "https://cdn.example.com/300.jpg"),
		imagePayload("s100", 100, "https://cdn.example.com/100.jpg"),
		imagePayload("s200", 200, "https://cdn.example.com/200.jpg"),
	}

	_, err := h.engine.ArchiveAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"s100", "s200", "s300"}, storyIDs(h.ledger.Stories("alice")))

	_, err = h.engine.PostPending(context.Background(), "alice", PolicyImmediate)
	require.NoError(t, err)

	replies := h.poster.replies()
	require.Len(t, replies, 3)
	for i, want := range []string{"s100", "s200", "s300"} {
		rec, _ := h.ledger.Story("alice", want)
		assert.Equal(t, []string{replies[i].ID}, rec.PostIDs)
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.stories["alice"] = []instagram.Payload{
		imagePayload("s1", yesterday(9), "https://cdn.example.com/s1.jpg"),
		imagePayload("s2", yesterday(10), "https://cdn.example.com/s2.jpg"),
	}

	_, err := h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)
	before := h.ledger.Stories("alice")

	sum, err := h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, sum.NewlyArchived)
	assert.Equal(t, 2, sum.AlreadyArchived)

	after := h.ledger.Stories("alice")
	require.Len(t, after, 2)
	for i := range before {
		assert.Equal(t, before[i].ArchivedAt, after[i].ArchivedAt)
		assert.Equal(t, before[i].LocalMediaPaths, after[i].LocalMediaPaths)
	}

	_, err = h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.NoError(t, err)
	sum, err = h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.AlreadyPosted)
}

func TestArchiveSkipsStoryWithoutMedia(t *testing.T) {
	h := newHarness(t)
	h.fetcher.stories["alice"] = []instagram.Payload{
		imagePayload("bare", yesterday(9)),
		{"taken_at": 5},
	}

	sum, err := h.engine.ArchiveAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fetched)
	assert.Equal(t, 1, sum.SkippedNoMedia)
	assert.Empty(t, h.ledger.Stories("alice"))
}

func TestArchiveKeepsPartiallyStagedStory(t *testing.T) {
	h := newHarness(t)
	u := urls("s1", 2)
	h.staging.failing[u[1]] = true
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), u...)}

	sum, err := h.engine.ArchiveAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.NewlyArchived)

	rec, ok := h.ledger.Story("alice", "s1")
	require.True(t, ok)
	assert.Equal(t, 2, rec.MediaCount)
	assert.Equal(t, u, rec.MediaURLs)
	require.Len(t, rec.LocalMediaPaths, 2)
	assert.NotEmpty(t, rec.LocalMediaPaths[0])
	assert.Empty(t, rec.LocalMediaPaths[1])
	assert.Empty(t, rec.PostIDs)
}

func TestArchiveFetchFailure(t *testing.T) {
	h := newHarness(t)
	h.fetcher.errs["alice"] = apierr.FromStatus("instagram", 503, "unavailable")

	sum, err := h.engine.ArchiveAccount(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrNetwork))
	assert.Equal(t, 1, sum.Failed)

	stats := h.ledger.AccountStatistics("alice")
	require.NotNil(t, stats.LastCheck)
	assert.True(t, stats.LastCheck.Equal(testNow))

	assert.Contains(t, h.notifier.kinds(), notifier.EventFetchFailed)
	assert.Equal(t, []string{"alice/fetch/"}, h.recorder.failures)
}

func TestEligibilityBoundary(t *testing.T) {
	midnight := time.Date(2024, 6, 10, 0, 0, 0, 0, utc7)
	pending := []models.StoryRecord{
		{StoryID: "today", TakenAt: midnight.Unix()},
		{StoryID: "last-second", TakenAt: midnight.Unix() - 1},
	}

	got := eligible(pending, testNow, utc7)
	assert.Equal(t, []string{"last-second"}, storyIDs(got))

	// a run at exactly midnight still excludes the story taken at that instant
	got = eligible(pending, midnight, utc7)
	assert.Equal(t, []string{"last-second"}, storyIDs(got))
}

func TestBatchingSplitsIntoGroupsOfFour(t *testing.T) {
	cases := []struct {
		media int
		posts int
	}{
		{1, 1},
		{4, 1},
		{5, 2},
		{8, 2},
		{9, 3},
	}

	for _, tc := range cases {
		h := newHarness(t)
		require.NoError(t, h.ledger.SetAnchor("alice", "anchor"))
		h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), urls("s1", tc.media)...)}

		_, err := h.engine.ArchiveAccount(context.Background(), "alice")
		require.NoError(t, err)
		sum, err := h.engine.PostPending(context.Background(), "alice", PolicyImmediate)
		require.NoError(t, err)

		replies := h.poster.replies()
		require.Len(t, replies, tc.posts, "media=%d", tc.media)
		assert.Equal(t, tc.posts, sum.PostsCreated)

		total := 0
		for i, r := range replies {
			assert.LessOrEqual(t, len(r.Media), 4)
			total += len(r.Media)
			if i == 0 {
				assert.Equal(t, "anchor", r.ReplyTo)
			} else {
				assert.Equal(t, replies[i-1].ID, r.ReplyTo)
			}
		}
		assert.Equal(t, tc.media, total)

		rec, _ := h.ledger.Story("alice", "s1")
		assert.Len(t, rec.PostIDs, tc.posts)
	}
}

func TestBatchCaptionsCarryCounter(t *testing.T) {
	h := newHarness(t, config.AccountConfig{Handle: "alice", DisplayName: "Alice", Hashtags: []string{"story", "#daily"}})
	require.NoError(t, h.ledger.SetAnchor("alice", "anchor"))
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), urls("s1", 5)...)}

	_, err := h.engine.ArchiveAccount(context.Background(), "alice")
	require.NoError(t, err)
	_, err = h.engine.PostPending(context.Background(), "alice", PolicyImmediate)
	require.NoError(t, err)

	replies := h.poster.replies()
	require.Len(t, replies, 2)
	assert.Equal(t, "Instagram Story Alice\n09/06/2024\n\n#story #daily\n(1/2)", replies[0].Text)
	assert.Equal(t, "Instagram Story Alice\n09/06/2024\n\n#story #daily\n(2/2)", replies[1].Text)
}

func TestPartialMediaAbortsUnit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := urls("s1", 3)
	h.staging.failing[u[2]] = true
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), u...)}

	_, err := h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)

	sum, err := h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrPartialData))
	assert.Equal(t, 1, sum.Failed)
	assert.Empty(t, h.poster.posts)
	assert.Empty(t, h.poster.uploads)

	rec, _ := h.ledger.Story("alice", "s1")
	assert.False(t, rec.Posted())
	_, ok := h.ledger.Anchor("alice")
	assert.False(t, ok)

	// the media comes back, the next pass posts it
	delete(h.staging.failing, u[2])
	sum, err = h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.StoriesPosted)
	require.Len(t, h.poster.replies(), 1)
	assert.Len(t, h.poster.replies()[0].Media, 3)
}

func TestUnavailableMediaStopsFailingAfterAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.config.Pipeline.MaxPrepareAttempts = 2
	h.rebuild()
	h.staging.failing["https://cdn.example.com/gone.jpg"] = true
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), "https://cdn.example.com/gone.jpg")}

	_, err := h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		sum, err := h.engine.PostPending(ctx, "alice", PolicyImmediate)
		require.ErrorIs(t, err, apierr.ErrPartialData)
		assert.Equal(t, 1, sum.Failed)
	}
	require.Len(t, h.recorder.failures, 2)

	sum, err := h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.NoError(t, err)
	assert.Zero(t, sum.Failed)
	assert.Len(t, h.recorder.failures, 2)
	assert.Empty(t, h.poster.posts)

	rec, _ := h.ledger.Story("alice", "s1")
	assert.False(t, rec.Posted())
	assert.Equal(t, 3, rec.PrepareFailures)

	// the count survives a reload and the story still posts once media returns
	h.ledger.Load()
	delete(h.staging.failing, "https://cdn.example.com/gone.jpg")
	sum, err = h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.StoriesPosted)
}

func TestPostingIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), "https://cdn.example.com/s1.jpg")}

	_, err := h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)
	_, err = h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.NoError(t, err)
	posted := len(h.poster.posts)

	sum, err := h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.NoError(t, err)
	assert.Zero(t, sum.PostsCreated)

	sum, err = h.engine.ProcessStory(ctx, "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.AlreadyPosted)
	assert.Len(t, h.poster.posts, posted)
}

func TestDailyPolicyGroupsByDay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.ledger.SetAnchor("alice", "anchor"))

	dayBefore := time.Date(2024, 6, 8, 22, 0, 0, 0, utc7).Unix()
	h.fetcher.stories["alice"] = []instagram.Payload{
		imagePayload("a", dayBefore, urls("a", 3)...),
		imagePayload("b", yesterday(1), urls("b", 2)...),
		imagePayload("c", yesterday(23), urls("c", 1)...),
	}

	_, err := h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)
	sum, err := h.engine.PostPending(ctx, "alice", PolicyDaily)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.StoriesPosted)

	replies := h.poster.replies()
	require.Len(t, replies, 2)
	assert.Equal(t, "Instagram Story alice\n08/06/2024", replies[0].Text)
	assert.Len(t, replies[0].Media, 3)
	assert.Equal(t, "Instagram Story alice\n09/06/2024", replies[1].Text)
	assert.Len(t, replies[1].Media, 3)
	assert.Equal(t, replies[0].ID, replies[1].ReplyTo)

	b, _ := h.ledger.Story("alice", "b")
	c, _ := h.ledger.Story("alice", "c")
	assert.Equal(t, []string{replies[1].ID}, b.PostIDs)
	assert.Equal(t, b.PostIDs, c.PostIDs)
}

func TestPostFailureRecordsOrphanAndLeavesStoryPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.poster.failPost = func(n int, text string) error {
		if n > 1 {
			return apierr.FromStatus("twitter", 403, "forbidden")
		}
		return nil
	}
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), "https://cdn.example.com/s1.jpg")}

	_, err := h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)
	sum, err := h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrAuth))
	assert.Equal(t, 1, sum.Failed)

	rec, _ := h.ledger.Story("alice", "s1")
	assert.False(t, rec.Posted())
	assert.NotEmpty(t, rec.LocalMediaPaths[0])

	_, ok := h.ledger.Anchor("alice")
	assert.True(t, ok)

	require.Len(t, h.recorder.orphans, 1)
	assert.Equal(t, models.StringArray{"s1"}, h.recorder.orphans[0].StoryIDs)
	assert.Equal(t, models.StringArray{"m1"}, h.recorder.orphans[0].MediaHandles)
	assert.Contains(t, h.notifier.kinds(), notifier.EventPostFailed)
}

func TestPartialThreadStillMarksStoryPosted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.ledger.SetAnchor("alice", "anchor"))
	h.poster.failPost = func(n int, text string) error {
		if n == 2 {
			return apierr.FromStatus("twitter", 400, "duplicate content")
		}
		return nil
	}
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), urls("s1", 9)...)}

	_, err := h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)
	sum, err := h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.Error(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.StoriesPosted)

	replies := h.poster.replies()
	require.Len(t, replies, 1)
	rec, _ := h.ledger.Story("alice", "s1")
	assert.Equal(t, []string{replies[0].ID}, rec.PostIDs)
	last, _ := h.ledger.LastPost("alice")
	assert.Equal(t, replies[0].ID, last)
	require.Len(t, h.recorder.orphans, 1)
	assert.Len(t, h.recorder.orphans[0].MediaHandles, 4)
}

func TestUploadFailuresSkipOnlyTheirBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.ledger.SetAnchor("alice", "anchor"))
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), urls("s1", 6)...)}
	// items 0-3 form the first batch
	h.poster.failUpload = []string{"s1_0", "s1_1", "s1_2", "s1_3", "s1_5"}

	_, err := h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)
	sum, err := h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.Error(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.StoriesPosted)

	replies := h.poster.replies()
	require.Len(t, replies, 1)
	assert.Len(t, replies[0].Media, 1)
	assert.Equal(t, "anchor", replies[0].ReplyTo)
	assert.Contains(t, replies[0].Text, "(2/2)")
}

func TestAllBatchesFailingLeavesLedgerUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.ledger.SetAnchor("alice", "anchor"))
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), "https://cdn.example.com/s1.jpg")}
	h.poster.failUpload = []string{"s1_0"}

	_, err := h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)
	sum, err := h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.Error(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Empty(t, h.poster.posts)

	rec, _ := h.ledger.Story("alice", "s1")
	assert.False(t, rec.Posted())
	_, ok := h.ledger.LastPost("alice")
	assert.False(t, ok)
}

func TestReconcileBackfillsAndEvicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	old := time.Date(2024, 6, 7, 8, 0, 0, 0, utc7)
	h.staging.put(t, media.MediaID{Account: "alice", StoryID: "orphan", Index: 1}, old.Add(time.Minute))
	h.staging.put(t, media.MediaID{Account: "alice", StoryID: "orphan", Index: 0}, old)

	_, err := h.ledger.InsertIfNew("alice", models.StoryRecord{StoryID: "done", TakenAt: 1, PostIDs: []string{"p0"}})
	require.NoError(t, err)
	donePath := h.staging.put(t, media.MediaID{Account: "alice", StoryID: "done", Index: 0}, old)

	sum, err := h.engine.ArchiveAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Backfilled)
	assert.Equal(t, 1, sum.Evicted)
	_, err = os.Stat(donePath)
	assert.True(t, os.IsNotExist(err))

	rec, ok := h.ledger.Story("alice", "orphan")
	require.True(t, ok)
	assert.Equal(t, old.Unix(), rec.TakenAt)
	assert.Equal(t, 2, rec.MediaCount)
	assert.Empty(t, rec.MediaURLs)
	assert.Len(t, rec.LocalMediaPaths, 2)

	sum, err = h.engine.PostPending(ctx, "alice", PolicyImmediate)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.StoriesPosted)
	replies := h.poster.replies()
	require.Len(t, replies, 1)
	assert.Len(t, replies[0].Media, 2)
	assert.Empty(t, h.staging.Scan("alice"))
}

func TestReconcileLeavesFetchedAndPendingStoriesAlone(t *testing.T) {
	h := newHarness(t)
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), "https://cdn.example.com/s1.jpg")}

	sum, err := h.engine.ArchiveAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, sum.Backfilled)
	assert.Zero(t, sum.Evicted)
	assert.Len(t, h.staging.Scan("alice"), 1)
}

func TestReconcileCanBeDisabled(t *testing.T) {
	h := newHarness(t)
	h.config.Pipeline.DisableReconcile = true
	h.rebuild()
	h.staging.put(t, media.MediaID{Account: "alice", StoryID: "orphan", Index: 0}, testNow)

	sum, err := h.engine.ArchiveAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, sum.Backfilled)
	assert.Empty(t, h.ledger.Stories("alice"))
}

func TestProcessStoryIgnoresEligibility(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.AccountConfig{Handle: "alice", TemplateName: "Alice"})
	h.fetcher.single["fresh"] = imagePayload("fresh", testNow.Unix(), "https://cdn.example.com/fresh.jpg")

	sum, err := h.engine.ProcessStory(ctx, "@Alice", "fresh")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.NewlyArchived)
	assert.Equal(t, 1, sum.StoriesPosted)

	require.Len(t, h.poster.posts, 2)
	assert.Equal(t, "Alice Instagram Story", h.poster.posts[0].Text)
	rec, _ := h.ledger.Story("alice", "fresh")
	assert.True(t, rec.Posted())
}

func TestProcessStoryWithoutMedia(t *testing.T) {
	h := newHarness(t)
	h.fetcher.single["bare"] = imagePayload("bare", yesterday(9))

	sum, err := h.engine.ProcessStory(context.Background(), "alice", "bare")
	require.ErrorIs(t, err, ErrNoMedia)
	assert.Equal(t, 1, sum.SkippedNoMedia)
	assert.Empty(t, h.poster.posts)
}

func TestRunIsolatesAccountFailures(t *testing.T) {
	h := newHarness(t, config.AccountConfig{Handle: "alice"}, config.AccountConfig{Handle: "bob"})
	h.fetcher.errs["bob"] = apierr.FromStatus("instagram", 500, "boom")
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), "https://cdn.example.com/s1.jpg")}

	summary, err := h.engine.Run(context.Background(), RunOptions{Mode: ModeRun, Policy: PolicyImmediate})
	require.NoError(t, err)
	require.Len(t, summary.Accounts, 2)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, "immediate", summary.Policy)

	alice := summary.Account("alice")
	assert.Equal(t, 1, alice.NewlyArchived)
	assert.Equal(t, 1, alice.StoriesPosted)
	assert.Zero(t, alice.Failed)

	bob := summary.Account("bob")
	assert.Equal(t, 1, bob.Failed)
	assert.True(t, summary.HasFailures())

	require.Len(t, h.recorder.runs, 1)
	assert.Equal(t, summary.RunID, h.recorder.runs[0].RunID)
	kinds := h.notifier.kinds()
	assert.Equal(t, notifier.EventRunSummary, kinds[len(kinds)-1])
}

func TestRunPostsArchivedStoriesWhenFetchFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.InsertIfNew("alice", models.StoryRecord{
		StoryID:    "s1",
		TakenAt:    yesterday(9),
		MediaCount: 1,
		MediaURLs:  []string{"https://cdn.example.com/s1.jpg"},
	})
	require.NoError(t, err)
	h.fetcher.errs["alice"] = errors.New("gateway down")

	summary, err := h.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	alice := summary.Account("alice")
	assert.Equal(t, 1, alice.Failed)
	assert.Equal(t, 1, alice.StoriesPosted)
}

func TestRunArchiveModeDoesNotPost(t *testing.T) {
	h := newHarness(t)
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), "https://cdn.example.com/s1.jpg")}

	summary, err := h.engine.Run(context.Background(), RunOptions{Mode: ModeArchive})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Account("alice").NewlyArchived)
	assert.Empty(t, summary.Policy)
	assert.Empty(t, h.poster.posts)
}

func TestRunStoryModeUsesDefaultAccount(t *testing.T) {
	h := newHarness(t, config.AccountConfig{Handle: "alice"}, config.AccountConfig{Handle: "bob"})
	h.config.DefaultAccount = "bob"
	h.rebuild()
	h.fetcher.single["s1"] = imagePayload("s1", testNow.Unix(), "https://cdn.example.com/s1.jpg")

	summary, err := h.engine.Run(context.Background(), RunOptions{Mode: ModeStory, StoryID: "s1"})
	require.NoError(t, err)
	require.Len(t, summary.Accounts, 1)
	assert.Equal(t, "bob", summary.Accounts[0].Account)
	assert.Equal(t, 1, summary.Accounts[0].StoriesPosted)
}

func TestRunReloadsLedgerWrittenElsewhere(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.stories["alice"] = []instagram.Payload{imagePayload("s1", yesterday(9), "https://cdn.example.com/s1.jpg")}

	// a second process opened the same file before the first one posted
	other := ledger.Open(h.ledger.Path(), "alice", zap.NewNop())
	otherEngine := NewEngine(h.config, other, h.staging, h.fetcher, h.poster, zap.NewNop(),
		WithClock(func() time.Time { return testNow }))

	_, err := h.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Len(t, h.poster.posts, 2)

	summary, err := otherEngine.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, summary.Account("alice").PostsCreated)
	assert.Len(t, h.poster.posts, 2)

	anchor, ok := other.Anchor("alice")
	require.True(t, ok)
	assert.Equal(t, "p1", anchor)

	reopened := ledger.Open(h.ledger.Path(), "alice", zap.NewNop())
	s1, ok := reopened.Story("alice", "s1")
	require.True(t, ok)
	assert.Equal(t, []string{"p2"}, s1.PostIDs)
}

func TestRunRejectsInvalidOptions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Run(ctx, RunOptions{Mode: "publish"})
	assert.Error(t, err)

	_, err = h.engine.Run(ctx, RunOptions{Mode: ModeStory})
	assert.Error(t, err)

	_, err = h.engine.Run(ctx, RunOptions{Mode: ModeStory, StoryID: "x", Accounts: []string{"a", "b"}})
	assert.Error(t, err)

	h.config.Pipeline.PostPolicy = "weekly"
	h.rebuild()
	_, err = h.engine.Run(ctx, RunOptions{})
	assert.Error(t, err)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.engine.Run(ctx, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, summary.Accounts)
	assert.Zero(t, h.fetcher.calls)
}

func TestCleanupEvictsPostedStories(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.InsertIfNew("alice", models.StoryRecord{StoryID: "done", PostIDs: []string{"p1"}})
	require.NoError(t, err)
	_, err = h.ledger.InsertIfNew("alice", models.StoryRecord{StoryID: "wait"})
	require.NoError(t, err)

	h.staging.put(t, media.MediaID{Account: "alice", StoryID: "done", Index: 0}, testNow)
	h.staging.put(t, media.MediaID{Account: "alice", StoryID: "wait", Index: 0}, testNow.Add(-time.Hour))
	h.staging.put(t, media.MediaID{Account: "alice", StoryID: "wait", Index: 1}, testNow)

	n, err := h.engine.Cleanup(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.staging.Scan("alice"), 2)

	n, err = h.engine.Cleanup(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	left := h.staging.Scan("alice")
	require.Len(t, left, 1)
	assert.Equal(t, 1, left[0].ID.Index)
}

func TestStatusForSelectedAccounts(t *testing.T) {
	h := newHarness(t,
		config.AccountConfig{Handle: "alice"},
		config.AccountConfig{Handle: "bob"},
		config.AccountConfig{Handle: "carol"})
	_, err := h.ledger.InsertIfNew("alice", models.StoryRecord{StoryID: "a1", MediaCount: 2})
	require.NoError(t, err)
	_, err = h.ledger.InsertIfNew("bob", models.StoryRecord{StoryID: "b1", MediaCount: 1, PostIDs: []string{"p"}})
	require.NoError(t, err)
	_, err = h.ledger.InsertIfNew("carol", models.StoryRecord{StoryID: "c1", MediaCount: 4})
	require.NoError(t, err)

	all := h.engine.Status()
	assert.Equal(t, 3, all.TotalStories)
	assert.Len(t, all.Accounts, 3)

	bob := h.engine.Status("@Bob")
	assert.Equal(t, 1, bob.TotalStories)
	assert.Equal(t, 1, bob.Posted)
	require.Len(t, bob.Accounts, 1)
	assert.Equal(t, "bob", bob.Accounts[0].Account)

	two := h.engine.Status("carol", "alice", "Carol")
	assert.Equal(t, 2, two.TotalStories)
	assert.Equal(t, 6, two.TotalMedia)
	assert.Equal(t, 2, two.Pending)
	require.Len(t, two.Accounts, 2)
	assert.Equal(t, "carol", two.Accounts[0].Account)
	assert.Equal(t, "alice", two.Accounts[1].Account)
}
