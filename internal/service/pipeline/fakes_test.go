package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/config"
	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/internal/service/instagram"
	"github.com/ifuryst/storyrelay/internal/service/ledger"
	"github.com/ifuryst/storyrelay/internal/service/media"
	"github.com/ifuryst/storyrelay/internal/service/notifier"
)

var utc7 = time.FixedZone("UTC+7", 7*3600)

// testNow is noon of 2024-06-10 in UTC+7
var testNow = time.Date(2024, 6, 10, 12, 0, 0, 0, utc7)

func yesterday(hour int) int64 {
	return time.Date(2024, 6, 9, hour, 0, 0, 0, utc7).Unix()
}

func imagePayload(id string, takenAt int64, urls ...string) instagram.Payload {
	candidate := func(url string) map[string]any {
		return map[string]any{
			"image_versions2": map[string]any{
				"candidates": []any{map[string]any{"url": url, "width": 1080, "height": 1920}},
			},
		}
	}

	p := instagram.Payload{"pk": id, "taken_at": takenAt}
	switch len(urls) {
	case 0:
	case 1:
		for k, v := range candidate(urls[0]) {
			p[k] = v
		}
	default:
		items := make([]any, 0, len(urls))
		for _, u := range urls {
			items = append(items, candidate(u))
		}
		p["items"] = items
	}
	return p
}

func urls(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://cdn.example.com/%s/%d.jpg", prefix, i)
	}
	return out
}

type fakeFetcher struct {
	stories map[string][]instagram.Payload
	single  map[string]instagram.Payload
	errs    map[string]error
	calls   int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		stories: make(map[string][]instagram.Payload),
		single:  make(map[string]instagram.Payload),
		errs:    make(map[string]error),
	}
}

func (f *fakeFetcher) FetchActiveStories(_ context.Context, account string) ([]instagram.Payload, error) {
	f.calls++
	if err := f.errs[account]; err != nil {
		return nil, err
	}
	return f.stories[account], nil
}

func (f *fakeFetcher) FetchStory(_ context.Context, account, storyID string) (instagram.Payload, error) {
	f.calls++
	if err := f.errs[account]; err != nil {
		return nil, err
	}
	p, ok := f.single[storyID]
	if !ok {
		return nil, fmt.Errorf("story %s not found", storyID)
	}
	return p, nil
}

type fakePost struct {
	ID      string
	Text    string
	Media   []string
	ReplyTo string
}

type fakePoster struct {
	posts   []fakePost
	uploads []string
	// failUpload fails uploads of paths containing any of these substrings
	failUpload []string
	// failPost may fail the n-th CreatePost call (1-based)
	failPost func(n int, text string) error
	calls    int
	seq      int
}

func (p *fakePoster) GetPlatformName() string { return "fake" }

func (p *fakePoster) UploadMedia(_ context.Context, path string) (string, error) {
	for _, s := range p.failUpload {
		if strings.Contains(path, s) {
			return "", fmt.Errorf("upload of %s rejected", filepath.Base(path))
		}
	}
	p.uploads = append(p.uploads, path)
	return fmt.Sprintf("m%d", len(p.uploads)), nil
}

func (p *fakePoster) CreatePost(_ context.Context, text string, mediaIDs []string, replyTo string) (string, error) {
	p.calls++
	if p.failPost != nil {
		if err := p.failPost(p.calls, text); err != nil {
			return "", err
		}
	}
	p.seq++
	id := fmt.Sprintf("p%d", p.seq)
	p.posts = append(p.posts, fakePost{ID: id, Text: text, Media: append([]string(nil), mediaIDs...), ReplyTo: replyTo})
	return id, nil
}

func (p *fakePoster) VerifyCredentials(context.Context) error { return nil }

// replies are the posts carrying media
func (p *fakePoster) replies() []fakePost {
	var out []fakePost
	for _, post := range p.posts {
		if len(post.Media) > 0 {
			out = append(out, post)
		}
	}
	return out
}

type fakeStaging struct {
	dir     string
	failing map[string]bool
	blobs   map[string]media.StagedBlob
	evicted []string
}

func newFakeStaging(t *testing.T) *fakeStaging {
	t.Helper()
	return &fakeStaging{
		dir:     t.TempDir(),
		failing: make(map[string]bool),
		blobs:   make(map[string]media.StagedBlob),
	}
}

func (s *fakeStaging) path(id media.MediaID, typ models.MediaType) string {
	return filepath.Join(s.dir, id.Account, fmt.Sprintf("%s_%d%s", id.StoryID, id.Index, typ.Extension()))
}

func (s *fakeStaging) write(id media.MediaID, typ models.MediaType, modTime time.Time) (string, error) {
	p := s.path(id, typ)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, []byte(id.String()), 0o644); err != nil {
		return "", err
	}
	s.blobs[p] = media.StagedBlob{ID: id, Type: typ, Path: p, ModTime: modTime}
	return p, nil
}

// put stages a blob directly, as if left behind by an earlier run
func (s *fakeStaging) put(t *testing.T, id media.MediaID, modTime time.Time) string {
	t.Helper()
	p, err := s.write(id, models.MediaTypeImage, modTime)
	require.NoError(t, err)
	return p
}

func (s *fakeStaging) Prepare(_ context.Context, url string, id media.MediaID, typ models.MediaType) (string, error) {
	if p, ok := s.Locate(id); ok {
		return p, nil
	}
	if url == "" || s.failing[url] {
		return "", fmt.Errorf("%w: %s", media.ErrDownloadFailed, url)
	}
	return s.write(id, typ, testNow)
}

func (s *fakeStaging) Locate(id media.MediaID) (string, bool) {
	for p, b := range s.blobs {
		if b.ID == id {
			return p, true
		}
	}
	return "", false
}

func (s *fakeStaging) Evict(path string) bool {
	if _, ok := s.blobs[path]; !ok {
		return false
	}
	delete(s.blobs, path)
	_ = os.Remove(path)
	s.evicted = append(s.evicted, path)
	return true
}

func (s *fakeStaging) EvictOldest(keep int) int {
	all := make([]media.StagedBlob, 0, len(s.blobs))
	for _, b := range s.blobs {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ModTime.After(all[j].ModTime) })

	n := 0
	for i := keep; i < len(all); i++ {
		if s.Evict(all[i].Path) {
			n++
		}
	}
	return n
}

func (s *fakeStaging) Scan(account string) []media.StagedBlob {
	var out []media.StagedBlob
	for _, b := range s.blobs {
		if b.ID.Account == account {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.StoryID != out[j].ID.StoryID {
			return out[i].ID.StoryID < out[j].ID.StoryID
		}
		return out[i].ID.Index < out[j].ID.Index
	})
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (n *fakeNotifier) Notify(_ context.Context, e notifier.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *fakeNotifier) kinds() []notifier.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notifier.EventKind, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

type fakeRecorder struct {
	runs     []*models.RunSummary
	failures []string
	orphans  []*models.OrphanUpload
}

func (r *fakeRecorder) RecordRun(s *models.RunSummary) error {
	r.runs = append(r.runs, s)
	return nil
}

func (r *fakeRecorder) RecordFailure(runID, account, storyID, source string, err error) error {
	r.failures = append(r.failures, fmt.Sprintf("%s/%s/%s", account, source, storyID))
	return nil
}

func (r *fakeRecorder) RecordOrphan(o *models.OrphanUpload) error {
	r.orphans = append(r.orphans, o)
	return nil
}

type harness struct {
	engine   *Engine
	ledger   *ledger.Ledger
	staging  *fakeStaging
	fetcher  *fakeFetcher
	poster   *fakePoster
	notifier *fakeNotifier
	recorder *fakeRecorder
	config   *config.Config
}

func newHarness(t *testing.T, accounts ...config.AccountConfig) *harness {
	t.Helper()
	if len(accounts) == 0 {
		accounts = []config.AccountConfig{{Handle: "alice"}}
	}

	cfg := &config.Config{Accounts: accounts}
	h := &harness{
		ledger:   ledger.Open(filepath.Join(t.TempDir(), "archive.json"), accounts[0].Handle, zap.NewNop()),
		staging:  newFakeStaging(t),
		fetcher:  newFakeFetcher(),
		poster:   &fakePoster{},
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{},
		config:   cfg,
	}
	h.rebuild()
	return h
}

// rebuild recreates the engine after a config change
func (h *harness) rebuild() {
	h.engine = NewEngine(h.config, h.ledger, h.staging, h.fetcher, h.poster, zap.NewNop(),
		WithNotifier(h.notifier),
		WithRecorder(h.recorder),
		WithClock(func() time.Time { return testNow }))
}
