// Package pipeline moves stories through their lifecycle: fetched stories
// are archived into the ledger with their media staged locally, and pending
// stories are later posted into the account's reply chain. Every transition
// is persisted before the next one starts, so an interrupted invocation is
// resumed by the next one from durable state alone.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/apierr"
	"github.com/ifuryst/storyrelay/internal/config"
	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/internal/service/instagram"
	"github.com/ifuryst/storyrelay/internal/service/ledger"
	"github.com/ifuryst/storyrelay/internal/service/media"
	"github.com/ifuryst/storyrelay/internal/service/notifier"
	"github.com/ifuryst/storyrelay/internal/service/publisher"
	"github.com/ifuryst/storyrelay/pkg/util"
)

const (
	defaultMaxMediaPerPost    = 4
	defaultMaxPrepareAttempts = 3
)

// StoryFetcher is the source platform port
type StoryFetcher interface {
	FetchActiveStories(ctx context.Context, account string) ([]instagram.Payload, error)
	FetchStory(ctx context.Context, account, storyID string) (instagram.Payload, error)
}

// MediaStore is the staging area as seen by the pipeline
type MediaStore interface {
	Prepare(ctx context.Context, url string, id media.MediaID, t models.MediaType) (string, error)
	Locate(id media.MediaID) (string, bool)
	Evict(path string) bool
	EvictOldest(keep int) int
	Scan(account string) []media.StagedBlob
}

// Recorder keeps an audit trail of runs. It never influences pipeline state.
type Recorder interface {
	RecordRun(summary *models.RunSummary) error
	RecordFailure(runID, account, storyID, source string, err error) error
	RecordOrphan(orphan *models.OrphanUpload) error
}

type Engine struct {
	config   *config.Config
	ledger   *ledger.Ledger
	staging  MediaStore
	fetcher  StoryFetcher
	poster   publisher.Poster
	notifier notifier.Notifier
	recorder Recorder
	logger   *zap.Logger
	loc      *time.Location
	now      func() time.Time
}

type Option func(*Engine)

func WithNotifier(n notifier.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithClock replaces the wall clock used for eligibility and timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(
	cfg *config.Config,
	l *ledger.Ledger,
	staging MediaStore,
	fetcher StoryFetcher,
	poster publisher.Poster,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		config:   cfg,
		ledger:   l,
		staging:  staging,
		fetcher:  fetcher,
		poster:   poster,
		notifier: notifier.Nop{},
		recorder: nopRecorder{},
		logger:   logger,
		loc:      cfg.Pipeline.Location(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run carries per-invocation state through the account passes
type run struct {
	id string
}

func (e *Engine) maxMediaPerPost() int {
	if n := e.config.Pipeline.MaxMediaPerPost; n > 0 && n <= defaultMaxMediaPerPost {
		return n
	}
	return defaultMaxMediaPerPost
}

func (e *Engine) maxPrepareAttempts() int {
	if n := e.config.Pipeline.MaxPrepareAttempts; n > 0 {
		return n
	}
	return defaultMaxPrepareAttempts
}

// fail counts a failure into sum and journals it
func (e *Engine) fail(r *run, sum *models.AccountSummary, storyID, source string, err error) {
	sum.Failed++
	msg := fmt.Sprintf("%s: %v", source, err)
	if storyID != "" {
		msg = fmt.Sprintf("%s %s: %v", source, storyID, err)
	}
	sum.Errors = append(sum.Errors, util.Truncate(msg, 300))

	if recErr := e.recorder.RecordFailure(r.id, sum.Account, storyID, source, err); recErr != nil {
		e.logger.Warn("Failed to journal failure", zap.String("account", sum.Account), zap.Error(recErr))
	}
}

func errorBody(err error) string {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return apiErr.Body
	}
	return ""
}

type nopRecorder struct{}

func (nopRecorder) RecordRun(*models.RunSummary) error                        { return nil }
func (nopRecorder) RecordFailure(string, string, string, string, error) error { return nil }
func (nopRecorder) RecordOrphan(*models.OrphanUpload) error                   { return nil }
