package models

import (
	"time"
)

// AccountSummary counts what happened to one account during a run
type AccountSummary struct {
	Account         string   `json:"account" yaml:"account"`
	Fetched         int      `json:"fetched" yaml:"fetched"`
	NewlyArchived   int      `json:"newly_archived" yaml:"newly_archived"`
	AlreadyArchived int      `json:"already_archived" yaml:"already_archived"`
	AlreadyPosted   int      `json:"already_posted" yaml:"already_posted"`
	SkippedNoMedia  int      `json:"skipped_no_media" yaml:"skipped_no_media"`
	Backfilled      int      `json:"backfilled" yaml:"backfilled"`
	StoriesPosted   int      `json:"stories_posted" yaml:"stories_posted"`
	PostsCreated    int      `json:"posts_created" yaml:"posts_created"`
	Evicted         int      `json:"evicted" yaml:"evicted"`
	Failed          int      `json:"failed" yaml:"failed"`
	Errors          []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// RunSummary is the outcome of one invocation
type RunSummary struct {
	RunID      string            `json:"run_id" yaml:"run_id"`
	Mode       string            `json:"mode" yaml:"mode"`
	Policy     string            `json:"policy,omitempty" yaml:"policy,omitempty"`
	StartedAt  time.Time         `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time         `json:"finished_at" yaml:"finished_at"`
	Accounts   []*AccountSummary `json:"accounts" yaml:"accounts"`
}

// Account returns the summary for handle, creating it on first use
func (s *RunSummary) Account(handle string) *AccountSummary {
	for _, a := range s.Accounts {
		if a.Account == handle {
			return a
		}
	}
	a := &AccountSummary{Account: handle}
	s.Accounts = append(s.Accounts, a)
	return a
}

func (s *RunSummary) Failures() int {
	total := 0
	for _, a := range s.Accounts {
		total += a.Failed
	}
	return total
}

func (s *RunSummary) HasFailures() bool {
	return s.Failures() > 0
}

func (s *RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Totals folds every account into a single summary
func (s *RunSummary) Totals() AccountSummary {
	var t AccountSummary
	for _, a := range s.Accounts {
		t.Fetched += a.Fetched
		t.NewlyArchived += a.NewlyArchived
		t.AlreadyArchived += a.AlreadyArchived
		t.AlreadyPosted += a.AlreadyPosted
		t.SkippedNoMedia += a.SkippedNoMedia
		t.Backfilled += a.Backfilled
		t.StoriesPosted += a.StoriesPosted
		t.PostsCreated += a.PostsCreated
		t.Evicted += a.Evicted
		t.Failed += a.Failed
	}
	return t
}

// StoryStat is one row of the ledger statistics
type StoryStat struct {
	StoryID    string    `json:"story_id" yaml:"story_id"`
	TakenAt    int64     `json:"taken_at" yaml:"taken_at"`
	ArchivedAt time.Time `json:"archived_at" yaml:"archived_at"`
	MediaCount int       `json:"media_count" yaml:"media_count"`
	PostIDs    []string  `json:"post_ids" yaml:"post_ids"`
}

// AccountStats summarizes the ledger of one account
type AccountStats struct {
	Account      string      `json:"account" yaml:"account"`
	TotalStories int         `json:"total_stories" yaml:"total_stories"`
	TotalMedia   int         `json:"total_media" yaml:"total_media"`
	Pending      int         `json:"pending" yaml:"pending"`
	Posted       int         `json:"posted" yaml:"posted"`
	LastCheck    *time.Time  `json:"last_check,omitempty" yaml:"last_check,omitempty"`
	AnchorPostID string      `json:"anchor_post_id,omitempty" yaml:"anchor_post_id,omitempty"`
	LastPostID   string      `json:"last_post_id,omitempty" yaml:"last_post_id,omitempty"`
	Stories      []StoryStat `json:"stories" yaml:"stories"`
}

// LedgerStats aggregates every account, sorted by handle
type LedgerStats struct {
	TotalStories int            `json:"total_stories" yaml:"total_stories"`
	TotalMedia   int            `json:"total_media" yaml:"total_media"`
	Pending      int            `json:"pending" yaml:"pending"`
	Posted       int            `json:"posted" yaml:"posted"`
	Accounts     []AccountStats `json:"accounts" yaml:"accounts"`
}
