package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LedgerSchemaVersion is the schema written by this version of the ledger
const LedgerSchemaVersion = 2

type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// Extension is the staging blob extension for the media type
func (t MediaType) Extension() string {
	if t == MediaTypeVideo {
		return ".mp4"
	}
	return ".jpg"
}

// LedgerDocument is the on-disk ledger
type LedgerDocument struct {
	SchemaVersion int                       `json:"schema_version"`
	Accounts      map[string]*AccountLedger `json:"accounts"`
}

// AccountLedger holds everything known about one source account
type AccountLedger struct {
	ArchivedStories []StoryRecord `json:"archived_stories"`
	LastCheck       *time.Time    `json:"last_check,omitempty"`
	AnchorPostID    string        `json:"anchor_post_id,omitempty"`
	LastPostID      string        `json:"last_post_id,omitempty"`
}

// StoryRecord is one archived story. An empty PostIDs means the story is
// still pending; once set it is never changed.
type StoryRecord struct {
	StoryID         string      `json:"story_id"`
	Username        string      `json:"instagram_username,omitempty"`
	ArchivedAt      time.Time   `json:"archived_at"`
	TakenAt         int64       `json:"taken_at"`
	MediaCount      int         `json:"media_count"`
	MediaURLs       []string    `json:"media_urls"`
	MediaTypes      []MediaType `json:"media_types"`
	LocalMediaPaths []string    `json:"local_media_paths"`
	PostIDs         []string    `json:"post_ids"`
	// PrepareFailures counts posting passes aborted on unavailable media
	PrepareFailures int `json:"prepare_failures,omitempty"`
}

func (r *StoryRecord) Posted() bool {
	return len(r.PostIDs) > 0
}

// TypeAt returns the media type of item i, inferring it from the URL for
// records written before media types were tracked.
func (r *StoryRecord) TypeAt(i int) MediaType {
	if i < len(r.MediaTypes) && r.MediaTypes[i] != "" {
		return r.MediaTypes[i]
	}
	if i < len(r.MediaURLs) && strings.Contains(strings.ToLower(r.MediaURLs[i]), ".mp4") {
		return MediaTypeVideo
	}
	if i < len(r.LocalMediaPaths) && strings.HasSuffix(r.LocalMediaPaths[i], ".mp4") {
		return MediaTypeVideo
	}
	return MediaTypeImage
}

// TakenTime converts TakenAt to a time.Time in loc
func (r *StoryRecord) TakenTime(loc *time.Location) time.Time {
	return time.Unix(r.TakenAt, 0).In(loc)
}

// Clone returns a deep copy
func (r StoryRecord) Clone() StoryRecord {
	r.MediaURLs = cloneStrings(r.MediaURLs)
	r.LocalMediaPaths = cloneStrings(r.LocalMediaPaths)
	r.PostIDs = cloneStrings(r.PostIDs)
	if r.MediaTypes != nil {
		r.MediaTypes = append(make([]MediaType, 0, len(r.MediaTypes)), r.MediaTypes...)
	}
	return r
}

// Clone returns a deep copy
func (a *AccountLedger) Clone() *AccountLedger {
	c := &AccountLedger{
		AnchorPostID: a.AnchorPostID,
		LastPostID:   a.LastPostID,
	}
	if a.LastCheck != nil {
		t := *a.LastCheck
		c.LastCheck = &t
	}
	c.ArchivedStories = make([]StoryRecord, len(a.ArchivedStories))
	for i, s := range a.ArchivedStories {
		c.ArchivedStories[i] = s.Clone()
	}
	return c
}

// Clone returns a deep copy
func (d *LedgerDocument) Clone() *LedgerDocument {
	c := &LedgerDocument{
		SchemaVersion: d.SchemaVersion,
		Accounts:      make(map[string]*AccountLedger, len(d.Accounts)),
	}
	for k, v := range d.Accounts {
		c.Accounts[k] = v.Clone()
	}
	return c
}

func NewLedgerDocument() *LedgerDocument {
	return &LedgerDocument{
		SchemaVersion: LedgerSchemaVersion,
		Accounts:      make(map[string]*AccountLedger),
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

// storyRecordJSON accepts the field names written by older releases
// (tweet_ids) and numeric identifiers.
type storyRecordJSON struct {
	StoryID         flexString   `json:"story_id"`
	Username        string       `json:"instagram_username"`
	ArchivedAt      string       `json:"archived_at"`
	TakenAt         flexInt      `json:"taken_at"`
	MediaCount      int          `json:"media_count"`
	MediaURLs       []string     `json:"media_urls"`
	MediaTypes      []MediaType  `json:"media_types"`
	LocalMediaPaths []string     `json:"local_media_paths"`
	PostIDs         []flexString `json:"post_ids"`
	TweetIDs        []flexString `json:"tweet_ids"`
	PrepareFailures int          `json:"prepare_failures"`
}

func (r *StoryRecord) UnmarshalJSON(data []byte) error {
	var raw storyRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = StoryRecord{
		StoryID:         string(raw.StoryID),
		Username:        raw.Username,
		TakenAt:         int64(raw.TakenAt),
		MediaCount:      raw.MediaCount,
		MediaURLs:       nonNil(raw.MediaURLs),
		MediaTypes:      raw.MediaTypes,
		LocalMediaPaths: nonNil(raw.LocalMediaPaths),
		PostIDs:         []string{},
		PrepareFailures: raw.PrepareFailures,
	}
	if raw.ArchivedAt != "" {
		r.ArchivedAt = parseTimestamp(raw.ArchivedAt)
	}

	ids := raw.PostIDs
	if len(ids) == 0 {
		ids = raw.TweetIDs
	}
	for _, id := range ids {
		if id != "" {
			r.PostIDs = append(r.PostIDs, string(id))
		}
	}
	if r.MediaTypes == nil {
		r.MediaTypes = []MediaType{}
	}
	return nil
}

type accountLedgerJSON struct {
	ArchivedStories []StoryRecord `json:"archived_stories"`
	LastCheck       string        `json:"last_check"`
	AnchorPostID    flexString    `json:"anchor_post_id"`
	LastPostID      flexString    `json:"last_post_id"`
	AnchorTweetID   flexString    `json:"anchor_tweet_id"`
	LastTweetID     flexString    `json:"last_tweet_id"`
}

func (a *AccountLedger) UnmarshalJSON(data []byte) error {
	var raw accountLedgerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*a = AccountLedger{
		ArchivedStories: raw.ArchivedStories,
		AnchorPostID:    string(raw.AnchorPostID),
		LastPostID:      string(raw.LastPostID),
	}
	if a.ArchivedStories == nil {
		a.ArchivedStories = []StoryRecord{}
	}
	if a.AnchorPostID == "" {
		a.AnchorPostID = string(raw.AnchorTweetID)
	}
	if a.LastPostID == "" {
		a.LastPostID = string(raw.LastTweetID)
	}
	if raw.LastCheck != "" {
		if t := parseTimestamp(raw.LastCheck); !t.IsZero() {
			a.LastCheck = &t
		}
	}
	return nil
}

func (r StoryRecord) MarshalJSON() ([]byte, error) {
	type plain StoryRecord
	p := plain(r)
	p.MediaURLs = nonNil(p.MediaURLs)
	p.LocalMediaPaths = nonNil(p.LocalMediaPaths)
	p.PostIDs = nonNil(p.PostIDs)
	if p.MediaTypes == nil {
		p.MediaTypes = []MediaType{}
	}
	return json.Marshal(p)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// parseTimestamp accepts RFC3339 and the naive ISO format older files used
func parseTimestamp(s string) time.Time {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// flexString decodes both JSON strings and numbers
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*f = flexString(n.String())
	return nil
}

// flexInt decodes numbers, numeric strings and null (as zero)
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*f = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		*f = flexInt(int64(v))
		return nil
	}
	*f = 0
	return nil
}
