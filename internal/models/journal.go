package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StringArray is stored as a brace-delimited text column ({"a","b"}), which
// reads back the same from PostgreSQL and SQLite.
type StringArray []string

// GormDataType keeps the column portable across dialects
func (StringArray) GormDataType() string {
	return "text"
}

// Scan implements the sql.Scanner interface
func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = StringArray{}
		return nil
	}

	switch v := value.(type) {
	case string:
		if v == "{}" || v == "" {
			*s = StringArray{}
			return nil
		}

		trimmed := strings.Trim(v, "{}")
		if trimmed == "" {
			*s = StringArray{}
			return nil
		}

		parts := strings.Split(trimmed, ",")
		result := make([]string, len(parts))
		for i, part := range parts {
			part = strings.Trim(strings.TrimSpace(part), "\"")
			result[i] = strings.ReplaceAll(part, "\\\"", "\"")
		}
		*s = result
		return nil
	case []byte:
		var arr []string
		if err := json.Unmarshal(v, &arr); err == nil {
			*s = arr
			return nil
		}
		return s.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into StringArray", value)
	}
}

// Value implements the driver.Valuer interface
func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "{}", nil
	}

	quoted := make([]string, len(s))
	for i, v := range s {
		escaped := strings.ReplaceAll(v, "\"", "\\\"")
		quoted[i] = fmt.Sprintf("\"%s\"", escaped)
	}

	return fmt.Sprintf("{%s}", strings.Join(quoted, ",")), nil
}

// RunRecord is one pipeline invocation
type RunRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RunID      string    `gorm:"uniqueIndex;size:36;not null" json:"run_id"`
	Mode       string    `gorm:"size:20;not null;index" json:"mode"` // archive, post, run, story, cleanup
	Policy     string    `gorm:"size:20" json:"policy"`
	StartedAt  time.Time `gorm:"not null;index" json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Failures   int       `gorm:"default:0" json:"failures"`
	Summary    string    `gorm:"type:text" json:"summary"` // JSON encoded RunSummary
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`

	Accounts []AccountRunStat `gorm:"foreignKey:RunRecordID" json:"accounts,omitempty"`
}

// AccountRunStat is the per-account slice of a run
type AccountRunStat struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	RunRecordID     uint   `gorm:"not null;index" json:"run_record_id"`
	Account         string `gorm:"size:100;not null;index" json:"account"`
	Fetched         int    `json:"fetched"`
	NewlyArchived   int    `json:"newly_archived"`
	AlreadyArchived int    `json:"already_archived"`
	AlreadyPosted   int    `json:"already_posted"`
	Backfilled      int    `json:"backfilled"`
	StoriesPosted   int    `json:"stories_posted"`
	PostsCreated    int    `json:"posts_created"`
	Failed          int    `json:"failed"`
}

// ErrorLog records failures worth keeping after the process exits
type ErrorLog struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Level      string     `gorm:"size:20;not null;index" json:"level"`   // ERROR, WARN
	Source     string     `gorm:"size:100;not null;index" json:"source"` // instagram, twitter, ledger, staging
	Account    string     `gorm:"size:100;index" json:"account"`
	StoryID    string     `gorm:"size:100;index" json:"story_id"`
	RunID      string     `gorm:"size:36;index" json:"run_id"`
	Title      string     `gorm:"size:500;not null" json:"title"`
	Message    string     `gorm:"type:text;not null" json:"message"`
	StackTrace string     `gorm:"type:text" json:"stack_trace"`
	Context    string     `gorm:"type:text" json:"context"`
	Resolved   bool       `gorm:"default:false;index" json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrphanUpload remembers media uploaded to the destination whose post was
// never created, so an operator can find and reuse or discard them.
type OrphanUpload struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	Account      string      `gorm:"size:100;not null;index" json:"account"`
	StoryIDs     StringArray `json:"story_ids"`
	MediaHandles StringArray `json:"media_handles"`
	ReplyTo      string      `gorm:"size:64" json:"reply_to"`
	Caption      string      `gorm:"type:text" json:"caption"`
	Reason       string      `gorm:"type:text" json:"reason"`
	CreatedAt    time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
}
