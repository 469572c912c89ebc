package memory

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrStoreClosed = goerr.New("memory store closed")
	ErrEmptyUser   = goerr.New("user id is required")
	ErrEmptyText   = goerr.New("memory content is empty")
)

// SummaryPrefix marks compressed rollups in the content column.
const SummaryPrefix = "[SUMMARY] "

const (
	defaultImportance = 0.5
	summaryImportance = 0.7
	// Rows below this importance are eligible for retention cleanup.
	retentionImportance = 0.3
)

// FallbackImportance is stored for canned replies so retention cleanup
// expires them.
const FallbackImportance = 0.25

// Entry is one row of the memories table. Rows are never updated after
// insert except for the deferred embedding column.
type Entry struct {
	ID           int64          `json:"id"`
	UserID       string         `json:"user_id"`
	ScopeID      string         `json:"scope_id,omitempty"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Importance   float64        `json:"importance"`
	Timestamp    time.Time      `json:"timestamp"`
	HasEmbedding bool           `json:"has_embedding"`
}

// IsSummary reports whether the row is a [SUMMARY] rollup.
func (e Entry) IsSummary() bool {
	return len(e.Content) >= len(SummaryPrefix) && e.Content[:len(SummaryPrefix)] == SummaryPrefix
}

// Record is the input to Append.
type Record struct {
	UserID  string
	ScopeID string
	Content string
	// Importance in [0,1]; zero means the default 0.5.
	Importance float64
	Metadata   map[string]any
}

type Stats struct {
	Count         int       `json:"count"`
	AvgImportance float64   `json:"avg_importance"`
	FirstTS       time.Time `json:"first_ts,omitempty"`
	LastTS        time.Time `json:"last_ts,omitempty"`
}

// Export is everything stored about one user.
type Export struct {
	User     *UserContext `json:"user,omitempty"`
	Memories []Entry      `json:"memories"`
	Stats    Stats        `json:"stats"`
}

// RecallOptions narrows a recall. A zero MaxTokens uses the store default.
type RecallOptions struct {
	ScopeID   string
	MaxTokens int
}
