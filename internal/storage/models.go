package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Version types recorded in the chapter log. Each type maps to exactly one
// producer: scraping, the writer agent, the reviewer agent, or a human decision.
const (
	VersionOriginal          = "original"
	VersionSpun              = "spun"
	VersionReviewComments    = "review_comments"
	VersionApproved          = "approved"
	VersionRevisionRequested = "revision_requested"
)

// ValidVersionType reports whether t is one of the known version types.
func ValidVersionType(t string) bool {
	switch t {
	case VersionOriginal, VersionSpun, VersionReviewComments, VersionApproved, VersionRevisionRequested:
		return true
	}
	return false
}

// ChapterVersion is one immutable content snapshot in a chapter's history.
// Versions are never updated or deleted; the log is the audit trail.
type ChapterVersion struct {
	ID          string
	ChapterID   string
	VersionType string
	Content     string
	Metadata    map[string]string
	CreatedAt   time.Time
	Seq         int64 // insertion order (sqlite rowid), breaks created_at ties
}

// RewardEvent is one record in the observational reward log. The reward log
// never participates in status derivation.
type RewardEvent struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	EventType string            `json:"event_type"`
	ChapterID string            `json:"chapter_id"`
	VersionID string            `json:"version_id,omitempty"`
	Reward    float64           `json:"reward"`
	Details   map[string]string `json:"details,omitempty"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
