// Package workflow derives a chapter's pipeline status from its version
// history. Derivation is a pure function of the log: no stored status field
// exists, so the answer is always reconstructible and replayable.
package workflow

import (
	"sort"
	"time"

	"github.com/kalambet/bookspin/internal/storage"
)

// Status is the single workflow label for a chapter.
type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusRevisionRequested Status = "revision_requested"
	StatusApproved          Status = "approved"
)

// DeriveStatus folds the chapter's version history, oldest first, into a
// status. The input may be in any order; versions are sorted by created_at
// with insertion order breaking ties.
//
// Human decisions (approved, revision_requested) always win when newer than
// the signal currently held. A new spun draft moves revision_requested to
// processing — fresh content awaiting another human look — but never revokes
// an approval on its own: approval persists until an explicit revision request.
func DeriveStatus(versions []storage.ChapterVersion) Status {
	ordered := make([]storage.ChapterVersion, len(versions))
	copy(ordered, versions)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].Seq < ordered[j].Seq
	})

	status := StatusPending
	var ts time.Time

	for _, v := range ordered {
		if !v.CreatedAt.After(ts) {
			continue
		}
		switch v.VersionType {
		case storage.VersionApproved:
			status = StatusApproved
			ts = v.CreatedAt
		case storage.VersionRevisionRequested:
			status = StatusRevisionRequested
			ts = v.CreatedAt
		case storage.VersionSpun:
			switch status {
			case StatusRevisionRequested:
				status = StatusProcessing
				ts = v.CreatedAt
			case StatusPending:
				// Initial draft: still waiting on the first human decision.
				ts = v.CreatedAt
			}
		case storage.VersionOriginal:
			if status == StatusPending {
				ts = v.CreatedAt
			}
		}
	}

	return status
}
