// Package spin drives one revision cycle: writer generation, then reviewer
// critique, both persisted as new immutable versions before anything is
// returned to the caller.
package spin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/bookspin/internal/gemini"
	"github.com/kalambet/bookspin/internal/prompts"
	"github.com/kalambet/bookspin/internal/reward"
	"github.com/kalambet/bookspin/internal/storage"
)

const (
	defaultWriterTimeout   = 120 * time.Second
	defaultReviewerTimeout = 30 * time.Second
)

// Job types emitted by the orchestrator for the background worker.
const (
	JobSpinCycle    = "spin_cycle"
	JobIndexVersion = "index_version"
)

// Generator is the external generation capability (writer and reviewer share it).
type Generator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
}

// VersionStore is the slice of the storage layer the orchestrator needs.
type VersionStore interface {
	AppendVersion(chapterID, versionType, content string, metadata map[string]string) (storage.ChapterVersion, error)
	LatestVersion(chapterID, versionType string) (storage.ChapterVersion, error)
	EnqueueJob(job storage.Job) error
}

// RewardLog records scored workflow events.
type RewardLog interface {
	LogEvent(eventType, chapterID, versionID string, reward float64, details map[string]string) error
}

// Options tune the orchestrator; zero values fall back to production defaults.
type Options struct {
	Retry           RetryPolicy
	WriterTimeout   time.Duration
	ReviewerTimeout time.Duration
}

// Orchestrator coordinates generation calls and version appends. Operations on
// the same chapter are serialized through a per-chapter mutex; distinct
// chapters proceed concurrently.
type Orchestrator struct {
	store   VersionStore
	gen     Generator
	rewards RewardLog
	retry   RetryPolicy

	writerTimeout   time.Duration
	reviewerTimeout time.Duration
	logger          *slog.Logger

	mu       sync.Mutex
	chapters map[string]*sync.Mutex
}

// New creates an Orchestrator with the given dependencies.
func New(store VersionStore, gen Generator, rewards RewardLog, opts Options) *Orchestrator {
	if opts.Retry.Sleep == nil && opts.Retry.MaxRetries == 0 && opts.Retry.Delay == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.WriterTimeout <= 0 {
		opts.WriterTimeout = defaultWriterTimeout
	}
	if opts.ReviewerTimeout <= 0 {
		opts.ReviewerTimeout = defaultReviewerTimeout
	}
	return &Orchestrator{
		store:           store,
		gen:             gen,
		rewards:         rewards,
		retry:           opts.Retry,
		writerTimeout:   opts.WriterTimeout,
		reviewerTimeout: opts.ReviewerTimeout,
		logger:          slog.Default(),
		chapters:        make(map[string]*sync.Mutex),
	}
}

// lockChapter acquires the chapter's critical section and returns the release.
func (o *Orchestrator) lockChapter(chapterID string) func() {
	o.mu.Lock()
	m, ok := o.chapters[chapterID]
	if !ok {
		m = &sync.Mutex{}
		o.chapters[chapterID] = m
	}
	o.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// CycleResult reports one writer-then-reviewer pass. A failed reviewer step
// after a stored writer step is a degraded success: Spun is valid, Review is
// zero, and ReviewErr carries the cause. The store never un-appends.
type CycleResult struct {
	Spun        storage.ChapterVersion
	Review      storage.ChapterVersion
	ReviewErr   error
	ReviewScore float64
}

// RunCycle executes one full revision cycle for the chapter. Pass feedback to
// steer the writer toward a requested revision; leave it empty for a fresh
// rewrite of the original. Fails outright when the chapter has no original
// content or the writer step cannot produce a stored draft.
func (o *Orchestrator) RunCycle(ctx context.Context, chapterID, feedback string) (*CycleResult, error) {
	unlock := o.lockChapter(chapterID)
	defer unlock()

	original, err := o.store.LatestVersion(chapterID, storage.VersionOriginal)
	if err != nil {
		return nil, fmt.Errorf("loading original content for %s: %w", chapterID, err)
	}

	spun, err := o.spin(ctx, chapterID, original.Content, feedback)
	if err != nil {
		o.logEvent("ai_spin_failed", chapterID, "", 0, map[string]string{"error": err.Error()})
		return nil, fmt.Errorf("writer step: %w", err)
	}
	res := &CycleResult{Spun: spun}

	review, err := o.review(ctx, chapterID, spun)
	if err != nil {
		// Degraded success: the draft exists and is durable, only the critique
		// is missing.
		res.ReviewErr = err
		o.logger.Warn("reviewer step failed", "chapter_id", chapterID, "spun_version_id", spun.ID, "error", err)
		o.logEvent("ai_review_failed", chapterID, spun.ID, 0, map[string]string{"error": err.Error()})
		return res, nil
	}
	res.Review = review

	res.ReviewScore = reward.ScoreReview(review.Content)
	o.logEvent("ai_review_completed", chapterID, review.ID, res.ReviewScore, map[string]string{
		"spun_version_id": spun.ID,
	})

	return res, nil
}

// spin runs the writer step and stores the result. The append and the return
// are inseparable: callers never see content that isn't durably recorded.
func (o *Orchestrator) spin(ctx context.Context, chapterID, sourceContent, feedback string) (storage.ChapterVersion, error) {
	var prompt string
	if feedback != "" {
		prompt = prompts.Revision(sourceContent, feedback)
	} else {
		prompt = prompts.Writer(sourceContent)
	}

	text, err := o.generate(ctx, prompt, o.writerTimeout)
	if err != nil {
		return storage.ChapterVersion{}, err
	}

	meta := map[string]string{"source_version_type": storage.VersionOriginal}
	if feedback != "" {
		meta["revision_feedback"] = feedback
	}
	v, err := o.store.AppendVersion(chapterID, storage.VersionSpun, text, meta)
	if err != nil {
		return storage.ChapterVersion{}, fmt.Errorf("storing spun version: %w", err)
	}
	o.enqueueIndex(v.ID)
	return v, nil
}

// review runs the reviewer step against the given spun version and stores the
// critique.
func (o *Orchestrator) review(ctx context.Context, chapterID string, spun storage.ChapterVersion) (storage.ChapterVersion, error) {
	text, err := o.generate(ctx, prompts.Reviewer(spun.Content), o.reviewerTimeout)
	if err != nil {
		return storage.ChapterVersion{}, err
	}

	v, err := o.store.AppendVersion(chapterID, storage.VersionReviewComments, text, map[string]string{
		"reviewed_version_id": spun.ID,
	})
	if err != nil {
		return storage.ChapterVersion{}, fmt.Errorf("storing review comments: %w", err)
	}
	o.enqueueIndex(v.ID)
	return v, nil
}

// generate submits one prompt under the retry policy, bounding each attempt
// with its own timeout. A successful response with no text is an empty-result
// failure, never retried.
func (o *Orchestrator) generate(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	var out string
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		text, err := o.gen.GenerateContent(attemptCtx, prompt)
		if err != nil {
			return err
		}
		if text == "" {
			return gemini.ErrEmptyResult
		}
		out = text
		return nil
	})
	return out, err
}

// Approve records a human approval of the latest spun draft. Returns
// storage.ErrNotFound when the chapter has no spun content to approve.
func (o *Orchestrator) Approve(ctx context.Context, chapterID string) (storage.ChapterVersion, error) {
	unlock := o.lockChapter(chapterID)
	defer unlock()

	spun, err := o.store.LatestVersion(chapterID, storage.VersionSpun)
	if err != nil {
		return storage.ChapterVersion{}, fmt.Errorf("loading spun content for %s: %w", chapterID, err)
	}

	v, err := o.store.AppendVersion(chapterID, storage.VersionApproved, spun.Content, map[string]string{
		"human_action":             "approved",
		"approved_spun_version_id": spun.ID,
	})
	if err != nil {
		return storage.ChapterVersion{}, fmt.Errorf("recording approval: %w", err)
	}

	o.logEvent("human_action", chapterID, v.ID, reward.ScoreHumanAction("approved", ""), map[string]string{
		"action": "approved",
	})
	o.enqueueIndex(v.ID)
	return v, nil
}

// RequestRevision records a human revision request against the latest spun
// draft and queues a fresh cycle carrying the feedback. Returns
// storage.ErrNotFound when no spun content exists yet.
func (o *Orchestrator) RequestRevision(ctx context.Context, chapterID, feedback string) (storage.ChapterVersion, error) {
	unlock := o.lockChapter(chapterID)
	defer unlock()

	spun, err := o.store.LatestVersion(chapterID, storage.VersionSpun)
	if err != nil {
		return storage.ChapterVersion{}, fmt.Errorf("loading spun content for %s: %w", chapterID, err)
	}

	v, err := o.store.AppendVersion(chapterID, storage.VersionRevisionRequested, spun.Content, map[string]string{
		"human_action":            "revision_requested",
		"revised_spun_version_id": spun.ID,
		"feedback":                feedback,
	})
	if err != nil {
		return storage.ChapterVersion{}, fmt.Errorf("recording revision request: %w", err)
	}

	o.logEvent("human_action", chapterID, v.ID, reward.ScoreHumanAction("revision_requested", feedback), map[string]string{
		"action":   "revision_requested",
		"feedback": feedback,
	})
	o.enqueueIndex(v.ID)

	// Queue the follow-up cycle so a new draft appears without blocking the
	// caller on two generation calls.
	payload, err := json.Marshal(map[string]string{"chapter_id": chapterID, "feedback": feedback})
	if err != nil {
		return storage.ChapterVersion{}, fmt.Errorf("marshaling cycle payload: %w", err)
	}
	if err := o.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobSpinCycle,
		PayloadJSON: string(payload),
	}); err != nil {
		return storage.ChapterVersion{}, fmt.Errorf("queueing revision cycle: %w", err)
	}

	return v, nil
}

// logEvent records a reward event; the log is observational, so failures are
// reported but never propagated.
func (o *Orchestrator) logEvent(eventType, chapterID, versionID string, score float64, details map[string]string) {
	if o.rewards == nil {
		return
	}
	if err := o.rewards.LogEvent(eventType, chapterID, versionID, score, details); err != nil {
		o.logger.Warn("reward log append failed", "event_type", eventType, "chapter_id", chapterID, "error", err)
	}
}

// enqueueIndex asks the worker to embed the version into the search index.
// Search is advisory, so a queue failure only logs.
func (o *Orchestrator) enqueueIndex(versionID string) {
	payload, err := json.Marshal(map[string]string{"version_id": versionID})
	if err != nil {
		o.logger.Warn("marshaling index payload failed", "version_id", versionID, "error", err)
		return
	}
	if err := o.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobIndexVersion,
		PayloadJSON: string(payload),
	}); err != nil {
		o.logger.Warn("queueing index job failed", "version_id", versionID, "error", err)
	}
}
