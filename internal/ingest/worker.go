package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/bookspin/internal/spin"
	"github.com/kalambet/bookspin/internal/storage"
)

// JobStore abstracts the job queue and version lookups the worker needs.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetVersion(id string) (storage.ChapterVersion, error)
}

// CycleRunner executes one writer/reviewer revision cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, chapterID, feedback string) (*spin.CycleResult, error)
}

// VersionIndexer embeds a chapter version into the search index.
type VersionIndexer interface {
	IndexVersion(ctx context.Context, v storage.ChapterVersion) error
}

// Worker processes spin_cycle and index_version jobs from the SQLite job
// queue. Revision cycles requested by humans run here so the HTTP handler
// returns before the generation calls finish.
type Worker struct {
	store   JobStore
	cycles  CycleRunner
	indexer VersionIndexer
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, cycles CycleRunner, indexer VersionIndexer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		cycles:  cycles,
		indexer: indexer,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{spin.JobSpinCycle, spin.JobIndexVersion})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "job_type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type cyclePayload struct {
	ChapterID string `json:"chapter_id"`
	Feedback  string `json:"feedback"`
}

type indexPayload struct {
	VersionID string `json:"version_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case spin.JobSpinCycle:
		return w.processCycle(ctx, job)
	case spin.JobIndexVersion:
		return w.processIndex(ctx, job)
	}
	return fmt.Errorf("unknown job type %q", job.Type)
}

func (w *Worker) processCycle(ctx context.Context, job *storage.Job) error {
	var payload cyclePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.ChapterID == "" {
		return fmt.Errorf("payload missing chapter_id")
	}

	res, err := w.cycles.RunCycle(ctx, payload.ChapterID, payload.Feedback)
	if err != nil {
		return fmt.Errorf("revision cycle for %s: %w", payload.ChapterID, err)
	}
	if res.ReviewErr != nil {
		w.logger.Warn("cycle finished without review", "chapter_id", payload.ChapterID, "error", res.ReviewErr)
	}
	return nil
}

func (w *Worker) processIndex(ctx context.Context, job *storage.Job) error {
	if w.indexer == nil {
		// Search indexing disabled; drop the job rather than retry forever.
		return nil
	}

	var payload indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	v, err := w.store.GetVersion(payload.VersionID)
	if err != nil {
		return fmt.Errorf("loading version %s: %w", payload.VersionID, err)
	}
	if err := w.indexer.IndexVersion(ctx, v); err != nil {
		return fmt.Errorf("indexing version %s: %w", payload.VersionID, err)
	}
	return nil
}
