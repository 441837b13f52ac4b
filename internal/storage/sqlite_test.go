package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestIndexesExist verifies that the migration creates the expected indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_versions_chapter", "idx_versions_chapter_type",
		"idx_reward_events_chapter", "idx_jobs_status_run_after",
		"idx_chapter_vectors_version", "idx_chapter_vectors_chapter",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestAppendVersionGeneratesIDs(t *testing.T) {
	s := openTestStore(t)

	v1, err := s.AppendVersion("ch1", VersionOriginal, "once upon a time", nil)
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	v2, err := s.AppendVersion("ch1", VersionSpun, "a new telling", map[string]string{"source_version_type": "original"})
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	if v1.ID == "" || v2.ID == "" {
		t.Fatal("expected generated version IDs")
	}
	if v1.ID == v2.ID {
		t.Fatalf("version IDs must be unique, both were %q", v1.ID)
	}
	if v2.Seq <= v1.Seq {
		t.Errorf("insertion sequence not increasing: %d then %d", v1.Seq, v2.Seq)
	}
	if v1.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestAppendVersionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	meta := map[string]string{"revision_feedback": "tighter pacing", "source_version_type": "original"}
	appended, err := s.AppendVersion("ch1", VersionSpun, "content body", meta)
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	got, err := s.GetVersion(appended.ID)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if got.ChapterID != "ch1" || got.VersionType != VersionSpun || got.Content != "content body" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.Metadata["revision_feedback"] != "tighter pacing" {
		t.Errorf("metadata not preserved: %v", got.Metadata)
	}
	if !got.CreatedAt.Equal(appended.CreatedAt) {
		t.Errorf("created_at changed in round-trip: %v != %v", got.CreatedAt, appended.CreatedAt)
	}
}

func TestLatestVersionPicksMaxCreatedAt(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.AppendVersion("ch1", VersionSpun, "draft one", nil); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	second, err := s.AppendVersion("ch1", VersionSpun, "draft two", nil)
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	// A different type must not shadow the spun lookup.
	if _, err := s.AppendVersion("ch1", VersionReviewComments, "looks fine", nil); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	got, err := s.LatestVersion("ch1", VersionSpun)
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("latest spun = %q, want %q", got.ID, second.ID)
	}

	// Untyped lookup returns the review comments (most recent of any type).
	any, err := s.LatestVersion("ch1", "")
	if err != nil {
		t.Fatalf("LatestVersion(any): %v", err)
	}
	if any.VersionType != VersionReviewComments {
		t.Errorf("latest any-type = %q, want review_comments", any.VersionType)
	}
}

// TestLatestVersionTieBreak forces identical created_at values and verifies
// the later insertion wins.
func TestLatestVersionTieBreak(t *testing.T) {
	s := openTestStore(t)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(timeFormat)
	for _, id := range []string{"first", "second", "third"} {
		_, err := s.db.Exec(`
			INSERT INTO chapter_versions (id, chapter_id, version_type, content, metadata, created_at)
			VALUES (?, 'ch1', 'spun', ?, '{}', ?)`, id, "content "+id, ts)
		if err != nil {
			t.Fatalf("inserting %s: %v", id, err)
		}
	}

	got, err := s.LatestVersion("ch1", VersionSpun)
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if got.ID != "third" {
		t.Errorf("tie-break picked %q, want the later insertion %q", got.ID, "third")
	}
}

func TestLatestVersionNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LatestVersion("missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestVersion on empty chapter = %v, want ErrNotFound", err)
	}

	if _, err := s.AppendVersion("ch1", VersionOriginal, "text", nil); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	if _, err := s.LatestVersion("ch1", VersionSpun); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestVersion for absent type = %v, want ErrNotFound", err)
	}
}

func TestListVersionsMostRecentFirst(t *testing.T) {
	s := openTestStore(t)

	var ids []string
	for _, typ := range []string{VersionOriginal, VersionSpun, VersionReviewComments} {
		v, err := s.AppendVersion("ch1", typ, "content", nil)
		if err != nil {
			t.Fatalf("AppendVersion(%s): %v", typ, err)
		}
		ids = append(ids, v.ID)
	}
	// Another chapter's versions must not leak in.
	if _, err := s.AppendVersion("ch2", VersionOriginal, "other book", nil); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	versions, err := s.ListVersions("ch1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("got %d versions, want 3", len(versions))
	}
	for i, v := range versions {
		if want := ids[len(ids)-1-i]; v.ID != want {
			t.Errorf("versions[%d] = %q, want %q", i, v.ID, want)
		}
	}
}

func TestRewardEventRoundTrip(t *testing.T) {
	s := openTestStore(t)

	saved, err := s.SaveRewardEvent(RewardEvent{
		EventType: "ai_review_completed",
		ChapterID: "ch1",
		VersionID: "v1",
		Reward:    2.0,
		Details:   map[string]string{"review_text": "Excellent work."},
	})
	if err != nil {
		t.Fatalf("SaveRewardEvent: %v", err)
	}
	if saved.ID == "" || saved.CreatedAt.IsZero() {
		t.Fatalf("expected generated id and timestamp, got %+v", saved)
	}

	events, err := s.ListRewardEvents("ch1", 10)
	if err != nil {
		t.Fatalf("ListRewardEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.Reward != 2.0 || e.VersionID != "v1" || e.Details["review_text"] != "Excellent work." {
		t.Errorf("round-trip mismatch: %+v", e)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: "spin_cycle", PayloadJSON: `{"chapter_id":"ch1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimNextJob([]string{"spin_cycle"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil || job.ID != "j1" {
		t.Fatalf("claimed %+v, want job j1", job)
	}
	if job.Status != "running" {
		t.Errorf("claimed job status = %q, want running", job.Status)
	}

	// A second claim must come up empty while j1 is running.
	again, err := s.ClaimNextJob([]string{"spin_cycle"})
	if err != nil {
		t.Fatalf("second ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("claimed running job again: %+v", again)
	}

	if err := s.CompleteJob("j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
}

func TestFailJobRequeuesUntilMaxAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: "index_version", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if _, err := s.ClaimNextJob([]string{"index_version"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j1", "transient"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts FROM jobs WHERE id = 'j1'`).Scan(&status, &attempts); err != nil {
		t.Fatalf("querying job: %v", err)
	}
	if status != "pending" || attempts != 1 {
		t.Errorf("after first failure: status=%q attempts=%d, want pending/1", status, attempts)
	}

	if err := s.FailJob("j1", "still broken"); err != nil {
		t.Fatalf("second FailJob: %v", err)
	}
	if err := s.db.QueryRow(`SELECT status, attempts FROM jobs WHERE id = 'j1'`).Scan(&status, &attempts); err != nil {
		t.Fatalf("querying job: %v", err)
	}
	if status != "failed" || attempts != 2 {
		t.Errorf("after exhausting attempts: status=%q attempts=%d, want failed/2", status, attempts)
	}
}
