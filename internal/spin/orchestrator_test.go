package spin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/bookspin/internal/gemini"
	"github.com/kalambet/bookspin/internal/reward"
	"github.com/kalambet/bookspin/internal/storage"
)

// stubGenerator answers each call through fn, tracking the call count.
type stubGenerator struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, prompt string) (string, error)
}

func (g *stubGenerator) GenerateContent(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()
	return g.fn(call, prompt)
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// fakeSleep records requested delays without waiting.
type fakeSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeSleep) sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	return nil
}

func newTestOrchestrator(t *testing.T, gen Generator) (*Orchestrator, *storage.Store, *fakeSleep) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fs := &fakeSleep{}
	o := New(store, gen, reward.NewLogger(store), Options{
		Retry: RetryPolicy{MaxRetries: 3, Delay: 5 * time.Second, Sleep: fs.sleep},
	})
	return o, store, fs
}

func seedOriginal(t *testing.T, store *storage.Store, chapterID string) storage.ChapterVersion {
	t.Helper()
	v, err := store.AppendVersion(chapterID, storage.VersionOriginal, "the original chapter text", nil)
	if err != nil {
		t.Fatalf("seeding original: %v", err)
	}
	return v
}

func TestRunCycleSuccess(t *testing.T) {
	gen := &stubGenerator{fn: func(call int, prompt string) (string, error) {
		if call == 1 {
			if !strings.Contains(prompt, "the original chapter text") {
				t.Errorf("writer prompt missing source content")
			}
			return "a courageous retelling", nil
		}
		if !strings.Contains(prompt, "a courageous retelling") {
			t.Errorf("reviewer prompt missing spun content")
		}
		return "Excellent work, no errors found. The retelling flows naturally.", nil
	}}
	o, store, _ := newTestOrchestrator(t, gen)
	seedOriginal(t, store, "ch1")

	res, err := o.RunCycle(context.Background(), "ch1", "")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.ReviewErr != nil {
		t.Fatalf("unexpected review error: %v", res.ReviewErr)
	}
	if res.Spun.Content != "a courageous retelling" {
		t.Errorf("spun content = %q", res.Spun.Content)
	}
	if res.ReviewScore != 2.0 {
		t.Errorf("review score = %v, want 2.0", res.ReviewScore)
	}

	spun, err := store.LatestVersion("ch1", storage.VersionSpun)
	if err != nil {
		t.Fatalf("spun version not stored: %v", err)
	}
	if spun.ID != res.Spun.ID {
		t.Errorf("stored spun id %q != returned %q", spun.ID, res.Spun.ID)
	}
	if _, err := store.LatestVersion("ch1", storage.VersionReviewComments); err != nil {
		t.Fatalf("review version not stored: %v", err)
	}

	events, err := store.ListRewardEvents("ch1", 10)
	if err != nil {
		t.Fatalf("ListRewardEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "ai_review_completed" {
		t.Errorf("reward events = %+v, want one ai_review_completed", events)
	}
}

func TestRunCycleNoOriginal(t *testing.T) {
	gen := &stubGenerator{fn: func(int, string) (string, error) { return "text", nil }}
	o, _, _ := newTestOrchestrator(t, gen)

	_, err := o.RunCycle(context.Background(), "missing", "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if gen.callCount() != 0 {
		t.Errorf("generator called %d times without source content", gen.callCount())
	}
}

func TestRunCycleRevisionUsesFeedbackPrompt(t *testing.T) {
	gen := &stubGenerator{fn: func(call int, prompt string) (string, error) {
		if call == 1 && !strings.Contains(prompt, "use stronger verbs") {
			t.Errorf("revision prompt missing feedback, got:\n%s", prompt)
		}
		return "revised draft", nil
	}}
	o, store, _ := newTestOrchestrator(t, gen)
	seedOriginal(t, store, "ch1")

	res, err := o.RunCycle(context.Background(), "ch1", "use stronger verbs")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Spun.Metadata["revision_feedback"] != "use stronger verbs" {
		t.Errorf("spun metadata = %v, want revision_feedback recorded", res.Spun.Metadata)
	}
}

// TestRetryBoundOnServerError verifies a persistent 503 is attempted exactly
// retries+1 times with the fixed delay between attempts, then surfaced.
func TestRetryBoundOnServerError(t *testing.T) {
	gen := &stubGenerator{fn: func(int, string) (string, error) {
		return "", &gemini.ProviderError{Status: http.StatusServiceUnavailable, Message: "overloaded"}
	}}
	o, store, fs := newTestOrchestrator(t, gen)
	seedOriginal(t, store, "ch1")

	_, err := o.RunCycle(context.Background(), "ch1", "")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	var pe *gemini.ProviderError
	if !errors.As(err, &pe) {
		t.Errorf("error chain does not carry the provider error: %v", err)
	}
	if gen.callCount() != 4 {
		t.Errorf("generator called %d times, want 4 (1 + 3 retries)", gen.callCount())
	}
	if len(fs.delays) != 3 {
		t.Errorf("slept %d times, want 3", len(fs.delays))
	}
	for _, d := range fs.delays {
		if d != 5*time.Second {
			t.Errorf("delay = %v, want fixed 5s", d)
		}
	}

	if _, err := store.LatestVersion("ch1", storage.VersionSpun); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("failed cycle must not leave a spun version, got err=%v", err)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	gen := &stubGenerator{fn: func(int, string) (string, error) {
		return "", &gemini.ProviderError{Status: http.StatusBadRequest, Message: "bad prompt"}
	}}
	o, store, fs := newTestOrchestrator(t, gen)
	seedOriginal(t, store, "ch1")

	if _, err := o.RunCycle(context.Background(), "ch1", ""); err == nil {
		t.Fatal("expected error")
	}
	if gen.callCount() != 1 {
		t.Errorf("generator called %d times, want exactly 1", gen.callCount())
	}
	if len(fs.delays) != 0 {
		t.Errorf("slept %d times, want 0", len(fs.delays))
	}
}

func TestEmptyResultNotRetried(t *testing.T) {
	gen := &stubGenerator{fn: func(int, string) (string, error) { return "", nil }}
	o, store, _ := newTestOrchestrator(t, gen)
	seedOriginal(t, store, "ch1")

	_, err := o.RunCycle(context.Background(), "ch1", "")
	if !errors.Is(err, gemini.ErrEmptyResult) {
		t.Fatalf("error = %v, want ErrEmptyResult", err)
	}
	if gen.callCount() != 1 {
		t.Errorf("generator called %d times, want exactly 1", gen.callCount())
	}
}

// TestDegradedSuccessWhenReviewerFails checks the partial-failure policy: the
// stored draft survives and the cycle reports the missing review instead of
// rolling back.
func TestDegradedSuccessWhenReviewerFails(t *testing.T) {
	gen := &stubGenerator{fn: func(call int, _ string) (string, error) {
		if call == 1 {
			return "a fine draft", nil
		}
		return "", &gemini.ProviderError{Status: http.StatusBadRequest, Message: "reviewer rejected"}
	}}
	o, store, _ := newTestOrchestrator(t, gen)
	seedOriginal(t, store, "ch1")

	res, err := o.RunCycle(context.Background(), "ch1", "")
	if err != nil {
		t.Fatalf("degraded cycle must not fail outright: %v", err)
	}
	if res.ReviewErr == nil {
		t.Fatal("expected ReviewErr to flag the missing review")
	}
	if res.Spun.ID == "" {
		t.Fatal("expected a stored spun version")
	}

	if _, err := store.LatestVersion("ch1", storage.VersionSpun); err != nil {
		t.Errorf("spun version missing after degraded cycle: %v", err)
	}
	if _, err := store.LatestVersion("ch1", storage.VersionReviewComments); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("no review version should exist, got err=%v", err)
	}

	events, err := store.ListRewardEvents("ch1", 10)
	if err != nil {
		t.Fatalf("ListRewardEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "ai_review_failed" {
		t.Errorf("reward events = %+v, want one ai_review_failed", events)
	}
}

func TestApproveRequiresSpun(t *testing.T) {
	gen := &stubGenerator{fn: func(int, string) (string, error) { return "x", nil }}
	o, store, _ := newTestOrchestrator(t, gen)
	seedOriginal(t, store, "ch1")

	if _, err := o.Approve(context.Background(), "ch1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Approve without spun = %v, want ErrNotFound", err)
	}
}

func TestApproveLinksLatestSpun(t *testing.T) {
	gen := &stubGenerator{fn: func(int, string) (string, error) { return "the draft", nil }}
	o, store, _ := newTestOrchestrator(t, gen)
	seedOriginal(t, store, "ch1")
	spun, err := store.AppendVersion("ch1", storage.VersionSpun, "the draft", nil)
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	approved, err := o.Approve(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Content != "the draft" {
		t.Errorf("approved content = %q, want the spun content", approved.Content)
	}
	if approved.Metadata["approved_spun_version_id"] != spun.ID {
		t.Errorf("approval metadata = %v, want link to %s", approved.Metadata, spun.ID)
	}

	events, err := store.ListRewardEvents("ch1", 10)
	if err != nil {
		t.Fatalf("ListRewardEvents: %v", err)
	}
	if len(events) != 1 || events[0].Reward != 5.0 {
		t.Errorf("reward events = %+v, want one +5.0 human_action", events)
	}
}

func TestRequestRevisionRequiresSpun(t *testing.T) {
	gen := &stubGenerator{fn: func(int, string) (string, error) { return "x", nil }}
	o, store, _ := newTestOrchestrator(t, gen)
	seedOriginal(t, store, "ch1")

	if _, err := o.RequestRevision(context.Background(), "ch1", "fix it"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("RequestRevision without spun = %v, want ErrNotFound", err)
	}
}

func TestRequestRevisionQueuesCycle(t *testing.T) {
	gen := &stubGenerator{fn: func(int, string) (string, error) { return "x", nil }}
	o, store, _ := newTestOrchestrator(t, gen)
	seedOriginal(t, store, "ch1")
	if _, err := store.AppendVersion("ch1", storage.VersionSpun, "the draft", nil); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	v, err := o.RequestRevision(context.Background(), "ch1", "make the action scenes more dynamic")
	if err != nil {
		t.Fatalf("RequestRevision: %v", err)
	}
	if v.Metadata["feedback"] != "make the action scenes more dynamic" {
		t.Errorf("revision metadata = %v", v.Metadata)
	}

	job, err := store.ClaimNextJob([]string{JobSpinCycle})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a queued spin_cycle job")
	}
	if !strings.Contains(job.PayloadJSON, `"chapter_id":"ch1"`) ||
		!strings.Contains(job.PayloadJSON, "make the action scenes more dynamic") {
		t.Errorf("job payload = %s", job.PayloadJSON)
	}

	// The detailed feedback softens the revision penalty.
	events, err := store.ListRewardEvents("ch1", 10)
	if err != nil {
		t.Fatalf("ListRewardEvents: %v", err)
	}
	if len(events) != 1 || events[0].Reward != -1.5 {
		t.Errorf("reward events = %+v, want one -1.5 human_action", events)
	}
}

// TestSameChapterCyclesSerialized runs two concurrent cycles on one chapter
// and asserts generation never overlaps, while both cycles complete and
// persist their versions.
func TestSameChapterCyclesSerialized(t *testing.T) {
	var inflight, overlapped atomic.Int32
	gen := &stubGenerator{fn: func(call int, _ string) (string, error) {
		if inflight.Add(1) > 1 {
			overlapped.Store(1)
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return "generated text", nil
	}}
	o, store, _ := newTestOrchestrator(t, gen)
	seedOriginal(t, store, "ch1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.RunCycle(context.Background(), "ch1", "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
	}
	if overlapped.Load() == 1 {
		t.Error("generation calls for the same chapter overlapped")
	}

	versions, err := store.ListVersions("ch1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	var spunCount int
	for _, v := range versions {
		if v.VersionType == storage.VersionSpun {
			spunCount++
		}
	}
	if spunCount != 2 {
		t.Errorf("got %d spun versions, want 2 (one per cycle)", spunCount)
	}
}
