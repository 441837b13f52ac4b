package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/bookspin/internal/scrape"
	"github.com/kalambet/bookspin/internal/search"
	"github.com/kalambet/bookspin/internal/spin"
	"github.com/kalambet/bookspin/internal/storage"
	"github.com/kalambet/bookspin/internal/workflow"
)

const maxSourceBodySize = 10 << 20 // 10MB
const maxRequestBodySize = 1 << 20 // 1MB

// Decider records human approve/revise decisions against the latest draft.
type Decider interface {
	Approve(ctx context.Context, chapterID string) (storage.ChapterVersion, error)
	RequestRevision(ctx context.Context, chapterID, feedback string) (storage.ChapterVersion, error)
}

// Fetcher downloads chapter source text from a URL.
type Fetcher interface {
	FetchChapter(ctx context.Context, url string) (string, error)
}

// ChapterSearcher runs similarity search over indexed chapter versions.
type ChapterSearcher interface {
	Search(ctx context.Context, query string, topK int, filter search.Filter) ([]search.Result, error)
}

type AppDeps struct {
	Store    *storage.Store
	Decider  Decider
	Fetcher  Fetcher
	Searcher ChapterSearcher // optional; if nil, /search returns empty results
	Token    string
}

// NewAppHandler builds the chapter workflow HTTP surface. /health stays open;
// everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chapters/{id}/source", handleSource(deps))
		r.Get("/chapters/{id}/status", handleStatus(deps))
		r.Get("/chapters/{id}/versions", handleVersions(deps))
		r.Get("/chapters/{id}/content/{versionType}", handleContent(deps))
		r.Post("/chapters/{id}/approve", handleApprove(deps))
		r.Post("/chapters/{id}/revision", handleRevision(deps))
		r.Post("/chapters/{id}/spin", handleSpin(deps))
		r.Get("/rewards/{id}", handleRewards(deps))
		r.Get("/search", handleSearch(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type sourceRequest struct {
	Content string `json:"content"`
	URL     string `json:"url"`
	Format  string `json:"format"` // "text" (default), "pdf" (base64 content)
}

type versionResponse struct {
	ID          string            `json:"id"`
	ChapterID   string            `json:"chapter_id"`
	VersionType string            `json:"version_type"`
	Content     string            `json:"content,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func toVersionResponse(v storage.ChapterVersion, withContent bool) versionResponse {
	resp := versionResponse{
		ID:          v.ID,
		ChapterID:   v.ChapterID,
		VersionType: v.VersionType,
		Metadata:    v.Metadata,
		CreatedAt:   v.CreatedAt,
	}
	if withContent {
		resp.Content = v.Content
	}
	return resp
}

// handleSource ingests original chapter text from inline content, a URL, or a
// base64-encoded PDF, and records it as an original version.
func handleSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chapterID := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxSourceBodySize)
		defer r.Body.Close()

		var req sourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}

		content, meta, err := resolveSource(r.Context(), deps.Fetcher, req)
		if err != nil {
			var se *sourceError
			if errors.As(err, &se) {
				httpError(w, se.status, se.errType, "%s", se.message)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "resolving source: %v", err)
			return
		}

		v, err := deps.Store.AppendVersion(chapterID, storage.VersionOriginal, content, meta)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save version: %v", err)
			return
		}
		enqueueIndexJob(deps.Store, v.ID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toVersionResponse(v, false))
	}
}

type sourceError struct {
	status  int
	errType string
	message string
}

func (e *sourceError) Error() string { return e.message }

func resolveSource(ctx context.Context, fetcher Fetcher, req sourceRequest) (string, map[string]string, error) {
	switch {
	case req.URL != "":
		if fetcher == nil {
			return "", nil, &sourceError{http.StatusBadRequest, "invalid_request_error", "url intake is not enabled"}
		}
		fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		content, err := fetcher.FetchChapter(fetchCtx, req.URL)
		if err != nil {
			return "", nil, &sourceError{http.StatusBadGateway, "api_error", fmt.Sprintf("failed to fetch url: %v", err)}
		}
		return content, map[string]string{"source_url": req.URL}, nil

	case req.Format == "pdf":
		data, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return "", nil, &sourceError{http.StatusBadRequest, "invalid_request_error", "invalid base64 content"}
		}
		content, err := scrape.ExtractPDF(data)
		if err != nil {
			return "", nil, &sourceError{http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("extracting pdf text: %v", err)}
		}
		return content, map[string]string{"source_format": "pdf"}, nil

	default:
		return req.Content, nil, nil
	}
}

type statusResponse struct {
	ChapterID    string          `json:"chapter_id"`
	Status       workflow.Status `json:"status"`
	VersionCount int             `json:"version_count"`
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chapterID := chi.URLParam(r, "id")

		versions, err := deps.Store.ListVersions(chapterID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list versions: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statusResponse{
			ChapterID:    chapterID,
			Status:       workflow.DeriveStatus(versions),
			VersionCount: len(versions),
		})
	}
}

func handleVersions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chapterID := chi.URLParam(r, "id")

		versions, err := deps.Store.ListVersions(chapterID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list versions: %v", err)
			return
		}

		resp := make([]versionResponse, len(versions))
		for i, v := range versions {
			resp[i] = toVersionResponse(v, false)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleContent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chapterID := chi.URLParam(r, "id")
		versionType := chi.URLParam(r, "versionType")

		if !storage.ValidVersionType(versionType) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown version type %q", versionType)
			return
		}

		v, err := deps.Store.LatestVersion(chapterID, versionType)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no %s version for chapter %s", versionType, chapterID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load version: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toVersionResponse(v, true))
	}
}

func handleApprove(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chapterID := chi.URLParam(r, "id")

		v, err := deps.Decider.Approve(r.Context(), chapterID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no spun version to approve for chapter %s", chapterID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to approve: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toVersionResponse(v, false))
	}
}

type revisionRequest struct {
	Feedback string `json:"feedback"`
}

// handleRevision records a human revision request. Feedback is optional: an
// empty body or an omitted field records the decision without steering text.
func handleRevision(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chapterID := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req revisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		v, err := deps.Decider.RequestRevision(r.Context(), chapterID, req.Feedback)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no spun version to revise for chapter %s", chapterID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to request revision: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toVersionResponse(v, false))
	}
}

// handleSpin queues a fresh writer/reviewer cycle. The cycle runs on the
// background worker, so the response only acknowledges the request.
func handleSpin(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chapterID := chi.URLParam(r, "id")

		if _, err := deps.Store.LatestVersion(chapterID, storage.VersionOriginal); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no original content for chapter %s", chapterID)
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load chapter: %v", err)
			return
		}

		payload, err := json.Marshal(map[string]string{"chapter_id": chapterID})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job payload: %v", err)
			return
		}
		if err := deps.Store.EnqueueJob(storage.Job{
			ID:          uuid.New().String(),
			Type:        spin.JobSpinCycle,
			PayloadJSON: string(payload),
		}); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"chapter_id": chapterID,
			"status":     "queued",
		})
	}
}

func handleRewards(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chapterID := chi.URLParam(r, "id")
		limit := parseIntParam(r, "limit", 50, 500)

		events, err := deps.Store.ListRewardEvents(chapterID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list reward events: %v", err)
			return
		}
		if events == nil {
			events = []storage.RewardEvent{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		topK := parseIntParam(r, "top_k", 5, 50)
		filter := search.Filter{
			ChapterID:   r.URL.Query().Get("chapter_id"),
			VersionType: r.URL.Query().Get("version_type"),
		}

		results := []search.Result{}
		if deps.Searcher != nil {
			found, err := deps.Searcher.Search(r.Context(), query, topK, filter)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
				return
			}
			if found != nil {
				results = found
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}

// enqueueIndexJob queues the version for search indexing; failures are
// ignored because search is advisory.
func enqueueIndexJob(store *storage.Store, versionID string) {
	payload, err := json.Marshal(map[string]string{"version_id": versionID})
	if err != nil {
		return
	}
	_ = store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        spin.JobIndexVersion,
		PayloadJSON: string(payload),
	})
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
