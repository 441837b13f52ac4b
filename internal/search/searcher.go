package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/bookspin/internal/storage"
)

// Result is one retrieved chunk with its similarity score.
type Result struct {
	VersionID   string    `json:"version_id"`
	ChapterID   string    `json:"chapter_id"`
	VersionType string    `json:"version_type"`
	Text        string    `json:"text"`
	Score       float32   `json:"score"`
	CreatedAt   time.Time `json:"created_at"`
}

// Searcher combines embedding and vector search over chapter versions.
// Search results are advisory and never gate the revision workflow, so a
// failing embedding provider or index degrades to an empty result set rather
// than an error.
type Searcher struct {
	embedder *Embedder
	index    *Index
	logger   *slog.Logger
}

// NewSearcher creates a Searcher backed by the given Embedder and Index.
func NewSearcher(embedder *Embedder, index *Index) *Searcher {
	return &Searcher{embedder: embedder, index: index, logger: slog.Default()}
}

// Search embeds the query and returns the top-K most similar chunks matching
// the filter. Provider or index failures log a warning and return no results.
func (s *Searcher) Search(ctx context.Context, query string, topK int, filter Filter) ([]Result, error) {
	if query == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed, returning no results", "error", err)
		return nil, nil
	}

	scored, err := s.index.Search(vec, topK, filter)
	if err != nil {
		s.logger.Warn("vector search failed, returning no results", "error", err)
		return nil, nil
	}

	results := make([]Result, len(scored))
	for i, r := range scored {
		results[i] = Result{
			VersionID:   r.VersionID,
			ChapterID:   r.ChapterID,
			VersionType: r.VersionType,
			Text:        r.TextChunk,
			Score:       r.Score,
			CreatedAt:   r.CreatedAt,
		}
	}
	return results, nil
}

// Indexer embeds chapter versions into the search index. Driven by the
// background worker from index_version jobs.
type Indexer struct {
	embedder *Embedder
	index    *Index
	chunkLen int
}

// NewIndexer creates an Indexer. Pass chunkLen <= 0 for the default.
func NewIndexer(embedder *Embedder, index *Index, chunkLen int) *Indexer {
	return &Indexer{embedder: embedder, index: index, chunkLen: chunkLen}
}

// IndexVersion chunks, embeds, and stores one chapter version. Re-indexing an
// already indexed version replaces its chunks.
func (ix *Indexer) IndexVersion(ctx context.Context, v storage.ChapterVersion) error {
	chunks := SplitChunks(v.Content, ix.chunkLen)
	if len(chunks) == 0 {
		return nil
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding version %s: %w", v.ID, err)
	}

	if err := ix.index.DeleteByVersion(v.ID); err != nil {
		return err
	}

	records := make([]Record, len(chunks))
	for i, chunk := range chunks {
		records[i] = Record{
			ID:          uuid.New().String(),
			VersionID:   v.ID,
			ChapterID:   v.ChapterID,
			VersionType: v.VersionType,
			TextChunk:   chunk,
			Embedding:   vectors[i],
			CreatedAt:   time.Now().UTC(),
		}
	}
	if err := ix.index.Insert(records); err != nil {
		return fmt.Errorf("indexing version %s: %w", v.ID, err)
	}
	return nil
}
