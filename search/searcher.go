package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/poiesic/docingest/ai"
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/storage"
)

const (
	// DefaultMinSimilarity is the similarity floor applied to vector matches.
	DefaultMinSimilarity float32 = 0.60

	// verbatimBoost is added to chunks containing every query keyword.
	verbatimBoost float32 = 0.3

	// candidateFactor widens the vector search so stale and orphaned
	// vectors do not starve the result set.
	candidateFactor = 3
)

// Searcher ranks stored chunks by similarity to a free-text query.
type Searcher struct {
	vectors       storage.VectorStore
	metadata      storage.MetadataStore
	embedder      ai.Embedder
	minSimilarity float32
	logger        *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithMinSimilarity sets the similarity floor for vector matches.
func WithMinSimilarity(floor float32) Option {
	return func(s *Searcher) error {
		if floor < -1 || floor > 1 {
			return ErrInvalidSimilarity
		}
		s.minSimilarity = floor
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(
	vectors storage.VectorStore,
	metadata storage.MetadataStore,
	embedder ai.Embedder,
	opts ...Option,
) (*Searcher, error) {
	if vectors == nil {
		return nil, ErrVectorStoreRequired
	}
	if metadata == nil {
		return nil, ErrMetadataStoreRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	s := &Searcher{
		vectors:       vectors,
		metadata:      metadata,
		embedder:      embedder,
		minSimilarity: DefaultMinSimilarity,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "searcher")

	return s, nil
}

// FindSimilar returns up to maxHits chunks ranked by relevance to query.
func (s *Searcher) FindSimilar(ctx context.Context, query string, maxHits int) ([]*core.SearchResult, error) {
	return s.FindSimilarWithMonitor(ctx, query, maxHits, nil)
}

// FindSimilarWithMonitor is FindSimilar with callbacks at each step.
func (s *Searcher) FindSimilarWithMonitor(ctx context.Context, query string, maxHits int, monitor SearchMonitor) ([]*core.SearchResult, error) {
	if maxHits <= 0 {
		return nil, ErrInvalidMaxHits
	}
	if monitor == nil {
		monitor = &noopMonitor{}
	}

	monitor.Start(query)

	embedding, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.logger.Error("error generating embedding for query", "query", query, "err", err)
		return nil, err
	}

	matches, err := s.vectors.FindSimilar(ctx, embedding, s.minSimilarity, maxHits*candidateFactor)
	if err != nil {
		s.logger.Error("error querying for similar vectors", "err", err)
		return nil, err
	}
	monitor.AfterVectorSearch(matches)

	terms := newQueryTerms(query)
	model := s.embedder.Model()
	results := make([]*core.SearchResult, 0, len(matches))
	for _, match := range matches {
		v := match.Vector
		// Vectors from another model live in a different space.
		if v.Model != model {
			monitor.Skipped(v, SkipStaleModel)
			continue
		}

		rec, err := s.metadata.GetChunk(ctx, v.DocumentID, v.Position)
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("vector has no chunk row", "documentID", v.DocumentID, "position", v.Position)
			monitor.Skipped(v, SkipOrphaned)
			continue
		}
		if err != nil {
			s.logger.Error("error retrieving chunk", "documentID", v.DocumentID, "position", v.Position, "err", err)
			return nil, err
		}

		score := match.Score
		verbatim := terms.allIn(rec.Text)
		if verbatim {
			score += verbatimBoost
		}
		monitor.Hit(rec, match.Score, verbatim)

		results = append(results, &core.SearchResult{
			Chunk: *rec,
			Score: score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > maxHits {
		results = results[:maxHits]
	}
	monitor.Finish(results)

	return results, nil
}
