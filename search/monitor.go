package search

import (
	"github.com/poiesic/docingest/core"
	"github.com/poiesic/docingest/storage"
)

// SkipReason tells why a vector match was left out of the results.
type SkipReason string

const (
	// SkipStaleModel marks vectors produced by a different embedding model.
	SkipStaleModel SkipReason = "stale_model"
	// SkipOrphaned marks vectors with no committed chunk row.
	SkipOrphaned SkipReason = "orphaned"
)

// SearchMonitor provides hooks to observe the search process.
// Implement this interface to track intermediate steps and results during search.
type SearchMonitor interface {
	Start(query string)
	AfterVectorSearch(matches []storage.ScoredVector)
	Skipped(vector core.EmbeddingVector, reason SkipReason)
	Hit(chunk *core.ChunkRecord, similarity float32, verbatim bool)
	Finish(results []*core.SearchResult)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ string)                               {}
func (n *noopMonitor) AfterVectorSearch(_ []storage.ScoredVector)   {}
func (n *noopMonitor) Skipped(_ core.EmbeddingVector, _ SkipReason) {}
func (n *noopMonitor) Hit(_ *core.ChunkRecord, _ float32, _ bool)   {}
func (n *noopMonitor) Finish(_ []*core.SearchResult)                {}
