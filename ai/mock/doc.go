// Package mock provides a test double for ai.Embedder.
//
// # Usage in Tests
//
//	embedder := mock.NewMockEmbedder()
//	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
//	    return nil, ai.RateLimited(nil)
//	}
//
//	// Check call counts and the batches that were sent
//	count := embedder.CallCount()
//	batches := embedder.Batches()
//
// # Default Behavior
//
// MockEmbedder returns deterministic vectors derived from an FNV hash of
// each text, so identical inputs always embed identically.
package mock
