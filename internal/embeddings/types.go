package embeddings

import "time"

// Config controls the embedding client behavior
type Config struct {
	// BaseURL points to the generation service exposing /embeddings
	BaseURL string
	// DefaultModel is the default embedding model (e.g., text-embedding-3-small)
	DefaultModel string
	// Timeout for outbound HTTP calls
	Timeout time.Duration
	// RetryCount is the number of retries after a failed attempt. Embedding
	// calls are idempotent, so retrying is safe here.
	RetryCount int
	// RetryBackoff is the pause before each retry
	RetryBackoff time.Duration
	// CacheTTL sets TTL for shared cache entries
	CacheTTL time.Duration
	// MaxLRU controls in-process LRU size
	MaxLRU int
	// Chunking configuration for long texts
	Chunking ChunkingConfig
}
