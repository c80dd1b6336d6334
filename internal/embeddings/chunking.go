package embeddings

import (
	"strings"

	"github.com/google/uuid"
)

// ChunkingConfig controls how long texts are split before embedding
type ChunkingConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxTokens     int  `yaml:"max_tokens"`
	OverlapTokens int  `yaml:"overlap_tokens"`
}

// DefaultChunkingConfig returns sensible defaults
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		Enabled:       true,
		MaxTokens:     1800, // safe for common embedding models
		OverlapTokens: 200,
	}
}

// Chunk is one piece of a split text. All chunks of the same source text
// share a GroupID so retrieval can reassemble or deduplicate them.
type Chunk struct {
	GroupID    string
	Text       string
	Index      int
	TotalCount int
}

// Chunker splits texts into overlapping word-based chunks. Words approximate
// tokens closely enough for sizing; the embedding service does the real
// tokenization.
type Chunker struct {
	maxTokens     int
	overlapTokens int
}

// NewChunker creates a chunker, substituting defaults for missing values
func NewChunker(config ChunkingConfig) *Chunker {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1800
	}
	if config.OverlapTokens <= 0 {
		config.OverlapTokens = 200
	}
	return &Chunker{maxTokens: config.MaxTokens, overlapTokens: config.OverlapTokens}
}

// Split returns overlapping chunks, or nil when the text already fits.
func (c *Chunker) Split(text string) []Chunk {
	words := strings.Fields(text)
	if len(words) <= c.maxTokens {
		return nil
	}

	groupID := uuid.New().String()
	step := c.maxTokens - c.overlapTokens
	if step <= 0 {
		step = c.maxTokens / 2
	}

	var chunks []Chunk
	for i := 0; i < len(words); i += step {
		end := i + c.maxTokens
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, Chunk{
			GroupID: groupID,
			Text:    strings.Join(words[i:end], " "),
			Index:   len(chunks),
		})
		if end == len(words) {
			break
		}
	}
	for i := range chunks {
		chunks[i].TotalCount = len(chunks)
	}
	return chunks
}

// CountTokens estimates the token count of a text
func (c *Chunker) CountTokens(text string) int {
	return len(strings.Fields(text))
}
