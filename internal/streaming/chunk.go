package streaming

import (
	"encoding/json"
	"time"
)

// ChunkType discriminates the chunk union. A stream is a strict
// sequence of chunks ending with either a normal close or exactly one
// terminal error chunk, never both.
type ChunkType string

const (
	ChunkContent        ChunkType = "content"
	ChunkMetadata       ChunkType = "metadata"
	ChunkProcessingStep ChunkType = "processing_step"
	ChunkError          ChunkType = "error"
)

// StepInfo describes progress through a workflow's named steps.
type StepInfo struct {
	Current    string `json:"current"`
	StepNumber int    `json:"step_number"`
	TotalSteps int    `json:"total_steps"`
}

// Chunk is one incremental unit of a streamed response. Exactly the
// fields matching Type are populated.
type Chunk struct {
	Type      ChunkType              `json:"type"`
	Content   string                 `json:"content,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Step      *StepInfo              `json:"step,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	// Seq is assigned by the fan-out manager at publish time.
	Seq uint64 `json:"seq,omitempty"`
}

// ContentChunk wraps a text fragment.
func ContentChunk(text string) Chunk {
	return Chunk{Type: ChunkContent, Content: text, Timestamp: time.Now()}
}

// MetadataChunk wraps out-of-band key/value data.
func MetadataChunk(metadata map[string]interface{}) Chunk {
	return Chunk{Type: ChunkMetadata, Metadata: metadata, Timestamp: time.Now()}
}

// StepChunk announces entry into a named processing step.
func StepChunk(current string, stepNumber, totalSteps int) Chunk {
	return Chunk{
		Type: ChunkProcessingStep,
		Step: &StepInfo{
			Current:    current,
			StepNumber: stepNumber,
			TotalSteps: totalSteps,
		},
		Timestamp: time.Now(),
	}
}

// ErrorChunk wraps a terminal failure. It must be the last chunk of
// its stream.
func ErrorChunk(message string) Chunk {
	return Chunk{Type: ChunkError, Error: message, Timestamp: time.Now()}
}

// IsTerminal reports whether the chunk ends its stream.
func (c Chunk) IsTerminal() bool {
	return c.Type == ChunkError
}

// Marshal returns the chunk as JSON for SSE payloads and journaling.
func (c Chunk) Marshal() []byte {
	b, _ := json.Marshal(c)
	return b
}
