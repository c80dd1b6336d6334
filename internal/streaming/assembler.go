package streaming

import "strings"

// Step is one named processing stage of a workflow variant. Markers
// are lowercase substrings whose appearance in content signals that
// the stage has been reached.
type Step struct {
	Name    string
	Markers []string
}

// Assembler annotates a raw chunk sequence with step progress. It is
// a pure per-chunk transform: it never buffers beyond the chunk in
// hand, preserves ordering, and its only state is which steps it has
// already announced during this invocation. One assembler serves
// exactly one streaming invocation.
type Assembler struct {
	steps       []Step
	annotations map[string]interface{}
	announced   []bool
	done        bool
}

// NewAssembler builds an assembler for one invocation. annotations
// are merged into every metadata chunk that passes through.
func NewAssembler(steps []Step, annotations map[string]interface{}) *Assembler {
	return &Assembler{
		steps:       steps,
		annotations: annotations,
		announced:   make([]bool, len(steps)),
	}
}

// Process transforms one chunk into the chunk(s) to deliver. A
// content chunk whose text mentions a not-yet-announced step marker
// is preceded by a processing_step chunk; the same step is never
// announced twice. Metadata chunks are enriched with the invocation
// annotations and current progress. Once a terminal error has passed
// through, everything after it is dropped.
func (a *Assembler) Process(chunk Chunk) []Chunk {
	if a.done {
		return nil
	}

	switch chunk.Type {
	case ChunkError:
		a.done = true
		return []Chunk{chunk}

	case ChunkMetadata:
		merged := make(map[string]interface{}, len(chunk.Metadata)+len(a.annotations)+2)
		for k, v := range chunk.Metadata {
			merged[k] = v
		}
		for k, v := range a.annotations {
			merged[k] = v
		}
		if len(a.steps) > 0 {
			merged["steps_total"] = len(a.steps)
			merged["steps_announced"] = a.announcedCount()
		}
		chunk.Metadata = merged
		return []Chunk{chunk}

	case ChunkContent:
		if step, number, ok := a.detectStep(chunk.Content); ok {
			a.announced[number-1] = true
			return []Chunk{
				StepChunk(step.Name, number, len(a.steps)),
				chunk,
			}
		}
		return []Chunk{chunk}

	default:
		return []Chunk{chunk}
	}
}

// detectStep scans a content fragment for the first marker of a step
// that has not been announced yet. Steps are checked in order so an
// early fragment mentioning several stages announces the earliest.
func (a *Assembler) detectStep(content string) (Step, int, bool) {
	if len(a.steps) == 0 {
		return Step{}, 0, false
	}
	lower := strings.ToLower(content)
	for i, step := range a.steps {
		if a.announced[i] {
			continue
		}
		for _, marker := range step.Markers {
			if marker != "" && strings.Contains(lower, marker) {
				return step, i + 1, true
			}
		}
	}
	return Step{}, 0, false
}

func (a *Assembler) announcedCount() int {
	n := 0
	for _, seen := range a.announced {
		if seen {
			n++
		}
	}
	return n
}
