package streaming

import (
	"sync"

	"github.com/candorlabs-ai/candor/go/conductor/internal/metrics"
)

// Manager provides in-memory pub/sub of chunk events keyed by stream
// ID (one stream per conversation turn), with a per-stream ring
// buffer so SSE clients can resume from their last seen sequence.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Chunk]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager builds a manager whose replay rings hold capacity chunks
// per stream.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Chunk]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a stream; the caller must
// drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(streamID string, buffer int) chan Chunk {
	ch := make(chan Chunk, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subscribers[streamID]
	if subs == nil {
		subs = make(map[chan Chunk]struct{})
		m.subscribers[streamID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(streamID string, ch chan Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subscribers[streamID]
	if !ok {
		return
	}
	if _, member := subs[ch]; !member {
		return
	}
	delete(subs, ch)
	close(ch)
	metrics.StreamSubscribers.Dec()
	if len(subs) == 0 {
		delete(m.subscribers, streamID)
	}
}

// Publish assigns the chunk its sequence number, records it for
// replay, and fans it out to all subscribers without blocking: a slow
// subscriber loses chunks rather than stalling the stream. Fan-out
// happens under the read lock so Unsubscribe can never close a
// channel mid-send.
func (m *Manager) Publish(streamID string, chunk Chunk) Chunk {
	m.mu.Lock()
	rg := m.history[streamID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[streamID] = rg
	}
	chunk.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(chunk)
	m.mu.Unlock()

	metrics.StreamChunks.WithLabelValues(string(chunk.Type)).Inc()

	m.mu.RLock()
	for ch := range m.subscribers[streamID] {
		select {
		case ch <- chunk:
		default:
		}
	}
	m.mu.RUnlock()

	return chunk
}

// ReplaySince returns recorded chunks with Seq > since, best-effort
// within the ring capacity. The ring is read under the lock so a
// resume during an active turn sees a consistent snapshot.
func (m *Manager) ReplaySince(streamID string, since uint64) []Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[streamID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops a finished stream's replay history.
func (m *Manager) Forget(streamID string) {
	m.mu.Lock()
	delete(m.history, streamID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of chunks. Sequences start at 1
// so every chunk carries a usable SSE event ID (Last-Event-ID of 0
// means "nothing seen yet").
type ring struct {
	buf     []Chunk
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Chunk, capacity), nextSeq: 1} }

func (r *ring) push(c Chunk) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = c
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = c
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Chunk {
	if r.count == 0 {
		return nil
	}
	out := make([]Chunk, 0, r.count)
	for i := 0; i < r.count; i++ {
		c := r.buf[(r.start+i)%len(r.buf)]
		if c.Seq > seq {
			out = append(out, c)
		}
	}
	return out
}
