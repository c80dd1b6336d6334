package streaming

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Journal persists chunk streams to Redis Streams so observers can
// replay a turn across reconnects and process restarts. The in-memory
// Manager handles live fan-out; the journal handles durability.
type Journal struct {
	client *redis.Client
	maxLen int64
	logger *zap.Logger
}

// JournalEntry pairs a chunk with its Redis stream entry ID, which
// SSE handlers hand out as the event ID for resume.
type JournalEntry struct {
	ID    string
	Chunk Chunk
}

// NewJournal builds a journal that caps each stream at maxLen entries
// (approximate trimming).
func NewJournal(client *redis.Client, maxLen int64, logger *zap.Logger) *Journal {
	if maxLen <= 0 {
		maxLen = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{client: client, maxLen: maxLen, logger: logger}
}

func (j *Journal) key(streamID string) string {
	return "conductor:stream:" + streamID
}

// Append records one chunk and returns its entry ID.
func (j *Journal) Append(ctx context.Context, streamID string, chunk Chunk) (string, error) {
	id, err := j.client.XAdd(ctx, &redis.XAddArgs{
		Stream: j.key(streamID),
		MaxLen: j.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(chunk.Marshal())},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append chunk to stream %s: %w", streamID, err)
	}
	return id, nil
}

// Replay returns all journaled chunks after the given entry ID, or
// the whole stream when afterID is empty.
func (j *Journal) Replay(ctx context.Context, streamID, afterID string) ([]JournalEntry, error) {
	start := "-"
	if afterID != "" {
		start = afterID
	}

	messages, err := j.client.XRange(ctx, j.key(streamID), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("replay stream %s: %w", streamID, err)
	}

	entries := make([]JournalEntry, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == afterID {
			continue
		}
		raw, ok := msg.Values["data"].(string)
		if !ok {
			j.logger.Warn("Skipping malformed journal entry",
				zap.String("stream_id", streamID),
				zap.String("entry_id", msg.ID),
			)
			continue
		}
		var chunk Chunk
		if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
			j.logger.Warn("Skipping undecodable journal entry",
				zap.String("stream_id", streamID),
				zap.String("entry_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, JournalEntry{ID: msg.ID, Chunk: chunk})
	}
	return entries, nil
}

// Len reports how many entries a stream currently holds.
func (j *Journal) Len(ctx context.Context, streamID string) (int64, error) {
	return j.client.XLen(ctx, j.key(streamID)).Result()
}

// Delete removes a finished stream's journal.
func (j *Journal) Delete(ctx context.Context, streamID string) error {
	return j.client.Del(ctx, j.key(streamID)).Err()
}

// Broadcaster couples live fan-out with journaling. A journal failure
// never interrupts the live stream; it is logged and the turn goes on.
type Broadcaster struct {
	manager *Manager
	journal *Journal
	logger  *zap.Logger
}

// NewBroadcaster builds a broadcaster. journal may be nil, in which
// case chunks are fan-out only.
func NewBroadcaster(manager *Manager, journal *Journal, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{manager: manager, journal: journal, logger: logger}
}

// Manager exposes the live fan-out side for subscribers.
func (b *Broadcaster) Manager() *Manager { return b.manager }

// Journal exposes the durable side for replay handlers; may be nil.
func (b *Broadcaster) Journal() *Journal { return b.journal }

// Broadcast publishes the chunk to live subscribers and appends it to
// the journal, returning the seq-stamped chunk.
func (b *Broadcaster) Broadcast(ctx context.Context, streamID string, chunk Chunk) Chunk {
	published := b.manager.Publish(streamID, chunk)
	if b.journal == nil {
		return published
	}
	if _, err := b.journal.Append(ctx, streamID, published); err != nil {
		b.logger.Warn("Chunk journaling failed",
			zap.String("stream_id", streamID),
			zap.Error(err),
		)
	}
	return published
}
