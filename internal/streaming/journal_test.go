package streaming

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestJournal(t *testing.T) (*Journal, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewJournal(client, 64, zaptest.NewLogger(t)), client
}

func TestJournalAppendAndReplay(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	id1, err := j.Append(ctx, "turn-1", ContentChunk("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	_, err = j.Append(ctx, "turn-1", ContentChunk("world"))
	require.NoError(t, err)

	entries, err := j.Replay(ctx, "turn-1", "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hello", entries[0].Chunk.Content)
	assert.Equal(t, "world", entries[1].Chunk.Content)
	assert.Equal(t, id1, entries[0].ID)

	n, err := j.Len(ctx, "turn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestJournalReplayAfterID(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	id1, err := j.Append(ctx, "turn-1", ContentChunk("first"))
	require.NoError(t, err)
	_, err = j.Append(ctx, "turn-1", ContentChunk("second"))
	require.NoError(t, err)

	entries, err := j.Replay(ctx, "turn-1", id1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].Chunk.Content)
}

func TestJournalSkipsUndecodableEntries(t *testing.T) {
	j, client := newTestJournal(t)
	ctx := context.Background()

	_, err := j.Append(ctx, "turn-1", ContentChunk("good"))
	require.NoError(t, err)

	// Foreign writer left a non-JSON entry in the stream.
	err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: "conductor:stream:turn-1",
		Values: map[string]interface{}{"data": "not json"},
	}).Err()
	require.NoError(t, err)

	entries, err := j.Replay(ctx, "turn-1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "good", entries[0].Chunk.Content)
}

func TestJournalDelete(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	_, err := j.Append(ctx, "turn-1", ContentChunk("gone soon"))
	require.NoError(t, err)
	require.NoError(t, j.Delete(ctx, "turn-1"))

	entries, err := j.Replay(ctx, "turn-1", "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBroadcasterFansOutAndJournals(t *testing.T) {
	j, _ := newTestJournal(t)
	m := NewManager(16)
	b := NewBroadcaster(m, j, zaptest.NewLogger(t))
	ctx := context.Background()

	ch := m.Subscribe("turn-1", 8)
	defer m.Unsubscribe("turn-1", ch)

	b.Broadcast(ctx, "turn-1", ContentChunk("both places"))

	live := <-ch
	assert.Equal(t, "both places", live.Content)

	entries, err := j.Replay(ctx, "turn-1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "both places", entries[0].Chunk.Content)
	// Journal sees the sequence the fan-out assigned.
	assert.Equal(t, live.Seq, entries[0].Chunk.Seq)
}

func TestBroadcasterWithoutJournal(t *testing.T) {
	m := NewManager(16)
	b := NewBroadcaster(m, nil, zaptest.NewLogger(t))

	ch := m.Subscribe("turn-1", 8)
	defer m.Unsubscribe("turn-1", ch)

	b.Broadcast(context.Background(), "turn-1", ContentChunk("live only"))
	assert.Equal(t, "live only", (<-ch).Content)
}
