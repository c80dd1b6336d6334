package db

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/circuitbreaker"
)

// The insert paths that stay inside common SQL run against a real
// engine here, schema included, so the statements are checked beyond
// what string-matching mocks can see.
const sqliteSchema = `
CREATE TABLE guardrail_events (
	id TEXT PRIMARY KEY,
	direction TEXT NOT NULL,
	severity TEXT NOT NULL,
	rules TEXT,
	details BLOB,
	content_length INTEGER NOT NULL,
	checked_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE event_logs (
	id TEXT PRIMARY KEY,
	conversation_id TEXT,
	type TEXT NOT NULL,
	step TEXT,
	message TEXT,
	payload BLOB,
	timestamp TIMESTAMP NOT NULL,
	seq INTEGER,
	stream_id TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX idx_event_logs_stream_seq
	ON event_logs(stream_id, type, seq) WHERE seq IS NOT NULL;
`

func newSQLiteClient(t *testing.T) *Client {
	t.Helper()

	raw, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A fresh in-memory database appears per connection; pin to one
	raw.SetMaxOpenConns(1)

	_, err = raw.Exec(sqliteSchema)
	require.NoError(t, err)

	logger := zap.NewNop()
	client := &Client{
		db:         circuitbreaker.NewDatabaseWrapper(raw, logger),
		logger:     logger,
		writeQueue: make(chan WriteRequest, 64),
		workers:    2,
		stopCh:     make(chan struct{}),
	}
	client.startWorkers()
	t.Cleanup(func() { client.Close() })
	return client
}

func TestWriteQueuePersistsGuardrailEvents(t *testing.T) {
	client := newSQLiteClient(t)

	done := make(chan error, 5)
	for i := 0; i < 5; i++ {
		event := &GuardrailEvent{
			Direction:     "input",
			Severity:      "high",
			Rules:         pq.StringArray{"lexicon"},
			Details:       JSONB{"reason": "blocked term"},
			ContentLength: 10 + i,
		}
		require.NoError(t, client.QueueWrite(WriteTypeGuardrailEvent, event, func(err error) {
			done <- err
		}))
	}

	for i := 0; i < 5; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("queued write was never processed")
		}
	}

	var count int
	require.NoError(t, client.DB().Get(&count, "SELECT COUNT(*) FROM guardrail_events"))
	assert.Equal(t, 5, count)
}

func TestEventLogDeduplicatesOnSequence(t *testing.T) {
	client := newSQLiteClient(t)
	ctx := t.Context()

	first := &EventLog{ConversationID: "conv-1", Type: "step", Step: "plan", StreamID: "stream-1", Seq: 4}
	require.NoError(t, client.SaveEventLog(ctx, first))

	// Same stream, type and sequence: a replayed milestone is dropped
	replay := &EventLog{ConversationID: "conv-1", Type: "step", Step: "plan", StreamID: "stream-1", Seq: 4}
	require.NoError(t, client.SaveEventLog(ctx, replay))

	var count int
	require.NoError(t, client.DB().Get(&count, "SELECT COUNT(*) FROM event_logs"))
	assert.Equal(t, 1, count)

	next := &EventLog{ConversationID: "conv-1", Type: "step", Step: "execute", StreamID: "stream-1", Seq: 7}
	require.NoError(t, client.SaveEventLog(ctx, next))

	require.NoError(t, client.DB().Get(&count, "SELECT COUNT(*) FROM event_logs"))
	assert.Equal(t, 2, count)
}
