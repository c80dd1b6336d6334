package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/candorlabs-ai/candor/go/conductor/internal/auth"
	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
)

func newTestStore(t *testing.T, mr *miniredis.Miniredis, cfg config.ConversationConfig) *Store {
	t.Helper()
	store, err := NewStore(mr.Addr(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr, config.ConversationConfig{})
	ctx := context.Background()

	conv, err := store.Create(ctx, "user-a", "tenant-a", map[string]interface{}{"channel": "web"})
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	// Cache hit path
	got, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	// Redis path through a store with a cold cache
	fresh := newTestStore(t, mr, config.ConversationConfig{})
	got, err = fresh.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-a", got.UserID)
	assert.Equal(t, "tenant-a", got.TenantID)
	assert.Equal(t, "web", got.Metadata["channel"])
	assert.Empty(t, got.History)
}

func TestGetUnknownConversation(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr, config.ConversationConfig{})

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestExpiredConversationIsEvicted(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr, config.ConversationConfig{})
	ctx := context.Background()

	conv, err := store.Create(ctx, "user-a", "tenant-a", nil)
	require.NoError(t, err)

	conv.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Update(ctx, conv))

	_, err = store.Get(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrConversationExpired)

	// The expired record is deleted on first observation
	_, err = store.Get(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestAppendMessageCapsHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr, config.ConversationConfig{MaxHistory: 3})
	ctx := context.Background()

	conv, err := store.Create(ctx, "user-a", "tenant-a", nil)
	require.NoError(t, err)

	contents := []string{"one", "two", "three", "four", "five"}
	for _, c := range contents {
		err := store.AppendMessage(ctx, conv.ID, Message{Role: "user", Content: c, TokensUsed: 10, CostUSD: 0.01})
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 3)
	assert.Equal(t, "three", got.History[0].Content)
	assert.Equal(t, "five", got.History[2].Content)

	// IDs and timestamps are filled in when absent
	assert.NotEmpty(t, got.History[0].ID)
	assert.False(t, got.History[0].Timestamp.IsZero())

	// Token totals survive the history cap
	assert.Equal(t, 50, got.TotalTokensUsed)
	assert.InDelta(t, 0.05, got.TotalCostUSD, 1e-9)
}

func TestCreateWithIDRefusesForeignID(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr, config.ConversationConfig{})
	ctx := context.Background()

	first, err := store.CreateWithID(ctx, "conv-1", "user-a", "tenant-a", nil)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", first.ID)

	// Same user gets the existing conversation back
	again, err := store.CreateWithID(ctx, "conv-1", "user-a", "tenant-a", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// A different user is handed a fresh conversation instead
	other, err := store.CreateWithID(ctx, "conv-1", "user-b", "tenant-a", nil)
	require.NoError(t, err)
	assert.NotEqual(t, "conv-1", other.ID)
	assert.Equal(t, "user-b", other.UserID)

	// The original is untouched
	kept, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "user-a", kept.UserID)
}

func TestTenantIsolationOnGet(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr, config.ConversationConfig{})

	tenantA := uuid.New()
	tenantB := uuid.New()

	conv, err := store.Create(context.Background(), "user-a", tenantA.String(), nil)
	require.NoError(t, err)

	ctxB := context.WithValue(context.Background(), auth.UserContextKey, &auth.UserContext{TenantID: tenantB})
	ctxA := context.WithValue(context.Background(), auth.UserContextKey, &auth.UserContext{TenantID: tenantA})

	// The creating store still holds the record in its local cache; the
	// mask applies on the cache-hit path too
	_, err = store.Get(ctxB, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	got, err := store.Get(ctxA, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	// Cold cache so the lookup goes through Redis
	fresh := newTestStore(t, mr, config.ConversationConfig{})

	_, err = fresh.Get(ctxB, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	got, err = fresh.Get(ctxA, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
}

func TestCreateWithIDPreservesForeignTenantRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr, config.ConversationConfig{})

	tenantA := uuid.New()
	tenantB := uuid.New()

	ctxA := context.WithValue(context.Background(), auth.UserContextKey, &auth.UserContext{TenantID: tenantA})
	first, err := store.CreateWithID(ctxA, "conv-shared", "user-a", tenantA.String(), nil)
	require.NoError(t, err)
	require.Equal(t, "conv-shared", first.ID)

	// A caller from another tenant cannot see the record, but claiming
	// its ID must not overwrite it either
	ctxB := context.WithValue(context.Background(), auth.UserContextKey, &auth.UserContext{TenantID: tenantB})
	other, err := store.CreateWithID(ctxB, "conv-shared", "user-a", tenantB.String(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, "conv-shared", other.ID)
	assert.Equal(t, tenantB.String(), other.TenantID)

	kept, err := store.Get(ctxA, "conv-shared")
	require.NoError(t, err)
	assert.Equal(t, "user-a", kept.UserID)
	assert.Equal(t, tenantA.String(), kept.TenantID)
}

func TestUpdateContextPersists(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr, config.ConversationConfig{})
	ctx := context.Background()

	conv, err := store.Create(ctx, "user-a", "tenant-a", nil)
	require.NoError(t, err)

	require.NoError(t, store.UpdateContext(ctx, conv.ID, "topic", "billing"))

	fresh := newTestStore(t, mr, config.ConversationConfig{})
	got, err := fresh.Get(ctx, conv.ID)
	require.NoError(t, err)

	val, ok := got.GetContextValue("topic")
	require.True(t, ok)
	assert.Equal(t, "billing", val)
}

func TestListUserConversations(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr, config.ConversationConfig{})
	ctx := context.Background()

	_, err := store.Create(ctx, "user-a", "tenant-a", nil)
	require.NoError(t, err)
	_, err = store.Create(ctx, "user-a", "tenant-a", nil)
	require.NoError(t, err)
	_, err = store.Create(ctx, "user-b", "tenant-a", nil)
	require.NoError(t, err)

	fresh := newTestStore(t, mr, config.ConversationConfig{})
	convs, err := fresh.ListUserConversations(ctx, "user-a")
	require.NoError(t, err)
	assert.Len(t, convs, 2)
	for _, c := range convs {
		assert.Equal(t, "user-a", c.UserID)
	}
}

func TestCleanupExpired(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr, config.ConversationConfig{})
	ctx := context.Background()

	keep, err := store.Create(ctx, "user-a", "tenant-a", nil)
	require.NoError(t, err)

	stale, err := store.Create(ctx, "user-a", "tenant-a", nil)
	require.NoError(t, err)
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Update(ctx, stale))

	cleaned, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	fresh := newTestStore(t, mr, config.ConversationConfig{})
	_, err = fresh.Get(ctx, keep.ID)
	assert.NoError(t, err)
	_, err = fresh.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestLocalCacheEviction(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr, config.ConversationConfig{CacheSize: 2})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := store.Create(ctx, "user-a", "tenant-a", nil)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	store.mu.RLock()
	size := len(store.localCache)
	store.mu.RUnlock()
	assert.LessOrEqual(t, size, 3)
}

func TestExpiredConversationIsArchivedBeforeRemoval(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr, config.ConversationConfig{})
	ctx := context.Background()

	var archived []*Conversation
	store.SetArchiveFunc(func(conv *Conversation) { archived = append(archived, conv) })

	conv, err := store.Create(ctx, "user-a", "tenant-a", nil)
	require.NoError(t, err)
	conv.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Update(ctx, conv))

	// Eviction on read hands the snapshot to the archive sink
	_, err = store.Get(ctx, conv.ID)
	require.ErrorIs(t, err, ErrConversationExpired)
	require.Len(t, archived, 1)
	assert.Equal(t, conv.ID, archived[0].ID)

	// The sweep archives records that were never read back
	second, err := store.Create(ctx, "user-b", "tenant-a", nil)
	require.NoError(t, err)
	second.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Update(ctx, second))

	cleaned, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)
	require.Len(t, archived, 2)
	assert.Equal(t, second.ID, archived[1].ID)
}
