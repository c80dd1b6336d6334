package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/auth"
	"github.com/candorlabs-ai/candor/go/conductor/internal/circuitbreaker"
	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
	"github.com/candorlabs-ai/candor/go/conductor/internal/metrics"
)

// ArchiveFunc receives a snapshot of a conversation that is about to
// be removed because it expired.
type ArchiveFunc func(conv *Conversation)

// Store handles conversation persistence with a Redis backend
type Store struct {
	client      *circuitbreaker.RedisWrapper
	logger      *zap.Logger
	ttl         time.Duration
	maxHistory  int
	archive     ArchiveFunc
	mu          sync.RWMutex
	localCache  map[string]*Conversation // Local cache for performance
	cacheAccess map[string]time.Time     // Track last access time for LRU
	maxCached   int
}

// NewStore creates a new conversation store
func NewStore(redisAddr string, cfg config.ConversationConfig, logger *zap.Logger) (*Store, error) {
	redisPassword := os.Getenv("REDIS_PASSWORD")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Circuit breaker wrapped client
	client := circuitbreaker.NewRedisWrapper(redisClient, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 500
	}
	maxCached := cfg.CacheSize
	if maxCached <= 0 {
		maxCached = 1024
	}

	return &Store{
		client:      client,
		logger:      logger,
		ttl:         ttl,
		maxHistory:  maxHistory,
		localCache:  make(map[string]*Conversation),
		cacheAccess: make(map[string]time.Time),
		maxCached:   maxCached,
	}, nil
}

// Create creates a new conversation
func (s *Store) Create(ctx context.Context, userID string, tenantID string, metadata map[string]interface{}) (*Conversation, error) {
	conversationID := uuid.New().String()

	conv := &Conversation{
		ID:        conversationID,
		UserID:    userID,
		TenantID:  tenantID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		ExpiresAt: time.Now().Add(s.ttl),
		Metadata:  metadata,
		Context:   make(map[string]interface{}),
		History:   make([]Message, 0),
	}

	if err := s.saveConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}

	s.mu.Lock()
	s.localCache[conversationID] = conv
	s.cacheAccess[conversationID] = time.Now()
	s.cleanupLocalCache()
	metrics.ConversationCacheSize.Set(float64(len(s.localCache)))
	s.mu.Unlock()

	s.logger.Info("Created new conversation",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
	)
	metrics.ConversationsCreated.Inc()

	return conv, nil
}

// CreateWithID creates a new conversation with a specific ID
func (s *Store) CreateWithID(ctx context.Context, conversationID string, userID string, tenantID string, metadata map[string]interface{}) (*Conversation, error) {
	// Check for an existing record without the tenant mask: Get hides
	// foreign conversations, and treating one as absent here would
	// overwrite it under the same Redis key.
	existing, _ := s.load(ctx, conversationID)
	if existing != nil {
		if existing.UserID != userID || (existing.TenantID != "" && existing.TenantID != tenantID) {
			// ID belongs to a different user or tenant. Hand back a
			// freshly generated conversation instead of the existing one.
			s.logger.Warn("Attempted to reuse conversation ID from different owner, generating new ID",
				zap.String("requested_conversation_id", conversationID),
				zap.String("requesting_user", userID),
				zap.String("existing_owner", existing.UserID),
			)
			return s.Create(ctx, userID, tenantID, metadata)
		}
		// Conversation exists and belongs to same user, return it
		return existing, nil
	}

	conv := &Conversation{
		ID:        conversationID,
		UserID:    userID,
		TenantID:  tenantID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		ExpiresAt: time.Now().Add(s.ttl),
		Metadata:  metadata,
		Context:   make(map[string]interface{}),
		History:   make([]Message, 0),
	}

	if err := s.saveConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}

	s.mu.Lock()
	s.localCache[conversationID] = conv
	s.cacheAccess[conversationID] = time.Now()
	s.cleanupLocalCache()
	metrics.ConversationCacheSize.Set(float64(len(s.localCache)))
	s.mu.Unlock()

	s.logger.Info("Created new conversation with specific ID",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
	)
	metrics.ConversationsCreated.Inc()
	return conv, nil
}

// Get retrieves a conversation by ID. A conversation owned by another
// tenant is reported as not found so its existence never leaks,
// whether the record is warm in the local cache or loaded from Redis.
func (s *Store) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !s.tenantAllowed(ctx, conv) {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// load fetches from the local cache or Redis without the tenant mask.
// Callers that reveal existence to users must gate the result through
// tenantAllowed.
func (s *Store) load(ctx context.Context, conversationID string) (*Conversation, error) {
	// Check local cache first
	s.mu.RLock()
	if conv, ok := s.localCache[conversationID]; ok {
		s.mu.RUnlock()
		metrics.ConversationCacheHits.Inc()
		if conv.IsExpired() {
			s.archiveExpired(conv)
			s.Delete(ctx, conversationID)
			return nil, ErrConversationExpired
		}
		// Update access time for LRU
		s.mu.Lock()
		s.cacheAccess[conversationID] = time.Now()
		s.mu.Unlock()
		return conv, nil
	}
	s.mu.RUnlock()
	metrics.ConversationCacheMisses.Inc()

	// Load from Redis
	key := s.conversationKey(conversationID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrConversationNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}

	if conv.IsExpired() {
		s.archiveExpired(&conv)
		s.Delete(ctx, conversationID)
		return nil, ErrConversationExpired
	}

	// Update local cache and track access time
	s.mu.Lock()
	s.localCache[conversationID] = &conv
	s.cacheAccess[conversationID] = time.Now()
	s.cleanupLocalCache()
	metrics.ConversationCacheSize.Set(float64(len(s.localCache)))
	s.mu.Unlock()

	return &conv, nil
}

// tenantAllowed reports whether the request's auth context, when
// present, belongs to the conversation's tenant.
func (s *Store) tenantAllowed(ctx context.Context, conv *Conversation) bool {
	userCtx, err := auth.GetUserContext(ctx)
	if err != nil || userCtx == nil {
		return true
	}
	return conv.TenantID == "" || conv.TenantID == userCtx.TenantID.String()
}

// Update updates an existing conversation
func (s *Store) Update(ctx context.Context, conv *Conversation) error {
	if conv == nil {
		return ErrInvalidConversation
	}

	conv.UpdatedAt = time.Now()

	if err := s.saveConversation(ctx, conv); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	s.mu.Lock()
	s.localCache[conv.ID] = conv
	s.mu.Unlock()

	return nil
}

// Delete deletes a conversation
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	key := s.conversationKey(conversationID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.mu.Lock()
	delete(s.localCache, conversationID)
	delete(s.cacheAccess, conversationID)
	// Update cache size metric while holding the lock to avoid races
	metrics.ConversationCacheSize.Set(float64(len(s.localCache)))
	s.mu.Unlock()

	s.logger.Info("Deleted conversation", zap.String("conversation_id", conversationID))
	return nil
}

// Extend extends the TTL of a conversation
func (s *Store) Extend(ctx context.Context, conversationID string, duration time.Duration) error {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return err
	}

	conv.ExpiresAt = time.Now().Add(duration)
	return s.Update(ctx, conv)
}

// AppendMessage appends a message to conversation history
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg Message) error {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	conv.History = append(conv.History, msg)
	if msg.TokensUsed > 0 || msg.CostUSD > 0 {
		conv.TotalTokensUsed += msg.TokensUsed
		conv.TotalCostUSD += msg.CostUSD
	}

	// Limit history size
	if len(conv.History) > s.maxHistory {
		conv.History = conv.History[len(conv.History)-s.maxHistory:]
	}

	return s.Update(ctx, conv)
}

// UpdateContext updates a single conversation context value
func (s *Store) UpdateContext(ctx context.Context, conversationID string, key string, value interface{}) error {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return err
	}

	if conv.Context == nil {
		conv.Context = make(map[string]interface{})
	}
	conv.Context[key] = value

	return s.Update(ctx, conv)
}

// ListUserConversations gets all conversations for a user
func (s *Store) ListUserConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	keys, err := s.scanKeys(ctx, "conversation:*")
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	var conversations []*Conversation
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue // Skip failed reads
		}

		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			continue
		}

		if !s.tenantAllowed(ctx, &conv) {
			continue
		}

		if conv.UserID == userID && !conv.IsExpired() {
			conversations = append(conversations, &conv)
		}
	}

	return conversations, nil
}

// CleanupExpired removes expired conversations
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := s.scanKeys(ctx, "conversation:*")
	if err != nil {
		return 0, fmt.Errorf("failed to list conversations: %w", err)
	}

	cleaned := 0
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}

		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			continue
		}

		if conv.IsExpired() {
			s.archiveExpired(&conv)
			if err := s.client.Del(ctx, key).Err(); err == nil {
				cleaned++
			}
		}
	}

	s.logger.Info("Cleaned up expired conversations", zap.Int("count", cleaned))
	return cleaned, nil
}

// SetArchiveFunc installs a sink that receives expired conversations
// before removal. Install it before the store serves traffic.
func (s *Store) SetArchiveFunc(fn ArchiveFunc) {
	s.archive = fn
}

func (s *Store) archiveExpired(conv *Conversation) {
	if s.archive == nil || conv == nil {
		return
	}
	s.archive(conv)
}

// Private methods

func (s *Store) conversationKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s", conversationID)
}

func (s *Store) saveConversation(ctx context.Context, conv *Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	key := s.conversationKey(conv.ID)
	ttl := time.Until(conv.ExpiresAt)
	if ttl <= 0 {
		ttl = s.ttl
	}

	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *Store) cleanupLocalCache() {
	// Remove oldest entries if cache is too large using LRU
	if len(s.localCache) > s.maxCached {
		type accessEntry struct {
			id   string
			time time.Time
		}

		entries := make([]accessEntry, 0, len(s.localCache))
		for id := range s.localCache {
			accessTime, exists := s.cacheAccess[id]
			if !exists {
				// If no access time tracked, consider it very old
				accessTime = time.Time{}
			}
			entries = append(entries, accessEntry{id: id, time: accessTime})
		}

		// Sort by access time (oldest first)
		for i := 0; i < len(entries)-1; i++ {
			for j := i + 1; j < len(entries); j++ {
				if entries[j].time.Before(entries[i].time) {
					entries[i], entries[j] = entries[j], entries[i]
				}
			}
		}

		// Remove the oldest half
		toRemove := s.maxCached / 2
		for i := 0; i < toRemove && i < len(entries); i++ {
			delete(s.localCache, entries[i].id)
			delete(s.cacheAccess, entries[i].id)
			metrics.ConversationCacheEvictions.Inc()
		}
	}
}

// Close closes the conversation store
func (s *Store) Close() error {
	return s.client.Close()
}

// RedisWrapper returns the underlying Redis circuit breaker wrapper for health checks
func (s *Store) RedisWrapper() *circuitbreaker.RedisWrapper {
	return s.client
}
