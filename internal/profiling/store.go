package profiling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/circuitbreaker"
)

const defaultMaxCached = 256

// Store persists profiling sessions in Redis with a small local cache.
// Sessions are short-lived, so the whole record is rewritten on each save.
type Store struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
	ttl    time.Duration

	mu          sync.RWMutex
	localCache  map[string]*Session
	cacheAccess map[string]time.Time
	maxCached   int
}

// NewStore creates a session store on an existing Redis wrapper.
func NewStore(client *circuitbreaker.RedisWrapper, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		client:      client,
		logger:      logger,
		ttl:         ttl,
		localCache:  make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
		maxCached:   defaultMaxCached,
	}
}

// Save writes a session to Redis and refreshes the local cache entry.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal profiling session: %w", err)
	}

	if err := s.client.Set(ctx, s.sessionKey(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save profiling session: %w", err)
	}

	s.mu.Lock()
	s.localCache[sess.ID] = sess
	s.cacheAccess[sess.ID] = time.Now()
	s.evictOldest()
	s.mu.Unlock()
	return nil
}

// Get loads a session by ID.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	if sess, ok := s.localCache[sessionID]; ok {
		s.mu.RUnlock()
		s.mu.Lock()
		s.cacheAccess[sessionID] = time.Now()
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.RUnlock()

	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get profiling session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profiling session: %w", err)
	}

	s.mu.Lock()
	s.localCache[sessionID] = &sess
	s.cacheAccess[sessionID] = time.Now()
	s.evictOldest()
	s.mu.Unlock()
	return &sess, nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete profiling session: %w", err)
	}

	s.mu.Lock()
	delete(s.localCache, sessionID)
	delete(s.cacheAccess, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *Store) sessionKey(sessionID string) string {
	return fmt.Sprintf("profiling:%s", sessionID)
}

// evictOldest drops the least recently used half when the cache overflows.
// Callers must hold the write lock.
func (s *Store) evictOldest() {
	if len(s.localCache) <= s.maxCached {
		return
	}

	type accessEntry struct {
		id   string
		time time.Time
	}
	entries := make([]accessEntry, 0, len(s.localCache))
	for id := range s.localCache {
		entries = append(entries, accessEntry{id: id, time: s.cacheAccess[id]})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].time.Before(entries[i].time) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for i := 0; i < s.maxCached/2 && i < len(entries); i++ {
		delete(s.localCache, entries[i].id)
		delete(s.cacheAccess, entries[i].id)
	}
}
