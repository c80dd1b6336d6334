package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/embeddings"
)

// Embedder is the slice of the embeddings service the memory layer needs.
type Embedder interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// Scope restricts retrieval to one conversation and optionally one tenant.
type Scope struct {
	ConversationID string
	TenantID       string
}

// Hit is one ranked retrieval result.
type Hit struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Service is the retrieval capability: semantic search over past
// conversation turns and the shared knowledge collection, plus turn
// indexing. Absence of results is never an error.
type Service struct {
	cfg      Config
	store    *Store
	embedder Embedder
	chunker  *embeddings.Chunker
	logger   *zap.Logger
}

// NewService composes the store and embedder. chunker may be nil, in which
// case long turns are indexed unsplit.
func NewService(cfg Config, store *Store, embedder Embedder, chunker *embeddings.Chunker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		embedder: embedder,
		chunker:  chunker,
		logger:   logger,
	}
}

// Enabled reports whether retrieval is configured on.
func (m *Service) Enabled() bool { return m != nil && m.cfg.Enabled }

// Search finds past turns of the scoped conversation relevant to the query.
// Disabled memory and empty queries yield no hits, not an error.
func (m *Service) Search(ctx context.Context, query string, scope Scope) ([]Hit, error) {
	return m.searchCollection(ctx, m.cfg.ConversationTurns, query, scope, true)
}

// SearchKnowledge searches the shared knowledge collection. Knowledge is
// tenant-scoped, not conversation-scoped.
func (m *Service) SearchKnowledge(ctx context.Context, query string, scope Scope) ([]Hit, error) {
	return m.searchCollection(ctx, m.cfg.KnowledgeChunks, query, scope, false)
}

func (m *Service) searchCollection(ctx context.Context, collection, query string, scope Scope, conversationScoped bool) ([]Hit, error) {
	if !m.Enabled() || query == "" {
		return nil, nil
	}

	vec, err := m.embedder.Embed(ctx, query, "")
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	limit := m.cfg.TopK
	withVector := false
	if m.cfg.MMREnabled {
		limit = m.cfg.TopK * m.cfg.MMRPoolMultiplier
		withVector = true
	}

	pts, err := m.store.Query(ctx, collection, vec, limit, m.cfg.Threshold,
		scopeFilter(scope, conversationScoped), withVector)
	if err != nil {
		return nil, err
	}
	if m.cfg.MMREnabled && len(pts) > 1 {
		pts = mmrReorder(vec, pts, m.cfg.MMRLambda)
	}
	if len(pts) > m.cfg.TopK {
		pts = pts[:m.cfg.TopK]
	}
	return hitsFromPoints(pts), nil
}

// RecentTurns returns the latest indexed turns of a conversation without a
// query vector. Ordering is storage order; callers wanting strict recency
// sort by the timestamp metadata.
func (m *Service) RecentTurns(ctx context.Context, scope Scope, limit int) ([]Hit, error) {
	if !m.Enabled() || scope.ConversationID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = m.cfg.TopK
	}
	pts, err := m.store.Scroll(ctx, m.cfg.ConversationTurns, scopeFilter(scope, true), limit)
	if err != nil {
		return nil, err
	}
	return hitsFromPoints(pts), nil
}

// IndexTurn embeds one conversation turn and upserts it, splitting long
// content into overlapping chunks when a chunker is configured. Extra
// metadata keys are merged into the stored payload.
func (m *Service) IndexTurn(ctx context.Context, scope Scope, role, content string, meta map[string]interface{}) error {
	if !m.Enabled() || content == "" {
		return nil
	}

	type piece struct {
		text    string
		index   int
		total   int
		groupID string
	}
	pieces := []piece{{text: content}}
	if m.chunker != nil {
		if chunks := m.chunker.Split(content); len(chunks) > 0 {
			pieces = pieces[:0]
			for _, ch := range chunks {
				pieces = append(pieces, piece{
					text:    ch.Text,
					index:   ch.Index,
					total:   ch.TotalCount,
					groupID: ch.GroupID,
				})
			}
		}
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.text
	}
	vecs, err := m.embedder.EmbedBatch(ctx, texts, "")
	if err != nil {
		return fmt.Errorf("embed turn: %w", err)
	}

	now := time.Now().Unix()
	items := make([]UpsertItem, 0, len(pieces))
	for i, p := range pieces {
		payload := map[string]interface{}{
			"content":         p.text,
			"role":            role,
			"conversation_id": scope.ConversationID,
			"timestamp":       now,
		}
		if scope.TenantID != "" {
			payload["tenant_id"] = scope.TenantID
		}
		if p.total > 1 {
			payload["chunk_index"] = p.index
			payload["chunk_total"] = p.total
			payload["group_id"] = p.groupID
		}
		for k, v := range meta {
			if _, reserved := payload[k]; !reserved {
				payload[k] = v
			}
		}
		items = append(items, UpsertItem{
			ID:      uuid.New().String(),
			Vector:  vecs[i],
			Payload: payload,
		})
	}

	if _, err := m.store.Upsert(ctx, m.cfg.ConversationTurns, items); err != nil {
		return err
	}
	m.logger.Debug("indexed conversation turn",
		zap.String("conversation_id", scope.ConversationID),
		zap.Int("pieces", len(items)))
	return nil
}

func scopeFilter(scope Scope, conversationScoped bool) map[string]interface{} {
	var must []map[string]interface{}
	if conversationScoped && scope.ConversationID != "" {
		must = append(must, map[string]interface{}{
			"key":   "conversation_id",
			"match": map[string]interface{}{"value": scope.ConversationID},
		})
	}
	if scope.TenantID != "" {
		must = append(must, map[string]interface{}{
			"key":   "tenant_id",
			"match": map[string]interface{}{"value": scope.TenantID},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]interface{}{"must": must}
}

func hitsFromPoints(pts []point) []Hit {
	hits := make([]Hit, 0, len(pts))
	for _, p := range pts {
		hit := Hit{Score: p.Score}
		if p.ID != nil {
			hit.ID = fmt.Sprintf("%v", p.ID)
		}
		if len(p.Payload) > 0 {
			meta := make(map[string]interface{}, len(p.Payload))
			for k, v := range p.Payload {
				if k == "content" {
					if s, ok := v.(string); ok {
						hit.Content = s
					}
					continue
				}
				meta[k] = v
			}
			if len(meta) > 0 {
				hit.Metadata = meta
			}
		}
		hits = append(hits, hit)
	}
	return hits
}
