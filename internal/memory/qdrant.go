package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/circuitbreaker"
	"github.com/candorlabs-ai/candor/go/conductor/internal/interceptors"
	"github.com/candorlabs-ai/candor/go/conductor/internal/metrics"
	"github.com/candorlabs-ai/candor/go/conductor/internal/tracing"
)

// Config controls the vector store client and search behavior.
type Config struct {
	Enabled bool
	Host    string
	Port    int
	// Collections
	ConversationTurns string
	KnowledgeChunks   string
	// Search params
	TopK      int
	Threshold float64
	Timeout   time.Duration
	// ExpectedDim, when >0, is validated against the collections at startup
	ExpectedDim int
	// MMR (diversity) re-ranking
	MMREnabled        bool
	MMRLambda         float64
	MMRPoolMultiplier int
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 6333
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ConversationTurns == "" {
		c.ConversationTurns = "conversation_turns"
	}
	if c.KnowledgeChunks == "" {
		c.KnowledgeChunks = "knowledge_chunks"
	}
	if c.MMRLambda <= 0 || c.MMRLambda > 1 {
		c.MMRLambda = 0.7
	}
	if c.MMRPoolMultiplier <= 0 {
		c.MMRPoolMultiplier = 3
	}
	return c
}

// Store is a minimal Qdrant HTTP client.
type Store struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// NewStore builds a Qdrant client for the configured host and port.
func NewStore(cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: interceptors.NewWorkflowHTTPRoundTripper(nil),
	}
	return &Store{
		cfg:   cfg,
		base:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", "vector-store", logger),
		log:   logger,
	}
}

// Config returns the store configuration after defaulting.
func (s *Store) Config() Config { return s.cfg }

// point is a scored Qdrant point.
type point struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
	Vector  []float64              `json:"vector,omitempty"`
}

type queryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
	WithVector     bool                   `json:"with_vector,omitempty"`
}

// /points/query nests points one level deeper than /points/search.
type queryResponse struct {
	Result struct {
		Points []point `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

type searchResponse struct {
	Result []point `json:"result"`
	Status string  `json:"status"`
}

// Query runs a vector search against one collection. It prefers the modern
// /points/query endpoint and falls back to /points/search for older servers.
func (s *Store) Query(ctx context.Context, collection string, vec []float32, limit int, threshold float64, filter map[string]interface{}, withVector bool) ([]point, error) {
	if s == nil {
		return nil, fmt.Errorf("memory store not initialized")
	}
	start := time.Now()

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", fmt.Sprintf("%s/collections/%s/points/query", s.base, collection))
	defer span.End()

	var thr *float64
	if threshold > 0 {
		thr = &threshold
	}
	buf, _ := json.Marshal(queryRequest{
		Query:          vec,
		Limit:          limit,
		ScoreThreshold: thr,
		WithPayload:    true,
		Filter:         filter,
		WithVector:     withVector,
	})

	resp, err := s.post(ctx, fmt.Sprintf("%s/collections/%s/points/query", s.base, collection), buf)
	if err != nil {
		metrics.RecordMemorySearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return s.legacySearch(ctx, collection, vec, limit, threshold, filter, withVector, start)
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		metrics.RecordMemorySearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordMemorySearchMetrics(collection, "ok", time.Since(start).Seconds())
	return qr.Result.Points, nil
}

// legacySearch maps the query onto the pre-1.10 /points/search payload.
func (s *Store) legacySearch(ctx context.Context, collection string, vec []float32, limit int, threshold float64, filter map[string]interface{}, withVector bool, start time.Time) ([]point, error) {
	legacy := map[string]interface{}{
		"vector":       vec,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  withVector,
	}
	if threshold > 0 {
		legacy["score_threshold"] = threshold
	}
	if filter != nil {
		legacy["filter"] = filter
	}
	buf, _ := json.Marshal(legacy)

	resp, err := s.post(ctx, fmt.Sprintf("%s/collections/%s/points/search", s.base, collection), buf)
	if err != nil {
		metrics.RecordMemorySearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("qdrant query/search failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordMemorySearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("qdrant status %d", resp.StatusCode)
	}
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		metrics.RecordMemorySearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordMemorySearchMetrics(collection, "ok", time.Since(start).Seconds())
	return sr.Result, nil
}

// UpsertItem is a single point to insert.
type UpsertItem struct {
	ID      interface{}            `json:"id,omitempty"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertResponse captures the basic Qdrant upsert acknowledgement.
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}

// Upsert inserts or updates points in a collection.
func (s *Store) Upsert(ctx context.Context, collection string, items []UpsertItem) (*UpsertResponse, error) {
	if s == nil {
		return nil, fmt.Errorf("memory store not initialized")
	}
	url := fmt.Sprintf("%s/collections/%s/points", s.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "PUT", url)
	defer span.End()

	buf, _ := json.Marshal(map[string]interface{}{"points": items})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	resp, err := s.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Scroll retrieves points by filter only, without a query vector. Used for
// "most recent turns" style lookups.
func (s *Store) Scroll(ctx context.Context, collection string, filter map[string]interface{}, limit int) ([]point, error) {
	if s == nil {
		return nil, fmt.Errorf("memory store not initialized")
	}
	url := fmt.Sprintf("%s/collections/%s/points/scroll", s.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	body := map[string]interface{}{
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		body["filter"] = filter
	}
	buf, _ := json.Marshal(body)
	resp, err := s.post(ctx, url, buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qdrant scroll status %d", resp.StatusCode)
	}
	var r struct {
		Result struct {
			Points []point `json:"points"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return r.Result.Points, nil
}

// CollectionInfo holds basic information about a Qdrant collection.
type CollectionInfo struct {
	Name        string
	VectorSize  int
	PointsCount int64
}

// GetCollectionInfo retrieves dimension and point count for a collection.
func (s *Store) GetCollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	url := fmt.Sprintf("%s/collections/%s", s.base, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("collection info status %d", resp.StatusCode)
	}

	var result struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:        collection,
		VectorSize:  result.Result.Config.Params.Vectors.Size,
		PointsCount: result.Result.PointsCount,
	}, nil
}

// DimensionMismatchError reports a collection whose vector size does not
// match the configured embedding dimension.
type DimensionMismatchError struct {
	Collection string
	Expected   int
	Got        int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for collection %s: expected %d, got %d",
		e.Collection, e.Expected, e.Got)
}

// ValidateDimensions checks that the configured collections accept vectors
// of the expected size. Unreachable collections are logged and skipped so a
// cold Qdrant does not fail startup.
func (s *Store) ValidateDimensions(ctx context.Context) error {
	if s == nil || s.cfg.ExpectedDim <= 0 {
		return nil
	}
	for _, collection := range []string{s.cfg.ConversationTurns, s.cfg.KnowledgeChunks} {
		info, err := s.GetCollectionInfo(ctx, collection)
		if err != nil {
			s.log.Warn("skipping dimension validation",
				zap.String("collection", collection),
				zap.Error(err))
			continue
		}
		if info.VectorSize != s.cfg.ExpectedDim {
			return DimensionMismatchError{
				Collection: collection,
				Expected:   s.cfg.ExpectedDim,
				Got:        info.VectorSize,
			}
		}
	}
	return nil
}

func (s *Store) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	return s.httpw.Do(req)
}
