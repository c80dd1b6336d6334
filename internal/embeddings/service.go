package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/interceptors"
	"github.com/candorlabs-ai/candor/go/conductor/internal/metrics"
	"github.com/candorlabs-ai/candor/go/conductor/internal/tracing"
)

// Service generates embeddings through the platform service with two cache
// layers: an in-process LRU and an optional shared redis cache.
type Service struct {
	cfg     Config
	http    *http.Client
	cache   Cache
	lru     *LocalLRU
	chunker *Chunker
	logger  *zap.Logger
}

// NewService builds an embedding client. cache may be nil; the LRU alone
// still applies.
func NewService(cfg Config, cache Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "text-embedding-3-small"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxLRU <= 0 {
		cfg.MaxLRU = 2048
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Chunking.Enabled && cfg.Chunking.MaxTokens == 0 {
		cfg.Chunking = DefaultChunkingConfig()
	}

	return &Service{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: interceptors.NewWorkflowHTTPRoundTripper(nil),
		},
		cache:   cache,
		lru:     NewLocalLRU(cfg.MaxLRU),
		chunker: NewChunker(cfg.Chunking),
		logger:  logger,
	}
}

// Chunker returns the text splitter configured for this service.
func (s *Service) Chunker() *Chunker { return s.chunker }

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns the vector for a single text. An empty model selects the
// configured default.
func (s *Service) Embed(ctx context.Context, text, model string) ([]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	m := model
	if m == "" {
		m = s.cfg.DefaultModel
	}
	key := cacheKey(m, text)

	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.RecordEmbeddingMetrics(m, "lru_hit", 0)
		return v, nil
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, 30*time.Minute)
			metrics.RecordEmbeddingMetrics(m, "cache_hit", 0)
			return v, nil
		}
	}

	start := time.Now()
	er, err := s.fetch(ctx, []string{text}, m)
	if err != nil {
		metrics.RecordEmbeddingMetrics(m, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(er.Embeddings) == 0 {
		metrics.RecordEmbeddingMetrics(m, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("no embeddings returned")
	}
	out := toFloat32(er.Embeddings[0])
	metrics.RecordEmbeddingMetrics(m, "ok", time.Since(start).Seconds())

	s.lru.Set(ctx, key, out, 30*time.Minute)
	if s.cache != nil {
		s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
	}
	return out, nil
}

// EmbedBatch embeds several texts in one request. Cached entries are served
// locally; only the misses hit the service.
func (s *Service) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	m := model
	if m == "" {
		m = s.cfg.DefaultModel
	}

	results := make([][]float32, len(texts))
	var missTexts []string
	var missIndices []int
	for i, text := range texts {
		key := cacheKey(m, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.RecordEmbeddingMetrics(m, "lru_hit", 0)
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, 30*time.Minute)
				metrics.RecordEmbeddingMetrics(m, "cache_hit", 0)
				continue
			}
		}
		missTexts = append(missTexts, text)
		missIndices = append(missIndices, i)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	start := time.Now()
	er, err := s.fetch(ctx, missTexts, m)
	if err != nil {
		metrics.RecordEmbeddingMetrics(m, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(er.Embeddings) != len(missTexts) {
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts",
			len(er.Embeddings), len(missTexts))
	}

	for i, embedding := range er.Embeddings {
		out := toFloat32(embedding)
		results[missIndices[i]] = out

		key := cacheKey(m, missTexts[i])
		s.lru.Set(ctx, key, out, 30*time.Minute)
		if s.cache != nil {
			s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
		}
	}
	metrics.RecordEmbeddingMetrics(m, "batch_ok", time.Since(start).Seconds())
	return results, nil
}

// fetch posts texts to the embedding endpoint, retrying transient failures.
// 4xx responses are not retried.
func (s *Service) fetch(ctx context.Context, texts []string, model string) (*embedResponse, error) {
	url := fmt.Sprintf("%s/embeddings/", s.cfg.BaseURL)
	buf, err := json.Marshal(embedRequest{Texts: texts, Model: model})
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.RetryBackoff):
			}
			s.logger.Debug("retrying embedding request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, req)

		resp, err := s.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = fmt.Errorf("embedding service status %d: %s", resp.StatusCode, body)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, lastErr
			}
			continue
		}
		var er embedResponse
		err = json.NewDecoder(resp.Body).Decode(&er)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return &er, nil
	}
	return nil, lastErr
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
