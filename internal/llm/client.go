package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/circuitbreaker"
	"github.com/candorlabs-ai/candor/go/conductor/internal/config"
	"github.com/candorlabs-ai/candor/go/conductor/internal/interceptors"
	"github.com/candorlabs-ai/candor/go/conductor/internal/metrics"
	"github.com/candorlabs-ai/candor/go/conductor/internal/ratecontrol"
	"github.com/candorlabs-ai/candor/go/conductor/internal/tracing"
)

// ErrGenerationUnavailable is returned for every generation-service failure:
// connection errors, non-2xx statuses, and undecodable responses. Callers
// decide whether to retry; the client itself never does.
var ErrGenerationUnavailable = errors.New("generation service unavailable")

// Message is one turn of conversation history sent to the generation service.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a single generation call.
type Request struct {
	Messages    []Message              `json:"messages"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Provider    string                 `json:"provider,omitempty"`
	Tier        string                 `json:"tier,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Temperature float64                `json:"temperature,omitempty"`
}

// Usage reports token accounting from the generation service.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Model            string  `json:"model,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Result is the non-streaming generation outcome.
type Result struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Fragment is one streamed increment of generated text. At most one terminal
// fragment (Done or Err set) is delivered per stream, always last, and the
// channel is closed after it.
type Fragment struct {
	Delta string
	Done  bool
	Usage *Usage
	Err   error
}

// streamFrame is the wire shape of one SSE data payload from the service.
type streamFrame struct {
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
	Usage *Usage `json:"usage,omitempty"`
	Error string `json:"error,omitempty"`
}

// Client calls the platform generation service over HTTP+JSON. Completion
// and streaming calls go through separate circuit breakers because their
// timeout budgets differ by orders of magnitude.
type Client struct {
	completer *circuitbreaker.HTTPWrapper
	streamer  *circuitbreaker.HTTPWrapper
	baseURL   string
	cfg       config.ServicesConfig
	pacer     *ratecontrol.Pacer
	logger    *zap.Logger
}

// NewClient builds a generation client from the services config. The
// GENERATION_SERVICE_URL env var overrides the configured endpoint.
func NewClient(cfg config.ServicesConfig, pacer *ratecontrol.Pacer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := os.Getenv("GENERATION_SERVICE_URL")
	if base == "" {
		base = cfg.GenerationEndpoint
	}
	if base == "" {
		base = "http://localhost:8000"
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	streamTimeout := cfg.StreamTimeout
	if streamTimeout <= 0 {
		streamTimeout = 5 * time.Minute
	}

	transport := interceptors.NewWorkflowHTTPRoundTripper(nil)
	return &Client{
		completer: circuitbreaker.NewHTTPWrapper(
			&http.Client{Timeout: timeout, Transport: transport},
			"generation", "generation-service", logger),
		streamer: circuitbreaker.NewHTTPWrapper(
			&http.Client{Timeout: streamTimeout, Transport: transport},
			"generation-stream", "generation-service", logger),
		baseURL: strings.TrimRight(base, "/"),
		cfg:     cfg,
		pacer:   pacer,
		logger:  logger,
	}
}

// BaseURL returns the resolved generation service endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// Generate performs a blocking completion call. The credential is passed
// through opaquely as a bearer token; an empty credential sends no
// Authorization header.
func (c *Client) Generate(ctx context.Context, req Request, credential string) (*Result, error) {
	provider, tier := c.resolve(req)
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, provider, tier, estimateTokens(req)); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	httpReq, err := c.newRequest(ctx, "/generate", req, provider, tier, credential, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}

	resp, err := c.completer.Do(httpReq)
	if err != nil {
		metrics.RecordGenerationMetrics("complete", "error", time.Since(start).Seconds(), 0, 0)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("generation request failed",
			zap.String("provider", provider),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordGenerationMetrics("complete", "error", time.Since(start).Seconds(), 0, 0)
		return nil, fmt.Errorf("%w: status %d", ErrGenerationUnavailable, resp.StatusCode)
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.RecordGenerationMetrics("complete", "error", time.Since(start).Seconds(), 0, 0)
		return nil, fmt.Errorf("%w: decode response: %v", ErrGenerationUnavailable, err)
	}
	metrics.RecordGenerationMetrics("complete", "ok", time.Since(start).Seconds(),
		out.Usage.PromptTokens, out.Usage.CompletionTokens)
	return &out, nil
}

// GenerateStream opens a streaming completion and returns a channel of
// fragments. A nil error means the stream is established; everything after
// that arrives on the channel. Cancellation of ctx aborts the underlying
// request and releases the response body.
func (c *Client) GenerateStream(ctx context.Context, req Request, credential string) (<-chan Fragment, error) {
	provider, tier := c.resolve(req)
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, provider, tier, estimateTokens(req)); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	httpReq, err := c.newRequest(ctx, "/generate/stream", req, provider, tier, credential, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamer.Do(httpReq)
	if err != nil {
		metrics.RecordGenerationMetrics("stream", "error", time.Since(start).Seconds(), 0, 0)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		metrics.RecordGenerationMetrics("stream", "error", time.Since(start).Seconds(), 0, 0)
		return nil, fmt.Errorf("%w: status %d", ErrGenerationUnavailable, resp.StatusCode)
	}

	out := make(chan Fragment, 8)
	go c.readStream(ctx, resp.Body, out, start)
	return out, nil
}

// readStream consumes SSE lines from the response body until a terminal
// frame, EOF, or cancellation. The body is closed on every exit path.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, out chan<- Fragment, start time.Time) {
	status := "error"
	var promptTokens, completionTokens int
	defer func() {
		body.Close()
		close(out)
		metrics.RecordGenerationMetrics("stream", status, time.Since(start).Seconds(),
			promptTokens, completionTokens)
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// id:/event: framing lines carry nothing we consume
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			status = "ok"
			deliver(ctx, out, Fragment{Done: true})
			return
		}
		var frame streamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			c.logger.Warn("skipping malformed stream frame", zap.Error(err))
			continue
		}
		switch {
		case frame.Error != "":
			deliver(ctx, out, Fragment{Err: fmt.Errorf("%w: %s", ErrGenerationUnavailable, frame.Error)})
			return
		case frame.Done:
			status = "ok"
			if frame.Usage != nil {
				promptTokens = frame.Usage.PromptTokens
				completionTokens = frame.Usage.CompletionTokens
			}
			deliver(ctx, out, Fragment{Done: true, Usage: frame.Usage})
			return
		case frame.Delta != "":
			if !deliver(ctx, out, Fragment{Delta: frame.Delta}) {
				return
			}
		}
	}

	// Stream ended without a terminal frame: cancellation or a truncated
	// response. Cancelled callers have stopped pulling, so the terminal
	// error send is best-effort.
	if err := ctx.Err(); err != nil {
		deliver(ctx, out, Fragment{Err: err})
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	deliver(ctx, out, Fragment{Err: fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)})
}

func (c *Client) newRequest(ctx context.Context, path string, req Request, provider, tier, credential string, stream bool) (*http.Request, error) {
	payload := map[string]interface{}{
		"messages": req.Messages,
		"context":  req.Context,
		"provider": provider,
		"tier":     tier,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if stream {
		payload["stream"] = true
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+credential)
	}
	tracing.InjectTraceparent(ctx, httpReq)
	return httpReq, nil
}

func (c *Client) resolve(req Request) (provider, tier string) {
	provider = req.Provider
	if provider == "" {
		provider = c.cfg.DefaultProvider
	}
	tier = req.Tier
	if tier == "" {
		tier = c.cfg.DefaultTier
	}
	return provider, tier
}

// deliver sends a fragment unless the caller has gone away.
func deliver(ctx context.Context, out chan<- Fragment, f Fragment) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// estimateTokens is a chars/4 heuristic used only for rate pacing.
func estimateTokens(req Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	est := chars / 4
	if req.MaxTokens > 0 {
		return est + req.MaxTokens
	}
	return est + 500
}
