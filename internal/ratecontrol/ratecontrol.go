package ratecontrol

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type config struct {
	RateLimits struct {
		DefaultRPM    int `yaml:"default_rpm"`
		DefaultTPM    int `yaml:"default_tpm"`
		TierOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"tier_overrides"`
		ProviderOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit describes a requests-per-minute and tokens-per-minute budget.
type RateLimit struct {
	RPM int
	TPM int
}

var builtInProviderLimits = map[string]RateLimit{
	"openai":    {RPM: 30, TPM: 60000},
	"anthropic": {RPM: 20, TPM: 40000},
	"google":    {RPM: 40, TPM: 80000},
	"meta":      {RPM: 60, TPM: 120000},
	"mistral":   {RPM: 50, TPM: 100000},
	"cohere":    {RPM: 45, TPM: 90000},
	"unknown":   {RPM: 45, TPM: 90000},
}

var defaultPaths = []string{
	os.Getenv("MODELS_CONFIG_PATH"),
	"/app/config/models.yaml",
	"./config/models.yaml",
	"../../config/models.yaml",
	"../../../config/models.yaml",
}

// Pacer spaces outbound generation calls so that per-provider and per-tier
// budgets from config/models.yaml are respected. Request-rate budgets are
// enforced with a token bucket; token-volume budgets add a computed delay
// proportional to the estimated size of the request.
type Pacer struct {
	mu       sync.Mutex
	cfg      *config
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// NewPacer loads rate limit configuration and returns a ready Pacer.
// A missing config file is not an error; built-in provider limits apply.
func NewPacer(logger *zap.Logger) *Pacer {
	p := &Pacer{
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
	p.cfg = p.load()
	return p
}

func (p *Pacer) load() *config {
	var cfg config
	for _, path := range defaultPaths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			p.logger.Warn("Failed to unmarshal rate limit config",
				zap.String("path", path), zap.Error(err))
			continue
		}
		cfg = tmp
		p.logger.Info("Loaded rate limit configuration", zap.String("path", path))
		return &cfg
	}
	if path, ok := findUpConfig(); ok {
		if data, err := os.ReadFile(path); err == nil {
			var tmp config
			if err := yaml.Unmarshal(data, &tmp); err == nil {
				p.logger.Info("Loaded rate limit configuration", zap.String("path", path))
				return &tmp
			}
		}
	}
	return &cfg
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// Reload re-reads the configuration and resets the per-provider buckets.
func (p *Pacer) Reload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = p.load()
	p.limiters = make(map[string]*rate.Limiter)
}

// LimitForTier returns the budget configured for a model tier.
func (p *Pacer) LimitForTier(tier string) RateLimit {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()
	if cfg == nil {
		return RateLimit{}
	}
	if cfg.RateLimits.TierOverrides != nil {
		if override, ok := cfg.RateLimits.TierOverrides[strings.ToLower(strings.TrimSpace(tier))]; ok {
			return RateLimit{RPM: override.RPM, TPM: override.TPM}
		}
	}
	return RateLimit{RPM: cfg.RateLimits.DefaultRPM, TPM: cfg.RateLimits.DefaultTPM}
}

// LimitForProvider returns the budget configured for a provider, falling back
// to conservative built-in limits for known providers.
func (p *Pacer) LimitForProvider(provider string) RateLimit {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(provider))
	if cfg != nil && cfg.RateLimits.ProviderOverrides != nil {
		if override, ok := cfg.RateLimits.ProviderOverrides[key]; ok {
			return RateLimit{RPM: override.RPM, TPM: override.TPM}
		}
	}
	if limit, ok := builtInProviderLimits[key]; ok {
		return limit
	}
	return RateLimit{}
}

// CombineLimits merges two budgets, taking the stricter positive value of each
// dimension.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{}
	limit.RPM = minPositive(a.RPM, b.RPM)
	limit.TPM = minPositive(a.TPM, b.TPM)
	if limit.RPM == 0 {
		limit.RPM = maxInt(a.RPM, b.RPM)
	}
	if limit.TPM == 0 {
		limit.TPM = maxInt(a.TPM, b.TPM)
	}
	return limit
}

// DelayForRequest computes the pacing delay for one request without blocking.
func (p *Pacer) DelayForRequest(provider, tier string, estimatedTokens int) time.Duration {
	combined := CombineLimits(p.LimitForTier(tier), p.LimitForProvider(provider))
	return delayForLimit(combined, estimatedTokens)
}

// Wait blocks until the request may proceed under the combined budget, or the
// context is cancelled. The RPM budget is enforced with a token bucket; the
// TPM budget adds a sleep proportional to estimatedTokens.
func (p *Pacer) Wait(ctx context.Context, provider, tier string, estimatedTokens int) error {
	combined := CombineLimits(p.LimitForTier(tier), p.LimitForProvider(provider))

	if combined.RPM > 0 {
		if err := p.limiterFor(provider, combined.RPM).Wait(ctx); err != nil {
			return err
		}
	}

	if combined.TPM > 0 && estimatedTokens > 0 {
		delay := delayForLimit(RateLimit{TPM: combined.TPM}, estimatedTokens)
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil
}

func (p *Pacer) limiterFor(provider string, rpm int) *rate.Limiter {
	key := strings.ToLower(strings.TrimSpace(provider))
	p.mu.Lock()
	defer p.mu.Unlock()
	if lim, ok := p.limiters[key]; ok {
		return lim
	}
	burst := rpm / 6
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	p.limiters[key] = lim
	return lim
}

func delayForLimit(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = math.Max(delayMs, 60000.0/float64(limit.RPM))
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
