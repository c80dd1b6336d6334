package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	authpkg "github.com/candorlabs-ai/candor/go/conductor/internal/auth"
	"github.com/candorlabs-ai/candor/go/conductor/internal/circuitbreaker"
	cfg "github.com/candorlabs-ai/candor/go/conductor/internal/config"
	"github.com/candorlabs-ai/candor/go/conductor/internal/conversation"
	"github.com/candorlabs-ai/candor/go/conductor/internal/db"
	"github.com/candorlabs-ai/candor/go/conductor/internal/embeddings"
	"github.com/candorlabs-ai/candor/go/conductor/internal/guardrail"
	"github.com/candorlabs-ai/candor/go/conductor/internal/health"
	"github.com/candorlabs-ai/candor/go/conductor/internal/httpapi"
	"github.com/candorlabs-ai/candor/go/conductor/internal/llm"
	"github.com/candorlabs-ai/candor/go/conductor/internal/memory"
	_ "github.com/candorlabs-ai/candor/go/conductor/internal/metrics" // Import for side effects
	"github.com/candorlabs-ai/candor/go/conductor/internal/policy"
	"github.com/candorlabs-ai/candor/go/conductor/internal/profiling"
	"github.com/candorlabs-ai/candor/go/conductor/internal/ratecontrol"
	"github.com/candorlabs-ai/candor/go/conductor/internal/streaming"
	"github.com/candorlabs-ai/candor/go/conductor/internal/tracing"
	"github.com/candorlabs-ai/candor/go/conductor/internal/workflow"
)

func main() {
	ctx := context.Background()

	// Configuration manager with hot reload over the config directory
	bootLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	configDir := getEnvOrDefault("CONFIG_DIR", "./config")
	configMgr, err := cfg.NewConfigManager(configDir, bootLogger)
	if err != nil {
		bootLogger.Fatal("Config manager init failed", zap.Error(err))
	}
	if err := configMgr.Start(ctx); err != nil {
		bootLogger.Fatal("Config manager start failed", zap.Error(err))
	}
	conductorMgr := cfg.NewConductorConfigManager(configMgr, bootLogger)
	if err := conductorMgr.Initialize(); err != nil {
		bootLogger.Warn("Conductor config init failed, using defaults", zap.Error(err))
	}
	conductorCfg := conductorMgr.GetConfig()

	// Replace the bootstrap logger with one built from configuration
	logger, err := buildLogger(conductorCfg.Logging)
	if err != nil {
		logger = bootLogger
		logger.Warn("Failed to build configured logger, keeping production defaults", zap.Error(err))
	}
	defer logger.Sync()

	circuitbreaker.StartMetricsCollection()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      conductorCfg.Tracing.Enabled,
		ServiceName:  conductorCfg.Tracing.ServiceName,
		OTLPEndpoint: conductorCfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Database client with the async write queue
	dbConfig := &db.Config{
		Host:     getEnvOrDefault("POSTGRES_HOST", "postgres"),
		Port:     getEnvOrDefaultInt("POSTGRES_PORT", 5432),
		User:     getEnvOrDefault("POSTGRES_USER", "conductor"),
		Password: getEnvOrDefault("POSTGRES_PASSWORD", "conductor"),
		Database: getEnvOrDefault("POSTGRES_DB", "conductor"),
		SSLMode:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
	}
	dbClient, err := db.NewClient(dbConfig, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}
	defer dbClient.Close()

	// Shared Redis client: streaming journal, rate limiter, profiling store
	redisAddr := getEnvOrDefault("REDIS_ADDR", "redis:6379")
	redisClient := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	redisWrapper := circuitbreaker.NewRedisWrapper(redisClient, logger)

	// Guardrail pipeline with audit hook and hot reload
	guardrailSettings, err := cfg.LoadGuardrailSettings()
	if err != nil {
		logger.Warn("Guardrail settings unavailable, using defaults", zap.Error(err))
		guardrailSettings = &cfg.GuardrailSettings{}
	}
	pipeline := guardrail.NewPipeline(guardrailSettings, logger)
	pipeline.SetBlockHook(func(ev guardrail.BlockEvent) {
		rules := make(pq.StringArray, 0, len(ev.Violations))
		for _, v := range ev.Violations {
			rules = append(rules, v.RuleName)
		}
		_ = dbClient.QueueWrite(db.WriteTypeGuardrailEvent, &db.GuardrailEvent{
			Direction:     string(ev.Direction),
			Severity:      ev.Severity.String(),
			Rules:         rules,
			Details:       db.JSONB{"violations": ev.Violations},
			ContentLength: ev.ContentLength,
			CheckedAt:     ev.CheckedAt,
		}, nil)
	})
	configMgr.RegisterHandler("guardrails.yaml", func(ev cfg.ChangeEvent) error {
		settings, err := cfg.ReloadGuardrailSettings()
		if err != nil {
			return err
		}
		pipeline.Reload(settings)
		logger.Info("Guardrail settings reloaded", zap.String("file", ev.File), zap.String("action", ev.Action))
		return nil
	})

	// Policy engine (OPA) with .rego hot reload
	var policyEngine policy.Engine
	policyCfg := policy.LoadConfigFromConductor(map[string]interface{}{
		"enabled":     conductorCfg.Policy.Enabled,
		"mode":        conductorCfg.Policy.Mode,
		"path":        conductorCfg.Policy.Path,
		"fail_closed": conductorCfg.Policy.FailClosed,
		"environment": conductorCfg.Policy.Environment,
	})
	if opa, err := policy.NewOPAEngine(policyCfg, logger); err != nil {
		logger.Warn("Policy engine init failed; requests will not be policy-gated", zap.Error(err))
	} else {
		policyEngine = opa
		configMgr.RegisterPolicyHandler(func() error {
			logger.Info("Reloading policy engine due to .rego file change")
			return opa.LoadPolicies()
		})
	}

	// Generation client with provider pacing
	pacer := ratecontrol.NewPacer(logger)
	configMgr.RegisterHandler("models.yaml", func(ev cfg.ChangeEvent) error {
		pacer.Reload()
		logger.Info("Rate control configuration reloaded", zap.String("file", ev.File))
		return nil
	})
	llmClient := llm.NewClient(conductorCfg.Services, pacer, logger)

	// Embeddings and semantic memory
	embBase := conductorCfg.Embeddings.BaseURL
	if embBase == "" {
		embBase = conductorCfg.Services.GenerationEndpoint
	}
	embService := embeddings.NewService(embeddings.Config{
		BaseURL:      embBase,
		DefaultModel: conductorCfg.Embeddings.DefaultModel,
		Timeout:      conductorCfg.Embeddings.Timeout,
		CacheTTL:     conductorCfg.Embeddings.CacheTTL,
		MaxLRU:       conductorCfg.Embeddings.MaxLRU,
	}, embeddings.NewRedisCacheFromClient(redisClient), logger)

	var recaller workflow.Recaller
	if conductorCfg.Memory.Enabled {
		memCfg := memory.Config{
			Enabled:           true,
			Host:              conductorCfg.Memory.Host,
			Port:              conductorCfg.Memory.Port,
			ConversationTurns: conductorCfg.Memory.ConversationTurns,
			KnowledgeChunks:   conductorCfg.Memory.KnowledgeChunks,
			TopK:              conductorCfg.Memory.TopK,
			Threshold:         conductorCfg.Memory.Threshold,
			Timeout:           conductorCfg.Memory.Timeout,
			MMREnabled:        conductorCfg.Memory.MmrEnabled,
			MMRLambda:         conductorCfg.Memory.MmrLambda,
			MMRPoolMultiplier: conductorCfg.Memory.MmrPoolMultiplier,
		}
		memStore := memory.NewStore(memCfg, logger)
		chunker := embeddings.NewChunker(embeddings.DefaultChunkingConfig())
		recaller = memory.NewService(memCfg, memStore, embService, chunker, logger)
		logger.Info("Semantic memory enabled",
			zap.String("host", conductorCfg.Memory.Host),
			zap.Int("port", conductorCfg.Memory.Port))
	} else {
		logger.Info("Semantic memory disabled")
	}

	// Workflow registry over the closed variant set
	registry := workflow.NewRegistry(workflow.Deps{
		Generator: llmClient,
		Memory:    recaller,
		Config:    conductorCfg.Workflow,
		Logger:    logger,
	})

	// Conversation store with archive-on-expiry into Postgres
	convStore, err := conversation.NewStore(redisAddr, conductorCfg.Conversation, logger)
	if err != nil {
		logger.Fatal("Failed to initialize conversation store", zap.Error(err))
	}
	defer convStore.Close()
	convStore.SetArchiveFunc(func(conv *conversation.Conversation) {
		expired := conv.ExpiresAt
		_ = dbClient.QueueWrite(db.WriteTypeConversationArchive, &db.ConversationArchive{
			ConversationID: conv.ID,
			UserID:         parseUUID(conv.UserID),
			Snapshot:       db.JSONB{"history": conv.History, "metadata": conv.Metadata, "context": conv.Context},
			MessageCount:   len(conv.History),
			TotalTokens:    conv.TotalTokensUsed,
			TotalCostUSD:   conv.TotalCostUSD,
			StartedAt:      conv.CreatedAt,
			ArchivedAt:     time.Now(),
			ExpiredAt:      &expired,
		}, nil)
	})

	// Streaming fan-out: in-memory rings plus the Redis Streams journal
	ringCapacity := conductorCfg.Streaming.RingCapacity
	if ringCapacity <= 0 {
		ringCapacity = 256
	}
	journal := streaming.NewJournal(redisClient, int64(getEnvOrDefaultInt("STREAM_JOURNAL_MAXLEN", 1024)), logger)
	broadcaster := streaming.NewBroadcaster(streaming.NewManager(ringCapacity), journal, logger)

	// Profiling sessions: question generation runs through the analysis variant
	profStore := profiling.NewStore(redisWrapper, conductorCfg.Profiling.SessionTTL, logger)
	generate := func(gctx context.Context, conversationID, prompt string) (string, error) {
		res, err := registry.Run(gctx, workflow.TypeAnalysis, workflow.Context{
			UserMessage:    prompt,
			ConversationID: conversationID,
			Vars:           map[string]interface{}{"force_analysis": true},
		}, "")
		if err != nil {
			return "", err
		}
		return res.Text, nil
	}
	analyzer := profiling.NewDefaultAnalyzer(nil, conductorCfg.Profiling.CompletenessThreshold, generate, logger)
	profManager := profiling.NewManager(profStore, analyzer, nil, conductorCfg.Profiling, func(sess *profiling.Session) {
		_ = dbClient.QueueWrite(db.WriteTypeProfileArchive, &db.ProfileArchive{
			SessionID:         sess.ID,
			ConversationID:    sess.ConversationID,
			UserID:            parseUUID(sess.UserID),
			Iterations:        sess.Iteration,
			CompletenessScore: sess.CompletenessScore,
			CompletionReason:  sess.CompletionReason,
			Profile: db.JSONB{
				"focus_areas":   sess.FocusAreas,
				"missing_areas": sess.MissingAreas,
				"history":       sess.History,
			},
			CompletedAt: sess.CompletedAt,
		}, nil)
	}, logger)

	// Authentication
	jwtManager := authpkg.NewJWTManager(conductorCfg.Auth.JWTSecret,
		conductorCfg.Auth.AccessTokenExpiry, conductorCfg.Auth.RefreshTokenExpiry)
	authService := authpkg.NewService(dbClient.DB(), logger, conductorCfg.Auth.JWTSecret)
	authMiddleware := authpkg.NewMiddleware(authService, jwtManager, conductorCfg.Auth.SkipAuth)
	logger.Info("Auth middleware initialized",
		zap.Bool("enabled", conductorCfg.Auth.Enabled),
		zap.Bool("skip_auth", conductorCfg.Auth.SkipAuth))

	rateLimiter := httpapi.NewRateLimiter(redisClient, conductorCfg.Auth.APIKeyRateLimit, logger)

	// Protected API surface
	apiMux := http.NewServeMux()
	httpapi.NewGuardrailHandler(pipeline, logger).RegisterRoutes(apiMux)
	httpapi.NewWorkflowHandler(httpapi.WorkflowHandlerDeps{
		Registry:      registry,
		Pipeline:      pipeline,
		Conversations: convStore,
		Policy:        policyEngine,
		DB:            dbClient,
		Broadcaster:   broadcaster,
		Environment:   conductorCfg.Policy.Environment,
		Logger:        logger,
	}).RegisterRoutes(apiMux)
	httpapi.NewProfilingHandler(profManager, logger).RegisterRoutes(apiMux)
	httpapi.NewConversationHandler(convStore, logger).RegisterRoutes(apiMux)

	authHandler := httpapi.NewAuthHTTPHandler(authService, logger)
	authHandler.RegisterProtectedRoutes(apiMux)

	// Root mux: public auth routes and stream observers bypass the
	// auth/rate-limit chain; everything under /api/v1/ goes through it.
	rootMux := http.NewServeMux()
	authHandler.RegisterRoutes(rootMux)
	streamHandler := httpapi.NewStreamingHandler(broadcaster, logger)
	streamHandler.RegisterRoutes(rootMux)
	streamHandler.RegisterWebSocket(rootMux)
	httpapi.NewIngestHandler(broadcaster, logger, os.Getenv("EVENTS_AUTH_TOKEN")).RegisterRoutes(rootMux)
	rootMux.Handle("/api/v1/", authMiddleware.HTTPMiddleware(rateLimiter.Middleware(apiMux)))

	// Health system on its own port
	healthManager := health.NewManagerWithConfig(health.ConfigurationFrom(conductorCfg.Health), logger)
	_ = healthManager.RegisterChecker(health.NewRedisHealthChecker(redisWrapper, logger))
	_ = healthManager.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.Wrapper(), logger))
	genBase := conductorCfg.Services.GenerationEndpoint
	if genBase == "" {
		genBase = llmClient.BaseURL()
	}
	_ = healthManager.RegisterChecker(health.NewGenerationServiceHealthChecker(genBase, logger))
	_ = healthManager.Start(ctx)

	healthPort := conductorCfg.Health.Port
	if healthPort <= 0 {
		healthPort = conductorCfg.Service.HealthPort
	}
	healthServer := health.StartHealthServer(healthManager, healthPort, logger)

	// Prometheus metrics endpoint
	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.MetricsPort(2112)),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("address", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Main API server
	apiServer := &http.Server{
		Addr:           ":" + strconv.Itoa(conductorCfg.Service.Port),
		Handler:        rootMux,
		ReadTimeout:    conductorCfg.Service.ReadTimeout,
		WriteTimeout:   conductorCfg.Service.WriteTimeout,
		MaxHeaderBytes: conductorCfg.Service.MaxHeaderBytes,
	}
	go func() {
		logger.Info("Conductor API listening", zap.Int("port", conductorCfg.Service.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down conductor service")

	gracefulTimeout := conductorCfg.Service.GracefulTimeout
	if gracefulTimeout <= 0 {
		gracefulTimeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = healthServer.Shutdown(shutdownCtx)
	_ = healthManager.Stop()
	_ = configMgr.Stop()
	tracing.Shutdown(shutdownCtx)
}

// buildLogger constructs a zap logger from the logging section.
func buildLogger(lc cfg.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if lc.Level != "" {
		level, err := zap.ParseAtomicLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	if lc.Encoding != "" {
		zc.Encoding = lc.Encoding
	}
	if len(lc.OutputPaths) > 0 {
		zc.OutputPaths = lc.OutputPaths
	}
	if len(lc.ErrorOutputPaths) > 0 {
		zc.ErrorOutputPaths = lc.ErrorOutputPaths
	}
	return zc.Build()
}

func parseUUID(s string) *uuid.UUID {
	if id, err := uuid.Parse(s); err == nil {
		return &id
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
