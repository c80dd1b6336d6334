package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/candorlabs-ai/candor/go/conductor/internal/circuitbreaker"
	"github.com/candorlabs-ai/candor/go/conductor/internal/metrics"
)

// Config holds database configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	SSLMode         string
}

// Client owns the breaker-wrapped connection pool and a worker pool that
// absorbs writes off the request path. Close drains before disconnecting.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config *Config

	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// WriteRequest represents an async write operation
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeWorkflowRun WriteType = iota
	WriteTypeGuardrailEvent
	WriteTypeConversationArchive
	WriteTypeProfileArchive
	WriteTypeEventLog
	WriteTypeBatch
)

func (wt WriteType) String() string {
	switch wt {
	case WriteTypeWorkflowRun:
		return "WorkflowRun"
	case WriteTypeGuardrailEvent:
		return "GuardrailEvent"
	case WriteTypeConversationArchive:
		return "ConversationArchive"
	case WriteTypeProfileArchive:
		return "ProfileArchive"
	case WriteTypeEventLog:
		return "EventLog"
	case WriteTypeBatch:
		return "Batch"
	}
	return "Unknown"
}

// NewClient connects, verifies the connection, and starts the write
// workers and the background ping loop
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	rawDB, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	db := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{
		db:         db,
		logger:     logger,
		config:     config,
		writeQueue: make(chan WriteRequest, 1000),
		workers:    10,
		stopCh:     make(chan struct{}),
	}
	client.startWorkers()
	go client.healthCheck()

	logger.Info("Database client initialized",
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)

	return client, nil
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

// writeWorker pulls requests off the queue. Batch-tagged requests collect
// into a buffer flushed on size or the one-second tick; everything else
// writes immediately.
func (c *Client) writeWorker(id int) {
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))

	batchBuffer := make([]WriteRequest, 0, 100)
	batchTicker := time.NewTicker(1 * time.Second)
	defer batchTicker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.drainQueue(batchBuffer)
			c.logger.Info("Write worker stopped", zap.Int("worker_id", id))
			c.workerWg.Done()
			return

		case req := <-c.writeQueue:
			if req.Type == WriteTypeBatch {
				batchBuffer = append(batchBuffer, req)
				if len(batchBuffer) >= 100 {
					c.processBatch(batchBuffer)
					batchBuffer = batchBuffer[:0]
				}
				continue
			}
			c.processWrite(req)

		case <-batchTicker.C:
			if len(batchBuffer) > 0 {
				c.processBatch(batchBuffer)
				batchBuffer = batchBuffer[:0]
			}
		}
	}
}

func (c *Client) processWrite(req WriteRequest) {
	var err error

	switch req.Type {
	case WriteTypeWorkflowRun:
		if run, ok := req.Data.(*WorkflowRun); ok {
			err = c.SaveWorkflowRun(context.Background(), run)
		}
	case WriteTypeGuardrailEvent:
		if event, ok := req.Data.(*GuardrailEvent); ok {
			err = c.SaveGuardrailEvent(context.Background(), event)
		}
	case WriteTypeConversationArchive:
		if archive, ok := req.Data.(*ConversationArchive); ok {
			err = c.SaveConversationArchive(context.Background(), archive)
		}
	case WriteTypeProfileArchive:
		if archive, ok := req.Data.(*ProfileArchive); ok {
			err = c.SaveProfileArchive(context.Background(), archive)
		}
	case WriteTypeEventLog:
		if event, ok := req.Data.(*EventLog); ok {
			err = c.SaveEventLog(context.Background(), event)
		}
	}

	if req.Callback != nil {
		req.Callback(err)
	}

	if err != nil {
		metrics.DBWriteErrors.WithLabelValues(req.Type.String()).Inc()
		c.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

// processBatch groups the buffered requests by record type and issues one
// multi-row insert per type
func (c *Client) processBatch(batch []WriteRequest) {
	if len(batch) == 0 {
		return
	}
	c.logger.Debug("Processing batch writes", zap.Int("count", len(batch)))

	var runs []*WorkflowRun
	var events []*GuardrailEvent

	collect := func(req WriteRequest) {
		switch req.Type {
		case WriteTypeWorkflowRun:
			if run, ok := req.Data.(*WorkflowRun); ok {
				runs = append(runs, run)
			}
		case WriteTypeGuardrailEvent:
			if event, ok := req.Data.(*GuardrailEvent); ok {
				events = append(events, event)
			}
		}
	}

	for _, req := range batch {
		if req.Type == WriteTypeBatch {
			// A batch request wraps a slice of inner requests
			if inner, ok := req.Data.([]WriteRequest); ok {
				for _, r := range inner {
					collect(r)
				}
			}
			continue
		}
		collect(req)
	}

	ctx := context.Background()
	if len(runs) > 0 {
		if err := c.BatchSaveWorkflowRuns(ctx, runs); err != nil {
			metrics.DBWriteErrors.WithLabelValues(WriteTypeWorkflowRun.String()).Inc()
			c.logger.Error("Failed to batch save workflow runs", zap.Error(err))
		}
	}
	if len(events) > 0 {
		if err := c.BatchSaveGuardrailEvents(ctx, events); err != nil {
			metrics.DBWriteErrors.WithLabelValues(WriteTypeGuardrailEvent.String()).Inc()
			c.logger.Error("Failed to batch save guardrail events", zap.Error(err))
		}
	}
}

// drainQueue empties what it can within the shutdown window
func (c *Client) drainQueue(batchBuffer []WriteRequest) {
	timeout := time.After(10 * time.Second)

	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			return
		default:
			if len(batchBuffer) > 0 {
				c.processBatch(batchBuffer)
			}
			return
		}
	}
}

// QueueWrite adds a write request to the async queue. When the queue is
// full the write executes synchronously so records are never dropped.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) error {
	metrics.DBWritesQueued.WithLabelValues(writeType.String()).Inc()

	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case c.writeQueue <- req:
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(req)
	}
	return nil
}

// QueueWriteWithRetry retries enqueueing a few times before taking the
// synchronous fallback, for callers that prefer yielding briefly over
// blocking on a write
func (c *Client) QueueWriteWithRetry(writeType WriteType, data interface{}, callback func(error)) error {
	const maxRetries = 3
	const retryDelay = 10 * time.Millisecond

	metrics.DBWritesQueued.WithLabelValues(writeType.String()).Inc()

	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case c.writeQueue <- req:
			return nil
		default:
			if attempt < maxRetries-1 {
				time.Sleep(retryDelay)
			}
		}
	}

	c.logger.Warn("Write queue full after retries, using synchronous fallback",
		zap.String("type", writeType.String()),
		zap.Int("attempts", maxRetries))
	c.processWrite(req)
	return nil
}

func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops the workers, waits for the drain, then disconnects
func (c *Client) Close() error {
	c.logger.Info("Shutting down database client")

	close(c.stopCh)
	c.workerWg.Wait()

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	c.logger.Info("Database client closed")
	return nil
}

// DB returns the underlying sqlx handle for direct queries
func (c *Client) DB() *sqlx.DB {
	return c.db.DB()
}

// WithTransaction runs fn inside a transaction; acquisition goes through
// the circuit breaker, and a panic in fn rolls back before re-raising
func (c *Client) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Wrapper returns the underlying DatabaseWrapper for health checks and monitoring
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}
