package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper routes sqlx calls through a circuit breaker.
// sql.ErrNoRows is an application condition, never a breaker failure.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker("postgresql", GetDatabaseConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("postgresql", "database-client", cb)

	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

// run executes op through the breaker and records the attempt. The
// returned error is the breaker rejection if the call was refused,
// otherwise op's own error (including sql.ErrNoRows, which the breaker
// ignores but the caller still sees).
func (dw *DatabaseWrapper) run(ctx context.Context, op func() error) error {
	var opErr error
	cbErr := dw.cb.Execute(ctx, func() error {
		opErr = op()
		if opErr == sql.ErrNoRows {
			return nil
		}
		return opErr
	})

	success := cbErr == nil && (opErr == nil || opErr == sql.ErrNoRows)
	GlobalMetricsCollector.RecordRequest("postgresql", "database-client", dw.cb.State(), success)

	if cbErr != nil && cbErr != opErr {
		return cbErr
	}
	return opErr
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.run(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

// GetContext wraps sqlx GetContext with circuit breaker
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error {
		return dw.db.GetContext(ctx, dest, query, args...)
	})
}

// SelectContext wraps sqlx SelectContext with circuit breaker
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, query, args...)
	})
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.run(ctx, func() error {
		var execErr error
		result, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// NamedExecContext wraps sqlx NamedExecContext with circuit breaker
func (dw *DatabaseWrapper) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.run(ctx, func() error {
		var execErr error
		result, execErr = dw.db.NamedExecContext(ctx, query, arg)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BeginTxx wraps transaction begin with circuit breaker. Statements inside
// the transaction run against the returned *sqlx.Tx directly; only
// acquisition is protected since a failed begin is the signal that the
// database is unhealthy.
func (dw *DatabaseWrapper) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	var tx *sqlx.Tx
	err := dw.run(ctx, func() error {
		var beginErr error
		tx, beginErr = dw.db.BeginTxx(ctx, opts)
		return beginErr
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Close closes the underlying database connection
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// DB returns the underlying sqlx handle for operations not covered by the wrapper
func (dw *DatabaseWrapper) DB() *sqlx.DB {
	return dw.db
}

// IsCircuitBreakerOpen reports whether the breaker is currently open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
