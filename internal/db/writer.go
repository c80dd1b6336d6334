package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func buildRunMetricsPayload(run *WorkflowRun) JSONB {
	if run == nil {
		return nil
	}

	payload := make(JSONB)

	if run.PromptTokens > 0 {
		payload["prompt_tokens"] = run.PromptTokens
	}
	if run.CompletionTokens > 0 {
		payload["completion_tokens"] = run.CompletionTokens
	}
	if run.TotalTokens > 0 {
		payload["total_tokens"] = run.TotalTokens
	}
	if run.CostUSD > 0 {
		payload["cost_usd"] = run.CostUSD
	}
	if run.DurationMs != nil {
		payload["duration_ms"] = *run.DurationMs
	}
	if run.Model != "" {
		payload["model"] = run.Model
	}
	if run.Streaming {
		payload["streaming"] = true
	}
	if len(run.Metadata) > 0 {
		payload["metadata"] = map[string]interface{}(run.Metadata)
	}

	if len(payload) == 0 {
		return JSONB{}
	}

	return payload
}

// conversationIDArg converts a conversation ID string into a nullable
// uuid argument; invalid IDs are stored as NULL rather than rejected.
func conversationIDArg(conversationID string) interface{} {
	if conversationID == "" {
		return nil
	}
	cid, err := uuid.Parse(conversationID)
	if err != nil {
		return nil
	}
	return cid
}

// SaveWorkflowRun saves or updates a workflow run record (idempotent by run_id)
func (c *Client) SaveWorkflowRun(ctx context.Context, run *WorkflowRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	metricsPayload := buildRunMetricsPayload(run)

	query := `
		INSERT INTO workflow_runs (
			id, run_id, conversation_id, user_id, workflow_type, prompt, status,
			started_at, completed_at, result, error, metrics,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			metrics = CASE
				WHEN EXCLUDED.metrics IS NULL OR EXCLUDED.metrics = '{}'::jsonb THEN workflow_runs.metrics
				ELSE EXCLUDED.metrics
			END
		RETURNING id`

	var userID interface{}
	if run.UserID != nil {
		userID = run.UserID
	}

	err := c.db.GetContext(ctx, &run.ID, query,
		run.ID, run.RunID, conversationIDArg(run.ConversationID), userID,
		run.WorkflowType, run.Prompt, run.Status,
		run.StartedAt, run.CompletedAt, run.Result, run.ErrorMessage, metricsPayload,
		run.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save workflow run: %w", err)
	}

	c.logger.Debug("Workflow run saved",
		zap.String("run_id", run.RunID),
		zap.String("status", run.Status),
	)

	return nil
}

// BatchSaveWorkflowRuns saves multiple workflow runs in a single transaction
func (c *Client) BatchSaveWorkflowRuns(ctx context.Context, runs []*WorkflowRun) error {
	if len(runs) == 0 {
		return nil
	}

	return c.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO workflow_runs (
				id, run_id, conversation_id, user_id, workflow_type, prompt, status,
				started_at, completed_at, result, error, metrics,
				created_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
			)
			ON CONFLICT (run_id) DO UPDATE SET
				status = EXCLUDED.status,
				completed_at = EXCLUDED.completed_at,
				result = EXCLUDED.result,
				error = EXCLUDED.error,
				metrics = CASE
					WHEN EXCLUDED.metrics IS NULL OR EXCLUDED.metrics = '{}'::jsonb THEN workflow_runs.metrics
					ELSE EXCLUDED.metrics
				END
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, run := range runs {
			if run.ID == uuid.Nil {
				run.ID = uuid.New()
			}
			if run.CreatedAt.IsZero() {
				run.CreatedAt = time.Now()
			}

			var userID interface{}
			if run.UserID != nil {
				userID = run.UserID
			}

			metricsPayload := buildRunMetricsPayload(run)

			_, err := stmt.ExecContext(ctx,
				run.ID, run.RunID, conversationIDArg(run.ConversationID), userID,
				run.WorkflowType, run.Prompt, run.Status,
				run.StartedAt, run.CompletedAt, run.Result, run.ErrorMessage, metricsPayload,
				run.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert run %s: %w", run.RunID, err)
			}
		}

		return nil
	})
}

// SaveGuardrailEvent saves a blocked guardrail check to the audit trail
func (c *Client) SaveGuardrailEvent(ctx context.Context, event *GuardrailEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CheckedAt.IsZero() {
		event.CheckedAt = time.Now()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO guardrail_events (
			id, direction, severity, rules, details,
			content_length, checked_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)`

	_, err := c.db.ExecContext(ctx, query,
		event.ID, event.Direction, event.Severity, event.Rules, event.Details,
		event.ContentLength, event.CheckedAt, event.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save guardrail event: %w", err)
	}

	return nil
}

// BatchSaveGuardrailEvents saves multiple guardrail events
func (c *Client) BatchSaveGuardrailEvents(ctx context.Context, events []*GuardrailEvent) error {
	if len(events) == 0 {
		return nil
	}

	valueStrings := make([]string, 0, len(events))
	valueArgs := make([]interface{}, 0, len(events)*8)

	for i, event := range events {
		if event.ID == uuid.Nil {
			event.ID = uuid.New()
		}
		if event.CheckedAt.IsZero() {
			event.CheckedAt = time.Now()
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = time.Now()
		}

		valueStrings = append(valueStrings, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			i*8+1, i*8+2, i*8+3, i*8+4,
			i*8+5, i*8+6, i*8+7, i*8+8,
		))

		valueArgs = append(valueArgs,
			event.ID, event.Direction, event.Severity, event.Rules, event.Details,
			event.ContentLength, event.CheckedAt, event.CreatedAt,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO guardrail_events (
			id, direction, severity, rules, details,
			content_length, checked_at, created_at
		) VALUES %s`,
		strings.Join(valueStrings, ","),
	)

	_, err := c.db.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		return fmt.Errorf("failed to batch save guardrail events: %w", err)
	}

	return nil
}

// SaveConversationArchive saves a conversation snapshot
func (c *Client) SaveConversationArchive(ctx context.Context, archive *ConversationArchive) error {
	if archive.ID == uuid.Nil {
		archive.ID = uuid.New()
	}
	if archive.ArchivedAt.IsZero() {
		archive.ArchivedAt = time.Now()
	}

	query := `
		INSERT INTO conversation_archives (
			id, conversation_id, user_id,
			snapshot, message_count, total_tokens, total_cost_usd,
			started_at, archived_at, expired_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)`

	var userID interface{}
	if archive.UserID != nil {
		userID = archive.UserID
	}

	_, err := c.db.ExecContext(ctx, query,
		archive.ID, conversationIDArg(archive.ConversationID), userID,
		archive.Snapshot, archive.MessageCount, archive.TotalTokens, archive.TotalCostUSD,
		archive.StartedAt, archive.ArchivedAt, archive.ExpiredAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save conversation archive: %w", err)
	}

	return nil
}

// SaveProfileArchive saves a finished profiling session (idempotent by session_id)
func (c *Client) SaveProfileArchive(ctx context.Context, archive *ProfileArchive) error {
	if archive.ID == uuid.Nil {
		archive.ID = uuid.New()
	}
	if archive.CreatedAt.IsZero() {
		archive.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO profile_archives (
			id, session_id, conversation_id, user_id,
			iterations, completeness_score, completion_reason, profile,
			completed_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (session_id) DO NOTHING`

	var userID interface{}
	if archive.UserID != nil {
		userID = archive.UserID
	}

	_, err := c.db.ExecContext(ctx, query,
		archive.ID, archive.SessionID, conversationIDArg(archive.ConversationID), userID,
		archive.Iterations, archive.CompletenessScore, archive.CompletionReason, archive.Profile,
		archive.CompletedAt, archive.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save profile archive: %w", err)
	}

	return nil
}

// GetWorkflowRun retrieves a workflow run by run ID
func (c *Client) GetWorkflowRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	var run WorkflowRun

	query := `
		SELECT id, run_id, COALESCE(conversation_id::text, '') AS conversation_id,
			user_id, workflow_type, prompt, status,
			started_at, completed_at, result, error,
			created_at
		FROM workflow_runs
		WHERE run_id = $1`

	err := c.db.GetContext(ctx, &run, query, runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}

	return &run, nil
}
