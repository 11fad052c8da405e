package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edvin/autoflow/internal/db"
	"github.com/edvin/autoflow/internal/model"
)

// PollingTriggerService persists the change-detection state of polling
// triggers. The watermark only moves forward through AdvanceWatermark.
type PollingTriggerService struct {
	db db.DB
}

func NewPollingTriggerService(db db.DB) *PollingTriggerService {
	return &PollingTriggerService{db: db}
}

const pollingTriggerColumns = `id, workflow_id, user_id, trigger_type, config, watermark, poll_interval_seconds,
	next_poll_at, enabled, last_polled_at, last_error, created_at, updated_at`

func scanPollingTrigger(row pgx.Row) (*model.PollingTrigger, error) {
	var t model.PollingTrigger
	var cfg []byte
	if err := row.Scan(&t.ID, &t.WorkflowID, &t.UserID, &t.TriggerType, &cfg, &t.Watermark, &t.PollIntervalSeconds,
		&t.NextPollAt, &t.Enabled, &t.LastPolledAt, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(cfg, &t.Config); err != nil {
		return nil, err
	}
	return &t, nil
}

// Upsert creates or re-enables the trigger for (workflow, trigger type). An
// existing watermark is preserved.
func (s *PollingTriggerService) Upsert(ctx context.Context, t *model.PollingTrigger) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.PollIntervalSeconds < model.DefaultPollIntervalSeconds {
		t.PollIntervalSeconds = model.DefaultPollIntervalSeconds
	}
	cfg, err := marshalJSON(t.Config)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO polling_triggers (id, workflow_id, user_id, trigger_type, config, watermark, poll_interval_seconds, next_poll_at, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		 ON CONFLICT (workflow_id, trigger_type) DO UPDATE SET
		   config = EXCLUDED.config,
		   watermark = COALESCE(polling_triggers.watermark, EXCLUDED.watermark),
		   poll_interval_seconds = EXCLUDED.poll_interval_seconds,
		   next_poll_at = EXCLUDED.next_poll_at,
		   enabled = EXCLUDED.enabled,
		   last_error = NULL,
		   updated_at = now()`,
		t.ID, t.WorkflowID, t.UserID, t.TriggerType, cfg, t.Watermark, t.PollIntervalSeconds, t.NextPollAt, t.Enabled,
	)
	if err != nil {
		return fmt.Errorf("upsert polling trigger for workflow %s: %w", t.WorkflowID, err)
	}
	return nil
}

// DisableForWorkflow stops polling every trigger of a workflow.
func (s *PollingTriggerService) DisableForWorkflow(ctx context.Context, workflowID string) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE polling_triggers SET enabled = false, updated_at = now() WHERE workflow_id = $1 AND enabled`,
		workflowID,
	); err != nil {
		return fmt.Errorf("disable polling triggers of workflow %s: %w", workflowID, err)
	}
	return nil
}

// ListByWorkflow returns the triggers of one workflow.
func (s *PollingTriggerService) ListByWorkflow(ctx context.Context, workflowID string) ([]model.PollingTrigger, error) {
	return s.list(ctx, `SELECT `+pollingTriggerColumns+` FROM polling_triggers WHERE workflow_id = $1 ORDER BY trigger_type`, workflowID)
}

// ListDue returns enabled triggers of active workflows with next_poll_at <= now,
// oldest first.
func (s *PollingTriggerService) ListDue(ctx context.Context, now time.Time, limit int) ([]model.PollingTrigger, error) {
	return s.list(ctx,
		`SELECT pt.id, pt.workflow_id, pt.user_id, pt.trigger_type, pt.config, pt.watermark, pt.poll_interval_seconds,
		        pt.next_poll_at, pt.enabled, pt.last_polled_at, pt.last_error, pt.created_at, pt.updated_at
		 FROM polling_triggers pt JOIN workflows w ON w.id = pt.workflow_id
		 WHERE pt.enabled AND w.status = $1 AND pt.next_poll_at <= $2
		 ORDER BY pt.next_poll_at LIMIT $3`,
		model.WorkflowActive, now, limit,
	)
}

func (s *PollingTriggerService) list(ctx context.Context, query string, args ...any) ([]model.PollingTrigger, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list polling triggers: %w", err)
	}
	defer rows.Close()

	var out []model.PollingTrigger
	for rows.Next() {
		t, err := scanPollingTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan polling trigger: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate polling triggers: %w", err)
	}
	return out, nil
}

// AdvanceWatermark records a poll that found new data.
func (s *PollingTriggerService) AdvanceWatermark(ctx context.Context, id string, watermark *string, nextPollAt time.Time) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE polling_triggers SET watermark = COALESCE($1, watermark), next_poll_at = $2, last_polled_at = now(), last_error = NULL, updated_at = now()
		 WHERE id = $3`,
		watermark, nextPollAt, id,
	); err != nil {
		return fmt.Errorf("advance watermark of polling trigger %s: %w", id, err)
	}
	return nil
}

// Reschedule records a poll that found nothing new.
func (s *PollingTriggerService) Reschedule(ctx context.Context, id string, nextPollAt time.Time) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE polling_triggers SET next_poll_at = $1, last_polled_at = now(), last_error = NULL, updated_at = now() WHERE id = $2`,
		nextPollAt, id,
	); err != nil {
		return fmt.Errorf("reschedule polling trigger %s: %w", id, err)
	}
	return nil
}

// RecordFailure records a failed poll. The watermark is left untouched.
func (s *PollingTriggerService) RecordFailure(ctx context.Context, id, message string, nextPollAt time.Time) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE polling_triggers SET next_poll_at = $1, last_polled_at = now(), last_error = $2, updated_at = now() WHERE id = $3`,
		nextPollAt, message, id,
	); err != nil {
		return fmt.Errorf("record failure of polling trigger %s: %w", id, err)
	}
	return nil
}
