package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/db"
	"github.com/edvin/autoflow/internal/model"
)

// ExecutionService is the durable record of every run and its node results.
type ExecutionService struct {
	db db.DB
}

func NewExecutionService(db db.DB) *ExecutionService {
	return &ExecutionService{db: db}
}

const executionColumns = `id, workflow_id, user_id, status, trigger_source, trigger_payload, graph, test_mode,
	created_at, started_at, completed_at, duration_ms, final_output, error, summary, cancel_requested_at`

func scanExecution(row pgx.Row) (*model.Execution, error) {
	var e model.Execution
	var payload, graph, finalOutput, summary []byte
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.UserID, &e.Status, &e.TriggerSource, &payload, &graph, &e.TestMode,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt, &e.DurationMs, &finalOutput, &e.Error, &summary, &e.CancelRequested); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(payload, &e.TriggerPayload); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(graph, &e.Graph); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(finalOutput, &e.FinalOutput); err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		e.Summary = &model.Summary{}
		if err := unmarshalJSON(summary, e.Summary); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

// Create records a queued execution holding a snapshot of the graph and
// the trigger payload.
func (s *ExecutionService) Create(ctx context.Context, ev model.TriggerEvent) (*model.Execution, error) {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return nil, err
	}
	graphJSON, err := marshalJSON(ev.Graph)
	if err != nil {
		return nil, err
	}

	e := &model.Execution{
		ID:             uuid.New().String(),
		WorkflowID:     ev.WorkflowID,
		UserID:         ev.UserID,
		Status:         model.ExecutionQueued,
		TriggerSource:  ev.Source,
		TriggerPayload: payload,
		Graph:          ev.Graph,
		TestMode:       ev.TestMode,
	}
	err = s.db.QueryRow(ctx,
		`INSERT INTO executions (id, workflow_id, user_id, status, trigger_source, trigger_payload, graph, test_mode, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now()) RETURNING created_at`,
		e.ID, e.WorkflowID, e.UserID, e.Status, e.TriggerSource, payloadJSON, graphJSON, e.TestMode,
	).Scan(&e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return e, nil
}

func (s *ExecutionService) Get(ctx context.Context, id string) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("execution %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return e, nil
}

// GetForUser returns the execution only if userID owns it.
func (s *ExecutionService) GetForUser(ctx context.Context, userID, id string) (*model.Execution, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, apperr.NotFound("execution %s not found", id)
	}
	return e, nil
}

// ListByWorkflow lists executions newest first with cursor-based pagination.
func (s *ExecutionService) ListByWorkflow(ctx context.Context, workflowID string, limit int, cursor string) ([]model.Execution, bool, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE workflow_id = $1`
	args := []any{workflowID}
	argIdx := 2

	if cursor != "" {
		query += fmt.Sprintf(` AND (created_at, id) < (SELECT created_at, id FROM executions WHERE id = $%d)`, argIdx)
		args = append(args, cursor)
		argIdx++
	}

	query += ` ORDER BY created_at DESC, id DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate executions: %w", err)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// MarkRunning moves a queued execution to running. It reports false when
// the execution was no longer queued.
func (s *ExecutionService) MarkRunning(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET status = $1, started_at = now() WHERE id = $2 AND status = $3`,
		model.ExecutionRunning, id, model.ExecutionQueued,
	)
	if err != nil {
		return false, fmt.Errorf("mark execution %s running: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteParams is the final state written when a running execution ends.
type CompleteParams struct {
	Status      string
	DurationMs  int64
	FinalOutput any
	Error       *string
	Summary     *model.Summary
}

// Complete moves a running execution to a terminal status.
func (s *ExecutionService) Complete(ctx context.Context, id string, p CompleteParams) error {
	if !model.IsTerminalExecutionStatus(p.Status) {
		return apperr.New(apperr.KindInvalidTransition, "cannot complete execution with status %q", p.Status)
	}
	output, err := marshalJSON(p.FinalOutput)
	if err != nil {
		return err
	}
	summary, err := marshalJSON(p.Summary)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET status = $1, completed_at = now(), duration_ms = $2, final_output = $3, error = $4, summary = $5
		 WHERE id = $6 AND status = $7`,
		p.Status, p.DurationMs, output, p.Error, summary, id, model.ExecutionRunning,
	)
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindInvalidTransition, "execution %s is not running", id)
	}
	return nil
}

// FailQueued fails an execution that was never started.
func (s *ExecutionService) FailQueued(ctx context.Context, id, reason string, summary *model.Summary) error {
	summaryJSON, err := marshalJSON(summary)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET status = $1, completed_at = now(), duration_ms = 0, error = $2, summary = $3
		 WHERE id = $4 AND status = $5`,
		model.ExecutionFailed, reason, summaryJSON, id, model.ExecutionQueued,
	)
	if err != nil {
		return fmt.Errorf("fail queued execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindInvalidTransition, "execution %s is not queued", id)
	}
	return nil
}

// RequestCancel cancels a queued execution outright, or flags a running one
// so the engine stops dispatching nodes.
func (s *ExecutionService) RequestCancel(ctx context.Context, id string) (*model.Execution, error) {
	summary, err := marshalJSON(&model.Summary{Status: model.ExecutionCancelled, Message: "Execution was cancelled before it started."})
	if err != nil {
		return nil, err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET status = $1, completed_at = now(), duration_ms = 0, cancel_requested_at = now(), summary = $2
		 WHERE id = $3 AND status = $4`,
		model.ExecutionCancelled, summary, id, model.ExecutionQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		tag, err = s.db.Exec(ctx,
			`UPDATE executions SET cancel_requested_at = COALESCE(cancel_requested_at, now()) WHERE id = $1 AND status = $2`,
			id, model.ExecutionRunning,
		)
		if err != nil {
			return nil, fmt.Errorf("request cancel of execution %s: %w", id, err)
		}
	}

	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 && model.IsTerminalExecutionStatus(e.Status) && e.Status != model.ExecutionCancelled {
		return nil, apperr.New(apperr.KindInvalidTransition, "execution %s already finished with status %s", id, e.Status)
	}
	return e, nil
}

// CancelRequested reports whether cancellation was requested.
func (s *ExecutionService) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	if err := s.db.QueryRow(ctx,
		`SELECT cancel_requested_at IS NOT NULL FROM executions WHERE id = $1`, id,
	).Scan(&requested); err != nil {
		return false, fmt.Errorf("check cancellation of %s: %w", id, err)
	}
	return requested, nil
}

// HasRecentScheduledRun reports whether a scheduled execution of the
// workflow was created at or after since.
func (s *ExecutionService) HasRecentScheduledRun(ctx context.Context, workflowID string, since time.Time) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM executions WHERE workflow_id = $1 AND trigger_source = $2 AND created_at >= $3)`,
		workflowID, model.TriggerSchedule, since,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check recent runs of %s: %w", workflowID, err)
	}
	return exists, nil
}

// AppendNodeResult persists one node result with its logs.
func (s *ExecutionService) AppendNodeResult(ctx context.Context, r *model.NodeResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	output, err := marshalJSON(r.OutputData)
	if err != nil {
		return err
	}
	logs := r.Logs
	if logs == nil {
		logs = []model.LogEntry{}
	}
	logsJSON, err := marshalJSON(logs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO node_results (id, execution_id, seq, node_id, node_name, node_kind, status, output_data, error, attempts, duration_ms, logs, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		 ON CONFLICT (execution_id, node_id) DO NOTHING`,
		r.ID, r.ExecutionID, r.Seq, r.NodeID, r.NodeName, r.NodeKind, r.Status, output, r.Error, r.Attempts, r.DurationMs, logsJSON,
	)
	if err != nil {
		return fmt.Errorf("append node result %s/%s: %w", r.ExecutionID, r.NodeID, err)
	}
	return nil
}

// ListNodeResults returns the node results of an execution in execution order.
func (s *ExecutionService) ListNodeResults(ctx context.Context, executionID string) ([]model.NodeResult, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, execution_id, seq, node_id, node_name, node_kind, status, output_data, error, attempts, duration_ms, logs, created_at
		 FROM node_results WHERE execution_id = $1 ORDER BY seq`, executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list node results: %w", err)
	}
	defer rows.Close()

	var out []model.NodeResult
	for rows.Next() {
		var (
			r            model.NodeResult
			output, logs []byte
		)
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.Seq, &r.NodeID, &r.NodeName, &r.NodeKind, &r.Status,
			&output, &r.Error, &r.Attempts, &r.DurationMs, &logs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node result: %w", err)
		}
		if err := unmarshalJSON(output, &r.OutputData); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(logs, &r.Logs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node results: %w", err)
	}
	return out, nil
}
