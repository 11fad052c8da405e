package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/cronexpr"
	"github.com/edvin/autoflow/internal/db"
	"github.com/edvin/autoflow/internal/graph"
	"github.com/edvin/autoflow/internal/integration"
	"github.com/edvin/autoflow/internal/model"
	"github.com/edvin/autoflow/internal/nodes"
)

// Plan-limit metrics checked at activation.
const (
	MetricActiveWorkflows = "active_workflows"
	MetricSteps           = "steps"
)

// LimitSource resolves a user's plan limits.
type LimitSource interface {
	GetPlanLimits(ctx context.Context, userID string) (model.PlanLimits, error)
}

type WorkflowService struct {
	db       db.DB
	registry *nodes.Registry
	pollers  integration.Pollers
	limits   LimitSource
	triggers *PollingTriggerService
	now      func() time.Time
}

func NewWorkflowService(db db.DB, registry *nodes.Registry, pollers integration.Pollers, limits LimitSource, triggers *PollingTriggerService) *WorkflowService {
	return &WorkflowService{
		db:       db,
		registry: registry,
		pollers:  pollers,
		limits:   limits,
		triggers: triggers,
		now:      time.Now,
	}
}

const workflowColumns = `id, user_id, name, status, graph, version, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*model.Workflow, error) {
	var w model.Workflow
	var graphJSON []byte
	if err := row.Scan(&w.ID, &w.UserID, &w.Name, &w.Status, &graphJSON, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(graphJSON, &w.Graph); err != nil {
		return nil, err
	}
	return &w, nil
}

// Create stores a new draft workflow. The graph is validated on activation.
func (s *WorkflowService) Create(ctx context.Context, w *model.Workflow) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	w.Status = model.WorkflowDraft
	w.Version = 1
	graphJSON, err := marshalJSON(w.Graph)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(ctx,
		`INSERT INTO workflows (id, user_id, name, status, graph, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now()) RETURNING created_at, updated_at`,
		w.ID, w.UserID, w.Name, w.Status, graphJSON, w.Version,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *WorkflowService) Get(ctx context.Context, id string) (*model.Workflow, error) {
	w, err := scanWorkflow(s.db.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return w, nil
}

// GetForUser returns the workflow only if userID owns it.
func (s *WorkflowService) GetForUser(ctx context.Context, userID, id string) (*model.Workflow, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, apperr.NotFound("workflow %s not found", id)
	}
	return w, nil
}

// List returns a user's workflows with cursor-based pagination.
func (s *WorkflowService) List(ctx context.Context, userID string, limit int, cursor string) ([]model.Workflow, bool, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if cursor != "" {
		query += fmt.Sprintf(` AND id > $%d`, argIdx)
		args = append(args, cursor)
		argIdx++
	}

	query += ` ORDER BY id`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []model.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate workflows: %w", err)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// UpdateGraph replaces the graph of a workflow that is not archived and
// bumps its version. Active workflows must be re-activated to pick up a new
// trigger configuration.
func (s *WorkflowService) UpdateGraph(ctx context.Context, userID, id string, g model.Graph) (*model.Workflow, error) {
	graphJSON, err := marshalJSON(g)
	if err != nil {
		return nil, err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET graph = $1, version = version + 1, updated_at = now()
		 WHERE id = $2 AND user_id = $3 AND status <> $4`,
		graphJSON, id, userID, model.WorkflowArchived,
	)
	if err != nil {
		return nil, fmt.Errorf("update workflow %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetForUser(ctx, userID, id); err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.KindInvalidTransition, "workflow %s is archived", id)
	}
	return s.Get(ctx, id)
}

// ListActiveScheduled returns active workflows whose graph holds a
// scheduled-time-trigger node.
func (s *WorkflowService) ListActiveScheduled(ctx context.Context) ([]model.Workflow, error) {
	containment, err := marshalJSON([]map[string]string{{"kind": nodes.ScheduledTimeTrigger}})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE status = $1 AND graph->'nodes' @> $2::jsonb ORDER BY id`,
		model.WorkflowActive, string(containment),
	)
	if err != nil {
		return nil, fmt.Errorf("list scheduled workflows: %w", err)
	}
	defer rows.Close()

	var out []model.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return out, nil
}

// Activate validates the graph, checks the plan's structural limits and
// moves a draft or paused workflow to active. Polling triggers get their
// persisted record, enabled and due immediately.
func (s *WorkflowService) Activate(ctx context.Context, userID, id string) (*model.Workflow, error) {
	w, err := s.GetForUser(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case model.WorkflowActive:
		return w, nil
	case model.WorkflowArchived:
		return nil, apperr.New(apperr.KindInvalidTransition, "workflow %s is archived", id)
	}

	if _, err := graph.Build(w.Graph); err != nil {
		return nil, err
	}
	if err := s.registry.Validate(w.Graph); err != nil {
		return nil, err
	}
	triggerNode, triggerKind, hasTrigger := s.registry.Trigger(w.Graph)
	if hasTrigger && triggerKind.Name == nodes.ScheduledTimeTrigger {
		expr, tz := nodes.Schedule(triggerNode.Config)
		if _, _, err := cronexpr.Parse(expr, tz); err != nil {
			return nil, err
		}
	}

	if err := s.checkLimits(ctx, w); err != nil {
		return nil, err
	}

	// Triggers are settled before the status flips. ListDue only returns
	// triggers of active workflows, so an enabled trigger on a workflow that
	// never became active is inert, while an active workflow always has its
	// trigger.
	if hasTrigger && triggerKind.Polling {
		if err := s.upsertPollingTrigger(ctx, w, triggerNode, triggerKind); err != nil {
			return nil, err
		}
	} else if err := s.triggers.DisableForWorkflow(ctx, id); err != nil {
		return nil, err
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET status = $1, updated_at = now() WHERE id = $2 AND status IN ($3, $4)`,
		model.WorkflowActive, id, model.WorkflowDraft, model.WorkflowPaused,
	)
	if err != nil {
		return nil, fmt.Errorf("activate workflow %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.New(apperr.KindInvalidTransition, "workflow %s changed status during activation", id)
	}

	return s.Get(ctx, id)
}

func (s *WorkflowService) checkLimits(ctx context.Context, w *model.Workflow) error {
	limits, err := s.limits.GetPlanLimits(ctx, w.UserID)
	if err != nil {
		return err
	}
	if limits.MaxStepsPerWorkflow != nil && int64(len(w.Graph.Nodes)) > *limits.MaxStepsPerWorkflow {
		return &apperr.PlanLimitError{Metric: MetricSteps, Used: int64(len(w.Graph.Nodes)), Limit: *limits.MaxStepsPerWorkflow}
	}
	if limits.MaxActiveWorkflows != nil {
		var active int64
		if err := s.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM workflows WHERE user_id = $1 AND status = $2`,
			w.UserID, model.WorkflowActive,
		).Scan(&active); err != nil {
			return fmt.Errorf("count active workflows: %w", err)
		}
		if active >= *limits.MaxActiveWorkflows {
			return &apperr.PlanLimitError{Metric: MetricActiveWorkflows, Used: active, Limit: *limits.MaxActiveWorkflows}
		}
	}
	return nil
}

func (s *WorkflowService) upsertPollingTrigger(ctx context.Context, w *model.Workflow, n model.Node, k *nodes.Kind) error {
	poller, err := s.pollers.Get(k.Name)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidGraph, err, "trigger %q", n.DisplayName())
	}
	cfg, err := k.Schema.Prepare(n.Config)
	if err != nil {
		return err
	}
	now := s.now()
	initial := poller.InitialWatermark(now)
	return s.triggers.Upsert(ctx, &model.PollingTrigger{
		WorkflowID:          w.ID,
		UserID:              w.UserID,
		TriggerType:         k.Name,
		Config:              cfg,
		Watermark:           &initial,
		PollIntervalSeconds: nodes.PollInterval(cfg),
		NextPollAt:          now,
		Enabled:             true,
	})
}

// Pause moves an active workflow to paused and stops its polling.
func (s *WorkflowService) Pause(ctx context.Context, userID, id string) (*model.Workflow, error) {
	if _, err := s.GetForUser(ctx, userID, id); err != nil {
		return nil, err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		model.WorkflowPaused, id, model.WorkflowActive,
	)
	if err != nil {
		return nil, fmt.Errorf("pause workflow %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.New(apperr.KindInvalidTransition, "workflow %s is not active", id)
	}
	if err := s.triggers.DisableForWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Archive retires a workflow from any status.
func (s *WorkflowService) Archive(ctx context.Context, userID, id string) (*model.Workflow, error) {
	w, err := s.GetForUser(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if w.Status == model.WorkflowArchived {
		return w, nil
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE workflows SET status = $1, updated_at = now() WHERE id = $2`,
		model.WorkflowArchived, id,
	); err != nil {
		return nil, fmt.Errorf("archive workflow %s: %w", id, err)
	}
	if err := s.triggers.DisableForWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}
