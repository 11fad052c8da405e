// Package poller runs due polling triggers through their integration
// adapters and fires executions for new data.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/integration"
	"github.com/edvin/autoflow/internal/intake"
	"github.com/edvin/autoflow/internal/metrics"
	"github.com/edvin/autoflow/internal/model"
)

// Poll outcomes reported in metrics and results.
const (
	ResultNewData = "new_data"
	ResultNoData  = "no_data"
	ResultError   = "error"
)

const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 8
)

// TriggerStore is the persisted polling trigger state.
type TriggerStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.PollingTrigger, error)
	AdvanceWatermark(ctx context.Context, id string, watermark *string, nextPollAt time.Time) error
	Reschedule(ctx context.Context, id string, nextPollAt time.Time) error
	RecordFailure(ctx context.Context, id, message string, nextPollAt time.Time) error
}

type WorkflowSource interface {
	Get(ctx context.Context, id string) (*model.Workflow, error)
}

type Submitter interface {
	Submit(ctx context.Context, fire intake.Fire) (*model.Execution, error)
}

type Config struct {
	BatchSize   int
	Concurrency int
}

// Outcome is the result of polling one trigger.
type Outcome struct {
	TriggerID   string `json:"trigger_id"`
	WorkflowID  string `json:"workflow_id"`
	TriggerType string `json:"trigger_type"`
	Result      string `json:"result"`
	Items       int    `json:"items,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

type Result struct {
	Polled   int       `json:"polled"`
	Fired    int       `json:"fired"`
	Failed   int       `json:"failed"`
	Outcomes []Outcome `json:"outcomes"`
}

type Executor struct {
	triggers  TriggerStore
	workflows WorkflowSource
	pollers   integration.Pollers
	intake    Submitter
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

func New(triggers TriggerStore, workflows WorkflowSource, pollers integration.Pollers, intake Submitter, cfg Config, logger zerolog.Logger) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Executor{
		triggers:  triggers,
		workflows: workflows,
		pollers:   pollers,
		intake:    intake,
		cfg:       cfg,
		logger:    logger.With().Str("component", "poll-executor").Logger(),
		now:       time.Now,
	}
}

// RunDue polls every due trigger once. A failing trigger never affects the
// others; only failing to list the due set fails the run.
func (e *Executor) RunDue(ctx context.Context) (*Result, error) {
	now := e.now().UTC()
	due, err := e.triggers.ListDue(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	res := &Result{Polled: len(due), Outcomes: make([]Outcome, len(due))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, t := range due {
		g.Go(func() error {
			out := e.PollOne(gctx, t)
			mu.Lock()
			res.Outcomes[i] = out
			switch out.Result {
			case ResultError:
				res.Failed++
			case ResultNewData:
				if out.ExecutionID != "" {
					res.Fired++
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info().Int("polled", res.Polled).Int("fired", res.Fired).Int("failed", res.Failed).Msg("poll run complete")
	return res, nil
}

// PollOne polls a single trigger and applies the outcome to its state.
// New data fires the workflow before the watermark moves, so a crash in
// between re-delivers the window instead of dropping it.
func (e *Executor) PollOne(ctx context.Context, t model.PollingTrigger) Outcome {
	out := Outcome{TriggerID: t.ID, WorkflowID: t.WorkflowID, TriggerType: t.TriggerType}
	log := e.logger.With().Str("trigger_id", t.ID).Str("workflow_id", t.WorkflowID).Str("trigger_type", t.TriggerType).Logger()
	next := e.now().UTC().Add(time.Duration(interval(t)) * time.Second)

	fail := func(err error, msg string) Outcome {
		log.Warn().Err(err).Str("kind", string(apperr.KindOf(err))).Msg(msg)
		out.Result = ResultError
		out.Error = apperr.UserMessage(err)
		metrics.PollsTotal.WithLabelValues(t.TriggerType, ResultError).Inc()
		if rerr := e.triggers.RecordFailure(ctx, t.ID, out.Error, next); rerr != nil {
			log.Error().Err(rerr).Msg("record poll failure")
		}
		return out
	}

	adapter, err := e.pollers.Get(t.TriggerType)
	if err != nil {
		return fail(apperr.Wrap(apperr.KindConfiguration, err, "trigger %s", t.ID), "no poll adapter")
	}
	result, err := adapter.Poll(ctx, t.UserID, t.Config, t.Watermark)
	if err != nil {
		return fail(err, "poll failed")
	}

	if !result.HasNewData {
		out.Result = ResultNoData
		metrics.PollsTotal.WithLabelValues(t.TriggerType, ResultNoData).Inc()
		if err := e.triggers.Reschedule(ctx, t.ID, next); err != nil {
			log.Error().Err(err).Msg("reschedule polling trigger")
		}
		return out
	}

	w, err := e.workflows.Get(ctx, t.WorkflowID)
	if err != nil {
		return fail(err, "load workflow for poll fire")
	}
	exec, err := e.intake.Submit(ctx, model.PollFire{
		WorkflowID:   w.ID,
		UserID:       w.UserID,
		Graph:        w.Graph,
		TriggerType:  t.TriggerType,
		NewData:      result.NewData,
		NewWatermark: result.NewWatermark,
	})
	if err != nil {
		// A record that failed to dispatch holds the items but never runs
		// them; keeping the watermark re-delivers the window next poll.
		if exec != nil {
			out.ExecutionID = exec.ID
			log = log.With().Str("execution_id", exec.ID).Logger()
		}
		return fail(err, "submit poll execution")
	}

	out.Result = ResultNewData
	out.Items = len(result.NewData)
	out.ExecutionID = exec.ID
	metrics.PollsTotal.WithLabelValues(t.TriggerType, ResultNewData).Inc()
	if err := e.triggers.AdvanceWatermark(ctx, t.ID, result.NewWatermark, next); err != nil {
		log.Error().Err(err).Msg("advance watermark")
	}
	log.Info().Int("items", out.Items).Str("execution_id", exec.ID).Msg("polling trigger fired")
	return out
}

func interval(t model.PollingTrigger) int {
	if t.PollIntervalSeconds < model.DefaultPollIntervalSeconds {
		return model.DefaultPollIntervalSeconds
	}
	return t.PollIntervalSeconds
}
