// Package scheduler finds scheduled workflows whose cron fire instant fell
// inside the window since the last scan and submits them for execution.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/autoflow/internal/core"
	"github.com/edvin/autoflow/internal/cronexpr"
	"github.com/edvin/autoflow/internal/intake"
	"github.com/edvin/autoflow/internal/metrics"
	"github.com/edvin/autoflow/internal/model"
	"github.com/edvin/autoflow/internal/nodes"
)

// Defaults for the scan window.
const (
	DefaultInterval          = 60 * time.Second
	DefaultMaxLookback       = 10 * time.Minute
	DefaultIdempotencyWindow = 120 * time.Second
)

// Skip reasons reported in the skipped metric.
const (
	SkipInvalidCron = "invalid_cron"
	SkipRecentRun   = "recent_run"
	SkipNoTrigger   = "no_trigger"
)

type WorkflowSource interface {
	ListActiveScheduled(ctx context.Context) ([]model.Workflow, error)
}

type RunHistory interface {
	HasRecentScheduledRun(ctx context.Context, workflowID string, since time.Time) (bool, error)
}

type ScanState interface {
	LastScan(ctx context.Context, name string) (*time.Time, error)
	RecordScan(ctx context.Context, name string, at time.Time) error
}

type Submitter interface {
	Submit(ctx context.Context, fire intake.Fire) (*model.Execution, error)
}

type Config struct {
	// Interval is the expected cadence of the external timer and the
	// window used when no previous scan is recorded.
	Interval time.Duration
	// MaxLookback bounds how far back a scan reaches after an outage.
	MaxLookback       time.Duration
	IdempotencyWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxLookback < c.Interval {
		c.MaxLookback = DefaultMaxLookback
		if c.MaxLookback < c.Interval {
			c.MaxLookback = c.Interval
		}
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = DefaultIdempotencyWindow
	}
	return c
}

// Result summarizes one scan pass.
type Result struct {
	WindowStart    time.Time `json:"window_start"`
	ScannedAt      time.Time `json:"scanned_at"`
	Scanned        int       `json:"scanned"`
	Due            int       `json:"due"`
	Fired          int       `json:"fired"`
	SkippedRecent  int       `json:"skipped_recent"`
	SkippedInvalid int       `json:"skipped_invalid"`
	Failed         int       `json:"failed"`
	ExecutionIDs   []string  `json:"execution_ids"`
}

type Scanner struct {
	workflows WorkflowSource
	history   RunHistory
	state     ScanState
	intake    Submitter
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

func New(workflows WorkflowSource, history RunHistory, state ScanState, intake Submitter, cfg Config, logger zerolog.Logger) *Scanner {
	return &Scanner{
		workflows: workflows,
		history:   history,
		state:     state,
		intake:    intake,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "schedule-scanner").Logger(),
		now:       time.Now,
	}
}

// WindowStart returns the exclusive lower bound of the due window: the last
// successful scan, clamped to MaxLookback, or now minus Interval when no
// scan has been recorded.
func (s *Scanner) WindowStart(last *time.Time, now time.Time) time.Time {
	if last == nil {
		return now.Add(-s.cfg.Interval)
	}
	floor := now.Add(-s.cfg.MaxLookback)
	if last.Before(floor) {
		return floor
	}
	return *last
}

// Scan runs one pass. Per-workflow problems are logged and counted; only a
// failure to load the workflow set or scan state fails the pass. The scan
// watermark advances only when every due workflow was submitted.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	now := s.now().UTC()
	last, err := s.state.LastScan(ctx, core.ScheduleScanState)
	if err != nil {
		return nil, err
	}
	workflows, err := s.workflows.ListActiveScheduled(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{WindowStart: s.WindowStart(last, now), ScannedAt: now, Scanned: len(workflows), ExecutionIDs: []string{}}
	for _, w := range workflows {
		s.scanOne(ctx, w, now, res)
	}

	if res.Failed == 0 {
		if err := s.state.RecordScan(ctx, core.ScheduleScanState, now); err != nil {
			return res, err
		}
	}

	s.logger.Info().
		Time("window_start", res.WindowStart).
		Int("scanned", res.Scanned).
		Int("due", res.Due).
		Int("fired", res.Fired).
		Int("skipped_recent", res.SkippedRecent).
		Int("skipped_invalid", res.SkippedInvalid).
		Int("failed", res.Failed).
		Msg("schedule scan complete")
	return res, nil
}

func (s *Scanner) scanOne(ctx context.Context, w model.Workflow, now time.Time, res *Result) {
	log := s.logger.With().Str("workflow_id", w.ID).Logger()

	trigger, ok := scheduledTrigger(w.Graph)
	if !ok {
		metrics.ScheduleScanSkippedTotal.WithLabelValues(SkipNoTrigger).Inc()
		return
	}
	expr, tz := nodes.Schedule(trigger.Config)

	fireAt, err := cronexpr.NextFireAfter(expr, tz, res.WindowStart)
	if err != nil {
		log.Warn().Err(err).Str("cron", expr).Str("timezone", tz).Msg("skipping workflow with invalid schedule")
		res.SkippedInvalid++
		metrics.ScheduleScanSkippedTotal.WithLabelValues(SkipInvalidCron).Inc()
		return
	}
	if fireAt.After(now) {
		return
	}
	res.Due++
	metrics.ScheduleScanDueTotal.Inc()

	recent, err := s.history.HasRecentScheduledRun(ctx, w.ID, now.Add(-s.cfg.IdempotencyWindow))
	if err != nil {
		log.Error().Err(err).Msg("check recent scheduled runs")
		res.Failed++
		return
	}
	if recent {
		log.Debug().Msg("scheduled run already recorded inside idempotency window")
		res.SkippedRecent++
		metrics.ScheduleScanSkippedTotal.WithLabelValues(SkipRecentRun).Inc()
		return
	}

	e, err := s.intake.Submit(ctx, model.ScheduledFire{
		WorkflowID: w.ID,
		UserID:     w.UserID,
		Graph:      w.Graph,
		CronExpr:   expr,
		Timezone:   tz,
		FireAt:     fireAt,
	})
	if err != nil {
		if e == nil {
			log.Error().Err(err).Msg("submit scheduled execution")
			res.Failed++
			return
		}
		// The execution is recorded as failed; the fire is not retried.
		log.Error().Err(err).Str("execution_id", e.ID).Msg("scheduled execution could not be dispatched")
	}
	res.Fired++
	res.ExecutionIDs = append(res.ExecutionIDs, e.ID)
}

func scheduledTrigger(g model.Graph) (model.Node, bool) {
	for _, n := range g.Nodes {
		if n.Kind == nodes.ScheduledTimeTrigger {
			return n, true
		}
	}
	return model.Node{}, false
}
