// Package ledger meters per-user usage within rolling billing periods and
// enforces plan limits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/db"
	"github.com/edvin/autoflow/internal/metrics"
	"github.com/edvin/autoflow/internal/model"
)

type Ledger struct {
	db     db.DB
	plans  *Catalog
	logger zerolog.Logger
	now    func() time.Time
}

func New(db db.DB, plans *Catalog, logger zerolog.Logger) *Ledger {
	return &Ledger{
		db:     db,
		plans:  plans,
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    time.Now,
	}
}

// Usage is a snapshot of one user's consumption in the active period.
type Usage struct {
	PlanID string              `json:"plan_id"`
	Period model.BillingPeriod `json:"period"`
	Limits model.PlanLimits    `json:"limits"`
	Used   map[string]int64    `json:"used"`
}

// PeriodBounds returns the rolling one-month period containing now for a
// user whose first period started at anchor.
func PeriodBounds(anchor, now time.Time) (time.Time, time.Time) {
	anchor = anchor.UTC()
	now = now.UTC()
	months := (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
	for anchor.AddDate(0, months, 0).After(now) {
		months--
	}
	for !anchor.AddDate(0, months+1, 0).After(now) {
		months++
	}
	return anchor.AddDate(0, months, 0), anchor.AddDate(0, months+1, 0)
}

// GetOrCreateActivePeriod returns the user's active period containing now,
// creating it when none exists. A user's first period starts at now; later
// periods roll monthly from that anchor.
func (l *Ledger) GetOrCreateActivePeriod(ctx context.Context, userID string, now time.Time) (*model.BillingPeriod, error) {
	p, err := l.activePeriod(ctx, userID, now)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var anchor *time.Time
	if err := l.db.QueryRow(ctx,
		`SELECT MIN(period_start) FROM billing_periods WHERE user_id = $1`, userID,
	).Scan(&anchor); err != nil {
		return nil, fmt.Errorf("get period anchor for %s: %w", userID, err)
	}

	start, end := now.UTC(), now.UTC().AddDate(0, 1, 0)
	if anchor != nil {
		start, end = PeriodBounds(*anchor, now)
	}

	if _, err := l.db.Exec(ctx,
		`UPDATE billing_periods SET status = $1 WHERE user_id = $2 AND status = $3 AND period_end <= $4`,
		model.PeriodClosed, userID, model.PeriodActive, now,
	); err != nil {
		return nil, fmt.Errorf("close expired periods for %s: %w", userID, err)
	}

	// A concurrent creator computes the same start, so a conflict means the
	// period already exists.
	if _, err := l.db.Exec(ctx,
		`INSERT INTO billing_periods (id, user_id, period_start, period_end, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, now()) ON CONFLICT DO NOTHING`,
		uuid.New().String(), userID, start, end, model.PeriodActive,
	); err != nil {
		return nil, fmt.Errorf("create billing period for %s: %w", userID, err)
	}

	p, err = l.activePeriod(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("load created billing period for %s: %w", userID, err)
	}
	return p, nil
}

func (l *Ledger) activePeriod(ctx context.Context, userID string, now time.Time) (*model.BillingPeriod, error) {
	var p model.BillingPeriod
	err := l.db.QueryRow(ctx,
		`SELECT id, user_id, period_start, period_end, status FROM billing_periods
		 WHERE user_id = $1 AND status = $2 AND period_start <= $3 AND period_end > $3`,
		userID, model.PeriodActive, now,
	).Scan(&p.ID, &p.UserID, &p.PeriodStart, &p.PeriodEnd, &p.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get active period for %s: %w", userID, err)
	}
	return &p, nil
}

// IncrementUsage appends a usage event and adds amount to the period counter.
// The counter update is a single atomic upsert so concurrent increments are
// never lost. The event is written first: a retry after a partial failure
// may double-count but never under-counts.
func (l *Ledger) IncrementUsage(ctx context.Context, userID, metric string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("increment %s by negative amount %d", metric, amount)
	}
	if amount == 0 {
		return nil
	}

	period, err := l.GetOrCreateActivePeriod(ctx, userID, l.now())
	if err != nil {
		return err
	}

	if _, err := l.db.Exec(ctx,
		`INSERT INTO usage_events (id, user_id, period_id, metric, amount, created_at) VALUES ($1, $2, $3, $4, $5, now())`,
		uuid.New().String(), userID, period.ID, metric, amount,
	); err != nil {
		return fmt.Errorf("append usage event: %w", err)
	}

	if _, err := l.db.Exec(ctx,
		`INSERT INTO usage_counters (user_id, period_id, metric, value, updated_at) VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (user_id, period_id, metric) DO UPDATE SET value = usage_counters.value + EXCLUDED.value, updated_at = now()`,
		userID, period.ID, metric, amount,
	); err != nil {
		return fmt.Errorf("increment usage counter: %w", err)
	}

	metrics.UsageIncrementsTotal.WithLabelValues(metric).Add(float64(amount))
	return nil
}

// Used returns the counter value of metric in the user's active period.
func (l *Ledger) Used(ctx context.Context, userID, metric string) (int64, error) {
	period, err := l.GetOrCreateActivePeriod(ctx, userID, l.now())
	if err != nil {
		return 0, err
	}
	return l.counter(ctx, userID, period.ID, metric)
}

func (l *Ledger) counter(ctx context.Context, userID, periodID, metric string) (int64, error) {
	var value int64
	err := l.db.QueryRow(ctx,
		`SELECT value FROM usage_counters WHERE user_id = $1 AND period_id = $2 AND metric = $3`,
		userID, periodID, metric,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s usage for %s: %w", metric, userID, err)
	}
	return value, nil
}

// PlanID returns the user's plan, defaulting to the free plan.
func (l *Ledger) PlanID(ctx context.Context, userID string) (string, error) {
	var planID string
	err := l.db.QueryRow(ctx, `SELECT plan_id FROM user_plans WHERE user_id = $1`, userID).Scan(&planID)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultPlanID, nil
	}
	if err != nil {
		return "", fmt.Errorf("get plan for %s: %w", userID, err)
	}
	return planID, nil
}

// GetPlanLimits returns the limits of the user's current plan.
func (l *Ledger) GetPlanLimits(ctx context.Context, userID string) (model.PlanLimits, error) {
	planID, err := l.PlanID(ctx, userID)
	if err != nil {
		return model.PlanLimits{}, err
	}
	return l.plans.GetPlanLimits(planID)
}

// AssertWithinLimit fails with *apperr.PlanLimitError when the user's usage
// of metric has reached the plan's limit. A nil limit is unlimited.
func (l *Ledger) AssertWithinLimit(ctx context.Context, userID, planID, metric string) error {
	limits, err := l.plans.GetPlanLimits(planID)
	if err != nil {
		return err
	}
	limit := limits.Limit(metric)
	if limit == nil {
		return nil
	}

	used, err := l.Used(ctx, userID, metric)
	if err != nil {
		return err
	}
	if used >= *limit {
		return &apperr.PlanLimitError{Metric: metric, Used: used, Limit: *limit}
	}
	return nil
}

// CheckAdmission resolves the user's plan and asserts metric is within it.
func (l *Ledger) CheckAdmission(ctx context.Context, userID, metric string) error {
	planID, err := l.PlanID(ctx, userID)
	if err != nil {
		return err
	}
	return l.AssertWithinLimit(ctx, userID, planID, metric)
}

// Snapshot reports the user's plan, active period and counters.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (*Usage, error) {
	planID, err := l.PlanID(ctx, userID)
	if err != nil {
		return nil, err
	}
	limits, err := l.plans.GetPlanLimits(planID)
	if err != nil {
		return nil, err
	}
	period, err := l.GetOrCreateActivePeriod(ctx, userID, l.now())
	if err != nil {
		return nil, err
	}

	u := &Usage{PlanID: planID, Period: *period, Limits: limits, Used: map[string]int64{}}
	for _, metric := range []string{model.MetricExecutions, model.MetricCredits} {
		v, err := l.counter(ctx, userID, period.ID, metric)
		if err != nil {
			return nil, err
		}
		u.Used[metric] = v
	}
	return u, nil
}
