// Package cronexpr evaluates standard five-field cron expressions in an IANA
// timezone.
package cronexpr

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/edvin/autoflow/internal/apperr"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextFireAfter returns the first instant strictly after ref at which expr
// fires, evaluated in timezone. An empty timezone means UTC.
func NextFireAfter(expr, timezone string, ref time.Time) (time.Time, error) {
	schedule, loc, err := Parse(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}

	next := schedule.Next(ref.In(loc))
	if next.IsZero() {
		return time.Time{}, apperr.New(apperr.KindInvalidCron, "cron expression %q never fires", expr)
	}
	return next, nil
}

// Parse validates expr and resolves timezone.
func Parse(expr, timezone string) (cron.Schedule, *time.Location, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, nil, apperr.New(apperr.KindInvalidCron, "cron expression is empty")
	}
	// Timezones are passed separately; an inline prefix would silently override them.
	if strings.HasPrefix(raw, "TZ=") || strings.HasPrefix(raw, "CRON_TZ=") {
		return nil, nil, apperr.New(apperr.KindInvalidCron, "cron expression %q must not embed a timezone", expr)
	}

	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.KindInvalidCron, err, "invalid timezone %q", timezone)
		}
		loc = l
	}

	schedule, err := parser.Parse(raw)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInvalidCron, err, "invalid cron expression %q", expr)
	}
	return schedule, loc, nil
}
