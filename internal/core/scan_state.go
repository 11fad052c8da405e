package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/autoflow/internal/db"
)

// ScheduleScanState names the scan_state row of the schedule scanner.
const ScheduleScanState = "schedule-scan"

// ScanStateService stores the instant of the last successful scan.
type ScanStateService struct {
	db db.DB
}

func NewScanStateService(db db.DB) *ScanStateService {
	return &ScanStateService{db: db}
}

// LastScan returns the last recorded scan instant, or nil if none.
func (s *ScanStateService) LastScan(ctx context.Context, name string) (*time.Time, error) {
	var at time.Time
	err := s.db.QueryRow(ctx, `SELECT last_scan_at FROM scan_state WHERE name = $1`, name).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan state %s: %w", name, err)
	}
	return &at, nil
}

// RecordScan stores at, never moving the watermark backwards.
func (s *ScanStateService) RecordScan(ctx context.Context, name string, at time.Time) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO scan_state (name, last_scan_at) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET last_scan_at = GREATEST(scan_state.last_scan_at, EXCLUDED.last_scan_at)`,
		name, at,
	); err != nil {
		return fmt.Errorf("record scan state %s: %w", name, err)
	}
	return nil
}
