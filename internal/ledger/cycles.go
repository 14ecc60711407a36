package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Cycle is the persisted record of one push.
type Cycle struct {
	RunID      string
	PushCount  int
	Final      bool
	StartedAt  time.Time
	FinishedAt time.Time
	Written    int
	Failed     int
	Error      string
}

// RecordCycle stores a finished push cycle. Retries of a failed push record the
// same run and push count again: written accumulates across attempts, while
// failed and error describe the latest attempt. The first start time is kept.
func (l *Ledger) RecordCycle(ctx context.Context, c Cycle) error {
	var errText sql.NullString
	if c.Error != "" {
		errText = sql.NullString{String: c.Error, Valid: true}
	}

	_, err := l.conn.ExecContext(ctx, `
		INSERT INTO push_cycles (run_id, push_count, final, started_at, finished_at, written, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, push_count) DO UPDATE SET
			final = excluded.final,
			finished_at = excluded.finished_at,
			written = push_cycles.written + excluded.written,
			failed = excluded.failed,
			error = excluded.error`,
		c.RunID, c.PushCount, boolToInt(c.Final),
		c.StartedAt.UTC().Format(timeFormat),
		c.FinishedAt.UTC().Format(timeFormat),
		c.Written, c.Failed, errText)
	if err != nil {
		return fmt.Errorf("failed to record push cycle %d: %w", c.PushCount, err)
	}
	return nil
}

// Cycles returns the most recent push cycles, newest first.
func (l *Ledger) Cycles(ctx context.Context, limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.conn.QueryContext(ctx, `
		SELECT run_id, push_count, final, started_at, finished_at, written, failed, error
		FROM push_cycles
		ORDER BY finished_at DESC, push_count DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query push cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		var (
			c                 Cycle
			final             int
			started, finished string
			errText           sql.NullString
		)
		if err := rows.Scan(&c.RunID, &c.PushCount, &final, &started, &finished, &c.Written, &c.Failed, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan push cycle: %w", err)
		}
		c.Final = final != 0
		c.StartedAt, _ = time.Parse(timeFormat, started)
		c.FinishedAt, _ = time.Parse(timeFormat, finished)
		c.Error = errText.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
