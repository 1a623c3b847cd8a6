// Package runlog keeps one row per producer run in SQLite.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// timeLayout has fixed width so started_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one recorded run.
type Entry struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producer_id"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Status        string        `json:"status"`
	ExitCode      int           `json:"exit_code"`
	StdoutBytes   int           `json:"stdout_bytes"`
	Stderr        string        `json:"stderr,omitempty"`
	UpdateOutcome string        `json:"update_outcome"`
}

// Log reads and writes the run_log table created by storage.BootstrapSQLite.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Log {
	return &Log{db: db, now: time.Now}
}

// Append records a finished run.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	var stderr sql.NullString
	if e.Stderr != "" {
		stderr = sql.NullString{String: e.Stderr, Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO run_log(
  id, producer_id, started_at, duration_ms, status, exit_code, stdout_bytes, stderr, update_outcome
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.ProducerID, e.StartedAt.UTC().Format(timeLayout), e.Duration.Milliseconds(),
		e.Status, e.ExitCode, e.StdoutBytes, stderr, e.UpdateOutcome)
	if err != nil {
		return fmt.Errorf("insert run_log: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first. An empty producerID
// returns runs of every producer.
func (l *Log) Recent(ctx context.Context, producerID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
SELECT id, producer_id, started_at, duration_ms, status, exit_code, stdout_bytes, stderr, update_outcome
FROM run_log`
	args := []any{}
	if producerID != "" {
		query += " WHERE producer_id = ?"
		args = append(args, producerID)
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run_log: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			startedAt  string
			durationMS int64
			stderr     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ProducerID, &startedAt, &durationMS, &e.Status,
			&e.ExitCode, &e.StdoutBytes, &stderr, &e.UpdateOutcome); err != nil {
			return nil, fmt.Errorf("scan run_log: %w", err)
		}
		e.StartedAt, err = time.Parse(timeLayout, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", startedAt, err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Stderr = stderr.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run_log: %w", err)
	}
	return out, nil
}

// Prune deletes runs that started more than retention ago and returns how
// many rows were removed.
func (l *Log) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := l.now().Add(-retention).UTC().Format(timeLayout)
	res, err := l.db.ExecContext(ctx, "DELETE FROM run_log WHERE started_at < ?;", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune run_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
