package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run is one process lifetime of the localizer.
type Run struct {
	ID         string     `json:"run_id"`
	ConfigPath string     `json:"config_path"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitReason string     `json:"exit_reason,omitempty"`
}

// StartRun inserts a new run with a random id.
func (db *DB) StartRun(configPath string, now time.Time) (*Run, error) {
	run := &Run{ID: uuid.NewString(), ConfigPath: configPath, StartedAt: now}
	_, err := db.Exec(`INSERT INTO runs (run_id, config_path, started_us) VALUES (?, ?, ?)`,
		run.ID, run.ConfigPath, now.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	return run, nil
}

// FinishRun records why a run ended.
func (db *DB) FinishRun(id, reason string, now time.Time) error {
	res, err := db.Exec(`UPDATE runs SET finished_us = ?, exit_reason = ? WHERE run_id = ?`,
		now.UnixMicro(), reason, id)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT run_id, config_path, started_us, finished_us, exit_reason
		FROM runs
		ORDER BY started_us DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
			reason   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ConfigPath, &started, &finished, &reason); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMicro(started).UTC()
		if finished.Valid {
			t := time.UnixMicro(finished.Int64).UTC()
			r.FinishedAt = &t
		}
		r.ExitReason = reason.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
