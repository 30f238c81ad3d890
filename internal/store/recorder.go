package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/observation"
)

// Estimate is a stored snapshot.
type Estimate struct {
	ID               int64      `json:"id"`
	RunID            string     `json:"run_id"`
	TimeUs           uint64     `json:"time_us"`
	Pose             geom.Pose2 `json:"pose"`
	Sigma            geom.Noise `json:"sigma"`
	Covariance       [9]float64 `json:"covariance"`
	OdometryCount    int        `json:"odometry_count"`
	VisionCount      int        `json:"vision_count"`
	TagUpdates       int        `json:"tag_updates"`
	RejectedTags     int        `json:"rejected_tags"`
	UnknownTags      int        `json:"unknown_tags"`
	LayoutGeneration uint64     `json:"layout_generation"`
}

// Recorder buffers snapshots for one run and writes them in a single
// transaction on Flush.
type Recorder struct {
	db    *DB
	runID string

	mu      sync.Mutex
	pending []observation.Snapshot
	written int64
}

// NewRecorder records into runID, which must already exist.
func NewRecorder(db *DB, runID string) *Recorder {
	return &Recorder{db: db, runID: runID}
}

func (r *Recorder) Name() string { return "sqlite" }

// Write buffers snap until the next Flush.
func (r *Recorder) Write(snap observation.Snapshot) error {
	r.mu.Lock()
	r.pending = append(r.pending, snap)
	r.mu.Unlock()
	return nil
}

// Flush commits everything buffered. On failure the batch is kept and
// retried on the next Flush.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin estimate batch: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO pose_estimates (
			run_id, time_us, x, y, theta, sigma_x, sigma_y, sigma_theta, covariance_json,
			odometry_count, vision_count, tag_updates, rejected_tags, unknown_tags, layout_generation
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare estimate insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range r.pending {
		cov, err := json.Marshal(s.Covariance)
		if err != nil {
			tx.Rollback()
			return err
		}
		sigma := s.Sigma()
		if _, err := stmt.Exec(
			r.runID, int64(s.TimeUs), s.Pose.X, s.Pose.Y, s.Pose.Theta,
			sigma.X, sigma.Y, sigma.Theta, string(cov),
			s.OdometryCount, s.VisionCount, s.TagUpdates, s.RejectedTags, s.UnknownTags,
			int64(s.LayoutGeneration),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert estimate at t=%dus: %w", s.TimeUs, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit estimate batch: %w", err)
	}
	r.written += int64(len(r.pending))
	r.pending = r.pending[:0]
	return nil
}

// Written is the number of estimates committed so far.
func (r *Recorder) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// RecentEstimates returns up to limit estimates for runID, oldest first.
func (db *DB) RecentEstimates(runID string, limit int) ([]Estimate, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(`
		SELECT estimate_id, run_id, time_us, x, y, theta, sigma_x, sigma_y, sigma_theta,
			covariance_json, odometry_count, vision_count, tag_updates, rejected_tags,
			unknown_tags, layout_generation
		FROM (
			SELECT * FROM pose_estimates WHERE run_id = ? ORDER BY time_us DESC, estimate_id DESC LIMIT ?
		)
		ORDER BY time_us ASC, estimate_id ASC`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Estimate
	for rows.Next() {
		var (
			e       Estimate
			timeUs  int64
			gen     int64
			covJSON string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &timeUs, &e.Pose.X, &e.Pose.Y, &e.Pose.Theta,
			&e.Sigma.X, &e.Sigma.Y, &e.Sigma.Theta, &covJSON, &e.OdometryCount, &e.VisionCount,
			&e.TagUpdates, &e.RejectedTags, &e.UnknownTags, &gen); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(covJSON), &e.Covariance); err != nil {
			return nil, fmt.Errorf("estimate %d has a malformed covariance: %w", e.ID, err)
		}
		e.TimeUs = uint64(timeUs)
		e.LayoutGeneration = uint64(gen)
		out = append(out, e)
	}
	return out, rows.Err()
}
