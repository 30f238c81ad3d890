package store

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/observation"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func snapshot(timeUs uint64, x float64) observation.Snapshot {
	return observation.Snapshot{
		TimeUs:           timeUs,
		Pose:             geom.Pose2{X: x, Y: 1, Theta: 0.5},
		Covariance:       [9]float64{0.04, 0, 0, 0, 0.09, 0, 0, 0, 0.01},
		OdometryCount:    3,
		VisionCount:      1,
		TagUpdates:       2,
		RejectedTags:     1,
		LayoutGeneration: 4,
	}
}

func TestOpen_MigratesToLatest(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	latest, err := LatestMigrationVersion()
	if err != nil {
		t.Fatalf("LatestMigrationVersion: %v", err)
	}
	if version != latest || dirty {
		t.Errorf("version = %d dirty=%v, want %d clean", version, dirty, latest)
	}

	// reopening is a no-op
	db2, err := Open(db.Path())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db2.Close()
}

func TestMigrateDownAndUp(t *testing.T) {
	db := openTestDB(t)
	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	version, _, _ := db.MigrateVersion()
	if version != 1 {
		t.Errorf("version after down = %d, want 1", version)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'pose_estimates'`).Scan(&n); err != nil || n != 0 {
		t.Errorf("pose_estimates should be dropped (n=%d err=%v)", n, err)
	}
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
}

func TestRuns(t *testing.T) {
	db := openTestDB(t)

	first, err := db.StartRun("config/a.json", t0)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	second, err := db.StartRun("config/b.json", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("run ids must be unique")
	}
	if err := db.FinishRun(first.ID, "stopped", t0.Add(30*time.Second)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := db.FinishRun("missing", "stopped", t0); err == nil {
		t.Error("FinishRun of an unknown run should fail")
	}

	runs, err := db.Runs(10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID {
		t.Fatalf("Runs = %+v, want newest first", runs)
	}
	if runs[1].FinishedAt == nil || !runs[1].FinishedAt.Equal(t0.Add(30*time.Second)) || runs[1].ExitReason != "stopped" {
		t.Errorf("finished run = %+v", runs[1])
	}
	if runs[0].FinishedAt != nil {
		t.Errorf("open run should have no finish time")
	}
}

func TestRecorder_BatchesUntilFlush(t *testing.T) {
	db := openTestDB(t)
	run, err := db.StartRun("config/sim.json", t0)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	rec := NewRecorder(db, run.ID)

	for i := 1; i <= 3; i++ {
		if err := rec.Write(snapshot(uint64(i*1000), float64(i))); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	got, err := db.RecentEstimates(run.ID, 10)
	if err != nil {
		t.Fatalf("RecentEstimates: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("rows visible before Flush: %d", len(got))
	}

	if err := rec.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := rec.Flush(); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	if rec.Written() != 3 {
		t.Errorf("Written = %d, want 3", rec.Written())
	}

	got, err = db.RecentEstimates(run.ID, 2)
	if err != nil {
		t.Fatalf("RecentEstimates: %v", err)
	}
	if len(got) != 2 || got[0].TimeUs != 2000 || got[1].TimeUs != 3000 {
		t.Fatalf("RecentEstimates(2) = %+v, want the last two oldest first", got)
	}
	e := got[1]
	if e.Pose.X != 3 || e.Pose.Theta != 0.5 || e.RunID != run.ID {
		t.Errorf("pose = %+v", e)
	}
	if math.Abs(e.Sigma.X-0.2) > 1e-12 || math.Abs(e.Sigma.Y-0.3) > 1e-12 {
		t.Errorf("sigma = %+v", e.Sigma)
	}
	if e.Covariance[4] != 0.09 || e.TagUpdates != 2 || e.RejectedTags != 1 || e.LayoutGeneration != 4 {
		t.Errorf("counters = %+v", e)
	}
}

func TestRecorder_UnknownRunFails(t *testing.T) {
	db := openTestDB(t)
	rec := NewRecorder(db, "no-such-run")
	rec.Write(snapshot(1, 0))
	if err := rec.Flush(); err == nil {
		t.Fatal("foreign key violation should fail the flush")
	}
	if rec.Written() != 0 {
		t.Errorf("Written = %d after failed flush", rec.Written())
	}
}

func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAdminRoutes(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.StartRun("config/sim.json", t0); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes: %v", err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/runs"))
	if rec.Code != http.StatusOK {
		t.Fatalf("runs status = %d body=%s", rec.Code, rec.Body.String())
	}
	var runs []Run
	if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil || len(runs) != 1 {
		t.Errorf("runs = %+v err=%v", runs, err)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/backup"))
	if rec.Code != http.StatusOK {
		t.Fatalf("backup status = %d body=%s", rec.Code, rec.Body.String())
	}
	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("backup is not gzip: %v", err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if len(data) < 16 || string(data[:15]) != "SQLite format 3" {
		t.Errorf("backup does not look like a SQLite file")
	}
}
