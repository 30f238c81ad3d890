package monitor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/taglocalizer/internal/fusion"
	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/observation"
	"github.com/banshee-data/taglocalizer/internal/tagmodel"
)

const layoutJSON = `{
  "tags": [
    {"ID": 1, "pose": {"translation": {"x": 5.0, "y": 0.5, "z": 1.0},
      "rotation": {"quaternion": {"W": 0.0, "X": 0.0, "Y": 0.0, "Z": 1.0}}}},
    {"ID": 2, "pose": {"translation": {"x": 5.0, "y": 2.5, "z": 1.0},
      "rotation": {"quaternion": {"W": 0.0, "X": 0.0, "Y": 0.0, "Z": 1.0}}}}
  ],
  "field": {"length": 8, "width": 4}
}`

type fakeRunner struct{ status fusion.Status }

func (f fakeRunner) Status() fusion.Status { return f.status }

func newTestServer(t *testing.T, n int) (*Server, *http.ServeMux) {
	t.Helper()
	layout, err := tagmodel.ParseLayout([]byte(layoutJSON), "json")
	require.NoError(t, err)
	model := tagmodel.NewModel()
	model.SetLayout(layout)

	traj := NewTrajectory(100)
	for i := 1; i <= n; i++ {
		traj.Write(observation.Snapshot{
			TimeUs:     uint64(i * 10000),
			Pose:       geom.Pose2{X: 0.1 * float64(i), Y: 1},
			Covariance: [9]float64{0.01, 0, 0, 0, 0.01, 0, 0, 0, 0.01},
		})
	}
	s := NewServer(fakeRunner{fusion.Status{Cycle: 42, Guess: "HasGuess"}}, model, traj)
	mux := http.NewServeMux()
	s.AttachRoutes(mux)
	return s, mux
}

func get(mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestTrajectory_RingBuffer(t *testing.T) {
	traj := NewTrajectory(3)
	assert.Empty(t, traj.Snapshots())
	for i := 1; i <= 5; i++ {
		traj.Write(observation.Snapshot{TimeUs: uint64(i)})
	}
	var got []uint64
	for _, s := range traj.Snapshots() {
		got = append(got, s.TimeUs)
	}
	assert.Equal(t, []uint64{3, 4, 5}, got)
	assert.Equal(t, uint64(5), traj.Total())
	assert.NoError(t, traj.Flush())
}

func TestStatus(t *testing.T) {
	s, mux := newTestServer(t, 3)
	s.AddSection("cameras", func() any { return []string{"front"} })

	rec := get(mux, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Runner   fusion.Status        `json:"runner"`
		Layout   map[string]float64   `json:"layout"`
		Estimate observation.Snapshot `json:"estimate"`
		Cameras  []string             `json:"cameras"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, uint64(42), resp.Runner.Cycle)
	assert.Equal(t, 2.0, resp.Layout["tags"])
	assert.Equal(t, uint64(30000), resp.Estimate.TimeUs)
	assert.Equal(t, []string{"front"}, resp.Cameras)

	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTrajectoryJSON_Limit(t *testing.T) {
	_, mux := newTestServer(t, 10)
	rec := get(mux, "/api/trajectory?limit=4")
	require.Equal(t, http.StatusOK, rec.Code)
	var pts []trajectoryPoint
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pts))
	require.Len(t, pts, 4)
	assert.Equal(t, uint64(70000), pts[0].TimeUs)
	assert.InDelta(t, 0.1, pts[0].Sigma.X, 1e-12)
}

func TestTrajectoryChart(t *testing.T) {
	_, mux := newTestServer(t, 5)
	rec := get(mux, "/debug/trajectory")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "Tag localizer trajectory")
	assert.Contains(t, body, "Estimated trajectory")
}

func TestTrajectoryPNG(t *testing.T) {
	for _, n := range []int{0, 5} {
		_, mux := newTestServer(t, n)
		rec := get(mux, "/debug/trajectory.png")
		require.Equal(t, http.StatusOK, rec.Code, "n=%d", n)
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")), "n=%d: not a PNG", n)
	}
}

func TestDebugRequiresLocalAccess(t *testing.T) {
	_, mux := newTestServer(t, 1)
	req := httptest.NewRequest(http.MethodGet, "/debug/trajectory", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, mux := newTestServer(t, 0)
	rec := get(mux, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
