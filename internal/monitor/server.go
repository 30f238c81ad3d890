// Package monitor serves the localizer's HTTP status and debug views.
package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"tailscale.com/tsweb"

	"github.com/banshee-data/taglocalizer/internal/fusion"
	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/httputil"
	"github.com/banshee-data/taglocalizer/internal/observation"
	"github.com/banshee-data/taglocalizer/internal/tagmodel"
)

// RunnerStatus is satisfied by *fusion.Runner.
type RunnerStatus interface {
	Status() fusion.Status
}

// LayoutSource is satisfied by *tagmodel.Model.
type LayoutSource interface {
	Layout() *tagmodel.Layout
	Generation() uint64
}

// Server renders status and trajectory views.
type Server struct {
	runner     RunnerStatus
	layout     LayoutSource
	trajectory *Trajectory
	sections   map[string]func() any
	order      []string
}

func NewServer(runner RunnerStatus, layout LayoutSource, trajectory *Trajectory) *Server {
	return &Server{
		runner:     runner,
		layout:     layout,
		trajectory: trajectory,
		sections:   make(map[string]func() any),
	}
}

// AddSection adds a named block to /api/status, produced by fn on each
// request.
func (s *Server) AddSection(name string, fn func() any) {
	if _, ok := s.sections[name]; !ok {
		s.order = append(s.order, name)
	}
	s.sections[name] = fn
}

// AttachRoutes registers the public API, /metrics and the localhost-only
// debug charts.
func (s *Server) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/trajectory", s.handleTrajectoryJSON)
	mux.Handle("/metrics", promhttp.Handler())

	debug := tsweb.Debugger(mux)
	debug.HandleFunc("trajectory", "Estimated trajectory over the tag layout", s.handleTrajectoryChart)
	debug.HandleSilentFunc("trajectory.png", s.handleTrajectoryPNG)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := map[string]any{}
	if s.runner != nil {
		resp["runner"] = s.runner.Status()
	}
	if s.layout != nil {
		tags := 0
		if l := s.layout.Layout(); l != nil {
			tags = len(l.Tags)
		}
		resp["layout"] = map[string]any{"generation": s.layout.Generation(), "tags": tags}
	}
	if s.trajectory != nil {
		snaps := s.trajectory.Snapshots()
		if len(snaps) > 0 {
			last := snaps[len(snaps)-1]
			resp["estimate"] = last
			resp["sigma"] = last.Sigma()
		}
	}
	for _, name := range s.order {
		resp[name] = s.sections[name]()
	}
	httputil.WriteJSONOK(w, resp)
}

type trajectoryPoint struct {
	TimeUs uint64     `json:"time_us"`
	Pose   geom.Pose2 `json:"pose"`
	Sigma  geom.Noise `json:"sigma"`
}

func (s *Server) handleTrajectoryJSON(w http.ResponseWriter, r *http.Request) {
	snaps := s.recent(r)
	points := make([]trajectoryPoint, 0, len(snaps))
	for _, snap := range snaps {
		points = append(points, trajectoryPoint{TimeUs: snap.TimeUs, Pose: snap.Pose, Sigma: snap.Sigma()})
	}
	httputil.WriteJSONOK(w, points)
}

// recent honours an optional ?limit=N.
func (s *Server) recent(r *http.Request) []observation.Snapshot {
	if s.trajectory == nil {
		return nil
	}
	snaps := s.trajectory.Snapshots()
	if limit := httputil.QueryLimit(r); limit > 0 && limit < len(snaps) {
		snaps = snaps[len(snaps)-limit:]
	}
	return snaps
}

func (s *Server) tagPoses() []geom.Pose2 {
	if s.layout == nil || s.layout.Layout() == nil {
		return nil
	}
	var out []geom.Pose2
	for _, tag := range s.layout.Layout().Tags {
		out = append(out, tag.Pose.Planar())
	}
	return out
}

func (s *Server) fieldExtent() (float64, float64) {
	if s.layout != nil {
		if l := s.layout.Layout(); l != nil && l.Field.Length > 0 && l.Field.Width > 0 {
			return l.Field.Length, l.Field.Width
		}
	}
	return 0, 0
}

func (s *Server) handleTrajectoryChart(w http.ResponseWriter, r *http.Request) {
	snaps := s.recent(r)
	path := make([]opts.ScatterData, 0, len(snaps))
	for _, snap := range snaps {
		path = append(path, opts.ScatterData{Value: []interface{}{snap.Pose.X, snap.Pose.Y}})
	}
	tags := make([]opts.ScatterData, 0)
	for _, p := range s.tagPoses() {
		tags = append(tags, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
	}

	subtitle := fmt.Sprintf("estimates=%d tags=%d", len(path), len(tags))
	if len(snaps) > 0 {
		last := snaps[len(snaps)-1]
		subtitle += fmt.Sprintf(" latest=%v t=%dus", last.Pose, last.TimeUs)
	}

	xAxis := opts.XAxis{Name: "X (m)", NameLocation: "middle", NameGap: 25, Type: "value"}
	yAxis := opts.YAxis{Name: "Y (m)", NameLocation: "middle", NameGap: 30, Type: "value"}
	if length, width := s.fieldExtent(); length > 0 {
		xAxis.Min, xAxis.Max = 0, length
		yAxis.Min, yAxis.Max = 0, width
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tag localizer trajectory", Theme: "dark", Width: "1000px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Estimated trajectory", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(xAxis),
		charts.WithYAxisOpts(yAxis),
	)
	scatter.AddSeries("estimate", path, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	scatter.AddSeries("tags", tags, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleTrajectoryPNG(w http.ResponseWriter, r *http.Request) {
	p := plot.New()
	p.Title.Text = "Estimated trajectory"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	snaps := s.recent(r)
	if len(snaps) > 0 {
		pts := make(plotter.XYs, 0, len(snaps))
		for _, snap := range snaps {
			if math.IsNaN(snap.Pose.X) || math.IsNaN(snap.Pose.Y) {
				continue
			}
			pts = append(pts, plotter.XY{X: snap.Pose.X, Y: snap.Pose.Y})
		}
		if len(pts) > 0 {
			line, err := plotter.NewLine(pts)
			if err != nil {
				httputil.InternalServerError(w, fmt.Sprintf("failed to build trajectory: %v", err))
				return
			}
			line.Width = vg.Points(1)
			p.Add(line)
			p.Legend.Add("estimate", line)
		}
	}

	if tags := s.tagPoses(); len(tags) > 0 {
		pts := make(plotter.XYs, len(tags))
		for i, t := range tags {
			pts[i] = plotter.XY{X: t.X, Y: t.Y}
		}
		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to plot tags: %v", err))
			return
		}
		scatter.GlyphStyle.Shape = draw.SquareGlyph{}
		scatter.GlyphStyle.Radius = vg.Points(4)
		p.Add(scatter)
		p.Legend.Add("tags", scatter)
	}
	if length, width := s.fieldExtent(); length > 0 {
		p.X.Min, p.X.Max = 0, length
		p.Y.Min, p.Y.Max = 0, width
	}

	wt, err := p.WriterTo(10*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = wt.WriteTo(w)
}
