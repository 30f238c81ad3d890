package fusion

import (
	"errors"
	"fmt"

	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/observation"
	"github.com/banshee-data/taglocalizer/internal/tagmodel"
)

// fakeConfig hands out queued priors and layouts one per poll.
type fakeConfig struct {
	priors  []observation.PosePrior
	layouts []*tagmodel.Layout
}

func (c *fakeConfig) NewTagLayout() (*tagmodel.Layout, bool) {
	if len(c.layouts) == 0 {
		return nil, false
	}
	l := c.layouts[0]
	c.layouts = c.layouts[1:]
	return l, true
}

func (c *fakeConfig) NewPosePrior() (observation.PosePrior, bool) {
	if len(c.priors) == 0 {
		return observation.PosePrior{}, false
	}
	p := c.priors[0]
	c.priors = c.priors[1:]
	return p, true
}

// fakeOdometry returns one queued batch per poll.
type fakeOdometry struct {
	batches [][]observation.Odometry
}

func (o *fakeOdometry) push(ts ...uint64) {
	batch := make([]observation.Odometry, 0, len(ts))
	for _, t := range ts {
		batch = append(batch, observation.Odometry{TimeUs: t})
	}
	o.batches = append(o.batches, batch)
}

func (o *fakeOdometry) Poll() []observation.Odometry {
	if len(o.batches) == 0 {
		return nil
	}
	b := o.batches[0]
	o.batches = o.batches[1:]
	return b
}

// fakeCamera keeps frames queued until it is polled while ready.
type fakeCamera struct {
	name   string
	ready  bool
	queued []observation.Vision
	polls  int
}

func (c *fakeCamera) Name() string          { return c.name }
func (c *fakeCamera) ReadyToOptimize() bool { return c.ready }

func (c *fakeCamera) push(ts ...uint64) {
	for _, t := range ts {
		c.queued = append(c.queued, observation.Vision{TimeUs: t, Camera: c.name})
	}
}

func (c *fakeCamera) Poll() []observation.Vision {
	c.polls++
	out := c.queued
	c.queued = nil
	return out
}

// fakeEstimator records every call as a short string.
type fakeEstimator struct {
	calls       []string
	optimizeErr error
}

func (e *fakeEstimator) Reset(pose geom.Pose2, noise geom.Noise, timeUs uint64) {
	e.calls = append(e.calls, fmt.Sprintf("reset %d", timeUs))
}

func (e *fakeEstimator) AddOdometry(obs observation.Odometry) {
	e.calls = append(e.calls, fmt.Sprintf("odom %d", obs.TimeUs))
}

func (e *fakeEstimator) AddVisionObservation(obs observation.Vision) {
	e.calls = append(e.calls, fmt.Sprintf("vision %s %d", obs.Camera, obs.TimeUs))
}

func (e *fakeEstimator) Optimize() error {
	e.calls = append(e.calls, "optimize")
	return e.optimizeErr
}

func (e *fakeEstimator) Snapshot() observation.Snapshot {
	return observation.Snapshot{TimeUs: 42}
}

func (e *fakeEstimator) DebugDump() string { return "fake estimator state\n" }

func (e *fakeEstimator) count(prefix string) int {
	n := 0
	for _, c := range e.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (e *fakeEstimator) visionCalls() []string {
	var out []string
	for _, c := range e.calls {
		if len(c) > 6 && c[:6] == "vision" {
			out = append(out, c)
		}
	}
	return out
}

type fakePublisher struct {
	published []observation.Snapshot
	flushes   int
	flushErr  error
}

func (p *fakePublisher) Publish(s observation.Snapshot) { p.published = append(p.published, s) }
func (p *fakePublisher) Flush() error {
	p.flushes++
	return p.flushErr
}

type fakeLayoutSink struct {
	applied []*tagmodel.Layout
}

func (s *fakeLayoutSink) SetLayout(l *tagmodel.Layout) { s.applied = append(s.applied, l) }

var errBoom = errors.New("cholesky failed")
