package fusion

import (
	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/observation"
	"github.com/banshee-data/taglocalizer/internal/tagmodel"
)

// ConfigSource yields runtime configuration changes. Each value is handed
// out once; a second call returns false until a new value arrives.
type ConfigSource interface {
	NewTagLayout() (*tagmodel.Layout, bool)
	NewPosePrior() (observation.PosePrior, bool)
}

// OdometrySource returns the odometry samples received since the previous
// poll, timestamps non-decreasing.
type OdometrySource interface {
	Poll() []observation.Odometry
}

// VisionSource is one camera pipeline.
type VisionSource interface {
	// Name identifies the camera in logs and status output.
	Name() string
	// ReadyToOptimize is a cheap, side-effect-free per-cycle predicate.
	ReadyToOptimize() bool
	// Poll returns frames received since the previous poll.
	Poll() []observation.Vision
}

// Estimator is the stateful fusion backend. Only the Runner calls it.
type Estimator interface {
	Reset(pose geom.Pose2, noise geom.Noise, timeUs uint64)
	AddOdometry(obs observation.Odometry)
	AddVisionObservation(obs observation.Vision)
	Optimize() error
	Snapshot() observation.Snapshot
	DebugDump() string
}

// Publisher pushes an estimate to external consumers. It receives a copy,
// never the estimator itself.
type Publisher interface {
	Publish(snap observation.Snapshot)
	Flush() error
}

// LayoutSink receives tag layout swaps. tagmodel.Model implements it.
type LayoutSink interface {
	SetLayout(l *tagmodel.Layout)
}
