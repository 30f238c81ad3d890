// Package observation defines the measurements that flow from the sensor
// listeners through the fusion loop into the estimator, and the read-only
// estimate snapshot that flows back out to publishers.
//
// Timestamps are microseconds on the shared sensor clock. Values are
// immutable once produced; consumers must not modify slices they receive.
package observation

import (
	"math"

	"github.com/banshee-data/taglocalizer/internal/geom"
)

// Odometry is a relative motion sample from the wheel/inertial stack.
type Odometry struct {
	TimeUs uint64      `json:"time_us"`
	Twist  geom.Twist2 `json:"twist"`
	Noise  geom.Noise  `json:"noise"`
}

// TagMeasurement is the pose of one tag as seen from the robot body frame.
type TagMeasurement struct {
	ID         int        `json:"id"`
	RobotToTag geom.Pose2 `json:"robot_to_tag"`
	Noise      geom.Noise `json:"noise"`
}

// Vision is every tag one camera saw in a single frame.
type Vision struct {
	TimeUs uint64           `json:"time_us"`
	Camera string           `json:"camera"`
	Tags   []TagMeasurement `json:"tags"`
}

// PosePrior seeds (or re-seeds) the estimator.
type PosePrior struct {
	Pose   geom.Pose2 `json:"pose"`
	Noise  geom.Noise `json:"noise"`
	TimeUs uint64     `json:"time_us"`
}

// Snapshot is a copy of the estimator state at the end of an optimize.
type Snapshot struct {
	TimeUs           uint64     `json:"time_us"`
	Pose             geom.Pose2 `json:"pose"`
	Covariance       [9]float64 `json:"covariance"`
	OdometryCount    int        `json:"odometry_count"`
	VisionCount      int        `json:"vision_count"`
	TagUpdates       int        `json:"tag_updates"`
	RejectedTags     int        `json:"rejected_tags"`
	UnknownTags      int        `json:"unknown_tags"`
	LayoutGeneration uint64     `json:"layout_generation"`
}

// Sigma returns the standard deviation on each axis from the covariance
// diagonal.
func (s Snapshot) Sigma() geom.Noise {
	return geom.Noise{
		X:     sqrtNonNeg(s.Covariance[0]),
		Y:     sqrtNonNeg(s.Covariance[4]),
		Theta: sqrtNonNeg(s.Covariance[8]),
	}
}

func sqrtNonNeg(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
