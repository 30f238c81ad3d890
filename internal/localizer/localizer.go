// Package localizer is the pose estimator behind the fusion loop: an
// extended Kalman filter over the planar robot pose (x, y, θ).
//
// Odometry drives the predict step as it arrives. Vision frames may be
// older than the latest odometry sample; each tag detection is converted to
// a field pose at its capture time, carried forward to the filter time
// through the odometry-only pose history, and queued. Optimize applies the
// queued corrections.
package localizer

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/taglocalizer/internal/config"
	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/monitoring"
	"github.com/banshee-data/taglocalizer/internal/observation"
)

var (
	// ErrNotInitialized is returned by Optimize before the first Reset.
	ErrNotInitialized = errors.New("localizer: optimize before initial guess")
	// ErrSingular means an innovation covariance could not be factorised.
	ErrSingular = errors.New("localizer: singular innovation covariance")
	// ErrDiverged means the state or covariance is no longer usable.
	ErrDiverged = errors.New("localizer: filter diverged")
)

// TagPoses resolves tag ids to field poses.
type TagPoses interface {
	TagPose(id int) (geom.Pose2, bool)
	Generation() uint64
}

// Config tunes the filter.
type Config struct {
	// OdometryNoise is used for samples whose own noise is not valid.
	OdometryNoise geom.Noise
	// TagNoise is used for detections whose own noise is not valid.
	TagNoise geom.Noise
	// GateChi2 rejects tag updates whose squared Mahalanobis distance
	// exceeds it.
	GateChi2 float64
	// HistoryLimit bounds the odometry pose history.
	HistoryLimit int
	// MaxVisionAge rejects frames captured this long before the filter time.
	MaxVisionAge time.Duration
	// MaxCovariance is the largest diagonal covariance entry tolerated.
	MaxCovariance float64
	// MinTagDistance rejects detections closer than this to the robot.
	MinTagDistance float64
}

// DefaultConfig returns the tuning used when no config file overrides it.
func DefaultConfig() Config {
	return ConfigFromSettings(&config.LocalizerConfig{})
}

// ConfigFromSettings builds a Config from a loaded LocalizerConfig.
func ConfigFromSettings(cfg *config.LocalizerConfig) Config {
	return Config{
		OdometryNoise:  cfg.GetOdometryNoise(),
		TagNoise:       config.CameraConfig{}.GetNoise(),
		GateChi2:       cfg.GetGateChi2(),
		HistoryLimit:   cfg.GetHistoryLimit(),
		MaxVisionAge:   cfg.GetMaxVisionAge(),
		MaxCovariance:  cfg.GetMaxCovariance(),
		MinTagDistance: cfg.GetMinTagDistance(),
	}
}

// correction is a field-frame pose measurement expressed at the filter time.
type correction struct {
	camera string
	tagID  int
	timeUs uint64
	z      geom.Pose2
	r      *mat.SymDense
}

// Localizer implements the estimator contract of the fusion loop. All
// methods are safe for concurrent use; the fusion loop is the only writer.
type Localizer struct {
	mu sync.Mutex

	cfg  Config
	tags TagPoses

	initialized bool
	timeUs      uint64
	state       geom.Pose2
	cov         *mat.SymDense

	history *poseHistory
	queue   []correction

	odometryCount int
	visionCount   int
	tagUpdates    int
	rejectedTags  int
	unknownTags   int
	staleTags     int
	preInitDrops  int
	lastErr       error
}

// New returns an uninitialised localizer reading tag poses from tags.
func New(cfg Config, tags TagPoses) *Localizer {
	if cfg.HistoryLimit < 2 {
		cfg.HistoryLimit = 2
	}
	return &Localizer{
		cfg:     cfg,
		tags:    tags,
		cov:     mat.NewSymDense(3, nil),
		history: newPoseHistory(cfg.HistoryLimit),
	}
}

// Reset seeds the filter with a prior and discards all history and queued
// corrections.
func (l *Localizer) Reset(pose geom.Pose2, noise geom.Noise, timeUs uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !noise.Valid() {
		monitoring.Logf("[Localizer] prior noise %+v invalid, using odometry noise", noise)
		noise = l.cfg.OdometryNoise
	}
	v := noise.Variances()

	l.initialized = true
	l.timeUs = timeUs
	l.state = geom.Pose2{X: pose.X, Y: pose.Y, Theta: geom.WrapAngle(pose.Theta)}
	l.cov = mat.NewSymDense(3, []float64{
		v[0], 0, 0,
		0, v[1], 0,
		0, 0, v[2],
	})
	l.history.reset(timeUs)
	l.queue = l.queue[:0]
	l.lastErr = nil
	monitoring.Logf("[Localizer] reset to %v at t=%dus", l.state, timeUs)
}

// AddOdometry runs the predict step. Samples received before Reset are
// counted and dropped.
func (l *Localizer) AddOdometry(obs observation.Odometry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.odometryCount++
	if !l.initialized {
		l.preInitDrops++
		return
	}

	noise := obs.Noise
	if !noise.Valid() {
		noise = l.cfg.OdometryNoise
	}
	q := noise.Variances()

	s, c := math.Sincos(l.state.Theta)
	dx, dy := obs.Twist.DX, obs.Twist.DY

	// F = ∂(x ∘ u)/∂x, G = ∂(x ∘ u)/∂u
	F := mat.NewDense(3, 3, []float64{
		1, 0, -s*dx - c*dy,
		0, 1, c*dx - s*dy,
		0, 0, 1,
	})
	G := mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
	Q := mat.NewDiagDense(3, q[:])

	var fp, gq mat.Dense
	fp.Product(F, l.cov, F.T())
	gq.Product(G, Q, G.T())
	fp.Add(&fp, &gq)
	l.cov = symmetrize(&fp)

	l.state = l.state.Apply(obs.Twist)
	if obs.TimeUs > l.timeUs {
		l.timeUs = obs.TimeUs
	}
	l.history.push(l.timeUs, obs.Twist)
}

// AddVisionObservation converts each detection to a field-frame pose
// measurement at the filter time and queues it for the next Optimize.
func (l *Localizer) AddVisionObservation(obs observation.Vision) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.visionCount++
	if !l.initialized {
		l.preInitDrops++
		return
	}

	if l.cfg.MaxVisionAge > 0 && l.timeUs > obs.TimeUs &&
		time.Duration(l.timeUs-obs.TimeUs)*time.Microsecond > l.cfg.MaxVisionAge {
		l.staleTags += len(obs.Tags)
		monitoring.Debugf("[Localizer] frame from %s at t=%dus is older than %v, skipping", obs.Camera, obs.TimeUs, l.cfg.MaxVisionAge)
		return
	}

	// odometry motion between capture and now
	motion, ok := l.history.between(obs.TimeUs, l.timeUs)
	if !ok {
		l.staleTags += len(obs.Tags)
		monitoring.Debugf("[Localizer] frame from %s at t=%dus predates pose history, skipping", obs.Camera, obs.TimeUs)
		return
	}

	for _, tag := range obs.Tags {
		fieldToTag, known := l.tags.TagPose(tag.ID)
		if !known {
			l.unknownTags++
			monitoring.Debugf("[Localizer] camera %s saw unknown tag %d", obs.Camera, tag.ID)
			continue
		}
		if tag.RobotToTag.Distance(geom.Identity) < l.cfg.MinTagDistance || !tag.RobotToTag.IsFinite() {
			l.rejectedTags++
			continue
		}

		// field→robot at capture = field→tag ∘ (robot→tag)⁻¹
		atCapture := fieldToTag.Compose(tag.RobotToTag.Inverse())
		z := atCapture.Compose(motion)

		noise := tag.Noise
		if !noise.Valid() {
			noise = l.cfg.TagNoise
		}
		l.queue = append(l.queue, correction{
			camera: obs.Camera,
			tagID:  tag.ID,
			timeUs: obs.TimeUs,
			z:      z,
			r:      measurementCovariance(noise, z.Theta),
		})
	}
}

// measurementCovariance rotates body-frame translation sigmas into the
// field frame.
func measurementCovariance(n geom.Noise, theta float64) *mat.SymDense {
	v := n.Variances()
	s, c := math.Sincos(theta)
	R := mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
	var out mat.Dense
	out.Product(R, mat.NewDiagDense(3, v[:]), R.T())
	return symmetrize(&out)
}

// Optimize applies every queued correction in arrival order.
func (l *Localizer) Optimize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.initialized {
		return ErrNotInitialized
	}
	queue := l.queue
	l.queue = l.queue[:0]

	for _, c := range queue {
		if err := l.correct(c); err != nil {
			l.lastErr = err
			return err
		}
	}

	if !l.state.IsFinite() || !finiteCovariance(l.cov, l.cfg.MaxCovariance) {
		l.lastErr = fmt.Errorf("%w: state=%v cov_diag=[%g %g %g]", ErrDiverged,
			l.state, l.cov.At(0, 0), l.cov.At(1, 1), l.cov.At(2, 2))
		return l.lastErr
	}
	return nil
}

// correct runs one EKF update with H = I.
func (l *Localizer) correct(c correction) error {
	y := mat.NewVecDense(3, []float64{
		c.z.X - l.state.X,
		c.z.Y - l.state.Y,
		geom.WrapAngle(c.z.Theta - l.state.Theta),
	})

	S := mat.NewSymDense(3, nil)
	S.AddSym(l.cov, c.r)

	var chol mat.Cholesky
	if ok := chol.Factorize(S); !ok {
		return fmt.Errorf("%w: tag %d from %s at t=%dus", ErrSingular, c.tagID, c.camera, c.timeUs)
	}

	var sy mat.VecDense
	if err := chol.SolveVecTo(&sy, y); err != nil {
		return fmt.Errorf("%w: %v", ErrSingular, err)
	}
	d2 := mat.Dot(y, &sy)
	if d2 > l.cfg.GateChi2 {
		l.rejectedTags++
		monitoring.Debugf("[Localizer] gated tag %d from %s: d²=%.2f > %.2f", c.tagID, c.camera, d2, l.cfg.GateChi2)
		return nil
	}

	// K = P S⁻¹ = (S⁻¹ P)ᵀ since both are symmetric
	var sp mat.Dense
	if err := chol.SolveTo(&sp, l.cov); err != nil {
		return fmt.Errorf("%w: %v", ErrSingular, err)
	}
	K := sp.T()

	var dx mat.VecDense
	dx.MulVec(K, y)
	l.state = geom.Pose2{
		X:     l.state.X + dx.AtVec(0),
		Y:     l.state.Y + dx.AtVec(1),
		Theta: geom.WrapAngle(l.state.Theta + dx.AtVec(2)),
	}

	// Joseph form: P = (I-K)P(I-K)ᵀ + K R Kᵀ
	var ik mat.Dense
	ik.Sub(eye3(), K)
	var p, krk mat.Dense
	p.Product(&ik, l.cov, ik.T())
	krk.Product(K, c.r, K.T())
	p.Add(&p, &krk)
	l.cov = symmetrize(&p)

	l.tagUpdates++
	return nil
}

// Snapshot returns a copy of the current estimate.
func (l *Localizer) Snapshot() observation.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := observation.Snapshot{
		TimeUs:        l.timeUs,
		Pose:          l.state,
		OdometryCount: l.odometryCount,
		VisionCount:   l.visionCount,
		TagUpdates:    l.tagUpdates,
		RejectedTags:  l.rejectedTags + l.staleTags,
		UnknownTags:   l.unknownTags,
	}
	if l.tags != nil {
		snap.LayoutGeneration = l.tags.Generation()
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			snap.Covariance[i*3+j] = l.cov.At(i, j)
		}
	}
	return snap
}

// DebugDump renders the filter state for failure reports.
func (l *Localizer) DebugDump() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "localizer: initialized=%v t=%dus pose=%v\n", l.initialized, l.timeUs, l.state)
	fmt.Fprintf(&b, "localizer: covariance\n%v\n", mat.Formatted(l.cov, mat.Prefix("  "), mat.Squeeze()))
	first, last, n := l.history.span()
	fmt.Fprintf(&b, "localizer: history=%d entries [%dus, %dus] limit=%d\n", n, first, last, l.cfg.HistoryLimit)
	fmt.Fprintf(&b, "localizer: queued=%d odometry=%d vision=%d updates=%d rejected=%d stale=%d unknown=%d pre_init=%d\n",
		len(l.queue), l.odometryCount, l.visionCount, l.tagUpdates, l.rejectedTags, l.staleTags, l.unknownTags, l.preInitDrops)
	for i, c := range l.queue {
		fmt.Fprintf(&b, "  queued[%d]: camera=%s tag=%d t=%dus z=%v\n", i, c.camera, c.tagID, c.timeUs, c.z)
	}
	if l.lastErr != nil {
		fmt.Fprintf(&b, "localizer: last error: %v\n", l.lastErr)
	}
	return b.String()
}

func eye3() *mat.DiagDense {
	return mat.NewDiagDense(3, []float64{1, 1, 1})
}

func symmetrize(m mat.Matrix) *mat.SymDense {
	out := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			out.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2)
		}
	}
	return out
}

func finiteCovariance(p *mat.SymDense, maxDiag float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := p.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
		if d := p.At(i, i); d < 0 || (maxDiag > 0 && d > maxDiag) {
			return false
		}
	}
	return true
}
