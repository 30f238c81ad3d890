package fusion

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/taglocalizer/internal/monitoring"
	"github.com/banshee-data/taglocalizer/internal/timeutil"
)

// GuessState tracks whether the estimator holds a prior that is valid for
// the active tag layout.
type GuessState int

const (
	NoGuess GuessState = iota
	HasGuess
)

func (g GuessState) String() string {
	switch g {
	case HasGuess:
		return "has_guess"
	default:
		return "no_guess"
	}
}

// Outcome is the result of a single Update cycle.
type Outcome int

const (
	// OutcomeNotReady means the readiness gate failed and the backoff was taken.
	OutcomeNotReady Outcome = iota
	// OutcomeOptimized means the estimator optimized and the estimate was published.
	OutcomeOptimized
	// OutcomeFailed accompanies an *EstimatorError.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOptimized:
		return "optimized"
	case OutcomeFailed:
		return "failed"
	default:
		return "not_ready"
	}
}

// Schedule is the loop timing policy.
type Schedule struct {
	// Interval is slept after every cycle.
	Interval time.Duration
	// Backoff is slept inside a cycle whose readiness gate failed.
	Backoff time.Duration
}

// DefaultSchedule returns a 10ms cycle with a 1s not-ready backoff.
func DefaultSchedule() Schedule {
	return Schedule{
		Interval: 10 * time.Millisecond,
		Backoff:  time.Second,
	}
}

// RunnerConfig wires a Runner to its collaborators.
type RunnerConfig struct {
	Estimator Estimator
	Odometry  OdometrySource
	Cameras   []VisionSource
	Config    ConfigSource
	Layout    LayoutSink
	Publisher Publisher

	Schedule Schedule
	Clock    timeutil.Clock // defaults to timeutil.RealClock
	// MaxPending bounds the vision backlog; 0 keeps it unbounded.
	MaxPending int
}

// Status is a point-in-time view of the runner, safe to read from other
// goroutines.
type Status struct {
	Cycle          uint64    `json:"cycle"`
	Watermark      uint64    `json:"watermark_us"`
	Guess          string    `json:"guess"`
	Pending        int       `json:"pending"`
	PendingCap     int       `json:"pending_cap"`
	Evicted        uint64    `json:"evicted"`
	CamerasReady   []string  `json:"cameras_ready"`
	CamerasWaiting []string  `json:"cameras_waiting"`
	LastOutcome    string    `json:"last_outcome"`
	Optimizations  uint64    `json:"optimizations"`
	NotReady       uint64    `json:"not_ready"`
	LastOptimized  time.Time `json:"last_optimized"`
}

// Runner drives the fusion cycle.
type Runner struct {
	estimator Estimator
	odometry  OdometrySource
	cameras   []VisionSource
	config    ConfigSource
	layout    LayoutSink
	publisher Publisher
	schedule  Schedule
	clock     timeutil.Clock

	pending   *PendingBuffer
	watermark uint64
	guess     GuessState

	cycle         uint64
	optimizations uint64
	notReady      uint64
	lastOptimized time.Time

	status atomic.Pointer[Status]
}

// NewRunner validates the wiring and returns a Runner in the NoGuess state.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	switch {
	case cfg.Estimator == nil:
		return nil, fmt.Errorf("%w: estimator", ErrMissingCollaborator)
	case cfg.Odometry == nil:
		return nil, fmt.Errorf("%w: odometry source", ErrMissingCollaborator)
	case cfg.Config == nil:
		return nil, fmt.Errorf("%w: config source", ErrMissingCollaborator)
	case cfg.Layout == nil:
		return nil, fmt.Errorf("%w: layout sink", ErrMissingCollaborator)
	case cfg.Publisher == nil:
		return nil, fmt.Errorf("%w: publisher", ErrMissingCollaborator)
	}
	for i, cam := range cfg.Cameras {
		if cam == nil {
			return nil, fmt.Errorf("%w: camera %d", ErrMissingCollaborator, i)
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	schedule := cfg.Schedule
	if schedule == (Schedule{}) {
		schedule = DefaultSchedule()
	}

	r := &Runner{
		estimator: cfg.Estimator,
		odometry:  cfg.Odometry,
		cameras:   append([]VisionSource(nil), cfg.Cameras...),
		config:    cfg.Config,
		layout:    cfg.Layout,
		publisher: cfg.Publisher,
		schedule:  schedule,
		clock:     clock,
		pending:   NewPendingBuffer(cfg.MaxPending),
		guess:     NoGuess,
	}
	r.storeStatus(nil, nil, OutcomeNotReady)
	recordGuess(NoGuess)
	return r, nil
}

// Update runs one fusion cycle. A non-nil error is always an
// *EstimatorError and means the run must stop.
func (r *Runner) Update() (Outcome, error) {
	r.cycle++
	monitoring.Debugf("[Runner] cycle %d begins", r.cycle)

	r.intakeConfig()

	ready := r.guess == HasGuess

	r.intakeOdometry()

	var camsReady, camsWaiting []string
	for _, cam := range r.cameras {
		camReady := cam.ReadyToOptimize()
		ready = ready && camReady
		if camReady {
			camsReady = append(camsReady, cam.Name())
			r.intakeVision(cam)
		} else {
			camsWaiting = append(camsWaiting, cam.Name())
			monitoring.Debugf("[Runner] camera %s not ready", cam.Name())
		}
		r.drainBacklog()
	}
	pendingDepth.Set(float64(r.pending.Len()))

	if !ready {
		r.notReady++
		cyclesTotal.WithLabelValues(OutcomeNotReady.String()).Inc()
		r.storeStatus(camsReady, camsWaiting, OutcomeNotReady)
		monitoring.Debugf("[Runner] not ready (guess=%s waiting=%v), backing off %v", r.guess, camsWaiting, r.schedule.Backoff)
		r.clock.Sleep(r.schedule.Backoff)
		return OutcomeNotReady, nil
	}

	start := r.clock.Now()
	if err := r.estimator.Optimize(); err != nil {
		cyclesTotal.WithLabelValues(OutcomeFailed.String()).Inc()
		r.storeStatus(camsReady, camsWaiting, OutcomeFailed)
		estErr := &EstimatorError{Cycle: r.cycle, Err: err, Dump: r.DebugDump()}
		log.Printf("[Runner] optimize failed in cycle %d: %v", r.cycle, err)
		return OutcomeFailed, estErr
	}
	optimizeDuration.Observe(r.clock.Since(start).Seconds())

	r.publisher.Publish(r.estimator.Snapshot())
	if err := r.publisher.Flush(); err != nil {
		log.Printf("[Runner] publisher flush failed: %v", err)
	}

	r.optimizations++
	r.lastOptimized = r.clock.Now()
	cyclesTotal.WithLabelValues(OutcomeOptimized.String()).Inc()
	r.storeStatus(camsReady, camsWaiting, OutcomeOptimized)
	return OutcomeOptimized, nil
}

// intakeConfig applies a pending layout first so that a prior arriving in
// the same poll seeds the estimator against the new map. Polling the prior
// first would let the layout reset discard a prior from the same cycle;
// startup offers the layout and initial_pose together and depends on
// this order.
func (r *Runner) intakeConfig() {
	if layout, ok := r.config.NewTagLayout(); ok {
		r.layout.SetLayout(layout)
		if r.guess == HasGuess {
			log.Printf("[Runner] new tag layout applied; dropping initial guess until a new prior arrives")
		} else {
			log.Printf("[Runner] new tag layout applied")
		}
		r.guess = NoGuess
		configUpdatesTotal.WithLabelValues("layout", "applied").Inc()
	}

	if prior, ok := r.config.NewPosePrior(); ok {
		if r.guess == NoGuess {
			r.estimator.Reset(prior.Pose, prior.Noise, prior.TimeUs)
			r.guess = HasGuess
			log.Printf("[Runner] estimator seeded with prior %v at t=%dus", prior.Pose, prior.TimeUs)
			configUpdatesTotal.WithLabelValues("prior", "applied").Inc()
		} else {
			log.Printf("[Runner] ignoring pose prior %v: estimator already seeded", prior.Pose)
			configUpdatesTotal.WithLabelValues("prior", "ignored").Inc()
		}
	}
	recordGuess(r.guess)
}

func (r *Runner) intakeOdometry() {
	batch := r.odometry.Poll()
	monitoring.Debugf("[Runner] %d odometry updates", len(batch))
	for _, obs := range batch {
		if obs.TimeUs > r.watermark {
			r.watermark = obs.TimeUs
		}
		r.estimator.AddOdometry(obs)
	}
	if len(batch) > 0 {
		forwardedTotal.WithLabelValues("odometry").Add(float64(len(batch)))
		watermarkMicros.Set(float64(r.watermark))
	}
}

func (r *Runner) intakeVision(cam VisionSource) {
	for _, obs := range cam.Poll() {
		if obs.TimeUs > r.watermark {
			monitoring.Debugf("[Runner] camera %s frame t=%dus is ahead of odometry (%dus), deferring", cam.Name(), obs.TimeUs, r.watermark)
			deferredTotal.Inc()
			if r.pending.Append(obs) {
				evictedTotal.Inc()
				log.Printf("[Runner] pending vision buffer full (%d); evicted oldest frame", r.pending.Cap())
			}
			continue
		}
		r.estimator.AddVisionObservation(obs)
		forwardedTotal.WithLabelValues("vision").Inc()
	}
}

func (r *Runner) drainBacklog() {
	drained := r.pending.DrainEligible(r.watermark)
	for _, obs := range drained {
		monitoring.Debugf("[Runner] forwarding backlog frame from %s t=%dus", obs.Camera, obs.TimeUs)
		r.estimator.AddVisionObservation(obs)
	}
	if len(drained) > 0 {
		forwardedTotal.WithLabelValues("backlog").Add(float64(len(drained)))
	}
}

// Run cycles until ctx is cancelled or the estimator fails. It returns
// ctx.Err() on cancellation and an *EstimatorError on failure.
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("[Runner] fusion loop starting: cameras=%d interval=%v backoff=%v pending_cap=%d",
		len(r.cameras), r.schedule.Interval, r.schedule.Backoff, r.pending.Cap())
	for {
		if err := ctx.Err(); err != nil {
			log.Printf("[Runner] fusion loop stopping after %d cycles", r.cycle)
			return err
		}
		if _, err := r.Update(); err != nil {
			return err
		}
		r.clock.Sleep(r.schedule.Interval)
	}
}

// Watermark returns the highest odometry timestamp seen.
func (r *Runner) Watermark() uint64 { return r.watermark }

// Guess returns the current guess state.
func (r *Runner) Guess() GuessState { return r.guess }

// Pending returns the vision backlog depth.
func (r *Runner) Pending() int { return r.pending.Len() }

// Status returns the most recent cycle summary. It may be called from any
// goroutine.
func (r *Runner) Status() Status {
	return *r.status.Load()
}

// DebugDump renders runner and estimator state for failure reports. Call it
// only from the goroutine driving Update.
func (r *Runner) DebugDump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "runner: cycle=%d guess=%s watermark=%dus\n", r.cycle, r.guess, r.watermark)
	fmt.Fprintf(&b, "runner: pending=%d cap=%d evicted=%d\n", r.pending.Len(), r.pending.Cap(), r.pending.Evicted())
	for i, obs := range r.pending.Entries() {
		fmt.Fprintf(&b, "  pending[%d]: camera=%s t=%dus tags=%d\n", i, obs.Camera, obs.TimeUs, len(obs.Tags))
	}
	b.WriteString(r.estimator.DebugDump())
	return b.String()
}

func (r *Runner) storeStatus(ready, waiting []string, outcome Outcome) {
	r.status.Store(&Status{
		Cycle:          r.cycle,
		Watermark:      r.watermark,
		Guess:          r.guess.String(),
		Pending:        r.pending.Len(),
		PendingCap:     r.pending.Cap(),
		Evicted:        r.pending.Evicted(),
		CamerasReady:   ready,
		CamerasWaiting: waiting,
		LastOutcome:    outcome.String(),
		Optimizations:  r.optimizations,
		NotReady:       r.notReady,
		LastOptimized:  r.lastOptimized,
	})
}
