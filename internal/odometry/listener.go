// Package odometry turns the drivetrain controller's serial output into
// odometry samples for the fusion loop.
package odometry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/monitoring"
	"github.com/banshee-data/taglocalizer/internal/observation"
	"github.com/banshee-data/taglocalizer/internal/serialmux"
)

// Stats counts what the listener has seen since start.
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Backwards uint64 `json:"backwards"`
	Malformed uint64 `json:"malformed"`
	Ignored   uint64 `json:"ignored"`
	Buffered  int    `json:"buffered"`
}

// Listener buffers odometry parsed from a serial mux until the fusion loop
// polls it. Samples with a timestamp older than the last accepted one are
// dropped so each batch is non-decreasing.
type Listener struct {
	mux          serialmux.SerialMuxInterface
	defaultNoise geom.Noise

	mu      sync.Mutex
	pending []observation.Odometry
	lastUs  uint64
	stats   Stats
}

// NewListener reads from mux. defaultNoise is attached to samples that do
// not report their own.
func NewListener(mux serialmux.SerialMuxInterface, defaultNoise geom.Noise) *Listener {
	return &Listener{mux: mux, defaultNoise: defaultNoise}
}

// Start subscribes to the mux and consumes lines until ctx is done or the
// subscription is closed.
func (l *Listener) Start(ctx context.Context) {
	id, lines := l.mux.Subscribe()
	go func() {
		defer l.mux.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					log.Printf("[Odometry] serial subscription closed")
					return
				}
				l.HandleLine(line)
			}
		}
	}()
}

// HandleLine parses one line from the controller. Non-odometry lines are
// counted and ignored.
func (l *Listener) HandleLine(line string) {
	switch serialmux.ClassifyLine(line) {
	case serialmux.LineTypeOdometry:
	case serialmux.LineTypeStatus:
		monitoring.Debugf("[Odometry] controller status: %s", line)
		l.count(func(s *Stats) { s.Ignored++ })
		return
	default:
		l.count(func(s *Stats) { s.Ignored++ })
		return
	}

	obs, err := ParseLine(line)
	if err != nil {
		monitoring.Logf("[Odometry] %v", err)
		l.count(func(s *Stats) { s.Malformed++ })
		return
	}
	if !obs.Noise.Valid() {
		obs.Noise = l.defaultNoise
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if obs.TimeUs < l.lastUs {
		l.stats.Backwards++
		monitoring.Logf("[Odometry] dropping sample at t=%dus, older than t=%dus", obs.TimeUs, l.lastUs)
		return
	}
	l.lastUs = obs.TimeUs
	l.pending = append(l.pending, obs)
	l.stats.Accepted++
}

// Poll returns and clears every sample received since the previous call.
func (l *Listener) Poll() []observation.Odometry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}

// Stats returns a copy of the counters.
func (l *Listener) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Buffered = len(l.pending)
	return s
}

func (l *Listener) count(fn func(*Stats)) {
	l.mu.Lock()
	fn(&l.stats)
	l.mu.Unlock()
}

// ParseLine decodes an odometry JSON line.
func ParseLine(line string) (observation.Odometry, error) {
	var obs observation.Odometry
	if err := json.Unmarshal([]byte(line), &obs); err != nil {
		return obs, fmt.Errorf("malformed odometry line %q: %w", line, err)
	}
	if obs.TimeUs == 0 {
		return obs, fmt.Errorf("odometry line %q has no time_us", line)
	}
	if !(geom.Pose2{X: obs.Twist.DX, Y: obs.Twist.DY, Theta: obs.Twist.DTheta}).IsFinite() {
		return obs, fmt.Errorf("odometry line %q has a non-finite twist", line)
	}
	return obs, nil
}
