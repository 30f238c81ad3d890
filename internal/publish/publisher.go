// Package publish fans each estimate snapshot out to the configured sinks.
package publish

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/taglocalizer/internal/observation"
	"github.com/banshee-data/taglocalizer/internal/timeutil"
)

var sinkErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taglocalizer",
	Subsystem: "publish",
	Name:      "sink_errors_total",
	Help:      "Failed sink writes and flushes",
}, []string{"sink", "op"})

func init() {
	prometheus.MustRegister(sinkErrorsTotal)
}

// Sink receives snapshots. Write is called once per optimize; Flush once
// per loop cycle after all writes for that cycle.
type Sink interface {
	Name() string
	Write(snap observation.Snapshot) error
	Flush() error
}

// SinkStats counts one sink's activity.
type SinkStats struct {
	Name        string `json:"name"`
	Writes      uint64 `json:"writes"`
	WriteErrors uint64 `json:"write_errors"`
	Flushes     uint64 `json:"flushes"`
	FlushErrors uint64 `json:"flush_errors"`
	LastError   string `json:"last_error,omitempty"`
}

// DataPublisher forwards snapshots to every sink. A failing sink is logged
// and counted but never stops the others.
type DataPublisher struct {
	sinks []Sink

	mu     sync.Mutex
	stats  []SinkStats
	latest observation.Snapshot
	has    bool
}

func NewDataPublisher(sinks ...Sink) *DataPublisher {
	p := &DataPublisher{}
	for _, s := range sinks {
		p.AddSink(s)
	}
	return p
}

// AddSink registers s. Not safe to call concurrently with Publish.
func (p *DataPublisher) AddSink(s Sink) {
	p.sinks = append(p.sinks, s)
	p.stats = append(p.stats, SinkStats{Name: s.Name()})
}

// Publish hands snap to each sink in registration order.
func (p *DataPublisher) Publish(snap observation.Snapshot) {
	p.mu.Lock()
	p.latest = snap
	p.has = true
	p.mu.Unlock()

	for i, s := range p.sinks {
		err := s.Write(snap)
		p.mu.Lock()
		p.stats[i].Writes++
		if err != nil {
			p.stats[i].WriteErrors++
			p.stats[i].LastError = err.Error()
		}
		p.mu.Unlock()
		if err != nil {
			sinkErrorsTotal.WithLabelValues(s.Name(), "write").Inc()
			log.Printf("[Publish] sink %s write failed at t=%dus: %v", s.Name(), snap.TimeUs, err)
		}
	}
}

// Flush flushes every sink and joins their errors.
func (p *DataPublisher) Flush() error {
	var errs []error
	for i, s := range p.sinks {
		err := s.Flush()
		p.mu.Lock()
		p.stats[i].Flushes++
		if err != nil {
			p.stats[i].FlushErrors++
			p.stats[i].LastError = err.Error()
		}
		p.mu.Unlock()
		if err != nil {
			sinkErrorsTotal.WithLabelValues(s.Name(), "flush").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Latest returns the most recent snapshot published.
func (p *DataPublisher) Latest() (observation.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.has
}

// Stats returns per-sink counters in registration order.
func (p *DataPublisher) Stats() []SinkStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SinkStats(nil), p.stats...)
}

// LogSink writes the pose to the process log at most once per interval.
type LogSink struct {
	interval time.Duration
	clock    timeutil.Clock

	mu      sync.Mutex
	last    time.Time
	pending *observation.Snapshot
}

func NewLogSink(interval time.Duration, clock timeutil.Clock) *LogSink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LogSink{interval: interval, clock: clock}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Write(snap observation.Snapshot) error {
	l.mu.Lock()
	l.pending = &snap
	l.mu.Unlock()
	return nil
}

func (l *LogSink) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return nil
	}
	now := l.clock.Now()
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		return nil
	}
	s := *l.pending
	sigma := s.Sigma()
	log.Printf("[Pose] t=%dus %v sigma=(%.3f, %.3f, %.3f) tags=%d rejected=%d",
		s.TimeUs, s.Pose, sigma.X, sigma.Y, sigma.Theta, s.TagUpdates, s.RejectedTags)
	l.last = now
	l.pending = nil
	return nil
}
