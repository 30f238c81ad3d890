// Package configwatch collects runtime configuration changes (a new tag
// layout or a new pose prior) from a watched directory and from the HTTP
// API, and hands each one to the fusion loop exactly once.
package configwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/monitoring"
	"github.com/banshee-data/taglocalizer/internal/observation"
	"github.com/banshee-data/taglocalizer/internal/security"
	"github.com/banshee-data/taglocalizer/internal/tagmodel"
	"github.com/banshee-data/taglocalizer/internal/timeutil"
)

// File base names recognised in the watched directory.
const (
	PosePriorFile = "pose_prior"
	TagLayoutFile = "tag_layout"
)

const (
	defaultDebounce = 100 * time.Millisecond
	maxDocumentSize = 1 << 20
)

// Status describes what the listener has received and handed out.
type Status struct {
	LayoutPending  bool      `json:"layout_pending"`
	PriorPending   bool      `json:"prior_pending"`
	LayoutsOffered uint64    `json:"layouts_offered"`
	PriorsOffered  uint64    `json:"priors_offered"`
	LayoutsTaken   uint64    `json:"layouts_taken"`
	PriorsTaken    uint64    `json:"priors_taken"`
	Rejected       uint64    `json:"rejected"`
	LastLayoutFrom string    `json:"last_layout_from,omitempty"`
	LastPriorFrom  string    `json:"last_prior_from,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastChange     time.Time `json:"last_change"`
	WatchDir       string    `json:"watch_dir,omitempty"`
}

// Listener holds at most one pending layout and one pending prior. A newer
// offer replaces an unconsumed one.
type Listener struct {
	clock        timeutil.Clock
	defaultNoise geom.Noise
	debounce     time.Duration

	mu     sync.Mutex
	layout *tagmodel.Layout
	prior  *observation.PosePrior
	status Status
}

// NewListener returns an empty listener. defaultNoise is applied to priors
// that do not carry a valid noise of their own.
func NewListener(clock timeutil.Clock, defaultNoise geom.Noise) *Listener {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Listener{clock: clock, defaultNoise: defaultNoise, debounce: defaultDebounce}
}

// NewTagLayout returns the pending layout, if any, and clears the slot.
func (l *Listener) NewTagLayout() (*tagmodel.Layout, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.layout == nil {
		return nil, false
	}
	layout := l.layout
	l.layout = nil
	l.status.LayoutsTaken++
	return layout, true
}

// NewPosePrior returns the pending prior, if any, and clears the slot.
func (l *Listener) NewPosePrior() (observation.PosePrior, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.prior == nil {
		return observation.PosePrior{}, false
	}
	prior := *l.prior
	l.prior = nil
	l.status.PriorsTaken++
	return prior, true
}

// OfferTagLayout queues layout for the next config poll.
func (l *Listener) OfferTagLayout(layout *tagmodel.Layout, from string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.layout != nil {
		monitoring.Logf("[Config] layout from %s replaces unconsumed layout from %s", from, l.status.LastLayoutFrom)
	}
	l.layout = layout
	l.status.LayoutsOffered++
	l.status.LastLayoutFrom = from
	l.status.LastChange = l.clock.Now()
}

// OfferPosePrior queues prior for the next config poll. A zero timestamp
// is replaced with the current sensor clock and an invalid noise with the
// default.
func (l *Listener) OfferPosePrior(prior observation.PosePrior, from string) error {
	if !prior.Pose.IsFinite() {
		l.reject(fmt.Errorf("prior from %s has a non-finite pose", from))
		return fmt.Errorf("pose prior must be finite")
	}
	if !prior.Noise.Valid() {
		prior.Noise = l.defaultNoise
	}
	if prior.TimeUs == 0 {
		prior.TimeUs = timeutil.MonotonicMicros(l.clock)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.prior != nil {
		monitoring.Logf("[Config] prior from %s replaces unconsumed prior from %s", from, l.status.LastPriorFrom)
	}
	l.prior = &prior
	l.status.PriorsOffered++
	l.status.LastPriorFrom = from
	l.status.LastChange = l.clock.Now()
	return nil
}

// Status returns a copy of the counters.
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.status
	s.LayoutPending = l.layout != nil
	s.PriorPending = l.prior != nil
	return s
}

func (l *Listener) reject(err error) {
	log.Printf("[Config] rejected update: %v", err)
	l.mu.Lock()
	l.status.Rejected++
	l.status.LastError = err.Error()
	l.mu.Unlock()
}

// ParsePosePrior decodes a prior document. format is "json" or "yaml".
func ParsePosePrior(data []byte, format string) (observation.PosePrior, error) {
	var prior observation.PosePrior
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, &prior); err != nil {
			return prior, fmt.Errorf("failed to parse pose prior JSON: %w", err)
		}
	case "yaml", "yml":
		var doc struct {
			Pose   geom.Pose2 `yaml:"pose"`
			Noise  geom.Noise `yaml:"noise"`
			TimeUs uint64     `yaml:"time_us"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return prior, fmt.Errorf("failed to parse pose prior YAML: %w", err)
		}
		prior = observation.PosePrior{Pose: doc.Pose, Noise: doc.Noise, TimeUs: doc.TimeUs}
	default:
		return prior, fmt.Errorf("unsupported pose prior format %q", format)
	}
	return prior, nil
}

// LoadFile reads path and offers its contents according to the base name.
func (l *Listener) LoadFile(path string) error {
	kind, format, ok := classify(path)
	if !ok {
		return fmt.Errorf("%s is not a pose prior or tag layout file", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxDocumentSize {
		return fmt.Errorf("%s is too large (%d bytes)", path, info.Size())
	}

	from := "file:" + filepath.Base(path)
	switch kind {
	case TagLayoutFile:
		layout, err := tagmodel.LoadLayoutFile(path)
		if err != nil {
			l.reject(err)
			return err
		}
		l.OfferTagLayout(layout, from)
		log.Printf("[Config] tag layout with %d tags queued from %s", len(layout.Tags), path)
	case PosePriorFile:
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		prior, err := ParsePosePrior(data, format)
		if err != nil {
			l.reject(err)
			return err
		}
		if err := l.OfferPosePrior(prior, from); err != nil {
			return err
		}
		log.Printf("[Config] pose prior %v queued from %s", prior.Pose, path)
	}
	return nil
}

func classify(path string) (kind, format string, ok bool) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	format = strings.TrimPrefix(strings.ToLower(ext), ".")
	if format != "json" && format != "yaml" && format != "yml" {
		return "", "", false
	}
	switch strings.TrimSuffix(base, ext) {
	case PosePriorFile:
		return PosePriorFile, format, true
	case TagLayoutFile:
		return TagLayoutFile, format, true
	}
	return "", "", false
}

// Watch loads any pose prior or tag layout already in dir, then reloads a
// file each time it is written. It blocks until ctx is done.
func (l *Listener) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	l.mu.Lock()
	l.status.WatchDir = dir
	l.mu.Unlock()
	log.Printf("[Config] watching %s for %s and %s updates", dir, PosePriorFile, TagLayoutFile)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, _, ok := classify(e.Name()); ok && !e.IsDir() {
			l.loadWatched(dir, filepath.Join(dir, e.Name()))
		}
	}

	var (
		timersMu sync.Mutex
		timers   = make(map[string]*time.Timer)
	)
	defer func() {
		timersMu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		timersMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[Config] watcher error: %v", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if _, _, ok := classify(event.Name); !ok {
				continue
			}
			// editors write in several steps; load once the file settles
			path := event.Name
			timersMu.Lock()
			if t, ok := timers[path]; ok {
				t.Reset(l.debounce)
			} else {
				timers[path] = time.AfterFunc(l.debounce, func() {
					timersMu.Lock()
					delete(timers, path)
					timersMu.Unlock()
					if ctx.Err() != nil {
						return
					}
					l.loadWatched(dir, path)
				})
			}
			timersMu.Unlock()
		}
	}
}

// loadWatched loads path unless it resolves outside dir, e.g. through a
// symlink dropped into the watch directory.
func (l *Listener) loadWatched(dir, path string) {
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		l.reject(err)
		log.Printf("[Config] refusing %s: %v", path, err)
		return
	}
	if err := l.LoadFile(path); err != nil {
		log.Printf("[Config] %v", err)
	}
}
