package monitor

import (
	"sync"

	"github.com/banshee-data/taglocalizer/internal/observation"
)

// DefaultTrajectoryLength is how many recent estimates the debug views keep.
const DefaultTrajectoryLength = 3000

// Trajectory is a publish sink holding the most recent estimates in a
// ring buffer.
type Trajectory struct {
	mu    sync.Mutex
	buf   []observation.Snapshot
	next  int
	full  bool
	total uint64
}

func NewTrajectory(capacity int) *Trajectory {
	if capacity <= 0 {
		capacity = DefaultTrajectoryLength
	}
	return &Trajectory{buf: make([]observation.Snapshot, capacity)}
}

func (t *Trajectory) Name() string { return "trajectory" }

func (t *Trajectory) Write(snap observation.Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf[t.next] = snap
	t.next = (t.next + 1) % len(t.buf)
	if t.next == 0 {
		t.full = true
	}
	t.total++
	return nil
}

func (t *Trajectory) Flush() error { return nil }

// Snapshots returns the retained estimates, oldest first.
func (t *Trajectory) Snapshots() []observation.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]observation.Snapshot(nil), t.buf[:t.next]...)
	}
	out := make([]observation.Snapshot, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}

// Total counts every estimate written, including those overwritten.
func (t *Trajectory) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
