package localizer

import (
	"sort"

	"github.com/banshee-data/taglocalizer/internal/geom"
)

type historyEntry struct {
	timeUs uint64
	pose   geom.Pose2 // odometry-only pose relative to the last reset
}

// poseHistory is a bounded, time-ordered chain of dead-reckoned poses. Only
// relative motion between two entries is meaningful.
type poseHistory struct {
	entries []historyEntry
	limit   int
}

func newPoseHistory(limit int) *poseHistory {
	return &poseHistory{limit: limit}
}

func (h *poseHistory) reset(timeUs uint64) {
	h.entries = append(h.entries[:0], historyEntry{timeUs: timeUs})
}

// push appends the pose reached by applying twist to the newest entry.
// timeUs must not be older than the newest entry.
func (h *poseHistory) push(timeUs uint64, twist geom.Twist2) {
	last := h.entries[len(h.entries)-1]
	if timeUs < last.timeUs {
		timeUs = last.timeUs
	}
	h.entries = append(h.entries, historyEntry{timeUs: timeUs, pose: last.pose.Apply(twist)})
	if over := len(h.entries) - h.limit; over > 0 {
		copy(h.entries, h.entries[over:])
		h.entries = h.entries[:h.limit]
	}
}

// at returns the pose at timeUs, interpolating between neighbours and
// holding the newest pose for later times.
func (h *poseHistory) at(timeUs uint64) (geom.Pose2, bool) {
	n := len(h.entries)
	if n == 0 || timeUs < h.entries[0].timeUs {
		return geom.Pose2{}, false
	}
	if timeUs >= h.entries[n-1].timeUs {
		return h.entries[n-1].pose, true
	}

	// first entry strictly after timeUs; i >= 1 given the checks above
	i := sort.Search(n, func(i int) bool { return h.entries[i].timeUs > timeUs })
	a, b := h.entries[i-1], h.entries[i]
	f := float64(timeUs-a.timeUs) / float64(b.timeUs-a.timeUs)
	return geom.Interpolate(a.pose, b.pose, f), true
}

// between returns the motion from the pose at from to the pose at to.
func (h *poseHistory) between(from, to uint64) (geom.Pose2, bool) {
	a, ok := h.at(from)
	if !ok {
		return geom.Pose2{}, false
	}
	b, ok := h.at(to)
	if !ok {
		return geom.Pose2{}, false
	}
	return a.Between(b), true
}

func (h *poseHistory) span() (first, last uint64, n int) {
	if len(h.entries) == 0 {
		return 0, 0, 0
	}
	return h.entries[0].timeUs, h.entries[len(h.entries)-1].timeUs, len(h.entries)
}
