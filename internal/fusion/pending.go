package fusion

import (
	"github.com/banshee-data/taglocalizer/internal/observation"
)

// PendingBuffer holds vision frames that arrived with a timestamp beyond
// the odometry watermark. Frames leave only through DrainEligible, or
// through eviction when a capacity is configured.
//
// Live frames are entries[head:]. Eviction advances head and the dead
// prefix is reclaimed once it outgrows the live part, so Append is
// amortised O(1).
type PendingBuffer struct {
	entries []observation.Vision
	head    int
	max     int
	evicted uint64
}

// NewPendingBuffer returns a buffer holding at most max frames. max <= 0
// means unbounded.
func NewPendingBuffer(max int) *PendingBuffer {
	if max < 0 {
		max = 0
	}
	return &PendingBuffer{max: max}
}

// Append adds a frame at the tail. When the buffer is full the oldest frame
// is discarded and Append reports true.
func (b *PendingBuffer) Append(obs observation.Vision) bool {
	evicted := false
	if b.max > 0 && b.Len() >= b.max {
		b.entries[b.head] = observation.Vision{}
		b.head++
		b.evicted++
		evicted = true
		if b.head > len(b.entries)/2 {
			b.compact()
		}
	}
	b.entries = append(b.entries, obs)
	return evicted
}

func (b *PendingBuffer) compact() {
	n := copy(b.entries, b.entries[b.head:])
	clear(b.entries[n:])
	b.entries = b.entries[:n]
	b.head = 0
}

// DrainEligible removes and returns, in insertion order, every frame with
// TimeUs <= watermark. Ineligible frames keep their relative order.
func (b *PendingBuffer) DrainEligible(watermark uint64) []observation.Vision {
	var drained []observation.Vision
	live := b.entries[b.head:]
	kept := b.entries[:0]
	for _, obs := range live {
		if obs.TimeUs <= watermark {
			drained = append(drained, obs)
			continue
		}
		kept = append(kept, obs)
	}
	// zero the tail so dropped frames do not pin their tag slices
	clear(b.entries[len(kept):])
	b.entries = kept
	b.head = 0
	return drained
}

// Len returns the number of buffered frames.
func (b *PendingBuffer) Len() int {
	return len(b.entries) - b.head
}

// Cap returns the configured bound, 0 when unbounded.
func (b *PendingBuffer) Cap() int {
	return b.max
}

// Evicted returns how many frames were discarded due to the bound.
func (b *PendingBuffer) Evicted() uint64 {
	return b.evicted
}

// Oldest returns the head of the buffer.
func (b *PendingBuffer) Oldest() (observation.Vision, bool) {
	if b.Len() == 0 {
		return observation.Vision{}, false
	}
	return b.entries[b.head], true
}

// Entries returns a copy of the buffered frames in order.
func (b *PendingBuffer) Entries() []observation.Vision {
	out := make([]observation.Vision, b.Len())
	copy(out, b.entries[b.head:])
	return out
}
