package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/taglocalizer/internal/observation"
)

func frame(cam string, ts uint64) observation.Vision {
	return observation.Vision{Camera: cam, TimeUs: ts}
}

func stamps(obs []observation.Vision) []uint64 {
	out := make([]uint64, 0, len(obs))
	for _, o := range obs {
		out = append(out, o.TimeUs)
	}
	return out
}

func TestPendingBuffer_DrainEligiblePreservesOrder(t *testing.T) {
	b := NewPendingBuffer(0)
	for _, ts := range []uint64{40, 10, 30, 50, 20} {
		b.Append(frame("a", ts))
	}

	drained := b.DrainEligible(30)
	assert.Equal(t, []uint64{10, 30, 20}, stamps(drained), "eligible frames leave in insertion order")
	assert.Equal(t, []uint64{40, 50}, stamps(b.Entries()), "remaining frames keep their order")

	assert.Empty(t, b.DrainEligible(39))
	assert.Equal(t, []uint64{40, 50}, stamps(b.DrainEligible(1000)))
	assert.Zero(t, b.Len())
}

func TestPendingBuffer_EqualToWatermarkIsEligible(t *testing.T) {
	b := NewPendingBuffer(0)
	b.Append(frame("a", 10))
	assert.Len(t, b.DrainEligible(10), 1)
}

func TestPendingBuffer_UnboundedNeverEvicts(t *testing.T) {
	b := NewPendingBuffer(-3)
	require.Equal(t, 0, b.Cap())
	for i := 0; i < 10_000; i++ {
		assert.False(t, b.Append(frame("a", uint64(i))))
	}
	assert.Equal(t, 10_000, b.Len())
	assert.Zero(t, b.Evicted())
}

func TestPendingBuffer_BoundEvictsOldest(t *testing.T) {
	b := NewPendingBuffer(3)
	for _, ts := range []uint64{1, 2, 3} {
		require.False(t, b.Append(frame("a", ts)))
	}
	assert.True(t, b.Append(frame("a", 4)))
	assert.True(t, b.Append(frame("a", 5)))

	assert.Equal(t, []uint64{3, 4, 5}, stamps(b.Entries()))
	assert.Equal(t, uint64(2), b.Evicted())

	oldest, ok := b.Oldest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), oldest.TimeUs)
}

func TestPendingBuffer_SustainedStallStaysBounded(t *testing.T) {
	const limit = 16
	b := NewPendingBuffer(limit)
	var watermark uint64
	for i := uint64(0); i < 5000; i++ {
		b.Append(frame("a", 1_000_000+i))
		b.DrainEligible(watermark)
		if b.Len() > limit {
			t.Fatalf("after %d appends: len %d exceeds %d", i+1, b.Len(), limit)
		}
	}
	assert.Equal(t, uint64(5000-limit), b.Evicted())

	watermark = 2_000_000
	assert.Len(t, b.DrainEligible(watermark), limit)
}

func TestPendingBuffer_EvictionReusesBackingArray(t *testing.T) {
	const limit = 16
	b := NewPendingBuffer(limit)
	for i := uint64(0); i < 100_000; i++ {
		b.Append(frame("a", i))
		require.LessOrEqual(t, cap(b.entries), 4*limit, "after %d appends", i+1)
	}
	assert.Equal(t, uint64(100_000-limit), b.Evicted())

	want := make([]uint64, 0, limit)
	for ts := uint64(100_000 - limit); ts < 100_000; ts++ {
		want = append(want, ts)
	}
	assert.Equal(t, want, stamps(b.Entries()))
}

func TestPendingBuffer_DrainAfterEvictionKeepsOrder(t *testing.T) {
	b := NewPendingBuffer(4)
	for _, ts := range []uint64{10, 50, 20, 60, 30, 70} {
		b.Append(frame("a", ts))
	}
	// 10 and 50 were evicted
	assert.Equal(t, []uint64{20, 30}, stamps(b.DrainEligible(40)))
	assert.Equal(t, []uint64{60, 70}, stamps(b.Entries()))

	b.Append(frame("a", 80))
	b.Append(frame("a", 90))
	assert.True(t, b.Append(frame("a", 100)))
	assert.Equal(t, []uint64{70, 80, 90, 100}, stamps(b.Entries()))
	assert.Equal(t, []uint64{70, 80}, stamps(b.DrainEligible(85)))
	assert.Equal(t, 2, b.Len())
}

func TestPendingBuffer_EntriesIsACopy(t *testing.T) {
	b := NewPendingBuffer(0)
	b.Append(frame("a", 7))
	entries := b.Entries()
	entries[0].TimeUs = 99

	oldest, ok := b.Oldest()
	require.True(t, ok)
	assert.Equal(t, uint64(7), oldest.TimeUs)

	_, ok = NewPendingBuffer(0).Oldest()
	assert.False(t, ok)
}
