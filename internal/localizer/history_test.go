package localizer

import (
	"testing"

	"github.com/banshee-data/taglocalizer/internal/geom"
)

func TestPoseHistory_Interpolates(t *testing.T) {
	h := newPoseHistory(16)
	h.reset(100)
	h.push(200, geom.Twist2{DX: 1})
	h.push(300, geom.Twist2{DX: 1})

	tests := []struct {
		t     uint64
		wantX float64
		ok    bool
	}{
		{50, 0, false},
		{100, 0, true},
		{150, 0.5, true},
		{200, 1, true},
		{275, 1.75, true},
		{300, 2, true},
		{900, 2, true}, // held
	}
	for _, tt := range tests {
		got, ok := h.at(tt.t)
		if ok != tt.ok {
			t.Errorf("at(%d) ok = %v, want %v", tt.t, ok, tt.ok)
			continue
		}
		if ok && (got.X-tt.wantX > 1e-9 || tt.wantX-got.X > 1e-9) {
			t.Errorf("at(%d).X = %v, want %v", tt.t, got.X, tt.wantX)
		}
	}

	motion, ok := h.between(150, 300)
	if !ok || motion.X < 1.5-1e-9 || motion.X > 1.5+1e-9 {
		t.Errorf("between(150,300) = %v, %v", motion, ok)
	}
}

func TestPoseHistory_Bounded(t *testing.T) {
	h := newPoseHistory(4)
	h.reset(0)
	for i := uint64(1); i <= 10; i++ {
		h.push(i*10, geom.Twist2{DX: 1})
	}
	first, last, n := h.span()
	if n != 4 || first != 70 || last != 100 {
		t.Errorf("span = (%d, %d, %d), want (70, 100, 4)", first, last, n)
	}
	if _, ok := h.at(60); ok {
		t.Error("evicted time should not resolve")
	}
}

func TestPoseHistory_ClampsBackwardsTime(t *testing.T) {
	h := newPoseHistory(8)
	h.reset(100)
	h.push(50, geom.Twist2{DX: 1})
	_, last, _ := h.span()
	if last != 100 {
		t.Errorf("last = %d, want 100", last)
	}
}
