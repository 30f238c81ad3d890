package observation

import (
	"math"
	"testing"
)

func TestSnapshotSigma(t *testing.T) {
	s := Snapshot{Covariance: [9]float64{0.04, 0, 0, 0, 0.09, 0, 0, 0, -1}}
	got := s.Sigma()
	if math.Abs(got.X-0.2) > 1e-12 || math.Abs(got.Y-0.3) > 1e-12 {
		t.Errorf("Sigma = %+v, want X=0.2 Y=0.3", got)
	}
	if got.Theta != 0 {
		t.Errorf("negative variance should clamp to 0, got %v", got.Theta)
	}
}
