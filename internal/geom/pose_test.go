package geom

import (
	"math"
	"testing"
)

const eps = 1e-9

func poseNear(a, b Pose2) bool {
	return math.Abs(a.X-b.X) < eps && math.Abs(a.Y-b.Y) < eps && math.Abs(WrapAngle(a.Theta-b.Theta)) < eps
}

func TestComposeInverseRoundTrip(t *testing.T) {
	poses := []Pose2{
		{X: 1, Y: 2, Theta: 0.3},
		{X: -4, Y: 0.5, Theta: -2.9},
		{X: 0, Y: 0, Theta: math.Pi},
	}
	for _, p := range poses {
		if got := p.Compose(p.Inverse()); !poseNear(got, Identity) {
			t.Errorf("%v ∘ %v⁻¹ = %v, want identity", p, p, got)
		}
		if got := p.Inverse().Compose(p); !poseNear(got, Identity) {
			t.Errorf("%v⁻¹ ∘ %v = %v, want identity", p, p, got)
		}
	}
}

func TestCompose_RotatesChildTranslation(t *testing.T) {
	parent := Pose2{X: 1, Y: 1, Theta: math.Pi / 2}
	child := Pose2{X: 2, Y: 0, Theta: 0}

	got := parent.Compose(child)
	want := Pose2{X: 1, Y: 3, Theta: math.Pi / 2}
	if !poseNear(got, want) {
		t.Errorf("Compose = %v, want %v", got, want)
	}
}

func TestBetween(t *testing.T) {
	a := Pose2{X: 1, Y: 2, Theta: 0.5}
	b := Pose2{X: -3, Y: 4, Theta: -1.2}
	if got := a.Compose(a.Between(b)); !poseNear(got, b) {
		t.Errorf("a ∘ between(a,b) = %v, want %v", got, b)
	}
}

func TestApplyTwist(t *testing.T) {
	start := Pose2{X: 0, Y: 0, Theta: math.Pi / 2}
	got := start.Apply(Twist2{DX: 1})
	want := Pose2{X: 0, Y: 1, Theta: math.Pi / 2}
	if !poseNear(got, want) {
		t.Errorf("Apply = %v, want %v", got, want)
	}
}

func TestInterpolate(t *testing.T) {
	a := Pose2{}
	b := Pose2{X: 2, Y: 0, Theta: 0}

	tests := []struct {
		f    float64
		want Pose2
	}{
		{-1, a},
		{0, a},
		{0.5, Pose2{X: 1}},
		{1, b},
		{3, b},
	}
	for _, tt := range tests {
		if got := Interpolate(a, b, tt.f); !poseNear(got, tt.want) {
			t.Errorf("Interpolate(f=%v) = %v, want %v", tt.f, got, tt.want)
		}
	}
}

func TestWrapAngle(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0},
		{math.Pi, math.Pi},
		{-math.Pi, math.Pi},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-3 * math.Pi / 2, math.Pi / 2},
		{4 * math.Pi, 0},
	}
	for _, tt := range tests {
		if got := WrapAngle(tt.in); math.Abs(got-tt.want) > eps {
			t.Errorf("WrapAngle(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNoise(t *testing.T) {
	n := Noise{X: 0.1, Y: 0.2, Theta: 0.05}
	if !n.Valid() {
		t.Fatal("expected valid noise")
	}
	v := n.Variances()
	if math.Abs(v[1]-0.04) > eps {
		t.Errorf("Variances()[1] = %v, want 0.04", v[1])
	}
	if (Noise{X: 0.1, Y: 0, Theta: 0.1}).Valid() {
		t.Error("zero sigma should be invalid")
	}
	if (Noise{X: math.NaN(), Y: 1, Theta: 1}).Valid() {
		t.Error("NaN sigma should be invalid")
	}
}

func TestDistanceAndFinite(t *testing.T) {
	a := Pose2{X: 0, Y: 0}
	b := Pose2{X: 3, Y: 4}
	if d := a.Distance(b); math.Abs(d-5) > eps {
		t.Errorf("Distance = %v, want 5", d)
	}
	if (Pose2{X: math.Inf(1)}).IsFinite() {
		t.Error("Inf pose should not be finite")
	}
}

func TestExp(t *testing.T) {
	quarter := Exp(Twist2{DX: math.Pi / 2, DTheta: math.Pi / 2})
	if want := (Pose2{X: 1, Y: 1, Theta: math.Pi / 2}); !poseNear(quarter, want) {
		t.Errorf("quarter arc: got %v, want %v", quarter, want)
	}

	straight := Exp(Twist2{DX: 2, DY: -1})
	if want := (Pose2{X: 2, Y: -1}); !poseNear(straight, want) {
		t.Errorf("straight: got %v, want %v", straight, want)
	}

	// splitting the motion into halves lands on the same pose
	half := Exp(Twist2{DX: 0.5, DY: 0.2, DTheta: 0.4})
	full := Exp(Twist2{DX: 1, DY: 0.4, DTheta: 0.8})
	if got := half.Compose(half); !poseNear(got, full) {
		t.Errorf("half∘half = %v, want %v", got, full)
	}
}
