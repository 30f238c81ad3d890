// Package geom provides the planar rigid-body transforms used by the
// localizer: field-relative robot poses, robot-relative tag poses and the
// odometry twists that move between them.
package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Pose2 is a planar rigid transform. Theta is in radians, CCW positive.
type Pose2 struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// Twist2 is a relative motion expressed in the body frame of the starting
// pose.
type Twist2 struct {
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
	DTheta float64 `json:"dtheta"`
}

// Noise holds one standard deviation per planar axis (metres, metres,
// radians).
type Noise struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// Identity is the zero transform.
var Identity = Pose2{}

// Translation returns the position component as a vector.
func (p Pose2) Translation() r2.Vec {
	return r2.Vec{X: p.X, Y: p.Y}
}

func (p Pose2) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.1f°)", p.X, p.Y, p.Theta*180/math.Pi)
}

// Compose returns p ∘ q: q expressed in p's frame, mapped to p's parent.
func (p Pose2) Compose(q Pose2) Pose2 {
	t := r2.Add(p.Translation(), rotate(q.Translation(), p.Theta))
	return Pose2{X: t.X, Y: t.Y, Theta: WrapAngle(p.Theta + q.Theta)}
}

// Inverse returns the transform that undoes p.
func (p Pose2) Inverse() Pose2 {
	t := rotate(r2.Scale(-1, p.Translation()), -p.Theta)
	return Pose2{X: t.X, Y: t.Y, Theta: WrapAngle(-p.Theta)}
}

// Between returns the transform from p to q, i.e. p⁻¹ ∘ q.
func (p Pose2) Between(q Pose2) Pose2 {
	return p.Inverse().Compose(q)
}

// Distance is the translational distance between two poses.
func (p Pose2) Distance(q Pose2) float64 {
	return r2.Norm(r2.Sub(p.Translation(), q.Translation()))
}

// IsFinite reports whether every component is a finite number.
func (p Pose2) IsFinite() bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Theta)
}

// Apply moves p by a body-frame twist using straight-line integration, which
// matches how wheel odometry deltas are reported per sample.
func (p Pose2) Apply(t Twist2) Pose2 {
	return p.Compose(Pose2{X: t.DX, Y: t.DY, Theta: t.DTheta})
}

// Exp integrates a constant body-frame velocity held for one unit of time,
// following the arc rather than the chord.
func Exp(t Twist2) Pose2 {
	if math.Abs(t.DTheta) < 1e-9 {
		return Pose2{X: t.DX, Y: t.DY, Theta: t.DTheta}
	}
	s, c := math.Sincos(t.DTheta)
	a := s / t.DTheta
	b := (1 - c) / t.DTheta
	return Pose2{
		X:     a*t.DX - b*t.DY,
		Y:     b*t.DX + a*t.DY,
		Theta: WrapAngle(t.DTheta),
	}
}

// Interpolate returns the pose a fraction f ∈ [0,1] of the way from a to b.
func Interpolate(a, b Pose2, f float64) Pose2 {
	if f <= 0 {
		return a
	}
	if f >= 1 {
		return b
	}
	d := a.Between(b)
	return a.Compose(Pose2{X: d.X * f, Y: d.Y * f, Theta: d.Theta * f})
}

// WrapAngle normalises an angle to (-π, π].
func WrapAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a <= -math.Pi {
		a += 2 * math.Pi
	} else if a > math.Pi {
		a -= 2 * math.Pi
	}
	return a
}

// Variances returns the squared standard deviations.
func (n Noise) Variances() [3]float64 {
	return [3]float64{n.X * n.X, n.Y * n.Y, n.Theta * n.Theta}
}

// Valid reports whether every sigma is finite and strictly positive.
func (n Noise) Valid() bool {
	for _, s := range []float64{n.X, n.Y, n.Theta} {
		if !isFinite(s) || s <= 0 {
			return false
		}
	}
	return true
}

func rotate(v r2.Vec, theta float64) r2.Vec {
	s, c := math.Sincos(theta)
	return r2.Vec{X: c*v.X - s*v.Y, Y: s*v.X + c*v.Y}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
