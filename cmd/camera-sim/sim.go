package main

import (
	"math"
	"math/rand/v2"

	"github.com/banshee-data/taglocalizer/internal/geom"
	"github.com/banshee-data/taglocalizer/internal/serialmux"
	"github.com/banshee-data/taglocalizer/internal/tagmodel"
	"github.com/banshee-data/taglocalizer/internal/vision"
)

// view limits what the simulated camera can see.
type view struct {
	MaxRange float64 // metres
	FOV      float64 // full horizontal field of view, radians
}

// generator drives a robot along the simulated drivetrain's path and
// reports the tags its camera can see.
type generator struct {
	layout        *tagmodel.Layout
	robotToCamera geom.Pose2
	view          view
	profile       serialmux.DriveProfile
	sigma         float64
	rng           *rand.Rand

	pose geom.Pose2
}

func newGenerator(layout *tagmodel.Layout, robotToCamera, start geom.Pose2, v view, profile serialmux.DriveProfile, sigma float64, seed uint64) *generator {
	return &generator{
		layout:        layout,
		robotToCamera: robotToCamera,
		view:          v,
		profile:       profile,
		sigma:         sigma,
		rng:           rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		pose:          start,
	}
}

// step advances the robot by dt seconds at the profile velocity.
func (g *generator) step(dt float64) {
	g.pose = g.pose.Compose(geom.Exp(geom.Twist2{
		DX:     g.profile.Speed * dt,
		DTheta: g.profile.TurnRate * dt,
	}))
}

// detect returns one detection per visible tag, camera frame, with
// Gaussian noise of g.sigma on each component.
func (g *generator) detect() []vision.Detection {
	camera := g.pose.Compose(g.robotToCamera)
	var out []vision.Detection
	for _, tag := range g.layout.Tags {
		rel := camera.Between(tag.Pose.Planar())
		dist := math.Hypot(rel.X, rel.Y)
		if dist > g.view.MaxRange || dist < 1e-3 {
			continue
		}
		if math.Abs(math.Atan2(rel.Y, rel.X)) > g.view.FOV/2 {
			continue
		}
		// the tag's face normal must point back toward the camera
		if math.Cos(rel.Theta) > 0 {
			continue
		}
		if g.sigma > 0 {
			rel.X += g.rng.NormFloat64() * g.sigma
			rel.Y += g.rng.NormFloat64() * g.sigma
			rel.Theta = geom.WrapAngle(rel.Theta + g.rng.NormFloat64()*g.sigma/2)
		}
		out = append(out, vision.Detection{ID: tag.ID, CameraToTag: rel})
	}
	return out
}
