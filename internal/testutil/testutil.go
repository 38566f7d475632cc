// Package testutil provides shared test fixtures for the SLAM engines.
//
// Fixtures are deterministic: every generator takes an explicit seed so a
// failing test reproduces exactly.
package testutil

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidar-slam/internal/slam/geom"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertTransformNear fails the test if any element of got and want differ
// by more than tol.
func AssertTransformNear(t testing.TB, want, got geom.Transform, tol float64) {
	t.Helper()
	for i := range want {
		if math.Abs(want[i]-got[i]) > tol {
			t.Fatalf("transform element %d = %.9f, want %.9f (tol %g)\n got: %v\nwant: %v",
				i, got[i], want[i], tol, got, want)
		}
	}
}

// RandomBox returns n points uniformly distributed in the axis-aligned box
// centred on the origin with the given half-extent.
func RandomBox(seed int64, n int, halfExtent float64) geom.Cloud {
	rng := rand.New(rand.NewSource(seed))
	c := make(geom.Cloud, n)
	for i := range c {
		c[i] = r3.Vector{
			X: (rng.Float64()*2 - 1) * halfExtent,
			Y: (rng.Float64()*2 - 1) * halfExtent,
			Z: (rng.Float64()*2 - 1) * halfExtent,
		}
	}
	return c
}

// Scene returns a synthetic street-like scan around the sensor origin: a
// ground plane, two building facades and a row of poles, with small seeded
// jitter. Heights are relative to a sensor mounted 2m above the ground.
func Scene(seed int64) geom.Cloud {
	rng := rand.New(rand.NewSource(seed))
	jitter := func() float64 { return (rng.Float64() - 0.5) * 0.02 }

	var c geom.Cloud
	// Ground, polar rings so density falls off with range like a real scan.
	for r := 3.0; r < 40; r += 1.5 {
		for az := 0.0; az < 360; az += 4 {
			rad := az * math.Pi / 180
			c = append(c, r3.Vector{X: r * math.Cos(rad), Y: r * math.Sin(rad), Z: -2 + jitter()})
		}
	}
	// Facades at y = +-8, with a step in height along x.
	for x := -30.0; x <= 30; x += 0.8 {
		h := 6.0
		if x > 5 {
			h = 10
		}
		for z := -2.0; z <= h; z += 0.8 {
			c = append(c, r3.Vector{X: x + jitter(), Y: 8 + jitter(), Z: z})
			c = append(c, r3.Vector{X: x + jitter(), Y: -8 + jitter(), Z: z * 0.7})
		}
	}
	// Poles.
	for _, px := range []float64{-17, -6, 4, 13, 22} {
		for z := -2.0; z <= 4; z += 0.3 {
			for a := 0.0; a < 360; a += 90 {
				rad := a * math.Pi / 180
				c = append(c, r3.Vector{X: px + 0.15*math.Cos(rad), Y: 5 + 0.15*math.Sin(rad), Z: z})
			}
		}
	}
	return c
}

// Ring returns points evenly spaced in azimuth at the centres of numSectors
// sectors, on the given ranges, with a height that varies with azimuth and
// range. It is rotation-friendly: rotating it by a whole number of sectors
// maps every point to the centre of another sector.
func Ring(numSectors int, ranges []float64) geom.Cloud {
	var c geom.Cloud
	gap := 360.0 / float64(numSectors)
	for s := 0; s < numSectors; s++ {
		az := (float64(s) + 0.5) * gap * math.Pi / 180
		for ri, r := range ranges {
			h := 1 + math.Abs(math.Sin(float64(s)*0.37)*3) + float64(ri)*0.5
			if s%7 == 0 {
				h += 4
			}
			c = append(c, r3.Vector{X: r * math.Cos(az), Y: r * math.Sin(az), Z: h - 2})
		}
	}
	return c
}

// Square returns the four ground-truth poses of a unit square driven
// counter-clockwise, turning 90 degrees at each corner.
func Square() []geom.Transform {
	step := geom.Translate(1, 0, 0).Mul(geom.YawTransform(90))
	poses := []geom.Transform{geom.Identity()}
	for i := 1; i < 4; i++ {
		poses = append(poses, poses[i-1].Mul(step))
	}
	return poses
}

// Orbit returns n poses on a counter-clockwise circle of the given radius
// about the world origin, advancing stepDeg per pose, each facing along the
// direction of travel. Every consecutive pair has the same relative motion.
func Orbit(n int, radius, stepDeg float64) []geom.Transform {
	poses := make([]geom.Transform, n)
	for i := range poses {
		poses[i] = geom.YawTransform(float64(i) * stepDeg).
			Mul(geom.Translate(radius, 0, 0)).
			Mul(geom.YawTransform(90))
	}
	return poses
}

// Observe returns world as seen from a sensor at pose: every point expressed
// in the sensor frame.
func Observe(world geom.Cloud, pose geom.Transform) geom.Cloud {
	return world.Transformed(pose.Inverse())
}
