package geom

import (
	"math"

	"github.com/golang/geo/r3"
)

// Cloud is an unordered set of 3D points in a sensor or world frame.
type Cloud []r3.Vector

// Transformed returns a new cloud with every point mapped through t.
func (c Cloud) Transformed(t Transform) Cloud {
	out := make(Cloud, len(c))
	for i, p := range c {
		out[i] = t.Apply(p)
	}
	return out
}

// Clone returns a copy that does not share storage with c.
func (c Cloud) Clone() Cloud {
	if c == nil {
		return nil
	}
	out := make(Cloud, len(c))
	copy(out, c)
	return out
}

// Centroid returns the mean point; the zero vector for an empty cloud.
func (c Cloud) Centroid() r3.Vector {
	if len(c) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range c {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(c)))
}

// Bounds returns the axis-aligned min and max corners.
func (c Cloud) Bounds() (min, max r3.Vector) {
	if len(c) == 0 {
		return
	}
	min = r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	max = r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, p := range c {
		min.X, max.X = math.Min(min.X, p.X), math.Max(max.X, p.X)
		min.Y, max.Y = math.Min(min.Y, p.Y), math.Max(max.Y, p.Y)
		min.Z, max.Z = math.Min(min.Z, p.Z), math.Max(max.Z, p.Z)
	}
	return
}
