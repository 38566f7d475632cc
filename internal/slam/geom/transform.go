// Package geom holds the shared geometry of the SLAM engines: rigid
// transforms, point clouds and a KD-tree index over both.
package geom

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// RigidTolerance is the tolerance used when checking a rotation block for
// orthonormality and unit determinant.
const RigidTolerance = 1e-6

// Transform is a 4x4 homogeneous rigid transform in row-major order:
// m00,m01,m02,m03, m10,... The bottom row is always [0 0 0 1].
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// FromRotationTranslation builds a transform from a row-major 3x3 rotation
// and a translation.
func FromRotationTranslation(r [9]float64, t r3.Vector) Transform {
	return Transform{
		r[0], r[1], r[2], t.X,
		r[3], r[4], r[5], t.Y,
		r[6], r[7], r[8], t.Z,
		0, 0, 0, 1,
	}
}

// Translate returns a pure translation.
func Translate(x, y, z float64) Transform {
	t := Identity()
	t[3], t[7], t[11] = x, y, z
	return t
}

// YawTransform returns a rotation of deg degrees about +Z. The detected yaw
// offset of a loop candidate maps through this to the initial guess of the
// verification registration (pose of the current scan in the candidate frame).
func YawTransform(deg float64) Transform {
	rad := deg * math.Pi / 180.0
	c, s := math.Cos(rad), math.Sin(rad)
	return Transform{
		c, -s, 0, 0,
		s, c, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Rotation returns the row-major 3x3 rotation block.
func (t Transform) Rotation() [9]float64 {
	return [9]float64{t[0], t[1], t[2], t[4], t[5], t[6], t[8], t[9], t[10]}
}

// Translation returns the translation column.
func (t Transform) Translation() r3.Vector {
	return r3.Vector{X: t[3], Y: t[7], Z: t[11]}
}

// Apply maps p through t.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3],
		Y: t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7],
		Z: t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11],
	}
}

// Mul returns t*o without re-orthonormalizing. Use Compose for anything that
// accumulates over many steps.
func (t Transform) Mul(o Transform) Transform {
	var out Transform
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			v := t[r*4]*o[c] + t[r*4+1]*o[4+c] + t[r*4+2]*o[8+c]
			if c == 3 {
				v += t[r*4+3]
			}
			out[r*4+c] = v
		}
	}
	out[15] = 1
	return out
}

// Compose returns t*o with the rotation block re-orthonormalized, bounding the
// numerical drift of long products.
func (t Transform) Compose(o Transform) Transform {
	return t.Mul(o).Orthonormalize()
}

// Inverse returns the inverse rigid transform (R^T, -R^T t).
func (t Transform) Inverse() Transform {
	var out Transform
	out[0], out[1], out[2] = t[0], t[4], t[8]
	out[4], out[5], out[6] = t[1], t[5], t[9]
	out[8], out[9], out[10] = t[2], t[6], t[10]
	out[3] = -(out[0]*t[3] + out[1]*t[7] + out[2]*t[11])
	out[7] = -(out[4]*t[3] + out[5]*t[7] + out[6]*t[11])
	out[11] = -(out[8]*t[3] + out[9]*t[7] + out[10]*t[11])
	out[15] = 1
	return out
}

// Orthonormalize projects the rotation block onto SO(3) (the closest
// rotation in the Frobenius sense, R = U V^T).
func (t Transform) Orthonormalize() Transform {
	r := t.Rotation()
	return FromRotationTranslation(nearestRotation(mat.NewDense(3, 3, r[:])), t.Translation())
}

// nearestRotation returns U*V^T from the SVD of m, flipping the last singular
// direction when needed so the result is a proper rotation.
func nearestRotation(m mat.Matrix) [9]float64 {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		var out [9]float64
		for i := 0; i < 9; i++ {
			out[i] = m.At(i/3, i%3)
		}
		return out
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	var out [9]float64
	for i := 0; i < 9; i++ {
		out[i] = r.At(i/3, i%3)
	}
	return out
}

// IsRigid reports whether the rotation block is orthonormal with unit
// determinant and the bottom row is [0 0 0 1].
func (t Transform) IsRigid(tol float64) bool {
	if t[12] != 0 || t[13] != 0 || t[14] != 0 || math.Abs(t[15]-1) > tol {
		return false
	}
	r := t.Rotation()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dot := r[i*3]*r[j*3] + r[i*3+1]*r[j*3+1] + r[i*3+2]*r[j*3+2]
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	det := r[0]*(r[4]*r[8]-r[5]*r[7]) - r[1]*(r[3]*r[8]-r[5]*r[6]) + r[2]*(r[3]*r[7]-r[4]*r[6])
	return math.Abs(det-1) <= tol
}

// YawDegrees returns the heading of the rotation block about +Z.
func (t Transform) YawDegrees() float64 {
	return math.Atan2(t[4], t[0]) * 180.0 / math.Pi
}

// Row12 returns the top 3x4 block in row-major order, the KITTI pose layout.
func (t Transform) Row12() [12]float64 {
	var out [12]float64
	copy(out[:], t[:12])
	return out
}

// FromRow12 rebuilds a transform from the KITTI 3x4 layout.
func FromRow12(v [12]float64) Transform {
	var t Transform
	copy(t[:12], v[:])
	t[15] = 1
	return t
}

// ApproxEqual reports whether every element of t and o differs by at most tol.
func (t Transform) ApproxEqual(o Transform, tol float64) bool {
	for i := range t {
		if math.Abs(t[i]-o[i]) > tol {
			return false
		}
	}
	return true
}
