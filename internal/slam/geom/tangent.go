package geom

import (
	"math"

	"github.com/golang/geo/r3"
)

// Tangent is a 6-vector on the pose manifold: translation [0:3] followed by
// the rotation vector (axis * angle, radians) [3:6].
type Tangent [6]float64

// smallAngle is the angle below which first-order expansions are used.
const smallAngle = 1e-10

// Exp maps a tangent vector to a transform. The rotation uses Rodrigues'
// formula; the translation is taken as-is (R^3 x SO(3) retraction).
func Exp(xi Tangent) Transform {
	return FromRotationTranslation(ExpSO3(xi[3], xi[4], xi[5]), r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]})
}

// Log is the inverse of Exp.
func Log(t Transform) Tangent {
	wx, wy, wz := LogSO3(t.Rotation())
	return Tangent{t[3], t[7], t[11], wx, wy, wz}
}

// ExpSO3 returns the row-major rotation for rotation vector (wx, wy, wz).
func ExpSO3(wx, wy, wz float64) [9]float64 {
	theta := math.Sqrt(wx*wx + wy*wy + wz*wz)
	var a, b float64
	if theta < smallAngle {
		a, b = 1, 0.5
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / (theta * theta)
	}
	// R = I + a*K + b*K^2, K the skew matrix of w.
	return [9]float64{
		1 - b*(wy*wy+wz*wz), -a*wz + b*wx*wy, a*wy + b*wx*wz,
		a*wz + b*wx*wy, 1 - b*(wx*wx+wz*wz), -a*wx + b*wy*wz,
		-a*wy + b*wx*wz, a*wx + b*wy*wz, 1 - b*(wx*wx+wy*wy),
	}
}

// LogSO3 returns the rotation vector of a row-major rotation matrix.
func LogSO3(r [9]float64) (wx, wy, wz float64) {
	cos := (r[0] + r[4] + r[8] - 1) / 2
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	theta := math.Acos(cos)

	vx := r[7] - r[5]
	vy := r[2] - r[6]
	vz := r[3] - r[1]

	switch {
	case theta < smallAngle:
		return vx / 2, vy / 2, vz / 2
	case math.Pi-theta < 1e-6:
		// Near pi the antisymmetric part vanishes; recover the axis from the
		// symmetric part using the largest diagonal entry.
		xx := math.Sqrt(math.Max((r[0]+1)/2, 0))
		yy := math.Sqrt(math.Max((r[4]+1)/2, 0))
		zz := math.Sqrt(math.Max((r[8]+1)/2, 0))
		var ax, ay, az float64
		switch {
		case xx >= yy && xx >= zz:
			ax = xx
			ay = (r[1] + r[3]) / (4 * ax)
			az = (r[2] + r[6]) / (4 * ax)
		case yy >= zz:
			ay = yy
			ax = (r[1] + r[3]) / (4 * ay)
			az = (r[5] + r[7]) / (4 * ay)
		default:
			az = zz
			ax = (r[2] + r[6]) / (4 * az)
			ay = (r[5] + r[7]) / (4 * az)
		}
		n := math.Sqrt(ax*ax + ay*ay + az*az)
		// Keep the sign consistent with the (small) antisymmetric remainder.
		if ax*vx+ay*vy+az*vz < 0 {
			n = -n
		}
		return theta * ax / n, theta * ay / n, theta * az / n
	default:
		k := theta / (2 * math.Sin(theta))
		return k * vx, k * vy, k * vz
	}
}

// RelativeError returns Log(meas^-1 * from^-1 * to), the mismatch between a
// measured relative transform and the one implied by two pose estimates. It
// is zero exactly when from^-1*to equals meas.
func RelativeError(meas, from, to Transform) Tangent {
	return Log(meas.Inverse().Mul(from.Inverse()).Mul(to))
}
