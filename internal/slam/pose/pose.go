// Package pose implements the rigid-transform algebra used by the SLAM
// pipeline. A transform is a 6-vector: an axis-angle rotation (rx, ry, rz)
// whose norm is the rotation angle in radians, and a translation
// (tx, ty, tz) in meters. The axis-angle form makes intra-sweep
// interpolation exact: the pose at time fraction s is the axis-angle
// scaled by s and the translation scaled by s.
package pose

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// smallAngle is the squared-angle threshold below which the Rodrigues
// series expansions are used instead of the closed form.
const smallAngle = 1e-12

// Mat3 is a row-major 3x3 matrix. The flat layout matches the row-major
// [16]float64 convention used for 4x4 pose matrices.
type Mat3 [9]float64

// Identity3 returns the 3x3 identity.
func Identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// MulVec applies m to v.
func (m Mat3) MulVec(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// Mul returns m * n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = m[i*3]*n[j] + m[i*3+1]*n[3+j] + m[i*3+2]*n[6+j]
		}
	}
	return out
}

// Transpose returns the transpose of m. For a rotation matrix this is
// the inverse.
func (m Mat3) Transpose() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// Skew returns the cross-product matrix [v]x such that Skew(v).MulVec(w) == v x w.
func Skew(v r3.Vec) Mat3 {
	return Mat3{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	}
}

// Transform is a rigid transform parameterised as an axis-angle rotation
// vector and a translation.
type Transform struct {
	Rot   r3.Vec // axis-angle rotation vector (radians)
	Trans r3.Vec // translation (meters)
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{}
}

// FromVector builds a Transform from the 6-vector (rx, ry, rz, tx, ty, tz).
func FromVector(v [6]float64) Transform {
	return Transform{
		Rot:   r3.Vec{X: v[0], Y: v[1], Z: v[2]},
		Trans: r3.Vec{X: v[3], Y: v[4], Z: v[5]},
	}
}

// Vector returns the 6-vector (rx, ry, rz, tx, ty, tz).
func (t Transform) Vector() [6]float64 {
	return [6]float64{t.Rot.X, t.Rot.Y, t.Rot.Z, t.Trans.X, t.Trans.Y, t.Trans.Z}
}

// Rotation returns the rotation matrix of t via the Rodrigues formula
// R = I + sin(a)/a [w]x + (1-cos(a))/a^2 [w]x^2 with a = |w|.
func (t Transform) Rotation() Mat3 {
	return ExpRodrigues(t.Rot)
}

// ExpRodrigues maps an axis-angle vector to its rotation matrix.
func ExpRodrigues(w r3.Vec) Mat3 {
	a2 := w.X*w.X + w.Y*w.Y + w.Z*w.Z
	k := Skew(w)
	k2 := k.Mul(k)
	var c1, c2 float64
	if a2 < smallAngle {
		// second-order series: sin(a)/a ~ 1 - a^2/6, (1-cos a)/a^2 ~ 1/2 - a^2/24
		c1 = 1 - a2/6
		c2 = 0.5 - a2/24
	} else {
		a := math.Sqrt(a2)
		c1 = math.Sin(a) / a
		c2 = (1 - math.Cos(a)) / a2
	}
	m := Identity3()
	for i := range m {
		m[i] += c1*k[i] + c2*k2[i]
	}
	return m
}

// LogRotation recovers the axis-angle vector from a rotation matrix.
func LogRotation(m Mat3) r3.Vec {
	trace := m[0] + m[4] + m[8]
	cosA := (trace - 1) / 2
	if cosA > 1 {
		cosA = 1
	} else if cosA < -1 {
		cosA = -1
	}
	a := math.Acos(cosA)
	if a < 1e-9 {
		return r3.Vec{}
	}
	axis := r3.Vec{
		X: m[7] - m[5],
		Y: m[2] - m[6],
		Z: m[3] - m[1],
	}
	sinA := math.Sin(a)
	if math.Abs(sinA) < 1e-9 {
		// angle near pi: recover axis from the diagonal
		ax := math.Sqrt(math.Max(0, (m[0]+1)/2))
		ay := math.Sqrt(math.Max(0, (m[4]+1)/2))
		az := math.Sqrt(math.Max(0, (m[8]+1)/2))
		if m[1] < 0 {
			ay = -ay
		}
		if m[2] < 0 {
			az = -az
		}
		return r3.Scale(a, r3.Vec{X: ax, Y: ay, Z: az})
	}
	return r3.Scale(a/(2*sinA), axis)
}

// FromRotation builds a transform from a rotation matrix and a
// translation.
func FromRotation(m Mat3, trans r3.Vec) Transform {
	return Transform{Rot: LogRotation(m), Trans: trans}
}

// Apply maps a point through the transform: R*x + t.
func (t Transform) Apply(x r3.Vec) r3.Vec {
	return r3.Add(t.Rotation().MulVec(x), t.Trans)
}

// ApplyInverse maps a point through the inverse transform: R^T (x - t).
func (t Transform) ApplyInverse(x r3.Vec) r3.Vec {
	return t.Rotation().Transpose().MulVec(r3.Sub(x, t.Trans))
}

// Compose returns a∘b, the transform that applies b first then a.
// Composition is how relative sweep motion is folded into the world
// pose: Tworld_i = Compose(Tworld_{i-1}, Trelative_i).
func Compose(a, b Transform) Transform {
	ra := a.Rotation()
	rb := b.Rotation()
	return Transform{
		Rot:   LogRotation(ra.Mul(rb)),
		Trans: r3.Add(ra.MulVec(b.Trans), a.Trans),
	}
}

// Inverse returns the inverse transform.
func (t Transform) Inverse() Transform {
	rInv := t.Rotation().Transpose()
	return Transform{
		Rot:   r3.Scale(-1, t.Rot),
		Trans: r3.Scale(-1, rInv.MulVec(t.Trans)),
	}
}

// Interpolate returns the pose at time fraction s in [0,1] under the
// constant-velocity sweep model: rotation axis-angle scaled by s,
// translation scaled by s. Interpolate(t, 0) is the identity and
// Interpolate(t, 1) == t.
func Interpolate(t Transform, s float64) Transform {
	return Transform{
		Rot:   r3.Scale(s, t.Rot),
		Trans: r3.Scale(s, t.Trans),
	}
}

// TransformToEnd expresses a start-frame point in the frame the sensor
// occupies at time fraction s: T(s) * x.
func TransformToEnd(x r3.Vec, s float64, t Transform) r3.Vec {
	return Interpolate(t, s).Apply(x)
}

// TransformToStart is the exact inverse of TransformToEnd: it expresses
// a point acquired at time fraction s back in the sweep-start frame.
func TransformToStart(x r3.Vec, s float64, t Transform) r3.Vec {
	return Interpolate(t, s).ApplyInverse(x)
}

// Matrix4 returns the row-major 4x4 homogeneous matrix of t.
func (t Transform) Matrix4() [16]float64 {
	r := t.Rotation()
	return [16]float64{
		r[0], r[1], r[2], t.Trans.X,
		r[3], r[4], r[5], t.Trans.Y,
		r[6], r[7], r[8], t.Trans.Z,
		0, 0, 0, 1,
	}
}

// FromMatrix4 builds a Transform from a row-major 4x4 homogeneous matrix.
func FromMatrix4(m [16]float64) Transform {
	r := Mat3{m[0], m[1], m[2], m[4], m[5], m[6], m[8], m[9], m[10]}
	return Transform{
		Rot:   LogRotation(r),
		Trans: r3.Vec{X: m[3], Y: m[7], Z: m[11]},
	}
}

// RotationDeriv returns the three partial derivatives d(R(w)x)/dw_i for
// the Rodrigues rotation, packed as the columns of a 3x3 matrix. Uses
// the closed form of Gallego & Yezzi; near the identity it reduces to
// d(Rx)/dw_i = [e_i]x * x = e_i cross x.
func RotationDeriv(w, x r3.Vec) Mat3 {
	a2 := w.X*w.X + w.Y*w.Y + w.Z*w.Z
	if a2 < smallAngle {
		// columns are e_i x x
		cols := [3]r3.Vec{
			{X: 0, Y: -x.Z, Z: x.Y},
			{X: x.Z, Y: 0, Z: -x.X},
			{X: -x.Y, Y: x.X, Z: 0},
		}
		return Mat3{
			cols[0].X, cols[1].X, cols[2].X,
			cols[0].Y, cols[1].Y, cols[2].Y,
			cols[0].Z, cols[1].Z, cols[2].Z,
		}
	}
	r := ExpRodrigues(w)
	rx := r.MulVec(x)
	wCrossRx := r3.Cross(w, rx)
	var cols [3]r3.Vec
	for i := 0; i < 3; i++ {
		e := r3.Vec{}
		switch i {
		case 0:
			e.X = 1
		case 1:
			e.Y = 1
		case 2:
			e.Z = 1
		}
		// dR/dw_i * x = (w_i [w]x + [ w x (I-R) e_i ]x) / |w|^2 * R x
		wi := [3]float64{w.X, w.Y, w.Z}[i]
		imre := r3.Sub(e, r.MulVec(e))
		term := r3.Add(r3.Scale(wi, wCrossRx), r3.Cross(r3.Cross(w, imre), rx))
		cols[i] = r3.Scale(1/a2, term)
	}
	return Mat3{
		cols[0].X, cols[1].X, cols[2].X,
		cols[0].Y, cols[1].Y, cols[2].Y,
		cols[0].Z, cols[1].Z, cols[2].Z,
	}
}
