// Package solver implements the match-and-solve kernel: keypoints of the
// current sweep are matched against geometric primitives fitted to a
// neighbor source (the previous sweep's keypoints, or the rolling map),
// and the 6-DoF pose minimising the point-to-line and point-to-plane
// distances is recovered with a Levenberg-Marquardt loop.
package solver

import (
	"math"

	"github.com/banshee-data/slam.report/internal/slam/pose"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Residual is one matched keypoint. Its value at pose T is
// sqrt(W) * || L * (R(s)*X + t(s) - P) || where L is the symmetric
// square root of A and (R(s), t(s)) the interpolated pose at the
// point's acquisition fraction.
type Residual struct {
	Kind int       // KindLine, KindPlane or KindBlob
	A    pose.Mat3 // symmetric PSD distance metric
	L    pose.Mat3 // symmetric square root of A
	X    r3.Vec    // keypoint in the sweep-start frame
	P    r3.Vec    // anchor point on the matched primitive
	S    float64   // intra-sweep time fraction (1 when undistortion is off)
	W    float64   // outlier weight in [0,1]
}

// Residual kinds.
const (
	KindLine = iota
	KindPlane
	KindBlob
)

// Eval returns the 3-vector residual at pose t.
func (r Residual) Eval(t pose.Transform) r3.Vec {
	moved := pose.Interpolate(t, r.S).Apply(r.X)
	return r3.Scale(math.Sqrt(r.W), r.L.MulVec(r3.Sub(moved, r.P)))
}

// sqrtPSD returns the symmetric square root of a symmetric PSD matrix
// via its eigendecomposition. Negative eigenvalues from roundoff are
// clamped to zero.
func sqrtPSD(a pose.Mat3) pose.Mat3 {
	sym := mat.NewSymDense(3, []float64{
		a[0], a[1], a[2],
		a[1], a[4], a[5],
		a[2], a[5], a[8],
	})
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return a
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	var out pose.Mat3
	for e := 0; e < 3; e++ {
		l := vals[e]
		if l < 0 {
			l = 0
		}
		s := math.Sqrt(l)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				out[i*3+j] += s * vecs.At(i, e) * vecs.At(j, e)
			}
		}
	}
	return out
}

// planeMetric builds A = n*n^T for a plane with unit normal n.
func planeMetric(n r3.Vec) pose.Mat3 {
	return pose.Mat3{
		n.X * n.X, n.X * n.Y, n.X * n.Z,
		n.Y * n.X, n.Y * n.Y, n.Y * n.Z,
		n.Z * n.X, n.Z * n.Y, n.Z * n.Z,
	}
}

// lineMetric builds A = (I - n*n^T) for a line with unit direction n.
// The projector is idempotent, so it equals its own square.
func lineMetric(n r3.Vec) pose.Mat3 {
	m := planeMetric(n)
	id := pose.Identity3()
	for i := range m {
		m[i] = id[i] - m[i]
	}
	return m
}

// mahalanobis returns sqrt((y-p)^T A (y-p)).
func mahalanobis(a pose.Mat3, y, p r3.Vec) float64 {
	d := r3.Sub(y, p)
	ad := a.MulVec(d)
	v := r3.Dot(d, ad)
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// outlierWeight attenuates residuals whose current distance d is large
// relative to the matching scale sigma: w = exp(-d^2/sigma^2).
func outlierWeight(d, sigma float64) float64 {
	if sigma <= 0 {
		return 1
	}
	return math.Exp(-d * d / (sigma * sigma))
}
