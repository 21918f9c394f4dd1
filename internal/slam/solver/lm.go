package solver

import (
	"math"

	"github.com/banshee-data/slam.report/internal/slam/cloud"
	"github.com/banshee-data/slam.report/internal/slam/pose"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// LMParams configures the Levenberg-Marquardt loop.
type LMParams struct {
	Lambda0     float64 // initial damping
	LambdaRatio float64 // accepted steps divide lambda by this, rejected multiply
	StepEps     float64 // terminate when the parameter step norm drops below this
	MaxRetries  int     // damping adjustments allowed per outer iteration
}

// DefaultLMParams returns the solver defaults.
func DefaultLMParams() LMParams {
	return LMParams{
		Lambda0:     1.0,
		LambdaRatio: 10.0,
		StepEps:     1e-6,
		MaxRetries:  10,
	}
}

// Prior is an optional soft constraint pulling the pose toward a
// predicted value, weighted by the inverse predicted covariance
// (diagonal). Used by the mapping stage when the Kalman motion model
// is enabled.
type Prior struct {
	Mean   pose.Transform
	InvCov [6]float64
}

// Result reports the outcome of a kernel run.
type Result struct {
	Pose           pose.Transform
	Converged      bool
	Iterations     int
	Residuals      int
	MatchedEdges   int
	MatchedPlanars int
	MatchedBlobs   int
	FinalCost      float64
}

// MatchAndSolve registers the current keypoints against the neighbor
// source, starting from t0. Matching is re-run every IcpFrequence
// iterations (and at iteration 0); in between, the residual set is
// re-evaluated at the current pose.
func MatchAndSolve(nbr *Neighborhood, edges, planars, blobs cloud.Cloud, t0 pose.Transform, undistort bool, mp MatchParams, lp LMParams, prior *Prior) Result {
	t := t0
	lambda := lp.Lambda0
	res := Result{Pose: t0}
	var residuals []Residual

	if mp.IcpFrequence < 1 {
		mp.IcpFrequence = 1
	}

	for iter := 0; iter < mp.MaxIter; iter++ {
		res.Iterations = iter + 1
		if iter%mp.IcpFrequence == 0 {
			residuals = matchAll(nbr, edges, planars, blobs, t, undistort, mp)
			res.Residuals = len(residuals)
			res.MatchedEdges, res.MatchedPlanars, res.MatchedBlobs = countMatches(residuals)
			if len(residuals) < 6 {
				// not enough constraints for a 6-DoF solve
				res.Converged = false
				res.FinalCost = cost(residuals, t, prior)
				return res
			}
		}

		jtj, jtr, c := normalEquations(residuals, t, prior)
		res.FinalCost = c

		var grad float64
		for i := 0; i < 6; i++ {
			grad += jtr.AtVec(i) * jtr.AtVec(i)
		}
		if math.Sqrt(grad) < lp.StepEps {
			res.Pose = t
			res.Converged = true
			return res
		}

		accepted := false
		for retry := 0; retry < lp.MaxRetries; retry++ {
			delta, ok := solveDamped(jtj, jtr, lambda)
			if !ok {
				lambda *= lp.LambdaRatio
				continue
			}
			trial := addDelta(t, delta)
			if trialCost := cost(residuals, trial, prior); trialCost < c {
				t = trial
				lambda /= lp.LambdaRatio
				accepted = true
				res.FinalCost = trialCost
				if norm6(delta) < lp.StepEps {
					res.Pose = t
					res.Converged = true
					return res
				}
				break
			}
			lambda *= lp.LambdaRatio
		}
		if !accepted {
			// damping exhausted: keep the last accepted pose
			res.Pose = t
			res.Converged = iter > 0
			return res
		}
	}

	res.Pose = t
	res.Converged = true
	return res
}

// countMatches splits the residual count back into keypoint classes.
func countMatches(residuals []Residual) (e, p, b int) {
	for _, r := range residuals {
		switch r.Kind {
		case KindLine:
			e++
		case KindPlane:
			p++
		default:
			b++
		}
	}
	return e, p, b
}

// normalEquations accumulates J^T J, J^T r and the scalar cost at t.
func normalEquations(residuals []Residual, t pose.Transform, prior *Prior) (jtj *mat.SymDense, jtr *mat.VecDense, c float64) {
	jtj = mat.NewSymDense(6, nil)
	jtr = mat.NewVecDense(6, nil)

	for _, r := range residuals {
		sw := math.Sqrt(r.W)
		interp := pose.Interpolate(t, r.S)
		moved := interp.Apply(r.X)
		f := r3.Scale(sw, r.L.MulVec(r3.Sub(moved, r.P)))
		c += f.X*f.X + f.Y*f.Y + f.Z*f.Z

		// d(R(s*rot)X)/drot_i carries the interpolation chain factor s
		drot := pose.RotationDeriv(interp.Rot, r.X)
		var jac [3][6]float64 // rows: residual components, cols: rx ry rz tx ty tz
		for col := 0; col < 3; col++ {
			dcol := r3.Scale(r.S*sw, r.L.MulVec(r3.Vec{X: drot[col], Y: drot[3+col], Z: drot[6+col]}))
			jac[0][col] = dcol.X
			jac[1][col] = dcol.Y
			jac[2][col] = dcol.Z
		}
		for col := 0; col < 3; col++ {
			e := r3.Vec{}
			switch col {
			case 0:
				e.X = 1
			case 1:
				e.Y = 1
			case 2:
				e.Z = 1
			}
			dcol := r3.Scale(r.S*sw, r.L.MulVec(e))
			jac[0][3+col] = dcol.X
			jac[1][3+col] = dcol.Y
			jac[2][3+col] = dcol.Z
		}

		fr := [3]float64{f.X, f.Y, f.Z}
		for i := 0; i < 6; i++ {
			for j := i; j < 6; j++ {
				var v float64
				for row := 0; row < 3; row++ {
					v += jac[row][i] * jac[row][j]
				}
				jtj.SetSym(i, j, jtj.At(i, j)+v)
			}
			var v float64
			for row := 0; row < 3; row++ {
				v += jac[row][i] * fr[row]
			}
			jtr.SetVec(i, jtr.AtVec(i)+v)
		}
	}

	if prior != nil {
		tv := t.Vector()
		mv := prior.Mean.Vector()
		for i := 0; i < 6; i++ {
			w := prior.InvCov[i]
			d := tv[i] - mv[i]
			jtj.SetSym(i, i, jtj.At(i, i)+w)
			jtr.SetVec(i, jtr.AtVec(i)+w*d)
			c += w * d * d
		}
	}
	return jtj, jtr, c
}

// cost evaluates the squared residual norm at t, including the prior.
func cost(residuals []Residual, t pose.Transform, prior *Prior) float64 {
	var c float64
	for _, r := range residuals {
		f := r.Eval(t)
		c += f.X*f.X + f.Y*f.Y + f.Z*f.Z
	}
	if prior != nil {
		tv := t.Vector()
		mv := prior.Mean.Vector()
		for i := 0; i < 6; i++ {
			d := tv[i] - mv[i]
			c += prior.InvCov[i] * d * d
		}
	}
	return c
}

// solveDamped solves (JtJ + lambda*diag(JtJ)) delta = -Jtr.
func solveDamped(jtj *mat.SymDense, jtr *mat.VecDense, lambda float64) ([6]float64, bool) {
	damped := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			v := jtj.At(i, j)
			if i == j {
				d := jtj.At(i, i)
				if d == 0 {
					d = 1e-12
				}
				v += lambda * d
			}
			damped.Set(i, j, v)
		}
	}
	rhs := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		rhs.SetVec(i, -jtr.AtVec(i))
	}
	var sol mat.VecDense
	if err := sol.SolveVec(damped, rhs); err != nil {
		return [6]float64{}, false
	}
	var out [6]float64
	for i := 0; i < 6; i++ {
		v := sol.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return out, false
		}
		out[i] = v
	}
	return out, true
}

func addDelta(t pose.Transform, d [6]float64) pose.Transform {
	v := t.Vector()
	for i := range v {
		v[i] += d[i]
	}
	return pose.FromVector(v)
}

func norm6(d [6]float64) float64 {
	var s float64
	for _, v := range d {
		s += v * v
	}
	return math.Sqrt(s)
}
