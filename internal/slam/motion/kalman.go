// Package motion implements the constant-velocity Kalman motion model:
// a 12-state filter over the 6-DoF pose and its first time-derivatives.
// The pipeline feeds it the world pose after every sweep; its
// prediction acts as a soft prior inside the mapping solve. The
// ego-motion initial guess does not use the prediction. Mode 1
// additionally ingests a scalar speed measurement from an auxiliary
// sensor.
package motion

import (
	"fmt"
	"math"

	"github.com/banshee-data/slam.report/internal/slam/pose"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Filter modes.
const (
	ModeMotionOnly = 0 // pose measurements only
	ModeVelocity   = 1 // pose measurements + external speed measurement
)

// Params bounds the process noise. The accelerations are worst-case
// values for the carrying vehicle; process covariance grows as (a*dt)^2.
type Params struct {
	MaxVelocityAcceleration float64 // m/s^2
	MaxAngleAcceleration    float64 // rad/s^2
	VelocityNormCov         float64 // variance of the external speed measurement
}

// DefaultParams returns the motion-model defaults.
func DefaultParams() Params {
	return Params{
		MaxVelocityAcceleration: 15.0,
		MaxAngleAcceleration:    5.0,
		VelocityNormCov:         0.05,
	}
}

// Validate checks the noise bounds.
func (p Params) Validate() error {
	if p.MaxVelocityAcceleration <= 0 {
		return fmt.Errorf("motion: MaxVelocityAcceleration = %g, need > 0", p.MaxVelocityAcceleration)
	}
	if p.MaxAngleAcceleration <= 0 {
		return fmt.Errorf("motion: MaxAngleAcceleration = %g, need > 0", p.MaxAngleAcceleration)
	}
	if p.VelocityNormCov <= 0 {
		return fmt.Errorf("motion: VelocityNormCov = %g, need > 0", p.VelocityNormCov)
	}
	return nil
}

// Filter is the 12-state constant-velocity estimator. The state vector
// is (rx, ry, rz, tx, ty, tz, drx, dry, drz, dtx, dty, dtz).
type Filter struct {
	params Params
	mode   int

	state *mat.VecDense // 12
	cov   *mat.Dense    // 12x12

	prevTime float64
	dt       float64
	measures int
}

// NewFilter builds a reset filter in the given mode.
func NewFilter(params Params, mode int) *Filter {
	f := &Filter{params: params, mode: mode}
	f.Reset()
	return f
}

// Reset clears the state and restores the large initial covariance.
func (f *Filter) Reset() {
	f.state = mat.NewVecDense(12, nil)
	f.cov = mat.NewDense(12, 12, nil)
	for i := 0; i < 12; i++ {
		f.cov.Set(i, i, 1e2)
	}
	f.prevTime = 0
	f.dt = 0
	f.measures = 0
}

// Mode returns the filter mode.
func (f *Filter) Mode() int { return f.mode }

// Measures returns the number of pose corrections applied so far.
func (f *Filter) Measures() int { return f.measures }

// SetCurrentTime advances the filter clock; the delta to the previous
// call drives the next Prediction.
func (f *Filter) SetCurrentTime(t float64) {
	if f.measures > 0 {
		f.dt = t - f.prevTime
	}
	f.prevTime = t
}

// SetInitialState seeds the pose part of the state, leaving the
// velocity at zero.
func (f *Filter) SetInitialState(p pose.Transform, cov float64) {
	v := p.Vector()
	for i := 0; i < 6; i++ {
		f.state.SetVec(i, v[i])
		f.cov.Set(i, i, cov)
	}
}

// transition returns the constant-velocity state matrix for dt.
func transition(dt float64) *mat.Dense {
	F := mat.NewDense(12, 12, nil)
	for i := 0; i < 12; i++ {
		F.Set(i, i, 1)
	}
	for i := 0; i < 6; i++ {
		F.Set(i, i+6, dt)
	}
	return F
}

// processNoise returns Q for dt under the worst-case accelerations.
func (f *Filter) processNoise(dt float64) *mat.Dense {
	Q := mat.NewDense(12, 12, nil)
	posAng := f.params.MaxAngleAcceleration * dt * dt / 2
	posVel := f.params.MaxVelocityAcceleration * dt * dt / 2
	velAng := f.params.MaxAngleAcceleration * dt
	velVel := f.params.MaxVelocityAcceleration * dt
	for i := 0; i < 3; i++ {
		Q.Set(i, i, posAng*posAng)
		Q.Set(i+3, i+3, posVel*posVel)
		Q.Set(i+6, i+6, velAng*velAng)
		Q.Set(i+9, i+9, velVel*velVel)
	}
	return Q
}

// Prediction runs the time update: x = F x, P = F P F^T + Q.
func (f *Filter) Prediction() {
	F := transition(f.dt)
	var x mat.VecDense
	x.MulVec(F, f.state)
	f.state.CopyVec(&x)

	var fp, fpft mat.Dense
	fp.Mul(F, f.cov)
	fpft.Mul(&fp, F.T())
	fpft.Add(&fpft, f.processNoise(f.dt))
	f.cov.Copy(&fpft)
}

// Correction applies a pose measurement (measurement covariance is a
// scalar variance per component).
func (f *Filter) Correction(measured pose.Transform, measCov float64) {
	H := mat.NewDense(6, 12, nil)
	for i := 0; i < 6; i++ {
		H.Set(i, i, 1)
	}
	R := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		R.Set(i, i, measCov)
	}
	z := measured.Vector()
	y := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		y.SetVec(i, z[i]-f.state.AtVec(i))
	}
	f.update(H, R, y)
	f.measures++
}

// CorrectionWithVelocity applies a pose measurement plus an external
// scalar speed measurement (mode 1). The speed row is linearised about
// the current velocity estimate.
func (f *Filter) CorrectionWithVelocity(measured pose.Transform, measCov, speed float64) {
	if f.mode != ModeVelocity {
		f.Correction(measured, measCov)
		return
	}
	v := r3.Vec{X: f.state.AtVec(9), Y: f.state.AtVec(10), Z: f.state.AtVec(11)}
	norm := r3.Norm(v)
	if norm < 1e-9 {
		// no direction to linearise against yet
		f.Correction(measured, measCov)
		return
	}

	H := mat.NewDense(7, 12, nil)
	for i := 0; i < 6; i++ {
		H.Set(i, i, 1)
	}
	H.Set(6, 9, v.X/norm)
	H.Set(6, 10, v.Y/norm)
	H.Set(6, 11, v.Z/norm)

	R := mat.NewDense(7, 7, nil)
	for i := 0; i < 6; i++ {
		R.Set(i, i, measCov)
	}
	R.Set(6, 6, f.params.VelocityNormCov)

	z := measured.Vector()
	y := mat.NewVecDense(7, nil)
	for i := 0; i < 6; i++ {
		y.SetVec(i, z[i]-f.state.AtVec(i))
	}
	y.SetVec(6, speed-norm)

	f.update(H, R, y)
	f.measures++
}

// update runs the standard Kalman measurement update for innovation y.
func (f *Filter) update(H, R *mat.Dense, y *mat.VecDense) {
	var ph, s mat.Dense
	ph.Mul(f.cov, H.T()) // 12xm
	s.Mul(H, &ph)        // mxm
	s.Add(&s, R)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return // singular innovation covariance; skip the update
	}

	var k mat.Dense
	k.Mul(&ph, &sInv) // 12xm

	var dx mat.VecDense
	dx.MulVec(&k, y)
	f.state.AddVec(f.state, &dx)

	kh := mat.NewDense(12, 12, nil)
	var khTmp mat.Dense
	khTmp.Mul(&k, H)
	kh.Copy(&khTmp)
	ikh := mat.NewDense(12, 12, nil)
	for i := 0; i < 12; i++ {
		ikh.Set(i, i, 1)
	}
	ikh.Sub(ikh, kh)
	var newCov mat.Dense
	newCov.Mul(ikh, f.cov)
	f.cov.Copy(&newCov)
}

// TranslationalSpeed returns the norm of the translational velocity
// estimate in m/s.
func (f *Filter) TranslationalSpeed() float64 {
	v := r3.Vec{X: f.state.AtVec(9), Y: f.state.AtVec(10), Z: f.state.AtVec(11)}
	return r3.Norm(v)
}

// PredictedPose returns the pose part of the state.
func (f *Filter) PredictedPose() pose.Transform {
	var v [6]float64
	for i := 0; i < 6; i++ {
		v[i] = f.state.AtVec(i)
	}
	return pose.FromVector(v)
}

// PoseCovDiag returns the diagonal of the pose covariance block,
// used as the inverse-weight of the mapping prior.
func (f *Filter) PoseCovDiag() [6]float64 {
	var d [6]float64
	for i := 0; i < 6; i++ {
		c := f.cov.At(i, i)
		if c <= 0 || math.IsNaN(c) {
			c = 1e2
		}
		d[i] = c
	}
	return d
}
