package motion

import (
	"math"
	"testing"

	"github.com/banshee-data/slam.report/internal/slam/pose"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestConstantVelocityPrediction(t *testing.T) {
	f := NewFilter(DefaultParams(), ModeMotionOnly)

	// feed poses advancing 0.3m along x every 0.1s
	for i := 0; i < 10; i++ {
		ts := float64(i) * 0.1
		f.SetCurrentTime(ts)
		f.Prediction()
		measured := pose.Transform{Trans: r3.Vec{X: 0.3 * float64(i)}}
		f.Correction(measured, 1e-4)
	}

	// predict one step ahead: expect ~x=3.0
	f.SetCurrentTime(1.0)
	f.Prediction()
	got := f.PredictedPose()
	if math.Abs(got.Trans.X-3.0) > 0.1 {
		t.Errorf("predicted x = %g, want ~3.0", got.Trans.X)
	}
	if math.Abs(got.Trans.Y) > 0.05 || math.Abs(got.Trans.Z) > 0.05 {
		t.Errorf("predicted off-axis drift: y=%g z=%g", got.Trans.Y, got.Trans.Z)
	}
	if f.Measures() != 10 {
		t.Errorf("Measures = %d, want 10", f.Measures())
	}
}

func TestCorrectionConvergesToMeasurement(t *testing.T) {
	f := NewFilter(DefaultParams(), ModeMotionOnly)
	target := pose.Transform{
		Rot:   r3.Vec{Z: 0.2},
		Trans: r3.Vec{X: 1, Y: -2, Z: 0.5},
	}
	for i := 0; i < 5; i++ {
		f.SetCurrentTime(float64(i) * 0.1)
		f.Prediction()
		f.Correction(target, 1e-4)
	}
	got := f.PredictedPose()
	if math.Abs(got.Trans.X-1) > 1e-2 || math.Abs(got.Rot.Z-0.2) > 1e-2 {
		t.Errorf("state did not converge to repeated measurement: %+v", got)
	}
}

func TestVelocityMeasurementTightensSpeed(t *testing.T) {
	f := NewFilter(DefaultParams(), ModeVelocity)
	for i := 0; i < 8; i++ {
		f.SetCurrentTime(float64(i) * 0.1)
		f.Prediction()
		measured := pose.Transform{Trans: r3.Vec{X: 0.3 * float64(i)}}
		// external sensor reports the true 3 m/s speed
		f.CorrectionWithVelocity(measured, 1e-3, 3.0)
	}
	if got := f.TranslationalSpeed(); math.Abs(got-3.0) > 0.5 {
		t.Errorf("speed estimate = %g, want ~3.0", got)
	}
	d := f.PoseCovDiag()
	for i, c := range d {
		if c <= 0 {
			t.Errorf("cov diag %d = %g, want positive", i, c)
		}
	}
}

func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	cases := []Params{
		{MaxVelocityAcceleration: 0, MaxAngleAcceleration: 5, VelocityNormCov: 0.05},
		{MaxVelocityAcceleration: 15, MaxAngleAcceleration: -1, VelocityNormCov: 0.05},
		{MaxVelocityAcceleration: 15, MaxAngleAcceleration: 5, VelocityNormCov: 0},
	}
	for i, p := range cases {
		if err := p.Validate(); err == nil {
			t.Errorf("case %d accepted: %+v", i, p)
		}
	}
}

func TestResetClearsState(t *testing.T) {
	f := NewFilter(DefaultParams(), ModeMotionOnly)
	f.SetCurrentTime(0)
	f.Prediction()
	f.Correction(pose.Transform{Trans: r3.Vec{X: 5}}, 1e-4)
	f.Reset()
	got := f.PredictedPose()
	if got.Trans.X != 0 || f.Measures() != 0 {
		t.Errorf("Reset left state %+v, measures %d", got, f.Measures())
	}
}
