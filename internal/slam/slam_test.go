package slam

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/banshee-data/slam.report/internal/slam/cloud"
	"github.com/banshee-data/slam.report/internal/slam/pose"
	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/spatial/r3"
)

// raycastBox intersects a ray from c along dir with the walls of a
// square room (x = +/-10, y = +/-10) and its floor at z = -2.
func raycastBox(c, dir r3.Vec) (r3.Vec, bool) {
	best := math.Inf(1)
	if dir.Z < 0 {
		if t := (-2 - c.Z) / dir.Z; t > 0 {
			best = t
		}
	}
	for _, wall := range []struct {
		axis  int
		coord float64
	}{
		{0, 10}, {0, -10}, {1, 10}, {1, -10},
	} {
		var t float64
		switch wall.axis {
		case 0:
			if dir.X == 0 {
				continue
			}
			t = (wall.coord - c.X) / dir.X
		case 1:
			if dir.Y == 0 {
				continue
			}
			t = (wall.coord - c.Y) / dir.Y
		}
		if t <= 0 || t >= best {
			continue
		}
		hit := r3.Add(c, r3.Scale(t, dir))
		if math.Abs(hit.X) <= 10+1e-9 && math.Abs(hit.Y) <= 10+1e-9 {
			best = t
		}
	}
	if math.IsInf(best, 1) {
		return r3.Vec{}, false
	}
	return r3.Add(c, r3.Scale(best, dir)), true
}

// roomSweep simulates one revolution of an nLasers-beam sensor at world
// pose sensorPose inside the fixed square room. Points are returned in
// the sensor frame with per-point time fractions.
func roomSweep(sensorPose pose.Transform, nLasers, azSteps int) []cloud.Point {
	rot := sensorPose.Rotation()
	rotInv := rot.Transpose()
	var out []cloud.Point
	for az := 0; az < azSteps; az++ {
		frac := float64(az) / float64(azSteps-1)
		angle := 2 * math.Pi * frac
		for l := 0; l < nLasers; l++ {
			// the steep lower beams trace full floor rings, the upper
			// beams cover the walls
			elev := -0.35 + 0.45*float64(l)/float64(nLasers-1)
			dirSensor := r3.Vec{
				X: math.Cos(elev) * math.Sin(angle),
				Y: math.Cos(elev) * math.Cos(angle),
				Z: math.Sin(elev),
			}
			dirWorld := rot.MulVec(dirSensor)
			hit, ok := raycastBox(sensorPose.Trans, dirWorld)
			if !ok {
				continue
			}
			local := rotInv.MulVec(r3.Sub(hit, sensorPose.Trans))
			out = append(out, cloud.Point{
				X: local.X, Y: local.Y, Z: local.Z,
				Intensity: 100,
				Laser:     l,
				Time:      frac,
			})
		}
	}
	return out
}

func newTestPipeline(t *testing.T, mutate func(*Params)) *Pipeline {
	t.Helper()
	params := DefaultParams()
	params.NLasers = 8
	if mutate != nil {
		mutate(&params)
	}
	p, err := New(params)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestStaticSceneIdentity(t *testing.T) {
	p := newTestPipeline(t, nil)
	sweep := roomSweep(pose.Identity(), 8, 720)

	if _, err := p.AddSweep(sweep, 0.0); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	res, err := p.AddSweep(sweep, 0.1)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	v := res.TRelative.Vector()
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm = math.Sqrt(norm); norm > 1e-3 {
		t.Errorf("static scene TRelative norm = %g, want < 1e-3", norm)
	}
	if len(p.Trajectory()) != 2 {
		t.Errorf("trajectory length = %d, want 2", len(p.Trajectory()))
	}
}

func TestPureRotationRecovered(t *testing.T) {
	p := newTestPipeline(t, nil)
	deg := math.Pi / 180

	if _, err := p.AddSweep(roomSweep(pose.Identity(), 8, 720), 0.0); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	rotated := pose.Transform{Rot: r3.Vec{Z: 5 * deg}}
	res, err := p.AddSweep(roomSweep(rotated, 8, 720), 0.1)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	if got := res.EgoMotion.Pose.Rot.Z; math.Abs(got-5*deg) > 0.3*deg {
		t.Errorf("recovered rotation = %.3f deg, want 5 +/- 0.3", got/deg)
	}
	if trans := r3.Norm(res.EgoMotion.Pose.Trans); trans > 0.02 {
		t.Errorf("recovered translation = %g m, want < 0.02", trans)
	}
}

func TestStraightLineTranslation(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-sweep scenario")
	}
	p := newTestPipeline(t, nil)
	for i := 0; i < 11; i++ {
		sensor := pose.Transform{Trans: r3.Vec{X: 0.3 * float64(i)}}
		if _, err := p.AddSweep(roomSweep(sensor, 8, 720), float64(i)*0.1); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	final := p.WorldPose()
	if math.Abs(final.Trans.X-3.0) > 0.09 {
		t.Errorf("final tx = %g, want 3.0 +/- 3%%", final.Trans.X)
	}
	if math.Abs(final.Trans.Y) > 0.05 || math.Abs(final.Trans.Z) > 0.05 {
		t.Errorf("lateral drift y=%g z=%g, want < 0.05", final.Trans.Y, final.Trans.Z)
	}
}

// sparseSweep returns a sweep seeing only a small wall patch: enough to
// extract a few keypoints, far too few for a usable submap.
func sparseSweep() []cloud.Point {
	var out []cloud.Point
	n := 40
	for l := 0; l < 2; l++ {
		for i := 0; i < n; i++ {
			frac := float64(i) / float64(n-1)
			az := -0.1 + 0.2*frac
			d := 8.0 / math.Cos(az)
			out = append(out, cloud.Point{
				X:     d * math.Sin(az),
				Y:     d * math.Cos(az),
				Z:     0.2 * float64(l),
				Laser: l,
				Time:  frac,
			})
		}
	}
	return out
}

func TestMapDegenerateSkipsMapping(t *testing.T) {
	p := newTestPipeline(t, func(params *Params) {
		params.NLasers = 2
	})
	if _, err := p.AddSweep(sparseSweep(), 0.0); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	res, err := p.AddSweep(sparseSweep(), 0.1)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if !res.MappingSkipped {
		t.Errorf("mapping ran against a degenerate submap")
	}
	if !res.HasDiagnostic(ErrMapDegenerate) {
		t.Errorf("missing MapDegenerate diagnostic: %v", res.Diagnostics)
	}
	if len(p.Trajectory()) != 2 {
		t.Errorf("trajectory length = %d, want 2 (world pose still advances)", len(p.Trajectory()))
	}
}

func TestOverSpeedGuardRejectsFrame(t *testing.T) {
	p := newTestPipeline(t, func(params *Params) {
		params.MaxDistBetweenTwoFrames = 0.01
	})
	if _, err := p.AddSweep(roomSweep(pose.Identity(), 8, 720), 0.0); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	moved := pose.Transform{Trans: r3.Vec{X: 0.5}}
	_, err := p.AddSweep(roomSweep(moved, 8, 720), 0.1)
	if !errors.Is(err, ErrFrameRejected) {
		t.Fatalf("err = %v, want ErrFrameRejected", err)
	}
	if len(p.Trajectory()) != 1 {
		t.Errorf("trajectory length = %d after rejection, want 1", len(p.Trajectory()))
	}
	if got := p.WorldPose(); r3.Norm(got.Trans) != 0 {
		t.Errorf("world pose moved on a rejected frame: %+v", got)
	}
}

func TestResetRestoresInitialState(t *testing.T) {
	p := newTestPipeline(t, nil)
	sweep := roomSweep(pose.Identity(), 8, 720)
	if _, err := p.AddSweep(sweep, 0.0); err != nil {
		t.Fatalf("AddSweep: %v", err)
	}
	p.Reset()
	if len(p.Trajectory()) != 0 {
		t.Errorf("trajectory not cleared by Reset")
	}
	res, err := p.AddSweep(sweep, 1.0)
	if err != nil {
		t.Fatalf("AddSweep after Reset: %v", err)
	}
	if v := res.TWorld.Vector(); v != ([6]float64{}) {
		t.Errorf("first TWorld after Reset = %v, want identity", v)
	}
}

func TestEmptySweepRejected(t *testing.T) {
	p := newTestPipeline(t, nil)
	_, err := p.AddSweep(nil, 0.0)
	if !errors.Is(err, ErrFrameRejected) {
		t.Errorf("err = %v, want ErrFrameRejected", err)
	}
}

func TestInvalidConfigRefused(t *testing.T) {
	params := DefaultParams()
	params.NLasers = 0
	if _, err := New(params); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestOutOfRangeOptionsRejectedAtConfigTime(t *testing.T) {
	cases := []struct {
		name  string
		value float64
	}{
		{"EgoMotionLineDistanceNbrNeighbors", 0},
		{"EgoMotionPlaneDistanceNbrNeighbors", -1},
		{"EgoMotionMaxIter", 0},
		{"EgoMotionLineDistancefactor", 0},
		{"MappingLineDistanceNbrNeighbors", 0},
		{"MappingIcpFrequence", 0},
		{"MappingMaxPlaneDistance", -0.5},
		{"MaxVelocityAcceleration", 0},
		{"VelocityNormCov", -1},
	}
	for _, tc := range cases {
		params := DefaultParams()
		if err := params.Set(tc.name, tc.value); err != nil {
			t.Fatalf("Set(%s, %g): %v", tc.name, tc.value, err)
		}
		if err := params.Validate(); !errors.Is(err, ErrConfigInvalid) {
			t.Errorf("Validate accepted %s = %g", tc.name, tc.value)
		}
		if _, err := New(params); !errors.Is(err, ErrConfigInvalid) {
			t.Errorf("New accepted %s = %g", tc.name, tc.value)
		}
	}
}

func TestSetRejectsUnknownOption(t *testing.T) {
	params := DefaultParams()
	if err := params.Set("NoSuchOption", 1); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("unknown option accepted")
	}
}

func TestSetRoundtrip(t *testing.T) {
	a := DefaultParams()
	b := DefaultParams()
	if err := b.Set("FastSlam", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if cmp.Diff(a, b) == "" {
		t.Fatalf("Set(FastSlam, 0) had no effect")
	}
	if err := b.Set("FastSlam", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("params mismatch after roundtrip (-want +got):\n%s", diff)
	}
}

type fixedPrior struct {
	t pose.Transform
}

func (f fixedPrior) SampleAt(float64) (pose.Transform, bool) { return f.t, true }

func TestExternalPriorInitialisesWorldPose(t *testing.T) {
	p := newTestPipeline(t, nil)
	want := pose.Transform{Trans: r3.Vec{X: 2, Y: -1}}
	p.SetPosePrior(fixedPrior{t: want})
	res, err := p.AddSweep(roomSweep(pose.Identity(), 8, 720), 0.0)
	if err != nil {
		t.Fatalf("AddSweep: %v", err)
	}
	if math.Abs(res.TWorld.Trans.X-2) > 1e-9 || math.Abs(res.TWorld.Trans.Y+1) > 1e-9 {
		t.Errorf("TWorld = %+v, want prior pose", res.TWorld)
	}
}

func TestExportLoadTransforms(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trajectory.txt")
	traj := []TrajectoryEntry{
		{Timestamp: 0.0, Pose: pose.Transform{Trans: r3.Vec{X: 1, Y: 2, Z: 3}}},
		{Timestamp: 0.1, Pose: pose.Transform{Rot: r3.Vec{Z: 0.5}, Trans: r3.Vec{X: 1.5}}},
	}
	if err := ExportTransforms(path, traj); err != nil {
		t.Fatalf("ExportTransforms: %v", err)
	}
	got, err := LoadTransforms(path)
	if err != nil {
		t.Fatalf("LoadTransforms: %v", err)
	}
	if len(got) != len(traj) {
		t.Fatalf("loaded %d entries, want %d", len(got), len(traj))
	}
	for i := range got {
		gv, wv := got[i].Pose.Vector(), traj[i].Pose.Vector()
		for k := 0; k < 6; k++ {
			if math.Abs(gv[k]-wv[k]) > 1e-8 {
				t.Errorf("entry %d component %d = %g, want %g", i, k, gv[k], wv[k])
			}
		}
	}
}

func TestOnlyComputeKeypointsLeavesStateAlone(t *testing.T) {
	p := newTestPipeline(t, nil)
	kp := p.OnlyComputeKeypoints(roomSweep(pose.Identity(), 8, 720))
	if len(kp.Planars) == 0 {
		t.Errorf("no planars extracted from the synthetic room")
	}
	if p.FramesProcessed() != 0 || len(p.Trajectory()) != 0 {
		t.Errorf("OnlyComputeKeypoints touched pipeline state")
	}
}
