package solver

import (
	"math"
	"testing"

	"github.com/banshee-data/slam.report/internal/slam/cloud"
	"github.com/banshee-data/slam.report/internal/slam/pose"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// room builds a synthetic scene rich in planar and edge structure:
// three mutually orthogonal walls and one vertical edge line.
func room(step float64) (edges, planars cloud.Cloud) {
	for u := -3.0; u <= 3.0; u += step {
		for v := -3.0; v <= 3.0; v += step {
			planars = append(planars,
				cloud.Point{X: 5, Y: u, Z: v, Time: 1},
				cloud.Point{X: u, Y: 5, Z: v, Time: 1},
				cloud.Point{X: u, Y: v, Z: -2, Time: 1},
			)
		}
	}
	for h := -3.0; h <= 3.0; h += step / 2 {
		edges = append(edges, cloud.Point{X: 2, Y: 3, Z: h, Time: 1})
	}
	return edges, planars
}

// moveCloud expresses pts in the frame of a sensor displaced by t:
// x_current = t^-1(x_reference), so registering current against
// reference must recover t.
func moveCloud(pts cloud.Cloud, t pose.Transform) cloud.Cloud {
	inv := t.Inverse()
	out := make(cloud.Cloud, len(pts))
	for i, p := range pts {
		out[i] = p.WithVec(inv.Apply(p.Vec()))
	}
	return out
}

func solveAgainstRoom(t *testing.T, truth pose.Transform, t0 pose.Transform) Result {
	t.Helper()
	refEdges, refPlanars := room(0.3)
	nbr := NewNeighborhood(refEdges, refPlanars, nil)
	curEdges := moveCloud(refEdges, truth)
	curPlanars := moveCloud(refPlanars, truth)
	return MatchAndSolve(nbr, curEdges, curPlanars, nil, t0, false, EgoMotionDefaults(), DefaultLMParams(), nil)
}

func TestSolveIdentity(t *testing.T) {
	res := solveAgainstRoom(t, pose.Identity(), pose.Identity())
	require.True(t, res.Converged, "identity solve should converge")
	v := res.Pose.Vector()
	for i, x := range v {
		require.InDelta(t, 0, x, 1e-3, "component %d", i)
	}
}

func TestSolveKnownTranslation(t *testing.T) {
	truth := pose.Transform{Trans: r3.Vec{X: 0.3, Y: -0.1, Z: 0.05}}
	res := solveAgainstRoom(t, truth, pose.Identity())
	require.True(t, res.Converged)
	got := res.Pose
	require.InDelta(t, truth.Trans.X, got.Trans.X, 0.01)
	require.InDelta(t, truth.Trans.Y, got.Trans.Y, 0.01)
	require.InDelta(t, truth.Trans.Z, got.Trans.Z, 0.01)
	require.Less(t, r3.Norm(got.Rot), 0.01, "rotation should stay near zero")
}

func TestSolveKnownRotation(t *testing.T) {
	deg := math.Pi / 180
	truth := pose.Transform{Rot: r3.Vec{Z: 5 * deg}}
	res := solveAgainstRoom(t, truth, pose.Identity())
	require.True(t, res.Converged)
	got := res.Pose
	require.InDelta(t, 5*deg, got.Rot.Z, 0.3*deg)
	require.Less(t, r3.Norm(got.Trans), 0.02)
}

func TestSolveRejectsDegenerateSource(t *testing.T) {
	// a rod-like "planar" cloud must produce zero plane residuals
	var rod cloud.Cloud
	for h := -3.0; h <= 3.0; h += 0.05 {
		rod = append(rod, cloud.Point{X: 1, Y: 1, Z: h, Time: 1})
	}
	nbr := NewNeighborhood(nil, rod, nil)
	res := MatchAndSolve(nbr, nil, rod, nil, pose.Identity(), false, EgoMotionDefaults(), DefaultLMParams(), nil)
	require.Zero(t, res.MatchedPlanars, "rod neighborhood passed the planar test")
	require.False(t, res.Converged)
}

func TestSolveTooFewResiduals(t *testing.T) {
	nbr := NewNeighborhood(nil, nil, nil)
	kp := cloud.Cloud{{X: 1, Time: 1}}
	res := MatchAndSolve(nbr, kp, kp, nil, pose.Identity(), false, EgoMotionDefaults(), DefaultLMParams(), nil)
	require.False(t, res.Converged)
	require.Zero(t, res.Residuals)
}

func TestPriorPullsSolution(t *testing.T) {
	truth := pose.Transform{Trans: r3.Vec{X: 0.3}}
	refEdges, refPlanars := room(0.3)
	nb := NewNeighborhood(refEdges, refPlanars, nil)
	curEdges := moveCloud(refEdges, truth)
	curPlanars := moveCloud(refPlanars, truth)
	prior := &Prior{Mean: truth, InvCov: [6]float64{1e4, 1e4, 1e4, 1e4, 1e4, 1e4}}
	res := MatchAndSolve(nb, curEdges, curPlanars, nil, pose.Identity(), false, EgoMotionDefaults(), DefaultLMParams(), prior)
	require.True(t, res.Converged)
	require.InDelta(t, 0.3, res.Pose.Trans.X, 0.02)
}

func TestMatchParamsValidate(t *testing.T) {
	for _, defaults := range []MatchParams{EgoMotionDefaults(), MappingDefaults()} {
		require.NoError(t, defaults.Validate())
	}

	mutations := []func(*MatchParams){
		func(p *MatchParams) { p.MaxIter = 0 },
		func(p *MatchParams) { p.IcpFrequence = 0 },
		func(p *MatchParams) { p.LineNbrNeighbors = 0 },
		func(p *MatchParams) { p.PlaneNbrNeighbors = -2 },
		func(p *MatchParams) { p.MinimumLineNeighborRejection = 0 },
		func(p *MatchParams) { p.LineDistancefactor = 0 },
		func(p *MatchParams) { p.PlaneDistancefactor1 = -1 },
		func(p *MatchParams) { p.PlaneDistancefactor2 = 0 },
		func(p *MatchParams) { p.MaxLineDistance = 0 },
		func(p *MatchParams) { p.MaxPlaneDistance = -0.1 },
		func(p *MatchParams) { p.LineMaxDistInlier = -0.1 },
		func(p *MatchParams) { p.MaxDistanceForICPMatching = 0 },
		func(p *MatchParams) { p.IncertitudeCoef = -1 },
	}
	for i, mutate := range mutations {
		p := EgoMotionDefaults()
		mutate(&p)
		require.Error(t, p.Validate(), "mutation %d accepted", i)
	}
}

func TestUndistortedResidualUsesTimeFraction(t *testing.T) {
	r := Residual{
		Kind: KindPlane,
		A:    planeMetric(r3.Vec{X: 1}),
		L:    sqrtPSD(planeMetric(r3.Vec{X: 1})),
		X:    r3.Vec{X: 1},
		P:    r3.Vec{X: 2},
		S:    0.5,
		W:    1,
	}
	tr := pose.Transform{Trans: r3.Vec{X: 2}}
	// at s=0.5 the point moves by half the translation: 1 + 1 - 2 = 0
	v := r.Eval(tr)
	if math.Abs(v.X) > 1e-12 || math.Abs(v.Y) > 1e-12 || math.Abs(v.Z) > 1e-12 {
		t.Errorf("Eval = %+v, want zero residual at s=0.5", v)
	}
}
