package keypoints

import (
	"math"
	"testing"

	"github.com/banshee-data/slam.report/internal/slam/cloud"
)

// syntheticLine builds a scan line sweeping azimuth across two parallel
// wall segments, y=10 for az<=0 and a nearer one at y=8 for az>0. The
// range step at az=0 should label an edge; the flat stretches should
// label planars.
func syntheticLine(laser int) cloud.Cloud {
	var line cloud.Cloud
	n := 120
	for i := 0; i < n; i++ {
		frac := float64(i) / float64(n-1)
		az := -0.5 + frac // radians, narrow frontal window
		// two wall segments meeting at az=0 form a corner
		dist := 10.0 / math.Cos(az)
		if az > 0 {
			dist = 8.0 / math.Cos(az)
		}
		line = append(line, cloud.Point{
			X:     dist * math.Sin(az),
			Y:     dist * math.Cos(az),
			Z:     0.1 * float64(laser),
			Laser: laser,
			Time:  frac,
		})
	}
	return line
}

func TestExtractFindsEdgesAndPlanars(t *testing.T) {
	params := DefaultParams()
	sweep := cloud.Sweep{Lines: []cloud.Cloud{syntheticLine(0), syntheticLine(1)}}
	kp := Extract(sweep, params, false)

	if len(kp.Planars) == 0 {
		t.Fatalf("no planar keypoints on flat walls")
	}
	if len(kp.DensePlanars) < len(kp.Planars) {
		t.Errorf("dense planars (%d) smaller than sparse planars (%d)", len(kp.DensePlanars), len(kp.Planars))
	}
	for _, p := range kp.Planars {
		if p.Label != cloud.LabelPlanar {
			t.Errorf("planar point carries label %d", p.Label)
		}
	}
	for _, p := range kp.Edges {
		if p.Label != cloud.LabelEdge {
			t.Errorf("edge point carries label %d", p.Label)
		}
	}
}

func TestPerLineCaps(t *testing.T) {
	params := DefaultParams()
	params.MaxEdgePerScanLine = 1
	params.MaxPlanarsPerScanLine = 3
	sweep := cloud.Sweep{Lines: []cloud.Cloud{syntheticLine(0)}}
	kp := Extract(sweep, params, false)
	if len(kp.Edges) > 1 {
		t.Errorf("edge cap violated: %d", len(kp.Edges))
	}
	if len(kp.Planars) > 3 {
		t.Errorf("planar cap violated: %d", len(kp.Planars))
	}
}

func TestShortLineYieldsNothing(t *testing.T) {
	params := DefaultParams()
	short := make(cloud.Cloud, 2*params.NeighborWidth) // one below the minimum
	for i := range short {
		short[i] = cloud.Point{X: 5, Y: float64(i)}
	}
	kp := Extract(cloud.Sweep{Lines: []cloud.Cloud{short}}, params, false)
	if len(kp.Edges)+len(kp.Planars)+len(kp.DensePlanars) != 0 {
		t.Errorf("short line produced keypoints")
	}
}

func TestMinDistanceInvalidation(t *testing.T) {
	params := DefaultParams()
	// straight wall closer than MinDistanceToSensor
	var line cloud.Cloud
	for i := 0; i < 60; i++ {
		az := -0.3 + float64(i)*0.01
		d := 1.0 / math.Cos(az) // ~1m, below the 3m floor
		line = append(line, cloud.Point{X: d * math.Sin(az), Y: d * math.Cos(az)})
	}
	kp := Extract(cloud.Sweep{Lines: []cloud.Cloud{line}}, params, false)
	if len(kp.Planars) != 0 || len(kp.Edges) != 0 {
		t.Errorf("points below MinDistanceToSensor were labelled (%d planars, %d edges)",
			len(kp.Planars), len(kp.Edges))
	}
}

func TestDebugArraysPopulated(t *testing.T) {
	sweep := cloud.Sweep{Lines: []cloud.Cloud{syntheticLine(0)}}
	kp := Extract(sweep, DefaultParams(), true)
	if kp.Debug == nil {
		t.Fatalf("debug arrays not populated")
	}
	if len(kp.Debug.Angles) != 1 || len(kp.Debug.Angles[0]) != len(sweep.Lines[0]) {
		t.Errorf("angle array shape mismatch")
	}
}

func TestValidateParams(t *testing.T) {
	p := DefaultParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	p.NeighborWidth = 0
	if err := p.Validate(); err == nil {
		t.Errorf("zero neighbor width accepted")
	}
}
