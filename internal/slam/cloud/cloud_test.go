package cloud

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestSplitScanLines(t *testing.T) {
	pts := []Point{
		{X: 1, Laser: 0},
		{X: 2, Laser: 1},
		{X: 3, Laser: 0},
		{X: 4, Laser: 5}, // out of range, dropped
		{X: 5, Laser: -1},
	}
	sw := SplitScanLines(pts, 2)
	if len(sw.Lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(sw.Lines))
	}
	if len(sw.Lines[0]) != 2 || sw.Lines[0][0].X != 1 || sw.Lines[0][1].X != 3 {
		t.Errorf("line 0 = %+v, want points x=1,3 in order", sw.Lines[0])
	}
	if sw.TotalPoints() != 3 {
		t.Errorf("TotalPoints = %d, want 3", sw.TotalPoints())
	}
}

func TestRankLasersByElevation(t *testing.T) {
	// id 7 points level, id 3 points up, id 9 points down
	var pts []Point
	for i := 0; i < 5; i++ {
		pts = append(pts,
			Point{X: 10, Z: 0, Laser: 7},
			Point{X: 10, Z: 3, Laser: 3},
			Point{X: 10, Z: -3, Laser: 9},
		)
	}
	m := RankLasersByElevation(pts)
	if m[9] != 0 || m[7] != 1 || m[3] != 2 {
		t.Errorf("mapping = %v, want 9->0, 7->1, 3->2", m)
	}
}

func TestKDTreeKNearest(t *testing.T) {
	pc := Cloud{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 2, Z: 0},
		{X: 0, Y: 0, Z: 3},
		{X: 5, Y: 5, Z: 5},
	}
	tree := NewKDTree(pc)
	if tree.Len() != len(pc) {
		t.Fatalf("Len = %d, want %d", tree.Len(), len(pc))
	}
	idx, d2 := tree.KNearest(r3.Vec{X: 0.1, Y: 0, Z: 0}, 3)
	if len(idx) != 3 {
		t.Fatalf("got %d neighbors, want 3", len(idx))
	}
	if idx[0] != 0 {
		t.Errorf("nearest = %d, want 0", idx[0])
	}
	if idx[1] != 1 {
		t.Errorf("second nearest = %d, want 1", idx[1])
	}
	for i := 1; i < len(d2); i++ {
		if d2[i] < d2[i-1] {
			t.Errorf("distances not ascending: %v", d2)
		}
	}
}

func TestKDTreeEmptyAndOversizedK(t *testing.T) {
	empty := NewKDTree(nil)
	if idx, _ := empty.KNearest(r3.Vec{}, 4); len(idx) != 0 {
		t.Errorf("empty tree returned %d neighbors", len(idx))
	}

	pc := Cloud{{X: 1}, {X: 2}}
	tree := NewKDTree(pc)
	idx, _ := tree.KNearest(r3.Vec{}, 10)
	if len(idx) != 2 {
		t.Errorf("got %d neighbors from 2-point cloud, want 2", len(idx))
	}
}

func TestVoxelDownsample(t *testing.T) {
	pc := Cloud{
		{X: 0.1, Y: 0.1, Z: 0.1, Intensity: 10},
		{X: 0.3, Y: 0.3, Z: 0.3, Intensity: 30},
		{X: 5.1, Y: 0.1, Z: 0.1, Intensity: 50},
	}
	out := VoxelDownsample(pc, 1.0)
	if len(out) != 2 {
		t.Fatalf("got %d points, want 2", len(out))
	}
	if math.Abs(out[0].X-0.2) > 1e-12 || math.Abs(out[0].Intensity-20) > 1e-12 {
		t.Errorf("centroid = %+v, want x=0.2 intensity=20", out[0])
	}
	if got := VoxelDownsample(pc, 0); len(got) != len(pc) {
		t.Errorf("leaf=0 should pass through, got %d points", len(got))
	}
}
