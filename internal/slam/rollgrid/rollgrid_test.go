package rollgrid

import (
	"testing"

	"github.com/banshee-data/slam.report/internal/slam/cloud"
	"gonum.org/v1/gonum/spatial/r3"
)

func testParams() Params {
	return Params{VoxelSize: 1.0, Dims: [3]int{9, 9, 9}, LeafSize: 0}
}

func TestAddAndGet(t *testing.T) {
	g, err := NewGrid(testParams())
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	g.Add(cloud.Cloud{
		{X: 0.5, Y: 0.5, Z: 0.5},
		{X: 1.5, Y: 0.5, Z: 0.5},
		{X: 100, Y: 0, Z: 0}, // outside window, dropped
	})
	if g.NumPoints() != 2 {
		t.Fatalf("NumPoints = %d, want 2 (out-of-range point dropped)", g.NumPoints())
	}

	got := g.Get(r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, 0)
	if len(got) != 1 {
		t.Errorf("Get half-extent 0: %d points, want 1", len(got))
	}
	got = g.Get(r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, 1)
	if len(got) != 2 {
		t.Errorf("Get half-extent 1: %d points, want 2", len(got))
	}
	if got := g.Get(r3.Vec{X: -4, Y: -4, Z: -4}, 0); len(got) != 0 {
		t.Errorf("empty window returned %d points", len(got))
	}
}

func TestRollKeepsSensorCentred(t *testing.T) {
	g, err := NewGrid(testParams())
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	// walk the sensor along +x; the grid must keep it in the central third
	for x := 0.0; x < 30; x += 1.0 {
		pos := r3.Vec{X: x + 0.5, Y: 0.5, Z: 0.5}
		g.Roll(pos)
		if !g.InCentralBlock(pos) {
			t.Fatalf("sensor at x=%g left the central block", x)
		}
	}
}

func TestRollDiscardsTrailingVoxels(t *testing.T) {
	g, err := NewGrid(testParams())
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	g.Add(cloud.Cloud{{X: -4 + 0.5, Y: 0.5, Z: 0.5}}) // near the low-x edge
	g.Add(cloud.Cloud{{X: 0.5, Y: 0.5, Z: 0.5}})
	if g.NumPoints() != 2 {
		t.Fatalf("NumPoints = %d, want 2", g.NumPoints())
	}

	// rolling far along +x evicts the trailing point
	g.Roll(r3.Vec{X: 8.5, Y: 0.5, Z: 0.5})
	if g.NumPoints() >= 2 {
		t.Errorf("NumPoints = %d after roll, expected eviction", g.NumPoints())
	}

	// the surviving window still answers queries at the new centre
	g.Add(cloud.Cloud{{X: 8.5, Y: 0.5, Z: 0.5}})
	if got := g.Get(r3.Vec{X: 8.5, Y: 0.5, Z: 0.5}, 1); len(got) == 0 {
		t.Errorf("no points around new centre after roll+add")
	}
}

func TestResetClears(t *testing.T) {
	g, err := NewGrid(testParams())
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	g.Add(cloud.Cloud{{X: 0.5, Y: 0.5, Z: 0.5}})
	g.Roll(r3.Vec{X: 8, Y: 0, Z: 0})
	g.Reset()
	if g.NumPoints() != 0 {
		t.Errorf("NumPoints = %d after Reset, want 0", g.NumPoints())
	}
	if !g.InCentralBlock(r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}) {
		t.Errorf("origin not recentred after Reset")
	}
}

func TestValidate(t *testing.T) {
	bad := Params{VoxelSize: 0, Dims: [3]int{9, 9, 9}}
	if err := bad.Validate(); err == nil {
		t.Errorf("zero voxel size accepted")
	}
	bad = Params{VoxelSize: 1, Dims: [3]int{9, 2, 9}}
	if err := bad.Validate(); err == nil {
		t.Errorf("degenerate dims accepted")
	}
}
