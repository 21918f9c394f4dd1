// Package rollgrid implements the rolling voxel grid: a bounded,
// voxelised cache of world-frame keypoints that follows the sensor.
// Each cell holds a point cloud; as the sensor approaches the edge of
// the active window the grid origin shifts in whole-voxel steps and the
// voxels falling off the trailing edge are discarded.
package rollgrid

import (
	"fmt"
	"math"

	"github.com/banshee-data/slam.report/internal/slam/cloud"
	"gonum.org/v1/gonum/spatial/r3"
)

// Params configures a Grid.
type Params struct {
	VoxelSize float64 // edge length of a voxel (meters)
	Dims      [3]int  // voxels per axis
	LeafSize  float64 // leaf size of the downsample applied by Get

	// PointCloudDims subdivides the grid extent for the in-cell
	// compression filter, bounding total occupancy: once a cell grows
	// past CellPointCap its cloud is re-filtered at
	// VoxelSize*Dims/PointCloudDims leaves.
	PointCloudDims [3]int
	CellPointCap   int
}

// DefaultParams returns the grid configuration used by the mapping
// stage: a 48m-per-side window at 1m voxels.
func DefaultParams() Params {
	return Params{
		VoxelSize:      1.0,
		Dims:           [3]int{48, 48, 48},
		LeafSize:       0.30,
		PointCloudDims: [3]int{60, 60, 60},
		CellPointCap:   512,
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.VoxelSize <= 0 {
		return fmt.Errorf("rollgrid: voxel size must be positive, got %g", p.VoxelSize)
	}
	for axis, d := range p.Dims {
		if d < 3 {
			return fmt.Errorf("rollgrid: dims[%d] = %d, need at least 3 voxels per axis", axis, d)
		}
	}
	return nil
}

// Grid is a dense 3D voxel array of point clouds. It is not safe for
// concurrent mutation; the frame orchestrator writes to it only between
// parallel phases.
type Grid struct {
	params Params
	cells  []cloud.Cloud
	origin [3]int // world voxel coordinate of cell (0,0,0)
	points int
}

// NewGrid builds an empty grid centred on the world origin.
func NewGrid(params Params) (*Grid, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	g := &Grid{params: params}
	g.Reset()
	return g, nil
}

// Reset clears all cells and recentres the window on the world origin.
func (g *Grid) Reset() {
	n := g.params.Dims[0] * g.params.Dims[1] * g.params.Dims[2]
	g.cells = make([]cloud.Cloud, n)
	for axis := 0; axis < 3; axis++ {
		g.origin[axis] = -g.params.Dims[axis] / 2
	}
	g.points = 0
}

// NumPoints returns the total number of stored points.
func (g *Grid) NumPoints() int { return g.points }

func (g *Grid) cellIndex(i, j, k int) int {
	return (i*g.params.Dims[1]+j)*g.params.Dims[2] + k
}

// voxelOf returns the world voxel coordinate containing v.
func (g *Grid) voxelOf(v r3.Vec) [3]int {
	return [3]int{
		int(math.Floor(v.X / g.params.VoxelSize)),
		int(math.Floor(v.Y / g.params.VoxelSize)),
		int(math.Floor(v.Z / g.params.VoxelSize)),
	}
}

// Add buckets world-frame points into their voxels. Points outside the
// active window are silently dropped.
func (g *Grid) Add(points cloud.Cloud) {
	for _, p := range points {
		w := g.voxelOf(p.Vec())
		i, j, k := w[0]-g.origin[0], w[1]-g.origin[1], w[2]-g.origin[2]
		if i < 0 || i >= g.params.Dims[0] ||
			j < 0 || j >= g.params.Dims[1] ||
			k < 0 || k >= g.params.Dims[2] {
			continue
		}
		idx := g.cellIndex(i, j, k)
		g.cells[idx] = append(g.cells[idx], p)
		g.points++
		if limit := g.params.CellPointCap; limit > 0 && len(g.cells[idx]) > limit {
			g.compressCell(idx)
		}
	}
}

// compressCell re-filters an overfull cell at the in-cell resolution,
// keeping total grid occupancy bounded.
func (g *Grid) compressCell(idx int) {
	leaf := g.params.VoxelSize
	if g.params.PointCloudDims[0] > 0 {
		leaf = g.params.VoxelSize * float64(g.params.Dims[0]) / float64(g.params.PointCloudDims[0])
	}
	before := len(g.cells[idx])
	g.cells[idx] = cloud.VoxelDownsample(g.cells[idx], leaf)
	g.points += len(g.cells[idx]) - before
}

// Get returns the concatenation of cells within halfExtentVoxels of the
// voxel containing centre, downsampled by the leaf filter. An empty
// window yields an empty cloud.
func (g *Grid) Get(centre r3.Vec, halfExtentVoxels int) cloud.Cloud {
	c := g.voxelOf(centre)
	ci, cj, ck := c[0]-g.origin[0], c[1]-g.origin[1], c[2]-g.origin[2]
	var out cloud.Cloud
	for i := ci - halfExtentVoxels; i <= ci+halfExtentVoxels; i++ {
		if i < 0 || i >= g.params.Dims[0] {
			continue
		}
		for j := cj - halfExtentVoxels; j <= cj+halfExtentVoxels; j++ {
			if j < 0 || j >= g.params.Dims[1] {
				continue
			}
			for k := ck - halfExtentVoxels; k <= ck+halfExtentVoxels; k++ {
				if k < 0 || k >= g.params.Dims[2] {
					continue
				}
				out = append(out, g.cells[g.cellIndex(i, j, k)]...)
			}
		}
	}
	return cloud.VoxelDownsample(out, g.params.LeafSize)
}

// centralBlock reports whether rel lies in the central third of axis.
func (g *Grid) centralBlock(axis, rel int) bool {
	third := g.params.Dims[axis] / 3
	return rel >= third && rel < g.params.Dims[axis]-third
}

// InCentralBlock reports whether the voxel containing v lies within the
// central third of the window along every axis.
func (g *Grid) InCentralBlock(v r3.Vec) bool {
	w := g.voxelOf(v)
	for axis := 0; axis < 3; axis++ {
		if !g.centralBlock(axis, w[axis]-g.origin[axis]) {
			return false
		}
	}
	return true
}

// Roll shifts the window so the voxel containing newCentre sits in the
// central third along every axis. Cells shifted out of the window are
// discarded; they are not persisted anywhere.
func (g *Grid) Roll(newCentre r3.Vec) {
	w := g.voxelOf(newCentre)
	var shift [3]int
	for axis := 0; axis < 3; axis++ {
		rel := w[axis] - g.origin[axis]
		third := g.params.Dims[axis] / 3
		lo, hi := third, g.params.Dims[axis]-third-1
		if rel < lo {
			shift[axis] = rel - lo
		} else if rel > hi {
			shift[axis] = rel - hi
		}
	}
	if shift == [3]int{} {
		return
	}

	next := make([]cloud.Cloud, len(g.cells))
	count := 0
	for i := 0; i < g.params.Dims[0]; i++ {
		si := i + shift[0]
		if si < 0 || si >= g.params.Dims[0] {
			continue
		}
		for j := 0; j < g.params.Dims[1]; j++ {
			sj := j + shift[1]
			if sj < 0 || sj >= g.params.Dims[1] {
				continue
			}
			for k := 0; k < g.params.Dims[2]; k++ {
				sk := k + shift[2]
				if sk < 0 || sk >= g.params.Dims[2] {
					continue
				}
				c := g.cells[g.cellIndex(si, sj, sk)]
				next[g.cellIndex(i, j, k)] = c
				count += len(c)
			}
		}
	}
	g.cells = next
	g.points = count
	for axis := 0; axis < 3; axis++ {
		g.origin[axis] += shift[axis]
	}
}
