// Package cloud holds the point-cloud model shared by the SLAM pipeline:
// the sweep point type, scan-line splitting, a kd-tree wrapper for
// nearest-neighbor queries, and a leaf voxel downsampling filter.
package cloud

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// Keypoint labels carried on Point.Label.
const (
	LabelNone = iota
	LabelEdge
	LabelPlanar
	LabelBlob
)

// Point is a single LiDAR return. Laser is the scan-line index after
// vertical-angle ordering, Time is the intra-sweep acquisition fraction
// in [0,1], Label is the keypoint class assigned by the extractor.
type Point struct {
	X, Y, Z   float64
	Intensity float64
	Laser     int
	Time      float64
	Label     int
}

// Vec returns the position as an r3 vector.
func (p Point) Vec() r3.Vec {
	return r3.Vec{X: p.X, Y: p.Y, Z: p.Z}
}

// Range returns the distance from the sensor origin.
func (p Point) Range() float64 {
	return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
}

// WithVec returns a copy of p moved to v.
func (p Point) WithVec(v r3.Vec) Point {
	p.X, p.Y, p.Z = v.X, v.Y, v.Z
	return p
}

// Cloud is an ordered point set.
type Cloud []Point

// Sweep is one full revolution split into scan lines, one per laser,
// each line ordered by acquisition time (azimuth).
type Sweep struct {
	Lines []Cloud
}

// TotalPoints returns the point count across all scan lines.
func (s Sweep) TotalPoints() int {
	n := 0
	for _, l := range s.Lines {
		n += len(l)
	}
	return n
}

// SplitScanLines distributes points into per-laser lines. Points whose
// Laser index falls outside [0, nLasers) are dropped. The intra-line
// order of the input is preserved.
func SplitScanLines(points []Point, nLasers int) Sweep {
	lines := make([]Cloud, nLasers)
	for _, p := range points {
		if p.Laser < 0 || p.Laser >= nLasers {
			continue
		}
		lines[p.Laser] = append(lines[p.Laser], p)
	}
	return Sweep{Lines: lines}
}

// RankLasersByElevation infers the vertical ordering of laser ids from
// observed geometry: for each raw id the mean elevation angle is
// computed, and ids are ranked bottom-up. The returned map takes a raw
// laser id to its stable scan-line index. Used when no sensor
// calibration was provided before the first sweep.
func RankLasersByElevation(points []Point) map[int]int {
	sum := map[int]float64{}
	count := map[int]int{}
	for _, p := range points {
		horiz := math.Hypot(p.X, p.Y)
		if horiz == 0 && p.Z == 0 {
			continue
		}
		sum[p.Laser] += math.Atan2(p.Z, horiz)
		count[p.Laser]++
	}
	ids := make([]int, 0, len(sum))
	for id := range sum {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return sum[ids[i]]/float64(count[ids[i]]) < sum[ids[j]]/float64(count[ids[j]])
	})
	mapping := make(map[int]int, len(ids))
	for rank, id := range ids {
		mapping[id] = rank
	}
	return mapping
}
