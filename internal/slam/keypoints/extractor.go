// Package keypoints implements per-scan-line keypoint extraction.
// Each scan line is analysed independently: an angle metric (the sine of
// the angle between the vectors from a point to its left and right
// neighborhood centroids), a depth-gap metric, and an optional blob
// sphericity score. Points failing validity criteria (too close to the
// sensor, grazing beam incidence, occlusion boundaries) are excluded,
// and the survivors are greedily labelled edge or planar with spatial
// non-maximum suppression along the line.
package keypoints

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/banshee-data/slam.report/internal/slam/cloud"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Params configures the extractor.
type Params struct {
	NeighborWidth          int     // half-width of the differential window
	MinDistanceToSensor    float64 // meters; closer returns are ignored
	MaxEdgePerScanLine     int
	MaxPlanarsPerScanLine  int
	EdgeSinAngleThreshold  float64 // angle-sine above which a point is an edge candidate
	PlaneSinAngleThreshold float64 // angle-sine below which a point is a planar candidate; also the grazing-incidence cutoff
	EdgeDepthGapThreshold  float64 // meters; depth gap marking an edge / occlusion
	UseBlobs               bool
	SphericityThreshold    float64 // min eigenvalue ratio for a blob candidate
}

// DefaultParams returns the extraction defaults.
func DefaultParams() Params {
	return Params{
		NeighborWidth:          4,
		MinDistanceToSensor:    3.0,
		MaxEdgePerScanLine:     200,
		MaxPlanarsPerScanLine:  316,
		EdgeSinAngleThreshold:  0.86,
		PlaneSinAngleThreshold: 0.5,
		EdgeDepthGapThreshold:  0.15,
		UseBlobs:               false,
		SphericityThreshold:    0.35,
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.NeighborWidth < 1 {
		return fmt.Errorf("keypoints: neighbor width %d, need >= 1", p.NeighborWidth)
	}
	if p.MinDistanceToSensor < 0 {
		return fmt.Errorf("keypoints: negative min distance to sensor")
	}
	if p.MaxEdgePerScanLine < 1 || p.MaxPlanarsPerScanLine < 1 {
		return fmt.Errorf("keypoints: per-line keypoint caps must be >= 1")
	}
	if p.EdgeSinAngleThreshold <= 0 || p.EdgeSinAngleThreshold > 1 ||
		p.PlaneSinAngleThreshold <= 0 || p.PlaneSinAngleThreshold > 1 {
		return fmt.Errorf("keypoints: sin-angle thresholds must be in (0,1]")
	}
	return nil
}

// Keypoints is the extractor output for one sweep. DensePlanars holds
// every valid low-curvature point; it feeds the map when FastSlam is
// off. Debug arrays are populated only when requested.
type Keypoints struct {
	Edges        cloud.Cloud
	Planars      cloud.Cloud
	Blobs        cloud.Cloud
	DensePlanars cloud.Cloud
	Debug        *DebugArrays
}

// DebugArrays carries the per-line metric slices for display mode.
type DebugArrays struct {
	Angles    [][]float64
	DepthGaps [][]float64
	BlobScore [][]float64
	Valid     [][]bool
	Labels    [][]int
}

// lineResult is the per-scan-line output gathered by the fan-out.
type lineResult struct {
	edges, planars, blobs, dense cloud.Cloud
	angles, gaps, blobScore      []float64
	valid                        []bool
	labels                       []int
}

// Extract runs keypoint extraction on a sweep. Scan lines are processed
// in parallel; the output order is deterministic (by line, then by the
// selection order within the line). When debug is true the metric
// arrays are retained on the result.
func Extract(sweep cloud.Sweep, params Params, debug bool) Keypoints {
	results := make([]lineResult, len(sweep.Lines))
	var wg sync.WaitGroup
	for li, line := range sweep.Lines {
		wg.Add(1)
		go func(li int, line cloud.Cloud) {
			defer wg.Done()
			results[li] = extractLine(line, params)
		}(li, line)
	}
	wg.Wait()

	var out Keypoints
	if debug {
		out.Debug = &DebugArrays{}
	}
	for _, r := range results {
		out.Edges = append(out.Edges, r.edges...)
		out.Planars = append(out.Planars, r.planars...)
		out.Blobs = append(out.Blobs, r.blobs...)
		out.DensePlanars = append(out.DensePlanars, r.dense...)
		if debug {
			out.Debug.Angles = append(out.Debug.Angles, r.angles)
			out.Debug.DepthGaps = append(out.Debug.DepthGaps, r.gaps)
			out.Debug.BlobScore = append(out.Debug.BlobScore, r.blobScore)
			out.Debug.Valid = append(out.Debug.Valid, r.valid)
			out.Debug.Labels = append(out.Debug.Labels, r.labels)
		}
	}
	return out
}

func extractLine(line cloud.Cloud, params Params) lineResult {
	n := len(line)
	w := params.NeighborWidth
	r := lineResult{
		angles:    make([]float64, n),
		gaps:      make([]float64, n),
		blobScore: make([]float64, n),
		valid:     make([]bool, n),
		labels:    make([]int, n),
	}
	if n < 2*w+1 {
		return r
	}

	ranges := make([]float64, n)
	for i, p := range line {
		ranges[i] = p.Range()
	}

	// curvature, depth gap and blob score over the interior window
	for i := w; i < n-w; i++ {
		p := line[i].Vec()
		var left, right r3.Vec
		for k := 1; k <= w; k++ {
			left = r3.Add(left, line[i-k].Vec())
			right = r3.Add(right, line[i+k].Vec())
		}
		left = r3.Scale(1/float64(w), left)
		right = r3.Scale(1/float64(w), right)
		vl := r3.Sub(left, p)
		vr := r3.Sub(right, p)
		nl, nr := r3.Norm(vl), r3.Norm(vr)
		if nl > 0 && nr > 0 {
			r.angles[i] = r3.Norm(r3.Cross(vl, vr)) / (nl * nr)
		}

		for k := i - w; k < i+w; k++ {
			if gap := math.Abs(ranges[k+1] - ranges[k]); gap > r.gaps[i] {
				r.gaps[i] = gap
			}
		}

		if params.UseBlobs {
			r.blobScore[i] = sphericity(line[i-w : i+w+1])
		}
	}

	markValid(line, ranges, r.valid, params)

	labelLine(line, &r, params)
	return r
}

// markValid applies the invalidation rules: window edges, minimum range,
// grazing incidence, and occlusion boundaries.
func markValid(line cloud.Cloud, ranges []float64, valid []bool, params Params) {
	n := len(line)
	w := params.NeighborWidth
	for i := w; i < n-w; i++ {
		if ranges[i] < params.MinDistanceToSensor {
			continue
		}
		// grazing beam: the incidence angle is measured from the local
		// surface normal, so its sine is the cosine between the beam
		// direction and the scan-line tangent
		beam := r3.Unit(line[i].Vec())
		tangent := r3.Sub(line[i+1].Vec(), line[i-1].Vec())
		if tn := r3.Norm(tangent); tn > 0 {
			tangent = r3.Scale(1/tn, tangent)
			if math.Abs(r3.Dot(beam, tangent)) > params.PlaneSinAngleThreshold {
				continue
			}
		}
		valid[i] = true
	}

	// occlusion boundaries: points on the far side of a large range gap
	// may only be visible because the near surface ends there
	for i := 0; i < n-1; i++ {
		diff := ranges[i+1] - ranges[i]
		if diff > params.EdgeDepthGapThreshold {
			for k := i + 1; k <= i+w && k < n; k++ {
				valid[k] = false
			}
		} else if -diff > params.EdgeDepthGapThreshold {
			for k := i; k >= i-w+1 && k >= 0; k-- {
				valid[k] = false
			}
		}
	}
}

// labelLine sorts the valid candidates and greedily selects edges then
// planars, suppressing neighbors of an already-selected keypoint of the
// same class within NeighborWidth.
func labelLine(line cloud.Cloud, r *lineResult, params Params) {
	n := len(line)
	w := params.NeighborWidth

	candidates := make([]int, 0, n)
	for i := range line {
		if r.valid[i] {
			candidates = append(candidates, i)
		}
	}

	// edges: descending angle-sine; a depth gap also qualifies
	byAngleDesc := append([]int(nil), candidates...)
	sort.Slice(byAngleDesc, func(a, b int) bool {
		return r.angles[byAngleDesc[a]] > r.angles[byAngleDesc[b]]
	})
	suppressed := make([]bool, n)
	edges := 0
	for _, i := range byAngleDesc {
		if edges >= params.MaxEdgePerScanLine {
			break
		}
		if suppressed[i] {
			continue
		}
		if r.angles[i] < params.EdgeSinAngleThreshold && r.gaps[i] < params.EdgeDepthGapThreshold {
			continue
		}
		r.labels[i] = cloud.LabelEdge
		p := line[i]
		p.Label = cloud.LabelEdge
		r.edges = append(r.edges, p)
		edges++
		for k := i - w; k <= i+w; k++ {
			if k >= 0 && k < n {
				suppressed[k] = true
			}
		}
	}

	// planars: ascending angle-sine
	byAngleAsc := append([]int(nil), candidates...)
	sort.Slice(byAngleAsc, func(a, b int) bool {
		return r.angles[byAngleAsc[a]] < r.angles[byAngleAsc[b]]
	})
	suppressed = make([]bool, n)
	planars := 0
	for _, i := range byAngleAsc {
		if r.labels[i] != cloud.LabelNone {
			continue
		}
		if r.angles[i] > params.PlaneSinAngleThreshold {
			break
		}
		p := line[i]
		if planars < params.MaxPlanarsPerScanLine && !suppressed[i] {
			r.labels[i] = cloud.LabelPlanar
			p.Label = cloud.LabelPlanar
			r.planars = append(r.planars, p)
			planars++
			for k := i - w; k <= i+w; k++ {
				if k >= 0 && k < n {
					suppressed[k] = true
				}
			}
		}
		// every valid low-curvature point thickens the dense set
		p.Label = cloud.LabelPlanar
		r.dense = append(r.dense, p)
	}

	if params.UseBlobs {
		suppressed = make([]bool, n)
		for _, i := range candidates {
			if r.labels[i] != cloud.LabelNone || suppressed[i] {
				continue
			}
			if r.blobScore[i] < params.SphericityThreshold {
				continue
			}
			r.labels[i] = cloud.LabelBlob
			p := line[i]
			p.Label = cloud.LabelBlob
			r.blobs = append(r.blobs, p)
			for k := i - w; k <= i+w; k++ {
				if k >= 0 && k < n {
					suppressed[k] = true
				}
			}
		}
	}
}

// sphericity returns the min/max eigenvalue ratio of the neighborhood
// scatter matrix: near 1 for an isotropic blob, near 0 for lines and
// planes.
func sphericity(window cloud.Cloud) float64 {
	var centroid r3.Vec
	for _, p := range window {
		centroid = r3.Add(centroid, p.Vec())
	}
	centroid = r3.Scale(1/float64(len(window)), centroid)

	var s [6]float64 // xx, xy, xz, yy, yz, zz
	for _, p := range window {
		d := r3.Sub(p.Vec(), centroid)
		s[0] += d.X * d.X
		s[1] += d.X * d.Y
		s[2] += d.X * d.Z
		s[3] += d.Y * d.Y
		s[4] += d.Y * d.Z
		s[5] += d.Z * d.Z
	}
	scatter := mat.NewSymDense(3, []float64{
		s[0], s[1], s[2],
		s[1], s[3], s[4],
		s[2], s[4], s[5],
	})
	var eig mat.EigenSym
	if !eig.Factorize(scatter, false) {
		return 0
	}
	vals := eig.Values(nil) // ascending
	if vals[2] <= 0 {
		return 0
	}
	return vals[0] / vals[2]
}
