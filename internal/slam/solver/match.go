package solver

import (
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/slam.report/internal/slam/cloud"
	"github.com/banshee-data/slam.report/internal/slam/pose"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Neighborhood is a read-only neighbor source: kd-trees over the
// reference edge, planar and blob clouds. Queries are concurrent-safe.
type Neighborhood struct {
	edges   cloud.Cloud
	planars cloud.Cloud
	blobs   cloud.Cloud

	edgeTree   *cloud.KDTree
	planarTree *cloud.KDTree
	blobTree   *cloud.KDTree
}

// NewNeighborhood builds kd-trees over the reference clouds. Empty
// clouds produce empty trees which simply match nothing.
func NewNeighborhood(edges, planars, blobs cloud.Cloud) *Neighborhood {
	return &Neighborhood{
		edges:      edges,
		planars:    planars,
		blobs:      blobs,
		edgeTree:   cloud.NewKDTree(edges),
		planarTree: cloud.NewKDTree(planars),
		blobTree:   cloud.NewKDTree(blobs),
	}
}

// EdgeCount and PlanarCount report the reference cloud sizes, used by
// the mapping stage to detect a degenerate submap.
func (n *Neighborhood) EdgeCount() int   { return len(n.edges) }
func (n *Neighborhood) PlanarCount() int { return len(n.planars) }

// MatchParams is the per-stage parameter group of the kernel. The
// ego-motion and mapping stages carry one group each.
type MatchParams struct {
	MaxIter      int
	IcpFrequence int // iterations between re-matching passes

	LineNbrNeighbors             int
	MinimumLineNeighborRejection int
	LineDistancefactor           float64 // elongation: largest eigenvalue over next
	MaxLineDistance              float64
	LineMaxDistInlier            float64 // > 0 enables inlier re-selection (mapping)

	PlaneNbrNeighbors    int
	PlaneDistancefactor1 float64 // upper bound: largest over middle eigenvalue
	PlaneDistancefactor2 float64 // lower bound: middle over smallest eigenvalue
	MaxPlaneDistance     float64

	MaxDistanceForICPMatching float64

	UseBlobs        bool
	IncertitudeCoef float64 // blob metric softening
}

// Validate checks the parameter group for out-of-range values.
func (p MatchParams) Validate() error {
	if p.MaxIter < 1 {
		return fmt.Errorf("solver: MaxIter = %d, need >= 1", p.MaxIter)
	}
	if p.IcpFrequence < 1 {
		return fmt.Errorf("solver: IcpFrequence = %d, need >= 1", p.IcpFrequence)
	}
	if p.LineNbrNeighbors < 1 || p.PlaneNbrNeighbors < 1 {
		return fmt.Errorf("solver: neighbor counts must be >= 1 (line %d, plane %d)",
			p.LineNbrNeighbors, p.PlaneNbrNeighbors)
	}
	if p.MinimumLineNeighborRejection < 1 {
		return fmt.Errorf("solver: MinimumLineNeighborRejection = %d, need >= 1", p.MinimumLineNeighborRejection)
	}
	if p.LineDistancefactor <= 0 || p.PlaneDistancefactor1 <= 0 || p.PlaneDistancefactor2 <= 0 {
		return fmt.Errorf("solver: eigenvalue ratio factors must be positive")
	}
	if p.MaxLineDistance <= 0 || p.MaxPlaneDistance <= 0 {
		return fmt.Errorf("solver: matching distance gates must be positive")
	}
	if p.LineMaxDistInlier < 0 {
		return fmt.Errorf("solver: LineMaxDistInlier must not be negative")
	}
	if p.MaxDistanceForICPMatching <= 0 {
		return fmt.Errorf("solver: MaxDistanceForICPMatching must be positive")
	}
	if p.IncertitudeCoef < 0 {
		return fmt.Errorf("solver: IncertitudeCoef must not be negative")
	}
	return nil
}

// EgoMotionDefaults returns the ego-motion parameter group.
func EgoMotionDefaults() MatchParams {
	return MatchParams{
		MaxIter:                      12,
		IcpFrequence:                 4,
		LineNbrNeighbors:             8,
		MinimumLineNeighborRejection: 4,
		LineDistancefactor:           5.0,
		MaxLineDistance:              2.0,
		PlaneNbrNeighbors:            5,
		PlaneDistancefactor1:         35.0,
		PlaneDistancefactor2:         8.0,
		MaxPlaneDistance:             1.5,
		MaxDistanceForICPMatching:    20.0,
		IncertitudeCoef:              3.0,
	}
}

// MappingDefaults returns the mapping parameter group.
func MappingDefaults() MatchParams {
	return MatchParams{
		MaxIter:                      15,
		IcpFrequence:                 5,
		LineNbrNeighbors:             6,
		MinimumLineNeighborRejection: 4,
		LineDistancefactor:           5.0,
		MaxLineDistance:              2.5,
		LineMaxDistInlier:            0.20,
		PlaneNbrNeighbors:            5,
		PlaneDistancefactor1:         35.0,
		PlaneDistancefactor2:         8.0,
		MaxPlaneDistance:             1.0,
		MaxDistanceForICPMatching:    20.0,
		IncertitudeCoef:              3.0,
	}
}

// matchAll runs the matching pass: every current keypoint is transformed
// by the candidate pose and matched against the neighbor source. Each
// keypoint writes to its own slot; slots that fail matching stay nil.
func matchAll(nbr *Neighborhood, edges, planars, blobs cloud.Cloud, t pose.Transform, undistort bool, p MatchParams) []Residual {
	slots := make([]*Residual, len(edges)+len(planars)+len(blobs))
	var wg sync.WaitGroup

	run := func(idx int, fn func() *Residual) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots[idx] = fn()
		}()
	}

	for i := range edges {
		kp := edges[i]
		run(i, func() *Residual { return matchEdge(nbr, kp, t, undistort, p) })
	}
	off := len(edges)
	for i := range planars {
		kp := planars[i]
		run(off+i, func() *Residual { return matchPlane(nbr, kp, t, undistort, p) })
	}
	off += len(planars)
	for i := range blobs {
		kp := blobs[i]
		run(off+i, func() *Residual { return matchBlob(nbr, kp, t, undistort, p) })
	}
	wg.Wait()

	out := make([]Residual, 0, len(slots))
	for _, s := range slots {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

func timeFraction(kp cloud.Point, undistort bool) float64 {
	if undistort {
		return kp.Time
	}
	return 1
}

// matchEdge fits a line to the k nearest reference edges of the moved
// keypoint and, if the neighborhood is elongated enough, emits a
// point-to-line residual.
func matchEdge(nbr *Neighborhood, kp cloud.Point, t pose.Transform, undistort bool, p MatchParams) *Residual {
	s := timeFraction(kp, undistort)
	x := kp.Vec()
	moved := pose.Interpolate(t, s).Apply(x)
	idx, d2 := nbr.edgeTree.KNearest(moved, p.LineNbrNeighbors)
	if len(idx) < p.LineNbrNeighbors {
		return nil
	}
	if far := math.Sqrt(d2[len(d2)-1]); far > p.MaxLineDistance || far > p.MaxDistanceForICPMatching {
		return nil
	}

	pts := make([]r3.Vec, len(idx))
	for i, id := range idx {
		pts[i] = nbr.edges[id].Vec()
	}

	centroid, vals, vecs := pca(pts)
	if p.LineMaxDistInlier > 0 {
		// mapping: keep only neighbors close to the fitted line, refit
		dir := vecs[2]
		lm := lineMetric(dir)
		inliers := pts[:0]
		for _, q := range pts {
			if mahalanobis(lm, q, centroid) <= p.LineMaxDistInlier {
				inliers = append(inliers, q)
			}
		}
		if len(inliers) < p.MinimumLineNeighborRejection {
			return nil
		}
		pts = inliers
		centroid, vals, vecs = pca(pts)
	}
	if vals[2] < p.LineDistancefactor*vals[1] {
		return nil
	}

	a := lineMetric(vecs[2])
	d := mahalanobis(a, moved, centroid)
	return &Residual{
		Kind: KindLine,
		A:    a,
		L:    sqrtPSD(a),
		X:    x,
		P:    centroid,
		S:    s,
		W:    outlierWeight(d, p.MaxLineDistance),
	}
}

// matchPlane fits a plane to the k nearest reference planars and emits
// a point-to-plane residual when the two-factor planarity test holds.
func matchPlane(nbr *Neighborhood, kp cloud.Point, t pose.Transform, undistort bool, p MatchParams) *Residual {
	s := timeFraction(kp, undistort)
	x := kp.Vec()
	moved := pose.Interpolate(t, s).Apply(x)
	idx, d2 := nbr.planarTree.KNearest(moved, p.PlaneNbrNeighbors)
	if len(idx) < p.PlaneNbrNeighbors {
		return nil
	}
	if far := math.Sqrt(d2[len(d2)-1]); far > p.MaxPlaneDistance || far > p.MaxDistanceForICPMatching {
		return nil
	}

	pts := make([]r3.Vec, len(idx))
	for i, id := range idx {
		pts[i] = nbr.planars[id].Vec()
	}
	centroid, vals, vecs := pca(pts)
	// planar distribution: one small eigenvalue, two comparable larger
	// ones; reject both rod-like and noise-like neighborhoods
	if vals[1] < p.PlaneDistancefactor2*vals[0] {
		return nil
	}
	if vals[2] > p.PlaneDistancefactor1*vals[1] {
		return nil
	}

	a := planeMetric(vecs[0]) // normal is the smallest-eigenvalue direction
	d := mahalanobis(a, moved, centroid)
	if d > p.MaxPlaneDistance {
		return nil
	}
	return &Residual{
		Kind: KindPlane,
		A:    a,
		L:    sqrtPSD(a),
		X:    x,
		P:    centroid,
		S:    s,
		W:    outlierWeight(d, p.MaxPlaneDistance),
	}
}

// matchBlob emits an isotropic residual against the blob map, softened
// by the neighborhood radius.
func matchBlob(nbr *Neighborhood, kp cloud.Point, t pose.Transform, undistort bool, p MatchParams) *Residual {
	if !p.UseBlobs {
		return nil
	}
	s := timeFraction(kp, undistort)
	x := kp.Vec()
	moved := pose.Interpolate(t, s).Apply(x)
	idx, d2 := nbr.blobTree.KNearest(moved, p.PlaneNbrNeighbors)
	if len(idx) < p.PlaneNbrNeighbors {
		return nil
	}
	radius := math.Sqrt(d2[len(d2)-1])
	if radius > p.MaxDistanceForICPMatching {
		return nil
	}

	var centroid r3.Vec
	for _, id := range idx {
		centroid = r3.Add(centroid, nbr.blobs[id].Vec())
	}
	centroid = r3.Scale(1/float64(len(idx)), centroid)

	soft := 1.0
	if r := p.IncertitudeCoef * radius; r > 1 {
		soft = 1 / r
	}
	id := pose.Identity3()
	var a pose.Mat3
	for i := range a {
		a[i] = soft * id[i]
	}
	d := r3.Norm(r3.Sub(moved, centroid))
	return &Residual{
		Kind: KindBlob,
		A:    a,
		L:    sqrtPSD(a),
		X:    x,
		P:    centroid,
		S:    s,
		W:    outlierWeight(d, p.MaxPlaneDistance),
	}
}

// pca returns the centroid, ascending eigenvalues and matching unit
// eigenvectors of the scatter matrix of pts.
func pca(pts []r3.Vec) (centroid r3.Vec, vals [3]float64, vecs [3]r3.Vec) {
	n := float64(len(pts))
	for _, q := range pts {
		centroid = r3.Add(centroid, q)
	}
	centroid = r3.Scale(1/n, centroid)

	var s [6]float64
	for _, q := range pts {
		d := r3.Sub(q, centroid)
		s[0] += d.X * d.X
		s[1] += d.X * d.Y
		s[2] += d.X * d.Z
		s[3] += d.Y * d.Y
		s[4] += d.Y * d.Z
		s[5] += d.Z * d.Z
	}
	sym := mat.NewSymDense(3, []float64{
		s[0], s[1], s[2],
		s[1], s[3], s[4],
		s[2], s[4], s[5],
	})
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return centroid, vals, vecs
	}
	ev := eig.Values(nil)
	var m mat.Dense
	eig.VectorsTo(&m)
	for e := 0; e < 3; e++ {
		vals[e] = ev[e]
		vecs[e] = r3.Vec{X: m.At(0, e), Y: m.At(1, e), Z: m.At(2, e)}
	}
	return centroid, vals, vecs
}
