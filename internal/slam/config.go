// Package slam wires the SLAM pipeline together: per-sweep keypoint
// extraction, frame-to-frame ego-motion, frame-to-map refinement, map
// update and world-pose integration.
package slam

import (
	"fmt"
	"strings"

	"github.com/banshee-data/slam.report/internal/slam/keypoints"
	"github.com/banshee-data/slam.report/internal/slam/motion"
	"github.com/banshee-data/slam.report/internal/slam/rollgrid"
	"github.com/banshee-data/slam.report/internal/slam/solver"
)

// Motion-model options.
const (
	MotionModelNone   = 0
	MotionModelKalman = 1
)

// Params is the full configuration record of the pipeline.
type Params struct {
	DisplayMode  bool // retain per-point debug arrays on frame results
	FastSlam     bool // reuse the sparse ego-motion planars for mapping
	Undistortion bool // per-point motion undistortion inside ego-motion
	MotionModel  int  // MotionModelNone or MotionModelKalman
	UseBlobs     bool

	NLasers         int
	AngleResolution float64 // radians between consecutive azimuth samples

	// Sanity caps. A sweep whose estimated displacement exceeds
	// MaxDistBetweenTwoFrames is rejected outright.
	MaxDistBetweenTwoFrames   float64
	MaxDistanceForICPMatching float64

	Keypoints keypoints.Params
	EgoMotion solver.MatchParams
	Mapping   solver.MatchParams
	LM        solver.LMParams
	Grid      rollgrid.Params
	Kalman    motion.Params

	SubmapHalfExtentVoxels int     // half-extent of the Get window around the sensor
	EdgeMapLeafSize        float64 // leaf size for edge clouds pulled from the map
}

// DefaultParams returns the full default configuration.
func DefaultParams() Params {
	p := Params{
		FastSlam:                  true,
		MotionModel:               MotionModelNone,
		NLasers:                   16,
		AngleResolution:           0.00698, // 0.4 degrees
		MaxDistBetweenTwoFrames:   10.0,
		MaxDistanceForICPMatching: 20.0,
		Keypoints:                 keypoints.DefaultParams(),
		EgoMotion:                 solver.EgoMotionDefaults(),
		Mapping:                   solver.MappingDefaults(),
		LM:                        solver.DefaultLMParams(),
		Grid:                      rollgrid.DefaultParams(),
		Kalman:                    motion.DefaultParams(),
		SubmapHalfExtentVoxels:    12,
		EdgeMapLeafSize:           0.60,
	}
	p.EgoMotion.MaxDistanceForICPMatching = p.MaxDistanceForICPMatching
	p.Mapping.MaxDistanceForICPMatching = p.MaxDistanceForICPMatching
	return p
}

// Validate checks the whole record. A failure means the engine refuses
// frames until the configuration is corrected.
func (p Params) Validate() error {
	if p.MotionModel != MotionModelNone && p.MotionModel != MotionModelKalman {
		return fmt.Errorf("%w: motion model %d unknown", ErrConfigInvalid, p.MotionModel)
	}
	if p.NLasers < 1 {
		return fmt.Errorf("%w: NLasers = %d", ErrConfigInvalid, p.NLasers)
	}
	if p.MaxDistBetweenTwoFrames <= 0 {
		return fmt.Errorf("%w: MaxDistBetweenTwoFrames must be positive", ErrConfigInvalid)
	}
	if p.LM.Lambda0 <= 0 || p.LM.LambdaRatio <= 1 {
		return fmt.Errorf("%w: Lambda0 must be > 0 and LambdaRatio > 1", ErrConfigInvalid)
	}
	if err := p.Keypoints.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := p.EgoMotion.Validate(); err != nil {
		return fmt.Errorf("%w: ego-motion: %v", ErrConfigInvalid, err)
	}
	if err := p.Mapping.Validate(); err != nil {
		return fmt.Errorf("%w: mapping: %v", ErrConfigInvalid, err)
	}
	if err := p.Kalman.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := p.Grid.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if p.SubmapHalfExtentVoxels < 1 {
		return fmt.Errorf("%w: submap half extent %d", ErrConfigInvalid, p.SubmapHalfExtentVoxels)
	}
	return nil
}

// Set assigns one option by its recognised name. Unknown names are
// rejected. Boolean options accept 0/1.
func (p *Params) Set(name string, value float64) error {
	switch name {
	case "DisplayMode":
		p.DisplayMode = value != 0
	case "FastSlam":
		p.FastSlam = value != 0
	case "Undistortion":
		p.Undistortion = value != 0
	case "MotionModel":
		p.MotionModel = int(value)
	case "UseBlob":
		p.UseBlobs = value != 0
		p.Keypoints.UseBlobs = p.UseBlobs
		p.Mapping.UseBlobs = p.UseBlobs
	case "MaxDistBetweenTwoFrames":
		p.MaxDistBetweenTwoFrames = value
	case "MaxDistanceForICPMatching":
		p.MaxDistanceForICPMatching = value
		p.EgoMotion.MaxDistanceForICPMatching = value
		p.Mapping.MaxDistanceForICPMatching = value
	case "AngleResolution":
		p.AngleResolution = value
	case "NLasers":
		p.NLasers = int(value)
	case "MinDistanceToSensor":
		p.Keypoints.MinDistanceToSensor = value
	case "MaxEdgePerScanLine":
		p.Keypoints.MaxEdgePerScanLine = int(value)
	case "MaxPlanarsPerScanLine":
		p.Keypoints.MaxPlanarsPerScanLine = int(value)
	case "EdgeSinAngleThreshold":
		p.Keypoints.EdgeSinAngleThreshold = value
	case "PlaneSinAngleThreshold":
		p.Keypoints.PlaneSinAngleThreshold = value
	case "EdgeDepthGapThreshold":
		p.Keypoints.EdgeDepthGapThreshold = value
	case "EgoMotionMaxIter":
		p.EgoMotion.MaxIter = int(value)
	case "EgoMotionIcpFrequence":
		p.EgoMotion.IcpFrequence = int(value)
	case "EgoMotionLineDistanceNbrNeighbors":
		p.EgoMotion.LineNbrNeighbors = int(value)
	case "EgoMotionMinimumLineNeighborRejection":
		p.EgoMotion.MinimumLineNeighborRejection = int(value)
	case "EgoMotionLineDistancefactor":
		p.EgoMotion.LineDistancefactor = value
	case "EgoMotionPlaneDistanceNbrNeighbors":
		p.EgoMotion.PlaneNbrNeighbors = int(value)
	case "EgoMotionPlaneDistancefactor1":
		p.EgoMotion.PlaneDistancefactor1 = value
	case "EgoMotionPlaneDistancefactor2":
		p.EgoMotion.PlaneDistancefactor2 = value
	case "EgoMotionMaxLineDistance":
		p.EgoMotion.MaxLineDistance = value
	case "EgoMotionMaxPlaneDistance":
		p.EgoMotion.MaxPlaneDistance = value
	case "MappingMaxIter":
		p.Mapping.MaxIter = int(value)
	case "MappingIcpFrequence":
		p.Mapping.IcpFrequence = int(value)
	case "MappingLineDistanceNbrNeighbors":
		p.Mapping.LineNbrNeighbors = int(value)
	case "MappingMinimumLineNeighborRejection":
		p.Mapping.MinimumLineNeighborRejection = int(value)
	case "MappingLineDistancefactor":
		p.Mapping.LineDistancefactor = value
	case "MappingPlaneDistanceNbrNeighbors":
		p.Mapping.PlaneNbrNeighbors = int(value)
	case "MappingPlaneDistancefactor1":
		p.Mapping.PlaneDistancefactor1 = value
	case "MappingPlaneDistancefactor2":
		p.Mapping.PlaneDistancefactor2 = value
	case "MappingMaxLineDistance":
		p.Mapping.MaxLineDistance = value
	case "MappingMaxPlaneDistance":
		p.Mapping.MaxPlaneDistance = value
	case "MappingLineMaxDistInlier":
		p.Mapping.LineMaxDistInlier = value
	case "VoxelSize":
		p.Grid.VoxelSize = value
	case "Grid_NbVoxelX":
		p.Grid.Dims[0] = int(value)
	case "Grid_NbVoxelY":
		p.Grid.Dims[1] = int(value)
	case "Grid_NbVoxelZ":
		p.Grid.Dims[2] = int(value)
	case "PointCloud_NbVoxelX":
		p.Grid.PointCloudDims[0] = int(value)
	case "PointCloud_NbVoxelY":
		p.Grid.PointCloudDims[1] = int(value)
	case "PointCloud_NbVoxelZ":
		p.Grid.PointCloudDims[2] = int(value)
	case "LeafVoxelFilterSize":
		p.Grid.LeafSize = value
	case "Lambda0":
		p.LM.Lambda0 = value
	case "LambdaRatio":
		p.LM.LambdaRatio = value
	case "MaxVelocityAcceleration":
		p.Kalman.MaxVelocityAcceleration = value
	case "MaxAngleAcceleration":
		p.Kalman.MaxAngleAcceleration = value
	case "VelocityNormCov":
		p.Kalman.VelocityNormCov = value
	default:
		return fmt.Errorf("%w: unknown option %q", ErrConfigInvalid, name)
	}
	return nil
}

// String prints the parameter record, one option per line.
func (p Params) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "DisplayMode: %v\n", p.DisplayMode)
	fmt.Fprintf(&b, "FastSlam: %v\n", p.FastSlam)
	fmt.Fprintf(&b, "Undistortion: %v\n", p.Undistortion)
	fmt.Fprintf(&b, "MotionModel: %d\n", p.MotionModel)
	fmt.Fprintf(&b, "UseBlob: %v\n", p.UseBlobs)
	fmt.Fprintf(&b, "NLasers: %d\n", p.NLasers)
	fmt.Fprintf(&b, "AngleResolution: %g\n", p.AngleResolution)
	fmt.Fprintf(&b, "MaxDistBetweenTwoFrames: %g\n", p.MaxDistBetweenTwoFrames)
	fmt.Fprintf(&b, "MaxDistanceForICPMatching: %g\n", p.MaxDistanceForICPMatching)
	fmt.Fprintf(&b, "Keypoints: %+v\n", p.Keypoints)
	fmt.Fprintf(&b, "EgoMotion: %+v\n", p.EgoMotion)
	fmt.Fprintf(&b, "Mapping: %+v\n", p.Mapping)
	fmt.Fprintf(&b, "LM: %+v\n", p.LM)
	fmt.Fprintf(&b, "Grid: %+v\n", p.Grid)
	fmt.Fprintf(&b, "Kalman: %+v\n", p.Kalman)
	return b.String()
}
