package slam

import (
	"fmt"
	"log"

	"github.com/banshee-data/slam.report/internal/slam/cloud"
	"github.com/banshee-data/slam.report/internal/slam/keypoints"
	"github.com/banshee-data/slam.report/internal/slam/motion"
	"github.com/banshee-data/slam.report/internal/slam/pose"
	"github.com/banshee-data/slam.report/internal/slam/rollgrid"
	"github.com/banshee-data/slam.report/internal/slam/solver"
	"gonum.org/v1/gonum/spatial/r3"
)

// PosePrior is the optional external pose source (GPS/IMU/camera
// odometry interpolator). SampleAt returns the pose at time t and
// whether the sample is valid.
type PosePrior interface {
	SampleAt(t float64) (pose.Transform, bool)
}

// SpeedSource supplies the latest external speed measurement in m/s for
// the Kalman velocity mode. ok is false when no fresh sample exists.
type SpeedSource func() (speed float64, ok bool)

// Pipeline is the SLAM engine. It is single-threaded at the sweep
// granularity: AddSweep must not be called concurrently. Parallelism
// happens inside the keypoint extractor and the matching passes.
type Pipeline struct {
	params Params

	calibration map[int]int // raw laser id -> scan-line index
	calibrated  bool

	frames     int
	tRelative  pose.Transform
	tWorld     pose.Transform
	trajectory []TrajectoryEntry

	prevEdges   cloud.Cloud
	prevPlanars cloud.Cloud
	prevBlobs   cloud.Cloud

	edgeMap   *rollgrid.Grid
	planarMap *rollgrid.Grid
	blobMap   *rollgrid.Grid

	kalman *motion.Filter
	prior  PosePrior
	speed  SpeedSource
}

// New builds a Pipeline. The configuration is validated up front; an
// invalid record refuses all frames.
func New(params Params) (*Pipeline, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{params: params}

	var err error
	if p.edgeMap, err = rollgrid.NewGrid(edgeGridParams(params)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if p.planarMap, err = rollgrid.NewGrid(params.Grid); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if p.blobMap, err = rollgrid.NewGrid(params.Grid); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if params.MotionModel == MotionModelKalman {
		p.kalman = motion.NewFilter(params.Kalman, motion.ModeMotionOnly)
	}
	return p, nil
}

// edgeGridParams widens the leaf filter for the edge map: edges are
// sparse linear structures and survive a coarser downsample.
func edgeGridParams(params Params) rollgrid.Params {
	g := params.Grid
	if params.EdgeMapLeafSize > 0 {
		g.LeafSize = params.EdgeMapLeafSize
	}
	return g
}

// SetSensorCalibration provides the laser-id ordering before the first
// frame: mapping takes a raw laser id to its vertical rank.
func (p *Pipeline) SetSensorCalibration(mapping map[int]int, nLasers int) {
	p.calibration = mapping
	p.params.NLasers = nLasers
	p.calibrated = true
}

// CalibrationProvided reports whether a calibration is installed.
func (p *Pipeline) CalibrationProvided() bool { return p.calibrated }

// SetPosePrior installs the external pose source.
func (p *Pipeline) SetPosePrior(prior PosePrior) { p.prior = prior }

// SetSpeedSource installs the external speed feed and switches the
// Kalman filter to velocity mode.
func (p *Pipeline) SetSpeedSource(s SpeedSource) {
	p.speed = s
	if p.params.MotionModel == MotionModelKalman {
		p.kalman = motion.NewFilter(p.params.Kalman, motion.ModeVelocity)
	}
}

// WorldPose returns the current sensor pose in the world frame.
func (p *Pipeline) WorldPose() pose.Transform { return p.tWorld }

// WorldMatrix returns the current world pose as a row-major 4x4 matrix.
func (p *Pipeline) WorldMatrix() [16]float64 { return p.tWorld.Matrix4() }

// Trajectory returns the recorded trajectory. The returned slice must
// not be mutated.
func (p *Pipeline) Trajectory() []TrajectoryEntry { return p.trajectory }

// FramesProcessed returns the number of accepted sweeps.
func (p *Pipeline) FramesProcessed() int { return p.frames }

// Reset erases the maps, trajectory, carried keypoints and motion
// state. Configuration and sensor calibration survive.
func (p *Pipeline) Reset() {
	p.frames = 0
	p.tRelative = pose.Identity()
	p.tWorld = pose.Identity()
	p.trajectory = nil
	p.prevEdges, p.prevPlanars, p.prevBlobs = nil, nil, nil
	p.edgeMap.Reset()
	p.planarMap.Reset()
	p.blobMap.Reset()
	if p.kalman != nil {
		p.kalman.Reset()
	}
}

// OnlyComputeKeypoints runs extraction on a sweep without touching any
// odometry state. Useful for inspecting extraction behaviour.
func (p *Pipeline) OnlyComputeKeypoints(points []cloud.Point) keypoints.Keypoints {
	sweep := p.splitSweep(points)
	return keypoints.Extract(sweep, p.params.Keypoints, true)
}

// splitSweep applies the laser calibration and splits a raw sweep into
// scan lines. With no calibration installed, the first sweep infers the
// vertical ordering from observed elevations.
func (p *Pipeline) splitSweep(points []cloud.Point) cloud.Sweep {
	if !p.calibrated {
		if inferred := cloud.RankLasersByElevation(points); len(inferred) > 0 {
			p.calibration = inferred
			p.params.NLasers = len(inferred)
			p.calibrated = true
			log.Printf("slam: inferred calibration for %d lasers from first sweep", p.params.NLasers)
		}
	}
	if !p.calibrated {
		return cloud.Sweep{}
	}
	remapped := make([]cloud.Point, len(points))
	for i, pt := range points {
		if rank, ok := p.calibration[pt.Laser]; ok {
			pt.Laser = rank
		} else {
			pt.Laser = -1 // unknown laser id, dropped by the split
		}
		remapped[i] = pt
	}
	return cloud.SplitScanLines(remapped, p.params.NLasers)
}

// AddSweep processes one sweep. On success the returned FrameResult
// carries the relative and world poses plus any non-fatal diagnostics.
// A rejected frame returns ErrFrameRejected and leaves all state
// untouched.
func (p *Pipeline) AddSweep(points []cloud.Point, timestamp float64) (*FrameResult, error) {
	sweep := p.splitSweep(points)
	kp := keypoints.Extract(sweep, p.params.Keypoints, p.params.DisplayMode)
	if len(kp.Edges)+len(kp.Planars) == 0 {
		return nil, fmt.Errorf("%w: no recognisable scan-line structure (%d points in, 0 keypoints)",
			ErrFrameRejected, len(points))
	}

	res := &FrameResult{
		Index:     p.frames,
		Timestamp: timestamp,
		Edges:     len(kp.Edges),
		Planars:   len(kp.Planars),
		Blobs:     len(kp.Blobs),
		Debug:     kp.Debug,
	}

	if p.frames == 0 {
		p.initialiseFirstSweep(kp, timestamp, res)
		return res, nil
	}

	// ego-motion against the previous sweep's keypoints
	t0 := p.egoMotionSeed(timestamp)
	nbr := solver.NewNeighborhood(p.prevEdges, p.prevPlanars, nil)
	ego := solver.MatchAndSolve(nbr, kp.Edges, kp.Planars, nil, t0, p.params.Undistortion,
		p.params.EgoMotion, p.params.LM, nil)
	res.EgoMotion = ego
	if !ego.Converged {
		res.Diagnostics = append(res.Diagnostics, fmt.Errorf("%w (ego-motion, %d iterations)", ErrNoConvergence, ego.Iterations))
		log.Printf("slam: ego-motion did not converge on sweep %d (%d residuals)", p.frames, ego.Residuals)
	}
	tRel := ego.Pose

	if d := r3.Norm(tRel.Trans); d > p.params.MaxDistBetweenTwoFrames {
		return nil, fmt.Errorf("%w: inter-frame displacement %.2fm exceeds cap %.2fm",
			ErrFrameRejected, d, p.params.MaxDistBetweenTwoFrames)
	}

	if p.kalman != nil {
		p.kalman.SetCurrentTime(timestamp)
		p.kalman.Prediction()
	}

	// rewrite keypoints into the common end-of-sweep frame
	endEdges := p.expressAtSweepEnd(kp.Edges, tRel)
	endPlanars := p.expressAtSweepEnd(kp.Planars, tRel)
	endBlobs := p.expressAtSweepEnd(kp.Blobs, tRel)
	endDense := p.expressAtSweepEnd(kp.DensePlanars, tRel)

	mappingPlanars := endPlanars
	if !p.params.FastSlam {
		mappingPlanars = endDense
	}

	provisional := pose.Compose(p.tWorld, tRel)
	refined := p.runMapping(endEdges, mappingPlanars, endBlobs, provisional, res)

	// commit
	p.tRelative = tRel
	p.tWorld = refined
	p.trajectory = append(p.trajectory, TrajectoryEntry{Timestamp: timestamp, Pose: p.tWorld})
	p.insertIntoMaps(endEdges, mappingPlanars, endBlobs)
	p.prevEdges, p.prevPlanars, p.prevBlobs = endEdges, endPlanars, endBlobs
	p.frames++

	if p.kalman != nil {
		if p.speed != nil {
			if v, ok := p.speed(); ok {
				p.kalman.CorrectionWithVelocity(p.tWorld, 1e-3, v)
			} else {
				p.kalman.Correction(p.tWorld, 1e-3)
			}
		} else {
			p.kalman.Correction(p.tWorld, 1e-3)
		}
	}

	res.TRelative = tRel
	res.TWorld = p.tWorld
	return res, nil
}

// initialiseFirstSweep seeds the engine state from the first accepted
// sweep: the world pose comes from the external prior when available,
// identity otherwise.
func (p *Pipeline) initialiseFirstSweep(kp keypoints.Keypoints, timestamp float64, res *FrameResult) {
	p.tWorld = pose.Identity()
	if p.prior != nil {
		if t, ok := p.prior.SampleAt(timestamp); ok {
			p.tWorld = t
			log.Printf("slam: initialised world pose from external prior")
		}
	}
	p.tRelative = pose.Identity()
	p.trajectory = append(p.trajectory, TrajectoryEntry{Timestamp: timestamp, Pose: p.tWorld})

	planars := kp.Planars
	if !p.params.FastSlam {
		planars = kp.DensePlanars
	}
	p.prevEdges, p.prevPlanars, p.prevBlobs = kp.Edges, kp.Planars, kp.Blobs
	p.insertIntoMaps(kp.Edges, planars, kp.Blobs)
	p.frames = 1

	if p.kalman != nil {
		p.kalman.SetCurrentTime(timestamp)
		p.kalman.SetInitialState(p.tWorld, 1e-2)
		p.kalman.Correction(p.tWorld, 1e-3)
	}

	res.TRelative = p.tRelative
	res.TWorld = p.tWorld
}

// egoMotionSeed picks the initial guess for the frame-to-frame solve:
// the delta of the external prior when present, otherwise the previous
// relative motion (constant-velocity assumption).
func (p *Pipeline) egoMotionSeed(timestamp float64) pose.Transform {
	if p.prior != nil && len(p.trajectory) > 0 {
		prev := p.trajectory[len(p.trajectory)-1]
		if tNow, ok := p.prior.SampleAt(timestamp); ok {
			if tPrev, ok := p.prior.SampleAt(prev.Timestamp); ok {
				return pose.Compose(tPrev.Inverse(), tNow)
			}
		}
	}
	return p.tRelative
}

// expressAtSweepEnd rewrites keypoints into the sweep-end frame. With
// undistortion off the sweep is already treated as an end-of-sweep
// snapshot and points pass through unchanged.
func (p *Pipeline) expressAtSweepEnd(pts cloud.Cloud, tRel pose.Transform) cloud.Cloud {
	if !p.params.Undistortion || len(pts) == 0 {
		return pts
	}
	out := make(cloud.Cloud, len(pts))
	for i, pt := range pts {
		inPrev := pose.TransformToEnd(pt.Vec(), pt.Time, tRel)
		atEnd := pose.TransformToStart(inPrev, 1, tRel)
		q := pt.WithVec(atEnd)
		q.Time = 1
		out[i] = q
	}
	return out
}

// runMapping refines the provisional world pose against the rolling
// map. A degenerate submap skips the refinement: the provisional pose
// stands and the keypoints are still inserted afterwards.
func (p *Pipeline) runMapping(edges, planars, blobs cloud.Cloud, provisional pose.Transform, res *FrameResult) pose.Transform {
	sensor := provisional.Trans
	subEdges := p.edgeMap.Get(sensor, p.params.SubmapHalfExtentVoxels)
	subPlanars := p.planarMap.Get(sensor, p.params.SubmapHalfExtentVoxels)
	var subBlobs cloud.Cloud
	if p.params.UseBlobs {
		subBlobs = p.blobMap.Get(sensor, p.params.SubmapHalfExtentVoxels)
	}

	minEdges := p.params.Mapping.LineNbrNeighbors
	minPlanars := p.params.Mapping.PlaneNbrNeighbors * 3
	if len(subEdges) < minEdges || len(subPlanars) < minPlanars {
		res.MappingSkipped = true
		res.Diagnostics = append(res.Diagnostics,
			fmt.Errorf("%w: %d edges, %d planars in submap", ErrMapDegenerate, len(subEdges), len(subPlanars)))
		log.Printf("slam: mapping skipped on sweep %d (submap %d edges / %d planars)",
			p.frames, len(subEdges), len(subPlanars))
		return provisional
	}

	var prior *solver.Prior
	if p.kalman != nil && p.kalman.Measures() > 1 {
		cov := p.kalman.PoseCovDiag()
		var inv [6]float64
		for i, c := range cov {
			inv[i] = 1 / c
		}
		prior = &solver.Prior{Mean: p.kalman.PredictedPose(), InvCov: inv}
	}

	nbr := solver.NewNeighborhood(subEdges, subPlanars, subBlobs)
	mapped := solver.MatchAndSolve(nbr, edges, planars, blobs, provisional, false,
		p.params.Mapping, p.params.LM, prior)
	res.Mapping = mapped
	if !mapped.Converged {
		res.Diagnostics = append(res.Diagnostics, fmt.Errorf("%w (mapping, %d iterations)", ErrNoConvergence, mapped.Iterations))
		log.Printf("slam: mapping did not converge on sweep %d (%d residuals)", p.frames, mapped.Residuals)
	}
	return mapped.Pose
}

// insertIntoMaps rolls the grids to the current sensor position and
// inserts the world-frame keypoints.
func (p *Pipeline) insertIntoMaps(edges, planars, blobs cloud.Cloud) {
	p.edgeMap.Roll(p.tWorld.Trans)
	p.planarMap.Roll(p.tWorld.Trans)
	p.blobMap.Roll(p.tWorld.Trans)
	p.edgeMap.Add(p.toWorld(edges))
	p.planarMap.Add(p.toWorld(planars))
	if p.params.UseBlobs {
		p.blobMap.Add(p.toWorld(blobs))
	}
}

func (p *Pipeline) toWorld(pts cloud.Cloud) cloud.Cloud {
	out := make(cloud.Cloud, len(pts))
	for i, pt := range pts {
		out[i] = pt.WithVec(p.tWorld.Apply(pt.Vec()))
	}
	return out
}
