package slam

import (
	"errors"

	"github.com/banshee-data/slam.report/internal/slam/keypoints"
	"github.com/banshee-data/slam.report/internal/slam/pose"
	"github.com/banshee-data/slam.report/internal/slam/solver"
)

// Error kinds. ErrConfigInvalid and ErrFrameRejected fail the call;
// ErrNoConvergence and ErrMapDegenerate are diagnostics carried on the
// frame result and never abort processing.
var (
	ErrConfigInvalid = errors.New("slam: invalid configuration")
	ErrFrameRejected = errors.New("slam: frame rejected")
	ErrNoConvergence = errors.New("slam: solver exhausted its iteration budget")
	ErrMapDegenerate = errors.New("slam: submap too sparse for mapping")
)

// FrameResult reports the outcome of one processed sweep.
type FrameResult struct {
	Index     int
	Timestamp float64

	TRelative pose.Transform // current sweep-end in previous sweep-end frame
	TWorld    pose.Transform // current sweep-end in world frame

	EgoMotion      solver.Result
	Mapping        solver.Result
	MappingSkipped bool

	Edges, Planars, Blobs int // keypoint counts

	// Diagnostics holds the non-fatal conditions observed this sweep
	// (ErrNoConvergence, ErrMapDegenerate).
	Diagnostics []error

	// Debug is populated when DisplayMode is on.
	Debug *keypoints.DebugArrays
}

// HasDiagnostic reports whether kind was recorded for this frame.
func (r *FrameResult) HasDiagnostic(kind error) bool {
	for _, d := range r.Diagnostics {
		if errors.Is(d, kind) {
			return true
		}
	}
	return false
}
