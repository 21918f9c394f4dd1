package packets

import "github.com/banshee-data/slam.report/internal/slam/cloud"

// Sweep is one assembled revolution: points in acquisition order with
// intra-sweep time fractions filled in, plus the bounding packet clock.
type Sweep struct {
	Points      []cloud.Point
	StartMicros uint32
	EndMicros   uint32
}

// SweepBuilder accumulates parsed points and cuts a sweep when the
// azimuth wraps past zero. The wrap test tolerates the sawtooth noise
// of real sensors by requiring a large negative azimuth step.
type SweepBuilder struct {
	wrapTolerance float64 // degrees of backward movement treated as noise
	minPoints     int

	current     []RawPoint
	lastAzimuth float64
}

// NewSweepBuilder returns a builder with a 10-degree wrap tolerance and
// a 1000-point minimum per sweep.
func NewSweepBuilder() *SweepBuilder {
	return &SweepBuilder{
		wrapTolerance: 10.0,
		minPoints:     1000,
		lastAzimuth:   -1,
	}
}

// Add feeds parsed points in packet order. When a revolution completes
// the finished sweep is returned; nil otherwise.
func (b *SweepBuilder) Add(points []RawPoint) *Sweep {
	var done *Sweep
	for _, rp := range points {
		if b.lastAzimuth >= 0 && rp.AzimuthDeg < b.lastAzimuth-b.wrapTolerance {
			if s := b.cut(); s != nil {
				done = s
			}
		}
		b.lastAzimuth = rp.AzimuthDeg
		b.current = append(b.current, rp)
	}
	return done
}

// Flush returns whatever partial sweep is pending, if large enough.
func (b *SweepBuilder) Flush() *Sweep {
	return b.cut()
}

// cut finalises the pending points into a sweep and assigns time
// fractions by acquisition order.
func (b *SweepBuilder) cut() *Sweep {
	if len(b.current) < b.minPoints {
		b.current = b.current[:0]
		return nil
	}
	n := len(b.current)
	s := &Sweep{
		Points:      make([]cloud.Point, n),
		StartMicros: b.current[0].TimestampMicros,
		EndMicros:   b.current[n-1].TimestampMicros,
	}
	for i, rp := range b.current {
		pt := rp.Point
		if n > 1 {
			pt.Time = float64(i) / float64(n-1)
		} else {
			pt.Time = 1
		}
		s.Points[i] = pt
	}
	b.current = b.current[:0]
	return s
}
