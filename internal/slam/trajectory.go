package slam

import (
	"bufio"
	"fmt"
	"os"

	"github.com/banshee-data/slam.report/internal/slam/pose"
)

// TrajectoryEntry is one pose of the computed trajectory. Entries are
// append-only and immutable once recorded.
type TrajectoryEntry struct {
	Timestamp float64
	Pose      pose.Transform
}

// ExportTransforms writes the trajectory as whitespace text, one pose
// per line: timestamp rx ry rz tx ty tz.
func ExportTransforms(path string, trajectory []TrajectoryEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export transforms: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range trajectory {
		v := e.Pose.Vector()
		if _, err := fmt.Fprintf(w, "%.9f %.9f %.9f %.9f %.9f %.9f %.9f\n",
			e.Timestamp, v[0], v[1], v[2], v[3], v[4], v[5]); err != nil {
			return fmt.Errorf("export transforms: %w", err)
		}
	}
	return w.Flush()
}

// LoadTransforms reads a trajectory file written by ExportTransforms.
// Loading never touches engine state; the entries are display-only.
func LoadTransforms(path string) ([]TrajectoryEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load transforms: %w", err)
	}
	defer f.Close()

	var out []TrajectoryEntry
	scan := bufio.NewScanner(f)
	line := 0
	for scan.Scan() {
		line++
		text := scan.Text()
		if text == "" {
			continue
		}
		var ts float64
		var v [6]float64
		if _, err := fmt.Sscan(text, &ts, &v[0], &v[1], &v[2], &v[3], &v[4], &v[5]); err != nil {
			return nil, fmt.Errorf("load transforms: line %d: %w", line, err)
		}
		out = append(out, TrajectoryEntry{Timestamp: ts, Pose: pose.FromVector(v)})
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("load transforms: %w", err)
	}
	return out, nil
}
