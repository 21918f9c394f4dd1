// Command traj-plot renders a recorded SLAM trajectory as a PNG: the
// XY path with start/end markers and a drift summary in the title. The
// trajectory is read from the SQLite store (latest run, or -run) or
// from a text file written by the pipeline.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/slam.report/internal/db"
	"github.com/banshee-data/slam.report/internal/slam"
)

var (
	dbFile   = flag.String("db", "", "SQLite trajectory database")
	runID    = flag.String("run", "", "Run id to plot (default: most recent)")
	trajFile = flag.String("traj", "", "Trajectory text file (alternative to -db)")
	outFile  = flag.String("out", "trajectory.png", "Output PNG path")
)

func main() {
	flag.Parse()

	if (*dbFile == "") == (*trajFile == "") {
		log.Fatal("exactly one of -db or -traj is required")
	}

	var xs, ys []float64
	switch {
	case *trajFile != "":
		entries, err := slam.LoadTransforms(*trajFile)
		if err != nil {
			log.Fatalf("failed to load trajectory: %v", err)
		}
		for _, e := range entries {
			xs = append(xs, e.Pose.Trans.X)
			ys = append(ys, e.Pose.Trans.Y)
		}
	case *dbFile != "":
		store, err := db.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer store.Close()

		id := *runID
		if id == "" {
			runs, err := store.Runs(1)
			if err != nil || len(runs) == 0 {
				log.Fatalf("no runs in database: %v", err)
			}
			id = runs[0].RunID
		}
		poses, err := store.Poses(id)
		if err != nil {
			log.Fatalf("failed to load poses: %v", err)
		}
		for _, p := range poses {
			xs = append(xs, p.Pose[3])
			ys = append(ys, p.Pose[4])
		}
	}

	if len(xs) == 0 {
		log.Fatal("trajectory is empty")
	}

	if err := renderPlot(xs, ys, *outFile); err != nil {
		log.Fatalf("failed to render plot: %v", err)
	}
	log.Printf("plot written to %s (%d poses)", *outFile, len(xs))
}

func renderPlot(xs, ys []float64, out string) error {
	p := plot.New()
	dist := math.Hypot(xs[len(xs)-1]-xs[0], ys[len(ys)-1]-ys[0])
	p.Title.Text = fmt.Sprintf("SLAM trajectory: %d poses, %.2fm start-to-end", len(xs), dist)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	pts := make(plotter.XYs, len(xs))
	for i := range xs {
		pts[i].X = xs[i]
		pts[i].Y = ys[i]
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{B: 200, A: 255}
	p.Add(line, plotter.NewGrid())

	ends, err := plotter.NewScatter(plotter.XYs{pts[0], pts[len(pts)-1]})
	if err != nil {
		return err
	}
	ends.GlyphStyle.Radius = vg.Points(4)
	ends.Color = color.RGBA{R: 220, A: 255}
	p.Add(ends)

	return p.Save(8*vg.Inch, 8*vg.Inch, out)
}
