// Command slam runs the LiDAR odometry and mapping pipeline over a
// recorded source: a pcap capture of Velodyne UDP traffic or a
// directory of CSV sweeps. The computed trajectory is written to a text
// file and to the SQLite store; an optional HTTP monitor serves live
// charts and the tailsql debug surface.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/slam.report/internal/db"
	"github.com/banshee-data/slam.report/internal/slam"
	"github.com/banshee-data/slam.report/internal/slam/cloud"
	"github.com/banshee-data/slam.report/internal/slam/monitor"
	"github.com/banshee-data/slam.report/internal/slam/packets"
	"github.com/banshee-data/slam.report/internal/velsensor"
)

var (
	pcapFile     = flag.String("pcap", "", "PCAP capture of Velodyne UDP traffic to replay")
	csvDir       = flag.String("csv", "", "Directory of CSV sweeps (x,y,z,intensity,laser,time per line)")
	udpPort      = flag.Int("udp-port", 2368, "UDP port of the LiDAR packets inside the capture")
	dbFile       = flag.String("db", "slam_data.db", "Path to the SQLite trajectory database")
	trajOut      = flag.String("traj-out", "trajectory.txt", "Trajectory text output (empty disables)")
	listen       = flag.String("listen", "", "HTTP monitor listen address (empty disables)")
	velocityPort = flag.String("velocity-port", "", "Serial device of the auxiliary velocity sensor (empty disables)")
	fastSlam     = flag.Bool("fast-slam", true, "Reuse sparse ego-motion planars for mapping")
	undistortion = flag.Bool("undistortion", false, "Enable per-point motion undistortion")
	motionModel  = flag.Int("motion-model", 0, "Motion model: 0 none, 1 Kalman-augmented mapping")
	useBlobs     = flag.Bool("use-blobs", false, "Extract and map blob keypoints")
	displayMode  = flag.Bool("display", false, "Retain per-point debug arrays on frame results")
	maxFrames    = flag.Int("max-frames", 0, "Stop after this many sweeps (0 = all)")
)

func main() {
	flag.Parse()

	if (*pcapFile == "") == (*csvDir == "") {
		log.Fatal("exactly one of -pcap or -csv is required")
	}

	params := slam.DefaultParams()
	params.FastSlam = *fastSlam
	params.Undistortion = *undistortion
	params.MotionModel = *motionModel
	params.DisplayMode = *displayMode
	params.UseBlobs = *useBlobs
	params.Keypoints.UseBlobs = *useBlobs
	params.Mapping.UseBlobs = *useBlobs

	pipeline, err := slam.New(params)
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	source := *pcapFile
	if source == "" {
		source = *csvDir
	} else {
		pipeline.SetSensorCalibration(packets.LaserRanking(), packets.LasersPerFiring)
	}

	store, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	runID, err := store.StartRun(source, params.String())
	if err != nil {
		log.Fatalf("failed to start run: %v", err)
	}
	log.Printf("run %s: source %s", runID, source)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	mon := monitor.New()

	if *velocityPort != "" {
		port, err := velsensor.NewPort(*velocityPort)
		if err != nil {
			log.Fatalf("failed to open velocity sensor: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := port.Monitor(ctx); err != nil && err != context.Canceled {
				log.Printf("velocity sensor monitor failed: %v", err)
			}
		}()
		pipeline.SetSpeedSource(func() (float64, bool) {
			m, ok := port.Latest()
			return m.SpeedMps, ok
		})
	}

	if *listen != "" {
		mux := http.NewServeMux()
		store.AttachAdminRoutes(mux)
		mux.Handle("/", mon.ServeMux())
		server := &http.Server{Addr: *listen, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("failed to start monitor server: %v", err)
				}
			}()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("monitor server shutdown error: %v", err)
			}
		}()
		log.Printf("monitor listening on %s", *listen)
	}

	processed := 0
	handleSweep := func(points []cloud.Point, timestamp float64) error {
		res, err := pipeline.AddSweep(points, timestamp)
		if err != nil {
			log.Printf("sweep dropped: %v", err)
			return nil
		}
		processed++
		for _, d := range res.Diagnostics {
			log.Printf("sweep %d: %v", res.Index, d)
		}
		mon.Observe(res)
		if err := store.RecordPose(runID, db.PoseRecord{
			FrameIndex:     res.Index,
			SweepTime:      res.Timestamp,
			Pose:           res.TWorld.Vector(),
			MappingSkipped: res.MappingSkipped,
			Residuals:      res.Mapping.Residuals,
		}); err != nil {
			log.Printf("failed to record pose: %v", err)
		}
		if *maxFrames > 0 && processed >= *maxFrames {
			return errMaxFrames
		}
		return nil
	}

	switch {
	case *pcapFile != "":
		err = packets.ReplayPCAP(ctx, *pcapFile, *udpPort, func(s *packets.Sweep) error {
			return handleSweep(s.Points, float64(s.EndMicros)/1e6)
		})
	case *csvDir != "":
		err = replayCSV(ctx, *csvDir, handleSweep)
	}
	if err != nil && err != errMaxFrames && err != context.Canceled {
		log.Fatalf("replay failed: %v", err)
	}

	if *trajOut != "" {
		if err := slam.ExportTransforms(*trajOut, pipeline.Trajectory()); err != nil {
			log.Fatalf("failed to export trajectory: %v", err)
		}
		log.Printf("trajectory written to %s (%d poses)", *trajOut, len(pipeline.Trajectory()))
	}

	stop()
	wg.Wait()
	log.Printf("processed %d sweeps", processed)
}

var errMaxFrames = fmt.Errorf("max frame count reached")

// replayCSV feeds CSV sweeps (one file per revolution, sorted by name)
// into the handler. Lines are x,y,z,intensity,laser,time.
func replayCSV(ctx context.Context, dir string, handle func([]cloud.Point, float64) error) error {
	entries, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no CSV sweeps in %s", dir)
	}
	sort.Strings(entries)

	for i, path := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		points, err := readCSVSweep(path)
		if err != nil {
			return fmt.Errorf("sweep %s: %w", path, err)
		}
		if err := handle(points, float64(i)*0.1); err != nil {
			return err
		}
	}
	return nil
}

func readCSVSweep(path string) ([]cloud.Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []cloud.Point
	scan := bufio.NewScanner(f)
	line := 0
	for scan.Scan() {
		line++
		text := strings.TrimSpace(scan.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, ",")
		if len(fields) != 6 {
			return nil, fmt.Errorf("line %d: want 6 fields, got %d", line, len(fields))
		}
		var vals [6]float64
		for i, fstr := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(fstr), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d field %d: %w", line, i, err)
			}
			vals[i] = v
		}
		out = append(out, cloud.Point{
			X: vals[0], Y: vals[1], Z: vals[2],
			Intensity: vals[3],
			Laser:     int(vals[4]),
			Time:      vals[5],
		})
	}
	return out, scan.Err()
}
