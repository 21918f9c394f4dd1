// Package db persists SLAM runs and their trajectories in SQLite, and
// exposes the tailsql live-debugging routes over the same database.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens the trajectory database and applies any pending schema
// migrations.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.migrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Run is one recorded SLAM session.
type Run struct {
	RunID            string
	Source           string
	Params           string
	StartedUnixNanos int64
}

// StartRun inserts a new run row and returns its generated id.
func (db *DB) StartRun(source, params string) (string, error) {
	runID := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO slam_runs (run_id, source, params, started_unix_nanos) VALUES (?, ?, ?, ?)`,
		runID, source, params, time.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return runID, nil
}

// PoseRecord is one trajectory row.
type PoseRecord struct {
	FrameIndex     int
	SweepTime      float64
	Pose           [6]float64 // rx, ry, rz, tx, ty, tz
	MappingSkipped bool
	Residuals      int
}

// RecordPose appends one pose to a run.
func (db *DB) RecordPose(runID string, p PoseRecord) error {
	skipped := 0
	if p.MappingSkipped {
		skipped = 1
	}
	_, err := db.Exec(
		`INSERT INTO slam_poses (run_id, frame_index, sweep_time, rx, ry, rz, tx, ty, tz, mapping_skipped, residuals)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, p.FrameIndex, p.SweepTime,
		p.Pose[0], p.Pose[1], p.Pose[2], p.Pose[3], p.Pose[4], p.Pose[5],
		skipped, p.Residuals,
	)
	if err != nil {
		return fmt.Errorf("record pose: %w", err)
	}
	return nil
}

// Poses returns the trajectory of a run in frame order.
func (db *DB) Poses(runID string) ([]PoseRecord, error) {
	rows, err := db.Query(
		`SELECT frame_index, sweep_time, rx, ry, rz, tx, ty, tz, mapping_skipped, residuals
		 FROM slam_poses WHERE run_id = ? ORDER BY frame_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PoseRecord
	for rows.Next() {
		var p PoseRecord
		var skipped int
		if err := rows.Scan(&p.FrameIndex, &p.SweepTime,
			&p.Pose[0], &p.Pose[1], &p.Pose[2], &p.Pose[3], &p.Pose[4], &p.Pose[5],
			&skipped, &p.Residuals); err != nil {
			return nil, err
		}
		p.MappingSkipped = skipped != 0
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Runs lists the most recent runs.
func (db *DB) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT run_id, source, params, started_unix_nanos FROM slam_runs
		 ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Source, &r.Params, &r.StartedUnixNanos); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts the tailsql live SQL browser and a backup
// endpoint on the debug mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "SLAM trajectory DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
