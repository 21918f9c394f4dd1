// Package monitor serves a lightweight HTTP view of a running SLAM
// session: an XY trajectory chart, per-sweep solver diagnostics, and a
// JSON API. Debugging-only endpoints, no auth.
package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/banshee-data/slam.report/internal/slam"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// FrameStats is the per-sweep record kept for display.
type FrameStats struct {
	Index          int     `json:"index"`
	Timestamp      float64 `json:"timestamp"`
	TX             float64 `json:"tx"`
	TY             float64 `json:"ty"`
	TZ             float64 `json:"tz"`
	Residuals      int     `json:"residuals"`
	MappingSkipped bool    `json:"mapping_skipped"`
}

// Monitor accumulates frame results and serves them over HTTP. Safe for
// one writer (the pipeline loop) and many readers.
type Monitor struct {
	mu     sync.RWMutex
	frames []FrameStats
}

// New returns an empty monitor.
func New() *Monitor {
	return &Monitor{}
}

// Observe records one processed sweep.
func (m *Monitor) Observe(res *slam.FrameResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, FrameStats{
		Index:          res.Index,
		Timestamp:      res.Timestamp,
		TX:             res.TWorld.Trans.X,
		TY:             res.TWorld.Trans.Y,
		TZ:             res.TWorld.Trans.Z,
		Residuals:      res.Mapping.Residuals,
		MappingSkipped: res.MappingSkipped,
	})
}

// Frames returns a copy of the recorded stats.
func (m *Monitor) Frames() []FrameStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FrameStats, len(m.frames))
	copy(out, m.frames)
	return out
}

// ServeMux returns the monitor's routes.
func (m *Monitor) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/charts/trajectory", m.handleTrajectoryChart)
	mux.HandleFunc("/charts/residuals", m.handleResidualsChart)
	mux.HandleFunc("/api/trajectory", m.handleTrajectoryJSON)
	return mux
}

func (m *Monitor) handleTrajectoryJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.Frames()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *Monitor) handleTrajectoryChart(w http.ResponseWriter, r *http.Request) {
	frames := m.Frames()
	data := make([]opts.ScatterData, 0, len(frames))
	pad := 1.0
	for _, f := range frames {
		if x := abs(f.TX) * 1.05; x > pad {
			pad = x
		}
		if y := abs(f.TY) * 1.05; y > pad {
			pad = y
		}
		data = append(data, opts.ScatterData{Value: []interface{}{f.TX, f.TY, f.Index}})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "SLAM Trajectory", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "SLAM Trajectory (XY)", Subtitle: fmt.Sprintf("%d sweeps", len(frames))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("trajectory", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	renderChart(w, scatter.Render)
}

func (m *Monitor) handleResidualsChart(w http.ResponseWriter, r *http.Request) {
	frames := m.Frames()
	x := make([]int, 0, len(frames))
	bars := make([]opts.BarData, 0, len(frames))
	for _, f := range frames {
		x = append(x, f.Index)
		bars = append(bars, opts.BarData{Value: f.Residuals})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Mapping Residuals", Theme: "dark", Width: "1200px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Mapping residuals per sweep"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x)
	bar.AddSeries("residuals", bars)

	renderChart(w, bar.Render)
}

func renderChart(w http.ResponseWriter, render func(io.Writer) error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
