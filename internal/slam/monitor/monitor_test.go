package monitor

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/banshee-data/slam.report/internal/slam"
	"github.com/banshee-data/slam.report/internal/slam/pose"
	"gonum.org/v1/gonum/spatial/r3"
)

func observed() *Monitor {
	m := New()
	for i := 0; i < 3; i++ {
		m.Observe(&slam.FrameResult{
			Index:     i,
			Timestamp: float64(i) * 0.1,
			TWorld:    pose.Transform{Trans: r3.Vec{X: 0.3 * float64(i)}},
		})
	}
	return m
}

func TestTrajectoryJSON(t *testing.T) {
	m := observed()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/trajectory", nil)
	m.ServeMux().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var frames []FrameStats
	if err := json.Unmarshal(rec.Body.Bytes(), &frames); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[2].TX != 0.6 {
		t.Errorf("frame 2 tx = %g, want 0.6", frames[2].TX)
	}
}

func TestTrajectoryChartRenders(t *testing.T) {
	m := observed()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/charts/trajectory", nil)
	m.ServeMux().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "echarts") {
		t.Errorf("chart response does not embed echarts")
	}
}

func TestResidualsChartRenders(t *testing.T) {
	m := observed()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/charts/residuals", nil)
	m.ServeMux().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
}
