package velsensor

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"
)

func TestParseLine(t *testing.T) {
	m, err := parseLine("12.5,3.25")
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	if m.Uptime != 12.5 || math.Abs(m.SpeedMps-3.25) > 1e-12 {
		t.Errorf("parsed %+v, want uptime=12.5 speed=3.25", m)
	}

	for _, bad := range []string{"", "1", "a,b", "1,2,3"} {
		if _, err := parseLine(bad); err == nil {
			t.Errorf("parseLine(%q) accepted", bad)
		}
	}
}

func TestMockPortDeliversLatest(t *testing.T) {
	mock := &MockPort{Data: strings.NewReader("1.0,2.0\n2.0,2.5\nmalformed\n3.0,3.0\n")}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mock.Monitor(ctx)
	}()

	// wait for the canned data to drain
	deadline := time.After(2 * time.Second)
	for {
		if m, ok := mock.Latest(); ok && m.SpeedMps == 3.0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("mock never delivered the final sample")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done

	m, ok := mock.Latest()
	if !ok || m.SpeedMps != 3.0 || m.Uptime != 3.0 {
		t.Errorf("Latest = %+v ok=%v, want final sample", m, ok)
	}
}
