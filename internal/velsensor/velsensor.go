// Package velsensor reads speed measurements from an auxiliary sensor
// (wheel odometer, GPS receiver, radar) over a serial port. Lines are
// "uptime,speed" pairs: seconds since sensor boot and speed in m/s.
// The latest sample feeds the Kalman velocity mode of the pipeline.
package velsensor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Measurement is one parsed speed sample.
type Measurement struct {
	Uptime   float64 // seconds since sensor boot
	SpeedMps float64
	WallTime time.Time
}

// PortInterface abstracts the serial transport so the monitor loop can
// run against canned data in tests.
type PortInterface interface {
	Monitor(ctx context.Context) error
	Latest() (Measurement, bool)
	Close() error
}

var (
	_ PortInterface = (*Port)(nil)
	_ PortInterface = (*MockPort)(nil)
)

// parseLine parses "uptime,speed".
func parseLine(line string) (Measurement, error) {
	segments := strings.Split(strings.TrimSpace(line), ",")
	if len(segments) != 2 {
		return Measurement{}, fmt.Errorf("velsensor: malformed line %q", line)
	}
	uptime, err := strconv.ParseFloat(segments[0], 64)
	if err != nil {
		return Measurement{}, fmt.Errorf("velsensor: bad uptime: %w", err)
	}
	speed, err := strconv.ParseFloat(segments[1], 64)
	if err != nil {
		return Measurement{}, fmt.Errorf("velsensor: bad speed: %w", err)
	}
	return Measurement{Uptime: uptime, SpeedMps: speed, WallTime: time.Now()}, nil
}

// Port reads from a real serial device.
type Port struct {
	port serial.Port

	mu     sync.Mutex
	latest Measurement
	valid  bool
}

// NewPort opens the serial device at 115200 8N1.
func NewPort(portName string) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: 1,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("velsensor: open %s: %w", portName, err)
	}
	return &Port{port: port}, nil
}

// Monitor reads lines until the context is cancelled or the port fails.
func (p *Port) Monitor(ctx context.Context) error {
	defer p.Close()
	scan := bufio.NewScanner(p.port)
	for scan.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		m, err := parseLine(scan.Text())
		if err != nil {
			log.Printf("%v", err)
			continue
		}
		p.mu.Lock()
		p.latest = m
		p.valid = true
		p.mu.Unlock()
	}
	return scan.Err()
}

// Latest returns the most recent sample. ok is false until the first
// valid line arrives, and again once the sample is older than a second.
func (p *Port) Latest() (Measurement, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.valid || time.Since(p.latest.WallTime) > time.Second {
		return Measurement{}, false
	}
	return p.latest, true
}

// Close closes the serial port.
func (p *Port) Close() error {
	return p.port.Close()
}

// MockPort replays canned line data, for tests and dev mode.
type MockPort struct {
	Data io.Reader

	mu     sync.Mutex
	latest Measurement
	valid  bool
}

// Monitor consumes the canned reader, then blocks until cancellation.
func (m *MockPort) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.Data)
	for scan.Scan() {
		meas, err := parseLine(scan.Text())
		if err != nil {
			continue
		}
		m.mu.Lock()
		m.latest = meas
		m.valid = true
		m.mu.Unlock()
	}
	<-ctx.Done()
	return nil
}

// Latest returns the most recent canned sample.
func (m *MockPort) Latest() (Measurement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest, m.valid
}

// Close is a no-op for the mock.
func (m *MockPort) Close() error { return nil }
