// Package packets parses Velodyne VLP-16 UDP packets into sweep points
// and assembles them into full revolutions for the SLAM pipeline.
//
// The VLP-16 sends 1206-byte UDP payloads containing 12 data blocks of
// 100 bytes each, followed by a 4-byte microsecond timestamp and a
// 2-byte factory field. Each block holds a 2-byte flag (0xFFEE), a
// 2-byte azimuth in 0.01-degree units, and two firing sequences of 16
// channels at 3 bytes per channel (2-byte distance in 2mm units plus a
// reflectivity byte).
package packets

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/slam.report/internal/slam/cloud"
)

// VLP-16 packet framing constants.
const (
	PacketSize         = 1206
	BlocksPerPacket    = 12
	BlockSize          = 100
	ChannelsPerBlock   = 32
	LasersPerFiring    = 16
	BytesPerChannel    = 3
	BlockFlag          = 0xEEFF // 0xFFEE little-endian
	DistanceResolution = 0.002  // meters per LSB
	AzimuthResolution  = 0.01   // degrees per LSB
)

// vlp16Elevations holds the fixed vertical angles of the 16 lasers in
// firing order, degrees.
var vlp16Elevations = [LasersPerFiring]float64{
	-15, 1, -13, 3, -11, 5, -9, 7, -7, 9, -5, 11, -3, 13, -1, 15,
}

// LaserRanking returns the laser-id ordering by vertical angle,
// suitable for Pipeline.SetSensorCalibration.
func LaserRanking() map[int]int {
	type pair struct {
		id   int
		elev float64
	}
	ordered := make([]pair, LasersPerFiring)
	for i, e := range vlp16Elevations {
		ordered[i] = pair{id: i, elev: e}
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].elev < ordered[j-1].elev; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	m := make(map[int]int, LasersPerFiring)
	for rank, p := range ordered {
		m[p.id] = rank
	}
	return m
}

// RawPoint is a single parsed return before sweep assembly. Azimuth is
// degrees in [0,360), TimestampMicros the packet clock.
type RawPoint struct {
	Point           cloud.Point
	AzimuthDeg      float64
	TimestampMicros uint32
}

// Parser converts VLP-16 payloads into raw points.
type Parser struct {
	MinDistance float64 // returns closer than this are dropped (meters)
	packetCount int
}

// NewParser returns a parser with a 0.5m minimum range.
func NewParser() *Parser {
	return &Parser{MinDistance: 0.5}
}

// ParsePacket parses one 1206-byte payload. Returns up to 384 points;
// zero-distance channels (no return) are skipped.
func (p *Parser) ParsePacket(data []byte) ([]RawPoint, error) {
	if len(data) != PacketSize {
		return nil, fmt.Errorf("packets: invalid packet size %d, want %d", len(data), PacketSize)
	}
	p.packetCount++

	timestamp := binary.LittleEndian.Uint32(data[PacketSize-6 : PacketSize-2])

	points := make([]RawPoint, 0, BlocksPerPacket*ChannelsPerBlock)
	for block := 0; block < BlocksPerPacket; block++ {
		off := block * BlockSize
		flag := binary.LittleEndian.Uint16(data[off : off+2])
		if flag != BlockFlag {
			return nil, fmt.Errorf("packets: block %d flag 0x%04X, want 0x%04X", block, flag, BlockFlag)
		}
		azimuth := float64(binary.LittleEndian.Uint16(data[off+2:off+4])) * AzimuthResolution

		for ch := 0; ch < ChannelsPerBlock; ch++ {
			chOff := off + 4 + ch*BytesPerChannel
			dist := float64(binary.LittleEndian.Uint16(data[chOff:chOff+2])) * DistanceResolution
			if dist == 0 || dist < p.MinDistance {
				continue
			}
			reflect := data[chOff+2]
			laser := ch % LasersPerFiring

			elevRad := vlp16Elevations[laser] * math.Pi / 180
			azRad := azimuth * math.Pi / 180

			cosE := math.Cos(elevRad)
			points = append(points, RawPoint{
				Point: cloud.Point{
					X:         dist * cosE * math.Sin(azRad),
					Y:         dist * cosE * math.Cos(azRad),
					Z:         dist * math.Sin(elevRad),
					Intensity: float64(reflect),
					Laser:     laser,
				},
				AzimuthDeg:      azimuth,
				TimestampMicros: timestamp,
			})
		}
	}
	return points, nil
}
