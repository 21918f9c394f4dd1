package packets

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReplayPCAP reads LiDAR UDP packets from a pcap capture and delivers
// assembled sweeps to emit. Non-UDP traffic and packets on other ports
// are skipped. The replay runs as fast as the file can be read and
// stops at EOF or context cancellation.
func ReplayPCAP(ctx context.Context, path string, udpPort int, emit func(*Sweep) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("packets: open pcap: %w", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("packets: read pcap header: %w", err)
	}

	parser := NewParser()
	builder := NewSweepBuilder()
	packetCount, sweepCount, badPackets := 0, 0, 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("packets: read pcap packet: %w", err)
		}

		pkt := gopacket.NewPacket(data, r.LinkType(), gopacket.NoCopy)
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if udpPort != 0 && int(udp.DstPort) != udpPort {
			continue
		}

		packetCount++
		points, err := parser.ParsePacket(udp.Payload)
		if err != nil {
			badPackets++
			if badPackets <= 5 {
				log.Printf("packets: skipping malformed packet: %v", err)
			}
			continue
		}
		if sweep := builder.Add(points); sweep != nil {
			sweepCount++
			if err := emit(sweep); err != nil {
				return err
			}
		}
	}

	if sweep := builder.Flush(); sweep != nil {
		sweepCount++
		if err := emit(sweep); err != nil {
			return err
		}
	}
	log.Printf("packets: replay complete: %d packets, %d sweeps, %d malformed", packetCount, sweepCount, badPackets)
	return nil
}
