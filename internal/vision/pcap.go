package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/taglocalizer/internal/timeutil"
)

// ReplayOptions controls how a capture is fed back into a camera.
type ReplayOptions struct {
	// Port keeps only UDP datagrams to this destination port. Zero keeps
	// every UDP datagram.
	Port int
	// Realtime sleeps between packets so they arrive with their captured
	// spacing.
	Realtime bool
	// Restamp replaces each packet's time_us with the current sensor clock
	// so a recording can run against live odometry.
	Restamp bool
	Clock   timeutil.Clock
}

// ReplayStats summarises one replay.
type ReplayStats struct {
	Packets   int
	Delivered int
	Skipped   int
	Failed    int
}

// ReplayPCAP reads a classic pcap file and hands each matching UDP payload
// to handle. It returns at end of file, on read error, or when ctx is done.
func ReplayPCAP(ctx context.Context, path string, opts ReplayOptions, handle func([]byte) error) (ReplayStats, error) {
	var stats ReplayStats
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return stats, fmt.Errorf("failed to read PCAP header from %s: %w", path, err)
	}
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true}

	var prevCapture time.Time
	for {
		if err := ctx.Err(); err != nil {
			log.Printf("[Vision] replay of %s stopped after %d packets", path, stats.Packets)
			return stats, err
		}
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			log.Printf("[Vision] replay of %s complete: %d packets, %d delivered", path, stats.Packets, stats.Delivered)
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("reading %s: %w", path, err)
		}
		stats.Packets++

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 || (opts.Port != 0 && int(udp.DstPort) != opts.Port) {
			stats.Skipped++
			continue
		}

		captured := packet.Metadata().Timestamp
		if opts.Realtime && !prevCapture.IsZero() {
			if gap := captured.Sub(prevCapture); gap > 0 {
				opts.Clock.Sleep(gap)
			}
		}
		prevCapture = captured

		payload := udp.Payload
		if opts.Restamp {
			payload, err = restamp(payload, opts.Clock)
			if err != nil {
				stats.Failed++
				continue
			}
		}
		if err := handle(payload); err != nil {
			stats.Failed++
			continue
		}
		stats.Delivered++
	}
}

func restamp(payload []byte, clock timeutil.Clock) ([]byte, error) {
	pkt, err := ParsePacket(payload)
	if err != nil {
		return nil, err
	}
	pkt.TimeUs = timeutil.MonotonicMicros(clock)
	return EncodePacket(pkt)
}

// Replay feeds a capture into the camera as though it arrived on the wire.
func (c *CameraListener) Replay(ctx context.Context, path string, opts ReplayOptions) (ReplayStats, error) {
	if opts.Clock == nil {
		opts.Clock = c.cfg.Clock
	}
	log.Printf("[Vision] camera %s replaying %s", c.cfg.Name, path)
	return ReplayPCAP(ctx, path, opts, c.HandlePacket)
}

// PCAPWriter records detection datagrams as Ethernet/IPv4/UDP frames so
// they can be replayed later.
type PCAPWriter struct {
	w        *pcapgo.Writer
	src, dst *net.UDPAddr
	buf      gopacket.SerializeBuffer
}

var (
	recordSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	recordDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// NewPCAPWriter writes a pcap file header to w. src and dst fill in the
// recorded IP and UDP headers.
func NewPCAPWriter(w io.Writer, src, dst *net.UDPAddr) (*PCAPWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write PCAP header: %w", err)
	}
	return &PCAPWriter{w: pw, src: src, dst: dst, buf: gopacket.NewSerializeBuffer()}, nil
}

// WritePayload appends one datagram captured at ts.
func (p *PCAPWriter) WritePayload(ts time.Time, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       recordSrcMAC,
		DstMAC:       recordDstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    ipv4(p.src.IP),
		DstIP:    ipv4(p.dst.IP),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(p.src.Port),
		DstPort: layers.UDPPort(p.dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(p.buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to serialise packet: %w", err)
	}
	data := p.buf.Bytes()
	return p.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

func ipv4(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return net.IPv4(127, 0, 0, 1).To4()
}
