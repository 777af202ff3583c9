// Package sink provides destinations for admitted packets.
package sink

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/twister/internal/config"
)

// Sink receives admitted frames. WritePacketData may be called from
// several workers at once.
type Sink interface {
	WritePacketData(data []byte, ci gopacket.CaptureInfo) error
	Close() error
}

// New opens the sink selected by cfg.Type.
func New(cfg config.SinkConfig) (Sink, error) {
	switch cfg.Type {
	case "", "discard":
		return Discard{}, nil
	case "pcap":
		return CreatePcap(cfg.Path, cfg.SnapLen)
	case "afpacket":
		return NewAFPacket(cfg.Interface)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}

// Discard drops every packet. Admission still has its effect on the
// counters.
type Discard struct{}

// WritePacketData implements Sink.
func (Discard) WritePacketData([]byte, gopacket.CaptureInfo) error { return nil }

// Close implements Sink.
func (Discard) Close() error { return nil }

// Pcap records admitted packets to a pcap file.
type Pcap struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

// CreatePcap creates (or truncates) path and writes the file header.
func CreatePcap(path string, snapLen int) (*Pcap, error) {
	if path == "" {
		return nil, fmt.Errorf("pcap sink requires a path")
	}
	if snapLen <= 0 {
		snapLen = 65535
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap sink %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(uint32(snapLen), layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Pcap{f: f, w: w}, nil
}

// WritePacketData implements Sink.
func (p *Pcap) WritePacketData(data []byte, ci gopacket.CaptureInfo) error {
	if ci.CaptureLength == 0 {
		ci.CaptureLength = len(data)
	}
	if ci.Length == 0 {
		ci.Length = len(data)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return os.ErrClosed
	}
	return p.w.WritePacket(ci, data)
}

// Close flushes and closes the file.
func (p *Pcap) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}

// AFPacket transmits admitted frames on an egress interface.
type AFPacket struct {
	handle *afpacket.TPacket
}

// NewAFPacket opens a transmit socket on iface.
func NewAFPacket(iface string) (*AFPacket, error) {
	if iface == "" {
		return nil, fmt.Errorf("afpacket sink requires an interface")
	}
	tp, err := afpacket.NewTPacket(afpacket.OptInterface(iface), afpacket.SocketRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to open af_packet egress on %s: %w", iface, err)
	}
	return &AFPacket{handle: tp}, nil
}

// WritePacketData implements Sink.
func (a *AFPacket) WritePacketData(data []byte, _ gopacket.CaptureInfo) error {
	return a.handle.WritePacketData(data)
}

// Close releases the socket.
func (a *AFPacket) Close() error {
	a.handle.Close()
	return nil
}
