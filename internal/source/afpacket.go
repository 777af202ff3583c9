package source

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"

	"firestige.xyz/twister/internal/config"
)

// AFPacket reads frames from a TPACKET_V3 ring.
type AFPacket struct {
	handle *afpacket.TPacket
	iface  string
}

// NewAFPacket opens a capture ring on cfg.Interface.
func NewAFPacket(cfg config.SourceConfig) (*AFPacket, error) {
	frameSize, blockSize, numBlocks, err := ringSize(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}

	opts := []interface{}{
		afpacket.OptInterface(cfg.Interface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(pollTimeout(cfg.PollTimeout)),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	}
	tp, err := afpacket.NewTPacket(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open af_packet on %s: %w", cfg.Interface, err)
	}

	if cfg.FanoutID > 0 {
		if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, cfg.FanoutID); err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to join fanout group %d: %w", cfg.FanoutID, err)
		}
	}

	if cfg.BPFFilter != "" {
		raw, err := CompileBPF(cfg.BPFFilter, frameSize)
		if err != nil {
			tp.Close()
			return nil, err
		}
		if err := tp.SetBPF(raw); err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to attach BPF filter: %w", err)
		}
	}

	return &AFPacket{handle: tp, iface: cfg.Interface}, nil
}

// DefaultPollTimeout bounds each ring read so capture notices shutdown.
const DefaultPollTimeout = 100 * time.Millisecond

// pollTimeout never lets a read block indefinitely.
func pollTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultPollTimeout
	}
	return d
}

// ReadPacketData implements gopacket.PacketDataSource.
func (s *AFPacket) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.handle.ReadPacketData()
	if errors.Is(err, afpacket.ErrTimeout) {
		return nil, ci, ErrTimeout
	}
	return data, ci, err
}

// Close releases the ring.
func (s *AFPacket) Close() error {
	s.handle.Close()
	return nil
}

// ringSize derives PACKET_MMAP geometry for a memory budget:
// frames are TPACKET_ALIGNMENT aligned, blocks are page multiples holding
// whole frames, and blocks*numBlocks approximates bufferMB.
func ringSize(bufferMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const (
		alignment = 16
		hdrLen    = 52
		maxBlock  = 4 << 20
	)
	if bufferMB <= 0 {
		return 0, 0, 0, fmt.Errorf("buffer_size_mb must be positive, got %d", bufferMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snap_len must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%alignment != 0 {
		return 0, 0, 0, fmt.Errorf("page size must be a positive multiple of %d, got %d", alignment, pageSize)
	}

	frameSize = (hdrLen + snapLen + alignment - 1) / alignment * alignment

	blockSize = pageSize / gcd(pageSize, frameSize) * frameSize
	if blockSize > maxBlock {
		// Fall back to the largest page multiple under the cap that still
		// holds whole frames.
		frames := maxBlock / frameSize
		if frames < 1 {
			frames = 1
		}
		blockSize = (frames*frameSize + pageSize - 1) / pageSize * pageSize
	}

	numBlocks = bufferMB << 20 / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	return frameSize, blockSize, numBlocks, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
