// Package source provides the packet sources feeding the admission pipeline.
package source

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"

	"firestige.xyz/twister/internal/config"
)

// ErrTimeout is returned by ReadPacketData when no packet arrived within the
// poll timeout. Callers should retry.
var ErrTimeout = errors.New("source: read timeout")

// Source yields raw frames. ReadPacketData returns io.EOF when a finite
// source is exhausted.
type Source interface {
	gopacket.PacketDataSource
	Close() error
}

// New opens the source selected by cfg.Type.
func New(cfg config.SourceConfig) (Source, error) {
	switch cfg.Type {
	case "afpacket":
		return NewAFPacket(cfg)
	case "pcap":
		return OpenFile(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Type)
	}
}
