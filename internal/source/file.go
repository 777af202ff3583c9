package source

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapngMagic is the section header block type that opens every pcapng file.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// File replays a pcap or pcapng capture once and then returns io.EOF.
type File struct {
	f      *os.File
	reader gopacket.PacketDataSource
	link   layers.LinkType
}

// OpenFile opens a capture file, detecting pcap versus pcapng.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("pcap source requires a path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}

	br := bufio.NewReader(f)
	head, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture file header %s: %w", path, err)
	}

	src := &File{f: f}
	if bytes.Equal(head, pcapngMagic) {
		r, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to parse pcapng %s: %w", path, err)
		}
		src.reader, src.link = r, r.LinkType()
	} else {
		r, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to parse pcap %s: %w", path, err)
		}
		src.reader, src.link = r, r.LinkType()
	}
	return src, nil
}

// ReadPacketData implements gopacket.PacketDataSource.
func (s *File) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.reader.ReadPacketData()
	if err == io.EOF {
		return nil, ci, io.EOF
	}
	if err != nil {
		return nil, ci, fmt.Errorf("failed to read packet: %w", err)
	}
	return data, ci, nil
}

// LinkType returns the capture's link layer type.
func (s *File) LinkType() layers.LinkType {
	return s.link
}

// Close closes the underlying file.
func (s *File) Close() error {
	return s.f.Close()
}
