package sink

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/twister/internal/config"
)

func TestNewDiscard(t *testing.T) {
	for _, typ := range []string{"", "discard"} {
		s, err := New(config.SinkConfig{Type: typ})
		require.NoError(t, err)
		assert.NoError(t, s.WritePacketData([]byte{1, 2, 3}, gopacket.CaptureInfo{}))
		assert.NoError(t, s.Close())
	}
}

func TestNewUnsupported(t *testing.T) {
	_, err := New(config.SinkConfig{Type: "kafka"})
	assert.Error(t, err)
}

func TestPcapSinkConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcap")
	s, err := New(config.SinkConfig{Type: "pcap", Path: path})
	require.NoError(t, err)

	const workers, perG = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				err := s.WritePacketData(make([]byte, 64), gopacket.CaptureInfo{Timestamp: time.Now()})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)

	n := 0
	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Len(t, data, 64)
		assert.Equal(t, 64, ci.Length)
		n++
	}
	assert.Equal(t, workers*perG, n)
}

func TestPcapSinkAfterClose(t *testing.T) {
	s, err := CreatePcap(filepath.Join(t.TempDir(), "out.pcap"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.WritePacketData([]byte{1}, gopacket.CaptureInfo{}), os.ErrClosed)
}

func TestPcapSinkRequiresPath(t *testing.T) {
	_, err := CreatePcap("", 0)
	assert.Error(t, err)
}

func TestAFPacketSinkRequiresInterface(t *testing.T) {
	_, err := NewAFPacket("")
	assert.Error(t, err)
}
