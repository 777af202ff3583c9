// Package core defines the verdict and packet types shared by the admission
// pipeline and its hosting runtime. It has no external dependencies.
package core

import "time"

// Packet is the per-packet metadata handed to the admission pipeline.
// Only the length takes part in a decision.
type Packet struct {
	Length    uint32    // Wire length in bytes
	Timestamp time.Time // Capture timestamp, informational
}

// Size returns the number of bytes the packet contributes to accounting.
func (p Packet) Size() uint64 {
	return uint64(p.Length)
}
