// Package packet reassembles logical Kinect v2 frames from raw USB payload
// buffers. The color stream carries one JPEG byte stream per frame over the
// bulk endpoint; the depth stream carries eleven fixed-size subpackets per
// capture cycle over the isochronous endpoint. Both streams prefix every
// payload buffer with the same fixed header.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

// Wire protocol constants. These are fixed properties of the device
// firmware and are not negotiable.
const (
	// ColorMagic marks payload buffers on the color bulk endpoint.
	ColorMagic = 0x42424242
	// ColorFooterMagic marks the metadata trailer at the end of a
	// complete color frame.
	ColorFooterMagic = 0x39393939
	// DepthMagic marks payload buffers on the depth isochronous endpoint.
	DepthMagic = 0x00000009

	// NumDepthSubpackets is the number of fragments that make up one
	// depth capture cycle.
	NumDepthSubpackets = 11
	// DepthSubpacketSize is the payload size of a single depth
	// subpacket. Eleven subpackets concatenate to ten packed sub-images
	// of 512x424 11-bit samples (298496 bytes each).
	DepthSubpacketSize = 271360
	// DepthFrameSize is the size of a fully reassembled depth frame.
	DepthFrameSize = NumDepthSubpackets * DepthSubpacketSize
	// DepthSubImageSize is the stride between the ten packed sub-images
	// inside a reassembled depth frame: 512*424 samples at 11 bits.
	DepthSubImageSize = 512 * 424 * 11 / 8

	// completeSubpacketMask has one bit set per received subsequence id.
	completeSubpacketMask = 1<<NumDepthSubpackets - 1
)

// HeaderSize is the length of the fixed header at the start of every raw
// payload buffer.
const HeaderSize = 20

// Header is the fixed header at the start of every raw payload buffer on
// both endpoints, little endian.
type Header struct {
	Magic       uint32
	Sequence    uint32
	Subsequence uint32
	// Length declares payload bytes: the total frame payload for the
	// color stream, the payload bytes of this subpacket for depth.
	Length    uint32
	Timestamp uint32
}

func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return io.ErrShortBuffer
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Sequence = binary.LittleEndian.Uint32(buf[4:8])
	h.Subsequence = binary.LittleEndian.Uint32(buf[8:12])
	h.Length = binary.LittleEndian.Uint32(buf[12:16])
	h.Timestamp = binary.LittleEndian.Uint32(buf[16:20])
	return nil
}

func (h *Header) MarshalInto(buf []byte) error {
	if len(buf) < HeaderSize {
		return io.ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Sequence)
	binary.LittleEndian.PutUint32(buf[8:12], h.Subsequence)
	binary.LittleEndian.PutUint32(buf[12:16], h.Length)
	binary.LittleEndian.PutUint32(buf[16:20], h.Timestamp)
	return nil
}

// ColorPacket is a complete JPEG byte stream for one color frame plus the
// exposure metadata the device appends to it.
type ColorPacket struct {
	Sequence  uint32
	Timestamp uint32
	Exposure  float32
	Gain      float32
	Gamma     float32
	// JPEG holds the frame's compressed bytes up to and including the
	// EOI marker.
	JPEG []byte
}

func (p *ColorPacket) String() string {
	return fmt.Sprintf("ColorPacket{seq=%d ts=%d jpeg=%dB exposure=%.2f}",
		p.Sequence, p.Timestamp, len(p.JPEG), p.Exposure)
}

// DepthPacket is a complete reassembled depth capture cycle: eleven
// subpacket payloads concatenated in subsequence order.
type DepthPacket struct {
	Sequence  uint32
	Timestamp uint32
	// Buffer is DepthFrameSize bytes of packed 11-bit samples.
	Buffer []byte
}

func (p *DepthPacket) String() string {
	return fmt.Sprintf("DepthPacket{seq=%d ts=%d buffer=%dB}",
		p.Sequence, p.Timestamp, len(p.Buffer))
}

// Stats counts parser outcomes. All recoverable stream damage is counted
// here rather than surfaced as errors; the stream resynchronizes on the
// next valid header.
type Stats struct {
	// Completed counts frames handed downstream.
	Completed uint64
	// DroppedMagic counts buffers discarded for a bad header magic.
	DroppedMagic uint64
	// DroppedIncomplete counts partial frames abandoned because of a
	// sequence change or assembly timeout.
	DroppedIncomplete uint64
	// DroppedMalformed counts buffers whose declared length disagrees
	// with their actual payload.
	DroppedMalformed uint64
}

// streamCounters backs the parser counters. Parse runs on the stream's
// reader goroutine while Stats snapshots are taken from whichever goroutine
// polls the pipeline, so the counters are atomics.
type streamCounters struct {
	completed         atomic.Uint64
	droppedMagic      atomic.Uint64
	droppedIncomplete atomic.Uint64
	droppedMalformed  atomic.Uint64
}

func (c *streamCounters) snapshot() Stats {
	return Stats{
		Completed:         c.completed.Load(),
		DroppedMagic:      c.droppedMagic.Load(),
		DroppedIncomplete: c.droppedIncomplete.Load(),
		DroppedMalformed:  c.droppedMalformed.Load(),
	}
}
