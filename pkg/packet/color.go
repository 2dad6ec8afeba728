package packet

import (
	"encoding/binary"
	"math"
)

// colorFooterSize is the metadata trailer at the end of a complete color
// frame payload: footer magic, sequence, exposure, gain, gamma.
const colorFooterSize = 20

// maxColorFrameSize bounds accumulation so that a corrupted declared
// length can never grow the buffer without limit.
const maxColorFrameSize = 2 * 1024 * 1024

type colorParserState int

const (
	colorIdle colorParserState = iota
	colorAccumulating
)

// ColorStreamParser reassembles one JPEG byte stream per frame from raw
// color endpoint buffers. Buffers carrying a bad magic are dropped in
// place; a new frame start with an unfinished frame abandons the partial
// frame and restarts on the new header. Stray fragments of other frames
// are tolerated up to the stall timeout.
type ColorStreamParser struct {
	state    colorParserState
	header   Header
	memory   []byte
	stats    streamCounters
	timeout  int
	observed int
}

// NewColorStreamParser returns a parser that abandons an unfinished frame
// after timeoutHeaders subsequently observed valid headers.
func NewColorStreamParser(timeoutHeaders int) *ColorStreamParser {
	if timeoutHeaders <= 0 {
		timeoutHeaders = 3 * NumDepthSubpackets
	}
	return &ColorStreamParser{
		memory:  make([]byte, 0, maxColorFrameSize),
		timeout: timeoutHeaders,
	}
}

// Parse consumes one raw payload buffer and returns a completed packet, or
// nil while a frame is still accumulating. The returned packet owns its
// JPEG slice; buf may be recycled immediately.
func (p *ColorStreamParser) Parse(buf []byte) *ColorPacket {
	var h Header
	if err := h.UnmarshalBinary(buf); err != nil || h.Magic != ColorMagic {
		p.stats.droppedMagic.Add(1)
		return nil
	}
	payload := buf[HeaderSize:]

	if h.Length < colorFooterSize || h.Length > maxColorFrameSize {
		p.stats.droppedMalformed.Add(1)
		return nil
	}

	if p.state == colorAccumulating && h.Sequence != p.header.Sequence {
		// Headers of some other frame while one is open. A new frame
		// start supersedes the unfinished frame immediately; stray
		// mid-frame fragments only count toward the stall timeout, so
		// a large frame delivered intact can span any number of
		// fragments without being timed out by its own headers.
		p.observed++
		if h.Subsequence != 0 && p.observed <= p.timeout {
			return nil
		}
		p.stats.droppedIncomplete.Add(1)
		p.reset()
	}

	if p.state == colorIdle {
		if h.Subsequence != 0 {
			// mid-frame fragment with no frame in progress, wait
			// for the next frame start
			return nil
		}
		p.header = h
		p.state = colorAccumulating
		p.observed = 0
	}

	if len(p.memory)+len(payload) > int(p.header.Length) {
		p.stats.droppedMalformed.Add(1)
		p.reset()
		return nil
	}
	p.memory = append(p.memory, payload...)

	if len(p.memory) < int(p.header.Length) {
		return nil
	}
	pkt := p.complete()
	p.reset()
	return pkt
}

// complete validates the accumulated frame and slices out the JPEG stream.
func (p *ColorStreamParser) complete() *ColorPacket {
	footer := p.memory[len(p.memory)-colorFooterSize:]
	if binary.LittleEndian.Uint32(footer[0:4]) != ColorFooterMagic ||
		binary.LittleEndian.Uint32(footer[4:8]) != p.header.Sequence {
		p.stats.droppedMalformed.Add(1)
		return nil
	}

	jpegBuf := p.memory[:len(p.memory)-colorFooterSize]

	// The device pads the JPEG stream with up to 4 alignment bytes
	// before the footer; scan backwards for the EOI marker.
	jpegLen := 0
	for i := 0; i < 4 && len(jpegBuf)-i >= 2; i++ {
		end := len(jpegBuf) - i
		if jpegBuf[end-2] == 0xff && jpegBuf[end-1] == 0xd9 {
			jpegLen = end
			break
		}
	}
	if jpegLen == 0 {
		p.stats.droppedMalformed.Add(1)
		return nil
	}

	pkt := &ColorPacket{
		Sequence:  p.header.Sequence,
		Timestamp: p.header.Timestamp,
		Exposure:  math.Float32frombits(binary.LittleEndian.Uint32(footer[8:12])),
		Gain:      math.Float32frombits(binary.LittleEndian.Uint32(footer[12:16])),
		Gamma:     math.Float32frombits(binary.LittleEndian.Uint32(footer[16:20])),
		JPEG:      append([]byte(nil), jpegBuf[:jpegLen]...),
	}
	p.stats.completed.Add(1)
	return pkt
}

func (p *ColorStreamParser) reset() {
	p.state = colorIdle
	p.memory = p.memory[:0]
	p.observed = 0
}

// Stats returns a snapshot of the parser counters. Safe to call while
// another goroutine is in Parse.
func (p *ColorStreamParser) Stats() Stats { return p.stats.snapshot() }
