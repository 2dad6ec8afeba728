package packet

type depthParserState int

const (
	depthIdle depthParserState = iota
	depthAccumulating
)

// DepthStreamParser reassembles eleven-subpacket depth capture cycles from
// raw isochronous buffers. Subpackets may arrive in any order; a cycle is
// complete once all eleven subsequence ids have been seen for one frame
// sequence number. Isochronous delivery loses data routinely, so an
// unfinished cycle is abandoned after a bounded number of subsequently
// observed headers and the stream resynchronizes on the next valid one.
type DepthStreamParser struct {
	state    depthParserState
	sequence uint32
	// timestamp of the most recent subpacket of the current cycle.
	timestamp uint32
	seen      uint32
	memory    []byte
	observed  int
	timeout   int
	stats     streamCounters
}

// NewDepthStreamParser returns a parser that abandons an unfinished cycle
// after timeoutHeaders subsequently observed valid headers. A small
// multiple of the subpacket count tolerates packet loss without holding a
// dead cycle across several capture periods.
func NewDepthStreamParser(timeoutHeaders int) *DepthStreamParser {
	if timeoutHeaders <= 0 {
		timeoutHeaders = 3 * NumDepthSubpackets
	}
	return &DepthStreamParser{
		memory:  make([]byte, DepthFrameSize),
		timeout: timeoutHeaders,
	}
}

// Parse consumes one raw payload buffer and returns a completed packet, or
// nil. The returned packet owns its buffer; buf may be recycled
// immediately.
func (p *DepthStreamParser) Parse(buf []byte) *DepthPacket {
	var h Header
	if err := h.UnmarshalBinary(buf); err != nil || h.Magic != DepthMagic {
		p.stats.droppedMagic.Add(1)
		return nil
	}
	payload := buf[HeaderSize:]

	if h.Subsequence >= NumDepthSubpackets ||
		h.Length != DepthSubpacketSize || len(payload) != DepthSubpacketSize {
		p.stats.droppedMalformed.Add(1)
		return nil
	}

	if p.state == depthAccumulating {
		p.observed++
		if h.Sequence != p.sequence || p.observed > p.timeout {
			// mismatched or timed-out partial cycle, never forwarded
			p.stats.droppedIncomplete.Add(1)
			p.reset()
		}
	}

	if p.state == depthIdle {
		p.state = depthAccumulating
		p.sequence = h.Sequence
		p.seen = 0
		p.observed = 0
	}

	copy(p.memory[int(h.Subsequence)*DepthSubpacketSize:], payload)
	p.seen |= 1 << h.Subsequence
	p.timestamp = h.Timestamp

	if p.seen != completeSubpacketMask {
		return nil
	}

	pkt := &DepthPacket{
		Sequence:  p.sequence,
		Timestamp: p.timestamp,
		Buffer:    append([]byte(nil), p.memory...),
	}
	p.stats.completed.Add(1)
	p.reset()
	return pkt
}

func (p *DepthStreamParser) reset() {
	p.state = depthIdle
	p.seen = 0
	p.observed = 0
}

// Stats returns a snapshot of the parser counters. Safe to call while
// another goroutine is in Parse.
func (p *DepthStreamParser) Stats() Stats { return p.stats.snapshot() }
