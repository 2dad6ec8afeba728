package kinect2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gotof/kinect2/pkg/calibration"
	"github.com/gotof/kinect2/pkg/decode"
	"github.com/gotof/kinect2/pkg/packet"
	"github.com/gotof/kinect2/pkg/transfers"
)

var testIrParams = calibration.IrParams{
	Fx: 365.456, Fy: 365.456,
	Cx: 254.878, Cy: 205.395,
	K1: 0.0905474, K2: -0.26819, K3: 0.0950862,
}

func testP0Tables() *calibration.P0Tables {
	flat := func(v uint16) []uint16 {
		t := make([]uint16, calibration.DepthPixels)
		for i := range t {
			t[i] = v
		}
		return t
	}
	return &calibration.P0Tables{Table0: flat(2000), Table1: flat(4000), Table2: flat(6000)}
}

// fakeSource serves canned payload buffers and then idles, mimicking the
// polling contract of the endpoint readers.
type fakeSource struct {
	buffers [][]byte
	pos     int
	err     error // returned once the buffers run out
	closed  atomic.Bool
}

func (s *fakeSource) Read(buf []byte) (int, error) {
	if s.closed.Load() {
		return 0, io.EOF
	}
	if s.pos < len(s.buffers) {
		n := copy(buf, s.buffers[s.pos])
		s.pos++
		return n, nil
	}
	if s.err != nil {
		return 0, s.err
	}
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

// depthCycleBuffers builds the eleven raw subpacket buffers of one dark
// capture cycle.
func depthCycleBuffers(sequence uint32) [][]byte {
	bufs := make([][]byte, packet.NumDepthSubpackets)
	for sub := range bufs {
		raw := make([]byte, packet.HeaderSize+packet.DepthSubpacketSize)
		h := packet.Header{
			Magic:       packet.DepthMagic,
			Sequence:    sequence,
			Subsequence: uint32(sub),
			Length:      packet.DepthSubpacketSize,
			Timestamp:   sequence * 100,
		}
		h.MarshalInto(raw)
		bufs[sub] = raw
	}
	return bufs
}

// colorFrameBuffers encodes a JPEG test frame and splits it into raw
// header-prefixed chunks with the metadata footer.
func colorFrameBuffers(t *testing.T, sequence uint32) [][]byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, calibration.ColorWidth, calibration.ColorHeight))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	var jpegBuf bytes.Buffer
	if err := jpeg.Encode(&jpegBuf, img, &jpeg.Options{Quality: 60}); err != nil {
		t.Fatalf("jpeg.Encode() = %v", err)
	}

	payload := jpegBuf.Bytes()
	footer := make([]byte, 20)
	binary.LittleEndian.PutUint32(footer[0:], packet.ColorFooterMagic)
	binary.LittleEndian.PutUint32(footer[4:], sequence)
	binary.LittleEndian.PutUint32(footer[8:], 0x41853333) // exposure 16.65
	payload = append(payload, footer...)

	var bufs [][]byte
	const chunk = 8192
	for off, sub := 0, uint32(0); off < len(payload); off, sub = off+chunk, sub+1 {
		end := off + chunk
		if end > len(payload) {
			end = len(payload)
		}
		raw := make([]byte, packet.HeaderSize+end-off)
		h := packet.Header{
			Magic:       packet.ColorMagic,
			Sequence:    sequence,
			Subsequence: sub,
			Length:      uint32(len(payload)),
			Timestamp:   sequence * 100,
		}
		h.MarshalInto(raw)
		copy(raw[packet.HeaderSize:], payload[off:end])
		bufs = append(bufs, raw)
	}
	return bufs
}

type collectListener struct {
	colorSeqs chan uint32
	depthSeqs chan uint32
	retain    bool
}

func newCollectListener(retain bool) *collectListener {
	return &collectListener{
		colorSeqs: make(chan uint32, 16),
		depthSeqs: make(chan uint32, 16),
		retain:    retain,
	}
}

func (l *collectListener) OnColorFrame(f *decode.ColorFrame) bool {
	select {
	case l.colorSeqs <- f.Sequence:
	default:
	}
	return l.retain
}

func (l *collectListener) OnDepthFrame(ir *decode.IRFrame, depth *decode.DepthFrame) bool {
	select {
	case l.depthSeqs <- depth.Sequence:
	default:
	}
	return l.retain
}

func waitSeq(t *testing.T, ch chan uint32, want uint32) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("frame sequence = %d, want %d", got, want)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("no frame with sequence %d delivered", want)
	}
}

func TestPipelineDeliversFrames(t *testing.T) {
	listener := newCollectListener(false)
	colorSrc := &fakeSource{buffers: colorFrameBuffers(t, 5)}
	depthSrc := &fakeSource{buffers: depthCycleBuffers(7)}

	p, err := newPipeline(DefaultConfig(), listener, &testIrParams, testP0Tables(), colorSrc, depthSrc)
	if err != nil {
		t.Fatalf("newPipeline() = %v", err)
	}
	p.start()
	defer p.stop()

	waitSeq(t, listener.colorSeqs, 5)
	waitSeq(t, listener.depthSeqs, 7)

	stats := p.stats()
	if stats.ColorAssembly.Completed != 1 || stats.DepthAssembly.Completed != 1 {
		t.Errorf("assembly completed = %d/%d, want 1/1",
			stats.ColorAssembly.Completed, stats.DepthAssembly.Completed)
	}
	if stats.DecodeErrors != 0 {
		t.Errorf("decode errors = %d, want 0", stats.DecodeErrors)
	}
}

func TestPipelineDropsWhenPoolExhausted(t *testing.T) {
	// The listener retains every frame and never releases, so the second
	// cycle finds the pool empty and is dropped, not queued.
	listener := newCollectListener(true)
	var depthBufs [][]byte
	depthBufs = append(depthBufs, depthCycleBuffers(1)...)
	depthBufs = append(depthBufs, depthCycleBuffers(2)...)
	depthBufs = append(depthBufs, depthCycleBuffers(3)...)

	config := DefaultConfig()
	config.PoolDepth = 1
	p, err := newPipeline(config, listener, &testIrParams, testP0Tables(), &fakeSource{}, &fakeSource{buffers: depthBufs})
	if err != nil {
		t.Fatalf("newPipeline() = %v", err)
	}
	p.start()
	defer p.stop()

	waitSeq(t, listener.depthSeqs, 1)

	deadline := time.Now().Add(10 * time.Second)
	for p.depthDrops.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no drop recorded with an exhausted pool")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPipelineTransportFault(t *testing.T) {
	fault := &transfers.TransportError{Op: "iso read", Code: -4}
	depthSrc := &fakeSource{err: fault}

	p, err := newPipeline(DefaultConfig(), newCollectListener(false), &testIrParams, testP0Tables(), &fakeSource{}, depthSrc)
	if err != nil {
		t.Fatalf("newPipeline() = %v", err)
	}
	p.start()

	deadline := time.Now().Add(10 * time.Second)
	for p.err() == nil {
		if time.Now().After(deadline) {
			t.Fatal("transport fault never propagated")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var transportErr *transfers.TransportError
	if !errors.As(p.err(), &transportErr) {
		t.Errorf("err() = %v, want *transfers.TransportError", p.err())
	}

	// Shutdown after a fault must still drain cleanly.
	p.stop()
	if !depthSrc.closed.Load() {
		t.Error("depth source not closed after stop")
	}
}

func TestPipelineCleanShutdown(t *testing.T) {
	colorSrc := &fakeSource{}
	depthSrc := &fakeSource{}
	p, err := newPipeline(DefaultConfig(), newCollectListener(false), &testIrParams, testP0Tables(), colorSrc, depthSrc)
	if err != nil {
		t.Fatalf("newPipeline() = %v", err)
	}
	p.start()
	p.stop()

	if !colorSrc.closed.Load() || !depthSrc.closed.Load() {
		t.Error("sources not closed after stop")
	}
}

func TestPipelineReleaseReturnsFrames(t *testing.T) {
	listener := newCollectListener(true)
	config := DefaultConfig()
	config.PoolDepth = 1
	p, err := newPipeline(config, listener, &testIrParams, testP0Tables(), &fakeSource{}, &fakeSource{})
	if err != nil {
		t.Fatalf("newPipeline() = %v", err)
	}

	depth, ok := p.depthPool.get()
	if !ok {
		t.Fatal("depthPool.get() empty on a fresh pipeline")
	}
	if _, ok := p.depthPool.get(); ok {
		t.Fatal("pool of depth 1 handed out a second buffer")
	}
	p.release(depth)
	if _, ok := p.depthPool.get(); !ok {
		t.Fatal("released buffer not reusable")
	}
}
