package decode

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/gotof/kinect2/pkg/calibration"
	"github.com/gotof/kinect2/pkg/packet"
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
	return &calibration.P0Tables{
		Table0: flat(2000),
		Table1: flat(4000),
		Table2: flat(6000),
	}
}

func newTestDecoder(t *testing.T, config Config) *CPUDepthDecoder {
	t.Helper()
	d, err := NewCPUDepthDecoder(calibration.BuildTables(&testIrParams), testP0Tables(), DefaultDepthParams(), config)
	if err != nil {
		t.Fatalf("NewCPUDepthDecoder() = %v", err)
	}
	return d
}

// packSample writes an 11-bit sample for (sub, x, y) into a raw buffer,
// inverting the layout the decoder reads.
func packSample(buf []byte, sub, x, y int, sample uint16) {
	r1zi := ((x >> 2) + ((x & 0x3) << 7)) * 11
	i := y + 212
	if y >= 212 {
		i = 423 - y
	}
	base := packet.DepthSubImageSize*sub + 2*352*i
	r1yi := r1zi >> 4
	shift := r1zi & 15

	w0 := binary.LittleEndian.Uint16(buf[base+2*r1yi:])
	w0 |= (sample << shift) & 0xffff
	binary.LittleEndian.PutUint16(buf[base+2*r1yi:], w0)

	if shift > 5 {
		w1 := binary.LittleEndian.Uint16(buf[base+2*r1yi+2:])
		w1 |= sample >> (16 - shift)
		binary.LittleEndian.PutUint16(buf[base+2*r1yi+2:], w1)
	}
}

func TestDecodePixelMeasurement(t *testing.T) {
	d := newTestDecoder(t, DefaultConfig())

	buf := make([]byte, packet.DepthFrameSize)
	packSample(buf, 0, 4, 0, 1234)
	packSample(buf, 5, 200, 300, 321)

	if got, want := d.decodePixelMeasurement(buf, 0, 4, 0), d.lut[1234]; got != want {
		t.Errorf("decodePixelMeasurement(sub 0) = %d, want %d", got, want)
	}
	if got, want := d.decodePixelMeasurement(buf, 5, 200, 300), d.lut[321]; got != want {
		t.Errorf("decodePixelMeasurement(sub 5) = %d, want %d", got, want)
	}

	// Columns 0 and 511 carry no data and decode to the zero code.
	if got := d.decodePixelMeasurement(buf, 0, 0, 10); got != d.lut[0] {
		t.Errorf("decodePixelMeasurement(x=0) = %d, want %d", got, d.lut[0])
	}
	if got := d.decodePixelMeasurement(buf, 0, 511, 10); got != d.lut[0] {
		t.Errorf("decodePixelMeasurement(x=511) = %d, want %d", got, d.lut[0])
	}
}

// goldenIrParams has no lens distortion, so the correction tables follow
// in closed form from the intrinsics alone.
var goldenIrParams = calibration.IrParams{
	Fx: 365.456, Fy: 365.456,
	Cx: 254.878, Cy: 205.395,
}

// goldenScene fills every pixel of each raw measurement subpacket with one
// fixed code. The nine codes express the same modulated response at every
// pixel: per modulation frequency, three phase-shifted samples of a target
// sitting at unwrapped phase 4.2 periods with amplitude 100, so the whole
// frame dealiases to one known distance along each pixel's ray.
func goldenScene(t *testing.T) []byte {
	t.Helper()
	codes := [9]uint16{1105, 1034, 91, 1043, 1100, 94, 81, 1115, 10}
	buf := make([]byte, packet.DepthFrameSize)
	for sub, code := range codes {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				packSample(buf, sub, x, y, code)
			}
		}
	}
	return buf
}

func TestCPUDecodeGoldenScene(t *testing.T) {
	// With distortion-free intrinsics and zero phase pages, every stage of
	// the pipeline is reproducible in closed form; the expected millimeter
	// values below are precomputed from the same arithmetic. Any change to
	// the measurement decode, the trig tables, the unwrapping, or the
	// z/x correction shows up as a changed value here.
	zero := make([]uint16, calibration.DepthPixels)
	p0 := &calibration.P0Tables{Table0: zero, Table1: zero, Table2: zero}
	config := Config{MinDepth: 500, MaxDepth: 4500}
	d, err := NewCPUDepthDecoder(calibration.BuildTables(&goldenIrParams), p0, DefaultDepthParams(), config)
	if err != nil {
		t.Fatalf("NewCPUDepthDecoder() = %v", err)
	}

	ir, depth := NewIRFrame(), NewDepthFrame()
	pkt := &packet.DepthPacket{Sequence: 3, Timestamp: 30, Buffer: goldenScene(t)}
	if err := d.Decode(pkt, ir, depth); err != nil {
		t.Fatalf("Decode() = %v", err)
	}

	for _, tt := range []struct {
		x, y int
		mm   uint16
	}{
		{114, 143, 2413},
		{262, 143, 2588},
		{77, 20, 2142},
		{151, 266, 2488},
		{373, 389, 2257},
		{410, 266, 2395},
	} {
		if got := depth.Data[(423-tt.y)*width+tt.x]; got != tt.mm {
			t.Errorf("depth at (%d,%d) = %d mm, want %d", tt.x, tt.y, got, tt.mm)
		}
	}

	// Columns 0 and 511 carry no samples and stay invalid.
	if got := depth.Data[(423-100)*width]; got != 0 {
		t.Errorf("depth at (0,100) = %d, want 0", got)
	}
	if got := depth.Data[(423-100)*width+511]; got != 0 {
		t.Errorf("depth at (511,100) = %d, want 0", got)
	}

	// The infrared response of a uniform scene is uniform.
	for _, i := range []int{(423-143)*width + 114, (423-20)*width + 77} {
		if got := float64(ir.Data[i]); !scalar.EqualWithinAbs(got, 2095.4087, 0.01) {
			t.Errorf("ir.Data[%d] = %v, want 2095.4087", i, got)
		}
	}
}

func TestCPUDecodeRejectsBadBuffer(t *testing.T) {
	d := newTestDecoder(t, DefaultConfig())
	pkt := &packet.DepthPacket{Buffer: make([]byte, 100)}
	if err := d.Decode(pkt, NewIRFrame(), NewDepthFrame()); err == nil {
		t.Fatal("Decode(short buffer) = nil, want error")
	}
}

func TestCPUDecodeDarkSceneIsInvalid(t *testing.T) {
	// A zero raw buffer means no modulated light returned anywhere: every
	// pixel is below the amplitude thresholds and must decode to the
	// invalid sentinel.
	d := newTestDecoder(t, DefaultConfig())

	ir := NewIRFrame()
	depth := NewDepthFrame()
	pkt := &packet.DepthPacket{Sequence: 9, Timestamp: 90, Buffer: make([]byte, packet.DepthFrameSize)}
	if err := d.Decode(pkt, ir, depth); err != nil {
		t.Fatalf("Decode() = %v", err)
	}

	if depth.Sequence != 9 || ir.Sequence != 9 {
		t.Errorf("sequence = %d/%d, want 9", depth.Sequence, ir.Sequence)
	}
	for i, v := range depth.Data {
		if v != 0 {
			t.Fatalf("depth.Data[%d] = %d, want 0 for dark scene", i, v)
		}
	}
	for i, v := range ir.Data {
		if v != 0 {
			t.Fatalf("ir.Data[%d] = %f, want 0 for dark scene", i, v)
		}
	}
}

func TestCPUDecodeDeterministic(t *testing.T) {
	d := newTestDecoder(t, DefaultConfig())

	rng := rand.New(rand.NewSource(1))
	buf := make([]byte, packet.DepthFrameSize)
	rng.Read(buf)
	pkt := &packet.DepthPacket{Sequence: 1, Buffer: buf}

	ir1, depth1 := NewIRFrame(), NewDepthFrame()
	ir2, depth2 := NewIRFrame(), NewDepthFrame()
	if err := d.Decode(pkt, ir1, depth1); err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if err := d.Decode(pkt, ir2, depth2); err != nil {
		t.Fatalf("Decode() = %v", err)
	}

	if diff := cmp.Diff(depth1.Data, depth2.Data); diff != "" {
		t.Errorf("repeated decode depth mismatch (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(ir1.Data, ir2.Data); diff != "" {
		t.Errorf("repeated decode ir mismatch (-first +second):\n%s", diff)
	}
}

func TestCPUDecodeRangeClip(t *testing.T) {
	// Whatever the scene contains, every output sample is either the
	// invalid sentinel or inside the configured depth range.
	config := DefaultConfig()
	config.MinDepth = 600
	config.MaxDepth = 3000
	d := newTestDecoder(t, config)

	rng := rand.New(rand.NewSource(2))
	buf := make([]byte, packet.DepthFrameSize)
	rng.Read(buf)

	depth := NewDepthFrame()
	if err := d.Decode(&packet.DepthPacket{Buffer: buf}, NewIRFrame(), depth); err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	for i, v := range depth.Data {
		if v != 0 && (float32(v) < config.MinDepth-1 || float32(v) > config.MaxDepth+1) {
			t.Fatalf("depth.Data[%d] = %d outside [%.0f, %.0f]", i, v, config.MinDepth, config.MaxDepth)
		}
	}
}

func TestQuantizeDepth(t *testing.T) {
	for _, tt := range []struct {
		in   float32
		want uint16
	}{
		{-5, 0},
		{0, 0},
		{0.4, 0},
		{0.6, 1},
		{1499.5, 1500},
		{70000, 65535},
	} {
		if got := quantizeDepth(tt.in); got != tt.want {
			t.Errorf("quantizeDepth(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
