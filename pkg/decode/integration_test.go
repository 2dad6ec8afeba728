//go:build integration

package decode

import (
	"image/color"
	"math/rand"
	"testing"

	"github.com/gotof/kinect2/pkg/calibration"
	"github.com/gotof/kinect2/pkg/packet"
)

// Requires an OpenCL runtime and a usable device.
func TestOpenCLMatchesCPU(t *testing.T) {
	tables := calibration.BuildTables(&testIrParams)
	// Non-uniform phase pages, so a disagreement in how the two backends
	// index the pages shows up in the output.
	p0 := rampP0Tables()
	params := DefaultDepthParams()
	config := DefaultConfig()

	cpu, err := NewCPUDepthDecoder(tables, p0, params, config)
	if err != nil {
		t.Fatalf("NewCPUDepthDecoder() = %v", err)
	}
	gpu, err := NewOpenCLDepthDecoder(tables, p0, params, config)
	if err != nil {
		t.Skipf("NewOpenCLDepthDecoder() = %v", err)
	}
	defer gpu.Close()

	rng := rand.New(rand.NewSource(7))
	buf := make([]byte, packet.DepthFrameSize)
	rng.Read(buf)
	pkt := &packet.DepthPacket{Sequence: 1, Buffer: buf}

	cpuIR, cpuDepth := NewIRFrame(), NewDepthFrame()
	gpuIR, gpuDepth := NewIRFrame(), NewDepthFrame()
	if err := cpu.Decode(pkt, cpuIR, cpuDepth); err != nil {
		t.Fatalf("cpu.Decode() = %v", err)
	}
	if err := gpu.Decode(pkt, gpuIR, gpuDepth); err != nil {
		t.Fatalf("gpu.Decode() = %v", err)
	}

	// The GPU runs with relaxed float math; allow small per-pixel slack
	// and a tiny fraction of divergent pixels near threshold boundaries.
	divergent := 0
	for i := range cpuDepth.Data {
		d := int(cpuDepth.Data[i]) - int(gpuDepth.Data[i])
		if d < -5 || d > 5 {
			divergent++
		}
	}
	if limit := len(cpuDepth.Data) / 1000; divergent > limit {
		t.Errorf("depth outputs diverge at %d pixels, limit %d", divergent, limit)
	}
}

// Requires libjpeg-turbo at runtime.
func TestTurboJPEGMatchesStdlib(t *testing.T) {
	turbo, err := NewTurboJPEGDecoder()
	if err != nil {
		t.Skipf("NewTurboJPEGDecoder() = %v", err)
	}
	defer turbo.Close()

	std, err := NewJPEGDecoder()
	if err != nil {
		t.Fatalf("NewJPEGDecoder() = %v", err)
	}
	defer std.Close()

	pkt := &packet.ColorPacket{
		JPEG: encodeTestJPEG(t, calibration.ColorWidth, calibration.ColorHeight, color.RGBA{R: 120, G: 180, B: 40}),
	}

	a, b := NewColorFrame(), NewColorFrame()
	if err := turbo.Decode(pkt, a); err != nil {
		t.Fatalf("turbo.Decode() = %v", err)
	}
	if err := std.Decode(pkt, b); err != nil {
		t.Fatalf("std.Decode() = %v", err)
	}

	// Different IDCT implementations may differ by a couple of codes.
	for i := range a.Pix {
		if absDiff(a.Pix[i], b.Pix[i]) > 4 {
			t.Fatalf("Pix[%d] = %d vs %d", i, a.Pix[i], b.Pix[i])
		}
	}
}
