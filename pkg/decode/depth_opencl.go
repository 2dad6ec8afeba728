package decode

import (
	_ "embed"
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/gotof/kinect2/pkg/calibration"
	"github.com/gotof/kinect2/pkg/packet"
)

//go:embed kernels/depth.cl
var depthKernelSource string

// buildOptions renders the pipeline constants as compile-time defines so
// the kernels fold them directly.
func buildOptions(params *DepthParams, config *Config) string {
	var b strings.Builder
	b.WriteString("-cl-mad-enable -cl-no-signed-zeros -cl-fast-relaxed-math")

	def := func(name string, value float32) {
		fmt.Fprintf(&b, " -D %s=%.16ef", name, value)
	}

	fmt.Fprintf(&b, " -D BFI_BITMASK=0x180")

	def("AB_MULTIPLIER", params.ABMultiplier)
	def("AB_MULTIPLIER_PER_FRQ0", params.ABMultiplierPerFrq[0])
	def("AB_MULTIPLIER_PER_FRQ1", params.ABMultiplierPerFrq[1])
	def("AB_MULTIPLIER_PER_FRQ2", params.ABMultiplierPerFrq[2])
	def("AB_OUTPUT_MULTIPLIER", params.ABOutputMultiplier)

	def("PHASE_IN_RAD0", params.PhaseInRad[0])
	def("PHASE_IN_RAD1", params.PhaseInRad[1])
	def("PHASE_IN_RAD2", params.PhaseInRad[2])

	def("JOINT_BILATERAL_AB_THRESHOLD", params.JointBilateralABThreshold)
	def("JOINT_BILATERAL_MAX_EDGE", params.JointBilateralMaxEdge)
	def("JOINT_BILATERAL_EXP", params.JointBilateralExp)
	def("JOINT_BILATERAL_THRESHOLD",
		(params.JointBilateralABThreshold*params.JointBilateralABThreshold)/
			(params.ABMultiplier*params.ABMultiplier))
	for i, g := range params.GaussianKernel {
		def(fmt.Sprintf("GAUSSIAN_KERNEL_%d", i), g)
	}

	def("PHASE_OFFSET", params.PhaseOffset)
	def("UNAMBIGUOUS_DIST", params.UnambiguousDist)
	def("INDIVIDUAL_AB_THRESHOLD", params.IndividualABThreshold)
	def("AB_THRESHOLD", params.ABThreshold)
	def("AB_CONFIDENCE_SLOPE", params.ABConfidenceSlope)
	def("AB_CONFIDENCE_OFFSET", params.ABConfidenceOffset)
	def("MIN_DEALIAS_CONFIDENCE", params.MinDealiasConfidence)
	def("MAX_DEALIAS_CONFIDENCE", params.MaxDealiasConfidence)

	def("EDGE_AB_AVG_MIN_VALUE", params.EdgeABAvgMinValue)
	def("EDGE_AB_STD_DEV_THRESHOLD", params.EdgeABStdDevThreshold)
	def("EDGE_CLOSE_DELTA_THRESHOLD", params.EdgeCloseDeltaThreshold)
	def("EDGE_FAR_DELTA_THRESHOLD", params.EdgeFarDeltaThreshold)
	def("EDGE_MAX_DELTA_THRESHOLD", params.EdgeMaxDeltaThreshold)
	def("EDGE_AVG_DELTA_THRESHOLD", params.EdgeAvgDeltaThreshold)
	def("MAX_EDGE_COUNT", params.MaxEdgeCount)

	def("MIN_DEPTH", config.MinDepth)
	def("MAX_DEPTH", config.MaxDepth)

	return b.String()
}

// packP0Table interleaves the three p0 pages into the float3 layout the
// kernels consume, with the raw values already converted to radians. The
// pages are stored bottom-up and are flipped here to match the raw
// stream's row order, mirroring the CPU backend's trig tables.
func packP0Table(p0 *calibration.P0Tables) []float32 {
	packed := make([]float32, 4*pixels)
	for y := 0; y < height; y++ {
		src := (height - 1 - y) * width
		for x := 0; x < width; x++ {
			i := y*width + x
			packed[4*i+0] = -float32(p0.Table0[src+x]) * 0.000031 * math.Pi
			packed[4*i+1] = -float32(p0.Table1[src+x]) * 0.000031 * math.Pi
			packed[4*i+2] = -float32(p0.Table2[src+x]) * 0.000031 * math.Pi
		}
	}
	return packed
}

type openCLBuffers struct {
	lut11to16 *clBuffer
	p0Table   *clBuffer
	xTable    *clBuffer
	zTable    *clBuffer
	packet    *clBuffer

	a         *clBuffer
	b         *clBuffer
	n         *clBuffer
	ir        *clBuffer
	aFiltered *clBuffer
	bFiltered *clBuffer
	edgeTest  *clBuffer
	depth     *clBuffer
	irSum     *clBuffer
	filtered  *clBuffer
}

func (bufs *openCLBuffers) release() {
	for _, b := range []*clBuffer{
		bufs.lut11to16, bufs.p0Table, bufs.xTable, bufs.zTable, bufs.packet,
		bufs.a, bufs.b, bufs.n, bufs.ir, bufs.aFiltered, bufs.bFiltered,
		bufs.edgeTest, bufs.depth, bufs.irSum, bufs.filtered,
	} {
		b.release()
	}
}

const float3Size = 16

func newOpenCLBuffers(ctx *clContext) (*openCLBuffers, error) {
	bufs := &openCLBuffers{}
	for _, alloc := range []struct {
		dst      **clBuffer
		readOnly bool
		size     int
	}{
		{&bufs.lut11to16, true, 2 * calibration.LutSize},
		{&bufs.p0Table, true, float3Size * pixels},
		{&bufs.xTable, true, 4 * pixels},
		{&bufs.zTable, true, 4 * pixels},
		{&bufs.packet, true, packet.DepthFrameSize},
		{&bufs.a, false, float3Size * pixels},
		{&bufs.b, false, float3Size * pixels},
		{&bufs.n, false, float3Size * pixels},
		{&bufs.ir, false, 4 * pixels},
		{&bufs.aFiltered, false, float3Size * pixels},
		{&bufs.bFiltered, false, float3Size * pixels},
		{&bufs.edgeTest, false, pixels},
		{&bufs.depth, false, 4 * pixels},
		{&bufs.irSum, false, 4 * pixels},
		{&bufs.filtered, false, 4 * pixels},
	} {
		buf, err := ctx.newBuffer(alloc.readOnly, alloc.size)
		if err != nil {
			bufs.release()
			return nil, err
		}
		*alloc.dst = buf
	}
	return bufs, nil
}

// uploadTables writes the calibration inputs shared by both GPU backends.
func (bufs *openCLBuffers) uploadTables(ctx *clContext, tables *calibration.Tables, p0 *calibration.P0Tables) error {
	p0Packed := packP0Table(p0)
	if err := ctx.write(bufs.p0Table, unsafe.Pointer(&p0Packed[0]), 4*len(p0Packed)); err != nil {
		return err
	}
	if err := ctx.write(bufs.xTable, unsafe.Pointer(&tables.X[0]), 4*len(tables.X)); err != nil {
		return err
	}
	if err := ctx.write(bufs.zTable, unsafe.Pointer(&tables.Z[0]), 4*len(tables.Z)); err != nil {
		return err
	}
	if err := ctx.write(bufs.lut11to16, unsafe.Pointer(&tables.Lut[0]), 2*len(tables.Lut)); err != nil {
		return err
	}
	return ctx.finish()
}

// OpenCLDepthDecoder runs the four-stage depth pipeline on a GPU. The
// kernel launch order on the in-order queue mirrors the CPU backend's
// stage order.
type OpenCLDepthDecoder struct {
	ctx     *clContext
	program *clProgram
	bufs    *openCLBuffers
	config  Config

	kStage1  *clKernel
	kFilter1 *clKernel
	kStage2  *clKernel
	kFilter2 *clKernel

	depthScratch []float32
}

// NewOpenCLDepthDecoder compiles the pipeline for the first available
// OpenCL device and uploads the calibration tables.
func NewOpenCLDepthDecoder(tables *calibration.Tables, p0 *calibration.P0Tables, params DepthParams, config Config) (*OpenCLDepthDecoder, error) {
	fail := func(err error) (*OpenCLDepthDecoder, error) {
		return nil, &BackendInitError{Backend: "opencl", Err: err}
	}

	ctx, err := newCLContext()
	if err != nil {
		return fail(err)
	}

	program, err := ctx.buildProgram(depthKernelSource, buildOptions(&params, &config))
	if err != nil {
		ctx.release()
		return fail(err)
	}

	bufs, err := newOpenCLBuffers(ctx)
	if err != nil {
		program.release()
		ctx.release()
		return fail(err)
	}

	d := &OpenCLDepthDecoder{
		ctx:          ctx,
		program:      program,
		bufs:         bufs,
		config:       config,
		depthScratch: make([]float32, pixels),
	}

	if d.kStage1, err = program.newKernel("processPixelStage1",
		bufs.lut11to16, bufs.zTable, bufs.p0Table, bufs.packet,
		bufs.a, bufs.b, bufs.n, bufs.ir); err != nil {
		d.Close()
		return fail(err)
	}
	if d.kFilter1, err = program.newKernel("filterPixelStage1",
		bufs.a, bufs.b, bufs.n, bufs.aFiltered, bufs.bFiltered, bufs.edgeTest); err != nil {
		d.Close()
		return fail(err)
	}
	stage2A, stage2B := bufs.a, bufs.b
	if config.EnableBilateralFilter {
		stage2A, stage2B = bufs.aFiltered, bufs.bFiltered
	}
	if d.kStage2, err = program.newKernel("processPixelStage2",
		stage2A, stage2B, bufs.xTable, bufs.zTable, bufs.depth, bufs.irSum); err != nil {
		d.Close()
		return fail(err)
	}
	if d.kFilter2, err = program.newKernel("filterPixelStage2",
		bufs.depth, bufs.irSum, bufs.edgeTest, bufs.filtered); err != nil {
		d.Close()
		return fail(err)
	}

	if err := bufs.uploadTables(ctx, tables, p0); err != nil {
		d.Close()
		return fail(err)
	}
	return d, nil
}

func (d *OpenCLDepthDecoder) Decode(pkt *packet.DepthPacket, ir *IRFrame, depth *DepthFrame) error {
	if len(pkt.Buffer) != packet.DepthFrameSize {
		return &DecodeError{Stream: "depth", Err: fmt.Errorf("buffer is %d bytes, want %d", len(pkt.Buffer), packet.DepthFrameSize)}
	}

	if err := d.ctx.write(d.bufs.packet, unsafe.Pointer(&pkt.Buffer[0]), len(pkt.Buffer)); err != nil {
		return &DecodeError{Stream: "depth", Err: err}
	}
	if err := d.ctx.enqueue(d.kStage1, pixels); err != nil {
		return &DecodeError{Stream: "depth", Err: err}
	}
	if err := d.ctx.read(d.bufs.ir, unsafe.Pointer(&ir.Data[0]), 4*len(ir.Data)); err != nil {
		return &DecodeError{Stream: "depth", Err: err}
	}
	if d.config.EnableBilateralFilter {
		if err := d.ctx.enqueue(d.kFilter1, pixels); err != nil {
			return &DecodeError{Stream: "depth", Err: err}
		}
	}
	if err := d.ctx.enqueue(d.kStage2, pixels); err != nil {
		return &DecodeError{Stream: "depth", Err: err}
	}

	flipped := false
	out := d.bufs.depth
	if d.config.EnableEdgeAwareFilter {
		if err := d.ctx.enqueue(d.kFilter2, pixels); err != nil {
			return &DecodeError{Stream: "depth", Err: err}
		}
		out = d.bufs.filtered
		flipped = true
	}
	if err := d.ctx.read(out, unsafe.Pointer(&d.depthScratch[0]), 4*len(d.depthScratch)); err != nil {
		return &DecodeError{Stream: "depth", Err: err}
	}
	if err := d.ctx.finish(); err != nil {
		return &DecodeError{Stream: "depth", Err: err}
	}

	d.storeDepth(depth, flipped)
	ir.Sequence, ir.Timestamp = pkt.Sequence, pkt.Timestamp
	depth.Sequence, depth.Timestamp = pkt.Sequence, pkt.Timestamp
	return nil
}

// storeDepth quantizes the scratch buffer into the output frame, flipping
// and range-clipping when the edge filter kernel did not already do so.
func (d *OpenCLDepthDecoder) storeDepth(depth *DepthFrame, flipped bool) {
	if flipped {
		for i, mm := range d.depthScratch {
			depth.Data[i] = quantizeDepth(mm)
		}
		return
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			mm := d.depthScratch[y*width+x]
			if mm < d.config.MinDepth || mm > d.config.MaxDepth {
				mm = 0
			}
			depth.Data[(423-y)*width+x] = quantizeDepth(mm)
		}
	}
}

func (d *OpenCLDepthDecoder) Close() error {
	d.kStage1.release()
	d.kFilter1.release()
	d.kStage2.release()
	d.kFilter2.release()
	if d.bufs != nil {
		d.bufs.release()
	}
	if d.program != nil {
		d.program.release()
	}
	if d.ctx != nil {
		d.ctx.release()
	}
	return nil
}
