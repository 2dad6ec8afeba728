package decode

import (
	_ "embed"
	"fmt"
	"math"
	"unsafe"

	"github.com/gotof/kinect2/pkg/calibration"
	"github.com/gotof/kinect2/pkg/packet"
)

//go:embed kernels/depth_kde.cl
var kdeKernelSource string

// OpenCLKDEDepthDecoder is the GPU backend with kernel density estimation
// phase unwrapping. It keeps two unwrapping hypotheses per pixel and lets
// the spatial neighborhood vote, which removes most of the long-range
// "flying pixel" artifacts of the single-hypothesis pipeline at the cost
// of a larger filter window.
type OpenCLKDEDepthDecoder struct {
	ctx     *clContext
	program *clProgram
	bufs    *openCLBuffers
	config  Config

	phaseConf   *clBuffer
	gaussKernel *clBuffer

	kStage1  *clKernel
	kFilter1 *clKernel
	kPhase   *clKernel
	kKDE     *clKernel
}

// NewOpenCLKDEDepthDecoder compiles the KDE pipeline for the first
// available OpenCL device and uploads the calibration tables.
func NewOpenCLKDEDepthDecoder(tables *calibration.Tables, p0 *calibration.P0Tables, params DepthParams, config Config) (*OpenCLKDEDepthDecoder, error) {
	fail := func(err error) (*OpenCLKDEDepthDecoder, error) {
		return nil, &BackendInitError{Backend: "opencl-kde", Err: err}
	}

	ctx, err := newCLContext()
	if err != nil {
		return fail(err)
	}

	options := buildOptions(&params, &config) +
		fmt.Sprintf(" -D KDE_NEIGBORHOOD_SIZE=%d", params.KDENeighborhoodSize) +
		fmt.Sprintf(" -D KDE_SIGMA_SQR=%.16ef", params.KDESigmaSqr) +
		fmt.Sprintf(" -D KDE_THRESHOLD=%.16ef", params.KDEThreshold) +
		fmt.Sprintf(" -D UNWRAPPING_LIKELIHOOD_SCALE=%.16ef", params.UnwrappingLikelihoodScale) +
		fmt.Sprintf(" -D PHASE_CONFIDENCE_SCALE=%.16ef", params.PhaseConfidenceScale)

	// The KDE kernels reuse the stage 1 kernels of the base pipeline.
	program, err := ctx.buildProgram(depthKernelSource+"\n"+kdeKernelSource, options)
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

	d := &OpenCLKDEDepthDecoder{
		ctx:     ctx,
		program: program,
		bufs:    bufs,
		config:  config,
	}

	if d.phaseConf, err = ctx.newBuffer(false, 16*pixels); err != nil {
		d.Close()
		return fail(err)
	}
	kernelLen := 2*params.KDENeighborhoodSize + 1
	if d.gaussKernel, err = ctx.newBuffer(true, 4*kernelLen); err != nil {
		d.Close()
		return fail(err)
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
	phaseA, phaseB := bufs.a, bufs.b
	if config.EnableBilateralFilter {
		phaseA, phaseB = bufs.aFiltered, bufs.bFiltered
	}
	if d.kPhase, err = program.newKernel("processPixelStage2_phase",
		phaseA, phaseB, d.phaseConf); err != nil {
		d.Close()
		return fail(err)
	}
	if d.kKDE, err = program.newKernel("filter_kde",
		d.phaseConf, d.gaussKernel, bufs.zTable, bufs.xTable, bufs.depth); err != nil {
		d.Close()
		return fail(err)
	}

	if err := bufs.uploadTables(ctx, tables, p0); err != nil {
		d.Close()
		return fail(err)
	}

	// Spatial weights of the KDE window.
	gauss := make([]float32, kernelLen)
	sigma := float64(params.KDENeighborhoodSize) * 0.5
	for i := -params.KDENeighborhoodSize; i <= params.KDENeighborhoodSize; i++ {
		gauss[i+params.KDENeighborhoodSize] = float32(math.Exp(-0.5 * float64(i*i) / (sigma * sigma)))
	}
	if err := ctx.write(d.gaussKernel, unsafe.Pointer(&gauss[0]), 4*len(gauss)); err != nil {
		d.Close()
		return fail(err)
	}
	if err := ctx.finish(); err != nil {
		d.Close()
		return fail(err)
	}
	return d, nil
}

func (d *OpenCLKDEDepthDecoder) Decode(pkt *packet.DepthPacket, ir *IRFrame, depth *DepthFrame) error {
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
	if err := d.ctx.enqueue(d.kPhase, pixels); err != nil {
		return &DecodeError{Stream: "depth", Err: err}
	}
	if err := d.ctx.enqueue(d.kKDE, pixels); err != nil {
		return &DecodeError{Stream: "depth", Err: err}
	}

	scratch := make([]float32, pixels)
	if err := d.ctx.read(d.bufs.depth, unsafe.Pointer(&scratch[0]), 4*len(scratch)); err != nil {
		return &DecodeError{Stream: "depth", Err: err}
	}
	if err := d.ctx.finish(); err != nil {
		return &DecodeError{Stream: "depth", Err: err}
	}

	for i, mm := range scratch {
		depth.Data[i] = quantizeDepth(mm)
	}
	ir.Sequence, ir.Timestamp = pkt.Sequence, pkt.Timestamp
	depth.Sequence, depth.Timestamp = pkt.Sequence, pkt.Timestamp
	return nil
}

func (d *OpenCLKDEDepthDecoder) Close() error {
	d.kStage1.release()
	d.kFilter1.release()
	d.kPhase.release()
	d.kKDE.release()
	d.phaseConf.release()
	d.gaussKernel.release()
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
