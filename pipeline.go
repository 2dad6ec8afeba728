package kinect2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gotof/kinect2/pkg/calibration"
	"github.com/gotof/kinect2/pkg/decode"
	"github.com/gotof/kinect2/pkg/packet"
)

// DepthBackend selects the depth decode implementation.
type DepthBackend int

const (
	DepthBackendCPU DepthBackend = iota
	DepthBackendOpenCL
	DepthBackendOpenCLKDE
)

// ColorBackend selects the color decode implementation.
type ColorBackend int

const (
	ColorBackendJPEG ColorBackend = iota
	ColorBackendTurboJPEG
)

// Config controls the streaming pipeline.
type Config struct {
	DepthBackend DepthBackend
	ColorBackend ColorBackend

	// Frame buffers per stream. Two is enough for decode-while-deliver;
	// raise it if listeners retain frames.
	PoolDepth int

	// Valid headers observed before an unfinished assembly cycle is
	// abandoned.
	AssemblerTimeoutHeaders int

	// Depth decode tuning.
	Depth decode.Config
}

// DefaultConfig returns the configuration used by the command line tools.
func DefaultConfig() Config {
	return Config{
		DepthBackend:            DepthBackendCPU,
		ColorBackend:            ColorBackendJPEG,
		PoolDepth:               2,
		AssemblerTimeoutHeaders: 3 * packet.NumDepthSubpackets,
		Depth:                   decode.DefaultConfig(),
	}
}

// PipelineStats is a snapshot of the streaming counters. Assembly
// counters are approximate while the pipeline is running.
type PipelineStats struct {
	ColorAssembly packet.Stats
	DepthAssembly packet.Stats

	// Completed packets dropped because every pool buffer was retained
	// or the decoder was still busy.
	ColorDrops uint64
	DepthDrops uint64

	DecodeErrors uint64
}

// payloadSource abstracts an endpoint reader so the pipeline can be
// exercised without hardware. A Read of zero bytes means nothing arrived
// within the source's polling interval.
type payloadSource interface {
	Read(buf []byte) (int, error)
	Close() error
}

type pipeline struct {
	id       uuid.UUID
	config   Config
	listener Listener

	colorSource payloadSource
	depthSource payloadSource

	colorParser *packet.ColorStreamParser
	depthParser *packet.DepthStreamParser

	colorDecoder decode.ColorDecoder
	depthDecoder decode.DepthDecoder

	colorPool *framePool[decode.ColorFrame]
	irPool    *framePool[decode.IRFrame]
	depthPool *framePool[decode.DepthFrame]

	colorPackets chan *packet.ColorPacket
	depthPackets chan *packet.DepthPacket

	cancel context.CancelFunc
	wg     sync.WaitGroup

	colorDrops   atomic.Uint64
	depthDrops   atomic.Uint64
	decodeErrors atomic.Uint64
	fault        atomic.Value // error
}

func newPipeline(config Config, listener Listener, irParams *calibration.IrParams, p0 *calibration.P0Tables, colorSource, depthSource payloadSource) (*pipeline, error) {
	if config.PoolDepth <= 0 {
		config.PoolDepth = 2
	}

	var colorDecoder decode.ColorDecoder
	var err error
	switch config.ColorBackend {
	case ColorBackendJPEG:
		colorDecoder, err = decode.NewJPEGDecoder()
	case ColorBackendTurboJPEG:
		colorDecoder, err = decode.NewTurboJPEGDecoder()
	default:
		err = fmt.Errorf("unknown color backend %d", config.ColorBackend)
	}
	if err != nil {
		return nil, err
	}

	tables := calibration.BuildTables(irParams)
	params := decode.DefaultDepthParams()
	var depthDecoder decode.DepthDecoder
	switch config.DepthBackend {
	case DepthBackendCPU:
		depthDecoder, err = decode.NewCPUDepthDecoder(tables, p0, params, config.Depth)
	case DepthBackendOpenCL:
		depthDecoder, err = decode.NewOpenCLDepthDecoder(tables, p0, params, config.Depth)
	case DepthBackendOpenCLKDE:
		depthDecoder, err = decode.NewOpenCLKDEDepthDecoder(tables, p0, params, config.Depth)
	default:
		err = fmt.Errorf("unknown depth backend %d", config.DepthBackend)
	}
	if err != nil {
		colorDecoder.Close()
		return nil, err
	}

	return &pipeline{
		id:           uuid.New(),
		config:       config,
		listener:     listener,
		colorSource:  colorSource,
		depthSource:  depthSource,
		colorParser:  packet.NewColorStreamParser(config.AssemblerTimeoutHeaders),
		depthParser:  packet.NewDepthStreamParser(config.AssemblerTimeoutHeaders),
		colorDecoder: colorDecoder,
		depthDecoder: depthDecoder,
		colorPool:    newFramePool(config.PoolDepth, decode.NewColorFrame),
		irPool:       newFramePool(config.PoolDepth, decode.NewIRFrame),
		depthPool:    newFramePool(config.PoolDepth, decode.NewDepthFrame),
		colorPackets: make(chan *packet.ColorPacket, 1),
		depthPackets: make(chan *packet.DepthPacket, 1),
	}, nil
}

func (p *pipeline) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(4)
	go p.readLoop(ctx, p.colorSource, colorTransferSize, func(buf []byte) {
		pkt := p.colorParser.Parse(buf)
		if pkt == nil {
			return
		}
		select {
		case p.colorPackets <- pkt:
		default:
			p.colorDrops.Add(1)
		}
	})
	go p.readLoop(ctx, p.depthSource, irBurstSize, func(buf []byte) {
		pkt := p.depthParser.Parse(buf)
		if pkt == nil {
			return
		}
		select {
		case p.depthPackets <- pkt:
		default:
			p.depthDrops.Add(1)
		}
	})
	go p.colorDecodeLoop(ctx)
	go p.depthDecodeLoop(ctx)
}

// stop cancels the readers, waits for all goroutines and releases the
// decoders. The sources are closed by their reader goroutines.
func (p *pipeline) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.colorDecoder.Close()
	p.depthDecoder.Close()
}

func (p *pipeline) readLoop(ctx context.Context, src payloadSource, bufSize int, deliver func([]byte)) {
	defer p.wg.Done()
	defer src.Close()

	buf := make([]byte, bufSize)
	for ctx.Err() == nil {
		n, err := src.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.fault.CompareAndSwap(nil, err)
				log.Printf("pipeline %s: transport fault: %v", p.id, err)
			}
			return
		}
		if n == 0 {
			continue
		}
		deliver(buf[:n])
	}
}

func (p *pipeline) colorDecodeLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-p.colorPackets:
			frame, ok := p.colorPool.get()
			if !ok {
				p.colorDrops.Add(1)
				continue
			}
			if err := p.colorDecoder.Decode(pkt, frame); err != nil {
				p.decodeErrors.Add(1)
				log.Printf("pipeline %s: color decode: %v", p.id, err)
				p.colorPool.put(frame)
				continue
			}
			if !p.listener.OnColorFrame(frame) {
				p.colorPool.put(frame)
			}
		}
	}
}

func (p *pipeline) depthDecodeLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-p.depthPackets:
			ir, okIr := p.irPool.get()
			depth, okDepth := p.depthPool.get()
			if !okIr || !okDepth {
				if okIr {
					p.irPool.put(ir)
				}
				if okDepth {
					p.depthPool.put(depth)
				}
				p.depthDrops.Add(1)
				continue
			}
			if err := p.depthDecoder.Decode(pkt, ir, depth); err != nil {
				p.decodeErrors.Add(1)
				log.Printf("pipeline %s: depth decode: %v", p.id, err)
				p.irPool.put(ir)
				p.depthPool.put(depth)
				continue
			}
			if !p.listener.OnDepthFrame(ir, depth) {
				p.irPool.put(ir)
				p.depthPool.put(depth)
			}
		}
	}
}

func (p *pipeline) stats() PipelineStats {
	return PipelineStats{
		ColorAssembly: p.colorParser.Stats(),
		DepthAssembly: p.depthParser.Stats(),
		ColorDrops:    p.colorDrops.Load(),
		DepthDrops:    p.depthDrops.Load(),
		DecodeErrors:  p.decodeErrors.Load(),
	}
}

func (p *pipeline) err() error {
	if err, ok := p.fault.Load().(error); ok {
		return err
	}
	return nil
}

// release returns a retained frame to its pool.
func (p *pipeline) release(frame any) {
	switch f := frame.(type) {
	case *decode.ColorFrame:
		p.colorPool.put(f)
	case *decode.IRFrame:
		p.irPool.put(f)
	case *decode.DepthFrame:
		p.depthPool.put(f)
	}
}
