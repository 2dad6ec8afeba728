package kinect2

import (
	"sync"

	"github.com/gotof/kinect2/pkg/decode"
)

// A Listener receives decoded frames on the pipeline's dispatch
// goroutines. Returning true takes ownership of the frame: the pipeline
// will not reuse it until it is handed back through Device.Release. A
// listener that returns false must not touch the frame afterwards.
//
// Callbacks run on the decode path; a slow listener causes frame drops,
// not latency.
type Listener interface {
	OnColorFrame(f *decode.ColorFrame) bool
	OnDepthFrame(ir *decode.IRFrame, depth *decode.DepthFrame) bool
}

// ListenerFuncs adapts plain functions to Listener. Nil functions decline
// their stream.
type ListenerFuncs struct {
	Color func(f *decode.ColorFrame) bool
	Depth func(ir *decode.IRFrame, depth *decode.DepthFrame) bool
}

func (l ListenerFuncs) OnColorFrame(f *decode.ColorFrame) bool {
	if l.Color == nil {
		return false
	}
	return l.Color(f)
}

func (l ListenerFuncs) OnDepthFrame(ir *decode.IRFrame, depth *decode.DepthFrame) bool {
	if l.Depth == nil {
		return false
	}
	return l.Depth(ir, depth)
}

// framePool is a fixed set of decode output buffers. When every buffer is
// retained downstream the pool is exhausted and the pipeline drops the
// packet rather than allocate without bound.
type framePool[T any] struct {
	mu   sync.Mutex
	free []*T
}

func newFramePool[T any](n int, alloc func() *T) *framePool[T] {
	p := &framePool[T]{free: make([]*T, 0, n)}
	for i := 0; i < n; i++ {
		p.free = append(p.free, alloc())
	}
	return p
}

func (p *framePool[T]) get() (*T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, false
	}
	f := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return f, true
}

func (p *framePool[T]) put(f *T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, f)
}
