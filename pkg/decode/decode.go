// Package decode turns reassembled stream packets into usable frames. The
// color path decompresses the device's JPEG stream; the depth path runs
// the time-of-flight phase pipeline that converts raw 11-bit samples into
// millimeter depth and infrared amplitude images.
//
// Depth decoding is pluggable: the CPU backend runs entirely on the host,
// the OpenCL backends offload the per-pixel stages to a GPU. All backends
// produce the same frame layout.
package decode

import (
	"fmt"

	"github.com/gotof/kinect2/pkg/calibration"
	"github.com/gotof/kinect2/pkg/packet"
)

// DepthFrame is a decoded depth image. Samples are millimeters; 0 marks a
// pixel rejected by the pipeline (saturated, low amplitude, outside the
// configured range, or on an unreliable edge).
type DepthFrame struct {
	Width, Height int
	Sequence      uint32
	Timestamp     uint32
	Data          []uint16
}

// IRFrame is a decoded infrared amplitude image.
type IRFrame struct {
	Width, Height int
	Sequence      uint32
	Timestamp     uint32
	Data          []float32
}

// ColorFrame is a decoded color image in RGBA order, 4 bytes per pixel,
// plus the capture metadata the device reported for it.
type ColorFrame struct {
	Width, Height int
	Sequence      uint32
	Timestamp     uint32
	Exposure      float32
	Gain          float32
	Gamma         float32
	Pix           []uint8
}

// NewDepthFrame returns a depth frame sized for the sensor.
func NewDepthFrame() *DepthFrame {
	return &DepthFrame{
		Width:  calibration.DepthWidth,
		Height: calibration.DepthHeight,
		Data:   make([]uint16, calibration.DepthPixels),
	}
}

// NewIRFrame returns an infrared frame sized for the sensor.
func NewIRFrame() *IRFrame {
	return &IRFrame{
		Width:  calibration.DepthWidth,
		Height: calibration.DepthHeight,
		Data:   make([]float32, calibration.DepthPixels),
	}
}

// NewColorFrame returns a color frame sized for the sensor.
func NewColorFrame() *ColorFrame {
	return &ColorFrame{
		Width:  calibration.ColorWidth,
		Height: calibration.ColorHeight,
		Pix:    make([]uint8, 4*calibration.ColorPixels),
	}
}

// DepthDecoder converts one reassembled depth packet into an infrared and
// a depth frame. Implementations are not safe for concurrent use; run one
// decoder per stream.
type DepthDecoder interface {
	Decode(pkt *packet.DepthPacket, ir *IRFrame, depth *DepthFrame) error
	Close() error
}

// ColorDecoder decompresses one color packet into dst.
type ColorDecoder interface {
	Decode(pkt *packet.ColorPacket, dst *ColorFrame) error
	Close() error
}

// DecodeError reports a packet that could not be decoded. The stream
// continues with the next packet.
type DecodeError struct {
	Stream string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s packet: %v", e.Stream, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// BackendInitError reports a decode backend that failed to come up, for
// example a missing OpenCL device. It is fatal to pipeline startup.
type BackendInitError struct {
	Backend string
	Err     error
}

func (e *BackendInitError) Error() string {
	return fmt.Sprintf("initialize %s backend: %v", e.Backend, e.Err)
}

func (e *BackendInitError) Unwrap() error { return e.Err }
