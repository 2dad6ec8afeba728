package decode

import (
	"fmt"
	"unsafe"

	"github.com/gotof/kinect2/pkg/packet"
)

/*
#cgo LDFLAGS: -lturbojpeg
#include <turbojpeg.h>
#include <stdlib.h>
*/
import "C"

// TurboJPEGDecoder decompresses color packets with libjpeg-turbo,
// decoding straight into the destination frame's RGBA buffer.
type TurboJPEGDecoder struct {
	handle C.tjhandle
}

func NewTurboJPEGDecoder() (*TurboJPEGDecoder, error) {
	handle := C.tjInitDecompress()
	if handle == nil {
		return nil, &BackendInitError{Backend: "turbojpeg", Err: fmt.Errorf("tjInitDecompress() failed")}
	}
	return &TurboJPEGDecoder{handle: handle}, nil
}

func (d *TurboJPEGDecoder) Decode(pkt *packet.ColorPacket, dst *ColorFrame) error {
	if len(pkt.JPEG) == 0 {
		return &DecodeError{Stream: "color", Err: fmt.Errorf("empty jpeg stream")}
	}

	var w, h, subsamp C.int
	if C.tjDecompressHeader2(d.handle,
		(*C.uchar)(unsafe.Pointer(&pkt.JPEG[0])), C.ulong(len(pkt.JPEG)),
		&w, &h, &subsamp) < 0 {
		return &DecodeError{Stream: "color", Err: d.lastError()}
	}
	if int(w) != dst.Width || int(h) != dst.Height {
		return &DecodeError{Stream: "color", Err: fmt.Errorf("jpeg is %dx%d, want %dx%d", w, h, dst.Width, dst.Height)}
	}

	if C.tjDecompress2(d.handle,
		(*C.uchar)(unsafe.Pointer(&pkt.JPEG[0])), C.ulong(len(pkt.JPEG)),
		(*C.uchar)(unsafe.Pointer(&dst.Pix[0])),
		w, C.int(dst.Width*4), h, C.TJPF_RGBA, C.TJFLAG_FASTDCT) < 0 {
		return &DecodeError{Stream: "color", Err: d.lastError()}
	}

	dst.Sequence = pkt.Sequence
	dst.Timestamp = pkt.Timestamp
	dst.Exposure = pkt.Exposure
	dst.Gain = pkt.Gain
	dst.Gamma = pkt.Gamma
	return nil
}

func (d *TurboJPEGDecoder) lastError() error {
	return fmt.Errorf("%s", C.GoString(C.tjGetErrorStr2(d.handle)))
}

func (d *TurboJPEGDecoder) Close() error {
	if d.handle != nil {
		C.tjDestroy(d.handle)
		d.handle = nil
	}
	return nil
}
