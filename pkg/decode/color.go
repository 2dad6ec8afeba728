package decode

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/gotof/kinect2/pkg/packet"
)

// JPEGDecoder decompresses color packets with the pure Go JPEG decoder.
// It needs no native libraries; TurboJPEGDecoder is considerably faster.
type JPEGDecoder struct {
	rgba *image.RGBA
}

func NewJPEGDecoder() (*JPEGDecoder, error) {
	return &JPEGDecoder{}, nil
}

func (d *JPEGDecoder) Decode(pkt *packet.ColorPacket, dst *ColorFrame) error {
	img, err := jpeg.Decode(bytes.NewReader(pkt.JPEG))
	if err != nil {
		return &DecodeError{Stream: "color", Err: err}
	}

	bounds := img.Bounds()
	if bounds.Dx() != dst.Width || bounds.Dy() != dst.Height {
		return &DecodeError{Stream: "color", Err: fmt.Errorf("jpeg is %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), dst.Width, dst.Height)}
	}

	if d.rgba == nil {
		d.rgba = image.NewRGBA(image.Rect(0, 0, dst.Width, dst.Height))
	}
	draw.Draw(d.rgba, d.rgba.Bounds(), img, bounds.Min, draw.Src)
	copy(dst.Pix, d.rgba.Pix)

	dst.Sequence = pkt.Sequence
	dst.Timestamp = pkt.Timestamp
	dst.Exposure = pkt.Exposure
	dst.Gain = pkt.Gain
	dst.Gamma = pkt.Gamma
	return nil
}

func (d *JPEGDecoder) Close() error { return nil }
