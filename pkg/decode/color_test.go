package decode

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/gotof/kinect2/pkg/calibration"
	"github.com/gotof/kinect2/pkg/packet"
)

func encodeTestJPEG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = 255
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("jpeg.Encode() = %v", err)
	}
	return buf.Bytes()
}

func TestJPEGDecoderDecode(t *testing.T) {
	d, err := NewJPEGDecoder()
	if err != nil {
		t.Fatalf("NewJPEGDecoder() = %v", err)
	}
	defer d.Close()

	pkt := &packet.ColorPacket{
		Sequence:  3,
		Timestamp: 300,
		Exposure:  16.6,
		Gain:      2.0,
		Gamma:     2.2,
		JPEG:      encodeTestJPEG(t, calibration.ColorWidth, calibration.ColorHeight, color.RGBA{R: 200, G: 60, B: 20}),
	}

	dst := NewColorFrame()
	if err := d.Decode(pkt, dst); err != nil {
		t.Fatalf("Decode() = %v", err)
	}

	if dst.Sequence != 3 || dst.Exposure != 16.6 {
		t.Errorf("metadata = seq %d exposure %.1f, want 3/16.6", dst.Sequence, dst.Exposure)
	}

	// JPEG is lossy; the uniform fill should come back close to the
	// original at the image center.
	center := 4 * (dst.Width*dst.Height/2 + dst.Width/2)
	r, g, b, a := dst.Pix[center], dst.Pix[center+1], dst.Pix[center+2], dst.Pix[center+3]
	if absDiff(r, 200) > 10 || absDiff(g, 60) > 10 || absDiff(b, 20) > 10 {
		t.Errorf("center pixel = %d/%d/%d, want close to 200/60/20", r, g, b)
	}
	if a != 255 {
		t.Errorf("center alpha = %d, want 255", a)
	}
}

func TestJPEGDecoderRejectsTruncatedStream(t *testing.T) {
	d, err := NewJPEGDecoder()
	if err != nil {
		t.Fatalf("NewJPEGDecoder() = %v", err)
	}
	defer d.Close()

	full := encodeTestJPEG(t, calibration.ColorWidth, calibration.ColorHeight, color.RGBA{R: 1, G: 2, B: 3})
	pkt := &packet.ColorPacket{JPEG: full[:len(full)/2]}

	err = d.Decode(pkt, NewColorFrame())
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Decode(truncated) = %v, want *DecodeError", err)
	}
	if decodeErr.Stream != "color" {
		t.Errorf("decodeErr.Stream = %q, want %q", decodeErr.Stream, "color")
	}
}

func TestJPEGDecoderRejectsWrongGeometry(t *testing.T) {
	d, err := NewJPEGDecoder()
	if err != nil {
		t.Fatalf("NewJPEGDecoder() = %v", err)
	}
	defer d.Close()

	pkt := &packet.ColorPacket{JPEG: encodeTestJPEG(t, 64, 48, color.RGBA{})}
	var decodeErr *DecodeError
	if err := d.Decode(pkt, NewColorFrame()); !errors.As(err, &decodeErr) {
		t.Fatalf("Decode(64x48) = %v, want *DecodeError", err)
	}
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}
