// Package calibration parses the factory calibration blobs retrieved from
// the device and derives the per-pixel correction tables the depth
// decoders consume. All parsed and derived tables are immutable after
// construction and are shared read-only across frames and decoders.
package calibration

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Depth and color image geometry. Fixed by the sensor hardware.
const (
	DepthWidth  = 512
	DepthHeight = 424
	DepthPixels = DepthWidth * DepthHeight

	ColorWidth  = 1920
	ColorHeight = 1080
	ColorPixels = ColorWidth * ColorHeight

	// LutSize is the size of the 11-bit to 16-bit sample expansion
	// lookup table.
	LutSize = 2048
)

// IrParams are the depth camera's intrinsic parameters, factory preset on
// the device.
type IrParams struct {
	// Focal lengths and principal point, in pixels.
	Fx, Fy, Cx, Cy float32
	// Radial distortion coefficients.
	K1, K2, K3 float32
	// Tangential distortion coefficients.
	P1, P2 float32
}

const irParamsBlobSize = 44

// UnmarshalBinary parses the depth parameter page returned by the device.
func (p *IrParams) UnmarshalBinary(buf []byte) error {
	if len(buf) < irParamsBlobSize {
		return fmt.Errorf("ir params blob too short: %d < %d", len(buf), irParamsBlobSize)
	}
	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
	}
	p.Fx = f(0)
	p.Fy = f(4)
	p.Cx = f(12)
	p.Cy = f(16)
	p.K1 = f(20)
	p.K2 = f(24)
	p.K3 = f(28)
	p.P1 = f(36)
	p.P2 = f(40)
	return nil
}

// ColorParams are the color camera's intrinsic parameters plus the
// polynomial coefficients that map depth camera coordinates into the
// color image. The coefficients cannot be used as a matrix transform.
type ColorParams struct {
	Fx, Fy, Cx, Cy float32

	ShiftD, ShiftM float32

	MxX3y0, MxX0y3, MxX2y1, MxX1y2, MxX2y0 float32
	MxX0y2, MxX1y1, MxX1y0, MxX0y1, MxX0y0 float32

	MyX3y0, MyX0y3, MyX2y1, MyX1y2, MyX2y0 float32
	MyX0y2, MyX1y1, MyX1y0, MyX0y1, MyX0y0 float32
}

const colorParamsBlobSize = 105

// UnmarshalBinary parses the color parameter page returned by the device.
// The blob carries a one byte tag before the first field.
func (p *ColorParams) UnmarshalBinary(buf []byte) error {
	if len(buf) < colorParamsBlobSize {
		return fmt.Errorf("color params blob too short: %d < %d", len(buf), colorParamsBlobSize)
	}
	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
	}
	p.Fx = f(1)
	p.Fy = f(5)
	p.Cx = f(9)
	p.Cy = f(13)
	p.ShiftD = f(17)
	p.ShiftM = f(21)
	p.MxX3y0 = f(25)
	p.MxX0y3 = f(29)
	p.MxX2y1 = f(33)
	p.MxX1y2 = f(37)
	p.MxX2y0 = f(41)
	p.MxX0y2 = f(45)
	p.MxX1y1 = f(49)
	p.MxX1y0 = f(53)
	p.MxX0y1 = f(57)
	p.MxX0y0 = f(61)
	p.MyX3y0 = f(65)
	p.MyX0y3 = f(69)
	p.MyX2y1 = f(73)
	p.MyX1y2 = f(77)
	p.MyX2y0 = f(81)
	p.MyX0y2 = f(85)
	p.MyX1y1 = f(89)
	p.MyX1y0 = f(93)
	p.MyX0y1 = f(97)
	p.MyX0y0 = f(101)
	return nil
}

// P0Tables hold the per-pixel modulation phase offsets for the three
// modulation frequencies, as read from the device's data pages.
type P0Tables struct {
	Table0 []uint16
	Table1 []uint16
	Table2 []uint16
}

// p0TablesHeaderSize covers the header size and table size words that
// precede the three tables in the device response.
const p0TablesHeaderSize = 8

// P0TablesBlobSize is the expected size of the p0 tables data page.
const P0TablesBlobSize = p0TablesHeaderSize + 3*2*DepthPixels

// ParseP0Tables parses the p0 tables data page.
func ParseP0Tables(buf []byte) (*P0Tables, error) {
	if len(buf) < P0TablesBlobSize {
		return nil, fmt.Errorf("p0 tables blob too short: %d < %d", len(buf), P0TablesBlobSize)
	}
	parse := func(off int) []uint16 {
		t := make([]uint16, DepthPixels)
		for i := range t {
			t[i] = binary.LittleEndian.Uint16(buf[off+2*i:])
		}
		return t
	}
	return &P0Tables{
		Table0: parse(p0TablesHeaderSize),
		Table1: parse(p0TablesHeaderSize + 2*DepthPixels),
		Table2: parse(p0TablesHeaderSize + 4*DepthPixels),
	}, nil
}
