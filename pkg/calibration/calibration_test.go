package calibration

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/floats/scalar"
)

// testIrParams are representative factory intrinsics for the depth camera.
var testIrParams = IrParams{
	Fx: 365.456, Fy: 365.456,
	Cx: 254.878, Cy: 205.395,
	K1: 0.0905474, K2: -0.26819, K3: 0.0950862,
	P1: 0, P2: 0,
}

func TestIrParamsUnmarshalBinary(t *testing.T) {
	blob := make([]byte, irParamsBlobSize)
	put := func(off int, v float32) {
		binary.LittleEndian.PutUint32(blob[off:], math.Float32bits(v))
	}
	put(0, testIrParams.Fx)
	put(4, testIrParams.Fy)
	put(12, testIrParams.Cx)
	put(16, testIrParams.Cy)
	put(20, testIrParams.K1)
	put(24, testIrParams.K2)
	put(28, testIrParams.K3)
	put(36, testIrParams.P1)
	put(40, testIrParams.P2)

	var got IrParams
	if err := got.UnmarshalBinary(blob); err != nil {
		t.Fatalf("UnmarshalBinary() = %v", err)
	}
	if diff := cmp.Diff(testIrParams, got); diff != "" {
		t.Errorf("UnmarshalBinary() mismatch (-want +got):\n%s", diff)
	}

	if err := got.UnmarshalBinary(blob[:10]); err == nil {
		t.Error("UnmarshalBinary(short blob) = nil, want error")
	}
}

func TestColorParamsUnmarshalBinary(t *testing.T) {
	blob := make([]byte, colorParamsBlobSize)
	put := func(off int, v float32) {
		binary.LittleEndian.PutUint32(blob[off:], math.Float32bits(v))
	}
	put(1, 1081.37)
	put(5, 1081.37)
	put(9, 959.5)
	put(13, 539.5)
	put(17, 863.0)
	put(21, 52.0)

	var got ColorParams
	if err := got.UnmarshalBinary(blob); err != nil {
		t.Fatalf("UnmarshalBinary() = %v", err)
	}
	want := ColorParams{
		Fx: 1081.37, Fy: 1081.37, Cx: 959.5, Cy: 539.5,
		ShiftD: 863.0, ShiftM: 52.0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("UnmarshalBinary() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseP0Tables(t *testing.T) {
	blob := make([]byte, P0TablesBlobSize)
	// Mark the first entry of each table so slicing offsets are checked.
	binary.LittleEndian.PutUint16(blob[p0TablesHeaderSize:], 111)
	binary.LittleEndian.PutUint16(blob[p0TablesHeaderSize+2*DepthPixels:], 222)
	binary.LittleEndian.PutUint16(blob[p0TablesHeaderSize+4*DepthPixels:], 333)

	p0, err := ParseP0Tables(blob)
	if err != nil {
		t.Fatalf("ParseP0Tables() = %v", err)
	}
	if p0.Table0[0] != 111 || p0.Table1[0] != 222 || p0.Table2[0] != 333 {
		t.Errorf("table heads = %d/%d/%d, want 111/222/333",
			p0.Table0[0], p0.Table1[0], p0.Table2[0])
	}

	if _, err := ParseP0Tables(blob[:100]); err == nil {
		t.Error("ParseP0Tables(short blob) = nil error, want error")
	}
}

func TestUndistortInvertsDistort(t *testing.T) {
	p := testIrParams
	for _, pt := range []struct{ x, y float64 }{
		{0, 0},
		{0.25, 0.1},
		{-0.3, 0.35},
		{0.55, -0.5},
		{-0.6, -0.55},
	} {
		xd, yd := p.Distort(pt.x, pt.y)
		xu, yu := p.Undistort(xd, yd)
		if !scalar.EqualWithinAbs(xu, pt.x, 1e-6) || !scalar.EqualWithinAbs(yu, pt.y, 1e-6) {
			t.Errorf("Undistort(Distort(%v, %v)) = (%v, %v), want identity",
				pt.x, pt.y, xu, yu)
		}
	}
}

func TestBuildTablesLut(t *testing.T) {
	tab := BuildTables(&testIrParams)

	if len(tab.Lut) != LutSize {
		t.Fatalf("len(Lut) = %d, want %d", len(tab.Lut), LutSize)
	}
	if tab.Lut[0] != 0 {
		t.Errorf("Lut[0] = %d, want 0", tab.Lut[0])
	}
	if tab.Lut[LutSize/2] != 32767 {
		t.Errorf("Lut[%d] = %d, want 32767 saturation code", LutSize/2, tab.Lut[LutSize/2])
	}
	// The positive half is strictly increasing and the negative half
	// mirrors it.
	for x := 1; x < LutSize/2; x++ {
		if tab.Lut[x] <= tab.Lut[x-1] {
			t.Fatalf("Lut[%d] = %d not increasing over Lut[%d] = %d",
				x, tab.Lut[x], x-1, tab.Lut[x-1])
		}
		if tab.Lut[LutSize/2+x] != -tab.Lut[x] {
			t.Fatalf("Lut[%d] = %d, want %d", LutSize/2+x, tab.Lut[LutSize/2+x], -tab.Lut[x])
		}
	}
	// The code step doubles every 128 codes past the first 256.
	if got := tab.Lut[257] - tab.Lut[256]; got != 2 {
		t.Errorf("step at 256 = %d, want 2", got)
	}
	if got := tab.Lut[1023] - tab.Lut[1022]; got != 64 {
		t.Errorf("step at 1022 = %d, want 64", got)
	}
}

func TestBuildTablesGeometry(t *testing.T) {
	tab := BuildTables(&testIrParams)

	// The x table changes sign at the principal column.
	left := tab.X[211*DepthWidth+0]
	right := tab.X[211*DepthWidth+DepthWidth-1]
	if left >= 0 || right <= 0 {
		t.Errorf("X table edges = %f, %f, want sign change across principal point", left, right)
	}

	// The z factor peaks near the optical axis and shrinks toward the
	// edges, and stays within the unambiguous range everywhere.
	center := tab.Z[205*DepthWidth+254]
	corner := tab.Z[0]
	if corner >= center {
		t.Errorf("Z corner %f >= center %f, want falloff toward edges", corner, center)
	}
	for i, z := range tab.Z {
		if z <= 0 || float64(z) > unambiguousDist {
			t.Fatalf("Z[%d] = %f outside (0, %f]", i, z, unambiguousDist)
		}
	}
}
