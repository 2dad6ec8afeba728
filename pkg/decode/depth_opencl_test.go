package decode

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/gotof/kinect2/pkg/calibration"
)

// rampP0Tables returns phase pages that vary per pixel and per page, so a
// row pairing mistake cannot cancel out.
func rampP0Tables() *calibration.P0Tables {
	ramp := func(seed int) []uint16 {
		tbl := make([]uint16, calibration.DepthPixels)
		for i := range tbl {
			tbl[i] = uint16((seed + i*13) % 50000)
		}
		return tbl
	}
	return &calibration.P0Tables{Table0: ramp(100), Table1: ramp(2000), Table2: ramp(30000)}
}

func TestPackP0TableMatchesTrigTables(t *testing.T) {
	// Both backends must read the same p0 phase for the same output pixel.
	// The CPU backend folds the pages into its trig tables; the packed GPU
	// upload has to apply the identical bottom-up flip.
	p0 := rampP0Tables()
	params := DefaultDepthParams()
	d, err := NewCPUDepthDecoder(calibration.BuildTables(&testIrParams), p0, params, DefaultConfig())
	if err != nil {
		t.Fatalf("NewCPUDepthDecoder() = %v", err)
	}

	packed := packP0Table(p0)
	if len(packed) != 4*pixels {
		t.Fatalf("len(packed) = %d, want %d", len(packed), 4*pixels)
	}

	for _, i := range []int{0, 511, 100*width + 37, 211*width + 400, 423 * width} {
		for frq := 0; frq < 3; frq++ {
			p0Rad := float64(packed[4*i+frq])
			for k := 0; k < 3; k++ {
				got := math.Cos(p0Rad + float64(params.PhaseInRad[k]))
				want := float64(d.trig[frq][k][i])
				if !scalar.EqualWithinAbs(got, want, 1e-5) {
					t.Errorf("pixel %d frq %d phase %d: cos(packed p0) = %v, trig table = %v", i, frq, k, got, want)
				}
			}
		}
	}

	// Spot-check the flip itself: row 0 of the upload comes from the last
	// row of the page.
	x, y := 37, 0
	want := -float32(p0.Table0[(height-1-y)*width+x]) * 0.000031 * math.Pi
	if got := packed[4*(y*width+x)]; got != want {
		t.Errorf("packed[%d,%d] = %v, want %v", x, y, got, want)
	}
}
