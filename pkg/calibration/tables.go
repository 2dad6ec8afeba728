package calibration

import "math"

const (
	// xTableScale converts undistorted ray coordinates into the fixed
	// point units the depth pipeline works in.
	xTableScale = 8192.0
	// unambiguousDist is the round-trip range, in millimeters, covered by
	// one full phase period after dealiasing.
	unambiguousDist = 6250.0 / 3.0

	undistortIterations = 100
	undistortEps        = 16 * 1.1920929e-07
)

// Tables are the derived per-pixel correction tables the depth decoders
// consume.
type Tables struct {
	// X maps each depth pixel to its scaled undistorted x ray coordinate.
	X []float32
	// Z maps each depth pixel to the phase-to-millimeter factor along its
	// ray.
	Z []float32
	// Lut expands a packed 11-bit raw sample to a signed 16-bit
	// measurement.
	Lut []int16
}

// Distort applies the lens distortion model to normalized ray coordinates.
func (p *IrParams) Distort(x, y float64) (xd, yd float64) {
	k1, k2, k3 := float64(p.K1), float64(p.K2), float64(p.K3)
	p1, p2 := float64(p.P1), float64(p.P2)
	x2 := x * x
	y2 := y * y
	r2 := x2 + y2
	xy := x * y
	kr := ((k3*r2+k2)*r2+k1)*r2 + 1.0
	xd = x*kr + p2*(r2+2*x2) + 2*p1*xy
	yd = y*kr + p1*(r2+2*y2) + 2*p2*xy
	return xd, yd
}

// Undistort inverts Distort by Newton iteration on the full Jacobian of
// the distortion model. The iteration converges within a few steps for
// any coordinate inside the sensor's field of view.
func (p *IrParams) Undistort(xd, yd float64) (xu, yu float64) {
	k1, k2, k3 := float64(p.K1), float64(p.K2), float64(p.K3)
	p1, p2 := float64(p.P1), float64(p.P2)

	x, y := xd, yd
	lastX, lastY := x, y
	for i := 0; i < undistortIterations; i++ {
		x2 := x * x
		y2 := y * y
		x2y2 := x2 + y2
		x2y22 := x2y2 * x2y2
		x2y23 := x2y2 * x2y22

		ja := k3*x2y23 + (k2+6*k3*x2)*x2y22 + (k1+4*k2*x2)*x2y2 + 2*k1*x2 + 6*p2*x + 2*p1*y + 1
		jb := 6*k3*x*y*x2y22 + 4*k2*x*y*x2y2 + 2*k1*x*y + 2*p1*x + 2*p2*y
		jc := jb
		jd := k3*x2y23 + (k2+6*k3*y2)*x2y22 + (k1+4*k2*y2)*x2y2 + 2*k1*y2 + 2*p2*x + 6*p1*y + 1

		jdet := 1 / (ja*jd - jb*jc)

		f, g := p.Distort(x, y)
		f -= xd
		g -= yd

		x -= (jd*f - jb*g) * jdet
		y -= (ja*g - jc*f) * jdet

		if math.Abs(x-lastX) <= undistortEps && math.Abs(y-lastY) <= undistortEps {
			break
		}
		lastX, lastY = x, y
	}
	return x, y
}

// BuildTables derives the per-pixel x/z correction tables and the 11-bit
// sample expansion lookup table from the depth camera intrinsics.
func BuildTables(p *IrParams) *Tables {
	t := &Tables{
		X:   make([]float32, DepthPixels),
		Z:   make([]float32, DepthPixels),
		Lut: make([]int16, LutSize),
	}

	cx, cy := float64(p.Cx), float64(p.Cy)
	fx, fy := float64(p.Fx), float64(p.Fy)
	for i := 0; i < DepthPixels; i++ {
		xi := i % DepthWidth
		yi := i / DepthWidth
		xd := (float64(xi) + 0.5 - cx) / fx
		yd := (float64(yi) + 0.5 - cy) / fy
		xu, yu := p.Undistort(xd, yd)

		t.X[i] = float32(xTableScale * xu)
		t.Z[i] = float32(unambiguousDist / math.Sqrt(xu*xu+yu*yu+1))
	}

	// The raw stream packs samples as sign bit plus 10-bit magnitude with
	// a piecewise exponential scale: each run of 128 codes doubles the
	// step size.
	y := int16(0)
	for x := 0; x < LutSize/2; x++ {
		shift := x / 128
		if x >= 128 {
			shift--
		}
		t.Lut[x] = y
		t.Lut[LutSize/2+x] = -y
		y += int16(1) << shift
	}
	t.Lut[LutSize/2] = 32767

	return t
}
