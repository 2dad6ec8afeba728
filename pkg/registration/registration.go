// Package registration maps depth pixels into the color image. The two
// cameras sit a few centimeters apart, so a color pixel matching a depth
// sample depends on the measured distance: the mapping combines the depth
// camera's lens distortion model with a factory-calibrated polynomial
// transfer into color image coordinates.
package registration

import (
	"math"

	"github.com/gotof/kinect2/pkg/calibration"
	"github.com/gotof/kinect2/pkg/decode"
)

// Occlusion filter window and tolerance. Pixels whose depth exceeds the
// window minimum by more than the tolerance are behind a nearer surface
// seen by the color camera and get no color.
const (
	filterWidthHalf  = 2
	filterHeightHalf = 1
	filterTolerance  = 0.01
)

// Fixed quantization factors of the factory polynomial, hardcoded in the
// original SDK.
const (
	depthQ = 0.01
	colorQ = 0.002199
)

// Registration holds the precomputed per-pixel maps for one device's
// calibration. It is immutable after construction and safe for concurrent
// use.
type Registration struct {
	irParams    calibration.IrParams
	colorParams calibration.ColorParams

	// distorted source index per undistorted depth pixel, -1 when the
	// distorted coordinate falls outside the image
	distortMap []int

	depthToColorX  []float32
	depthToColorY  []float32
	depthToColorYi []int
}

// New precomputes the undistortion and depth-to-color maps.
func New(irParams *calibration.IrParams, colorParams *calibration.ColorParams) *Registration {
	r := &Registration{
		irParams:       *irParams,
		colorParams:    *colorParams,
		distortMap:     make([]int, calibration.DepthPixels),
		depthToColorX:  make([]float32, calibration.DepthPixels),
		depthToColorY:  make([]float32, calibration.DepthPixels),
		depthToColorYi: make([]int, calibration.DepthPixels),
	}
	for y := 0; y < calibration.DepthHeight; y++ {
		for x := 0; x < calibration.DepthWidth; x++ {
			offset := x + y*calibration.DepthWidth

			mx, my := r.distort(x, y)
			ix := int(mx + 0.5)
			iy := int(my + 0.5)
			if ix < 0 || ix >= calibration.DepthWidth || iy < 0 || iy >= calibration.DepthHeight {
				r.distortMap[offset] = -1
			} else {
				r.distortMap[offset] = iy*calibration.DepthWidth + ix
			}

			rx, ry := r.depthToColor(float32(x), float32(y))
			r.depthToColorX[offset] = rx
			r.depthToColorY[offset] = ry
			r.depthToColorYi[offset] = int(ry + 0.5)
		}
	}
	return r
}

// distort maps an undistorted depth pixel to its distorted image
// coordinate using the radial and tangential lens model.
func (r *Registration) distort(mx, my int) (float32, float32) {
	p := &r.irParams
	dx := (float32(mx) - p.Cx) / p.Fx
	dy := (float32(my) - p.Cy) / p.Fy
	dx2 := dx * dx
	dy2 := dy * dy
	r2 := dx2 + dy2
	dxdy2 := 2 * dx * dy
	kr := 1 + ((p.K3*r2+p.K2)*r2+p.K1)*r2

	return p.Fx*(dx*kr+p.P2*(r2+2*dx2)+p.P1*dxdy2) + p.Cx,
		p.Fy*(dy*kr+p.P1*(r2+2*dy2)+p.P2*dxdy2) + p.Cy
}

// depthToColor evaluates the factory polynomial mapping a depth pixel to
// color image coordinates, before the depth-dependent x shift.
func (r *Registration) depthToColor(mx, my float32) (float32, float32) {
	p := &r.colorParams
	mx = (mx - r.irParams.Cx) * depthQ
	my = (my - r.irParams.Cy) * depthQ

	wx := mx*mx*mx*p.MxX3y0 + my*my*my*p.MxX0y3 +
		mx*mx*my*p.MxX2y1 + my*my*mx*p.MxX1y2 +
		mx*mx*p.MxX2y0 + my*my*p.MxX0y2 + mx*my*p.MxX1y1 +
		mx*p.MxX1y0 + my*p.MxX0y1 + p.MxX0y0

	wy := mx*mx*mx*p.MyX3y0 + my*my*my*p.MyX0y3 +
		mx*mx*my*p.MyX2y1 + my*my*mx*p.MyX1y2 +
		mx*mx*p.MyX2y0 + my*my*p.MyX0y2 + mx*my*p.MyX1y1 +
		mx*p.MyX1y0 + my*p.MyX0y1 + p.MyX0y0

	return wx/(p.Fx*colorQ) - p.ShiftM/p.ShiftD,
		wy/colorQ + p.Cy
}

// Undistort resolves the depth camera's lens distortion, producing a
// rectilinear depth frame.
func (r *Registration) Undistort(depth *decode.DepthFrame) *decode.DepthFrame {
	out := &decode.DepthFrame{
		Width:     calibration.DepthWidth,
		Height:    calibration.DepthHeight,
		Sequence:  depth.Sequence,
		Timestamp: depth.Timestamp,
		Data:      make([]uint16, calibration.DepthPixels),
	}
	for i, index := range r.distortMap {
		if index >= 0 {
			out.Data[i] = depth.Data[index]
		}
	}
	return out
}

// Apply produces the undistorted depth frame and the registered color
// frame: a depth-sized image whose pixels are the color samples seen at
// each depth sample's location. With the filter enabled, depth pixels
// occluded from the color camera's viewpoint stay black instead of
// picking up foreground color.
func (r *Registration) Apply(color *decode.ColorFrame, depth *decode.DepthFrame, enableFilter bool) (*decode.ColorFrame, *decode.DepthFrame) {
	registered := &decode.ColorFrame{
		Width:     calibration.DepthWidth,
		Height:    calibration.DepthHeight,
		Sequence:  color.Sequence,
		Timestamp: color.Timestamp,
		Exposure:  color.Exposure,
		Gain:      color.Gain,
		Gamma:     color.Gamma,
		Pix:       make([]uint8, 4*calibration.DepthPixels),
	}
	undistorted := r.Undistort(depth)

	var filterMap []float32
	if enableFilter {
		filterMap = make([]float32, calibration.ColorPixels)
		for i := range filterMap {
			filterMap[i] = float32(math.Inf(1))
		}
	}

	// color offset per depth pixel, -1 when unmapped
	colorOffsets := make([]int, calibration.DepthPixels)

	for i := 0; i < calibration.DepthPixels; i++ {
		colorOffsets[i] = -1

		z := float32(undistorted.Data[i])
		if z <= 0 {
			continue
		}

		cx := int((r.depthToColorX[i]+r.colorParams.ShiftM/z)*r.colorParams.Fx +
			float32(math.Round(float64(r.colorParams.Cx))))
		cy := r.depthToColorYi[i]
		if cx < 0 || cy < 0 {
			continue
		}
		cOff := cx + cy*calibration.ColorWidth
		if cOff >= calibration.ColorPixels {
			continue
		}
		colorOffsets[i] = cOff

		if !enableFilter {
			continue
		}
		// record the nearest z seen around each color pixel
		for yOff := -filterHeightHalf; yOff < filterHeightHalf; yOff++ {
			for xOff := -filterWidthHalf; xOff < filterWidthHalf; xOff++ {
				wx, wy := cx+xOff, cy+yOff
				if wx < 0 || wy < 0 {
					continue
				}
				offset := wx + wy*calibration.ColorWidth
				if offset < calibration.ColorPixels && z < filterMap[offset] {
					filterMap[offset] = z
				}
			}
		}
	}

	for i := 0; i < calibration.DepthPixels; i++ {
		cOff := colorOffsets[i]
		if cOff < 0 {
			continue
		}
		if enableFilter {
			z := float32(undistorted.Data[i])
			if minZ := filterMap[cOff]; (z-minZ)/z > filterTolerance {
				continue
			}
		}
		copy(registered.Pix[4*i:4*i+4], color.Pix[4*cOff:4*cOff+4])
	}

	return registered, undistorted
}

// Project maps one undistorted depth pixel to camera-space coordinates in
// meters. Invalid depth yields NaN.
func (r *Registration) Project(undistorted *decode.DepthFrame, x, y int) (float32, float32, float32) {
	z := float32(undistorted.Data[calibration.DepthWidth*y+x]) / 1000
	if z <= 0.001 {
		nan := float32(math.NaN())
		return nan, nan, nan
	}
	return (float32(x) + 0.5 - r.irParams.Cx) / r.irParams.Fx * z,
		(float32(y) + 0.5 - r.irParams.Cy) / r.irParams.Fy * z,
		z
}
