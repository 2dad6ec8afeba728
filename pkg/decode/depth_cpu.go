package decode

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gotof/kinect2/pkg/calibration"
	"github.com/gotof/kinect2/pkg/packet"
)

const (
	width  = calibration.DepthWidth
	height = calibration.DepthHeight
	pixels = calibration.DepthPixels
)

// CPUDepthDecoder runs the full depth pipeline on the host: per-pixel
// measurement decoding and phase reconstruction, an optional joint
// bilateral filter, multi-frequency phase unwrapping, and an optional
// edge-aware rejection filter.
type CPUDepthDecoder struct {
	params DepthParams
	config Config

	xTable []float32
	zTable []float32
	lut    []int16

	// Per-frequency tables of cos(p0+phase_k) and sin(-(p0+phase_k)),
	// six planes each, precomputed from the device's p0 pages.
	trig [3][6][]float32

	// Scratch buffers reused across frames.
	m        [][9]float32
	filtered [][9]float32
	edgeOK   []bool
	stage2   [][3]float32
}

// NewCPUDepthDecoder builds a host decoder from the derived calibration
// tables and the device's p0 phase pages.
func NewCPUDepthDecoder(tables *calibration.Tables, p0 *calibration.P0Tables, params DepthParams, config Config) (*CPUDepthDecoder, error) {
	if len(tables.X) != pixels || len(tables.Z) != pixels {
		return nil, &BackendInitError{Backend: "cpu", Err: fmt.Errorf("calibration tables have %d entries, want %d", len(tables.X), pixels)}
	}
	if len(tables.Lut) != calibration.LutSize {
		return nil, &BackendInitError{Backend: "cpu", Err: fmt.Errorf("lut has %d entries, want %d", len(tables.Lut), calibration.LutSize)}
	}
	d := &CPUDepthDecoder{
		params:   params,
		config:   config,
		xTable:   tables.X,
		zTable:   tables.Z,
		lut:      tables.Lut,
		m:        make([][9]float32, pixels),
		filtered: make([][9]float32, pixels),
		edgeOK:   make([]bool, pixels),
		stage2:   make([][3]float32, pixels),
	}
	d.fillTrigTable(0, p0.Table0)
	d.fillTrigTable(1, p0.Table1)
	d.fillTrigTable(2, p0.Table2)
	return d, nil
}

// fillTrigTable precomputes the per-pixel trigonometric terms for one
// modulation frequency. The p0 pages are stored bottom-up and are flipped
// here to match the raw stream's row order.
func (d *CPUDepthDecoder) fillTrigTable(frq int, p0Table []uint16) {
	for i := range d.trig[frq] {
		d.trig[frq][i] = make([]float32, pixels)
	}
	for y := 0; y < height; y++ {
		srcY := height - 1 - y
		for x := 0; x < width; x++ {
			i := y*width + x
			p0 := -float64(p0Table[srcY*width+x]) * 0.000031 * math.Pi

			for k := 0; k < 3; k++ {
				tmp := p0 + float64(d.params.PhaseInRad[k])
				d.trig[frq][k][i] = float32(math.Cos(tmp))
				d.trig[frq][3+k][i] = float32(math.Sin(-tmp))
			}
		}
	}
}

// decodePixelMeasurement extracts one 11-bit sample from the packed raw
// buffer and expands it through the lookup table. The stream interleaves
// the top and bottom halves of the image and packs columns in a swizzled
// bit order.
func (d *CPUDepthDecoder) decodePixelMeasurement(data []byte, sub, x, y int) int16 {
	if x < 1 || x > 510 || y > 423 {
		return d.lut[0]
	}

	r1zi := ((x >> 2) + ((x & 0x3) << 7)) * 11

	sub16 := data[packet.DepthSubImageSize*sub:]
	i := y + 212
	if y >= 212 {
		i = 423 - y
	}
	row := sub16[2*352*i:]

	r1yi := r1zi >> 4
	r1zi &= 15

	w0 := binary.LittleEndian.Uint16(row[2*r1yi:])
	w1 := binary.LittleEndian.Uint16(row[2*r1yi+2:])

	i1 := int(w0) >> r1zi
	i2 := int(w1) << (16 - r1zi)

	return d.lut[(i1|i2)&2047]
}

// processMeasurementTriple combines the three phase-shifted samples of one
// modulation frequency into the real and imaginary parts of the pixel's
// response plus its amplitude.
func (d *CPUDepthDecoder) processMeasurementTriple(frq, x, y int, m [3]int32, out []float32) {
	zmultiplier := d.zTable[y*width+x]
	if zmultiplier <= 0 {
		out[0], out[1], out[2] = 0, 0, 0
		return
	}
	if m[0] == 32767 || m[1] == 32767 || m[2] == 32767 {
		// saturated
		out[0], out[1], out[2] = 0, 0, 65535
		return
	}

	offset := y*width + x
	trig := &d.trig[frq]

	a := trig[0][offset]*float32(m[0]) + trig[1][offset]*float32(m[1]) + trig[2][offset]*float32(m[2])
	b := trig[3][offset]*float32(m[0]) + trig[4][offset]*float32(m[1]) + trig[5][offset]*float32(m[2])

	a *= d.params.ABMultiplierPerFrq[frq]
	b *= d.params.ABMultiplierPerFrq[frq]

	amplitude := float32(math.Sqrt(float64(a*a+b*b))) * d.params.ABMultiplier

	out[0], out[1], out[2] = a, b, amplitude
}

func (d *CPUDepthDecoder) processPixelStage1(x, y int, data []byte, out []float32) {
	for frq := 0; frq < 3; frq++ {
		var m [3]int32
		for k := 0; k < 3; k++ {
			m[k] = int32(d.decodePixelMeasurement(data, 3*frq+k, x, y))
		}
		d.processMeasurementTriple(frq, x, y, m, out[3*frq:3*frq+3])
	}
}

// filterPixelStage1 applies the joint bilateral filter to the complex
// response of each modulation frequency. It also reports whether the 3x3
// neighborhood looks smooth enough to trust for the edge filter later.
func (d *CPUDepthDecoder) filterPixelStage1(x, y int, out []float32) bool {
	mPtr := d.m[y*width+x]
	maxEdgeTest := true

	if x < 1 || y < 1 || x > 510 || y > 422 {
		copy(out, mPtr[:])
		return maxEdgeTest
	}

	for i := 0; i < 3; i++ {
		a, b := mPtr[3*i], mPtr[3*i+1]

		norm2 := a*a + b*b
		invNorm := 1 / float32(math.Sqrt(float64(norm2)))
		if math.IsNaN(float64(invNorm)) {
			invNorm = float32(math.Inf(1))
		}
		nx, ny := a*invNorm, b*invNorm

		threshold := (d.params.JointBilateralABThreshold * d.params.JointBilateralABThreshold) /
			(d.params.ABMultiplier * d.params.ABMultiplier)
		bilateralExp := d.params.JointBilateralExp
		if norm2 < threshold {
			threshold = 0
			bilateralExp = 0
		}

		var weightAcc, wmA, wmB, distAcc float32
		j := 0
		for yi := -1; yi <= 1; yi++ {
			for xi := -1; xi <= 1; xi++ {
				if yi == 0 && xi == 0 {
					weightAcc += d.params.GaussianKernel[j]
					wmA += d.params.GaussianKernel[j] * a
					wmB += d.params.GaussianKernel[j] * b
					j++
					continue
				}

				other := d.m[(y+yi)*width+(x+xi)]
				oa, ob := other[3*i], other[3*i+1]

				otherNorm2 := oa*oa + ob*ob
				otherInvNorm := 1 / float32(math.Sqrt(float64(otherNorm2)))
				if math.IsNaN(float64(otherInvNorm)) {
					otherInvNorm = float32(math.Inf(1))
				}

				dist := -(oa*otherInvNorm*nx + ob*otherInvNorm*ny)
				dist += 1.0
				dist *= 0.5

				var weight float32
				if otherNorm2 >= threshold {
					weight = d.params.GaussianKernel[j] *
						float32(math.Exp(float64(-1.442695*bilateralExp*dist)))
					distAcc += dist
				}

				wmA += weight * oa
				wmB += weight * ob
				weightAcc += weight
				j++
			}
		}

		maxEdgeTest = maxEdgeTest && distAcc < d.params.JointBilateralMaxEdge

		if weightAcc > 0 {
			out[3*i] = wmA / weightAcc
			out[3*i+1] = wmB / weightAcc
		} else {
			out[3*i] = 0
			out[3*i+1] = 0
		}
		out[3*i+2] = mPtr[3*i+2]
	}
	return maxEdgeTest
}

// transformMeasurement converts one frequency's complex response into
// (phase, amplitude) in place.
func (d *CPUDepthDecoder) transformMeasurement(m []float32) {
	phase := float32(math.Atan2(float64(m[1]), float64(m[0])))
	if phase < 0 {
		phase += 2 * math.Pi
	}
	if math.IsNaN(float64(phase)) {
		phase = 0
	}

	m[1] = float32(math.Sqrt(float64(m[0]*m[0]+m[1]*m[1]))) * d.params.ABMultiplier
	m[0] = phase
}

// processPixelStage2 unwraps the three per-frequency phases into an
// unambiguous depth along the pixel's ray. Returns the infrared output
// value, the amplitude sum, and the raw depth in millimeters.
func (d *CPUDepthDecoder) processPixelStage2(x, y int, m []float32) (irOut, irSum, depth float32) {
	d.transformMeasurement(m[0:3])
	d.transformMeasurement(m[3:6])
	d.transformMeasurement(m[6:9])

	irSum = m[1] + m[4] + m[7]
	irMin := min32(min32(m[1], m[4]), m[7])

	var phase float32
	if irMin >= d.params.IndividualABThreshold && irSum >= d.params.ABThreshold {
		t0 := m[0] / (2.0 * math.Pi) * 3.0
		t1 := m[3] / (2.0 * math.Pi) * 15.0
		t2 := m[6] / (2.0 * math.Pi) * 2.0

		t5 := floor32((t1-t0)*0.333333+0.5)*3.0 + t0
		t3 := -t2 + t5
		t4 := t3 * 2.0

		f1, f2 := float32(2.0), float32(0.5)
		if signbit32(t4) {
			f1, f2 = -2.0, -0.5
		}
		t3 *= f2
		t3 = (t3 - floor32(t3)) * f1

		c2 := 0.5 < abs32(t3) && abs32(t3) < 1.5

		t6, t7 := t5, t1
		if c2 {
			t6 += 15.0
			t7 += 15.0
		}

		t8 := (floor32((-t2+t6)*0.5+0.5)*2.0 + t2) * 0.5

		t6 *= 0.333333
		t7 *= 0.066667

		t9 := t8 + t6 + t7
		t10 := t9 * 0.333333

		t6 *= 2.0 * math.Pi
		t7 *= 2.0 * math.Pi
		t8 *= 2.0 * math.Pi

		t8New := t7*0.826977 - t8*0.110264
		t6New := t8*0.551318 - t6*0.826977
		t7New := t6*0.110264 - t7*0.551318
		t8, t6, t7 = t8New, t6New, t7New

		norm := t8*t8 + t6*t6 + t7*t7
		if t9 < 0 {
			t10 = 0
		}

		var irX float32
		if d.params.ABConfidenceSlope > 0 {
			irX = min32(min32(m[1], m[4]), m[7])
		} else {
			irX = max32(max32(m[1], m[4]), m[7])
		}

		irX = float32(math.Log(float64(irX)))
		irX = (irX*d.params.ABConfidenceSlope*0.301030 + d.params.ABConfidenceOffset) * 3.321928
		irX = float32(math.Exp(float64(irX)))
		irX = min32(d.params.MaxDealiasConfidence, max32(d.params.MinDealiasConfidence, irX))
		irX *= irX

		if irX >= norm {
			phase = t10
		}
	}

	zmultiplier := d.zTable[y*width+x]
	xmultiplier := d.xTable[y*width+x]

	if phase > 0 {
		phase += d.params.PhaseOffset
	}

	depthLinear := zmultiplier * phase
	maxDepth := phase * d.params.UnambiguousDist * 2.0

	xmultiplier = (xmultiplier * 90.0) / (maxDepth * maxDepth * 8192.0)

	depthFit := depthLinear / (-depthLinear*xmultiplier + 1.0)
	if depthFit < 0 {
		depthFit = 0
	}
	depth = depthLinear
	if depthLinear > 0 && maxDepth > 0 {
		depth = depthFit
	}

	irOut = min32((m[2]+m[5]+m[8])*0.3333333*d.params.ABOutputMultiplier, 65535.0)
	return irOut, irSum, depth
}

// filterPixelStage2 rejects depth values sitting on unreliable edges,
// where the amplitude varies sharply across the 3x3 neighborhood and the
// depth jumps both toward and away from the camera.
func (d *CPUDepthDecoder) filterPixelStage2(x, y int, maxEdgeTestOK bool) float32 {
	v := d.stage2[y*width+x]
	rawDepth, irSum := v[0], v[2]

	var depthOut float32
	switch {
	case rawDepth < d.config.MinDepth || rawDepth > d.config.MaxDepth:
		depthOut = 0
	case x < 1 || y < 1 || x > 510 || y > 422:
		depthOut = rawDepth
	default:
		irSumAcc := irSum
		squaredIrSumAcc := irSum * irSum
		minDepth, maxDepth := rawDepth, rawDepth

		for yi := -1; yi <= 1; yi++ {
			for xi := -1; xi <= 1; xi++ {
				if yi == 0 && xi == 0 {
					continue
				}
				other := d.stage2[(y+yi)*width+(x+xi)]
				irSumAcc += other[2]
				squaredIrSumAcc += other[2] * other[2]
				if other[1] > 0 {
					minDepth = min32(minDepth, other[1])
					maxDepth = max32(maxDepth, other[1])
				}
			}
		}

		stdDev := float32(math.Sqrt(float64(squaredIrSumAcc*9.0-irSumAcc*irSumAcc))) / 9.0
		edgeAvg := max32(irSumAcc/9.0, d.params.EdgeABAvgMinValue)
		stdDev /= edgeAvg

		absMinDiff := abs32(rawDepth - minDepth)
		absMaxDiff := abs32(rawDepth - maxDepth)
		avgDiff := (absMinDiff + absMaxDiff) * 0.5
		maxAbsDiff := max32(absMinDiff, absMaxDiff)

		onEdge := rawDepth > 0 &&
			stdDev >= d.params.EdgeABStdDevThreshold &&
			d.params.EdgeCloseDeltaThreshold < absMinDiff &&
			d.params.EdgeFarDeltaThreshold < absMaxDiff &&
			d.params.EdgeMaxDeltaThreshold < maxAbsDiff &&
			d.params.EdgeAvgDeltaThreshold < avgDiff

		if onEdge {
			depthOut = 0
		} else if maxEdgeTestOK && d.params.MaxEdgeCount < 0 {
			depthOut = 0
		} else {
			depthOut = rawDepth
		}
	}

	d.stage2[y*width+x][0] = v[1]
	return depthOut
}

// Decode runs the pipeline over one reassembled depth packet. The output
// images are flipped vertically so row 0 is the top of the scene.
func (d *CPUDepthDecoder) Decode(pkt *packet.DepthPacket, ir *IRFrame, depth *DepthFrame) error {
	if len(pkt.Buffer) != packet.DepthFrameSize {
		return &DecodeError{Stream: "depth", Err: fmt.Errorf("buffer is %d bytes, want %d", len(pkt.Buffer), packet.DepthFrameSize)}
	}
	if len(ir.Data) != pixels || len(depth.Data) != pixels {
		return &DecodeError{Stream: "depth", Err: fmt.Errorf("output frames not sized %dx%d", width, height)}
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			d.processPixelStage1(x, y, pkt.Buffer, d.m[y*width+x][:])
		}
	}

	mPtr := d.m
	if d.config.EnableBilateralFilter {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				d.edgeOK[y*width+x] = d.filterPixelStage1(x, y, d.filtered[y*width+x][:])
			}
		}
		mPtr = d.filtered
	}

	if d.config.EnableEdgeAwareFilter {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				irOut, irSum, rawDepth := d.processPixelStage2(x, y, mPtr[y*width+x][:])

				ir.Data[(423-y)*width+x] = irOut

				s := &d.stage2[y*width+x]
				s[0] = rawDepth
				s[1] = 0
				if d.edgeOK[y*width+x] {
					s[1] = rawDepth
				}
				s[2] = irSum
			}
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				depth.Data[(423-y)*width+x] = quantizeDepth(d.filterPixelStage2(x, y, d.edgeOK[y*width+x]))
			}
		}
	} else {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				irOut, _, rawDepth := d.processPixelStage2(x, y, mPtr[y*width+x][:])
				ir.Data[(423-y)*width+x] = irOut
				if rawDepth < d.config.MinDepth || rawDepth > d.config.MaxDepth {
					rawDepth = 0
				}
				depth.Data[(423-y)*width+x] = quantizeDepth(rawDepth)
			}
		}
	}

	ir.Sequence, ir.Timestamp = pkt.Sequence, pkt.Timestamp
	depth.Sequence, depth.Timestamp = pkt.Sequence, pkt.Timestamp
	return nil
}

func (d *CPUDepthDecoder) Close() error { return nil }

// quantizeDepth rounds a millimeter value into the uint16 output sample,
// keeping 0 as the invalid sentinel.
func quantizeDepth(mm float32) uint16 {
	if mm <= 0 || math.IsNaN(float64(mm)) {
		return 0
	}
	v := mm + 0.5
	if v >= 65535 {
		return 65535
	}
	return uint16(v)
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func abs32(v float32) float32 {
	return float32(math.Abs(float64(v)))
}

func floor32(v float32) float32 {
	return float32(math.Floor(float64(v)))
}

func signbit32(v float32) bool {
	return math.Signbit(float64(v))
}
