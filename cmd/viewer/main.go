// Live viewer: color stream on the left, colorized depth on the right.
package main

import (
	"flag"
	"image"
	"log"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
	xdraw "golang.org/x/image/draw"

	"github.com/gotof/kinect2"
	"github.com/gotof/kinect2/pkg/decode"
)

const (
	panelWidth  = 512
	panelHeight = 424
)

type viewer struct {
	mu      sync.Mutex
	color   *image.RGBA
	depth   *image.RGBA
	backing *image.RGBA
	frame   *ebiten.Image
}

func newViewer() *viewer {
	return &viewer{
		color:   image.NewRGBA(image.Rect(0, 0, 1920, 1080)),
		depth:   image.NewRGBA(image.Rect(0, 0, panelWidth, panelHeight)),
		backing: image.NewRGBA(image.Rect(0, 0, 2*panelWidth, panelHeight)),
		frame:   ebiten.NewImage(2*panelWidth, panelHeight),
	}
}

func (v *viewer) OnColorFrame(f *decode.ColorFrame) bool {
	v.mu.Lock()
	copy(v.color.Pix, f.Pix)
	v.mu.Unlock()
	return false
}

func (v *viewer) OnDepthFrame(ir *decode.IRFrame, depth *decode.DepthFrame) bool {
	v.mu.Lock()
	for i, mm := range depth.Data {
		v.depth.Pix[4*i] = 0
		v.depth.Pix[4*i+1] = 0
		v.depth.Pix[4*i+2] = 0
		v.depth.Pix[4*i+3] = 255
		if mm == 0 {
			continue
		}
		// near is bright, far fades out over the working range
		shade := uint8(255 - clamp(int(mm)-500, 0, 4000)*255/4000)
		v.depth.Pix[4*i] = shade
		v.depth.Pix[4*i+1] = shade
		v.depth.Pix[4*i+2] = shade / 2
	}
	v.mu.Unlock()
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (v *viewer) Update() error { return nil }

func (v *viewer) Draw(screen *ebiten.Image) {
	v.mu.Lock()
	colorPanel := image.Rect(0, 0, panelWidth, panelWidth*1080/1920)
	colorPanel = colorPanel.Add(image.Pt(0, (panelHeight-colorPanel.Dy())/2))
	xdraw.ApproxBiLinear.Scale(v.backing, colorPanel, v.color, v.color.Bounds(), xdraw.Src, nil)
	xdraw.Copy(v.backing, image.Pt(panelWidth, 0), v.depth, v.depth.Bounds(), xdraw.Src, nil)
	v.mu.Unlock()

	v.frame.WritePixels(v.backing.Pix)
	screen.DrawImage(v.frame, nil)
}

func (v *viewer) Layout(outsideWidth, outsideHeight int) (int, int) {
	return 2 * panelWidth, panelHeight
}

func main() {
	backend := flag.String("backend", "cpu", "depth backend: cpu, opencl, opencl-kde")
	turbo := flag.Bool("turbo", false, "decode color with libjpeg-turbo")
	flag.Parse()

	config := kinect2.DefaultConfig()
	switch *backend {
	case "cpu":
		config.DepthBackend = kinect2.DepthBackendCPU
	case "opencl":
		config.DepthBackend = kinect2.DepthBackendOpenCL
	case "opencl-kde":
		config.DepthBackend = kinect2.DepthBackendOpenCLKDE
	default:
		log.Fatalf("unknown backend %q", *backend)
	}
	if *turbo {
		config.ColorBackend = kinect2.ColorBackendTurboJPEG
	}

	dev, err := kinect2.Open()
	if err != nil {
		log.Fatalf("open device: %v", err)
	}
	defer dev.Close()
	log.Printf("serial %s firmware %s", dev.SerialNumber(), dev.FirmwareVersion())

	v := newViewer()
	if err := dev.Start(config, v); err != nil {
		log.Fatalf("start streaming: %v", err)
	}
	defer dev.Stop()

	ebiten.SetWindowSize(2*panelWidth, panelHeight)
	ebiten.SetWindowTitle("kinect2 viewer")
	if err := ebiten.RunGame(v); err != nil {
		log.Fatalf("viewer: %v", err)
	}
	if err := dev.Err(); err != nil {
		log.Fatalf("streaming fault: %v", err)
	}
}
