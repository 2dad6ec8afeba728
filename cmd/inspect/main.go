// Interactive browser for connected sensors: a device list on the left,
// identity and factory calibration for the selected sensor on the right.
package main

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	usb "github.com/kevmo314/go-usb"
	"github.com/rivo/tview"

	"github.com/gotof/kinect2"
)

func main() {
	devices, err := usb.DeviceList()
	if err != nil {
		panic(err)
	}

	app := tview.NewApplication()

	list := tview.NewList().ShowSecondaryText(true)
	list.SetBorder(true).SetTitle("USB Devices")

	details := tview.NewTextView().SetDynamicColors(true)
	details.SetBorder(true).SetTitle("Sensor")
	fmt.Fprintln(details, "Select a sensor and press Enter.")

	for _, dev := range devices {
		title := fmt.Sprintf("%04x:%04x %s", dev.Descriptor.VendorID, dev.Descriptor.ProductID, dev.Path)
		subtitle := ""
		if dev.SysfsStrings != nil {
			subtitle = fmt.Sprintf("%s %s", dev.SysfsStrings.Manufacturer, dev.SysfsStrings.Product)
		}
		isSensor := dev.Descriptor.VendorID == kinect2.VendorID &&
			(dev.Descriptor.ProductID == kinect2.ProductID || dev.Descriptor.ProductID == kinect2.ProductIDPreview)
		if isSensor {
			title = "[green]" + title + "[-]"
		}
		list.AddItem(title, subtitle, 0, func() {
			details.Clear()
			if !isSensor {
				fmt.Fprintln(details, "Not a depth sensor.")
				return
			}
			showSensor(details)
		})
	}

	flex := tview.NewFlex().
		AddItem(list, 0, 1, true).
		AddItem(details, 0, 2, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			app.Stop()
			return nil
		}
		return event
	})

	if err := app.SetRoot(flex, true).Run(); err != nil {
		panic(err)
	}
}

// showSensor opens the sensor long enough to read its identity and
// calibration pages and prints them.
func showSensor(w *tview.TextView) {
	dev, err := kinect2.Open()
	if err != nil {
		fmt.Fprintf(w, "open failed: %v\n", err)
		return
	}
	defer dev.Close()

	fmt.Fprintf(w, "[yellow]Serial[-]    %s\n", dev.SerialNumber())
	fmt.Fprintf(w, "[yellow]Firmware[-]  %s\n", dev.FirmwareVersion())
	fmt.Fprintf(w, "[yellow]Hardware[-]  %d bytes\n", len(dev.HardwareInfo()))
	if status, err := dev.Status(); err == nil {
		fmt.Fprintf(w, "[yellow]Status[-]    0x%08x\n", status)
	}

	ir := dev.IrParams()
	fmt.Fprintf(w, "\n[yellow]Depth camera intrinsics[-]\n")
	fmt.Fprintf(w, "  fx %.3f  fy %.3f\n", ir.Fx, ir.Fy)
	fmt.Fprintf(w, "  cx %.3f  cy %.3f\n", ir.Cx, ir.Cy)
	fmt.Fprintf(w, "  k1 %.6f  k2 %.6f  k3 %.6f\n", ir.K1, ir.K2, ir.K3)
	fmt.Fprintf(w, "  p1 %.6f  p2 %.6f\n", ir.P1, ir.P2)

	color := dev.ColorParams()
	fmt.Fprintf(w, "\n[yellow]Color camera intrinsics[-]\n")
	fmt.Fprintf(w, "  fx %.3f  fy %.3f\n", color.Fx, color.Fy)
	fmt.Fprintf(w, "  cx %.3f  cy %.3f\n", color.Cx, color.Cy)
	fmt.Fprintf(w, "  shift d %.3f  m %.6f\n", color.ShiftD, color.ShiftM)
}
