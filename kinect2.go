// Package kinect2 drives the Kinect for Windows v2 time-of-flight camera:
// vendor command channel, calibration readout, and the color/depth
// streaming pipeline with pluggable decode backends.
package kinect2

/*
#cgo LDFLAGS: -lusb-1.0
#include <libusb-1.0/libusb.h>
#include <stdlib.h>
*/
import "C"
import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/gotof/kinect2/pkg/calibration"
	"github.com/gotof/kinect2/pkg/transfers"
)

// Device is an opened sensor. It is not safe for concurrent use except
// for Release and the listener callbacks.
type Device struct {
	usbctx *C.libusb_context
	handle *C.libusb_device_handle
	closed *atomic.Bool

	cmd *commandChannel

	serial      string
	firmware    string
	hardware    []byte
	irParams    calibration.IrParams
	colorParams calibration.ColorParams
	p0Tables    *calibration.P0Tables

	pipe *pipeline
}

// Open opens the first sensor found on the bus and reads its factory
// calibration.
func Open() (*Device, error) {
	d := &Device{closed: &atomic.Bool{}}
	if ret := C.libusb_init(&d.usbctx); ret < 0 {
		return nil, fmt.Errorf("libusb_init failed: %w", libusberror(ret))
	}
	d.handle = C.libusb_open_device_with_vid_pid(d.usbctx, VendorID, ProductID)
	if d.handle == nil {
		d.handle = C.libusb_open_device_with_vid_pid(d.usbctx, VendorID, ProductIDPreview)
	}
	if d.handle == nil {
		C.libusb_exit(d.usbctx)
		return nil, ErrNoDevice
	}
	if err := d.configure(); err != nil {
		C.libusb_close(d.handle)
		C.libusb_exit(d.usbctx)
		return nil, err
	}
	return d, nil
}

// OpenFd adopts an already opened usb device file descriptor, for
// platforms where device nodes are handed over by the OS.
func OpenFd(fd uintptr) (*Device, error) {
	d := &Device{closed: &atomic.Bool{}}
	if ret := C.libusb_init(&d.usbctx); ret < 0 {
		return nil, fmt.Errorf("libusb_init failed: %w", libusberror(ret))
	}
	if ret := C.libusb_wrap_sys_device(d.usbctx, C.intptr_t(fd), &d.handle); ret < 0 {
		C.libusb_exit(d.usbctx)
		return nil, fmt.Errorf("libusb_wrap_sys_device failed: %w", libusberror(ret))
	}
	if err := d.configure(); err != nil {
		C.libusb_close(d.handle)
		C.libusb_exit(d.usbctx)
		return nil, err
	}
	return d, nil
}

func (d *Device) configure() error {
	if ret := C.libusb_set_configuration(d.handle, 1); ret < 0 {
		return fmt.Errorf("libusb_set_configuration failed: %w", libusberror(ret))
	}
	if ret := C.libusb_claim_interface(d.handle, ControlInterfaceNum); ret < 0 {
		return fmt.Errorf("claim control interface: %w", libusberror(ret))
	}
	if ret := C.libusb_claim_interface(d.handle, IrInterfaceNum); ret < 0 {
		return fmt.Errorf("claim ir interface: %w", libusberror(ret))
	}

	d.cmd = newCommandChannel(transfers.NewCommandPipe(unsafe.Pointer(d.handle), CmdOutEndpoint, CmdInEndpoint))
	return d.readDeviceInfo()
}

func (d *Device) readDeviceInfo() error {
	fw, err := d.cmd.execute(cmdReadFirmware, firmwareResponseSize)
	if err != nil {
		return fmt.Errorf("read firmware versions: %w", err)
	}
	d.firmware = parseFirmwareVersion(fw)

	if d.hardware, err = d.cmd.execute(cmdReadHardwareInfo, hardwareInfoResponseSize); err != nil {
		return fmt.Errorf("read hardware info: %w", err)
	}

	serial, err := d.cmd.execute(cmdReadDataPage, serialNumberResponseSize, dataPageSerialNumber)
	if err != nil {
		return fmt.Errorf("read serial number: %w", err)
	}
	d.serial = strings.TrimRight(string(serial), "\x00")

	ir, err := d.cmd.execute(cmdReadDataPage, dataPageMaxResponseSize, dataPageIrParams)
	if err != nil {
		return fmt.Errorf("read ir calibration: %w", err)
	}
	if err := d.irParams.UnmarshalBinary(ir); err != nil {
		return fmt.Errorf("parse ir calibration: %w", err)
	}

	color, err := d.cmd.execute(cmdReadDataPage, dataPageMaxResponseSize, dataPageColorParams)
	if err != nil {
		return fmt.Errorf("read color calibration: %w", err)
	}
	if err := d.colorParams.UnmarshalBinary(color); err != nil {
		return fmt.Errorf("parse color calibration: %w", err)
	}

	p0, err := d.cmd.execute(cmdReadDataPage, dataPageMaxResponseSize, dataPageP0Tables)
	if err != nil {
		return fmt.Errorf("read p0 tables: %w", err)
	}
	if d.p0Tables, err = calibration.ParseP0Tables(p0); err != nil {
		return fmt.Errorf("parse p0 tables: %w", err)
	}
	return nil
}

// parseFirmwareVersion extracts the first populated 16 byte version entry
// from the firmware versions response.
func parseFirmwareVersion(buf []byte) string {
	for off := 0; off+16 <= len(buf); off += 16 {
		minor := binary.LittleEndian.Uint16(buf[off:])
		major := binary.LittleEndian.Uint16(buf[off+2:])
		build := binary.LittleEndian.Uint32(buf[off+4:])
		revision := binary.LittleEndian.Uint32(buf[off+8:])
		if major == 0 {
			continue
		}
		return fmt.Sprintf("%d.%d.%d.%d", major, minor, revision, build)
	}
	return ""
}

func (d *Device) SerialNumber() string                 { return d.serial }
func (d *Device) FirmwareVersion() string              { return d.firmware }
func (d *Device) HardwareInfo() []byte                 { return d.hardware }
func (d *Device) IrParams() calibration.IrParams       { return d.irParams }
func (d *Device) ColorParams() calibration.ColorParams { return d.colorParams }
func (d *Device) P0Tables() *calibration.P0Tables      { return d.p0Tables }

// Status reads the streaming status word.
func (d *Device) Status() (uint32, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	resp, err := d.cmd.execute(cmdReadStatus, statusResponseSize, 0x090000)
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 {
		return 0, fmt.Errorf("status response too short: %d bytes", len(resp))
	}
	return binary.LittleEndian.Uint32(resp), nil
}

// Start configures both endpoints, brings up the decode pipeline and
// tells the device to stream.
func (d *Device) Start(config Config, listener Listener) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if d.pipe != nil {
		return errors.New("already streaming")
	}

	// The depth endpoint only exists on alternate setting 1.
	if ret := C.libusb_set_interface_alt_setting(d.handle, IrInterfaceNum, 1); ret < 0 {
		return fmt.Errorf("select ir alt setting: %w", libusberror(ret))
	}

	if _, err := d.cmd.execute(cmdReadStatus, statusResponseSize, 0x090000); err != nil {
		return err
	}
	if _, err := d.cmd.execute(cmdInitStreams, 0); err != nil {
		return err
	}
	if _, err := d.cmd.execute(cmdReadStatus, statusResponseSize, 0x090000); err != nil {
		return err
	}

	colorSource, err := transfers.NewBulkStream(unsafe.Pointer(d.usbctx), unsafe.Pointer(d.handle),
		ColorInEndpoint, colorTransferCount, colorTransferSize)
	if err != nil {
		return err
	}
	depthSource, err := transfers.NewIsoStream(unsafe.Pointer(d.usbctx), unsafe.Pointer(d.handle),
		IrInEndpoint, irTransferCount, irPacketsPerXfer, irMaxIsoPacketSize)
	if err != nil {
		colorSource.Close()
		return err
	}

	pipe, err := newPipeline(config, listener, &d.irParams, d.p0Tables, colorSource, depthSource)
	if err != nil {
		colorSource.Close()
		depthSource.Close()
		return err
	}
	pipe.start()
	d.pipe = pipe

	if _, err := d.cmd.execute(cmdSetStreaming, 0, 1); err != nil {
		d.Stop()
		return err
	}
	return nil
}

// Stop tells the device to stop streaming and tears down the pipeline.
func (d *Device) Stop() error {
	if d.pipe == nil {
		return nil
	}
	_, stopErr := d.cmd.execute(cmdStop, 0)
	_, stateErr := d.cmd.execute(cmdSetStreaming, 0, 0)

	d.pipe.stop()
	d.pipe = nil

	if ret := C.libusb_set_interface_alt_setting(d.handle, IrInterfaceNum, 0); ret < 0 {
		return fmt.Errorf("restore ir alt setting: %w", libusberror(ret))
	}
	return errors.Join(stopErr, stateErr)
}

// Shutdown powers down the sensor. It must be reopened afterwards.
func (d *Device) Shutdown() error {
	if d.closed.Load() {
		return ErrClosed
	}
	_, err := d.cmd.execute(cmdShutdown, 0)
	return err
}

// Stats returns the streaming counters of the running pipeline.
func (d *Device) Stats() PipelineStats {
	if d.pipe == nil {
		return PipelineStats{}
	}
	return d.pipe.stats()
}

// Err reports the first terminal transport fault of the running pipeline.
func (d *Device) Err() error {
	if d.pipe == nil {
		return nil
	}
	return d.pipe.err()
}

// Release returns a frame retained by a listener to its pool.
func (d *Device) Release(frame any) {
	if d.pipe != nil {
		d.pipe.release(frame)
	}
}

// Close stops streaming and releases the usb device.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	err := d.Stop()
	C.libusb_release_interface(d.handle, IrInterfaceNum)
	C.libusb_release_interface(d.handle, ControlInterfaceNum)
	C.libusb_close(d.handle)
	C.libusb_exit(d.usbctx)
	return err
}
