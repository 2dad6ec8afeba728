package kinect2

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ColorSettingCommand identifies one tunable of the color camera. The
// values come from the NuiSensor headers published in Microsoft's
// MixedRealityCompanionKit.
type ColorSettingCommand uint32

const (
	ColorSetExposureMode         ColorSettingCommand = 0
	ColorSetIntegrationTime      ColorSettingCommand = 1
	ColorGetIntegrationTime      ColorSettingCommand = 2
	ColorSetWhiteBalanceMode     ColorSettingCommand = 10
	ColorSetRedChannelGain       ColorSettingCommand = 11
	ColorSetGreenChannelGain     ColorSettingCommand = 12
	ColorSetBlueChannelGain      ColorSettingCommand = 13
	ColorGetRedChannelGain       ColorSettingCommand = 14
	ColorGetGreenChannelGain     ColorSettingCommand = 15
	ColorGetBlueChannelGain      ColorSettingCommand = 16
	ColorSetExposureTimeMs       ColorSettingCommand = 17
	ColorGetExposureTimeMs       ColorSettingCommand = 18
	ColorSetDigitalGain          ColorSettingCommand = 19
	ColorGetDigitalGain          ColorSettingCommand = 20
	ColorSetAnalogGain           ColorSettingCommand = 21
	ColorGetAnalogGain           ColorSettingCommand = 22
	ColorSetExposureCompensation ColorSettingCommand = 23
	ColorGetExposureCompensation ColorSettingCommand = 24
	ColorSetAcs                  ColorSettingCommand = 25
	ColorGetAcs                  ColorSettingCommand = 26
	ColorSetExposureMeteringMode ColorSettingCommand = 27
	ColorSetMaxAnalogGainCap     ColorSettingCommand = 77
	ColorSetMaxDigitalGainCap    ColorSettingCommand = 78
	ColorSetFlickerFreeFrequency ColorSettingCommand = 79
	ColorGetExposureMode         ColorSettingCommand = 80
	ColorGetWhiteBalanceMode     ColorSettingCommand = 81
	ColorSetFrameRate            ColorSettingCommand = 82
	ColorGetFrameRate            ColorSettingCommand = 83
)

// ColorSetting applies one color camera setting and returns the value the
// device reports back. Get commands are issued the same way with a zero
// value.
func (d *Device) ColorSetting(cmd ColorSettingCommand, value uint32) (uint32, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	resp, err := d.cmd.executeUnsequenced(cmdRgbSetting, colorSettingResponseSize,
		1, 0, uint32(cmd), value)
	if err != nil {
		return 0, err
	}
	if len(resp) < colorSettingResponseSize {
		return 0, fmt.Errorf("color setting response too short: %d bytes", len(resp))
	}
	if status := binary.LittleEndian.Uint32(resp[8:12]); status != 0 {
		return 0, fmt.Errorf("color setting 0x%02x rejected with status 0x%x", uint32(cmd), status)
	}
	return binary.LittleEndian.Uint32(resp[12:16]), nil
}

// LedID selects one of the two illumination LEDs.
type LedID uint16

const (
	LedPrimary   LedID = 0
	LedSecondary LedID = 1
)

// LedMode selects between a constant level and blinking between the start
// and stop levels every interval.
type LedMode uint16

const (
	LedConstant LedMode = 0
	LedBlink    LedMode = 1
)

// LedSettings describes the state of one LED. Levels range from 0 to
// 1000 and are clamped.
type LedSettings struct {
	ID         LedID
	Mode       LedMode
	StartLevel uint16
	StopLevel  uint16
	Interval   time.Duration
}

// ConstantLed is an always-on LED state at the given intensity.
func ConstantLed(id LedID, level uint16) LedSettings {
	return LedSettings{ID: id, Mode: LedConstant, StartLevel: level}
}

// BlinkingLed alternates between two intensities every interval.
func BlinkingLed(id LedID, startLevel, stopLevel uint16, interval time.Duration) LedSettings {
	return LedSettings{ID: id, Mode: LedBlink, StartLevel: startLevel, StopLevel: stopLevel, Interval: interval}
}

func clampLevel(v uint16) uint16 {
	if v > 1000 {
		return 1000
	}
	return v
}

// SetLed updates one of the illumination LEDs.
func (d *Device) SetLed(s LedSettings) error {
	if d.closed.Load() {
		return ErrClosed
	}
	_, err := d.cmd.executeUnsequenced(cmdSetMode, 0,
		uint32(s.ID)|uint32(s.Mode)<<16,
		uint32(clampLevel(s.StartLevel))|uint32(clampLevel(s.StopLevel))<<16,
		uint32(s.Interval.Milliseconds()),
		0)
	return err
}
