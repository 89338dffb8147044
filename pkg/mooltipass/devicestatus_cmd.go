package mooltipass

import (
	"encoding/binary"

	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/request"
)

// Status flag bits in the first byte of a device status answer.
const (
	StatusCardInserted   byte = 0x01
	StatusCardUnlocked   byte = 0x04
	StatusUnknownCard    byte = 0x08
	StatusManagementMode byte = 0x10
	StatusNoBundle       byte = 0x20
)

func GetDeviceStatus() Command[DeviceStatus] {
	return Command[DeviceStatus]{
		Message: packet.Message{Command: request.CmdGetDeviceStatus},
		parse:   ParseDeviceStatus,
	}
}

type DeviceStatus struct {
	Flags               byte
	BatteryPercent      int
	SecurityPreferences uint16
	SettingsChanged     bool
}

func (s DeviceStatus) CardInserted() bool   { return s.Flags&StatusCardInserted != 0 }
func (s DeviceStatus) Unlocked() bool       { return s.Flags&StatusCardUnlocked != 0 }
func (s DeviceStatus) UnknownCard() bool    { return s.Flags&StatusUnknownCard != 0 }
func (s DeviceStatus) ManagementMode() bool { return s.Flags&StatusManagementMode != 0 }
func (s DeviceStatus) NoBundle() bool       { return s.Flags&StatusNoBundle != 0 }

// ParseDeviceStatus decodes a status answer, including ones pushed while
// another request was in flight.
func ParseDeviceStatus(m packet.Message) (DeviceStatus, error) {
	if err := needPayload(m, 4); err != nil {
		return DeviceStatus{}, err
	}
	s := DeviceStatus{
		Flags:               m.Payload[0],
		BatteryPercent:      int(m.Payload[1]),
		SecurityPreferences: binary.LittleEndian.Uint16(m.Payload[2:4]),
	}
	if len(m.Payload) > 4 {
		s.SettingsChanged = m.Payload[4] != 0
	}
	return s, nil
}
