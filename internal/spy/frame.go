package spy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrShortFrame         = errors.New("frame too short")
)

// Field is one named u16 of a frame header.
type Field struct {
	Name  string
	Value uint16
}

// Details is the extra decode some message types carry past their header.
type Details interface {
	Lines() []string
}

// Frame is one decoded UART frame.
type Frame struct {
	Channel  Channel
	Resynced bool // the synchronizer had to drop bytes to find this frame
	Type     MessageType
	Fields   []Field
	Details  Details
	Raw      []byte
}

func (f Frame) Field(name string) (uint16, bool) {
	for _, fl := range f.Fields {
		if fl.Name == name {
			return fl.Value, true
		}
	}
	return 0, false
}

func (f Frame) Command() (uint16, bool) {
	return f.Field(FieldCommand)
}

// Description resolves the command name for the frame's channel direction.
// Frames without a command field return an empty string.
func (f Frame) Description() string {
	cmd, ok := f.Command()
	if !ok {
		return ""
	}
	return DescribeOrMissing(f.Channel.Direction, f.Type, cmd)
}

// Decode parses the header of raw, plus the detail block for the message
// types that have one.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 2 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(raw))
	}
	t := MessageType(binary.LittleEndian.Uint16(raw[0:2]))
	kind, ok := kinds[t]
	if !ok {
		return Frame{}, fmt.Errorf("%w: 0x%04X", ErrUnknownMessageType, uint16(t))
	}
	if len(raw) < t.HeaderLen() {
		return Frame{}, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrShortFrame, t, t.HeaderLen(), len(raw))
	}

	f := Frame{
		Type:   t,
		Fields: make([]Field, 0, len(kind.header)),
		Raw:    append([]byte(nil), raw...),
	}
	for i, name := range kind.header {
		f.Fields = append(f.Fields, Field{Name: name, Value: binary.LittleEndian.Uint16(raw[2*i:])})
	}

	if kind.details != nil {
		d, err := kind.details(raw)
		if err != nil {
			return Frame{}, err
		}
		f.Details = d
	}
	return f, nil
}

// ChargeStatus is the NiMH charger state reported by the aux MCU.
type ChargeStatus uint16

var chargeStatusNames = []string{
	"idle",
	"current charge ramp start",
	"current charge ramp",
	"ramping start error",
	"current maintaining",
	"current ramp error",
	"current maintaining error",
	"charging done",
}

func (s ChargeStatus) String() string {
	if int(s) < len(chargeStatusNames) {
		return chargeStatusNames[s]
	}
	return fmt.Sprintf("unknown (%d)", uint16(s))
}

const nimhChargeLen = 10

type NiMHCharge struct {
	Status     ChargeStatus
	RawVoltage uint16
	RawCurrent uint16
}

// BatteryMillivolts converts the ADC reading to millivolts.
func (n NiMHCharge) BatteryMillivolts() int {
	return int(n.RawVoltage) * 103 / 256
}

func (n NiMHCharge) ChargeCurrentMilliamps() float64 {
	return float64(n.RawCurrent) * 0.4
}

func (n NiMHCharge) Lines() []string {
	return []string{
		fmt.Sprintf("Current status: %s", n.Status),
		fmt.Sprintf("Battery voltage: %dmV", n.BatteryMillivolts()),
		fmt.Sprintf("Charging current: %.1fmA", n.ChargeCurrentMilliamps()),
	}
}

func decodeNiMHCharge(raw []byte) (Details, error) {
	return DecodeNiMHCharge(raw)
}

// DecodeNiMHCharge decodes the HHHHH layout: type, payload, status, voltage,
// current.
func DecodeNiMHCharge(raw []byte) (NiMHCharge, error) {
	if len(raw) < nimhChargeLen {
		return NiMHCharge{}, fmt.Errorf("%w: nimh charge needs %d bytes, have %d", ErrShortFrame, nimhChargeLen, len(raw))
	}
	return NiMHCharge{
		Status:     ChargeStatus(binary.LittleEndian.Uint16(raw[4:6])),
		RawVoltage: binary.LittleEndian.Uint16(raw[6:8]),
		RawCurrent: binary.LittleEndian.Uint16(raw[8:10]),
	}, nil
}

const platformDetailsLen = 54

// PlatformDetails is the aux MCU's self description.
type PlatformDetails struct {
	FirmwareMajor       uint16
	FirmwareMinor       uint16
	DID                 uint32
	UID                 [4]uint32
	BluSDKMajor         uint16
	BluSDKMinor         uint16
	BluSDKFirmwareMajor uint16
	BluSDKFirmwareMinor uint16
	BluSDKFirmwareBuild uint16
	RFVersion           uint32
	ATBTLCChipID        uint32
	BLEAddress          [6]byte
}

func (p PlatformDetails) Lines() []string {
	var uid strings.Builder
	for _, u := range p.UID {
		fmt.Fprintf(&uid, "%08X", u)
	}
	return []string{
		fmt.Sprintf("Aux FW: %d.%d", p.FirmwareMajor, p.FirmwareMinor),
		fmt.Sprintf("DID: 0x%08X", p.DID),
		fmt.Sprintf("UID: 0x%s", uid.String()),
		fmt.Sprintf("BluSDK lib: %d.%d", p.BluSDKMajor, p.BluSDKMinor),
		fmt.Sprintf("BluSDK fw: %d.%d build %04X", p.BluSDKFirmwareMajor, p.BluSDKFirmwareMinor, p.BluSDKFirmwareBuild),
		fmt.Sprintf("RF version: 0x%08X", p.RFVersion),
		fmt.Sprintf("ATBTLC1000 chip id: 0x%08X", p.ATBTLCChipID),
		fmt.Sprintf("BLE address: %X", p.BLEAddress[:]),
	}
}

func decodePlatformDetails(raw []byte) (Details, error) {
	return DecodePlatformDetails(raw)
}

// DecodePlatformDetails decodes the naturally aligned
// HHHHIIIIIHHHHHIIBBBBBB layout, with two bytes of padding before RFVersion.
func DecodePlatformDetails(raw []byte) (PlatformDetails, error) {
	if len(raw) < platformDetailsLen {
		return PlatformDetails{}, fmt.Errorf("%w: platform details need %d bytes, have %d", ErrShortFrame, platformDetailsLen, len(raw))
	}
	le := binary.LittleEndian
	p := PlatformDetails{
		FirmwareMajor:       le.Uint16(raw[4:]),
		FirmwareMinor:       le.Uint16(raw[6:]),
		DID:                 le.Uint32(raw[8:]),
		BluSDKMajor:         le.Uint16(raw[28:]),
		BluSDKMinor:         le.Uint16(raw[30:]),
		BluSDKFirmwareMajor: le.Uint16(raw[32:]),
		BluSDKFirmwareMinor: le.Uint16(raw[34:]),
		BluSDKFirmwareBuild: le.Uint16(raw[36:]),
		RFVersion:           le.Uint32(raw[40:]),
		ATBTLCChipID:        le.Uint32(raw[44:]),
	}
	for i := range p.UID {
		p.UID[i] = le.Uint32(raw[12+4*i:])
	}
	copy(p.BLEAddress[:], raw[48:54])
	return p, nil
}
