// Package spy decodes the fixed-size frames exchanged between the device's
// main and aux MCUs, as captured from two UART taps.
package spy

import "fmt"

const (
	DefaultFrameLength = 560
	DefaultBaudRate    = 6000000
)

// MessageType is the leading u16 of every frame.
type MessageType uint16

const (
	MsgTypeUSB MessageType = iota
	MsgTypeBLE
	MsgTypeBootloader
	MsgTypePlatDetails
	MsgTypeMainMCUCmd
	MsgTypeAuxMCUEvent
	MsgTypeNiMHCharge
	MsgTypePingWithInfo
	MsgTypeKeyboardType
	MsgTypeFIDO2
	MsgTypeRNGTransfer
	MsgTypeBLECmd

	MsgTypeReset MessageType = 0xFFFF
)

// Commands that open the USB and BLE gates.
const (
	MainMCUCmdAttachUSB uint16 = 0x0002
	BLECmdEnable        uint16 = 0x0001
)

// messageKind describes how one message type is laid out and displayed.
type messageKind struct {
	name    string
	header  []string // leading u16 LE fields, message_type first
	details func([]byte) (Details, error)
}

var kinds = map[MessageType]messageKind{
	MsgTypeUSB:          {name: "USB Message", header: usbHeader},
	MsgTypeBLE:          {name: "BLE Message", header: usbHeader},
	MsgTypeBootloader:   {name: "Bootloader Message", header: cmdHeader},
	MsgTypePlatDetails:  {name: "Platform Details", header: baseHeader, details: decodePlatformDetails},
	MsgTypeMainMCUCmd:   {name: "Main MCU Command", header: cmdHeader},
	MsgTypeAuxMCUEvent:  {name: "Aux MCU Event", header: cmdHeader},
	MsgTypeNiMHCharge:   {name: "NiMH Charge Message", header: baseHeader, details: decodeNiMHCharge},
	MsgTypePingWithInfo: {name: "Main Ping with Info", header: baseHeader},
	MsgTypeKeyboardType: {name: "Keyboard Typing", header: baseHeader},
	MsgTypeFIDO2:        {name: "FIDO2 Message", header: cmdHeader},
	MsgTypeRNGTransfer:  {name: "RNG Message", header: baseHeader},
	MsgTypeBLECmd:       {name: "BLE Command", header: cmdHeader},
	MsgTypeReset:        {name: "Reset", header: []string{FieldMessageType}},
}

const (
	FieldMessageType          = "message_type"
	FieldTotalPayload         = "total_payload"
	FieldCommand              = "command"
	FieldCommandPayloadLength = "command_payload_length"
)

var (
	baseHeader = []string{FieldMessageType, FieldTotalPayload}
	cmdHeader  = []string{FieldMessageType, FieldTotalPayload, FieldCommand}
	usbHeader  = []string{FieldMessageType, FieldTotalPayload, FieldCommand, FieldCommandPayloadLength}
)

// Valid reports whether t is a known message type or the reset marker.
func (t MessageType) Valid() bool {
	_, ok := kinds[t]
	return ok
}

func (t MessageType) String() string {
	if k, ok := kinds[t]; ok {
		return k.name
	}
	return fmt.Sprintf("Unknown (0x%04X)", uint16(t))
}

// HeaderLen is the byte length of the fixed header for t.
func (t MessageType) HeaderLen() int {
	return 2 * len(kinds[t].header)
}

// HasCommand reports whether frames of type t carry a command field.
func (t MessageType) HasCommand() bool {
	return len(kinds[t].header) > 2
}

// Direction identifies which MCU is transmitting on a UART line.
type Direction int

const (
	MainToAux Direction = iota
	AuxToMain
)

func (d Direction) String() string {
	if d == AuxToMain {
		return "Aux->Main"
	}
	return "Main->Aux"
}

// ParseDirection accepts "main" and "aux".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "main", "MAIN":
		return MainToAux, nil
	case "aux", "AUX":
		return AuxToMain, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// Channel names one UART line.
type Channel struct {
	Name      string
	Direction Direction
}
