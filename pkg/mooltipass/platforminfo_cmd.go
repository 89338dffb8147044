package mooltipass

import (
	"encoding/binary"
	"fmt"

	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/request"
)

func GetPlatformInfo() Command[PlatformInfo] {
	return Command[PlatformInfo]{
		Message: packet.Message{Command: request.CmdPlatformInfo},
		parse:   parsePlatformInfo,
	}
}

type PlatformInfo struct {
	MainMajor     int
	MainMinor     int
	AuxMajor      int
	AuxMinor      int
	SerialNumber  uint32
	MemorySize    int
	BundleVersion int
}

func (p PlatformInfo) String() string {
	return fmt.Sprintf("main fw v%d.%d, aux fw v%d.%d, serial %d, memory 0x%02x, bundle %d",
		p.MainMajor, p.MainMinor, p.AuxMajor, p.AuxMinor, p.SerialNumber, p.MemorySize, p.BundleVersion)
}

func parsePlatformInfo(m packet.Message) (PlatformInfo, error) {
	if err := needPayload(m, 16); err != nil {
		return PlatformInfo{}, err
	}
	b := m.Payload
	return PlatformInfo{
		MainMajor:     int(binary.LittleEndian.Uint16(b[0:2])),
		MainMinor:     int(binary.LittleEndian.Uint16(b[2:4])),
		AuxMajor:      int(binary.LittleEndian.Uint16(b[4:6])),
		AuxMinor:      int(binary.LittleEndian.Uint16(b[6:8])),
		SerialNumber:  binary.LittleEndian.Uint32(b[8:12]),
		MemorySize:    int(binary.LittleEndian.Uint16(b[12:14])),
		BundleVersion: int(binary.LittleEndian.Uint16(b[14:16])),
	}, nil
}
