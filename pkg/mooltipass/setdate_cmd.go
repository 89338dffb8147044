package mooltipass

import (
	"encoding/binary"
	"time"

	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/request"
)

// SetDate sets the device calendar to t, in t's location.
func SetDate(t time.Time) Command[struct{}] {
	fields := []int{t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second()}
	payload := make([]byte, 2*len(fields))
	for i, v := range fields {
		binary.LittleEndian.PutUint16(payload[2*i:], uint16(v))
	}
	return Command[struct{}]{
		Message: packet.Message{Command: request.CmdSetDate, Payload: payload},
		parse:   parseAck,
	}
}
