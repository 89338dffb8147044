package mooltipass

import (
	"bytes"
	"fmt"

	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/request"
)

// Ping sends payload and expects it echoed back.
func Ping(payload []byte) Command[struct{}] {
	sent := append([]byte(nil), payload...)
	return Command[struct{}]{
		Message: packet.Message{Command: request.CmdPing, Payload: sent},
		parse: func(m packet.Message) (struct{}, error) {
			if !bytes.Equal(m.Payload, sent) {
				return struct{}{}, fmt.Errorf("%w: ping echo %s, sent %s", ErrUnexpectedReply, packet.HexString(m.Payload), packet.HexString(sent))
			}
			return struct{}{}, nil
		},
	}
}
