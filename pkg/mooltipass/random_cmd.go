package mooltipass

import (
	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/request"
)

const RandomSize = 32

// Get32BRandom asks the device RNG for 32 bytes.
func Get32BRandom() Command[[RandomSize]byte] {
	return Command[[RandomSize]byte]{
		Message: packet.Message{Command: request.CmdGet32BRandom},
		parse: func(m packet.Message) ([RandomSize]byte, error) {
			var out [RandomSize]byte
			if err := needPayload(m, RandomSize); err != nil {
				return out, err
			}
			copy(out[:], m.Payload)
			return out, nil
		},
	}
}
