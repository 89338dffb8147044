package main

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/seagrayinc/mpcomms/internal/devsim"
	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/request"
)

// newSimulator returns a simulated device answering every mpctl command.
func newSimulator() *devsim.Device {
	d := devsim.New()

	d.Handle(request.CmdPlatformInfo, func(req packet.Message) (packet.Message, bool) {
		b := make([]byte, 20)
		binary.LittleEndian.PutUint16(b[0:], 1)
		binary.LittleEndian.PutUint16(b[2:], 0)
		binary.LittleEndian.PutUint16(b[4:], 1)
		binary.LittleEndian.PutUint16(b[6:], 0)
		binary.LittleEndian.PutUint32(b[8:], d.SerialNumber)
		binary.LittleEndian.PutUint16(b[12:], 0x18)
		binary.LittleEndian.PutUint16(b[14:], 1)
		return packet.Message{Command: req.Command, Payload: b}, true
	})
	d.Handle(request.CmdGetDeviceStatus, func(req packet.Message) (packet.Message, bool) {
		return packet.Message{Command: req.Command, Payload: []byte{0x05, 100, 0x00, 0x00, 0x00}}, true
	})
	d.Handle(request.CmdGet32BRandom, func(req packet.Message) (packet.Message, bool) {
		b := make([]byte, 32)
		_, _ = rand.Read(b)
		return packet.Message{Command: req.Command, Payload: b}, true
	})
	d.Handle(request.CmdSetDate, func(req packet.Message) (packet.Message, bool) {
		answer := request.Ack
		if len(req.Payload) != 12 {
			answer = request.Nack
		}
		return packet.Message{Command: req.Command, Payload: []byte{answer}}, true
	})
	return d
}
