// Package devsim simulates the device end of the HID link. It acknowledges
// every packet the way the aux MCU does, tracks the toggle bit like the main
// MCU, and can be told to answer please-retry or push status messages.
package devsim

import (
	"encoding/binary"
	"sync"

	"github.com/seagrayinc/mpcomms/internal/hid"
	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/request"
)

const (
	VendorID  uint16 = 0x16D0
	ProductID uint16 = 0x09A0
)

// Handler answers one request. Returning false sends no answer.
type Handler func(req packet.Message) (packet.Message, bool)

// Request is a message the simulated device accepted.
type Request struct {
	Message packet.Message
	Toggle  packet.Toggle
}

type Device struct {
	*hid.MockHID

	SerialNumber uint32

	mu       sync.Mutex
	expect   packet.Toggle
	asm      packet.Reassembler
	handlers map[uint16]Handler
	requests []Request
	busy     int
	pending  *packet.Message
	pushes   int
	stray    [][]byte
	silent   bool
	cancels  int
	resets   int
}

func New() *Device {
	d := &Device{
		MockHID:      hid.NewMockHID(),
		SerialNumber: 0x00C0FFEE,
		handlers:     make(map[uint16]Handler),
	}
	d.MockHID.OnWrite = d.onWrite
	d.Handle(request.CmdPing, func(req packet.Message) (packet.Message, bool) {
		return req, true
	})
	return d
}

// Manager returns a hid.Manager that opens d.
func (d *Device) Manager() hid.Manager {
	return &hid.MockManager{VendorID: VendorID, ProductID: ProductID, Device: d}
}

func (d *Device) Handle(cmd uint16, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[cmd] = h
}

// SetBusy makes the next n requests (other than ping and cancel) answer
// please-retry.
func (d *Device) SetBusy(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy = n
}

// PushStatus makes the next n requests answer with a device status message
// instead of their reply.
func (d *Device) PushStatus(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushes = n
}

// InjectStray queues raw packets sent ahead of the next acknowledgment.
func (d *Device) InjectStray(raw ...[]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stray = append(d.stray, raw...)
}

// SetSilent stops the device from answering requests. Packets are still
// acknowledged.
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

func (d *Device) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

func (d *Device) Cancels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels
}

func (d *Device) ToggleResets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

func (d *Device) onWrite(p []byte) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(p) >= 2 && p[0] == 0xFF && p[1] == 0xFF {
		d.expect = 0
		d.asm.Reset()
		d.resets++
		return nil
	}

	lp, err := packet.ParseLinkPacket(p)
	if err != nil {
		return nil
	}

	out := d.stray
	d.stray = nil
	ack := lp.Bytes()
	ack[0] |= packet.AckMask
	out = append(out, pad(ack))

	done, err := d.asm.Add(lp)
	if err != nil || !done {
		return out
	}
	m, err := d.asm.Message()
	d.asm.Reset()
	if err != nil {
		return out
	}

	// A packet with the previous toggle is a retransmission.
	if lp.Toggle() != d.expect {
		return out
	}
	d.expect = d.expect.Flip()
	d.requests = append(d.requests, Request{Message: m, Toggle: lp.Toggle()})

	if d.silent {
		return out
	}
	for _, reply := range d.process(m) {
		// Replies leave the flip bit clear.
		packets, err := packet.Encode(reply, 0)
		if err != nil {
			continue
		}
		for _, rp := range packets {
			out = append(out, pad(rp.Bytes()))
		}
	}
	return out
}

func (d *Device) process(m packet.Message) []packet.Message {
	switch m.Command {
	case request.CmdCancelRequest:
		d.cancels++
		d.busy = 0
		if d.pending == nil {
			return nil
		}
		canceled := *d.pending
		d.pending = nil
		return []packet.Message{{Command: canceled.Command, Payload: []byte{request.Nack}}}
	case request.CmdPing:
	default:
		if d.busy > 0 {
			d.busy--
			d.pending = &m
			sn := make([]byte, 4)
			binary.LittleEndian.PutUint32(sn, d.SerialNumber)
			return []packet.Message{{Command: request.CmdRetry, Payload: sn}}
		}
		if d.pushes > 0 {
			d.pushes--
			return []packet.Message{{Command: request.CmdGetDeviceStatus, Payload: []byte{0x00, 0x05, 0x00, 0x00, 0x00}}}
		}
	}
	d.pending = nil

	h, ok := d.handlers[m.Command]
	if !ok {
		return []packet.Message{{Command: m.Command, Payload: []byte{request.Nack}}}
	}
	reply, ok := h(m)
	if !ok {
		return nil
	}
	return []packet.Message{reply}
}

func pad(b []byte) []byte {
	out := make([]byte, packet.MaxPacketSize)
	copy(out, b)
	return out
}
