// Package mooltipass implements the typed host commands of the Mooltipass
// mini BLE HID protocol on top of internal/request.

package mooltipass

import (
	"context"
	"fmt"

	"github.com/seagrayinc/mpcomms/internal/hid"
	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/request"
	"github.com/seagrayinc/mpcomms/internal/session"
)

const (
	VendorID  uint16 = 0x16D0
	ProductID uint16 = 0x09A0
)

// HandshakePing is the ping used to open a session.
var HandshakePing = packet.Message{Command: request.CmdPing, Payload: []byte{0, 1, 2, 3}}

type Config struct {
	// Backend selects the HID backend. Ignored when Manager is set.
	Backend string
	Manager hid.Manager
	Session session.Config
	Request request.Config
}

// Device is a connected device ready for commands.
type Device struct {
	session *session.Session
	client  *request.Client
}

// Open finds the device, runs the handshake and returns a Device.
func Open(ctx context.Context, cfg Config) (*Device, error) {
	mgr := cfg.Manager
	if mgr == nil {
		var err error
		if mgr, err = hid.NewManager(cfg.Backend); err != nil {
			return nil, err
		}
	}
	if cfg.Session.VendorID == 0 {
		cfg.Session.VendorID = VendorID
	}
	if cfg.Session.ProductID == 0 {
		cfg.Session.ProductID = ProductID
	}

	s, err := session.Connect(ctx, mgr, cfg.Session, HandshakePing)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	return &Device{session: s, client: request.New(s, cfg.Request)}, nil
}

func (d *Device) SendAndWait(ctx context.Context, m packet.Message) (packet.Message, error) {
	return d.client.SendAndWait(ctx, m)
}

// Cancel aborts the request in flight, or tells an idle device to drop
// whatever it is prompting the user for.
func (d *Device) Cancel() error {
	return d.client.Cancel()
}

func (d *Device) Connected() bool {
	return d.session.Connected()
}

func (d *Device) Close() error {
	return d.session.Disconnect()
}
