package mooltipass_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seagrayinc/mpcomms/internal/devsim"
	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/request"
	"github.com/seagrayinc/mpcomms/internal/session"
	"github.com/seagrayinc/mpcomms/pkg/mooltipass"
)

func open(t *testing.T, d *devsim.Device, rc request.Config) *mooltipass.Device {
	t.Helper()
	rc.ReplyTimeout = 200 * time.Millisecond
	rc.RetryDelay = time.Millisecond
	dev, err := mooltipass.Open(context.Background(), mooltipass.Config{
		Manager: d.Manager(),
		Session: session.Config{ReadTimeout: 50 * time.Millisecond},
		Request: rc,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func platformInfoPayload() []byte {
	b := make([]byte, 20)
	binary.LittleEndian.PutUint16(b[0:], 1)
	binary.LittleEndian.PutUint16(b[2:], 3)
	binary.LittleEndian.PutUint16(b[4:], 2)
	binary.LittleEndian.PutUint16(b[6:], 7)
	binary.LittleEndian.PutUint32(b[8:], 123456)
	binary.LittleEndian.PutUint16(b[12:], 0x18)
	binary.LittleEndian.PutUint16(b[14:], 4)
	binary.LittleEndian.PutUint32(b[16:], 99)
	return b
}

func TestOpenUsesHandshakePing(t *testing.T) {
	d := devsim.New()
	dev := open(t, d, request.Config{})
	require.True(t, dev.Connected())

	reqs := d.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, mooltipass.HandshakePing, reqs[0].Message)

	require.NoError(t, dev.Close())
	assert.False(t, dev.Connected())
}

func TestPing(t *testing.T) {
	dev := open(t, devsim.New(), request.Config{})
	_, err := mooltipass.Send(context.Background(), dev, mooltipass.Ping([]byte("hello")))
	require.NoError(t, err)
}

func TestPingBadEcho(t *testing.T) {
	d := devsim.New()
	d.Handle(request.CmdPing, func(req packet.Message) (packet.Message, bool) {
		if bytes.Equal(req.Payload, mooltipass.HandshakePing.Payload) {
			return req, true
		}
		return packet.Message{Command: req.Command, Payload: []byte{0xFF}}, true
	})
	dev := open(t, d, request.Config{})

	_, err := mooltipass.Send(context.Background(), dev, mooltipass.Ping([]byte{1, 2}))
	require.ErrorIs(t, err, mooltipass.ErrUnexpectedReply)
}

func TestGetPlatformInfo(t *testing.T) {
	d := devsim.New()
	d.Handle(request.CmdPlatformInfo, func(req packet.Message) (packet.Message, bool) {
		return packet.Message{Command: req.Command, Payload: platformInfoPayload()}, true
	})
	dev := open(t, d, request.Config{})

	info, err := mooltipass.Send(context.Background(), dev, mooltipass.GetPlatformInfo())
	require.NoError(t, err)
	assert.Equal(t, mooltipass.PlatformInfo{
		MainMajor:     1,
		MainMinor:     3,
		AuxMajor:      2,
		AuxMinor:      7,
		SerialNumber:  123456,
		MemorySize:    0x18,
		BundleVersion: 4,
	}, info)
	assert.Equal(t, "main fw v1.3, aux fw v2.7, serial 123456, memory 0x18, bundle 4", info.String())
}

func TestGetPlatformInfoShortPayload(t *testing.T) {
	d := devsim.New()
	d.Handle(request.CmdPlatformInfo, func(req packet.Message) (packet.Message, bool) {
		return packet.Message{Command: req.Command, Payload: []byte{1, 0, 3, 0}}, true
	})
	dev := open(t, d, request.Config{})

	_, err := mooltipass.Send(context.Background(), dev, mooltipass.GetPlatformInfo())
	require.ErrorIs(t, err, mooltipass.ErrUnexpectedReply)
}

func TestGetDeviceStatus(t *testing.T) {
	d := devsim.New()
	d.Handle(request.CmdGetDeviceStatus, func(req packet.Message) (packet.Message, bool) {
		return packet.Message{Command: req.Command, Payload: []byte{0x25, 80, 0x03, 0x01, 0x01}}, true
	})
	dev := open(t, d, request.Config{})

	st, err := mooltipass.Send(context.Background(), dev, mooltipass.GetDeviceStatus())
	require.NoError(t, err)
	assert.Equal(t, 80, st.BatteryPercent)
	assert.Equal(t, uint16(0x0103), st.SecurityPreferences)
	assert.True(t, st.SettingsChanged)
	assert.True(t, st.CardInserted())
	assert.True(t, st.Unlocked())
	assert.True(t, st.NoBundle())
	assert.False(t, st.UnknownCard())
	assert.False(t, st.ManagementMode())
}

func TestParseDeviceStatus(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    mooltipass.DeviceStatus
		wantErr bool
	}{
		{"four bytes", []byte{0x10, 50, 0, 0}, mooltipass.DeviceStatus{Flags: 0x10, BatteryPercent: 50}, false},
		{"five bytes", []byte{0x00, 100, 0x02, 0x00, 0x00}, mooltipass.DeviceStatus{BatteryPercent: 100, SecurityPreferences: 2}, false},
		{"short", []byte{0x00, 100}, mooltipass.DeviceStatus{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mooltipass.ParseDeviceStatus(packet.Message{Command: request.CmdGetDeviceStatus, Payload: tt.payload})
			if tt.wantErr {
				require.ErrorIs(t, err, mooltipass.ErrUnexpectedReply)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGet32BRandom(t *testing.T) {
	d := devsim.New()
	d.Handle(request.CmdGet32BRandom, func(req packet.Message) (packet.Message, bool) {
		b := make([]byte, 32)
		for i := range b {
			b[i] = byte(i)
		}
		return packet.Message{Command: req.Command, Payload: b}, true
	})
	dev := open(t, d, request.Config{})

	rnd, err := mooltipass.Send(context.Background(), dev, mooltipass.Get32BRandom())
	require.NoError(t, err)
	assert.Equal(t, byte(0), rnd[0])
	assert.Equal(t, byte(31), rnd[31])
}

func TestSetDate(t *testing.T) {
	d := devsim.New()
	d.Handle(request.CmdSetDate, func(req packet.Message) (packet.Message, bool) {
		if len(req.Payload) != 12 {
			return packet.Message{Command: req.Command, Payload: []byte{request.Nack}}, true
		}
		return packet.Message{Command: req.Command, Payload: []byte{request.Ack}}, true
	})
	dev := open(t, d, request.Config{})

	when := time.Date(2026, time.October, 19, 13, 45, 7, 0, time.UTC)
	_, err := mooltipass.Send(context.Background(), dev, mooltipass.SetDate(when))
	require.NoError(t, err)

	reqs := d.Requests()
	last := reqs[len(reqs)-1].Message
	require.Equal(t, request.CmdSetDate, last.Command)
	assert.Equal(t, []byte{0xEA, 0x07, 10, 0, 19, 0, 13, 0, 45, 0, 7, 0}, last.Payload)
}

func TestSetDateNack(t *testing.T) {
	d := devsim.New()
	d.Handle(request.CmdSetDate, func(req packet.Message) (packet.Message, bool) {
		return packet.Message{Command: req.Command, Payload: []byte{request.Nack}}, true
	})
	dev := open(t, d, request.Config{})

	_, err := mooltipass.Send(context.Background(), dev, mooltipass.SetDate(time.Now()))
	require.ErrorIs(t, err, mooltipass.ErrNack)
}

func TestUnhandledCommandIsUnexpected(t *testing.T) {
	dev := open(t, devsim.New(), request.Config{})

	// The simulator answers a one byte nack to commands it has no handler for.
	_, err := mooltipass.Send(context.Background(), dev, mooltipass.GetPlatformInfo())
	require.ErrorIs(t, err, mooltipass.ErrUnexpectedReply)
}

func TestReplyForOtherCommand(t *testing.T) {
	d := devsim.New()
	d.Handle(request.CmdGet32BRandom, func(req packet.Message) (packet.Message, bool) {
		return packet.Message{Command: request.CmdLockDevice, Payload: make([]byte, 32)}, true
	})
	dev := open(t, d, request.Config{})

	_, err := mooltipass.Send(context.Background(), dev, mooltipass.Get32BRandom())
	require.ErrorIs(t, err, mooltipass.ErrUnexpectedReply)
}

func TestStatusPushIsDecodedAndRequestRetried(t *testing.T) {
	d := devsim.New()
	d.Handle(request.CmdGet32BRandom, func(req packet.Message) (packet.Message, bool) {
		return packet.Message{Command: req.Command, Payload: make([]byte, 32)}, true
	})
	d.PushStatus(1)

	var pushed []mooltipass.DeviceStatus
	dev := open(t, d, request.Config{OnStatus: func(m packet.Message) {
		st, err := mooltipass.ParseDeviceStatus(m)
		if err == nil {
			pushed = append(pushed, st)
		}
	}})

	_, err := mooltipass.Send(context.Background(), dev, mooltipass.Get32BRandom())
	require.NoError(t, err)
	require.Len(t, pushed, 1)
	assert.Equal(t, 5, pushed[0].BatteryPercent)
}

func TestBusyDevice(t *testing.T) {
	d := devsim.New()
	d.Handle(request.CmdGet32BRandom, func(req packet.Message) (packet.Message, bool) {
		return packet.Message{Command: req.Command, Payload: make([]byte, 32)}, true
	})
	d.SetBusy(3)
	dev := open(t, d, request.Config{MaxRetries: 2})

	_, err := mooltipass.Send(context.Background(), dev, mooltipass.Get32BRandom())
	require.ErrorIs(t, err, request.ErrDeviceBusy)
}

func TestCancelIdle(t *testing.T) {
	d := devsim.New()
	dev := open(t, d, request.Config{})
	require.NoError(t, dev.Cancel())
	assert.Equal(t, 1, d.Cancels())
}
