package spy

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	auxChannel  = Channel{Name: "AUX", Direction: AuxToMain}
	mainChannel = Channel{Name: "MAIN", Direction: MainToAux}
)

func TestResyncAfterGarbage(t *testing.T) {
	const frameLen = 64
	valid := buildFrame(frameLen, uint16(MsgTypeAuxMCUEvent), 2, 0x0001)

	for _, k := range []int{0, 1, 7, 63, 64, 200} {
		garbage := bytes.Repeat([]byte{0xEE}, k)
		trailing := []byte{0x01, 0x02, 0x03}
		r := bytes.NewReader(append(append(garbage, valid...), trailing...))

		s := NewSynchronizer(auxChannel, r, SyncConfig{FrameLength: frameLen})
		f, err := s.Next(context.Background())
		require.NoError(t, err, "k=%d", k)
		require.True(t, f.Resynced, "k=%d", k)
		require.Equal(t, MsgTypeAuxMCUEvent, f.Type)
		require.Equal(t, valid, f.Raw)
		require.Equal(t, "ble enabled", f.Description())
		require.Equal(t, Synced, s.State())

		// Exactly K+L bytes consumed.
		require.Equal(t, len(trailing), r.Len(), "k=%d", k)

		st := s.Stats()
		require.Equal(t, uint64(k), st.DroppedBytes)
		require.Equal(t, uint64(1), st.Frames)
		require.Equal(t, uint64(k/frameLen), st.Desyncs)

		_, err = s.Next(context.Background())
		require.ErrorIs(t, err, io.EOF)
	}
}

func TestSecondFrameNotResynced(t *testing.T) {
	const frameLen = 32
	a := buildFrame(frameLen, uint16(MsgTypeMainMCUCmd), 0, 0x0002)
	b := buildFrame(frameLen, uint16(MsgTypeBLECmd), 0, 0x0001)

	s := NewSynchronizer(mainChannel, bytes.NewReader(append(a, b...)), SyncConfig{FrameLength: frameLen})
	f, err := s.Next(context.Background())
	require.NoError(t, err)
	require.True(t, f.Resynced)
	require.Equal(t, "attach usb", f.Description())

	f, err = s.Next(context.Background())
	require.NoError(t, err)
	require.False(t, f.Resynced)
	require.Equal(t, "enable bluetooth", f.Description())
	require.Equal(t, uint64(0), s.Stats().Resyncs)
}

func TestInvalidTypeNeverEmitted(t *testing.T) {
	const frameLen = 40
	stream := bytes.Repeat([]byte{0x0C}, 2*frameLen)

	s := NewSynchronizer(auxChannel, bytes.NewReader(stream), SyncConfig{FrameLength: frameLen})
	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)

	st := s.Stats()
	require.Equal(t, uint64(0), st.Frames)
	require.Equal(t, uint64(len(stream)-(frameLen-1)), st.DroppedBytes)
	require.Equal(t, uint64(1), st.Desyncs)
	require.Equal(t, Syncing, s.State())
}

func TestResyncMidStream(t *testing.T) {
	const frameLen = 32
	a := buildFrame(frameLen, uint16(MsgTypeAuxMCUEvent), 0, 0x0005)
	b := buildFrame(frameLen, uint16(MsgTypeAuxMCUEvent), 0, 0x0006)

	stream := append(append(append([]byte{}, a...), 0xEE, 0xEE, 0xEE), b...)
	s := NewSynchronizer(auxChannel, bytes.NewReader(stream), SyncConfig{FrameLength: frameLen})

	f, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "usb enumerated", f.Description())

	f, err = s.Next(context.Background())
	require.NoError(t, err)
	require.True(t, f.Resynced)
	require.Equal(t, "charge done", f.Description())
	require.Equal(t, uint64(1), s.Stats().Resyncs)
	require.Equal(t, uint64(3), s.Stats().DroppedBytes)
}

func TestValidatorStrict(t *testing.T) {
	unknownEvent := buildFrame(16, uint16(MsgTypeAuxMCUEvent), 0, 0x0099)
	fido := buildFrame(16, uint16(MsgTypeFIDO2), 0, 0x0099)
	reset := buildFrame(16, 0xFFFF)

	loose := Validator{}
	strict := Validator{Strict: true}

	assert.True(t, loose.Valid(AuxToMain, unknownEvent))
	assert.False(t, strict.Valid(AuxToMain, unknownEvent))
	assert.True(t, strict.Valid(AuxToMain, fido), "types without a command table are not range checked")
	assert.True(t, strict.Valid(MainToAux, reset))
	assert.False(t, loose.Valid(AuxToMain, []byte{0x05}))
}

func TestValidatorGate(t *testing.T) {
	const frameLen = 32
	gate := &GateState{}
	v := Validator{Gate: gate}

	usb := buildFrame(frameLen, uint16(MsgTypeUSB), 8, 0x0001, 4)
	ble := buildFrame(frameLen, uint16(MsgTypeBLE), 8, 0x0001, 4)
	require.False(t, v.Valid(AuxToMain, usb))
	require.False(t, v.Valid(AuxToMain, ble))

	// Attach seen on the aux line does not count.
	aux := NewSynchronizer(auxChannel, bytes.NewReader(buildFrame(frameLen, uint16(MsgTypeMainMCUCmd), 0, MainMCUCmdAttachUSB)), SyncConfig{FrameLength: frameLen, Validator: v})
	_, err := aux.Next(context.Background())
	require.NoError(t, err)
	require.False(t, gate.USB())

	stream := append(buildFrame(frameLen, uint16(MsgTypeMainMCUCmd), 0, MainMCUCmdAttachUSB), usb...)
	main := NewSynchronizer(mainChannel, bytes.NewReader(stream), SyncConfig{FrameLength: frameLen, Validator: v})
	_, err = main.Next(context.Background())
	require.NoError(t, err)
	require.True(t, gate.USB())
	require.False(t, gate.BLE())

	f, err := main.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, MsgTypeUSB, f.Type)
	require.False(t, f.Resynced)

	require.True(t, v.Valid(AuxToMain, usb))
	require.False(t, v.Valid(AuxToMain, ble))
}

// chunkedReader returns at most n bytes per Read and interleaves timeouts.
type chunkedReader struct {
	r     io.Reader
	n     int
	calls int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	c.calls++
	switch c.calls % 3 {
	case 0:
		return 0, nil
	case 1:
		return 0, os.ErrDeadlineExceeded
	}
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

func TestShortReadsAndTimeouts(t *testing.T) {
	const frameLen = 48
	frame := buildFrame(frameLen, uint16(MsgTypeKeyboardType), 12)
	r := &chunkedReader{r: bytes.NewReader(append([]byte{0xEE, 0xEE}, frame...)), n: 5}

	s := NewSynchronizer(auxChannel, r, SyncConfig{FrameLength: frameLen})
	f, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, MsgTypeKeyboardType, f.Type)
	v, ok := f.Field(FieldTotalPayload)
	require.True(t, ok)
	require.Equal(t, uint16(12), v)
}

func TestNextHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSynchronizer(auxChannel, bytes.NewReader(nil), SyncConfig{})
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, Unsynced, s.State())
}

func TestShortFrameLengthDropsUndecodableDetails(t *testing.T) {
	// Platform details need 54 bytes, a 32 byte frame can never hold them.
	const frameLen = 32
	plat := buildFrame(frameLen, uint16(MsgTypePlatDetails), 50)
	for i := 4; i < frameLen; i++ {
		plat[i] = 0xEE
	}
	stream := append(plat, buildFrame(frameLen, uint16(MsgTypeRNGTransfer), 32)...)

	s := NewSynchronizer(auxChannel, bytes.NewReader(stream), SyncConfig{FrameLength: frameLen})
	f, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, MsgTypeRNGTransfer, f.Type)
	require.Equal(t, uint64(frameLen), s.Stats().DroppedBytes)
}

func TestLastFrameReturnedWithEOF(t *testing.T) {
	const frameLen = 32
	valid := buildFrame(frameLen, uint16(MsgTypeAuxMCUEvent), 2, 0x0001)
	garbage := []byte{0xEE, 0xEE}

	s := NewSynchronizer(auxChannel, iotest.DataErrReader(bytes.NewReader(append(garbage, valid...))), SyncConfig{FrameLength: frameLen})
	f, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, valid, f.Raw)
	require.Equal(t, "ble enabled", f.Description())
	require.Equal(t, uint64(len(garbage)), s.Stats().DroppedBytes)

	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}
