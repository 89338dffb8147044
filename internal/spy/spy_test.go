package spy

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpyRun(t *testing.T) {
	const frameLen = 64

	var mainStream, auxStream []byte
	mainStream = append(mainStream, buildFrame(frameLen, 0xFFFF)...)
	mainStream = append(mainStream, buildFrame(frameLen, uint16(MsgTypeMainMCUCmd), 0, MainMCUCmdAttachUSB)...)
	mainStream = append(mainStream, buildFrame(frameLen, uint16(MsgTypeUSB), 4, 0x0001, 0)...)

	auxStream = append(auxStream, 0xEE, 0xEE)
	auxStream = append(auxStream, buildFrame(frameLen, uint16(MsgTypeAuxMCUEvent), 2, 0x0001)...)
	auxStream = append(auxStream, buildFrame(frameLen, uint16(MsgTypeNiMHCharge), 6, 7, 3500, 0)...)

	s := New(Config{FrameLength: frameLen, QueueSize: 1, Overflow: Block},
		Port{Channel: mainChannel, Reader: bytes.NewReader(mainStream)},
		Port{Channel: auxChannel, Reader: bytes.NewReader(auxStream)},
	)

	var mu sync.Mutex
	got := map[string][]Frame{}
	err := s.Run(context.Background(), func(f Frame) {
		mu.Lock()
		defer mu.Unlock()
		got[f.Channel.Name] = append(got[f.Channel.Name], f)
	})
	require.NoError(t, err)

	require.Len(t, got["MAIN"], 3)
	require.Equal(t, MsgTypeReset, got["MAIN"][0].Type)
	require.Equal(t, "attach usb", got["MAIN"][1].Description())
	require.Equal(t, "pong", got["MAIN"][2].Description())

	require.Len(t, got["AUX"], 2)
	require.True(t, got["AUX"][0].Resynced)
	require.Equal(t, "ble enabled", got["AUX"][0].Description())
	require.IsType(t, NiMHCharge{}, got["AUX"][1].Details)

	stats := s.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, uint64(3), stats[0].Frames)
	require.Equal(t, uint64(2), stats[1].DroppedBytes)
	require.Equal(t, uint64(0), s.QueueDropped())
}

func TestSpyGateDropsEarlyUSBFrames(t *testing.T) {
	const frameLen = 32
	usb := buildFrame(frameLen, uint16(MsgTypeUSB), 0x3344, 0x5566, 0x7788)
	for i := 8; i < frameLen; i++ {
		usb[i] = 0xEE
	}
	stream := append(append([]byte{}, usb...), usb...)

	s := New(Config{FrameLength: frameLen, GateUSBBLE: true},
		Port{Channel: auxChannel, Reader: bytes.NewReader(stream)},
	)

	var frames []Frame
	require.NoError(t, s.Run(context.Background(), func(f Frame) { frames = append(frames, f) }))
	require.Empty(t, frames)
	require.False(t, s.Gate().USB())
	require.Equal(t, uint64(len(stream)-(frameLen-1)), s.Stats()[0].DroppedBytes)
	require.Equal(t, uint64(1), s.Stats()[0].Desyncs)
}

func TestSpyRunStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	s := New(Config{FrameLength: 32}, Port{Channel: auxChannel, Reader: pr})

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan Frame, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(f Frame) { received <- f })
	}()

	_, err := pw.Write(buildFrame(32, uint16(MsgTypeAuxMCUEvent), 0, 0x000A))
	require.NoError(t, err)

	select {
	case f := <-received:
		require.Equal(t, "BLE connected", f.Description())
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("spy did not stop")
	}
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	event, err := Decode(buildFrame(DefaultFrameLength, uint16(MsgTypeAuxMCUEvent), 2, 0x0001))
	require.NoError(t, err)
	event.Channel = auxChannel
	event.Resynced = true
	require.NoError(t, p.Print(event))

	reset, err := Decode(buildFrame(DefaultFrameLength, 0xFFFF))
	require.NoError(t, err)
	reset.Channel = mainChannel
	require.NoError(t, p.Print(reset))

	unknown, err := Decode(buildFrame(DefaultFrameLength, uint16(MsgTypeMainMCUCmd), 0, 0x0042))
	require.NoError(t, err)
	unknown.Channel = mainChannel
	require.NoError(t, p.Print(unknown))

	charge, err := Decode(buildFrame(DefaultFrameLength, uint16(MsgTypeNiMHCharge), 6, 7, 512, 10))
	require.NoError(t, err)
	charge.Channel = auxChannel
	require.NoError(t, p.Print(charge))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Equal(t, []string{
		"<<<<<<< AUX RESYNC DONE >>>>>>>",
		"Aux->Main:        Aux MCU Event - ble enabled",
		"Main->Aux:  comms reset message",
		"Main->Aux:     Main MCU Command - missing command description: 66",
		"Aux->Main:  NiMH Charge Message - details below:",
		detailIndent + "Current status: charging done",
		detailIndent + "Battery voltage: 206mV",
		detailIndent + "Charging current: 4.0mA",
	}, lines)
}

func TestPrinterDetailsOnlyFromAux(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	charge, err := Decode(buildFrame(DefaultFrameLength, uint16(MsgTypeNiMHCharge), 6, 7, 512, 10))
	require.NoError(t, err)
	charge.Channel = mainChannel
	require.NoError(t, p.Print(charge))

	require.Equal(t, "Main->Aux:  NiMH Charge Message\n", buf.String())
}
