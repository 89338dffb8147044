package spy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// SyncState is the per-channel framing state.
type SyncState int

const (
	Unsynced SyncState = iota
	Syncing
	Synced
)

func (s SyncState) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// GateState remembers whether the main MCU has attached USB or enabled BLE.
// It is shared by every channel of one spy.
type GateState struct {
	usb atomic.Bool
	ble atomic.Bool
}

func (g *GateState) USB() bool { return g.usb.Load() }
func (g *GateState) BLE() bool { return g.ble.Load() }

// Observe opens the gates on the commands that enable USB and BLE traffic.
func (g *GateState) Observe(f Frame) {
	if f.Channel.Direction != MainToAux {
		return
	}
	cmd, ok := f.Command()
	if !ok {
		return
	}
	switch {
	case f.Type == MsgTypeMainMCUCmd && cmd == MainMCUCmdAttachUSB:
		g.usb.Store(true)
	case f.Type == MsgTypeBLECmd && cmd == BLECmdEnable:
		g.ble.Store(true)
	}
}

// Validator decides whether a buffer looks like the start of a frame.
type Validator struct {
	// Strict also requires the command to be a known one, for message types
	// that have a command table in the channel's direction.
	Strict bool
	// Gate, when set, rejects USB and BLE frames until the main MCU has
	// attached USB or enabled BLE.
	Gate *GateState
}

func (v Validator) Valid(dir Direction, buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	t := MessageType(binary.LittleEndian.Uint16(buf[0:2]))
	if !t.Valid() {
		return false
	}
	if t == MsgTypeReset {
		return true
	}
	if v.Gate != nil {
		if t == MsgTypeUSB && !v.Gate.USB() {
			return false
		}
		if t == MsgTypeBLE && !v.Gate.BLE() {
			return false
		}
	}
	if v.Strict && t.HasCommand() && hasCommandTable(dir, t) {
		if len(buf) < t.HeaderLen() {
			return false
		}
		if _, ok := Describe(dir, t, binary.LittleEndian.Uint16(buf[4:6])); !ok {
			return false
		}
	}
	return true
}

type SyncConfig struct {
	FrameLength int // default 560
	Validator   Validator
	Logger      *slog.Logger
}

type SyncStats struct {
	Frames       uint64
	Resyncs      uint64
	DroppedBytes uint64
	Desyncs      uint64 // full frame windows scanned without finding a frame
}

// Synchronizer finds frame boundaries in one UART byte stream. Invalid
// candidates are shifted out one byte at a time until a frame validates.
type Synchronizer struct {
	ch     Channel
	r      io.Reader
	cfg    SyncConfig
	logger *slog.Logger

	buf           []byte
	readErr       error // returned once the buffered bytes run out
	state         atomic.Int32
	resyncPending bool
	dropped       int // bytes dropped since the last frame
	window        int // bytes dropped since the last desync report

	frames       atomic.Uint64
	resyncs      atomic.Uint64
	droppedBytes atomic.Uint64
	desyncs      atomic.Uint64
}

func NewSynchronizer(ch Channel, r io.Reader, cfg SyncConfig) *Synchronizer {
	if cfg.FrameLength <= 0 {
		cfg.FrameLength = DefaultFrameLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Synchronizer{
		ch:     ch,
		r:      r,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("channel", ch.Name)),
		buf:    make([]byte, 0, cfg.FrameLength),
		// The first frame is always a sync acquisition.
		resyncPending: true,
	}
}

func (s *Synchronizer) Channel() Channel { return s.ch }

func (s *Synchronizer) State() SyncState {
	return SyncState(s.state.Load())
}

func (s *Synchronizer) Stats() SyncStats {
	return SyncStats{
		Frames:       s.frames.Load(),
		Resyncs:      s.resyncs.Load(),
		DroppedBytes: s.droppedBytes.Load(),
		Desyncs:      s.desyncs.Load(),
	}
}

// Next blocks until the next valid frame. It never reads past the end of
// that frame. Read errors other than timeouts are returned as is.
func (s *Synchronizer) Next(ctx context.Context) (Frame, error) {
	n := s.cfg.FrameLength
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		if len(s.buf) < n {
			if s.readErr != nil {
				return Frame{}, s.readErr
			}
			got, err := s.r.Read(s.buf[len(s.buf):n])
			s.buf = s.buf[:len(s.buf)+got]
			if err != nil && !isTimeout(err) {
				// Bytes returned alongside the error still count.
				s.readErr = err
			}
			continue
		}

		if !s.cfg.Validator.Valid(s.ch.Direction, s.buf) {
			s.drop()
			continue
		}
		f, err := Decode(s.buf)
		if err != nil {
			s.logger.Debug("frame failed to decode", slog.Any("error", err))
			s.drop()
			continue
		}

		f.Channel = s.ch
		f.Resynced = s.resyncPending
		if s.cfg.Validator.Gate != nil {
			s.cfg.Validator.Gate.Observe(f)
		}

		if s.dropped > 0 {
			s.resyncs.Add(1)
			s.logger.Info("resync done", slog.Int("dropped", s.dropped))
		}
		s.frames.Add(1)
		s.buf = s.buf[:0]
		s.resyncPending = false
		s.dropped = 0
		s.window = 0
		s.state.Store(int32(Synced))
		return f, nil
	}
}

func (s *Synchronizer) drop() {
	if s.dropped == 0 && s.State() == Synced {
		s.logger.Warn("frame sync lost, resync in progress")
	}
	s.logger.Debug("discarding byte to find sync", slog.String("byte", fmt.Sprintf("0x%02X", s.buf[0])))

	copy(s.buf, s.buf[1:])
	s.buf = s.buf[:len(s.buf)-1]
	s.resyncPending = true
	s.state.Store(int32(Syncing))
	s.dropped++
	s.droppedBytes.Add(1)

	s.window++
	if s.window >= s.cfg.FrameLength {
		s.desyncs.Add(1)
		s.window = 0
		s.logger.Warn("desync: no valid frame within window",
			slog.Int("frame_length", s.cfg.FrameLength),
			slog.Int("dropped", s.dropped))
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
