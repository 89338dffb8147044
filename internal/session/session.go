// Package session owns a single open HID connection to the device: its
// toggle bit, the connect handshake and the raw packet send/receive cycle.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seagrayinc/mpcomms/internal/hid"
	"github.com/seagrayinc/mpcomms/internal/packet"
)

const (
	DefaultReadTimeout      = time.Second
	DefaultHandshakeRetries = 10

	reportID      = 0x00
	reportBacklog = 64
)

var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrNotConnected    = errors.New("not connected")
	ErrTimeout         = errors.New("receive timeout")
	ErrDeviceLost      = errors.New("device connection lost")
)

// resetTogglePacket makes the device expect toggle 0 on its next packet.
var resetTogglePacket = []byte{0xFF, 0xFF}

type Config struct {
	VendorID  uint16
	ProductID uint16

	ReadTimeout      time.Duration // Handshake read timeout (default 1s)
	HandshakeRetries int           // Stray packets and timeouts tolerated during connect (default 10)
	SettleDelay      time.Duration // Wait after opening before the ping is sent
	ResetToggle      bool          // Send the toggle reset packet before the handshake

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.HandshakeRetries <= 0 {
		c.HandshakeRetries = DefaultHandshakeRetries
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Session struct {
	dev    hid.Device
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	toggle    packet.Toggle
	connected bool

	reports   chan []byte
	readErr   chan error
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Connect opens the device by VID/PID and performs the ping handshake.
func Connect(ctx context.Context, mgr hid.Manager, cfg Config, ping packet.Message) (*Session, error) {
	dev, err := mgr.OpenVIDPID(cfg.VendorID, cfg.ProductID)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return Open(ctx, dev, cfg, ping)
}

// Open performs the handshake over an already opened device. The device is
// closed if the handshake fails.
func Open(ctx context.Context, dev hid.Device, cfg Config, ping packet.Message) (*Session, error) {
	cfg = cfg.withDefaults()
	s := &Session{
		dev:       dev,
		cfg:       cfg,
		logger:    cfg.Logger,
		connected: true,
		reports:   make(chan []byte, reportBacklog),
		readErr:   make(chan error, 1),
		done:      make(chan struct{}),
	}
	go s.readLoop()

	if err := s.handshake(ctx, ping); err != nil {
		_ = s.Disconnect()
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(ctx context.Context, ping packet.Message) error {
	if s.cfg.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.SettleDelay):
		}
	}

	if n := s.Drain(); n > 0 {
		s.logger.Debug("discarded stale packets before handshake", slog.Int("count", n))
	}

	if s.cfg.ResetToggle {
		if err := s.ResetToggle(); err != nil {
			return err
		}
	}

	packets, err := packet.Encode(ping, s.Toggle())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if len(packets) != 1 {
		return fmt.Errorf("%w: ping spans %d packets", ErrHandshakeFailed, len(packets))
	}

	sent := packets[0].Bytes()
	if err := s.SendPacket(sent); err != nil {
		return err
	}

	// The aux MCU acknowledges first with the ack flag set, then the main MCU
	// echoes the packet unchanged.
	auxAck := append([]byte{sent[0] | packet.AckMask}, sent[1:]...)
	expected, stage := auxAck, "aux"

	for budget := s.cfg.HandshakeRetries; budget > 0; budget-- {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := s.ReceivePacket(s.cfg.ReadTimeout)
		if errors.Is(err, ErrTimeout) {
			s.logger.Debug("handshake read timeout", slog.String("waiting", stage))
			continue
		}
		if err != nil {
			return err
		}

		if !bytes.HasPrefix(raw, expected) {
			s.logger.Warn("discarding stray packet during handshake",
				slog.String("waiting", stage),
				slog.String("packet", packet.HexString(raw)))
			continue
		}

		if stage == "aux" {
			expected, stage = sent, "main"
			continue
		}

		s.FlipToggle()
		s.logger.Info("device connected",
			slog.String("vid", fmt.Sprintf("0x%04X", s.cfg.VendorID)),
			slog.String("pid", fmt.Sprintf("0x%04X", s.cfg.ProductID)))
		return nil
	}

	return fmt.Errorf("%w: no %s acknowledgment after %d reads", ErrHandshakeFailed, stage, s.cfg.HandshakeRetries)
}

func (s *Session) readLoop() {
	for {
		buf := make([]byte, packet.MaxPacketSize)
		n, err := s.dev.Read(buf)
		if err != nil {
			select {
			case <-s.done:
			case s.readErr <- err:
			}
			return
		}
		if n == 0 {
			continue
		}

		select {
		case s.reports <- buf[:n]:
		case <-s.done:
			return
		}
	}
}

// SendPacket writes one link packet, padded to a full report.
func (s *Session) SendPacket(raw []byte) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	if len(raw) > packet.MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", packet.ErrInvalidPacket, len(raw))
	}

	report := make([]byte, 1+packet.MaxPacketSize)
	report[0] = reportID
	copy(report[1:], raw)

	s.writeMu.Lock()
	_, err := s.dev.Write(report)
	s.writeMu.Unlock()
	if err != nil {
		return s.lost(err)
	}

	s.logger.Debug("packet sent", slog.String("packet", packet.HexString(raw)))
	return nil
}

// ReceivePacket waits up to timeout for the next input report. ErrTimeout is
// recoverable; ErrDeviceLost closes the session.
func (s *Session) ReceivePacket(timeout time.Duration) ([]byte, error) {
	if !s.Connected() {
		return nil, ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case raw := <-s.reports:
		s.logger.Debug("packet received", slog.String("packet", packet.HexString(raw)))
		return raw, nil
	case err := <-s.readErr:
		return nil, s.lost(err)
	case <-s.done:
		return nil, ErrNotConnected
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Drain discards every input report already received.
func (s *Session) Drain() int {
	var n int
	for {
		select {
		case <-s.reports:
			n++
		default:
			return n
		}
	}
}

// ResetToggle makes both sides start over from toggle 0.
func (s *Session) ResetToggle() error {
	if err := s.SendPacket(resetTogglePacket); err != nil {
		return err
	}
	s.mu.Lock()
	s.toggle = 0
	s.mu.Unlock()
	return nil
}

func (s *Session) Toggle() packet.Toggle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toggle
}

// FlipToggle is called once per completed round trip.
func (s *Session) FlipToggle() {
	s.mu.Lock()
	s.toggle = s.toggle.Flip()
	s.mu.Unlock()
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Disconnect releases the device. It is safe to call more than once.
func (s *Session) Disconnect() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		close(s.done)
		s.closeErr = s.dev.Close()
	})
	return s.closeErr
}

func (s *Session) lost(err error) error {
	s.logger.Error("device connection lost", slog.Any("error", err))
	_ = s.Disconnect()
	return fmt.Errorf("%w: %w", ErrDeviceLost, err)
}
