// Package request drives complete message exchanges with the device on top
// of a transport session: encode, transmit, flip the toggle, collect the
// reply, and loop on please-retry answers.
package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/session"
)

// Command identifiers understood by the main MCU.
const (
	CmdPing            uint16 = 0x0001
	CmdRetry           uint16 = 0x0002 // please retry, carries the unit serial number
	CmdPlatformInfo    uint16 = 0x0003
	CmdSetDate         uint16 = 0x0004
	CmdCancelRequest   uint16 = 0x0005
	CmdStoreCredential uint16 = 0x0006
	CmdGetCredential   uint16 = 0x0007
	CmdGet32BRandom    uint16 = 0x0008
	CmdStartMMM        uint16 = 0x0009
	CmdLockDevice      uint16 = 0x0010
	CmdGetDeviceStatus uint16 = 0x0011
)

// One byte answers.
const (
	Nack          byte = 0x00
	Ack           byte = 0x01
	NotApplicable byte = 0x02
)

const (
	DefaultReplyTimeout      = 2 * time.Second
	DefaultReplyPacketBudget = 64
	DefaultReplyTimeouts     = 3
	DefaultMaxRetries        = 50
	DefaultRetryDelay        = 100 * time.Millisecond

	cancelReplyTimeout = 500 * time.Millisecond
)

var (
	ErrReplyTimeout = errors.New("reply timeout")
	ErrDeviceBusy   = errors.New("device busy")
	ErrCanceled     = errors.New("request canceled")
)

// Transport is the subset of a session the protocol needs.
type Transport interface {
	SendPacket(raw []byte) error
	ReceivePacket(timeout time.Duration) ([]byte, error)
	Drain() int
	Toggle() packet.Toggle
	FlipToggle()
}

var _ Transport = (*session.Session)(nil)

type Config struct {
	ReplyTimeout      time.Duration // Per packet read timeout (default 2s)
	ReplyPacketBudget int           // Packets read before giving up on a reply (default 64)
	ReplyTimeouts     int           // Read timeouts tolerated per reply (default 3)
	MaxRetries        int           // Please-retry answers tolerated per request (default 50)
	RetryDelay        time.Duration // Wait before re-sending after please-retry (default 100ms)

	// OnStatus receives device status messages pushed while another request
	// was in flight.
	OnStatus func(packet.Message)

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.ReplyPacketBudget <= 0 {
		c.ReplyPacketBudget = DefaultReplyPacketBudget
	}
	if c.ReplyTimeouts <= 0 {
		c.ReplyTimeouts = DefaultReplyTimeouts
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client serializes requests over one transport. Only one request is in
// flight at a time.
type Client struct {
	t      Transport
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	inFlight atomic.Bool
	cancel   chan struct{}
}

func New(t Transport, cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		t:      t,
		cfg:    cfg,
		logger: cfg.Logger,
		cancel: make(chan struct{}, 1),
	}
}

// SendAndWait sends m and returns the device's answer. Please-retry answers
// and pushed status messages are handled here by re-sending m.
func (c *Client) SendAndWait(ctx context.Context, m packet.Message) (packet.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight.Store(true)
	defer c.inFlight.Store(false)

	// A cancel aimed at an earlier request must not hit this one.
	select {
	case <-c.cancel:
	default:
	}

	if err := ctx.Err(); err != nil {
		return packet.Message{}, err
	}

	for attempt := 0; ; attempt++ {
		reply, err := c.exchange(m)
		if err != nil {
			if errors.Is(err, ErrReplyTimeout) && c.cancelPending() {
				if cerr := c.sendCancel(); cerr != nil {
					return packet.Message{}, cerr
				}
				return packet.Message{}, fmt.Errorf("%w: %w", ErrCanceled, err)
			}
			return packet.Message{}, err
		}

		switch {
		case reply.Command == CmdRetry:
			c.logger.Debug("device asked to retry",
				slog.String("command", fmt.Sprintf("0x%04X", m.Command)),
				slog.Int("attempt", attempt+1))

		case reply.Command == CmdGetDeviceStatus && m.Command != CmdGetDeviceStatus:
			c.logger.Debug("device pushed status while busy", slog.String("payload", packet.HexString(reply.Payload)))
			if c.cfg.OnStatus != nil {
				c.cfg.OnStatus(reply)
			}

		default:
			return reply, nil
		}

		if attempt+1 >= c.cfg.MaxRetries {
			c.logger.Warn("retry budget exhausted", slog.Int("retries", attempt+1))
			return packet.Message{}, fmt.Errorf("%w: %d retries for command 0x%04X", ErrDeviceBusy, attempt+1, m.Command)
		}

		if err := c.waitRetry(ctx); err != nil {
			return packet.Message{}, err
		}
	}
}

// waitRetry sleeps for the retry delay unless the request is canceled, in
// which case the device is told to drop it.
func (c *Client) waitRetry(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.RetryDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-c.cancel:
		if err := c.sendCancel(); err != nil {
			return err
		}
		return ErrCanceled
	case <-ctx.Done():
		if err := c.sendCancel(); err != nil {
			c.logger.Warn("cancel request failed", slog.Any("error", err))
		}
		return ctx.Err()
	}
}

func (c *Client) cancelPending() bool {
	select {
	case <-c.cancel:
		return true
	default:
		return false
	}
}

// Cancel aborts a request stuck in a please-retry cycle. The request returns
// ErrCanceled at its next retry, or once a re-sent request goes unanswered.
// With nothing in flight the cancel request is
// sent straight away.
func (c *Client) Cancel() error {
	if c.inFlight.Load() {
		select {
		case c.cancel <- struct{}{}:
		default:
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCancel()
}

// sendCancel must be called with c.mu held.
func (c *Client) sendCancel() error {
	packets, err := packet.Encode(packet.Message{Command: CmdCancelRequest}, c.t.Toggle())
	if err != nil {
		return err
	}
	c.t.Drain()
	for _, p := range packets {
		if err := c.t.SendPacket(p.Bytes()); err != nil {
			return err
		}
	}
	c.t.FlipToggle()

	// The device may answer the canceled request. Anything still in flight
	// is discarded by the next exchange.
	for {
		raw, err := c.t.ReceivePacket(cancelReplyTimeout)
		if errors.Is(err, session.ErrTimeout) {
			break
		}
		if err != nil {
			return err
		}
		lp, err := packet.ParseLinkPacket(raw)
		if err != nil || lp.Ack() {
			continue
		}
		c.logger.Debug("reply after cancel", slog.String("packet", packet.HexString(raw)))
		break
	}

	c.logger.Info("request canceled")
	return nil
}

// exchange performs one request/reply round trip.
func (c *Client) exchange(m packet.Message) (packet.Message, error) {
	packets, err := packet.Encode(m, c.t.Toggle())
	if err != nil {
		return packet.Message{}, err
	}

	if n := c.t.Drain(); n > 0 {
		c.logger.Debug("discarded stale packets", slog.Int("count", n))
	}

	for _, p := range packets {
		if err := c.t.SendPacket(p.Bytes()); err != nil {
			return packet.Message{}, err
		}
	}
	c.t.FlipToggle()

	var asm packet.Reassembler
	timeouts := 0
	for received := 0; received < c.cfg.ReplyPacketBudget; {
		raw, err := c.t.ReceivePacket(c.cfg.ReplyTimeout)
		if errors.Is(err, session.ErrTimeout) {
			timeouts++
			if timeouts >= c.cfg.ReplyTimeouts {
				return packet.Message{}, fmt.Errorf("%w: no reply to command 0x%04X after %d timeouts", ErrReplyTimeout, m.Command, timeouts)
			}
			continue
		}
		if err != nil {
			return packet.Message{}, err
		}
		received++

		lp, err := packet.ParseLinkPacket(raw)
		if err != nil {
			c.logger.Warn("discarding invalid packet", slog.Any("error", err), slog.String("packet", packet.HexString(raw)))
			continue
		}
		if lp.Ack() {
			continue
		}

		done, err := asm.Add(lp)
		if err != nil {
			// Leftovers of an earlier reply. A packet with index 0 starts
			// the reply over, anything else is dropped.
			c.logger.Warn("discarding stray reply packet", slog.Any("error", err), slog.String("packet", packet.HexString(raw)))
			asm.Reset()
			if lp.Index() != 0 {
				continue
			}
			if done, err = asm.Add(lp); err != nil {
				asm.Reset()
				continue
			}
		}
		if done {
			return asm.Message()
		}
	}

	return packet.Message{}, fmt.Errorf("%w: reply to command 0x%04X exceeded %d packets", ErrReplyTimeout, m.Command, c.cfg.ReplyPacketBudget)
}
