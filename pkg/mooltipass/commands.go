package mooltipass

import (
	"context"
	"errors"
	"fmt"

	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/request"
)

var (
	ErrUnexpectedReply = errors.New("unexpected reply")
	ErrNack            = errors.New("device answered nack")
)

// Requester sends one message and returns the reply. *Device and
// *request.Client implement it.
type Requester interface {
	SendAndWait(ctx context.Context, m packet.Message) (packet.Message, error)
}

var (
	_ Requester = (*Device)(nil)
	_ Requester = (*request.Client)(nil)
)

type parserFunc[T any] func(packet.Message) (T, error)

// Command pairs a request message with the parser for its reply.
type Command[T any] struct {
	Message packet.Message
	parse   parserFunc[T]
}

// Send runs c and parses the reply.
func Send[T any](ctx context.Context, r Requester, c Command[T]) (T, error) {
	var zero T
	reply, err := r.SendAndWait(ctx, c.Message)
	if err != nil {
		return zero, err
	}
	if reply.Command != c.Message.Command {
		return zero, fmt.Errorf("%w: command 0x%04x for request 0x%04x", ErrUnexpectedReply, reply.Command, c.Message.Command)
	}
	return c.parse(reply)
}

func needPayload(m packet.Message, n int) error {
	if len(m.Payload) < n {
		return fmt.Errorf("%w: command 0x%04x payload is %d bytes, need %d", ErrUnexpectedReply, m.Command, len(m.Payload), n)
	}
	return nil
}

// parseAck accepts a one byte ack or nack answer.
func parseAck(m packet.Message) (struct{}, error) {
	if err := needPayload(m, 1); err != nil {
		return struct{}{}, err
	}
	switch m.Payload[0] {
	case request.Ack:
		return struct{}{}, nil
	case request.Nack:
		return struct{}{}, ErrNack
	default:
		return struct{}{}, fmt.Errorf("%w: answer byte 0x%02x", ErrUnexpectedReply, m.Payload[0])
	}
}
