package spy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Port is one UART line to listen on.
type Port struct {
	Channel Channel
	Reader  io.Reader
}

type Config struct {
	FrameLength int
	Strict      bool
	GateUSBBLE  bool
	QueueSize   int
	Overflow    OverflowPolicy
	Logger      *slog.Logger
}

// Spy reads every port concurrently and hands decoded frames to a single
// consumer in queue order.
type Spy struct {
	cfg    Config
	ports  []Port
	gate   *GateState
	queue  *Queue
	syncs  []*Synchronizer
	logger *slog.Logger
}

func New(cfg Config, ports ...Port) *Spy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Spy{
		cfg:    cfg,
		ports:  ports,
		gate:   &GateState{},
		queue:  NewQueue(cfg.QueueSize, cfg.Overflow),
		logger: cfg.Logger,
	}

	v := Validator{Strict: cfg.Strict}
	if cfg.GateUSBBLE {
		v.Gate = s.gate
	}
	for _, p := range ports {
		s.syncs = append(s.syncs, NewSynchronizer(p.Channel, p.Reader, SyncConfig{
			FrameLength: cfg.FrameLength,
			Validator:   v,
			Logger:      cfg.Logger,
		}))
	}
	return s
}

// Run blocks until every port is exhausted or ctx is canceled. Ports that
// implement io.Closer are closed on cancellation to unblock their readers.
func (s *Spy) Run(ctx context.Context, handle func(Frame)) error {
	stop := context.AfterFunc(ctx, s.closePorts)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	var readers sync.WaitGroup
	for _, sy := range s.syncs {
		sy := sy
		readers.Add(1)
		g.Go(func() error {
			defer readers.Done()
			return s.read(gctx, sy)
		})
	}
	go func() {
		readers.Wait()
		s.queue.Close()
	}()

	g.Go(func() error {
		for {
			f, err := s.queue.Get(gctx)
			if errors.Is(err, ErrQueueClosed) {
				return nil
			}
			if err != nil {
				return err
			}
			handle(f)
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Spy) read(ctx context.Context, sy *Synchronizer) error {
	name := sy.Channel().Name
	for {
		f, err := sy.Next(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			s.logger.Info("channel closed", slog.String("channel", name))
			return nil
		default:
			s.logger.Error("channel read failed", slog.String("channel", name), slog.Any("error", err))
			return nil
		}

		if err := s.queue.Put(ctx, f); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *Spy) closePorts() {
	for _, p := range s.ports {
		if c, ok := p.Reader.(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.logger.Warn("closing port", slog.String("channel", p.Channel.Name), slog.Any("error", err))
			}
		}
	}
}

// ChannelStats pairs a channel with its synchronizer counters.
type ChannelStats struct {
	Channel Channel
	SyncStats
}

func (s *Spy) Stats() []ChannelStats {
	out := make([]ChannelStats, 0, len(s.syncs))
	for _, sy := range s.syncs {
		out = append(out, ChannelStats{Channel: sy.Channel(), SyncStats: sy.Stats()})
	}
	return out
}

// QueueDropped is the number of frames lost to queue overflow.
func (s *Spy) QueueDropped() uint64 { return s.queue.Dropped() }

// Gate exposes the USB/BLE gate state shared by the channels.
func (s *Spy) Gate() *GateState { return s.gate }
