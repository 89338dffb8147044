package spy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const DefaultQueueSize = 1000

var ErrQueueClosed = errors.New("queue closed")

// OverflowPolicy decides what Put does when the queue is full.
type OverflowPolicy int

const (
	// Block makes producers wait for the consumer. No frame is lost, but a
	// slow consumer stalls the UART readers and the OS buffers fill instead.
	Block OverflowPolicy = iota
	// DropOldest evicts the oldest queued frame to make room. Evictions are
	// counted in Dropped.
	DropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop-oldest"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "block":
		return Block, nil
	case "drop-oldest", "drop_oldest":
		return DropOldest, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Queue is a bounded multi-producer single-consumer frame queue.
type Queue struct {
	ch      chan Frame
	policy  OverflowPolicy
	mu      sync.Mutex
	dropped atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
}

func NewQueue(size int, policy OverflowPolicy) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ch:     make(chan Frame, size),
		policy: policy,
		closed: make(chan struct{}),
	}
}

func (q *Queue) Put(ctx context.Context, f Frame) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	if q.policy == DropOldest {
		q.mu.Lock()
		defer q.mu.Unlock()
		for {
			select {
			case q.ch <- f:
				return nil
			default:
			}
			select {
			case <-q.ch:
				q.dropped.Add(1)
			default:
			}
		}
	}

	select {
	case q.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrQueueClosed
	}
}

// Get returns frames in arrival order. Frames queued before Close are still
// delivered.
func (q *Queue) Get(ctx context.Context) (Frame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	default:
	}

	select {
	case f := <-q.ch:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-q.closed:
		select {
		case f := <-q.ch:
			return f, nil
		default:
			return Frame{}, ErrQueueClosed
		}
	}
}

func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

func (q *Queue) Len() int { return len(q.ch) }

// Dropped is the number of frames evicted under DropOldest.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
