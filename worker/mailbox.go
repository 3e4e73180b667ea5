package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/influxdata/queryrelay"
)

// DefaultMailboxSize is the capacity of a worker mailbox.
const DefaultMailboxSize = 128

// ErrMailboxClosed is returned by Push and Pop once the mailbox is closed.
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is a bounded FIFO of messages waiting for one worker. Push blocks
// while the mailbox is full, which is how backpressure reaches the hub.
type Mailbox struct {
	ch        chan *queryrelay.Message
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMailbox returns a mailbox holding up to size messages. Sizes below 1
// use DefaultMailboxSize.
func NewMailbox(size int) *Mailbox {
	if size < 1 {
		size = DefaultMailboxSize
	}
	return &Mailbox{
		ch:     make(chan *queryrelay.Message, size),
		closed: make(chan struct{}),
	}
}

// Push appends m, blocking while the mailbox is full.
func (b *Mailbox) Push(ctx context.Context, m *queryrelay.Message) error {
	select {
	case <-b.closed:
		return ErrMailboxClosed
	default:
	}

	select {
	case b.ch <- m:
		return nil
	case <-b.closed:
		return ErrMailboxClosed
	case <-ctx.Done():
		return queryrelay.Interrupted("worker.Mailbox.Push", ctx.Err())
	}
}

// Pop removes the oldest message, blocking while the mailbox is empty.
func (b *Mailbox) Pop(ctx context.Context) (*queryrelay.Message, error) {
	select {
	case m := <-b.ch:
		return m, nil
	case <-b.closed:
		return nil, ErrMailboxClosed
	case <-ctx.Done():
		return nil, queryrelay.Interrupted("worker.Mailbox.Pop", ctx.Err())
	}
}

// Close releases every blocked Push and Pop. Messages still queued are
// discarded.
func (b *Mailbox) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Len returns the number of queued messages.
func (b *Mailbox) Len() int { return len(b.ch) }

// Cap returns the mailbox capacity.
func (b *Mailbox) Cap() int { return cap(b.ch) }
