package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"portalview.ai/internal/sim/zone"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("slow consumer")
)

// Conn is the tick-side half of a client connection. Send never blocks: a
// client that falls a full queue behind is disconnected.
type Conn struct {
	out     chan []byte
	mailbox *zone.Mailbox
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Bool
}

func NewConn(queue int) *Conn {
	return &Conn{
		out:     make(chan []byte, queue),
		mailbox: zone.NewMailbox(),
		done:    make(chan struct{}),
	}
}

func (c *Conn) Send(msg any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	b, ok := msg.([]byte)
	if !ok {
		var err error
		if b, err = json.Marshal(msg); err != nil {
			return err
		}
	}
	select {
	case c.out <- b:
		return nil
	default:
		c.dropped.Store(true)
		c.Close()
		return ErrSlowConsumer
	}
}

// Flush sends what the primary agent's zone buffered since the last flush.
func (c *Conn) Flush() error {
	for _, b := range c.mailbox.Drain() {
		if err := c.Send(b); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) Pending() int { return c.mailbox.Len() }

func (c *Conn) Open() bool { return !c.closed.Load() }

func (c *Conn) Mailbox() *zone.Mailbox { return c.mailbox }

func (c *Conn) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		c.mailbox.Close()
		close(c.done)
	})
}

// Done is closed once the connection is closed from either side.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SlowConsumer reports whether the connection was dropped for falling behind.
func (c *Conn) SlowConsumer() bool { return c.dropped.Load() }

func (c *Conn) Outbound() <-chan []byte { return c.out }
