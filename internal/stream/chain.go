// ABOUTME: Chain drains queued physical streams one at a time into a frame decoder
// ABOUTME: Single active reader; terminal states propagate to sources and decoder

package stream

import (
	"errors"
	"fmt"

	"github.com/2389/parley/internal/fsm"
	"github.com/2389/parley/internal/wire"
)

// ChainState is the lifecycle state of a Chain.
type ChainState string

const (
	ChainIdle     ChainState = "idle"
	ChainReading  ChainState = "reading"
	ChainCanceled ChainState = "canceled"
	ChainErrored  ChainState = "errored"
	ChainEnded    ChainState = "ended"
)

var chainTable = fsm.Table[ChainState]{
	ChainIdle:    {ChainReading, ChainCanceled, ChainErrored, ChainEnded},
	ChainReading: {ChainIdle, ChainCanceled, ChainErrored},
}

var (
	ErrEndWithPending = errors.New("stream: chain ended with undelivered data")
	ErrChainEnded     = errors.New("stream: chain ended")
)

// ChainEvents notifies the owner of a Chain. Canceled and Errored fire at
// most once, and only when the chain was terminated by one of its sources.
type ChainEvents struct {
	NoReaders func()
	Canceled  func(reason error)
	Errored   func(err error)
}

// Chain feeds sources into a decoder strictly one after another. It is not
// safe for concurrent use.
type Chain struct {
	m      *fsm.Machine[ChainState]
	dec    *wire.Decoder
	queue  []Entry
	active *Entry
	events ChainEvents
	err    error
}

// NewChain creates an idle chain feeding dec.
func NewChain(dec *wire.Decoder, events ChainEvents) *Chain {
	return &Chain{
		m:      fsm.New("chain", ChainIdle, chainTable),
		dec:    dec,
		events: events,
	}
}

// State returns the current lifecycle state.
func (c *Chain) State() ChainState {
	return c.m.State()
}

// Err returns the reason the chain was canceled or failed.
func (c *Chain) Err() error {
	return c.err
}

// AddReader queues e behind the active source. An idle chain starts it
// immediately.
func (c *Chain) AddReader(e Entry) error {
	if err := c.m.Guard("AddReader", ChainIdle, ChainReading); err != nil {
		return err
	}
	c.queue = append(c.queue, e)
	if c.active == nil {
		c.advance()
	}
	return nil
}

// Queued returns the number of sources waiting behind the active one.
func (c *Chain) Queued() int {
	return len(c.queue)
}

// AwaitObject requests the next decoded message.
func (c *Chain) AwaitObject(a wire.Await) error {
	if err := c.m.Guard("AwaitObject", ChainIdle, ChainReading); err != nil {
		return err
	}
	return c.dec.AwaitObject(a)
}

// Drained reports whether the chain has no active or queued source and no
// undecoded bytes, i.e. whether End would succeed.
func (c *Chain) Drained() bool {
	return c.m.Is(ChainIdle) && len(c.queue) == 0 && c.dec.Buffered() == 0
}

// End closes an idle, fully drained chain. Ending with sources or bytes
// still pending is a usage error.
func (c *Chain) End() error {
	if err := c.m.Guard("End", ChainIdle, ChainReading); err != nil {
		return err
	}
	if !c.Drained() {
		return fmt.Errorf("%w: %d queued, %d bytes buffered", ErrEndWithPending, len(c.queue), c.dec.Buffered())
	}
	if err := c.m.To(ChainEnded); err != nil {
		return err
	}
	c.dec.Cancel(ErrChainEnded)
	return nil
}

// Cancel abandons every source and the decoder.
func (c *Chain) Cancel(reason error) {
	c.terminate(ChainCanceled, reason, false)
}

// Error fails every source and the decoder.
func (c *Chain) Error(err error) {
	c.terminate(ChainErrored, err, false)
}

func (c *Chain) terminate(to ChainState, reason error, notify bool) {
	if !c.m.Is(ChainIdle, ChainReading) {
		return
	}
	_ = c.m.To(to)
	c.err = reason

	active := c.active
	queue := c.queue
	c.active = nil
	c.queue = nil
	if active != nil {
		active.Source.Cancel(reason)
		active.finish(reason)
	}
	for _, e := range queue {
		e.Source.Cancel(reason)
		e.finish(reason)
	}

	if notify {
		if to == ChainCanceled && c.events.Canceled != nil {
			c.events.Canceled(reason)
		}
		if to == ChainErrored && c.events.Errored != nil {
			c.events.Errored(reason)
		}
	}

	if to == ChainCanceled {
		c.dec.Cancel(reason)
	} else {
		c.dec.Error(reason)
	}
}

func (c *Chain) advance() {
	if len(c.queue) == 0 {
		c.active = nil
		if c.m.Is(ChainReading) {
			_ = c.m.To(ChainIdle)
			if c.events.NoReaders != nil {
				c.events.NoReaders()
			}
		}
		return
	}

	next := c.queue[0]
	c.queue = c.queue[1:]
	cur := &next
	c.active = cur
	if c.m.Is(ChainIdle) {
		_ = c.m.To(ChainReading)
	}

	cur.Source.Start(Handler{
		Data: func(p []byte) {
			if c.active != cur {
				return
			}
			if err := c.dec.AddData(p); err != nil {
				c.terminate(ChainErrored, err, true)
			}
		},
		Done: func() {
			if c.active != cur {
				return
			}
			c.active = nil
			cur.finish(nil)
			c.advance()
		},
		Error: func(err error) {
			if c.active != cur {
				return
			}
			c.terminate(ChainErrored, err, true)
		},
		Cancel: func(reason error) {
			if c.active != cur {
				return
			}
			c.terminate(ChainCanceled, reason, true)
		},
	})
}
