// ABOUTME: OrderBuffer reorders physical streams by their sequence index
// ABOUTME: Holds early arrivals until every lower index has been handed out

package stream

import (
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	ErrIndexConsumed  = errors.New("stream: index already consumed")
	ErrIndexDuplicate = errors.New("stream: index already registered")
	ErrAwaitPending   = errors.New("stream: next-reader request already pending")
	ErrBufferNotEmpty = errors.New("stream: buffer still holds readers")
	ErrBufferEnded    = errors.New("stream: buffer ended")
	ErrBufferCanceled = errors.New("stream: buffer canceled")
	ErrBufferFailed   = errors.New("stream: buffer failed")
)

// OrderBuffer hands out entries in strictly increasing index order. It is
// not safe for concurrent use.
type OrderBuffer struct {
	wanted  uint64
	held    *orderedmap.OrderedMap[uint64, Entry]
	waiting func(Entry)
	err     error
}

// NewOrderBuffer creates a buffer expecting index 0 first.
func NewOrderBuffer() *OrderBuffer {
	return &OrderBuffer{held: orderedmap.New[uint64, Entry]()}
}

// Add registers e. It is delivered immediately when a consumer is waiting
// for its index.
func (b *OrderBuffer) Add(e Entry) error {
	if b.err != nil {
		return b.err
	}
	if e.Index < b.wanted {
		return fmt.Errorf("%w: %d", ErrIndexConsumed, e.Index)
	}
	if _, ok := b.held.Get(e.Index); ok {
		return fmt.Errorf("%w: %d", ErrIndexDuplicate, e.Index)
	}
	b.held.Set(e.Index, e)
	b.deliver()
	return nil
}

// AwaitNext registers interest in the next entry in order. Only one request
// may be outstanding.
func (b *OrderBuffer) AwaitNext(deliver func(Entry)) error {
	if b.err != nil {
		return b.err
	}
	if b.waiting != nil {
		return ErrAwaitPending
	}
	b.waiting = deliver
	b.deliver()
	return nil
}

// Next returns the index the buffer delivers next.
func (b *OrderBuffer) Next() uint64 {
	return b.wanted
}

// Held returns the number of entries waiting for their turn.
func (b *OrderBuffer) Held() int {
	return b.held.Len()
}

// StopWaiting withdraws an outstanding AwaitNext request. It reports
// whether one was pending.
func (b *OrderBuffer) StopWaiting() bool {
	pending := b.waiting != nil
	b.waiting = nil
	return pending
}

// End closes the buffer. It fails while entries are held or a consumer is
// still waiting.
func (b *OrderBuffer) End() error {
	if b.err != nil {
		return b.err
	}
	if b.held.Len() > 0 {
		return fmt.Errorf("%w: %d held", ErrBufferNotEmpty, b.held.Len())
	}
	if b.waiting != nil {
		return ErrAwaitPending
	}
	b.err = ErrBufferEnded
	return nil
}

// Cancel drains the buffer, cancelling every held source with reason.
func (b *OrderBuffer) Cancel(reason error) {
	b.terminate(ErrBufferCanceled, reason)
}

// Error drains the buffer, cancelling every held source with err.
func (b *OrderBuffer) Error(err error) {
	b.terminate(ErrBufferFailed, err)
}

func (b *OrderBuffer) terminate(kind, reason error) {
	if b.err != nil {
		return
	}
	if reason == nil {
		reason = kind
	}
	b.err = fmt.Errorf("%w: %w", kind, reason)
	b.waiting = nil
	held := b.held
	b.held = orderedmap.New[uint64, Entry]()
	for pair := held.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.Source.Cancel(reason)
		pair.Value.finish(reason)
	}
}

func (b *OrderBuffer) deliver() {
	if b.waiting == nil {
		return
	}
	e, ok := b.held.Get(b.wanted)
	if !ok {
		return
	}
	b.held.Delete(b.wanted)
	b.wanted++
	fn := b.waiting
	b.waiting = nil
	fn(e)
}
