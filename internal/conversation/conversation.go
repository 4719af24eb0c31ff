// ABOUTME: Conversation owns one frame writer and one stream chain and runs the lifecycle
// ABOUTME: Routes decoded messages to one-shot handlers by correlation id

package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/fsm"
	"github.com/2389/parley/internal/stream"
	"github.com/2389/parley/internal/wire"
)

// State is the lifecycle state of a Conversation.
type State string

const (
	StateInit     State = "init"
	StateUnderway State = "underway"
	StateEnded    State = "ended"
	StateErrored  State = "errored"
	StateCanceled State = "canceled"
)

var stateTable = fsm.Table[State]{
	StateInit:     {StateUnderway, StateEnded, StateErrored, StateCanceled},
	StateUnderway: {StateEnded, StateErrored, StateCanceled},
}

const (
	// maxParked bounds the unclaimed messages held for a later Await.
	maxParked = 32
	// Released correlation ids are remembered this long so late traffic
	// for a finished exchange is dropped instead of parked.
	retiredTTL      = time.Minute
	retiredCapacity = 256
)

var (
	ErrConversationEnded    = errors.New("conversation: ended")
	ErrConversationCanceled = errors.New("conversation: canceled")
	ErrHandlerExists        = errors.New("conversation: handler already registered")
	ErrUndeliveredData      = errors.New("conversation: undelivered data on end")
)

// Receiver gets exactly one callback: Message with the routed message, or
// Closed with the reason the conversation terminated first.
type Receiver struct {
	Message func(m wire.Message)
	Closed  func(err error)
}

func (r Receiver) close(err error) {
	if r.Closed != nil {
		r.Closed(err)
	}
}

// Events reports the conversation's terminal transition. Exactly one of
// them fires, once.
type Events struct {
	Ended    func()
	Errored  func(err *wire.ProtocolError)
	Canceled func(reason error)
}

// Options configures a Conversation.
type Options struct {
	// ID is the conversation id; a UUID is generated when empty.
	ID            string
	MaxFrameBytes uint32
	Logger        *slog.Logger
	Events        Events
	// OnClose runs after the terminal transition and its event.
	OnClose func(c *Conversation)
}

// Conversation is one correlated exchange spanning several physical
// streams. It is not safe for concurrent use; see Loop and Registry for
// serialized access.
type Conversation struct {
	id       string
	m        *fsm.Machine[State]
	writer   *Writer
	chain    *stream.Chain
	order    *stream.OrderBuffer
	handlers *orderedmap.OrderedMap[string, Receiver]
	awaits   []Receiver
	parked   []wire.Message
	retired  *dedupe.Cache
	reading  bool
	routing  bool
	err      error
	events   Events
	onClose  func(*Conversation)
	logger   *slog.Logger
}

// New creates a conversation from its originating (index 0) stream. Frames
// written by the conversation go to sink.
func New(first stream.Source, sink Sink, opts Options) *Conversation {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conversation{
		id:       id,
		m:        fsm.New("conversation", StateInit, stateTable),
		order:    stream.NewOrderBuffer(),
		handlers: orderedmap.New[string, Receiver](),
		retired:  dedupe.New(retiredTTL, retiredCapacity, 0),
		events:   opts.Events,
		onClose:  opts.OnClose,
		logger:   logger.With("component", "conversation", "conversation_id", id),
	}
	c.writer = NewWriter(sink, WriterEvents{
		EndRequested: func() { _ = c.End() },
		Failed: func(err error) {
			c.Error(wire.Internal("writing frame: %v", err))
		},
	})
	c.chain = stream.NewChain(wire.NewDecoder(opts.MaxFrameBytes), stream.ChainEvents{
		NoReaders: func() {
			c.logger.Debug("all streams drained", "next_index", c.order.Next())
		},
		Canceled: func(reason error) { c.Cancel(reason) },
		Errored: func(err error) {
			if errors.Is(err, wire.ErrMalformedFrame) {
				c.Error(wire.BadRequest("%v", err))
				return
			}
			c.Error(wire.Internal("reading stream: %v", err))
		},
	})

	c.pullStreams()
	// Index 0 is always the first entry of a fresh buffer.
	_ = c.order.Add(stream.Entry{Index: 0, Source: first})
	return c
}

// ID returns the conversation id.
func (c *Conversation) ID() string {
	return c.id
}

// State returns the lifecycle state.
func (c *Conversation) State() State {
	return c.m.State()
}

// Live reports whether the conversation has not terminated.
func (c *Conversation) Live() bool {
	return c.m.Is(StateInit, StateUnderway)
}

// Err returns the terminal reason: ErrConversationEnded, the cancel reason
// or the *wire.ProtocolError that failed the conversation.
func (c *Conversation) Err() error {
	return c.err
}

// Logger returns the conversation scoped logger.
func (c *Conversation) Logger() *slog.Logger {
	return c.logger
}

// AddStream routes a further physical stream into the conversation. Its
// bytes are read once every lower index has been drained.
func (c *Conversation) AddStream(e stream.Entry) error {
	if err := c.m.Guard("AddStream", StateInit, StateUnderway); err != nil {
		return err
	}
	if err := c.order.Add(e); err != nil {
		return err
	}
	if e.Index > 0 && c.m.Is(StateInit) {
		_ = c.m.To(StateUnderway)
	}
	return nil
}

// Writer returns the conversation's frame writer.
func (c *Conversation) Writer() (*Writer, error) {
	if err := c.m.Guard("Writer", StateInit, StateUnderway); err != nil {
		return nil, err
	}
	return c.writer, nil
}

// Write sends m through the conversation's writer.
func (c *Conversation) Write(m wire.Message) (bool, error) {
	w, err := c.Writer()
	if err != nil {
		return false, err
	}
	return w.Write(m)
}

// Await queues r for the next decoded message that no handler claims.
// Requests are served one at a time in the order they were made.
func (c *Conversation) Await(r Receiver) error {
	if err := c.m.Guard("Await", StateInit, StateUnderway); err != nil {
		return err
	}
	if len(c.parked) > 0 && len(c.awaits) == 0 {
		m := c.parked[0]
		c.parked = c.parked[1:]
		c.route(func() { r.Message(m) })
		return nil
	}
	c.awaits = append(c.awaits, r)
	c.read()
	return nil
}

// Expect registers a one-shot handler for the next message carrying id.
// The handler is removed before it runs; exchanges re-arm it when they
// expect more.
func (c *Conversation) Expect(id string, r Receiver) error {
	if err := c.m.Guard("Expect", StateInit, StateUnderway); err != nil {
		return err
	}
	if _, ok := c.handlers.Get(id); ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, id)
	}
	c.handlers.Set(id, r)
	c.retired.Forget(id)
	c.read()
	return nil
}

// Release removes the handler for id without invoking it. Messages for id
// that arrive afterwards are dropped for a while rather than handed to Await.
func (c *Conversation) Release(id string) bool {
	_, ok := c.handlers.Delete(id)
	c.retired.Mark(id)
	return ok
}

// Expecting reports whether a handler is registered for id.
func (c *Conversation) Expecting(id string) bool {
	_, ok := c.handlers.Get(id)
	return ok
}

// End completes the conversation gracefully. Ending while streams or bytes
// are still undelivered fails the conversation instead.
func (c *Conversation) End() error {
	if !c.Live() {
		return nil
	}
	if !c.chain.Drained() || c.order.Held() > 0 {
		err := fmt.Errorf("%w: %d streams queued, %d held", ErrUndeliveredData, c.chain.Queued(), c.order.Held())
		c.Error(wire.Internal("%v", err))
		return err
	}

	_ = c.m.To(StateEnded)
	c.err = ErrConversationEnded
	c.logger.Debug("conversation ended")

	// pullStreams always leaves a request outstanding on the buffer.
	c.order.StopWaiting()
	_ = c.order.End()
	_ = c.chain.End()
	c.writer.End()
	c.closeReceivers(ErrConversationEnded)
	if c.events.Ended != nil {
		c.events.Ended()
	}
	c.closed()
	return nil
}

// Error fails the conversation. The error is written to the peer while the
// writer is still open.
func (c *Conversation) Error(err error) {
	if !c.Live() {
		return
	}
	perr := wire.FromError(err)
	if perr == nil {
		perr = wire.Internal("conversation failed")
	}

	_ = c.m.To(StateErrored)
	c.err = perr
	c.logger.Warn("conversation errored", "code", perr.Code.String(), "reason", perr.Reason)

	if c.writer.Open() {
		if _, werr := c.writer.Write(perr.ToMessage(c.id, "")); werr != nil {
			c.logger.Debug("could not deliver error frame", "error", werr)
		}
		c.writer.Error(perr)
	}
	c.order.Error(perr)
	c.chain.Error(perr)
	c.closeReceivers(perr)
	if c.events.Errored != nil {
		c.events.Errored(perr)
	}
	c.closed()
}

// Cancel abandons the conversation locally without notifying the peer.
func (c *Conversation) Cancel(reason error) {
	if !c.Live() {
		return
	}
	if reason == nil {
		reason = ErrConversationCanceled
	}

	_ = c.m.To(StateCanceled)
	c.err = reason
	c.logger.Debug("conversation canceled", "reason", reason)

	c.writer.Cancel(reason)
	c.order.Cancel(reason)
	c.chain.Cancel(reason)
	if errors.Is(reason, ErrConversationCanceled) {
		c.closeReceivers(reason)
	} else {
		c.closeReceivers(fmt.Errorf("%w: %w", ErrConversationCanceled, reason))
	}
	if c.events.Canceled != nil {
		c.events.Canceled(reason)
	}
	c.closed()
}

func (c *Conversation) closed() {
	c.retired.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
}

func (c *Conversation) closeReceivers(err error) {
	awaits := c.awaits
	handlers := c.handlers
	c.awaits = nil
	c.parked = nil
	c.handlers = orderedmap.New[string, Receiver]()

	for _, r := range awaits {
		r.close(err)
	}
	for pair := handlers.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.close(err)
	}
}

// pullStreams moves ordered streams from the buffer into the chain.
func (c *Conversation) pullStreams() {
	_ = c.order.AwaitNext(func(e stream.Entry) {
		if err := c.chain.AddReader(e); err != nil {
			e.Source.Cancel(err)
			if e.Done != nil {
				e.Done(err)
			}
			return
		}
		c.pullStreams()
	})
}

// route runs a delivery with reads deferred, so a handler that re-arms
// itself cannot receive the next message before it has returned.
func (c *Conversation) route(deliver func()) {
	if c.routing {
		deliver()
		return
	}
	c.routing = true
	deliver()
	c.routing = false
	c.read()
}

// read keeps one decode request outstanding while someone wants messages.
func (c *Conversation) read() {
	if c.reading || c.routing || !c.Live() {
		return
	}
	if len(c.awaits) == 0 && c.handlers.Len() == 0 {
		return
	}
	c.reading = true
	err := c.chain.AwaitObject(wire.Await{
		Object: func(m wire.Message) {
			c.reading = false
			c.route(func() { c.dispatch(m) })
		},
		Failed: func(err error) {
			c.reading = false
			c.readFailed(err)
		},
	})
	if err != nil {
		c.reading = false
		c.readFailed(err)
	}
}

func (c *Conversation) readFailed(err error) {
	switch {
	case !c.Live():
	case errors.Is(err, wire.ErrMalformedFrame):
		c.Error(wire.BadRequest("%v", err))
	case errors.Is(err, wire.ErrDecoderCanceled):
		c.Cancel(err)
	default:
		c.Error(wire.Internal("%v", err))
	}
}

func (c *Conversation) dispatch(m wire.Message) {
	if m.Type == wire.TypeListening {
		c.logger.Debug("peer listening", "id", m.ID)
		return
	}
	if r, ok := c.handlers.Get(m.ID); ok {
		c.handlers.Delete(m.ID)
		r.Message(m)
		return
	}
	if c.retired.Check(m.ID) {
		c.logger.Debug("dropping message for released id", "type", m.Type, "id", m.ID)
		return
	}
	if len(c.awaits) > 0 {
		r := c.awaits[0]
		c.awaits = c.awaits[1:]
		r.Message(m)
		return
	}
	if len(c.parked) == maxParked {
		c.logger.Warn("dropping unclaimed message", "type", c.parked[0].Type, "id", c.parked[0].ID)
		c.parked = c.parked[1:]
	}
	c.parked = append(c.parked, m)
}
