// ABOUTME: Registry of live conversations keyed by id, each driven by its own Loop
// ABOUTME: Routes later physical streams by conversation id and stream index

package conversation

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/stream"
)

var (
	ErrUnknownConversation   = errors.New("conversation: unknown conversation")
	ErrConversationClosed    = errors.New("conversation: conversation closed")
	ErrInvalidIndex          = errors.New("conversation: index 0 is reserved for the originating stream")
	ErrRegistryClosed        = errors.New("conversation: registry closed")
	ErrDuplicateConversation = errors.New("conversation: conversation already live")
)

// RegistryConfig tunes the registry and the conversations it creates.
type RegistryConfig struct {
	MaxFrameBytes  uint32
	ReadChunkBytes int
	// ClosedTTL is how long a terminated id is remembered so late streams
	// are told apart from unknown ones.
	ClosedTTL      time.Duration
	ClosedCapacity int
}

// Handle is the thread-safe face of one conversation. All access to the
// conversation itself goes through Do.
type Handle struct {
	id     string
	loop   *Loop
	conv   *Conversation
	chunk  int
	closed chan struct{}

	mu    sync.Mutex
	state State
	err   error
}

// ID returns the conversation id.
func (h *Handle) ID() string {
	return h.id
}

// Do runs fn on the conversation's loop. It returns false when the
// conversation has already closed and fn will not run.
func (h *Handle) Do(fn func(c *Conversation)) bool {
	return h.loop.Post(func() { fn(h.conv) })
}

// Done is closed once the conversation reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.closed
}

// State returns the last observed lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the terminal reason once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel abandons the conversation.
func (h *Handle) Cancel(reason error) {
	h.Do(func(c *Conversation) { c.Cancel(reason) })
}

func (h *Handle) finish(c *Conversation) {
	h.mu.Lock()
	h.state = c.State()
	h.err = c.Err()
	h.mu.Unlock()
	close(h.closed)
	h.loop.Stop()
}

// Registry tracks live conversations.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger
	closed *dedupe.Cache

	mu       sync.Mutex
	live     map[string]*Handle
	shutdown bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClosedTTL <= 0 {
		cfg.ClosedTTL = 5 * time.Minute
	}
	if cfg.ClosedCapacity <= 0 {
		cfg.ClosedCapacity = 10000
	}
	return &Registry{
		cfg:    cfg,
		logger: logger.With("component", "registry"),
		closed: dedupe.New(cfg.ClosedTTL, cfg.ClosedCapacity, time.Minute),
		live:   make(map[string]*Handle),
	}
}

// SinkFactory builds the outbound sink once the conversation id is known.
// It runs on the conversation's loop.
type SinkFactory func(id string) Sink

// Open starts a conversation whose originating stream reads body and
// writes frames to the sink built by newSink. setup runs on the
// conversation's loop before any inbound data is delivered; it is where
// the application installs its exchange handlers.
func (r *Registry) Open(body io.Reader, newSink SinkFactory, setup func(c *Conversation)) (*Handle, error) {
	return r.start(uuid.NewString(), body, newSink, setup)
}

// Join tracks a conversation whose id was assigned by the peer, as on
// the dialing side of a transport. It fails if id is already live.
func (r *Registry) Join(id string, body io.Reader, sink Sink, setup func(c *Conversation)) (*Handle, error) {
	return r.start(id, body, func(string) Sink { return sink }, setup)
}

func (r *Registry) start(id string, body io.Reader, newSink SinkFactory, setup func(c *Conversation)) (*Handle, error) {
	h := &Handle{
		id:     id,
		loop:   NewLoop(),
		chunk:  r.cfg.ReadChunkBytes,
		closed: make(chan struct{}),
		state:  StateInit,
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		h.loop.Stop()
		return nil, ErrRegistryClosed
	}
	if _, ok := r.live[id]; ok {
		r.mu.Unlock()
		h.loop.Stop()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConversation, id)
	}
	r.live[id] = h
	r.mu.Unlock()

	// The conversation is built on its loop so the source pump cannot
	// deliver data before construction and setup have finished.
	h.loop.Post(func() {
		h.conv = New(stream.NewReaderSource(body, h.loop.Post, h.chunk), newSink(h.id), Options{
			ID:            h.id,
			MaxFrameBytes: r.cfg.MaxFrameBytes,
			Logger:        r.logger,
			OnClose: func(c *Conversation) {
				r.forget(c.ID())
				h.finish(c)
			},
		})
		if setup != nil && h.conv.Live() {
			setup(h.conv)
		}
	})

	r.logger.Debug("conversation opened", "conversation_id", id)
	return h, nil
}

// Get returns the live conversation with id.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.live[id]
	return h, ok
}

// Len returns the number of live conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Route adds body as stream index of conversation id. The returned channel
// receives one value when the stream has been fully read (nil) or
// abandoned.
func (r *Registry) Route(id string, index uint64, body io.Reader) (<-chan error, error) {
	if index == 0 {
		return nil, ErrInvalidIndex
	}
	h, ok := r.Get(id)
	if !ok {
		if r.closed.Check(id) {
			return nil, fmt.Errorf("%w: %s", ErrConversationClosed, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}

	done := make(chan error, 1)
	report := func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	src := stream.NewReaderSource(body, h.loop.Post, h.chunk)
	entry := stream.Entry{Index: index, Source: src, Done: report}
	posted := h.Do(func(c *Conversation) {
		if err := c.AddStream(entry); err != nil {
			src.Cancel(err)
			report(err)
		}
	})
	if !posted {
		return nil, fmt.Errorf("%w: %s", ErrConversationClosed, id)
	}
	return done, nil
}

// Close cancels every live conversation and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.shutdown = true
	handles := make([]*Handle, 0, len(r.live))
	for _, h := range r.live {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Cancel(ErrRegistryClosed)
	}
	r.closed.Close()
}

func (r *Registry) forget(id string) {
	r.closed.Mark(id)
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
	r.logger.Debug("conversation closed", "conversation_id", id)
}
