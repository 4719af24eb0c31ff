// ABOUTME: HTTP transport: each POST request is one physical stream of a conversation
// ABOUTME: Index 0 opens the conversation and carries its frames back on the response body

package httpstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/fsm"
	"github.com/2389/parley/internal/stream"
	"github.com/2389/parley/internal/wire"
)

// Correlation headers carried by every physical stream.
const (
	HeaderConversation = "X-Parley-Conversation"
	HeaderStream       = "X-Parley-Stream"
	ContentType        = "application/x-parley-frames"
)

// Handler serves the conversation protocol over HTTP.
type Handler struct {
	registry *conversation.Registry
	setup    func(c *conversation.Conversation)
	logger   *slog.Logger
}

// NewHandler creates a handler opening conversations in registry. setup is
// run for every new conversation before its first message is read.
func NewHandler(registry *conversation.Registry, setup func(c *conversation.Conversation), logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		setup:    setup,
		logger:   logger.With("component", "httpstream"),
	}
}

// ServeHTTP validates the correlation headers and dispatches the request
// as an originating or a follow-up stream.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	index, err := wire.ParseStreamIndex(r.Header.Get(HeaderStream))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.Header.Get(HeaderConversation)
	if id == "" {
		if index != 0 {
			sendJSONError(w, http.StatusBadRequest, "stream index requires "+HeaderConversation)
			return
		}
		h.open(w, r)
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		sendJSONError(w, http.StatusBadRequest, "malformed conversation id")
		return
	}
	h.route(w, r, id, index)
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil {
		h.logger.Debug("full duplex unavailable", "error", err)
	}

	body := newContextReader(r, rc)
	handle, err := h.registry.Open(body, func(id string) conversation.Sink {
		w.Header().Set(HeaderConversation, id)
		w.Header().Set("Content-Type", ContentType)
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			h.logger.Debug("flushing headers", "conversation_id", id, "error", err)
		}
		return &responseSink{w: w, rc: rc, logger: h.logger.With("conversation_id", id)}
	}, h.setup)
	if err != nil {
		sendJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	logger := h.logger.With("conversation_id", handle.ID())
	logger.Debug("stream opened", "index", 0)

	// The loop writes to w until the conversation terminates, so the
	// handler must not return before that.
	select {
	case <-handle.Done():
	case <-r.Context().Done():
		handle.Cancel(context.Cause(r.Context()))
		<-handle.Done()
	}
	logger.Debug("conversation finished", "state", handle.State(), "reason", handle.Err())
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request, id string, index uint64) {
	logger := h.logger.With("conversation_id", id, "index", index)

	rc := http.NewResponseController(w)
	done, err := h.registry.Route(id, index, newContextReader(r, rc))
	if err != nil {
		logger.Debug("stream rejected", "error", err)
		sendJSONError(w, statusFor(err), err.Error())
		return
	}

	select {
	case err := <-done:
		if err != nil {
			logger.Debug("stream abandoned", "error", err)
			sendJSONError(w, statusFor(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
		logger.Debug("client went away", "error", r.Context().Err())
	}
}

// statusFor maps routing and stream errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrUnknownConversation):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrConversationClosed),
		errors.Is(err, conversation.ErrConversationEnded),
		errors.Is(err, conversation.ErrConversationCanceled),
		errors.Is(err, fsm.ErrWrongState):
		return http.StatusGone
	case errors.Is(err, conversation.ErrInvalidIndex),
		errors.Is(err, wire.ErrInvalidStreamIndex):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrIndexConsumed),
		errors.Is(err, stream.ErrIndexDuplicate):
		return http.StatusConflict
	}
	var perr *wire.ProtocolError
	if errors.As(err, &perr) {
		return perr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// sendJSONError writes a JSON error response with the given status code.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// contextReader reports reads that fail because the client went away as
// cancellation rather than as transport faults. Closing it interrupts a
// pending read through the connection's read deadline; closing the body
// itself would block until that read returns.
type contextReader struct {
	ctx       context.Context
	r         io.Reader
	interrupt func() error
}

func newContextReader(r *http.Request, rc *http.ResponseController) *contextReader {
	return &contextReader{
		ctx:       r.Context(),
		r:         r.Body,
		interrupt: func() error { return rc.SetReadDeadline(time.Now()) },
	}
}

func (c *contextReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	// A truncated body is how an HTTP/1 client disconnect shows up before
	// the request context notices.
	if c.ctx.Err() != nil || errors.Is(err, io.ErrUnexpectedEOF) {
		return n, context.Canceled
	}
	return n, err
}

func (c *contextReader) Close() error {
	if err := c.interrupt(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
