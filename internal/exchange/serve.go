// ABOUTME: Serve turns every question arriving on a conversation into a Response
// ABOUTME: Also holds the small helpers shared by Question and Response

package exchange

import (
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/wire"
)

// Handler answers questions.
type Handler interface {
	HandleQuestion(r *Response)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(r *Response)

// HandleQuestion calls f(r).
func (f HandlerFunc) HandleQuestion(r *Response) {
	f(r)
}

// Serve waits for messages no exchange has claimed and hands each question
// to h. Anything else is logged and dropped. It returns once the first
// wait is registered; serving stops when the conversation terminates.
func Serve(conv *conversation.Conversation, h Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = conv.Logger()
	}
	logger = logger.With("component", "exchange")

	var next func() error
	next = func() error {
		return conv.Await(conversation.Receiver{
			Message: func(m wire.Message) {
				if m.Type == wire.TypeQuestion {
					h.HandleQuestion(NewResponse(conv, m))
				} else {
					logger.Warn("dropping unrouted message", "type", m.Type, "id", m.ID)
				}
				if conv.Live() {
					if err := next(); err != nil {
						logger.Debug("stopped serving", "error", err)
					}
				}
			},
		})
	}
	return next()
}

func send(conv *conversation.Conversation, typ wire.Type, id, responseID string, payload any) error {
	m, err := wire.NewMessage(typ, id, responseID, payload)
	if err != nil {
		return err
	}
	_, err = conv.Write(m)
	return err
}

// closedError describes a conversation that terminated under a pending
// exchange.
func closedError(err error) *wire.ProtocolError {
	var perr *wire.ProtocolError
	if errors.As(err, &perr) {
		return perr
	}
	return wire.Errorf(codes.Canceled, "conversation closed: %v", err)
}
