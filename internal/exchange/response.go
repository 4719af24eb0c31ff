// ABOUTME: Responder side of a question/response exchange
// ABOUTME: Either replies once and waits for the acknowledgement, or converses over several turns

package exchange

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/fsm"
	"github.com/2389/parley/internal/wire"
)

// ResponseState is the lifecycle state of a Response.
type ResponseState string

const (
	ResponseResponding    ResponseState = "responding"
	ResponseConversing    ResponseState = "conversing"
	ResponseReplied       ResponseState = "replied"
	ResponseForceEnded    ResponseState = "forceEnd"
	ResponseEnded         ResponseState = "endMessage"
	ResponseReplyReceived ResponseState = "replyReceived"
	ResponseErrored       ResponseState = "error"
)

var responseTable = fsm.Table[ResponseState]{
	ResponseResponding: {ResponseConversing, ResponseReplied, ResponseForceEnded, ResponseErrored},
	ResponseConversing: {ResponseEnded, ResponseErrored},
	ResponseReplied:    {ResponseReplyReceived, ResponseErrored},
}

// ResponseEvents receives the asker's side of a multi-turn exchange.
type ResponseEvents struct {
	// Message delivers one message from the asker. continues is false
	// for its final message.
	Message func(payload json.RawMessage, continues bool)
	// Error reports a peer error, a protocol violation, or the
	// conversation closing first.
	Error func(err *wire.ProtocolError)
}

// Response answers one question received on a conversation.
type Response struct {
	conv     *conversation.Conversation
	question wire.Message
	id       string
	m        *fsm.Machine[ResponseState]
	events   ResponseEvents
	onAck    func(err error)
	logger   *slog.Logger
}

// NewResponse prepares an answer to question. A fresh response id is
// assigned; the asker learns it from the first message written.
func NewResponse(conv *conversation.Conversation, question wire.Message) *Response {
	id := uuid.NewString()
	return &Response{
		conv:     conv,
		question: question,
		id:       id,
		m:        fsm.New("response", ResponseResponding, responseTable),
		logger:   conv.Logger().With("question_id", question.ID, "response_id", id),
	}
}

// Question returns the message being answered.
func (r *Response) Question() wire.Message {
	return r.question
}

// ID returns the response id.
func (r *Response) ID() string {
	return r.id
}

// State returns the lifecycle state.
func (r *Response) State() ResponseState {
	return r.m.State()
}

// Reply answers with a single payload. onAck, when set, is called once:
// with nil when the asker acknowledges, or with the reason it never will.
func (r *Response) Reply(payload any, onAck func(err error)) error {
	if err := r.m.Guard("Reply", ResponseResponding); err != nil {
		return err
	}
	_ = r.m.To(ResponseReplied)
	r.onAck = onAck
	if err := r.conv.Expect(r.id, r.receiver(r.handleAck)); err != nil {
		_ = r.m.To(ResponseErrored)
		return err
	}
	return send(r.conv, wire.TypeReply, r.question.ID, r.id, payload)
}

// Converse switches to a multi-turn exchange and tells the asker the
// response id.
func (r *Response) Converse(events ResponseEvents) error {
	if err := r.m.Guard("Converse", ResponseResponding); err != nil {
		return err
	}
	_ = r.m.To(ResponseConversing)
	r.events = events
	if err := r.conv.Expect(r.id, r.receiver(r.handleTurn)); err != nil {
		_ = r.m.To(ResponseErrored)
		return err
	}
	return send(r.conv, wire.TypeQuestionReceived, r.question.ID, r.id, nil)
}

// Say sends one message while conversing.
func (r *Response) Say(payload any) error {
	if err := r.m.Guard("Say", ResponseConversing); err != nil {
		return err
	}
	return send(r.conv, wire.TypeContinue, r.question.ID, r.id, payload)
}

// End sends the final message of a multi-turn exchange.
func (r *Response) End(payload any) error {
	if err := r.m.Guard("End", ResponseConversing); err != nil {
		return err
	}
	_ = r.m.To(ResponseEnded)
	r.conv.Release(r.id)
	return send(r.conv, wire.TypeEnd, r.question.ID, r.id, payload)
}

// Fail answers with an error instead of a reply.
func (r *Response) Fail(err error) error {
	if gerr := r.m.Guard("Fail", ResponseResponding, ResponseConversing); gerr != nil {
		return gerr
	}
	perr := wire.FromError(err)
	_ = r.m.To(ResponseErrored)
	r.conv.Release(r.id)
	_, werr := wire.WriteError(r.conv, perr, r.question.ID, r.id)
	return werr
}

// ForceEnd finishes without answering.
func (r *Response) ForceEnd() error {
	if err := r.m.Guard("ForceEnd", ResponseResponding); err != nil {
		return err
	}
	return r.m.To(ResponseForceEnded)
}

func (r *Response) receiver(handle func(wire.Message)) conversation.Receiver {
	return conversation.Receiver{Message: handle, Closed: r.closed}
}

func (r *Response) handleAck(m wire.Message) {
	switch m.Type {
	case wire.TypeReplyReceived:
		if m.ResponseID != r.question.ID {
			r.violation("replyReceived for %s, expected %s", m.ResponseID, r.question.ID)
			return
		}
		_ = r.m.To(ResponseReplyReceived)
		r.conv.Release(r.id)
		r.logger.Debug("reply acknowledged")
		r.ack(nil)
	case wire.TypeError:
		r.abort(wire.DecodeError(m))
	default:
		r.violation("unexpected %s after reply", m.Type)
	}
}

func (r *Response) handleTurn(m wire.Message) {
	switch m.Type {
	case wire.TypeContinue, wire.TypeEnd:
		if m.ResponseID != r.question.ID {
			r.violation("%s for %s, expected %s", m.Type, m.ResponseID, r.question.ID)
			return
		}
		continues := m.Type == wire.TypeContinue
		if continues {
			if err := r.conv.Expect(r.id, r.receiver(r.handleTurn)); err != nil {
				r.logger.Debug("could not re-arm response", "error", err)
			}
		} else {
			_ = r.m.To(ResponseEnded)
			r.conv.Release(r.id)
		}
		if r.events.Message != nil {
			r.events.Message(m.Message, continues)
		}
	case wire.TypeError:
		r.abort(wire.DecodeError(m))
	default:
		r.violation("unexpected %s while conversing", m.Type)
	}
}

// violation fails the response and reports it to the asker.
func (r *Response) violation(format string, args ...any) {
	perr := wire.BadRequest(format, args...)
	r.logger.Warn("protocol violation", "reason", perr.Reason)
	if _, err := wire.WriteError(r.conv, perr, r.question.ID, r.id); err != nil {
		r.logger.Debug("could not report violation", "error", err)
	}
	r.abort(perr)
}

// abort moves to error and notifies whoever is waiting in the state the
// response was in.
func (r *Response) abort(perr *wire.ProtocolError) {
	prev := r.m.State()
	if r.m.To(ResponseErrored) != nil {
		return
	}
	r.conv.Release(r.id)
	switch prev {
	case ResponseReplied:
		r.ack(perr)
	case ResponseConversing:
		if r.events.Error != nil {
			r.events.Error(perr)
		}
	}
}

func (r *Response) ack(err error) {
	if r.onAck == nil {
		return
	}
	fn := r.onAck
	r.onAck = nil
	fn(err)
}

func (r *Response) closed(err error) {
	r.abort(closedError(err))
}
