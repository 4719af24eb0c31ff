// ABOUTME: Initiator side of a question/response exchange on a conversation
// ABOUTME: Tracks the responder's id once acknowledged and validates every routed message

package exchange

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/fsm"
	"github.com/2389/parley/internal/wire"
)

// QuestionState is the lifecycle state of a Question.
type QuestionState string

const (
	QuestionAsked    QuestionState = "asked"
	QuestionReceived QuestionState = "questionReceived"
	QuestionEnded    QuestionState = "end"
	QuestionErrored  QuestionState = "error"
	QuestionCanceled QuestionState = "cancelled"
)

var questionTable = fsm.Table[QuestionState]{
	QuestionAsked:    {QuestionReceived, QuestionEnded, QuestionErrored, QuestionCanceled},
	QuestionReceived: {QuestionEnded, QuestionErrored, QuestionCanceled},
}

// QuestionEvents receives what the responder sends back. Every field is
// optional.
type QuestionEvents struct {
	// Reply delivers the payload of a single-shot reply.
	Reply func(payload json.RawMessage)
	// Conversing fires when the responder switches to a multi-turn
	// exchange; Say, Fail and End become legal from here on.
	Conversing func(q *Question)
	// Message delivers one turn of a multi-turn exchange. continues is
	// false for the responder's final message.
	Message func(payload json.RawMessage, continues bool)
	// Error reports a peer error, a protocol violation, or the
	// conversation closing before the exchange completed.
	Error func(err *wire.ProtocolError)
}

// Question is one question asked on a conversation.
type Question struct {
	conv       *conversation.Conversation
	id         string
	responseID string
	m          *fsm.Machine[QuestionState]
	events     QuestionEvents
	logger     *slog.Logger
}

// Ask writes a question carrying payload and waits for the peer's answer.
func Ask(conv *conversation.Conversation, payload any, events QuestionEvents) (*Question, error) {
	id := uuid.NewString()
	q := &Question{
		conv:   conv,
		id:     id,
		m:      fsm.New("question", QuestionAsked, questionTable),
		events: events,
		logger: conv.Logger().With("question_id", id),
	}
	if err := conv.Expect(q.id, q.receiver()); err != nil {
		return nil, err
	}
	if err := send(conv, wire.TypeQuestion, q.id, "", payload); err != nil {
		conv.Release(q.id)
		return nil, err
	}
	q.logger.Debug("question asked")
	return q, nil
}

// ID returns the correlation id of the question.
func (q *Question) ID() string {
	return q.id
}

// ResponseID returns the responder's id, or "" before it is known.
func (q *Question) ResponseID() string {
	return q.responseID
}

// State returns the lifecycle state.
func (q *Question) State() QuestionState {
	return q.m.State()
}

// Say sends one more message to a conversing responder.
func (q *Question) Say(payload any) error {
	if err := q.m.Guard("Say", QuestionReceived); err != nil {
		return err
	}
	return send(q.conv, wire.TypeContinue, q.responseID, q.id, payload)
}

// End sends a final message and completes the exchange.
func (q *Question) End(payload any) error {
	if err := q.m.Guard("End", QuestionReceived); err != nil {
		return err
	}
	_ = q.m.To(QuestionEnded)
	q.conv.Release(q.id)
	return send(q.conv, wire.TypeEnd, q.responseID, q.id, payload)
}

// Fail reports err to a conversing responder and abandons the exchange.
func (q *Question) Fail(err error) error {
	if gerr := q.m.Guard("Fail", QuestionReceived); gerr != nil {
		return gerr
	}
	perr := wire.FromError(err)
	_ = q.m.To(QuestionErrored)
	q.conv.Release(q.id)
	_, werr := wire.WriteError(q.conv, perr, q.responseID, q.id)
	return werr
}

// Cancel detaches the question. The peer is not told.
func (q *Question) Cancel() {
	if q.m.Terminal() {
		return
	}
	_ = q.m.To(QuestionCanceled)
	q.conv.Release(q.id)
}

func (q *Question) receiver() conversation.Receiver {
	return conversation.Receiver{Message: q.handle, Closed: q.closed}
}

func (q *Question) rearm() {
	if err := q.conv.Expect(q.id, q.receiver()); err != nil {
		q.logger.Debug("could not re-arm question", "error", err)
	}
}

func (q *Question) handle(m wire.Message) {
	switch m.Type {
	case wire.TypeQuestionReceived:
		if !q.m.Is(QuestionAsked) {
			q.violation(m, "duplicate questionReceived")
			return
		}
		q.responseID = m.ResponseID
		_ = q.m.To(QuestionReceived)
		q.rearm()
		if q.events.Conversing != nil {
			q.events.Conversing(q)
		}

	case wire.TypeReply:
		if m.ResponseID == "" {
			q.violation(m, "reply without responseId")
			return
		}
		if q.responseID != "" && m.ResponseID != q.responseID {
			q.violation(m, "reply from %s, expected %s", m.ResponseID, q.responseID)
			return
		}
		q.responseID = m.ResponseID
		_ = q.m.To(QuestionEnded)
		q.conv.Release(q.id)
		if err := send(q.conv, wire.TypeReplyReceived, q.responseID, q.id, nil); err != nil {
			q.logger.Debug("could not acknowledge reply", "error", err)
		}
		if q.events.Reply != nil {
			q.events.Reply(m.Message)
		}

	case wire.TypeContinue, wire.TypeEnd:
		if !q.m.Is(QuestionReceived) {
			q.violation(m, "%s before questionReceived", m.Type)
			return
		}
		if m.ResponseID != q.responseID {
			q.violation(m, "%s from %s, expected %s", m.Type, m.ResponseID, q.responseID)
			return
		}
		continues := m.Type == wire.TypeContinue
		if continues {
			q.rearm()
		} else {
			_ = q.m.To(QuestionEnded)
			q.conv.Release(q.id)
		}
		if q.events.Message != nil {
			q.events.Message(m.Message, continues)
		}

	case wire.TypeError:
		if q.responseID != "" && m.ResponseID != q.responseID {
			q.violation(m, "error from %s, expected %s", m.ResponseID, q.responseID)
			return
		}
		_ = q.m.To(QuestionErrored)
		q.conv.Release(q.id)
		perr := wire.DecodeError(m)
		q.logger.Debug("peer reported error", "code", perr.Code.String(), "reason", perr.Reason)
		if q.events.Error != nil {
			q.events.Error(perr)
		}

	default:
		q.violation(m, "unexpected %s", m.Type)
	}
}

// violation fails the question and tells the responder when its id is
// known. The established responder is told in preference to whoever sent
// the offending message.
func (q *Question) violation(m wire.Message, format string, args ...any) {
	perr := wire.BadRequest(format, args...)
	q.logger.Warn("protocol violation", "type", m.Type, "reason", perr.Reason)

	to := q.responseID
	if to == "" {
		to = m.ResponseID
	}
	_ = q.m.To(QuestionErrored)
	q.conv.Release(q.id)
	if to != "" {
		if _, err := wire.WriteError(q.conv, perr, to, q.id); err != nil {
			q.logger.Debug("could not report violation", "error", err)
		}
	}
	if q.events.Error != nil {
		q.events.Error(perr)
	}
}

func (q *Question) closed(err error) {
	if q.m.Terminal() {
		return
	}
	_ = q.m.To(QuestionErrored)
	if q.events.Error != nil {
		q.events.Error(closedError(err))
	}
}
