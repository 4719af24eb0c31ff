// ABOUTME: Echo responder answering every question with its own payload
// ABOUTME: A {"converse": true} question opens a multi-turn exchange that echoes each turn

package gateway

import (
	"encoding/json"
	"log/slog"

	"github.com/2389/parley/internal/exchange"
	"github.com/2389/parley/internal/wire"
)

type echoOptions struct {
	Converse bool `json:"converse"`
}

type echoResponder struct {
	logger *slog.Logger
}

// Echo returns the default responder. Plain questions get their payload
// back as a reply. A question whose payload is {"converse": true} is
// answered with a multi-turn exchange in which every continue message is
// said back until the asker ends it.
func Echo(logger *slog.Logger) exchange.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &echoResponder{logger: logger.With("component", "echo")}
}

func (e *echoResponder) HandleQuestion(r *exchange.Response) {
	q := r.Question()
	logger := e.logger.With("question_id", q.ID, "response_id", r.ID())

	var opts echoOptions
	// Non-object payloads are simply echoed.
	_ = json.Unmarshal(q.Message, &opts)

	if !opts.Converse {
		err := r.Reply(q.Message, func(err error) {
			if err != nil {
				logger.Debug("reply not acknowledged", "error", err)
			}
		})
		if err != nil {
			logger.Warn("replying", "error", err)
		}
		return
	}

	err := r.Converse(exchange.ResponseEvents{
		Message: func(payload json.RawMessage, continues bool) {
			if !continues {
				logger.Debug("exchange ended by asker")
				return
			}
			if err := r.Say(payload); err != nil {
				logger.Warn("echoing turn", "error", err)
			}
		},
		Error: func(perr *wire.ProtocolError) {
			logger.Debug("exchange failed", "code", perr.Code.String(), "reason", perr.Reason)
		},
	})
	if err != nil {
		logger.Warn("starting exchange", "error", err)
	}
}
