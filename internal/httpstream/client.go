// ABOUTME: Dialing side of the HTTP transport: opens a conversation against a gateway
// ABOUTME: The request body carries outgoing frames and the response body incoming ones

package httpstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/2389/parley/internal/conversation"
)

// ErrDialRejected is returned by Dial when the gateway refuses to open a
// conversation.
var ErrDialRejected = errors.New("httpstream: conversation rejected")

// Dialer opens conversations against a gateway mount point.
type Dialer struct {
	// Client defaults to http.DefaultClient.
	Client   *http.Client
	URL      string
	Registry *conversation.Registry
	Logger   *slog.Logger
}

// Dial opens a conversation and tracks it in the dialer's registry under
// the id the gateway assigned. setup runs on the conversation's loop
// before any inbound data is delivered. The conversation lives until it
// terminates or ctx is canceled.
func (d *Dialer) Dial(ctx context.Context, setup func(c *conversation.Conversation)) (*conversation.Handle, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, pr)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := client.Do(req)
	if err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("opening conversation: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		_ = pw.Close()
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrDialRejected, resp.StatusCode, body.Error)
	}

	id := resp.Header.Get(HeaderConversation)
	if id == "" {
		_ = resp.Body.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("%w: response missing %s", ErrDialRejected, HeaderConversation)
	}

	sink := &pipeSink{w: pw, logger: logger.With("component", "httpstream", "conversation_id", id)}
	handle, err := d.Registry.Join(id, resp.Body, sink, setup)
	if err != nil {
		_ = resp.Body.Close()
		_ = pw.Close()
		return nil, err
	}
	return handle, nil
}

// pipeSink feeds outgoing frames into the request body.
type pipeSink struct {
	w      *io.PipeWriter
	logger *slog.Logger
}

// Write blocks until the transport has taken the frame.
func (s *pipeSink) Write(frame []byte) (bool, error) {
	if _, err := s.w.Write(frame); err != nil {
		return false, err
	}
	return true, nil
}

func (s *pipeSink) End() {
	_ = s.w.Close()
}

func (s *pipeSink) Error(err error) {
	s.logger.Debug("request closed with error", "error", err)
	_ = s.w.CloseWithError(err)
}

func (s *pipeSink) Cancel(reason error) {
	s.logger.Debug("request canceled", "reason", reason)
	if reason == nil {
		reason = context.Canceled
	}
	_ = s.w.CloseWithError(reason)
}
