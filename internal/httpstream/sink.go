// ABOUTME: Conversation sink writing frames onto an HTTP response body
// ABOUTME: Every frame is flushed so the peer sees it without buffering delay

package httpstream

import (
	"log/slog"
	"net/http"
)

type responseSink struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	logger *slog.Logger
}

func (s *responseSink) Write(frame []byte) (bool, error) {
	if _, err := s.w.Write(frame); err != nil {
		return false, err
	}
	if err := s.rc.Flush(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *responseSink) End() {
	if err := s.rc.Flush(); err != nil {
		s.logger.Debug("final flush", "error", err)
	}
}

func (s *responseSink) Error(err error) {
	s.logger.Debug("response closed with error", "error", err)
	_ = s.rc.Flush()
}

// Cancel leaves the response as is; the handler returns and the server
// closes the stream.
func (s *responseSink) Cancel(reason error) {
	s.logger.Debug("response canceled", "reason", reason)
}
