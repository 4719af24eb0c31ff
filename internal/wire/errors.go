// ABOUTME: ProtocolError is the structured, wire-serializable error of the protocol
// ABOUTME: Status codes come from gRPC codes so errors classify like the rest of the stack

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ProtocolError carries a status code and a human readable reason. It is
// the payload of every error message.
type ProtocolError struct {
	Code   codes.Code `json:"code"`
	Reason string     `json:"message"`
}

// Errorf builds a ProtocolError with a formatted reason.
func Errorf(code codes.Code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Internal reports a transport fault.
func Internal(format string, args ...any) *ProtocolError {
	return Errorf(codes.Internal, format, args...)
}

// BadRequest reports a protocol violation.
func BadRequest(format string, args ...any) *ProtocolError {
	return Errorf(codes.InvalidArgument, format, args...)
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s", e.Code, e.Reason)
}

// GRPCStatus lets status.FromError and status.Code recognise the error.
func (e *ProtocolError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Reason)
}

// HTTPStatus maps the code onto the status a half-duplex HTTP transport
// answers with.
func (e *ProtocolError) HTTPStatus() int {
	switch e.Code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.Canceled:
		return 499
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// ToMessage serializes the error as an error message addressed to id.
func (e *ProtocolError) ToMessage(id, responseID string) Message {
	raw, _ := json.Marshal(e)
	return Message{Type: TypeError, ID: id, ResponseID: responseID, Message: raw}
}

// FromError converts any error into a ProtocolError. Errors that already
// carry a gRPC status keep their code; everything else is internal.
func FromError(err error) *ProtocolError {
	if err == nil {
		return nil
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr
	}
	if s, ok := status.FromError(err); ok {
		return &ProtocolError{Code: s.Code(), Reason: s.Message()}
	}
	return &ProtocolError{Code: codes.Internal, Reason: err.Error()}
}

// DecodeError extracts the ProtocolError carried by an error message. A
// payload that does not decode is reported as an internal error holding the
// raw text.
func DecodeError(m Message) *ProtocolError {
	var perr ProtocolError
	if err := json.Unmarshal(m.Message, &perr); err != nil || (perr.Reason == "" && perr.Code == codes.OK) {
		return Internal("peer error: %s", string(m.Message))
	}
	return &perr
}

// FrameWriter is anything that can transmit a message.
type FrameWriter interface {
	Write(m Message) (bool, error)
}

// WriteError sends err to the peer as an error message.
func WriteError(w FrameWriter, err *ProtocolError, id, responseID string) (bool, error) {
	return w.Write(err.ToMessage(id, responseID))
}
