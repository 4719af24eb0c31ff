// Package wire defines the conversation protocol's on-the-wire vocabulary.
//
// # Messages
//
// Every unit exchanged between peers is a Message:
//
//	{"type": "question", "id": "<correlation id>", "responseId": "...", "message": <payload>}
//
// The type is one of question, reply, listening, continueMessage,
// endMessage, error, questionReceived and replyReceived. The id correlates a
// message with the exchange it belongs to; responseId is assigned by the
// responder once it acknowledges a question.
//
// # Frames
//
// Messages travel as length-prefixed frames:
//
//	[4-byte big-endian length N][N bytes of JSON-encoded Message]
//
// EncodeFrame produces one frame. Decoder is the receiving side: bytes are
// appended with AddData as they arrive from the transport and complete
// frames are handed out one at a time through AwaitObject. A frame is never
// decoded until its header and every payload byte are present.
//
// Decoder is single-flight: only one AwaitObject request may be outstanding.
// A second request before the first resolves fails with ErrAwaitPending.
//
// # Errors
//
// ProtocolError is the structured error value exchanged in error messages.
// It carries a gRPC status code so callers can classify failures with the
// same taxonomy used elsewhere:
//
//   - codes.Internal: transport faults (aborted or timed-out streams)
//   - codes.InvalidArgument: protocol violations (unexpected type or state,
//     mismatched ids, malformed frames)
//
// # Boundary validation
//
// Message.Validate and ParseStreamIndex reject malformed input before it
// reaches a conversation.
package wire
