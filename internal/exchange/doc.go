// Package exchange implements the question/response protocol on top of a
// conversation.
//
// # Single-shot
//
//	asker                               responder
//	question{id:q}               ->
//	                             <-     reply{id:q, responseId:r}
//	replyReceived{id:r, responseId:q} ->
//
// # Multi-turn
//
//	question{id:q}               ->
//	                             <-     questionReceived{id:q, responseId:r}
//	                             <-     continueMessage{id:q, responseId:r}
//	continueMessage{id:r, responseId:q} ->
//	                             <-     endMessage{id:q, responseId:r}
//
// Either side may end a multi-turn exchange with endMessage or abandon it
// with an error message. Messages are addressed to the receiver's id and
// carry the sender's id as responseId.
//
// Question and Response each run their own state machine. A message that
// does not fit the receiving side's state fails that side with an
// InvalidArgument protocol error, which is written back to the peer when
// its id is known.
package exchange
