// Package httpstream carries conversations over plain HTTP/1.1 or HTTP/2.
//
// Every POST is one physical stream. A request without the
// X-Parley-Conversation header opens a new conversation: its request body
// becomes stream 0 and its response body carries every frame the gateway
// writes back. The response headers name the new conversation.
//
// Follow-up streams name the conversation and their position:
//
//	POST /parley
//	X-Parley-Conversation: 2c1f...
//	X-Parley-Stream: 1
//
// Their bodies are spliced into the conversation's inbound byte stream in
// index order. The request is answered with 204 once the body has been
// fully consumed, or with an error status if the stream was rejected.
//
// Disconnecting the originating request cancels the conversation.
package httpstream
