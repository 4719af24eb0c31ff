// Package conversation ties the inbound streams and the outbound frame
// writer of one logical exchange together.
//
// # Overview
//
// A conversation starts with its originating physical stream (index 0),
// whose response side carries every frame the conversation writes. The
// peer may open further streams tagged with the conversation id and an
// increasing index; their bytes are read strictly in index order, so a
// frame may begin on one stream and finish on the next.
//
//	conv := conversation.New(source, sink, conversation.Options{})
//	conv.AddStream(stream.Entry{Index: 1, Source: more})
//
// # Routing
//
// Decoded messages are routed by id:
//
//  1. "listening" messages are readiness markers and are dropped
//  2. a handler registered with Expect for the message id takes it
//  3. a message for an id released within the last minute is dropped
//  4. otherwise the oldest Await request takes it
//  5. otherwise the message is parked for the next Await; only the newest
//     few are kept and reading carries on
//
// Handlers are one-shot. Exchanges re-arm them for each message they
// expect, and Release them when the exchange finishes.
//
// # Lifecycle
//
// Conversations move from init to underway when a second stream arrives,
// and end in exactly one of ended, errored or canceled. Errors are written
// to the peer as an error frame while the writer is open; cancellation is
// local and silent.
//
// # Concurrency
//
// Conversation, Writer and the stream types are single-threaded. The
// Registry gives each conversation a Loop and hands out a Handle whose Do
// method runs work on that loop. Transports only ever touch a
// conversation through its Handle.
//
// Open assigns a fresh id on the accepting side; Join adopts the id the
// peer assigned on the dialing side. Route adds later streams by id and
// index. Ids of recently closed conversations are remembered so a late
// stream can be told apart from one naming an unknown conversation.
package conversation
