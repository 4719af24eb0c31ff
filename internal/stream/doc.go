// Package stream turns a set of independently arriving physical streams into
// one ordered byte sequence feeding a frame decoder.
//
// # Physical streams
//
// A Source is the inbound side of one half-duplex transport exchange. It
// starts delivering bytes when Start is called and reports completion,
// failure or cancellation through its Handler. Sources are tagged with their
// sequence index inside the conversation as an Entry.
//
// ReaderSource adapts any io.Reader: a goroutine reads chunks and posts each
// callback onto the owner's serial executor, keeping one chunk in flight so
// a slow consumer throttles the reader.
//
// # Ordering
//
// OrderBuffer accepts entries in any arrival order and hands them out in
// strictly increasing index order, starting at 0:
//
//	buf := stream.NewOrderBuffer()
//	buf.Add(stream.Entry{Index: 2, Source: s2})
//	buf.Add(stream.Entry{Index: 0, Source: s0})
//	buf.AwaitNext(func(e stream.Entry) { ... }) // receives index 0
//
// An index that was already handed out, or that is already held, is
// rejected. Only one AwaitNext request may be outstanding.
//
// # Chain
//
// Chain drains one source at a time into a wire.Decoder. When the active
// source completes, the next queued source starts; with nothing queued the
// chain goes idle and raises NoReaders. Cancellation and errors propagate to
// the active source, every queued source and the decoder.
//
// None of the types in this package are safe for concurrent use; callers
// serialize access, normally through the owning conversation's loop.
package stream
