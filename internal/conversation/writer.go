// ABOUTME: Frame writer: encodes messages and hands frames to the primary response sink
// ABOUTME: One-shot terminal transitions; End notifies the owning conversation

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/parley/internal/fsm"
	"github.com/2389/parley/internal/wire"
)

// Sink is the outbound side of the conversation's originating physical
// stream, supplied by the transport.
type Sink interface {
	// Write transmits one frame. It returns false when the transport asks
	// the caller to pause; an error is a transport fault.
	Write(frame []byte) (bool, error)
	End()
	Error(err error)
	Cancel(reason error)
}

// WriterState is the lifecycle state of a Writer.
type WriterState string

const (
	WriterOpen     WriterState = "open"
	WriterEnded    WriterState = "ended"
	WriterErrored  WriterState = "errored"
	WriterCanceled WriterState = "canceled"
)

var writerTable = fsm.Table[WriterState]{
	WriterOpen: {WriterEnded, WriterErrored, WriterCanceled},
}

// ErrWriterClosed is returned by Write after a terminal transition.
var ErrWriterClosed = errors.New("conversation: writer closed")

// WriterEvents lets the owner observe the writer.
type WriterEvents struct {
	// EndRequested fires when End is called.
	EndRequested func()
	// Failed fires when the sink reports a transport fault.
	Failed func(err error)
}

// Writer encodes messages as frames onto a Sink. It is not safe for
// concurrent use.
type Writer struct {
	m      *fsm.Machine[WriterState]
	sink   Sink
	events WriterEvents
}

// NewWriter creates an open writer.
func NewWriter(sink Sink, events WriterEvents) *Writer {
	return &Writer{
		m:      fsm.New("writer", WriterOpen, writerTable),
		sink:   sink,
		events: events,
	}
}

// State returns the current lifecycle state.
func (w *Writer) State() WriterState {
	return w.m.State()
}

// Open reports whether Write may still be called.
func (w *Writer) Open() bool {
	return w.m.Is(WriterOpen)
}

// Write encodes and transmits m. A false result means the sink applied
// backpressure; the frame was still handed over and the caller should pause
// before writing more.
func (w *Writer) Write(m wire.Message) (bool, error) {
	if !w.Open() {
		return false, fmt.Errorf("%w: %s", ErrWriterClosed, w.m.State())
	}
	frame, err := wire.EncodeFrame(m)
	if err != nil {
		return false, err
	}
	ok, err := w.sink.Write(frame)
	if err != nil {
		w.fail(err)
		return false, err
	}
	return ok, nil
}

// End closes the writer gracefully.
func (w *Writer) End() {
	if w.m.To(WriterEnded) != nil {
		return
	}
	w.sink.End()
	if w.events.EndRequested != nil {
		w.events.EndRequested()
	}
}

// Error closes the writer after a fault.
func (w *Writer) Error(err error) {
	if w.m.To(WriterErrored) != nil {
		return
	}
	w.sink.Error(err)
}

// Cancel abandons the writer.
func (w *Writer) Cancel(reason error) {
	if w.m.To(WriterCanceled) != nil {
		return
	}
	w.sink.Cancel(reason)
}

func (w *Writer) fail(err error) {
	if w.m.To(WriterErrored) != nil {
		return
	}
	w.sink.Error(err)
	if w.events.Failed != nil {
		w.events.Failed(err)
	}
}
