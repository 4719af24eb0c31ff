// ABOUTME: Length-prefixed frame encoding and the incremental frame decoder
// ABOUTME: Decoder buffers partial frames and serves one await request at a time

package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const (
	// HeaderLen is the size of the big-endian length prefix.
	HeaderLen = 4
	// DefaultMaxFrameBytes bounds a single frame's payload.
	DefaultMaxFrameBytes = 8 * 1024 * 1024
)

var (
	ErrFrameTooLarge   = errors.New("wire: frame too large")
	ErrMalformedFrame  = errors.New("wire: malformed frame")
	ErrAwaitPending    = errors.New("wire: decode request already pending")
	ErrDecoderCanceled = errors.New("wire: decoder canceled")
	ErrDecoderFailed   = errors.New("wire: decoder failed")
)

// EncodeFrame serializes m and prefixes it with its length.
func EncodeFrame(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Await is one request for the next decoded message. Exactly one of Object
// or Failed is eventually called; NoData may be called first when no
// complete frame is buffered yet.
type Await struct {
	Object func(Message)
	NoData func()
	Failed func(error)
}

// Decoder extracts messages from a byte stream that arrives in arbitrary
// chunks. It is not safe for concurrent use.
type Decoder struct {
	buf      []byte
	maxFrame uint32
	pending  *Await
	err      error
}

// NewDecoder creates a decoder rejecting frames larger than maxFrame bytes.
// Zero selects DefaultMaxFrameBytes.
func NewDecoder(maxFrame uint32) *Decoder {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Decoder{maxFrame: maxFrame}
}

// AddData appends bytes and resolves a waiting request if a full frame is
// now available. A length prefix over the limit fails the decoder as soon
// as it is buffered, whether or not a request is waiting.
func (d *Decoder) AddData(p []byte) error {
	if d.err != nil {
		return d.err
	}
	d.buf = append(d.buf, p...)
	if err := d.checkHeaders(); err != nil {
		d.Error(err)
		return d.err
	}
	d.deliver()
	return nil
}

// AwaitObject requests the next message. It resolves synchronously when a
// complete frame is already buffered; otherwise a.NoData is called and the
// request stays pending until AddData completes a frame.
func (d *Decoder) AwaitObject(a Await) error {
	if d.err != nil {
		return d.err
	}
	if d.pending != nil {
		return ErrAwaitPending
	}
	d.pending = &a
	if d.deliver() {
		return nil
	}
	if a.NoData != nil {
		a.NoData()
	}
	return nil
}

// Pending reports whether a request is waiting for data.
func (d *Decoder) Pending() bool {
	return d.pending != nil
}

// Buffered returns the number of bytes received but not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Err returns the terminal reason, or nil while the decoder is usable.
func (d *Decoder) Err() error {
	return d.err
}

// Cancel discards buffered bytes and fails any pending request.
func (d *Decoder) Cancel(reason error) {
	d.terminate(ErrDecoderCanceled, reason)
}

// Error discards buffered bytes and fails any pending request.
func (d *Decoder) Error(err error) {
	d.terminate(ErrDecoderFailed, err)
}

func (d *Decoder) terminate(kind, reason error) {
	if d.err != nil {
		return
	}
	if reason == nil {
		reason = kind
	} else if !errors.Is(reason, kind) {
		reason = fmt.Errorf("%w: %w", kind, reason)
	}
	d.err = reason
	d.buf = nil
	if a := d.pending; a != nil {
		d.pending = nil
		if a.Failed != nil {
			a.Failed(reason)
		}
	}
}

// deliver hands one decoded message to the pending request. It reports
// whether the request was resolved, successfully or not.
func (d *Decoder) deliver() bool {
	if d.pending == nil {
		return false
	}
	msg, ok, err := d.extract()
	if err != nil {
		d.Error(err)
		return true
	}
	if !ok {
		return false
	}
	a := d.pending
	d.pending = nil
	a.Object(msg)
	return true
}

// checkHeaders walks every length prefix in the buffer.
func (d *Decoder) checkHeaders() error {
	for off := 0; len(d.buf)-off >= HeaderLen; {
		n := binary.BigEndian.Uint32(d.buf[off : off+HeaderLen])
		if n > d.maxFrame {
			return tooLarge(n)
		}
		off += HeaderLen + int(n)
	}
	return nil
}

func tooLarge(n uint32) error {
	return fmt.Errorf("%w: %w: %d bytes", ErrMalformedFrame, ErrFrameTooLarge, n)
}

func (d *Decoder) extract() (Message, bool, error) {
	if len(d.buf) < HeaderLen {
		return Message{}, false, nil
	}
	n := binary.BigEndian.Uint32(d.buf[:HeaderLen])
	if n > d.maxFrame {
		return Message{}, false, tooLarge(n)
	}
	end := HeaderLen + int(n)
	if len(d.buf) < end {
		return Message{}, false, nil
	}
	var msg Message
	if err := json.Unmarshal(d.buf[HeaderLen:end], &msg); err != nil {
		return Message{}, false, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, false, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if end == len(d.buf) {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), d.buf[end:]...)
	}
	return msg, true, nil
}
