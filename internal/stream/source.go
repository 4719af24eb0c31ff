// ABOUTME: Physical stream abstraction and an io.Reader backed implementation
// ABOUTME: ReaderSource pumps chunks onto a serial executor with one chunk in flight

package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// DefaultChunkBytes is the read size used by ReaderSource when none is given.
const DefaultChunkBytes = 32 * 1024

// Handler receives the events of one source. The owner of the source
// guarantees calls are serialized.
type Handler struct {
	Data   func(p []byte)
	Done   func()
	Error  func(err error)
	Cancel func(reason error)
}

// Source is the inbound byte side of one physical stream.
type Source interface {
	// Start begins delivery to h. It is called at most once.
	Start(h Handler)
	// Cancel stops delivery. No handler method is called afterwards.
	Cancel(reason error)
}

// Entry is a source tagged with its sequence index. Done, when set, is
// called exactly once: with nil once the source has been fully drained, or
// with the reason the source was abandoned.
type Entry struct {
	Index  uint64
	Source Source
	Done   func(err error)
}

func (e Entry) finish(err error) {
	if e.Done != nil {
		e.Done(err)
	}
}

// Post schedules fn on a serial executor. It reports false when the
// executor no longer accepts work.
type Post func(fn func()) bool

// ReaderSource delivers the contents of an io.Reader.
type ReaderSource struct {
	r       io.Reader
	post    Post
	chunk   int
	stopped atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

// NewReaderSource creates a source reading r in chunks of chunk bytes
// (DefaultChunkBytes when zero). Handler calls are scheduled through post.
func NewReaderSource(r io.Reader, post Post, chunk int) *ReaderSource {
	if chunk <= 0 {
		chunk = DefaultChunkBytes
	}
	return &ReaderSource{r: r, post: post, chunk: chunk, stop: make(chan struct{})}
}

// Start launches the read goroutine.
func (s *ReaderSource) Start(h Handler) {
	go s.pump(h)
}

// Cancel stops the read goroutine and closes the reader when it is an
// io.Closer. It is safe to call more than once.
func (s *ReaderSource) Cancel(reason error) {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.stop)
		if c, ok := s.r.(io.Closer); ok {
			_ = c.Close()
		}
	})
}

func (s *ReaderSource) pump(h Handler) {
	buf := make([]byte, s.chunk)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			consumed := make(chan struct{})
			ok := s.post(func() {
				defer close(consumed)
				if !s.stopped.Load() {
					h.Data(chunk)
				}
			})
			if !ok {
				return
			}
			select {
			case <-consumed:
			case <-s.stop:
				return
			}
		}
		if err == nil {
			continue
		}
		if s.stopped.Load() {
			return
		}
		s.post(func() {
			if s.stopped.Load() {
				return
			}
			switch {
			case errors.Is(err, io.EOF):
				h.Done()
			case errors.Is(err, context.Canceled):
				h.Cancel(err)
			default:
				h.Error(err)
			}
		})
		return
	}
}
