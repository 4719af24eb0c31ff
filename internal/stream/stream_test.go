// ABOUTME: Tests for OrderBuffer and Chain
// ABOUTME: Covers arrival-order independence, single-flight requests and termination

package stream

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/fsm"
	"github.com/2389/parley/internal/wire"
)

// fakeSource is driven by the test through send/finish/fail.
type fakeSource struct {
	h        *Handler
	canceled []error
}

func (f *fakeSource) Start(h Handler) { f.h = &h }
func (f *fakeSource) Cancel(reason error) { f.canceled = append(f.canceled, reason) }
func (f *fakeSource) started() bool { return f.h != nil }
func (f *fakeSource) send(p []byte) { f.h.Data(p) }
func (f *fakeSource) finish() { f.h.Done() }
func (f *fakeSource) fail(err error) { f.h.Error(err) }
func (f *fakeSource) abandon(reason error) { f.h.Cancel(reason) }

// autoSource delivers its bytes and completes as soon as it is started.
type autoSource struct {
	index uint64
	data  []byte
	order *[]uint64
}

func (a *autoSource) Start(h Handler) {
	*a.order = append(*a.order, a.index)
	h.Data(a.data)
	h.Done()
}

func (a *autoSource) Cancel(error) {}

func frame(t *testing.T, id string) []byte {
	t.Helper()
	b, err := wire.EncodeFrame(wire.Message{Type: wire.TypeQuestion, ID: id})
	require.NoError(t, err)
	return b
}

// pipeline wires an OrderBuffer into a Chain the way a conversation does.
func pipeline(order *OrderBuffer, chain *Chain) {
	var pull func()
	pull = func() {
		_ = order.AwaitNext(func(e Entry) {
			if err := chain.AddReader(e); err != nil {
				e.Source.Cancel(err)
				return
			}
			pull()
		})
	}
	pull()
}

func drainIDs(t *testing.T, chain *Chain) []string {
	t.Helper()
	var ids []string
	for {
		got := false
		require.NoError(t, chain.AwaitObject(wire.Await{
			Object: func(m wire.Message) { ids = append(ids, m.ID); got = true },
		}))
		if !got {
			return ids
		}
	}
}

func permutations(n int) [][]uint64 {
	var out [][]uint64
	var permute func([]uint64, int)
	permute = func(a []uint64, k int) {
		if k == len(a) {
			out = append(out, append([]uint64(nil), a...))
			return
		}
		for i := k; i < len(a); i++ {
			a[k], a[i] = a[i], a[k]
			permute(a, k+1)
			a[k], a[i] = a[i], a[k]
		}
	}
	base := make([]uint64, n)
	for i := range base {
		base[i] = uint64(i)
	}
	permute(base, 0)
	return out
}

// =============================================================================
// OrderBuffer
// =============================================================================

func TestOrderBuffer_DrainsInIndexOrderForEveryArrivalOrder(t *testing.T) {
	for _, arrival := range permutations(5) {
		t.Run(fmt.Sprint(arrival), func(t *testing.T) {
			order := NewOrderBuffer()
			chain := NewChain(wire.NewDecoder(0), ChainEvents{})
			pipeline(order, chain)

			var started []uint64
			for _, idx := range arrival {
				src := &autoSource{index: idx, data: frame(t, fmt.Sprintf("s%d", idx)), order: &started}
				require.NoError(t, order.Add(Entry{Index: idx, Source: src}))
			}

			assert.Equal(t, []uint64{0, 1, 2, 3, 4}, started)
			assert.Equal(t, []string{"s0", "s1", "s2", "s3", "s4"}, drainIDs(t, chain))
			assert.Zero(t, order.Held())
			assert.Equal(t, uint64(5), order.Next())
		})
	}
}

func TestOrderBuffer_RejectsConsumedAndDuplicateIndex(t *testing.T) {
	order := NewOrderBuffer()
	var got []uint64
	require.NoError(t, order.AwaitNext(func(e Entry) { got = append(got, e.Index) }))
	require.NoError(t, order.Add(Entry{Index: 0, Source: &fakeSource{}}))
	require.Equal(t, []uint64{0}, got)

	assert.ErrorIs(t, order.Add(Entry{Index: 0, Source: &fakeSource{}}), ErrIndexConsumed)

	require.NoError(t, order.Add(Entry{Index: 3, Source: &fakeSource{}}))
	assert.ErrorIs(t, order.Add(Entry{Index: 3, Source: &fakeSource{}}), ErrIndexDuplicate)
}

func TestOrderBuffer_SecondAwaitFails(t *testing.T) {
	order := NewOrderBuffer()
	require.NoError(t, order.AwaitNext(func(Entry) {}))
	assert.ErrorIs(t, order.AwaitNext(func(Entry) {}), ErrAwaitPending)
}

func TestOrderBuffer_EndRequiresEmpty(t *testing.T) {
	order := NewOrderBuffer()
	require.NoError(t, order.Add(Entry{Index: 2, Source: &fakeSource{}}))
	assert.ErrorIs(t, order.End(), ErrBufferNotEmpty)

	empty := NewOrderBuffer()
	require.NoError(t, empty.AwaitNext(func(Entry) {}))
	assert.ErrorIs(t, empty.End(), ErrAwaitPending, "a waiting consumer blocks End")
	assert.True(t, empty.StopWaiting())
	assert.False(t, empty.StopWaiting())
	require.NoError(t, empty.End())
	assert.ErrorIs(t, empty.Add(Entry{Index: 0, Source: &fakeSource{}}), ErrBufferEnded)
}

func TestOrderBuffer_CancelDrainsHeldEntries(t *testing.T) {
	order := NewOrderBuffer()
	s2, s3 := &fakeSource{}, &fakeSource{}
	var done []error
	record := func(err error) { done = append(done, err) }
	require.NoError(t, order.Add(Entry{Index: 2, Source: s2, Done: record}))
	require.NoError(t, order.Add(Entry{Index: 3, Source: s3, Done: record}))

	reason := errors.New("conversation canceled")
	order.Cancel(reason)
	order.Cancel(errors.New("again"))
	order.Error(errors.New("and again"))

	assert.Equal(t, []error{reason}, s2.canceled)
	assert.Equal(t, []error{reason}, s3.canceled)
	assert.Equal(t, []error{reason, reason}, done)
	assert.Zero(t, order.Held())

	err := order.Add(Entry{Index: 4, Source: &fakeSource{}})
	assert.ErrorIs(t, err, ErrBufferCanceled)
	assert.ErrorIs(t, err, reason)
}

// =============================================================================
// Chain
// =============================================================================

func TestChain_OutOfOrderArrivalDrainsLowerIndexFirst(t *testing.T) {
	order := NewOrderBuffer()
	noReaders := 0
	chain := NewChain(wire.NewDecoder(0), ChainEvents{NoReaders: func() { noReaders++ }})
	pipeline(order, chain)

	s0, s1, s2 := &fakeSource{}, &fakeSource{}, &fakeSource{}
	require.NoError(t, order.Add(Entry{Index: 0, Source: s0}))
	require.True(t, s0.started())
	s0.send(frame(t, "s0"))
	s0.finish()
	assert.Equal(t, ChainIdle, chain.State())
	assert.Equal(t, 1, noReaders)

	// Index 2 arrives before index 1.
	require.NoError(t, order.Add(Entry{Index: 2, Source: s2}))
	assert.False(t, s2.started())
	require.NoError(t, order.Add(Entry{Index: 1, Source: s1}))
	assert.True(t, s1.started())
	assert.False(t, s2.started(), "index 2 must wait for index 1 to drain")
	assert.Equal(t, 1, chain.Queued())

	s1.send(frame(t, "s1"))
	assert.False(t, s2.started())
	s1.finish()
	require.True(t, s2.started())
	s2.send(frame(t, "s2"))
	s2.finish()

	assert.Equal(t, 2, noReaders)
	assert.Equal(t, []string{"s0", "s1", "s2"}, drainIDs(t, chain))
}

func TestChain_FrameSpanningStreams(t *testing.T) {
	chain := NewChain(wire.NewDecoder(0), ChainEvents{})
	f := frame(t, "split")
	a, b := &fakeSource{}, &fakeSource{}
	var done []error
	record := func(err error) { done = append(done, err) }
	require.NoError(t, chain.AddReader(Entry{Index: 0, Source: a, Done: record}))
	require.NoError(t, chain.AddReader(Entry{Index: 1, Source: b, Done: record}))

	a.send(f[:5])
	a.finish()
	b.send(f[5:])
	b.finish()

	assert.Equal(t, []error{nil, nil}, done)
	assert.Equal(t, []string{"split"}, drainIDs(t, chain))
	assert.True(t, chain.Drained())
	require.NoError(t, chain.End())
	assert.Equal(t, ChainEnded, chain.State())
}

func TestChain_StreamEndsMidFrame(t *testing.T) {
	chain := NewChain(wire.NewDecoder(0), ChainEvents{})
	f := frame(t, "truncated")
	src := &fakeSource{}
	require.NoError(t, chain.AddReader(Entry{Index: 0, Source: src}))

	objects, noData := 0, 0
	var failed error
	require.NoError(t, chain.AwaitObject(wire.Await{
		Object: func(wire.Message) { objects++ },
		NoData: func() { noData++ },
		Failed: func(err error) { failed = err },
	}))
	src.send(f[:len(f)-4])
	src.finish()

	assert.Zero(t, objects)
	assert.Equal(t, 1, noData)
	assert.False(t, chain.Drained())
	assert.ErrorIs(t, chain.End(), ErrEndWithPending)

	chain.Error(errors.New("peer closed mid-frame"))
	assert.Zero(t, objects)
	assert.ErrorIs(t, failed, wire.ErrDecoderFailed)
}

func TestChain_SecondAwaitFails(t *testing.T) {
	chain := NewChain(wire.NewDecoder(0), ChainEvents{})
	require.NoError(t, chain.AwaitObject(wire.Await{Object: func(wire.Message) {}}))
	assert.ErrorIs(t, chain.AwaitObject(wire.Await{Object: func(wire.Message) {}}), wire.ErrAwaitPending)
}

func TestChain_SourceErrorPropagates(t *testing.T) {
	var errored []error
	chain := NewChain(wire.NewDecoder(0), ChainEvents{
		Errored:  func(err error) { errored = append(errored, err) },
		Canceled: func(error) { t.Fatal("unexpected cancel") },
	})
	active, queued := &fakeSource{}, &fakeSource{}
	var done []error
	record := func(err error) { done = append(done, err) }
	require.NoError(t, chain.AddReader(Entry{Index: 0, Source: active, Done: record}))
	require.NoError(t, chain.AddReader(Entry{Index: 1, Source: queued, Done: record}))

	var failed error
	require.NoError(t, chain.AwaitObject(wire.Await{Object: func(wire.Message) {}, Failed: func(err error) { failed = err }}))

	boom := errors.New("connection reset")
	active.fail(boom)
	active.fail(errors.New("late"))

	assert.Equal(t, ChainErrored, chain.State())
	assert.Equal(t, []error{boom}, errored)
	assert.Equal(t, []error{boom, boom}, done)
	assert.Equal(t, []error{boom}, active.canceled)
	assert.Equal(t, []error{boom}, queued.canceled)
	assert.ErrorIs(t, failed, boom)
	assert.ErrorIs(t, chain.AddReader(Entry{Index: 2, Source: &fakeSource{}}), fsm.ErrWrongState)
}

func TestChain_SourceCancelPropagates(t *testing.T) {
	var canceled []error
	chain := NewChain(wire.NewDecoder(0), ChainEvents{Canceled: func(r error) { canceled = append(canceled, r) }})
	src := &fakeSource{}
	require.NoError(t, chain.AddReader(Entry{Index: 0, Source: src}))

	reason := errors.New("client went away")
	src.abandon(reason)

	assert.Equal(t, ChainCanceled, chain.State())
	assert.Equal(t, []error{reason}, canceled)
}

func TestChain_OwnerCancelDoesNotNotify(t *testing.T) {
	chain := NewChain(wire.NewDecoder(0), ChainEvents{
		Canceled: func(error) { t.Fatal("owner-initiated cancel must not echo") },
	})
	src := &fakeSource{}
	require.NoError(t, chain.AddReader(Entry{Index: 0, Source: src}))

	reason := errors.New("local abandon")
	chain.Cancel(reason)
	chain.Cancel(errors.New("twice"))

	assert.Equal(t, []error{reason}, src.canceled)
	assert.Equal(t, reason, chain.Err())
	src.send([]byte("ignored after cancel"))
}
