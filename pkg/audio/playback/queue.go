// Package playback sequences inbound audio frames for gapless playback and
// supports abrupt, atomic cancellation.
//
// A [Queue] owns one dispatch goroutine that hands frames to a [Sink] strictly
// in enqueue order, one at a time. [Queue.Flush] empties the queue and stops
// the frame currently being played; once it returns, no frame enqueued before
// the call will ever reach the sink.
package playback

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrClosed is returned by [Queue.Enqueue] after [Queue.Close].
var ErrClosed = errors.New("playback: queue closed")

// defaultQueueCap is the initial capacity hint for the heap.
const defaultQueueCap = 32

// Item is a queued frame.
type Item struct {
	// Seq is the monotonically increasing enqueue sequence number.
	Seq uint64

	// Epoch is the flush generation the item was enqueued in. A sink may
	// compare it with [Queue.Epoch] to discard stale work of its own.
	Epoch uint64

	Frame audio.Frame
}

// Sink plays one item to completion. It must return promptly once ctx is
// cancelled; the queue cancels ctx on flush and close.
type Sink func(ctx context.Context, it Item) error

// Option configures a [Queue].
type Option func(*Queue)

// WithLogger sets the logger used for sink errors.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithQueueCapacity sets the initial capacity hint for the queue. It is not a
// hard limit.
func WithQueueCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.items = make(itemHeap, 0, n)
		}
	}
}

// Queue is a FIFO playback queue with a single consumer. All exported methods
// are safe for concurrent use.
type Queue struct {
	sink Sink
	log  *slog.Logger

	mu         sync.Mutex
	items      itemHeap
	seq        uint64
	epoch      uint64
	playing    bool
	cancelPlay context.CancelFunc
	playDone   chan struct{} // closed when the in-flight sink call returns
	closed     bool

	notify  chan struct{}
	drained chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Queue delivering frames to sink and starts its dispatch
// goroutine. Call [Queue.Close] to stop it.
func New(sink Sink, opts ...Option) *Queue {
	q := &Queue{
		sink:    sink,
		log:     slog.Default(),
		items:   make(itemHeap, 0, defaultQueueCap),
		notify:  make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	heap.Init(&q.items)
	q.wg.Go(q.dispatch)
	return q
}

// Enqueue appends frame to the queue and returns its sequence number.
func (q *Queue) Enqueue(frame audio.Frame) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}
	q.seq++
	heap.Push(&q.items, Item{Seq: q.seq, Epoch: q.epoch, Frame: frame})

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return q.seq, nil
}

// Flush empties the queue and halts the frame currently playing. It blocks
// until the sink has returned from any in-flight item, so after Flush returns
// no previously enqueued frame can be played. Flush returns the number of
// queued frames that were discarded, not counting the interrupted one.
func (q *Queue) Flush() int {
	q.mu.Lock()
	n := q.items.Len()
	clear(q.items)
	q.items = q.items[:0]
	q.epoch++
	cancel, wait := q.cancelPlay, q.playDone
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-wait
	}
	return n
}

// IsEmpty reports whether nothing is queued and nothing is playing.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() == 0 && !q.playing
}

// Len returns the number of frames waiting to be played.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Epoch returns the current flush generation.
func (q *Queue) Epoch() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}

// Drained signals when a frame finishes playing and the queue is left empty.
// The channel has capacity one; bursts coalesce into a single notification, so
// receivers should re-check [Queue.IsEmpty].
func (q *Queue) Drained() <-chan struct{} { return q.drained }

// Close stops playback, discards queued frames and waits for the dispatch
// goroutine to exit. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	clear(q.items)
	q.items = q.items[:0]
	q.epoch++
	if q.cancelPlay != nil {
		q.cancelPlay()
	}
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
	return nil
}

// dispatch pops items in sequence order and plays each one to completion
// before popping the next.
func (q *Queue) dispatch() {
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			it, ctx, ok := q.dequeue()
			if !ok {
				break
			}
			var err error
			if ctx.Err() == nil {
				err = q.sink(ctx, it)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				q.log.Warn("playback: sink failed", "seq", it.Seq, "err", err)
			}
			q.finish()
		}
	}
}

// dequeue pops the next item and marks it as playing.
func (q *Queue) dequeue() (Item, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.items.Len() == 0 {
		return Item{}, nil, false
	}
	it := heap.Pop(&q.items).(Item)
	ctx, cancel := context.WithCancel(context.Background())
	q.playing = true
	q.cancelPlay = cancel
	q.playDone = make(chan struct{})
	return it, ctx, true
}

// finish clears the playing state and signals Drained when the queue is
// empty.
func (q *Queue) finish() {
	q.mu.Lock()
	q.cancelPlay()
	close(q.playDone)
	q.playing = false
	q.cancelPlay = nil
	q.playDone = nil
	empty := q.items.Len() == 0
	q.mu.Unlock()

	if empty {
		select {
		case q.drained <- struct{}{}:
		default:
		}
	}
}
