package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ent0n29/voicerelay/internal/audio"
)

type ItemKind uint8

const (
	ItemAudio ItemKind = iota + 1
	ItemCommit
	ItemText
)

func (k ItemKind) String() string {
	switch k {
	case ItemAudio:
		return "audio"
	case ItemCommit:
		return "commit"
	case ItemText:
		return "text"
	default:
		return "unknown"
	}
}

// Item is one unit of inbound work for the upstream side.
type Item struct {
	Kind  ItemKind
	Frame audio.Frame
	Text  string
}

var ErrQueueClosed = errors.New("queue closed")

const DefaultQueueCapacity = 64

// Queue is the bounded inbound queue between the client reader and the
// upstream forwarder. Push never blocks: once Capacity audio frames are
// queued the oldest frame is dropped. Commit and text items are never dropped
// and do not count towards Capacity.
type Queue struct {
	capacity int
	onDrop   func(audio.Frame)

	mu      sync.Mutex
	items   []Item
	frames  int
	dropped uint64
	closed  bool
	notify  chan struct{}
}

func NewQueue(capacity int, onDrop func(audio.Frame)) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		onDrop:   onDrop,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues it and reports whether an older frame was dropped to make
// room.
func (q *Queue) Push(it Item) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrQueueClosed
	}

	var (
		dropped audio.Frame
		didDrop bool
	)
	if it.Kind == ItemAudio {
		if q.frames >= q.capacity {
			for i, existing := range q.items {
				if existing.Kind != ItemAudio {
					continue
				}
				dropped = existing.Frame
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.frames--
				q.dropped++
				didDrop = true
				break
			}
		}
		q.frames++
	}
	q.items = append(q.items, it)
	onDrop := q.onDrop
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	if didDrop && onDrop != nil {
		onDrop(dropped)
	}
	return didDrop, nil
}

// Pop blocks until an item is available, the queue is closed and drained, or
// ctx is done.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = Item{}
			q.items = q.items[1:]
			if it.Kind == ItemAudio {
				q.frames--
			}
			q.mu.Unlock()
			return it, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Item{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len reports queued items of every kind.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Frames reports queued audio frames.
func (q *Queue) Frames() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frames
}

func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops further pushes. Items already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
