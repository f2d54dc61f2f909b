package pipeline

import (
	"context"
	"sync"

	"github.com/loqalabs/loqa-cue/internal/protocol"
)

// utteranceQueue is a bounded FIFO that drops its oldest entry when full so
// the capture path never blocks.
type utteranceQueue struct {
	mu     sync.Mutex
	items  []protocol.Utterance
	limit  int
	closed bool
	notify chan struct{}
}

func newUtteranceQueue(limit int) *utteranceQueue {
	if limit < 1 {
		limit = 1
	}
	return &utteranceQueue{limit: limit, notify: make(chan struct{}, 1)}
}

// Push appends utt. It returns the evicted utterance, if any, and false
// once the queue is closed.
func (q *utteranceQueue) Push(utt protocol.Utterance) (*protocol.Utterance, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}
	var dropped *protocol.Utterance
	if len(q.items) >= q.limit {
		oldest := q.items[0]
		dropped = &oldest
		q.items = q.items[1:]
	}
	q.items = append(q.items, utt)
	q.signalLocked()
	return dropped, true
}

// Pop blocks until an utterance is available. It returns false when the
// queue is closed and empty, or ctx is done.
func (q *utteranceQueue) Pop(ctx context.Context) (protocol.Utterance, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			utt := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signalLocked()
			}
			q.mu.Unlock()
			return utt, true
		}
		if q.closed {
			q.mu.Unlock()
			return protocol.Utterance{}, false
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return protocol.Utterance{}, false
		case <-q.notify:
		}
	}
}

// Close stops accepting work. Pending utterances stay poppable.
func (q *utteranceQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

func (q *utteranceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *utteranceQueue) signalLocked() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
