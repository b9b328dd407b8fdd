package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/domain"
)

const defaultApplyTimeout = 30 * time.Second

// LocalQueue hands events to a single in-process worker goroutine, so events
// are applied one at a time in enqueue order.
type LocalQueue struct {
	handler Handler
	log     logrus.FieldLogger
	events  chan domain.LedgerEvent
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewLocalQueue(handler Handler, buffer int, logger logrus.FieldLogger) *LocalQueue {
	if buffer < 1 {
		buffer = 256
	}
	q := &LocalQueue{
		handler: handler,
		log:     logger.WithField("component", "outbox"),
		events:  make(chan domain.LedgerEvent, buffer),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *LocalQueue) Enqueue(ctx context.Context, event domain.LedgerEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *LocalQueue) run() {
	defer close(q.done)
	for event := range q.events {
		// the triggering request may already be gone, so each event gets its own context
		ctx, cancel := context.WithTimeout(context.Background(), defaultApplyTimeout)
		_ = handleSafely(ctx, q.handler, event, q.log)
		cancel()
	}
}

// Close stops accepting events and waits until the queued ones are applied.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()
	<-q.done
	return nil
}
