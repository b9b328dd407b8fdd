// Package outbox decouples ledger reconciliation from the workflows that
// trigger it. A workflow commits its own change first, then enqueues a
// LedgerEvent; a handler applies the event inside its own error boundary.
package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/domain"
)

var ErrQueueClosed = errors.New("outbox queue closed")

// Handler applies one ledger event.
type Handler interface {
	Apply(ctx context.Context, event domain.LedgerEvent) error
}

type HandlerFunc func(ctx context.Context, event domain.LedgerEvent) error

func (f HandlerFunc) Apply(ctx context.Context, event domain.LedgerEvent) error {
	return f(ctx, event)
}

type Queue interface {
	Enqueue(ctx context.Context, event domain.LedgerEvent) error
}

// handleSafely runs the handler and converts a panic into an error. Failures
// are logged here so callers never have to.
func handleSafely(ctx context.Context, handler Handler, event domain.LedgerEvent, log logrus.FieldLogger) (err error) {
	entry := log.WithFields(logrus.Fields{"event_id": event.ID, "kind": event.Kind})
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ledger handler panic: %v", r)
		}
		if err != nil {
			entry.WithError(err).Error("ledger reconciliation failed")
		}
	}()
	return handler.Apply(ctx, event)
}

// SyncQueue applies events inline on the caller's goroutine but still keeps
// handler failures away from the caller.
type SyncQueue struct {
	handler Handler
	log     logrus.FieldLogger
}

func NewSyncQueue(handler Handler, logger logrus.FieldLogger) *SyncQueue {
	return &SyncQueue{handler: handler, log: logger.WithField("component", "outbox")}
}

func (q *SyncQueue) Enqueue(ctx context.Context, event domain.LedgerEvent) error {
	_ = handleSafely(ctx, q.handler, event, q.log)
	return nil
}
