package outbox

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/xid"
)

// Hooks are the post-commit calls business workflows make after a stock or
// sale mutation. They never fail: an event that cannot be enqueued is logged
// and dropped, leaving the committed mutation untouched.
type Hooks struct {
	queue Queue
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewHooks(queue Queue, logger logrus.FieldLogger) *Hooks {
	return &Hooks{
		queue: queue,
		log:   logger.WithField("component", "ledger-hooks"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (h *Hooks) OnStockAdded(ctx context.Context) {
	h.enqueue(ctx, domain.LedgerEvent{Kind: domain.LedgerEventStockAdded})
}

func (h *Hooks) OnStockEntryDeleted(ctx context.Context, valueRemoved decimal.Decimal, isLastEntry bool) {
	h.enqueue(ctx, domain.LedgerEvent{
		Kind:         domain.LedgerEventStockEntryDeleted,
		ValueRemoved: &valueRemoved,
		IsLastEntry:  isLastEntry,
	})
}

func (h *Hooks) OnSaleRecorded(ctx context.Context, amount decimal.Decimal, netProfit decimal.Decimal) {
	h.enqueue(ctx, domain.LedgerEvent{
		Kind:      domain.LedgerEventSaleRecorded,
		Amount:    &amount,
		NetProfit: &netProfit,
	})
}

// OnSaleReversed takes the original sale figures; the ledger negates them.
func (h *Hooks) OnSaleReversed(ctx context.Context, amount decimal.Decimal, netProfit decimal.Decimal) {
	h.enqueue(ctx, domain.LedgerEvent{
		Kind:      domain.LedgerEventSaleReversed,
		Amount:    &amount,
		NetProfit: &netProfit,
	})
}

func (h *Hooks) enqueue(ctx context.Context, event domain.LedgerEvent) {
	event.ID = xid.New("evt")
	event.OccurredAt = h.now()
	if err := h.queue.Enqueue(context.WithoutCancel(ctx), event); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"event_id": event.ID,
			"kind":     event.Kind,
		}).Warn("failed to enqueue ledger event")
	}
}
