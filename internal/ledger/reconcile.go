package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
)

// ReconcileAfterStockAddition moves a stock value increase out of cash and
// into stock, raising investment to the new stock value when it exceeds it.
func (l *Ledger) ReconcileAfterStockAddition(ctx context.Context) (*domain.LedgerRecord, error) {
	return l.reconcileStockAddition(ctx, "")
}

func (l *Ledger) reconcileStockAddition(ctx context.Context, eventID string) (*domain.LedgerRecord, error) {
	return l.update(ctx, updateOptions{op: "stock_addition", eventID: eventID, needLive: true}, additionRule)
}

func additionRule(rec domain.LedgerRecord, live decimal.Decimal) (domain.LedgerFields, error) {
	delta := live.Sub(rec.TotalStockValue)
	if !delta.IsPositive() {
		return domain.LedgerFields{TotalStockValue: ptr(live)}, nil
	}
	return domain.LedgerFields{
		CashInHand:      ptr(rec.CashInHand.Sub(delta)),
		TotalStockValue: ptr(live),
		TotalInvestment: ptr(decimal.Max(rec.TotalInvestment, live)),
	}, nil
}

// ReconcileAfterStockDeletion returns the value of a deleted stock entry to
// cash. With valueRemoved nil the returned value is inferred from the drop in
// stock value. Deleting the last entry resets the ledger to its baseline.
// An explicit value is credited on every call; repeat protection comes from
// the event id when the deletion arrives through Apply.
func (l *Ledger) ReconcileAfterStockDeletion(ctx context.Context, valueRemoved *decimal.Decimal, isLastEntry bool) (*domain.LedgerRecord, error) {
	return l.reconcileStockDeletion(ctx, "", valueRemoved, isLastEntry)
}

func (l *Ledger) reconcileStockDeletion(ctx context.Context, eventID string, valueRemoved *decimal.Decimal, isLastEntry bool) (*domain.LedgerRecord, error) {
	if isLastEntry {
		base := l.baseline()
		return l.update(ctx, updateOptions{op: "stock_reset", eventID: eventID}, func(domain.LedgerRecord, decimal.Decimal) (domain.LedgerFields, error) {
			return domain.LedgerFields{
				CashInHand:      ptr(base.CashInHand),
				TotalStockValue: ptr(base.TotalStockValue),
				TotalInvestment: ptr(base.TotalInvestment),
				TotalProfit:     ptr(base.TotalProfit),
			}, nil
		})
	}

	return l.update(ctx, updateOptions{op: "stock_deletion", eventID: eventID, needLive: true}, func(rec domain.LedgerRecord, live decimal.Decimal) (domain.LedgerFields, error) {
		fields := domain.LedgerFields{TotalStockValue: ptr(live)}
		if valueRemoved != nil {
			fields.CashInHand = ptr(rec.CashInHand.Add(valueRemoved.Abs()))
			return fields, nil
		}
		if dropped := rec.TotalStockValue.Sub(live); dropped.IsPositive() {
			fields.CashInHand = ptr(rec.CashInHand.Add(dropped))
		}
		return fields, nil
	})
}

// ReconcileAfterSale books a sale (amount >= 0) or a sale reversal
// (amount < 0). A nil amount takes the legacy path, see reconcileInferredSale.
// A reversal with a non-positive net profit removes |amount| from profit,
// mirroring what the sale booked. Each call books again; only Apply dedupes,
// by event id.
func (l *Ledger) ReconcileAfterSale(ctx context.Context, amount *decimal.Decimal, netProfit *decimal.Decimal) (*domain.LedgerRecord, error) {
	return l.reconcileSale(ctx, "", amount, netProfit)
}

func (l *Ledger) reconcileSale(ctx context.Context, eventID string, amount *decimal.Decimal, netProfit *decimal.Decimal) (*domain.LedgerRecord, error) {
	if amount == nil {
		return l.reconcileInferredSale(ctx, eventID, "sale_inferred")
	}

	op := "sale"
	if amount.IsNegative() {
		op = "sale_reversal"
	}
	profit := l.realizedProfit(op, *amount, netProfit)
	return l.update(ctx, updateOptions{op: op, eventID: eventID, needLive: true}, func(rec domain.LedgerRecord, live decimal.Decimal) (domain.LedgerFields, error) {
		return domain.LedgerFields{
			CashInHand:      ptr(rec.CashInHand.Add(*amount)),
			TotalStockValue: ptr(live),
			TotalProfit:     ptr(rec.TotalProfit.Add(profit)),
		}, nil
	})
}

// realizedProfit is the signed profit change for a sale or reversal. Only a
// positive net profit is trusted; anything else books the whole amount, which
// overstates profit and is logged as degraded input.
func (l *Ledger) realizedProfit(op string, amount decimal.Decimal, netProfit *decimal.Decimal) decimal.Decimal {
	profit := amount.Abs()
	if netProfit != nil && netProfit.IsPositive() {
		profit = *netProfit
	} else {
		entry := l.log.WithField("op", op).WithField("amount", amount.String())
		if netProfit != nil {
			entry = entry.WithField("net_profit", netProfit.String())
		}
		entry.Warn("no positive net profit supplied, booking sale amount as profit")
	}
	if amount.IsNegative() {
		return profit.Neg()
	}
	return profit
}

// reconcileInferredSale is the best-effort legacy path used when no sale
// context is known: a drop in stock value is booked as a sale whose amount
// and profit both equal the drop. Any other movement only resyncs stock.
func (l *Ledger) reconcileInferredSale(ctx context.Context, eventID string, op string) (*domain.LedgerRecord, error) {
	return l.update(ctx, updateOptions{op: op, eventID: eventID, needLive: true}, inferredSaleRule(l))
}

func inferredSaleRule(l *Ledger) rule {
	return func(rec domain.LedgerRecord, live decimal.Decimal) (domain.LedgerFields, error) {
		delta := live.Sub(rec.TotalStockValue)
		if !delta.IsNegative() {
			return domain.LedgerFields{TotalStockValue: ptr(live)}, nil
		}
		sold := delta.Abs()
		l.log.WithField("inferred_amount", sold.String()).Warn("booking stock value drop as sale without sale context")
		return domain.LedgerFields{
			CashInHand:      ptr(rec.CashInHand.Add(sold)),
			TotalStockValue: ptr(live),
			TotalProfit:     ptr(rec.TotalProfit.Add(sold)),
		}, nil
	}
}

// Refresh recomputes the ledger from the sign of the stock value drift alone.
// It is the manual repair action for a ledger that missed events.
func (l *Ledger) Refresh(ctx context.Context) (*domain.LedgerRecord, error) {
	saleRule := inferredSaleRule(l)
	return l.update(ctx, updateOptions{op: "refresh", needLive: true}, func(rec domain.LedgerRecord, live decimal.Decimal) (domain.LedgerFields, error) {
		switch live.Sub(rec.TotalStockValue).Sign() {
		case 1:
			return additionRule(rec, live)
		case -1:
			return saleRule(rec, live)
		default:
			return domain.LedgerFields{TotalStockValue: ptr(live)}, nil
		}
	})
}

// Apply dispatches a post-commit ledger event. Events are applied at most
// once per id among the most recent ones.
func (l *Ledger) Apply(ctx context.Context, event domain.LedgerEvent) error {
	var err error
	switch event.Kind {
	case domain.LedgerEventStockAdded:
		_, err = l.reconcileStockAddition(ctx, event.ID)
	case domain.LedgerEventStockEntryDeleted:
		_, err = l.reconcileStockDeletion(ctx, event.ID, event.ValueRemoved, event.IsLastEntry)
	case domain.LedgerEventSaleRecorded:
		_, err = l.reconcileSale(ctx, event.ID, event.Amount, event.NetProfit)
	case domain.LedgerEventSaleReversed:
		amount := event.Amount
		if amount != nil {
			amount = ptr(amount.Abs().Neg())
		}
		_, err = l.reconcileSale(ctx, event.ID, amount, event.NetProfit)
	default:
		return fmt.Errorf("unknown ledger event kind %q", event.Kind)
	}
	return err
}
