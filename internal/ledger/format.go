package ledger

import (
	"context"

	money "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
)

// View returns the snapshot together with display strings in the ledger currency.
func (l *Ledger) View(ctx context.Context) (*domain.LedgerView, error) {
	rec, err := l.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.LedgerView{
		Record:   *rec,
		Currency: l.cfg.Currency,
		Formatted: map[string]string{
			"cash_in_hand":      FormatMoney(rec.CashInHand, l.cfg.Currency),
			"total_stock_value": FormatMoney(rec.TotalStockValue, l.cfg.Currency),
			"total_investment":  FormatMoney(rec.TotalInvestment, l.cfg.Currency),
			"total_profit":      FormatMoney(rec.TotalProfit, l.cfg.Currency),
		},
	}, nil
}

// FormatMoney renders amount with the currency's grapheme and separators,
// rounded to the currency's minor unit.
func FormatMoney(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(2) + " " + currency
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return money.New(minor.IntPart(), cur.Code).Display()
}
