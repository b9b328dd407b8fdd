// Package valuation computes the live value of the retail and wholesale
// inventories.
package valuation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

const DefaultUnitsPerPack = 20

type Valuer struct {
	inventory    store.InventoryReader
	unitsPerPack int
}

// New returns a Valuer. unitsPerPack is used for wholesale items that do not
// carry their own pack size; values below 1 fall back to DefaultUnitsPerPack.
func New(inventory store.InventoryReader, unitsPerPack int) *Valuer {
	if unitsPerPack < 1 {
		unitsPerPack = DefaultUnitsPerPack
	}
	return &Valuer{inventory: inventory, unitsPerPack: unitsPerPack}
}

// UnitsPerPack is the only place the wholesale pack size is resolved.
func (v *Valuer) UnitsPerPack(item domain.StockItem) int {
	if item.UnitsPerPack > 0 {
		return item.UnitsPerPack
	}
	return v.unitsPerPack
}

// LineValue values qty of item. Wholesale quantities are packs.
func (v *Valuer) LineValue(item domain.StockItem, qty int) decimal.Decimal {
	value := item.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))
	if item.Channel == domain.ChannelWholesale {
		value = value.Mul(decimal.NewFromInt(int64(v.UnitsPerPack(item))))
	}
	return value
}

// StockValue scans both inventories concurrently and sums their line values.
func (v *Valuer) StockValue(ctx context.Context) (decimal.Decimal, error) {
	channels := []string{domain.ChannelRetail, domain.ChannelWholesale}
	totals := make([]decimal.Decimal, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	for i, channel := range channels {
		g.Go(func() error {
			items, err := v.inventory.ListStockItems(gctx, channel)
			if err != nil {
				return fmt.Errorf("scan %s inventory: %w", channel, err)
			}
			sum := decimal.Zero
			for _, item := range items {
				if item.Channel != channel {
					continue
				}
				sum = sum.Add(v.LineValue(item, item.Quantity))
			}
			totals[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return decimal.Zero, err
	}
	return decimal.Sum(totals[0], totals[1:]...), nil
}
