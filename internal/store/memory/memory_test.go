package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

func TestLedgerVersionCheckedUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetLedger(ctx, "capital-ledger")
	require.ErrorIs(t, err, store.ErrNotFound)

	rec, err := s.PutLedger(ctx, domain.LedgerRecord{ID: "capital-ledger", CashInHand: decimal.NewFromInt(200000)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)

	// a second insert keeps the first record
	again, err := s.PutLedger(ctx, domain.LedgerRecord{ID: "capital-ledger", CashInHand: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.True(t, again.CashInHand.Equal(decimal.NewFromInt(200000)))

	cash := decimal.NewFromInt(150000)
	updated, err := s.UpdateLedgerFields(ctx, "capital-ledger", 1, domain.LedgerFields{CashInHand: &cash})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.True(t, updated.CashInHand.Equal(cash))

	_, err = s.UpdateLedgerFields(ctx, "capital-ledger", 1, domain.LedgerFields{CashInHand: &cash})
	require.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestAddAndDeleteStockEntries(t *testing.T) {
	ctx := context.Background()
	s := New()

	item := domain.StockItem{ID: "item-1", Channel: domain.ChannelRetail, SKU: "GULA", Name: "Gula", UnitPrice: decimal.NewFromInt(100)}
	_, first, err := s.AddStock(ctx, item, domain.StockEntry{ID: "entry-1", Quantity: 10})
	require.NoError(t, err)
	got, _, err := s.AddStock(ctx, item, domain.StockEntry{ID: "entry-2", Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, 15, got.Quantity)
	assert.Equal(t, "item-1", first.ItemID)

	removal, err := s.DeleteStockEntry(ctx, "entry-1")
	require.NoError(t, err)
	assert.Equal(t, "entry-1", removal.Entry.ID)
	assert.Equal(t, 10, removal.RemovedQty)
	assert.Equal(t, 1, removal.Remaining)

	stocked, err := s.GetStockItemBySKU(ctx, domain.ChannelRetail, "GULA")
	require.NoError(t, err)
	assert.Equal(t, 5, stocked.Quantity)

	removal, err = s.DeleteStockEntry(ctx, "entry-2")
	require.NoError(t, err)
	assert.Equal(t, 0, removal.Remaining)

	_, err = s.DeleteStockEntry(ctx, "entry-2")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestockAveragesUnitPrice(t *testing.T) {
	ctx := context.Background()
	s := New()

	item := domain.StockItem{ID: "item-1", Channel: domain.ChannelRetail, SKU: "MINYAK", Name: "Minyak", UnitPrice: decimal.NewFromInt(100)}
	_, _, err := s.AddStock(ctx, item, domain.StockEntry{ID: "entry-1", Quantity: 10})
	require.NoError(t, err)

	item.UnitPrice = decimal.NewFromInt(200)
	got, _, err := s.AddStock(ctx, item, domain.StockEntry{ID: "entry-2", Quantity: 10})
	require.NoError(t, err)
	assert.Equal(t, 20, got.Quantity)
	assert.True(t, got.UnitPrice.Equal(decimal.NewFromInt(150)), "got %s", got.UnitPrice)
}

func TestDeleteEntryNeverTakesMoreThanIsHeld(t *testing.T) {
	ctx := context.Background()
	s := New()

	item := domain.StockItem{ID: "item-1", Channel: domain.ChannelRetail, SKU: "GULA", Name: "Gula", UnitPrice: decimal.NewFromInt(100)}
	_, _, err := s.AddStock(ctx, item, domain.StockEntry{ID: "entry-1", Quantity: 10})
	require.NoError(t, err)
	_, err = s.CreateSale(ctx, domain.Sale{ID: "sale-1", ItemID: "item-1", Quantity: 7})
	require.NoError(t, err)

	removal, err := s.DeleteStockEntry(ctx, "entry-1")
	require.NoError(t, err)
	assert.Equal(t, 3, removal.RemovedQty)
	assert.Equal(t, 0, removal.Item.Quantity)
}

func TestSaleDecrementsAndRestocks(t *testing.T) {
	ctx := context.Background()
	s := New()

	item := domain.StockItem{ID: "item-1", Channel: domain.ChannelWholesale, SKU: "BERAS", UnitPrice: decimal.NewFromInt(10)}
	_, _, err := s.AddStock(ctx, item, domain.StockEntry{ID: "entry-1", Quantity: 3})
	require.NoError(t, err)

	_, err = s.CreateSale(ctx, domain.Sale{ID: "sale-1", ItemID: "item-1", Quantity: 4})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	_, err = s.CreateSale(ctx, domain.Sale{ID: "sale-1", ItemID: "item-1", Quantity: 2})
	require.NoError(t, err)
	items, err := s.ListStockItems(ctx, domain.ChannelWholesale)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Quantity)

	_, err = s.DeleteSale(ctx, "sale-1")
	require.NoError(t, err)
	items, err = s.ListStockItems(ctx, domain.ChannelWholesale)
	require.NoError(t, err)
	assert.Equal(t, 3, items[0].Quantity)
}

func TestCreateUserRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateUser(ctx, domain.UserAccount{Username: "Rina", Password: "hash", Role: domain.RoleStaff}))
	require.ErrorIs(t, s.CreateUser(ctx, domain.UserAccount{Username: "rina", Password: "hash"}), store.ErrAlreadyExists)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "rina", users[0].Username)
}
