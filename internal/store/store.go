package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrVersionConflict    = errors.New("version conflict")
	ErrAlreadyExists      = errors.New("already exists")
)

// LedgerStore persists the capital ledger record.
type LedgerStore interface {
	GetLedger(ctx context.Context, id string) (*domain.LedgerRecord, error)
	// PutLedger inserts rec when no record with its id exists and returns the
	// stored record either way.
	PutLedger(ctx context.Context, rec domain.LedgerRecord) (*domain.LedgerRecord, error)
	// UpdateLedgerFields applies fields only when the stored version equals
	// expectedVersion, otherwise it returns ErrVersionConflict.
	UpdateLedgerFields(ctx context.Context, id string, expectedVersion int64, fields domain.LedgerFields) (*domain.LedgerRecord, error)
}

// InventoryReader is the read side the stock valuation scans.
type InventoryReader interface {
	ListStockItems(ctx context.Context, channel string) ([]domain.StockItem, error)
}

type Repository interface {
	LedgerStore
	InventoryReader

	ListCustomers(ctx context.Context, query string, limit int) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	DeleteCustomer(ctx context.Context, id string) error

	GetStockItemBySKU(ctx context.Context, channel string, sku string) (*domain.StockItem, error)
	// AddStock upserts the item by channel and SKU, increments its quantity and
	// appends the entry in one atomic step.
	AddStock(ctx context.Context, item domain.StockItem, entry domain.StockEntry) (*domain.StockItem, *domain.StockEntry, error)
	ListStockEntries(ctx context.Context, limit int) ([]domain.StockEntry, error)
	// DeleteStockEntry removes the entry and takes its units back out of the
	// item, never below zero.
	DeleteStockEntry(ctx context.Context, id string) (*StockEntryRemoval, error)

	// CreateSale decrements stock for the sold item and stores the sale.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error)
	// DeleteSale removes the sale and restocks its item.
	DeleteSale(ctx context.Context, id string) (*domain.Sale, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// StockEntryRemoval is the outcome of deleting a stock entry. RemovedQty is
// less than Entry.Quantity when some of the entry's units were already sold.
type StockEntryRemoval struct {
	Entry      domain.StockEntry
	Item       domain.StockItem
	RemovedQty int
	Remaining  int
}

// CostScale is the number of decimal places kept on an averaged unit price.
const CostScale = 8

// AverageCost is the weighted average unit price after adding addedQty units
// at addedPrice to heldQty units at heldPrice, so restocking at a new price
// never revalues what is already on the shelf.
func AverageCost(heldQty int, heldPrice decimal.Decimal, addedQty int, addedPrice decimal.Decimal) decimal.Decimal {
	if heldQty <= 0 {
		return addedPrice
	}
	if addedQty <= 0 {
		return heldPrice
	}
	total := heldPrice.Mul(decimal.NewFromInt(int64(heldQty))).
		Add(addedPrice.Mul(decimal.NewFromInt(int64(addedQty))))
	return total.DivRound(decimal.NewFromInt(int64(heldQty+addedQty)), CostScale)
}
