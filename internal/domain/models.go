package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ChannelRetail    = "retail"
	ChannelWholesale = "wholesale"
)

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Address   string    `json:"address"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CustomerCreateRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	Notes   string `json:"notes"`
}

type CustomerUpdateRequest struct {
	Name    *string `json:"name,omitempty"`
	Phone   *string `json:"phone,omitempty"`
	Address *string `json:"address,omitempty"`
	Notes   *string `json:"notes,omitempty"`
}

// StockItem is one inventory line. Wholesale quantities are counted in packs.
type StockItem struct {
	ID           string          `json:"id"`
	Channel      string          `json:"channel"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity"`
	UnitsPerPack int             `json:"units_per_pack,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StockEntry is one row of the stock-entries log written by every stock addition.
type StockEntry struct {
	ID         string          `json:"id"`
	ItemID     string          `json:"item_id"`
	Channel    string          `json:"channel"`
	SKU        string          `json:"sku"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalValue decimal.Decimal `json:"total_value"`
	CreatedBy  string          `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
}

type StockAddRequest struct {
	Channel      string `json:"channel"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	UnitPrice    string `json:"unit_price"`
	Quantity     int    `json:"quantity"`
	UnitsPerPack int    `json:"units_per_pack,omitempty"`
}

type StockAddResponse struct {
	Entry StockEntry `json:"entry"`
	Item  StockItem  `json:"item"`
}

type StockEntryDeleteResponse struct {
	Entry           StockEntry      `json:"entry"`
	RemovedQuantity int             `json:"removed_quantity"`
	ValueRemoved    decimal.Decimal `json:"value_removed"`
	RemainingCount  int             `json:"remaining_entries"`
}

type Sale struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id,omitempty"`
	ItemID     string          `json:"item_id"`
	Channel    string          `json:"channel"`
	SKU        string          `json:"sku"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	CostValue  decimal.Decimal `json:"cost_value"`
	Amount     decimal.Decimal `json:"amount"`
	NetProfit  decimal.Decimal `json:"net_profit"`
	CreatedBy  string          `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
}

type SaleCreateRequest struct {
	CustomerID string `json:"customer_id,omitempty"`
	Channel    string `json:"channel"`
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	UnitPrice  string `json:"unit_price"`
}

// LedgerRecord is the singleton capital-management snapshot.
type LedgerRecord struct {
	ID              string          `json:"id"`
	CashInHand      decimal.Decimal `json:"cash_in_hand"`
	TotalStockValue decimal.Decimal `json:"total_stock_value"`
	TotalInvestment decimal.Decimal `json:"total_investment"`
	TotalProfit     decimal.Decimal `json:"total_profit"`
	Version         int64           `json:"version"`
	RecentEvents    []string        `json:"recent_events,omitempty"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// LedgerFields is a partial update. Nil fields are left untouched; the store
// stamps LastUpdated and bumps Version.
type LedgerFields struct {
	CashInHand      *decimal.Decimal
	TotalStockValue *decimal.Decimal
	TotalInvestment *decimal.Decimal
	TotalProfit     *decimal.Decimal
	RecentEvents    []string
}

// Apply returns a copy of rec with the non-nil fields overwritten.
func (f LedgerFields) Apply(rec LedgerRecord) LedgerRecord {
	if f.CashInHand != nil {
		rec.CashInHand = *f.CashInHand
	}
	if f.TotalStockValue != nil {
		rec.TotalStockValue = *f.TotalStockValue
	}
	if f.TotalInvestment != nil {
		rec.TotalInvestment = *f.TotalInvestment
	}
	if f.TotalProfit != nil {
		rec.TotalProfit = *f.TotalProfit
	}
	if f.RecentEvents != nil {
		rec.RecentEvents = append([]string(nil), f.RecentEvents...)
	}
	return rec
}

const (
	LedgerEventStockAdded        = "stock_added"
	LedgerEventStockEntryDeleted = "stock_entry_deleted"
	LedgerEventSaleRecorded      = "sale_recorded"
	LedgerEventSaleReversed      = "sale_reversed"
)

// LedgerEvent is the post-commit reconciliation task a workflow hands to the outbox.
type LedgerEvent struct {
	ID           string           `json:"id"`
	Kind         string           `json:"kind"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	NetProfit    *decimal.Decimal `json:"net_profit,omitempty"`
	ValueRemoved *decimal.Decimal `json:"value_removed,omitempty"`
	IsLastEntry  bool             `json:"is_last_entry,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

type LedgerView struct {
	Record    LedgerRecord      `json:"ledger"`
	Currency  string            `json:"currency"`
	Formatted map[string]string `json:"formatted"`
}

type WithdrawalProposal struct {
	ID         string          `json:"id"`
	Amount     decimal.Decimal `json:"amount"`
	CashBefore decimal.Decimal `json:"cash_before"`
	ProposedBy string          `json:"proposed_by"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

type WithdrawalProposeRequest struct {
	Amount string `json:"amount"`
}

type WithdrawalConfirmRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

type WithdrawalResponse struct {
	ProposalID string       `json:"proposal_id"`
	Amount     string       `json:"amount"`
	Ledger     LedgerRecord `json:"ledger"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
