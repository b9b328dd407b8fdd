package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/ledger"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/valuation"
	"tokoledger/backend/internal/xid"
)

var ErrAdminRequired = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// LedgerHooks receive post-commit notifications from the stock and sale
// workflows. Implementations must not fail the caller.
type LedgerHooks interface {
	OnStockAdded(ctx context.Context)
	OnStockEntryDeleted(ctx context.Context, valueRemoved decimal.Decimal, isLastEntry bool)
	OnSaleRecorded(ctx context.Context, amount decimal.Decimal, netProfit decimal.Decimal)
	OnSaleReversed(ctx context.Context, amount decimal.Decimal, netProfit decimal.Decimal)
}

type Service struct {
	repo   store.Repository
	ledger *ledger.Ledger
	valuer *valuation.Valuer
	hooks  LedgerHooks
	log    logrus.FieldLogger
}

func New(repo store.Repository, capital *ledger.Ledger, valuer *valuation.Valuer, hooks LedgerHooks, logger logrus.FieldLogger) *Service {
	return &Service{
		repo:   repo,
		ledger: capital,
		valuer: valuer,
		hooks:  hooks,
		log:    logger.WithField("component", "service"),
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrAdminRequired
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidTransaction, fmt.Sprintf(format, args...))
}

func (s *Service) ListCustomers(ctx context.Context, query string, limit int) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, query, limit)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Customer{}, invalid("customer name is required")
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		ID:      xid.New("cust"),
		Name:    name,
		Phone:   strings.TrimSpace(req.Phone),
		Address: strings.TrimSpace(req.Address),
		Notes:   strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, "customer_create", "customer", created.ID, "name="+created.Name)
	return *created, nil
}

func (s *Service) UpdateCustomer(ctx context.Context, id string, req domain.CustomerUpdateRequest) (domain.Customer, error) {
	existing, err := s.repo.GetCustomer(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Customer{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Customer{}, invalid("customer name is required")
		}
		updated.Name = name
	}
	if req.Phone != nil {
		updated.Phone = strings.TrimSpace(*req.Phone)
	}
	if req.Address != nil {
		updated.Address = strings.TrimSpace(*req.Address)
	}
	if req.Notes != nil {
		updated.Notes = strings.TrimSpace(*req.Notes)
	}

	saved, err := s.repo.UpdateCustomer(ctx, updated)
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, "customer_update", "customer", saved.ID, "name="+saved.Name)
	return *saved, nil
}

func (s *Service) DeleteCustomer(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if err := s.repo.DeleteCustomer(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "customer_delete", "customer", id, "")
	return nil
}

func (s *Service) ListStockItems(ctx context.Context, channel string) ([]domain.StockItem, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel != "" && !isChannel(channel) {
		return nil, invalid("unknown channel %q", channel)
	}
	return s.repo.ListStockItems(ctx, channel)
}

func (s *Service) ListStockEntries(ctx context.Context, limit int) ([]domain.StockEntry, error) {
	return s.repo.ListStockEntries(ctx, limit)
}

// AddStock records a purchase of stock. The ledger is notified after the
// stock write has committed.
func (s *Service) AddStock(ctx context.Context, req domain.StockAddRequest) (domain.StockAddResponse, error) {
	channel := strings.ToLower(strings.TrimSpace(req.Channel))
	sku := strings.ToUpper(strings.TrimSpace(req.SKU))
	if !isChannel(channel) {
		return domain.StockAddResponse{}, invalid("channel must be %s or %s", domain.ChannelRetail, domain.ChannelWholesale)
	}
	if sku == "" {
		return domain.StockAddResponse{}, invalid("sku is required")
	}
	if req.Quantity < 1 {
		return domain.StockAddResponse{}, invalid("quantity must be at least 1")
	}
	if req.UnitsPerPack < 0 {
		return domain.StockAddResponse{}, invalid("units per pack must not be negative")
	}
	price, err := parsePrice(req.UnitPrice)
	if err != nil {
		return domain.StockAddResponse{}, err
	}

	item := domain.StockItem{
		ID:           xid.New("item"),
		Channel:      channel,
		SKU:          sku,
		Name:         strings.TrimSpace(req.Name),
		UnitPrice:    price,
		UnitsPerPack: req.UnitsPerPack,
	}
	if existing, err := s.repo.GetStockItemBySKU(ctx, channel, sku); err == nil {
		item.ID = existing.ID
		if item.UnitsPerPack == 0 {
			item.UnitsPerPack = existing.UnitsPerPack
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.StockAddResponse{}, err
	} else if item.Name == "" {
		return domain.StockAddResponse{}, invalid("name is required for a new item")
	}

	actor, _ := ActorFromContext(ctx)
	entry := domain.StockEntry{
		ID:         xid.New("entry"),
		Channel:    channel,
		SKU:        sku,
		Quantity:   req.Quantity,
		UnitPrice:  price,
		TotalValue: s.valuer.LineValue(item, req.Quantity),
		CreatedBy:  actor.Username,
	}

	storedItem, storedEntry, err := s.repo.AddStock(ctx, item, entry)
	if err != nil {
		return domain.StockAddResponse{}, err
	}

	s.hooks.OnStockAdded(ctx)
	s.logAudit(ctx, "stock_add", "stock_entry", storedEntry.ID, fmt.Sprintf("sku=%s,channel=%s,qty=%d,value=%s", sku, channel, req.Quantity, storedEntry.TotalValue.String()))
	return domain.StockAddResponse{Entry: *storedEntry, Item: *storedItem}, nil
}

func (s *Service) DeleteStockEntry(ctx context.Context, id string) (domain.StockEntryDeleteResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.StockEntryDeleteResponse{}, err
	}

	removal, err := s.repo.DeleteStockEntry(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.StockEntryDeleteResponse{}, err
	}

	// only units still on the shelf go back to cash; sold ones already did
	valueRemoved := s.valuer.LineValue(removal.Item, removal.RemovedQty)
	s.hooks.OnStockEntryDeleted(ctx, valueRemoved, removal.Remaining == 0)
	s.logAudit(ctx, "stock_entry_delete", "stock_entry", removal.Entry.ID, fmt.Sprintf("sku=%s,qty=%d,value=%s,remaining=%d",
		removal.Entry.SKU, removal.RemovedQty, valueRemoved.String(), removal.Remaining))
	return domain.StockEntryDeleteResponse{
		Entry:           removal.Entry,
		RemovedQuantity: removal.RemovedQty,
		ValueRemoved:    valueRemoved,
		RemainingCount:  removal.Remaining,
	}, nil
}

func (s *Service) ListSales(ctx context.Context, date string, limit int) ([]domain.Sale, error) {
	var from, to time.Time
	if strings.TrimSpace(date) != "" {
		day, err := time.Parse("2006-01-02", strings.TrimSpace(date))
		if err != nil {
			return nil, invalid("date must be YYYY-MM-DD")
		}
		from = day.UTC()
		to = from.Add(24 * time.Hour)
	}
	return s.repo.ListSales(ctx, from, to, limit)
}

// RecordSale sells from one stock item. UnitPrice is the selling price per
// unit; wholesale quantities are packs and are valued per unit.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	channel := strings.ToLower(strings.TrimSpace(req.Channel))
	sku := strings.ToUpper(strings.TrimSpace(req.SKU))
	if !isChannel(channel) {
		return domain.Sale{}, invalid("channel must be %s or %s", domain.ChannelRetail, domain.ChannelWholesale)
	}
	if req.Quantity < 1 {
		return domain.Sale{}, invalid("quantity must be at least 1")
	}

	item, err := s.repo.GetStockItemBySKU(ctx, channel, sku)
	if err != nil {
		return domain.Sale{}, err
	}
	if item.Quantity < req.Quantity {
		return domain.Sale{}, store.ErrInsufficientStock
	}
	price := item.UnitPrice
	if strings.TrimSpace(req.UnitPrice) != "" {
		price, err = parsePrice(req.UnitPrice)
		if err != nil {
			return domain.Sale{}, err
		}
	}

	priced := *item
	priced.UnitPrice = price
	amount := s.valuer.LineValue(priced, req.Quantity)
	cost := s.valuer.LineValue(*item, req.Quantity)

	actor, _ := ActorFromContext(ctx)
	sale, err := s.repo.CreateSale(ctx, domain.Sale{
		ID:         xid.New("sale"),
		CustomerID: strings.TrimSpace(req.CustomerID),
		ItemID:     item.ID,
		Channel:    channel,
		SKU:        sku,
		Quantity:   req.Quantity,
		UnitPrice:  price,
		CostValue:  cost,
		Amount:     amount,
		NetProfit:  amount.Sub(cost),
		CreatedBy:  actor.Username,
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.hooks.OnSaleRecorded(ctx, sale.Amount, sale.NetProfit)
	s.logAudit(ctx, "sale_create", "sale", sale.ID, fmt.Sprintf("sku=%s,qty=%d,amount=%s,profit=%s", sku, sale.Quantity, sale.Amount.String(), sale.NetProfit.String()))
	return *sale, nil
}

func (s *Service) DeleteSale(ctx context.Context, id string) (domain.Sale, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Sale{}, err
	}

	sale, err := s.repo.DeleteSale(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Sale{}, err
	}

	s.hooks.OnSaleReversed(ctx, sale.Amount, sale.NetProfit)
	s.logAudit(ctx, "sale_delete", "sale", sale.ID, fmt.Sprintf("amount=%s,profit=%s", sale.Amount.String(), sale.NetProfit.String()))
	return *sale, nil
}

func (s *Service) LedgerSnapshot(ctx context.Context) (domain.LedgerView, error) {
	view, err := s.ledger.View(ctx)
	if err != nil {
		return domain.LedgerView{}, err
	}
	return *view, nil
}

// RefreshLedger is a user action, so failures reach the caller.
func (s *Service) RefreshLedger(ctx context.Context) (domain.LedgerRecord, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.LedgerRecord{}, err
	}
	rec, err := s.ledger.Refresh(ctx)
	if err != nil {
		return domain.LedgerRecord{}, err
	}
	s.logAudit(ctx, "ledger_refresh", "ledger", rec.ID, "cash="+rec.CashInHand.String()+",stock="+rec.TotalStockValue.String())
	return *rec, nil
}

func (s *Service) ProposeWithdrawal(ctx context.Context, req domain.WithdrawalProposeRequest) (domain.WithdrawalProposal, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.WithdrawalProposal{}, err
	}
	amount, err := ledger.ParseAmount(strings.TrimSpace(req.Amount))
	if err != nil {
		return domain.WithdrawalProposal{}, err
	}
	actor, _ := ActorFromContext(ctx)
	proposal, err := s.ledger.ProposeWithdrawal(ctx, amount, actor.Username)
	if err != nil {
		return domain.WithdrawalProposal{}, err
	}
	return *proposal, nil
}

func (s *Service) ConfirmWithdrawal(ctx context.Context, proposalID string) (domain.WithdrawalResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.WithdrawalResponse{}, err
	}
	rec, proposal, err := s.ledger.ConfirmWithdrawal(ctx, strings.TrimSpace(proposalID))
	if err != nil {
		return domain.WithdrawalResponse{}, err
	}
	s.logAudit(ctx, "cash_withdraw", "ledger", rec.ID, "amount="+proposal.Amount.String()+",proposal="+proposal.ID)
	return domain.WithdrawalResponse{
		ProposalID: proposal.ID,
		Amount:     proposal.Amount.String(),
		Ledger:     *rec,
	}, nil
}

func (s *Service) CancelWithdrawal(ctx context.Context, proposalID string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	return s.ledger.CancelWithdrawal(strings.TrimSpace(proposalID))
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, invalid("date must be YYYY-MM-DD")
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warn("failed to write audit log")
	}
}

func parsePrice(raw string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, invalid("unit price %q is not a number", raw)
	}
	if !price.IsPositive() {
		return decimal.Zero, invalid("unit price must be greater than zero")
	}
	return price, nil
}

func isChannel(channel string) bool {
	return channel == domain.ChannelRetail || channel == domain.ChannelWholesale
}
