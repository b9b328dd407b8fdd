package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

type Store struct {
	mu              sync.RWMutex
	ledgers         map[string]domain.LedgerRecord
	customersByID   map[string]domain.Customer
	itemsByID       map[string]domain.StockItem
	entries         []domain.StockEntry
	salesByID       map[string]domain.Sale
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// New returns an empty store with no user accounts.
func New() *Store {
	return &Store{
		ledgers:         make(map[string]domain.LedgerRecord),
		customersByID:   make(map[string]domain.Customer),
		itemsByID:       make(map[string]domain.StockItem),
		entries:         make([]domain.StockEntry, 0, 64),
		salesByID:       make(map[string]domain.Sale),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with the dev admin and staff accounts.
// Passwords come from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD; the
// hardcoded defaults are only meant for local runs without DATABASE_URL.
func NewSeeded(logger logrus.FieldLogger) *Store {
	s := New()
	s.usersByUsername = seedUsers(logger)
	return s
}

func seedUsers(logger logrus.FieldLogger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		logger.Warn("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"staff", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.WithError(err).WithField("username", u.username).Fatal("failed to hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) GetLedger(_ context.Context, id string) (*domain.LedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.ledgers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneLedger(rec)
	return &dup, nil
}

func (s *Store) PutLedger(_ context.Context, rec domain.LedgerRecord) (*domain.LedgerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(rec.ID) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if existing, ok := s.ledgers[rec.ID]; ok {
		dup := cloneLedger(existing)
		return &dup, nil
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now().UTC()
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	s.ledgers[rec.ID] = cloneLedger(rec)
	dup := cloneLedger(rec)
	return &dup, nil
}

func (s *Store) UpdateLedgerFields(_ context.Context, id string, expectedVersion int64, fields domain.LedgerFields) (*domain.LedgerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.ledgers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if rec.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	rec = fields.Apply(rec)
	rec.Version++
	rec.LastUpdated = time.Now().UTC()
	s.ledgers[id] = rec
	dup := cloneLedger(rec)
	return &dup, nil
}

func (s *Store) ListCustomers(_ context.Context, query string, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]domain.Customer, 0, len(s.customersByID))
	for _, c := range s.customersByID {
		if query != "" && !strings.Contains(strings.ToLower(c.Name), query) && !strings.Contains(c.Phone, query) {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Customer) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customersByID[customer.ID]; exists {
		return nil, store.ErrAlreadyExists
	}
	now := time.Now().UTC()
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = now
	}
	customer.UpdatedAt = customer.CreatedAt
	s.customersByID[customer.ID] = customer
	return &customer, nil
}

func (s *Store) UpdateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.customersByID[customer.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	customer.CreatedAt = existing.CreatedAt
	customer.UpdatedAt = time.Now().UTC()
	s.customersByID[customer.ID] = customer
	return &customer, nil
}

func (s *Store) DeleteCustomer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customersByID[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.customersByID, id)
	return nil
}

func (s *Store) ListStockItems(_ context.Context, channel string) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockItem, 0, len(s.itemsByID))
	for _, item := range s.itemsByID {
		if channel != "" && item.Channel != channel {
			continue
		}
		out = append(out, item)
	}
	slices.SortFunc(out, func(a, b domain.StockItem) int {
		return strings.Compare(a.SKU, b.SKU)
	})
	return out, nil
}

func (s *Store) GetStockItemBySKU(_ context.Context, channel string, sku string) (*domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.findItemLocked(channel, sku)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) AddStock(_ context.Context, item domain.StockItem, entry domain.StockEntry) (*domain.StockItem, *domain.StockEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Quantity <= 0 {
		return nil, nil, store.ErrInvalidTransaction
	}
	now := time.Now().UTC()
	if existing, ok := s.findItemLocked(item.Channel, item.SKU); ok {
		existing.UnitPrice = store.AverageCost(existing.Quantity, existing.UnitPrice, entry.Quantity, item.UnitPrice)
		existing.Quantity += entry.Quantity
		if item.Name != "" {
			existing.Name = item.Name
		}
		if item.UnitsPerPack > 0 {
			existing.UnitsPerPack = item.UnitsPerPack
		}
		existing.UpdatedAt = now
		item = existing
	} else {
		item.Quantity = entry.Quantity
		item.UpdatedAt = now
	}
	s.itemsByID[item.ID] = item

	entry.ItemID = item.ID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	s.entries = append(s.entries, entry)
	return &item, &entry, nil
}

func (s *Store) ListStockEntries(_ context.Context, limit int) ([]domain.StockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		out = append(out, s.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DeleteStockEntry(_ context.Context, id string) (*store.StockEntryRemoval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.entries, func(e domain.StockEntry) bool { return e.ID == id })
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	removal := &store.StockEntryRemoval{Entry: s.entries[idx]}
	if item, ok := s.itemsByID[removal.Entry.ItemID]; ok {
		removal.RemovedQty = min(item.Quantity, removal.Entry.Quantity)
		item.Quantity -= removal.RemovedQty
		item.UpdatedAt = time.Now().UTC()
		s.itemsByID[item.ID] = item
		removal.Item = item
	}
	s.entries = slices.Delete(s.entries, idx, idx+1)
	removal.Remaining = len(s.entries)
	return removal, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.Quantity <= 0 {
		return nil, store.ErrInvalidTransaction
	}
	if sale.CustomerID != "" {
		if _, ok := s.customersByID[sale.CustomerID]; !ok {
			return nil, store.ErrNotFound
		}
	}
	item, ok := s.itemsByID[sale.ItemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if item.Quantity < sale.Quantity {
		return nil, store.ErrInsufficientStock
	}
	item.Quantity -= sale.Quantity
	item.UpdatedAt = time.Now().UTC()
	s.itemsByID[item.ID] = item

	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	s.salesByID[sale.ID] = sale
	return &sale, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sale, nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if !from.IsZero() && sale.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !sale.CreatedAt.Before(to) {
			continue
		}
		out = append(out, sale)
	}
	slices.SortFunc(out, func(a, b domain.Sale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if item, ok := s.itemsByID[sale.ItemID]; ok {
		item.Quantity += sale.Quantity
		item.UpdatedAt = time.Now().UTC()
		s.itemsByID[item.ID] = item
	}
	delete(s.salesByID, id)
	return &sale, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, len(s.auditLogs))
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrAlreadyExists
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) findItemLocked(channel string, sku string) (domain.StockItem, bool) {
	for _, item := range s.itemsByID {
		if item.Channel == channel && item.SKU == sku {
			return item, true
		}
	}
	return domain.StockItem{}, false
}

func cloneLedger(src domain.LedgerRecord) domain.LedgerRecord {
	dup := src
	if src.RecentEvents != nil {
		dup.RecentEvents = append([]string(nil), src.RecentEvents...)
	}
	return dup
}
