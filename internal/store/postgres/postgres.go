package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const ledgerColumns = `id, cash_in_hand, total_stock_value, total_investment, total_profit, version, recent_events, last_updated`

func scanLedger(row interface{ Scan(dest ...any) error }) (*domain.LedgerRecord, error) {
	var (
		rec    domain.LedgerRecord
		recent []byte
	)
	if err := row.Scan(&rec.ID, &rec.CashInHand, &rec.TotalStockValue, &rec.TotalInvestment, &rec.TotalProfit, &rec.Version, &recent, &rec.LastUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(recent) > 0 {
		if err := json.Unmarshal(recent, &rec.RecentEvents); err != nil {
			return nil, err
		}
	}
	rec.LastUpdated = rec.LastUpdated.UTC()
	return &rec, nil
}

func (s *Store) GetLedger(ctx context.Context, id string) (*domain.LedgerRecord, error) {
	return scanLedger(s.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM capital_ledgers WHERE id = $1`, id))
}

func (s *Store) PutLedger(ctx context.Context, rec domain.LedgerRecord) (*domain.LedgerRecord, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	recent, err := json.Marshal(nonNilEvents(rec.RecentEvents))
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capital_ledgers (id, cash_in_hand, total_stock_value, total_investment, total_profit, version, recent_events, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,now())
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.CashInHand, rec.TotalStockValue, rec.TotalInvestment, rec.TotalProfit, rec.Version, string(recent))
	if err != nil {
		return nil, err
	}
	return s.GetLedger(ctx, rec.ID)
}

func (s *Store) UpdateLedgerFields(ctx context.Context, id string, expectedVersion int64, fields domain.LedgerFields) (*domain.LedgerRecord, error) {
	var recent any
	if fields.RecentEvents != nil {
		raw, err := json.Marshal(fields.RecentEvents)
		if err != nil {
			return nil, err
		}
		recent = string(raw)
	}

	rec, err := scanLedger(s.db.QueryRowContext(ctx, `
		UPDATE capital_ledgers
		SET cash_in_hand = COALESCE($3::numeric, cash_in_hand),
			total_stock_value = COALESCE($4::numeric, total_stock_value),
			total_investment = COALESCE($5::numeric, total_investment),
			total_profit = COALESCE($6::numeric, total_profit),
			recent_events = COALESCE($7::jsonb, recent_events),
			version = version + 1,
			last_updated = now()
		WHERE id = $1 AND version = $2
		RETURNING `+ledgerColumns,
		id, expectedVersion,
		nullDecimal(fields.CashInHand), nullDecimal(fields.TotalStockValue),
		nullDecimal(fields.TotalInvestment), nullDecimal(fields.TotalProfit), recent,
	))
	if errors.Is(err, store.ErrNotFound) {
		// zero rows: either the record is gone or another writer moved the version
		if _, getErr := s.GetLedger(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrVersionConflict
	}
	return rec, err
}

func (s *Store) ListCustomers(ctx context.Context, query string, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 200
	}
	pattern := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, address, notes, created_at, updated_at
		FROM customers
		WHERE name ILIKE $1 OR phone ILIKE $1
		ORDER BY lower(name)
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Customer, 0, 32)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Address, &c.Notes, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, address, notes, created_at, updated_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Phone, &c.Address, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	customer.UpdatedAt = customer.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, address, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, customer.ID, customer.Name, customer.Phone, customer.Address, customer.Notes, customer.CreatedAt, customer.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	err := s.db.QueryRowContext(ctx, `
		UPDATE customers
		SET name = $2, phone = $3, address = $4, notes = $5, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at
	`, customer.ID, customer.Name, customer.Phone, customer.Address, customer.Notes).Scan(&customer.CreatedAt, &customer.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

const stockItemColumns = `id, channel, sku, name, unit_price, quantity, units_per_pack, updated_at`

func scanStockItem(row interface{ Scan(dest ...any) error }) (*domain.StockItem, error) {
	var item domain.StockItem
	if err := row.Scan(&item.ID, &item.Channel, &item.SKU, &item.Name, &item.UnitPrice, &item.Quantity, &item.UnitsPerPack, &item.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func (s *Store) ListStockItems(ctx context.Context, channel string) ([]domain.StockItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stockItemColumns+`
		FROM stock_items
		WHERE ($1 = '' OR channel = $1)
		ORDER BY sku
	`, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.StockItem, 0, 64)
	for rows.Next() {
		item, err := scanStockItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetStockItemBySKU(ctx context.Context, channel string, sku string) (*domain.StockItem, error) {
	return scanStockItem(s.db.QueryRowContext(ctx, `
		SELECT `+stockItemColumns+`
		FROM stock_items
		WHERE channel = $1 AND sku = $2
	`, channel, sku))
}

func (s *Store) AddStock(ctx context.Context, item domain.StockItem, entry domain.StockEntry) (*domain.StockItem, *domain.StockEntry, error) {
	if entry.Quantity <= 0 {
		return nil, nil, store.ErrInvalidTransaction
	}
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	stored, err := scanStockItem(pgTx.QueryRowContext(ctx, `
		INSERT INTO stock_items (id, channel, sku, name, unit_price, quantity, units_per_pack, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (channel, sku)
		DO UPDATE SET quantity = stock_items.quantity + EXCLUDED.quantity,
			unit_price = CASE WHEN stock_items.quantity > 0
				THEN ROUND((stock_items.quantity * stock_items.unit_price + EXCLUDED.quantity * EXCLUDED.unit_price)
					/ (stock_items.quantity + EXCLUDED.quantity), 8)
				ELSE EXCLUDED.unit_price END,
			name = COALESCE(NULLIF(EXCLUDED.name, ''), stock_items.name),
			units_per_pack = CASE WHEN EXCLUDED.units_per_pack > 0 THEN EXCLUDED.units_per_pack ELSE stock_items.units_per_pack END,
			updated_at = now()
		RETURNING `+stockItemColumns,
		item.ID, item.Channel, item.SKU, item.Name, item.UnitPrice, entry.Quantity, item.UnitsPerPack,
	))
	if err != nil {
		return nil, nil, err
	}

	entry.ItemID = stored.ID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO stock_entries (id, item_id, channel, sku, quantity, unit_price, total_value, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ItemID, entry.Channel, entry.SKU, entry.Quantity, entry.UnitPrice, entry.TotalValue, entry.CreatedBy, entry.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}
	return stored, &entry, nil
}

const stockEntryColumns = `id, item_id, channel, sku, quantity, unit_price, total_value, created_by, created_at`

func scanStockEntry(row interface{ Scan(dest ...any) error }) (*domain.StockEntry, error) {
	var e domain.StockEntry
	if err := row.Scan(&e.ID, &e.ItemID, &e.Channel, &e.SKU, &e.Quantity, &e.UnitPrice, &e.TotalValue, &e.CreatedBy, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (s *Store) ListStockEntries(ctx context.Context, limit int) ([]domain.StockEntry, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stockEntryColumns+`
		FROM stock_entries
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.StockEntry, 0, limit)
	for rows.Next() {
		e, err := scanStockEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) DeleteStockEntry(ctx context.Context, id string) (*store.StockEntryRemoval, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	entry, err := scanStockEntry(pgTx.QueryRowContext(ctx, `
		DELETE FROM stock_entries
		WHERE id = $1
		RETURNING `+stockEntryColumns, id))
	if err != nil {
		return nil, err
	}
	removal := &store.StockEntryRemoval{Entry: *entry}

	held, err := scanStockItem(pgTx.QueryRowContext(ctx, `
		SELECT `+stockItemColumns+`
		FROM stock_items
		WHERE id = $1
		FOR UPDATE
	`, entry.ItemID))
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		removal.RemovedQty = min(held.Quantity, entry.Quantity)
		item, err := scanStockItem(pgTx.QueryRowContext(ctx, `
			UPDATE stock_items
			SET quantity = quantity - $2, updated_at = now()
			WHERE id = $1
			RETURNING `+stockItemColumns, entry.ItemID, removal.RemovedQty))
		if err != nil {
			return nil, err
		}
		removal.Item = *item
	}

	if err := pgTx.QueryRowContext(ctx, `SELECT count(*) FROM stock_entries`).Scan(&removal.Remaining); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return removal, nil
}

const saleColumns = `id, customer_id, item_id, channel, sku, quantity, unit_price, cost_value, amount, net_profit, created_by, created_at`

func scanSale(row interface{ Scan(dest ...any) error }) (*domain.Sale, error) {
	var (
		sale       domain.Sale
		customerID sql.NullString
	)
	if err := row.Scan(&sale.ID, &customerID, &sale.ItemID, &sale.Channel, &sale.SKU, &sale.Quantity, &sale.UnitPrice, &sale.CostValue, &sale.Amount, &sale.NetProfit, &sale.CreatedBy, &sale.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CustomerID = customerID.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.Quantity <= 0 {
		return nil, store.ErrInvalidTransaction
	}
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if sale.CustomerID != "" {
		var exists bool
		if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, sale.CustomerID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrNotFound
		}
	}

	var qty int
	err = pgTx.QueryRowContext(ctx, `SELECT quantity FROM stock_items WHERE id = $1 FOR UPDATE`, sale.ItemID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if qty < sale.Quantity {
		return nil, store.ErrInsufficientStock
	}
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE stock_items SET quantity = quantity - $2, updated_at = now() WHERE id = $1
	`, sale.ItemID, sale.Quantity); err != nil {
		return nil, err
	}

	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, sale.ID, nullIfEmpty(sale.CustomerID), sale.ItemID, sale.Channel, sale.SKU, sale.Quantity, sale.UnitPrice, sale.CostValue, sale.Amount, sale.NetProfit, sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id))
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 200
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Minute)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) DeleteSale(ctx context.Context, id string) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	sale, err := scanSale(pgTx.QueryRowContext(ctx, `DELETE FROM sales WHERE id = $1 RETURNING `+saleColumns, id))
	if err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE stock_items SET quantity = quantity + $2, updated_at = now() WHERE id = $1
	`, sale.ItemID, sale.Quantity); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Minute)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return val.String()
}

func nonNilEvents(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
