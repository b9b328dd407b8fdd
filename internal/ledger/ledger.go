// Package ledger keeps the capital ledger (cash in hand, stock value,
// investment and profit) in step with inventory and sales.
//
// Every reconciliation loads the stored record and the live stock valuation,
// routes the difference between them into the four value fields according to
// the event that happened, and writes the result back with a version check.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tokoledger/backend/internal/cache"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

var (
	ErrStorageUnavailable = errors.New("ledger storage unavailable")
	ErrConflict           = errors.New("ledger update conflict")
	ErrInvalidWithdrawal  = errors.New("invalid withdrawal amount")
	ErrProposalNotFound   = errors.New("withdrawal proposal not found")
	ErrProposalExpired    = errors.New("withdrawal proposal expired")
)

const (
	DefaultLedgerID      = "capital-ledger"
	DefaultMaxRetries    = 5
	DefaultWithdrawalTTL = 5 * time.Minute
	recentEventsKept     = 64
)

// StockValuer reports the live value of all inventory.
type StockValuer interface {
	StockValue(ctx context.Context) (decimal.Decimal, error)
}

type Config struct {
	LedgerID string
	// InitialCapital seeds a new ledger and is the baseline restored when the
	// stock-entries log is emptied.
	InitialCapital decimal.Decimal
	Currency       string
	MaxRetries     int
	WithdrawalTTL  time.Duration
	CacheTTL       time.Duration
}

type Ledger struct {
	store  store.LedgerStore
	valuer StockValuer
	cache  cache.LedgerCache
	cfg    Config
	log    logrus.FieldLogger
	now    func() time.Time

	// mu serializes writers in this process; the version check covers the rest.
	mu sync.Mutex

	proposalsMu sync.Mutex
	proposals   map[string]domain.WithdrawalProposal
}

func New(ledgerStore store.LedgerStore, valuer StockValuer, ledgerCache cache.LedgerCache, cfg Config, logger logrus.FieldLogger) *Ledger {
	if cfg.LedgerID == "" {
		cfg.LedgerID = DefaultLedgerID
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.WithdrawalTTL <= 0 {
		cfg.WithdrawalTTL = DefaultWithdrawalTTL
	}
	if cfg.Currency == "" {
		cfg.Currency = "IDR"
	}
	if ledgerCache == nil {
		ledgerCache = cache.NoopLedgerCache{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{
		store:     ledgerStore,
		valuer:    valuer,
		cache:     ledgerCache,
		cfg:       cfg,
		log:       logger.WithField("component", "ledger"),
		now:       func() time.Time { return time.Now().UTC() },
		proposals: make(map[string]domain.WithdrawalProposal),
	}
}

func (l *Ledger) ID() string { return l.cfg.LedgerID }

func (l *Ledger) Currency() string { return l.cfg.Currency }

// Snapshot returns the current ledger record, creating it on first use.
func (l *Ledger) Snapshot(ctx context.Context) (*domain.LedgerRecord, error) {
	if rec, ok, err := l.cache.Get(ctx, l.cfg.LedgerID); err != nil {
		l.log.WithError(err).Warn("ledger cache read failed")
	} else if ok {
		return rec, nil
	}

	rec, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	l.remember(ctx, rec)
	return rec, nil
}

func (l *Ledger) baseline() domain.LedgerRecord {
	return domain.LedgerRecord{
		ID:              l.cfg.LedgerID,
		CashInHand:      l.cfg.InitialCapital,
		TotalStockValue: decimal.Zero,
		TotalInvestment: l.cfg.InitialCapital,
		TotalProfit:     decimal.Zero,
	}
}

func (l *Ledger) load(ctx context.Context) (*domain.LedgerRecord, error) {
	rec, err := l.store.GetLedger(ctx, l.cfg.LedgerID)
	if errors.Is(err, store.ErrNotFound) {
		rec, err = l.store.PutLedger(ctx, l.baseline())
		if err == nil {
			l.log.WithField("initial_capital", l.cfg.InitialCapital.String()).Info("ledger initialized")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load ledger: %w", ErrStorageUnavailable, err)
	}
	return rec, nil
}

// loadWithValuation reads the record and the live valuation concurrently.
func (l *Ledger) loadWithValuation(ctx context.Context) (*domain.LedgerRecord, decimal.Decimal, error) {
	var (
		rec  *domain.LedgerRecord
		live decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rec, err = l.load(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		live, err = l.valuer.StockValue(gctx)
		if err != nil {
			return fmt.Errorf("%w: stock valuation: %w", ErrStorageUnavailable, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, decimal.Zero, err
	}
	return rec, live, nil
}

// rule turns the current record and live valuation into a partial update.
type rule func(rec domain.LedgerRecord, live decimal.Decimal) (domain.LedgerFields, error)

type updateOptions struct {
	op       string
	eventID  string
	needLive bool
}

func (l *Ledger) update(ctx context.Context, opts updateOptions, apply rule) (*domain.LedgerRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.log.WithField("op", opts.op)
	if opts.eventID != "" {
		log = log.WithField("event_id", opts.eventID)
	}

	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		var (
			rec  *domain.LedgerRecord
			live decimal.Decimal
			err  error
		)
		if opts.needLive {
			rec, live, err = l.loadWithValuation(ctx)
		} else {
			rec, err = l.load(ctx)
		}
		if err != nil {
			return nil, err
		}

		if opts.eventID != "" && slices.Contains(rec.RecentEvents, opts.eventID) {
			log.Debug("event already applied")
			return rec, nil
		}

		fields, err := apply(*rec, live)
		if err != nil {
			return nil, err
		}
		l.clamp(log, &fields)
		if opts.eventID != "" {
			fields.RecentEvents = appendRecent(rec.RecentEvents, opts.eventID)
		}

		updated, err := l.store.UpdateLedgerFields(ctx, rec.ID, rec.Version, fields)
		if errors.Is(err, store.ErrVersionConflict) {
			log.WithField("attempt", attempt).Debug("ledger version conflict, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: update ledger: %w", ErrStorageUnavailable, err)
		}

		l.remember(ctx, updated)
		log.WithFields(logrus.Fields{
			"cash_in_hand":      updated.CashInHand.String(),
			"total_stock_value": updated.TotalStockValue.String(),
			"total_investment":  updated.TotalInvestment.String(),
			"total_profit":      updated.TotalProfit.String(),
			"version":           updated.Version,
		}).Info("ledger updated")
		return updated, nil
	}

	log.WithField("attempts", l.cfg.MaxRetries).Warn("ledger update gave up after repeated conflicts")
	return nil, ErrConflict
}

// clamp keeps the stored figures non-negative.
func (l *Ledger) clamp(log logrus.FieldLogger, fields *domain.LedgerFields) {
	if fields.TotalStockValue != nil && fields.TotalStockValue.IsNegative() {
		zero := decimal.Zero
		fields.TotalStockValue = &zero
	}
	if fields.CashInHand != nil && fields.CashInHand.IsNegative() {
		log.WithField("shortfall", fields.CashInHand.Neg().String()).Warn("cash in hand would go negative, clamped to zero")
		zero := decimal.Zero
		fields.CashInHand = &zero
	}
}

func (l *Ledger) remember(ctx context.Context, rec *domain.LedgerRecord) {
	if err := l.cache.Set(ctx, rec, l.cfg.CacheTTL); err != nil {
		l.log.WithError(err).Warn("ledger cache write failed")
		if err := l.cache.Invalidate(ctx, rec.ID); err != nil {
			l.log.WithError(err).Warn("ledger cache invalidate failed")
		}
	}
}

func appendRecent(ids []string, id string) []string {
	out := append(slices.Clone(ids), id)
	if len(out) > recentEventsKept {
		out = out[len(out)-recentEventsKept:]
	}
	return out
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
