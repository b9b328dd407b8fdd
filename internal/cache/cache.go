package cache

import (
	"context"
	"time"

	"tokoledger/backend/internal/domain"
)

// LedgerCache holds the last written ledger snapshot for read-heavy callers.
// Writers must call Invalidate or Set after every successful ledger update.
type LedgerCache interface {
	Get(ctx context.Context, ledgerID string) (*domain.LedgerRecord, bool, error)
	Set(ctx context.Context, value *domain.LedgerRecord, ttl time.Duration) error
	Invalidate(ctx context.Context, ledgerID string) error
}

type NoopLedgerCache struct{}

func (NoopLedgerCache) Get(_ context.Context, _ string) (*domain.LedgerRecord, bool, error) {
	return nil, false, nil
}

func (NoopLedgerCache) Set(_ context.Context, _ *domain.LedgerRecord, _ time.Duration) error {
	return nil
}

func (NoopLedgerCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func ledgerKey(ledgerID string) string {
	return "tokoledger:ledger:" + ledgerID
}
