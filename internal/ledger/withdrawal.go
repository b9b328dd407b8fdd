package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/xid"
)

// ProposeWithdrawal validates amount against the current cash and holds it
// until ConfirmWithdrawal or CancelWithdrawal. Nothing is written.
func (l *Ledger) ProposeWithdrawal(ctx context.Context, amount decimal.Decimal, proposedBy string) (*domain.WithdrawalProposal, error) {
	rec, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateWithdrawal(amount, rec.CashInHand); err != nil {
		return nil, err
	}

	now := l.now()
	proposal := domain.WithdrawalProposal{
		ID:         xid.New("wd"),
		Amount:     amount,
		CashBefore: rec.CashInHand,
		ProposedBy: proposedBy,
		ExpiresAt:  now.Add(l.cfg.WithdrawalTTL),
	}

	l.proposalsMu.Lock()
	defer l.proposalsMu.Unlock()
	for id, p := range l.proposals {
		if !p.ExpiresAt.After(now) {
			delete(l.proposals, id)
		}
	}
	l.proposals[proposal.ID] = proposal
	return &proposal, nil
}

// ConfirmWithdrawal applies a pending proposal. The amount is re-checked
// against the cash at the time of the write. Confirming the same proposal
// twice subtracts once.
func (l *Ledger) ConfirmWithdrawal(ctx context.Context, proposalID string) (*domain.LedgerRecord, *domain.WithdrawalProposal, error) {
	l.proposalsMu.Lock()
	proposal, ok := l.proposals[proposalID]
	if ok && !proposal.ExpiresAt.After(l.now()) {
		delete(l.proposals, proposalID)
		l.proposalsMu.Unlock()
		return nil, nil, ErrProposalExpired
	}
	l.proposalsMu.Unlock()
	if !ok {
		return nil, nil, ErrProposalNotFound
	}

	rec, err := l.update(ctx, updateOptions{op: "withdrawal", eventID: proposal.ID}, func(rec domain.LedgerRecord, _ decimal.Decimal) (domain.LedgerFields, error) {
		if err := validateWithdrawal(proposal.Amount, rec.CashInHand); err != nil {
			return domain.LedgerFields{}, err
		}
		return domain.LedgerFields{CashInHand: ptr(rec.CashInHand.Sub(proposal.Amount))}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	l.proposalsMu.Lock()
	delete(l.proposals, proposalID)
	l.proposalsMu.Unlock()
	return rec, &proposal, nil
}

func (l *Ledger) CancelWithdrawal(proposalID string) error {
	l.proposalsMu.Lock()
	defer l.proposalsMu.Unlock()
	if _, ok := l.proposals[proposalID]; !ok {
		return ErrProposalNotFound
	}
	delete(l.proposals, proposalID)
	return nil
}

// WithdrawCash proposes and immediately confirms a withdrawal.
func (l *Ledger) WithdrawCash(ctx context.Context, amount decimal.Decimal, actor string) (*domain.LedgerRecord, error) {
	proposal, err := l.ProposeWithdrawal(ctx, amount, actor)
	if err != nil {
		return nil, err
	}
	rec, _, err := l.ConfirmWithdrawal(ctx, proposal.ID)
	return rec, err
}

// ParseAmount parses a user supplied money amount.
func ParseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidWithdrawal, raw)
	}
	return amount, nil
}

func validateWithdrawal(amount decimal.Decimal, cash decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidWithdrawal)
	}
	if amount.GreaterThan(cash) {
		return fmt.Errorf("%w: amount %s exceeds cash in hand %s", ErrInvalidWithdrawal, amount.String(), cash.String())
	}
	return nil
}
