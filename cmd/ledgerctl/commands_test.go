package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoledger/backend/internal/app"
	"tokoledger/backend/internal/config"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/service"
)

// sharedApp returns one in-memory App for every command run, so state carries
// over between invocations the way a real database would.
func sharedApp(t *testing.T) (*app.App, buildFunc) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	a, err := app.Build(context.Background(), config.Config{
		LedgerID:              "cli-ledger",
		InitialCapital:        decimal.NewFromInt(1000),
		Currency:              "USD",
		WholesaleUnitsPerPack: 20,
		LedgerMaxRetries:      5,
		WithdrawalTTL:         time.Minute,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, func(context.Context) (*app.App, error) { return a, nil }
}

func run(t *testing.T, build buildFunc, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(build)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSnapshotPrintsFormattedFigures(t *testing.T) {
	_, build := sharedApp(t)

	out, err := run(t, build, "", "snapshot")
	require.NoError(t, err)
	assert.Contains(t, out, "cash in hand")
	assert.Contains(t, out, "$1,000.00")
}

func TestSnapshotJSON(t *testing.T) {
	_, build := sharedApp(t)

	out, err := run(t, build, "", "snapshot", "--json")
	require.NoError(t, err)

	var view domain.LedgerView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "cli-ledger", view.Record.ID)
	assert.Equal(t, "USD", view.Currency)
}

func TestWithdrawWithYesFlag(t *testing.T) {
	a, build := sharedApp(t)

	out, err := run(t, build, "", "withdraw", "250", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "$750.00")

	rec, err := a.Ledger.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.CashInHand.Equal(decimal.NewFromInt(750)))
}

func TestWithdrawDeclinedAtPrompt(t *testing.T) {
	a, build := sharedApp(t)

	out, err := run(t, build, "n\n", "withdraw", "250")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	rec, err := a.Ledger.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.CashInHand.Equal(decimal.NewFromInt(1000)))
}

func TestWithdrawRejectsBadAmounts(t *testing.T) {
	_, build := sharedApp(t)

	_, err := run(t, build, "", "withdraw", "5000", "--yes")
	assert.Error(t, err)

	_, err = run(t, build, "", "withdraw", "abc", "--yes")
	assert.Error(t, err)

	_, err = run(t, build, "", "withdraw")
	assert.Error(t, err)
}

func TestValuationAndRefresh(t *testing.T) {
	a, build := sharedApp(t)

	ctx := service.WithActor(context.Background(), domain.Actor{Username: "staff", Role: domain.RoleStaff})
	_, err := a.Service.AddStock(ctx, domain.StockAddRequest{
		Channel: "retail", SKU: "kopi", Name: "Kopi", UnitPrice: "10", Quantity: 30,
	})
	require.NoError(t, err)
	// drain the in-process outbox so the ledger has seen the addition
	require.NoError(t, a.Close())

	out, err := run(t, build, "", "valuation")
	require.NoError(t, err)
	assert.Contains(t, out, "live valuation")
	assert.Contains(t, out, "$300.00")
	assert.Contains(t, out, "$0.00", "no drift once the addition is reconciled")

	out, err = run(t, build, "", "refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "$700.00")
}

func TestWithdrawConfirmedAtPrompt(t *testing.T) {
	a, build := sharedApp(t)

	out, err := run(t, build, "y\n", "withdraw", "100.5")
	require.NoError(t, err)
	assert.Contains(t, out, "proceed? [y/N]")
	assert.Contains(t, out, "$899.50")

	rec, err := a.Ledger.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "899.5", rec.CashInHand.String())
}
