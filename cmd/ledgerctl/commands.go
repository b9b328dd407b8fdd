package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tokoledger/backend/internal/app"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/ledger"
)

const cliActor = "ledgerctl"

type buildFunc func(ctx context.Context) (*app.App, error)

func newRootCmd(build buildFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Inspect and maintain the capital ledger",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newSnapshotCmd(build),
		newValuationCmd(build),
		newRefreshCmd(build),
		newWithdrawCmd(build),
	)
	return cmd
}

// withApp builds the component graph for one command and tears it down after.
func withApp(cmd *cobra.Command, build buildFunc, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	a, err := build(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if closeErr := a.Close(); runErr == nil {
		runErr = closeErr
	}
	return runErr
}

func newSnapshotCmd(build buildFunc) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the current ledger figures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				view, err := a.Ledger.View(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(view)
				}
				return printLedger(cmd.OutOrStdout(), view.Record, view.Currency)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func newValuationCmd(build buildFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "valuation",
		Short: "Compare live inventory valuation with the ledger's stock figure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				live, err := a.Valuer.StockValue(ctx)
				if err != nil {
					return err
				}
				rec, err := a.Ledger.Snapshot(ctx)
				if err != nil {
					return err
				}
				cur := a.Ledger.Currency()
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "live valuation\t%s\n", ledger.FormatMoney(live, cur))
				fmt.Fprintf(tw, "ledger stock\t%s\n", ledger.FormatMoney(rec.TotalStockValue, cur))
				fmt.Fprintf(tw, "drift\t%s\n", ledger.FormatMoney(live.Sub(rec.TotalStockValue), cur))
				return tw.Flush()
			})
		},
	}
}

func newRefreshCmd(build buildFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-derive the stock figure from inventory and settle the drift against cash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				rec, err := a.Ledger.Refresh(ctx)
				if err != nil {
					return err
				}
				return printLedger(cmd.OutOrStdout(), *rec, a.Ledger.Currency())
			})
		},
	}
}

func newWithdrawCmd(build buildFunc) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "withdraw AMOUNT",
		Short: "Withdraw cash from the ledger after confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := ledger.ParseAmount(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				cur := a.Ledger.Currency()
				out := cmd.OutOrStdout()
				if yes {
					rec, err := a.Ledger.WithdrawCash(ctx, amount, cliActor)
					if err != nil {
						return err
					}
					return printLedger(out, *rec, cur)
				}

				proposal, err := a.Ledger.ProposeWithdrawal(ctx, amount, cliActor)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "withdraw %s from cash in hand of %s\n",
					ledger.FormatMoney(proposal.Amount, cur), ledger.FormatMoney(proposal.CashBefore, cur))

				if !confirm(cmd.InOrStdin(), out) {
					_ = a.Ledger.CancelWithdrawal(proposal.ID)
					fmt.Fprintln(out, "cancelled")
					return nil
				}
				rec, _, err := a.Ledger.ConfirmWithdrawal(ctx, proposal.ID)
				if err != nil {
					return err
				}
				return printLedger(out, *rec, cur)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func confirm(in io.Reader, out io.Writer) bool {
	fmt.Fprint(out, "proceed? [y/N] ")
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printLedger(w io.Writer, rec domain.LedgerRecord, currency string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "cash in hand\t%s\n", ledger.FormatMoney(rec.CashInHand, currency))
	fmt.Fprintf(tw, "stock value\t%s\n", ledger.FormatMoney(rec.TotalStockValue, currency))
	fmt.Fprintf(tw, "investment\t%s\n", ledger.FormatMoney(rec.TotalInvestment, currency))
	fmt.Fprintf(tw, "profit\t%s\n", ledger.FormatMoney(rec.TotalProfit, currency))
	fmt.Fprintf(tw, "version\t%d\n", rec.Version)
	if !rec.LastUpdated.IsZero() {
		fmt.Fprintf(tw, "last updated\t%s\n", rec.LastUpdated.Format(time.RFC3339))
	}
	return tw.Flush()
}
