package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmcore/atm/internal/app/atm"
	"github.com/atmcore/atm/internal/app/ledger"
	"github.com/atmcore/atm/internal/domain"
)

const dateLayout = "2006-01-02"

func init() {
	for _, c := range []*cobra.Command{depositCmd, withdrawCmd, transferCmd, balanceCmd, historyCmd} {
		addAuthFlags(c)
		rootCmd.AddCommand(c)
	}
	historyCmd.Flags().String("from", "", "First day to include (YYYY-MM-DD)")
	historyCmd.Flags().String("to", "", "Last day to include (YYYY-MM-DD)")
}

// ─── deposit / withdraw ─────────────────────────────────────────────────────

var depositCmd = &cobra.Command{
	Use:   "deposit ACCOUNT AMOUNT",
	Short: "Deposit money into one of your accounts",
	Args:  cobra.ExactArgs(2),
	RunE: authenticated(func(ctx context.Context, cmd *cobra.Command, sys *atm.System, sess domain.Session, args []string) error {
		amount, err := domain.ParseAmount(args[1])
		if err != nil {
			return err
		}
		txn, err := sys.Engine.Deposit(ctx, sess.Token, args[0], amount)
		if err != nil {
			return err
		}
		printTxn(cmd, txn)
		return nil
	}),
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw ACCOUNT AMOUNT",
	Short: "Withdraw money from one of your accounts",
	Args:  cobra.ExactArgs(2),
	RunE: authenticated(func(ctx context.Context, cmd *cobra.Command, sys *atm.System, sess domain.Session, args []string) error {
		amount, err := domain.ParseAmount(args[1])
		if err != nil {
			return err
		}
		txn, err := sys.Engine.Withdraw(ctx, sess.Token, args[0], amount)
		if err != nil {
			return err
		}
		printTxn(cmd, txn)
		return nil
	}),
}

// ─── transfer ───────────────────────────────────────────────────────────────

var transferCmd = &cobra.Command{
	Use:   "transfer FROM TO AMOUNT",
	Short: "Move money from one of your accounts to any account",
	Args:  cobra.ExactArgs(3),
	RunE: authenticated(func(ctx context.Context, cmd *cobra.Command, sys *atm.System, sess domain.Session, args []string) error {
		amount, err := domain.ParseAmount(args[2])
		if err != nil {
			return err
		}
		r, err := sys.Engine.Transfer(ctx, sess.Token, args[0], args[1], amount)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Transferred %s from %s to %s (correlation %s)\n",
			domain.FormatMoney(amount), args[0], args[1], r.CorrelationID)
		fmt.Fprintf(cmd.OutOrStdout(), "Balance of %s: %s\n", args[0], domain.FormatMoney(r.Out.BalanceAfter))
		return nil
	}),
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT",
	Short: "Show an account's balance and limits",
	Args:  cobra.ExactArgs(1),
	RunE: authenticated(func(ctx context.Context, cmd *cobra.Command, sys *atm.System, sess domain.Session, args []string) error {
		a, err := sys.Engine.Balance(ctx, sess.Token, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Account:         %s (%s)\n", a.ID, a.Type)
		fmt.Fprintf(out, "Balance:         %s\n", domain.FormatMoney(a.Balance))
		fmt.Fprintf(out, "Available:       %s\n", domain.FormatMoney(a.Available()))
		fmt.Fprintf(out, "Withdrawn today: %s\n", domain.FormatMoney(a.DailyWithdrawn))
		return nil
	}),
}

// ─── history ────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history ACCOUNT",
	Short: "List an account's transactions, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: authenticated(func(ctx context.Context, cmd *cobra.Command, sys *atm.System, sess domain.Session, args []string) error {
		loc := sys.Location()
		r, err := rangeFlags(cmd, loc)
		if err != nil {
			return err
		}
		seq, err := sys.Engine.History(ctx, sess.Token, args[0], r)
		if err != nil {
			return err
		}
		txns, err := ledger.Collect(seq)
		if err != nil {
			return err
		}
		if len(txns) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No transactions.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tKIND\tAMOUNT\tBALANCE\tSTATUS\tID")
		for _, t := range txns {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				t.Timestamp.In(loc).Format(time.DateTime), t.Kind, domain.FormatMoney(t.Amount),
				domain.FormatMoney(t.BalanceAfter), t.Status, t.ID)
		}
		return w.Flush()
	}),
}

// rangeFlags turns --from/--to days in loc into a half-open range.
func rangeFlags(cmd *cobra.Command, loc *time.Location) (domain.Range, error) {
	var r domain.Range
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	if from != "" {
		d, err := time.ParseInLocation(dateLayout, from, loc)
		if err != nil {
			return r, fmt.Errorf("--from: %w", err)
		}
		r.From = d
	}
	if to != "" {
		d, err := time.ParseInLocation(dateLayout, to, loc)
		if err != nil {
			return r, fmt.Errorf("--to: %w", err)
		}
		r.To = d.AddDate(0, 0, 1)
	}
	return r, nil
}

func printTxn(cmd *cobra.Command, t domain.Transaction) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s: balance %s (txn %s)\n",
		t.Kind, domain.FormatMoney(t.Amount), t.AccountID, domain.FormatMoney(t.BalanceAfter), t.ID)
}
