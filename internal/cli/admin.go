package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atmcore/atm/internal/api"
	"github.com/atmcore/atm/internal/app/atm"
	"github.com/atmcore/atm/internal/domain"
)

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(adminReverseCmd, adminStatsCmd, adminAuditCmd)
	adminAuditCmd.Flags().Int("limit", 20, "Number of most recent events to show")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (default metrics.addr from config)")
}

// ─── admin ──────────────────────────────────────────────────────────────────

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator commands",
}

var adminReverseCmd = &cobra.Command{
	Use:   "reverse TXN_ID",
	Short: "Post compensating entries for a committed transaction",
	Long: `Reverse a committed transaction. Transfers are reversed as a whole:
both legs get a compensating entry in one atomic commit. A transaction
can be reversed once.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *atm.System) error {
			txns, err := sys.Ledger.Reverse(ctx, args[0])
			if err != nil {
				return err
			}
			for _, t := range txns {
				fmt.Fprintf(cmd.OutOrStdout(), "Reversed %s: %s %s on %s, balance %s\n",
					t.ReversalOf, t.Kind, domain.FormatMoney(t.Amount), t.AccountID, domain.FormatMoney(t.BalanceAfter))
			}
			return nil
		})
	},
}

var adminStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show user, account and transaction counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *atm.System) error {
			st, err := sys.Stats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Users:           %d\n", st.Users)
			fmt.Fprintf(out, "Accounts:        %d\n", st.Accounts)
			fmt.Fprintf(out, "Transactions:    %d\n", st.Transactions)
			fmt.Fprintf(out, "Active sessions: %d\n", st.ActiveSessions)
			return nil
		})
	},
}

var adminAuditCmd = &cobra.Command{
	Use:   "audit [ACCOUNT]",
	Short: "Show the persisted audit trail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var accountID string
		if len(args) == 1 {
			accountID = args[0]
		}
		return withSystem(cmd, func(ctx context.Context, sys *atm.System) error {
			reader, ok := sys.Store.(api.AuditReader)
			if !ok {
				return errors.New("the configured store does not persist audit events")
			}
			events, err := reader.AuditEvents(ctx, accountID, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACCOUNT\tKIND\tAMOUNT\tBALANCE\tTXN")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", ev.Timestamp.Format(time.DateTime),
					ev.AccountID, ev.Kind, domain.FormatMoney(ev.Amount),
					domain.FormatMoney(ev.ResultingBalance), ev.TransactionID)
			}
			return w.Flush()
		})
	},
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops HTTP server and session reaper",
	Long: `Serve /health, /api/stats, /api/audit and, when metrics are enabled,
/metrics. Runs until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	sys, err := atm.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open system: %w", err)
	}
	defer sys.Close()
	if err := sys.Start(); err != nil {
		return err
	}

	srv := api.NewServer(sys)
	if cfg.Metrics.Enabled {
		srv.EnableMetrics()
	}
	if reader, ok := sys.Store.(api.AuditReader); ok {
		srv.SetAuditReader(reader)
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return listen(ctx, addr, srv.Handler(), logger)
}

// listen serves h on addr until ctx is done, then shuts down gracefully.
func listen(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	hs := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	logger.Info("ops server listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
