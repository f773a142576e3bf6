package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmcore/atm/internal/api"
	"github.com/atmcore/atm/internal/app/atm"
	"github.com/atmcore/atm/internal/app/simulator"
	"github.com/atmcore/atm/internal/domain"
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().Int("terminals", 8, "Concurrent terminals")
	simulateCmd.Flags().Int("ops", 200, "Operations per terminal")
	simulateCmd.Flags().Uint64("seed", 0, "Random seed (0 = time-based)")
	simulateCmd.Flags().String("metrics-addr", "", "Serve /metrics on this address while simulating")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive concurrent terminals against an in-memory ledger",
	Long: `Run concurrent terminals against a fresh in-memory system and verify
that money is conserved and no account falls below its credit limit.
Exits non-zero if an invariant is violated.`,
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	terminals, _ := cmd.Flags().GetInt("terminals")
	ops, _ := cmd.Flags().GetInt("ops")
	seed, _ := cmd.Flags().GetUint64("seed")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Store.Driver = "memory"
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	sys, err := atm.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer sys.Close()

	sim := simulator.New(sys, simulator.Config{Terminals: terminals, OpsPerTerminal: ops, Seed: seed}, logger)

	g, ctx := errgroup.WithContext(cmd.Context())
	ctx, cancel := context.WithCancel(ctx)
	if metricsAddr != "" {
		srv := api.NewServer(sys)
		srv.EnableMetrics()
		g.Go(func() error { return listen(ctx, metricsAddr, srv.Handler(), logger) })
	}

	var st simulator.Stats
	g.Go(func() error {
		defer cancel()
		var err error
		st, err = sim.Run(ctx)
		if errors.Is(err, simulator.ErrInvariantViolated) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Terminals:  %d\n", st.Terminals)
	fmt.Fprintf(out, "Completed:  %d\n", st.Completed)
	fmt.Fprintf(out, "Rejected:   %d\n", st.Rejected)
	fmt.Fprintf(out, "Conflicts:  %d\n", st.Conflicts)
	fmt.Fprintf(out, "Total:      %s (expected %s)\n", domain.FormatMoney(st.TotalBalance), domain.FormatMoney(st.Expected))
	fmt.Fprintf(out, "Elapsed:    %s\n", st.Elapsed)
	if !st.OK() {
		for _, v := range st.Violations {
			logger.Error("invariant violated", zap.String("detail", v))
		}
		return simulator.ErrInvariantViolated
	}
	fmt.Fprintln(out, "All invariants held.")
	return nil
}
