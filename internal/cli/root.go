// Package cli implements the atm command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atmcore/atm/internal/app/atm"
	"github.com/atmcore/atm/internal/config"
	"github.com/atmcore/atm/internal/domain"
	"github.com/atmcore/atm/internal/infra/observability"
)

var rootCmd = &cobra.Command{
	Use:   "atm",
	Short: "ATM ledger and authentication core",
	Long: `atm runs customer operations against a local ledger: enrollment,
accounts, deposits, withdrawals, transfers and history. Every customer
command authenticates with --user, --pin and --password.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config.toml (default ~/.atm/config.toml)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ─── Shared Helpers ─────────────────────────────────────────────────────────

// loadConfig reads the config named by --config.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return observability.NewLogger(observability.LogConfig{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
}

// withSystem opens the configured system, runs fn and closes it.
func withSystem(cmd *cobra.Command, fn func(ctx context.Context, sys *atm.System) error) error {
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
	return fn(cmd.Context(), sys)
}

// addAuthFlags registers the credential flags on a customer command.
func addAuthFlags(cmd *cobra.Command) {
	cmd.Flags().String("user", "", "User ID (e.g. USER_0001)")
	cmd.Flags().String("pin", "", "4-digit PIN")
	cmd.Flags().String("password", "", "Password")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("pin")
	cmd.MarkFlagRequired("password")
}

// login opens a session from the credential flags.
func login(ctx context.Context, cmd *cobra.Command, sys *atm.System) (domain.Session, error) {
	user, _ := cmd.Flags().GetString("user")
	pin, _ := cmd.Flags().GetString("pin")
	password, _ := cmd.Flags().GetString("password")
	return sys.Sessions.Login(ctx, user, pin, password)
}

// authenticated wraps a customer command body with login and logout.
func authenticated(fn func(ctx context.Context, cmd *cobra.Command, sys *atm.System, sess domain.Session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *atm.System) error {
			sess, err := login(ctx, cmd, sys)
			if err != nil {
				return err
			}
			defer sys.Sessions.Logout(sess.Token)
			return fn(ctx, cmd, sys, sess, args)
		})
	}
}
