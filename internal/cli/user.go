package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atmcore/atm/internal/app/atm"
	"github.com/atmcore/atm/internal/app/registry"
	"github.com/atmcore/atm/internal/domain"
)

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userRegisterCmd)
	userRegisterCmd.Flags().String("name", "", "Customer name")
	userRegisterCmd.Flags().String("pin", "", "4-digit PIN")
	userRegisterCmd.Flags().String("password", "", "Password (at least 6 characters)")
	userRegisterCmd.Flags().String("email", "", "Contact email")
	userRegisterCmd.Flags().String("phone", "", "Contact phone number")
	for _, f := range []string{"name", "pin", "password"} {
		userRegisterCmd.MarkFlagRequired(f)
	}

	userCmd.AddCommand(userUpdateCmd)
	addAuthFlags(userUpdateCmd)
	userUpdateCmd.Flags().String("name", "", "New name")
	userUpdateCmd.Flags().String("email", "", "New contact email (empty clears it)")
	userUpdateCmd.Flags().String("phone", "", "New contact phone (empty clears it)")

	rootCmd.AddCommand(pinCmd)
	pinCmd.AddCommand(pinChangeCmd)
	addAuthFlags(pinChangeCmd)
	pinChangeCmd.Flags().String("new-pin", "", "New 4-digit PIN")
	pinChangeCmd.MarkFlagRequired("new-pin")

	rootCmd.AddCommand(passwordCmd)
	passwordCmd.AddCommand(passwordChangeCmd)
	addAuthFlags(passwordChangeCmd)
	passwordChangeCmd.Flags().String("new-password", "", "New password (at least 6 characters)")
	passwordChangeCmd.MarkFlagRequired("new-password")

	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountOpenCmd, accountListCmd, accountCloseCmd)
	for _, c := range []*cobra.Command{accountOpenCmd, accountListCmd, accountCloseCmd} {
		addAuthFlags(c)
	}
	accountOpenCmd.Flags().String("type", string(domain.AccountChecking), "Account type: checking, savings or premium")
}

// ─── user ───────────────────────────────────────────────────────────────────

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage customers",
}

var userRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Enroll a customer and open a checking account",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		pin, _ := cmd.Flags().GetString("pin")
		password, _ := cmd.Flags().GetString("password")
		email, _ := cmd.Flags().GetString("email")
		phone, _ := cmd.Flags().GetString("phone")
		return withSystem(cmd, func(ctx context.Context, sys *atm.System) error {
			u, a, err := sys.Registry.RegisterUser(ctx, name, pin, password,
				registry.WithEmail(email), registry.WithPhone(phone))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s as %s\n", u.Name, u.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "Opened %s account %s\n", a.Type, a.ID)
			return nil
		})
	},
}

var userUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Change your name or contact details",
	RunE: authenticated(func(ctx context.Context, cmd *cobra.Command, sys *atm.System, sess domain.Session, args []string) error {
		var upd registry.ProfileUpdate
		for flag, dst := range map[string]**string{"name": &upd.Name, "email": &upd.Email, "phone": &upd.Phone} {
			if cmd.Flags().Changed(flag) {
				v, _ := cmd.Flags().GetString(flag)
				*dst = &v
			}
		}
		if upd.Name == nil && upd.Email == nil && upd.Phone == nil {
			return fmt.Errorf("nothing to update: pass --name, --email or --phone")
		}
		u, err := sys.Registry.UpdateProfile(ctx, sess.Token, upd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Updated %s\n", u.ID)
		fmt.Fprintf(out, "Name:  %s\n", u.Name)
		fmt.Fprintf(out, "Email: %s\n", orDash(u.Email))
		fmt.Fprintf(out, "Phone: %s\n", orDash(u.Phone))
		return nil
	}),
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ─── pin ────────────────────────────────────────────────────────────────────

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Manage your PIN",
}

var pinChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change your PIN",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		pin, _ := cmd.Flags().GetString("pin")
		password, _ := cmd.Flags().GetString("password")
		newPIN, _ := cmd.Flags().GetString("new-pin")
		return withSystem(cmd, func(ctx context.Context, sys *atm.System) error {
			if err := sys.Security.ChangePIN(ctx, user, pin, password, newPIN); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN changed.")
			return nil
		})
	},
}

// ─── password ───────────────────────────────────────────────────────────────

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Manage your password",
}

var passwordChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change your password",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		pin, _ := cmd.Flags().GetString("pin")
		password, _ := cmd.Flags().GetString("password")
		newPassword, _ := cmd.Flags().GetString("new-password")
		return withSystem(cmd, func(ctx context.Context, sys *atm.System) error {
			if err := sys.Security.ChangePassword(ctx, user, pin, password, newPassword); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password changed.")
			return nil
		})
	},
}

// ─── account ────────────────────────────────────────────────────────────────

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Open, list and close your accounts",
}

var accountOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a new account",
	RunE: authenticated(func(ctx context.Context, cmd *cobra.Command, sys *atm.System, sess domain.Session, args []string) error {
		raw, _ := cmd.Flags().GetString("type")
		t, err := domain.ParseAccountType(raw)
		if err != nil {
			return err
		}
		a, err := sys.Registry.OpenAccount(ctx, sess.UserID, t)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Opened %s account %s (credit limit %s)\n",
			a.Type, a.ID, domain.FormatMoney(a.CreditLimit))
		return nil
	}),
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your accounts",
	RunE: authenticated(func(ctx context.Context, cmd *cobra.Command, sys *atm.System, sess domain.Session, args []string) error {
		accounts, err := sys.Registry.Accounts(ctx, sess.Token)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tBALANCE\tCREDIT\tSTATE")
		for _, a := range accounts {
			state := "open"
			if a.Closed() {
				state = "closed"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Type,
				domain.FormatMoney(a.Balance), domain.FormatMoney(a.CreditLimit), state)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		total, err := sys.Registry.TotalBalance(ctx, sess.Token)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Total balance: %s\n", domain.FormatMoney(total))
		return nil
	}),
}

var accountCloseCmd = &cobra.Command{
	Use:   "close ACCOUNT",
	Short: "Close an empty account",
	Args:  cobra.ExactArgs(1),
	RunE: authenticated(func(ctx context.Context, cmd *cobra.Command, sys *atm.System, sess domain.Session, args []string) error {
		a, err := sys.Registry.CloseAccount(ctx, sess.Token, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Closed account %s\n", a.ID)
		return nil
	}),
}
