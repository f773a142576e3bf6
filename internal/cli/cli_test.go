package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atmcore/atm/internal/domain"
)

// writeConfig points the CLI at a fresh sqlite directory. extra is appended
// to the generated TOML.
func writeConfig(t *testing.T, extra ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := fmt.Sprintf(`
[store]
driver = "sqlite"
path = %q

[security]
bcrypt_cost = 4

[log]
level = "error"
`, filepath.Join(dir, "data"))
	for _, e := range extra {
		body += "\n" + e + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// resetFlags undoes flag values left behind by a previous Execute.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func run(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"--config", cfg}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func auth(user, pin string) []string {
	return []string{"--user", user, "--pin", pin, "--password", "secret1"}
}

func TestCLI_CustomerFlow(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "user", "register", "--name", "Ada", "--pin", "1234", "--password", "secret1")
	require.NoError(t, err)
	assert.Contains(t, out, "Registered Ada as USER_0001")
	assert.Contains(t, out, "Opened checking account A00000001")

	_, err = run(t, cfg, "user", "register", "--name", "Bob", "--pin", "4321", "--password", "secret1")
	require.NoError(t, err)

	ada := auth("USER_0001", "1234")

	out, err = run(t, cfg, append([]string{"deposit", "A00000001", "100"}, ada...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "balance 100.00")

	out, err = run(t, cfg, append([]string{"withdraw", "A00000001", "60"}, ada...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "balance 40.00")

	_, err = run(t, cfg, append([]string{"withdraw", "A00000001", "160"}, ada...)...)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	out, err = run(t, cfg, append([]string{"transfer", "A00000001", "A00000002", "15.50"}, ada...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Balance of A00000001: 24.50")

	out, err = run(t, cfg, append([]string{"balance", "A00000001"}, ada...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Balance:         24.50")
	assert.Contains(t, out, "Available:       124.50")
	assert.Contains(t, out, "Withdrawn today: 75.50")

	out, err = run(t, cfg, append([]string{"history", "A00000001"}, ada...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "deposit")
	assert.Contains(t, out, "transfer-out")

	out, err = run(t, cfg, append([]string{"history", "A00000001", "--to", "2000-01-01"}, ada...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "No transactions.")

	_, err = run(t, cfg, append([]string{"balance", "A00000002"}, ada...)...)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	out, err = run(t, cfg, "admin", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Users:           2")
	assert.Contains(t, out, "Transactions:    4")

	out, err = run(t, cfg, "admin", "audit", "A00000001")
	require.NoError(t, err)
	assert.Contains(t, out, "transfer-out")
}

func TestCLI_Accounts(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "user", "register", "--name", "Ada", "--pin", "1234", "--password", "secret1")
	require.NoError(t, err)
	ada := auth("USER_0001", "1234")

	out, err := run(t, cfg, append([]string{"account", "open", "--type", "premium"}, ada...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Opened premium account A00000002 (credit limit 500.00)")

	_, err = run(t, cfg, append([]string{"account", "open", "--type", "gold"}, ada...)...)
	assert.Error(t, err)

	_, err = run(t, cfg, append([]string{"account", "close", "A00000002"}, ada...)...)
	require.NoError(t, err)

	out, err = run(t, cfg, append([]string{"account", "list"}, ada...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "A00000001")
	assert.Regexp(t, `A00000002\s+premium\s+0\.00\s+500\.00\s+closed`, out)
	assert.Contains(t, out, "Total balance: 0.00")

	out, err = run(t, cfg, append([]string{"account", "open", "--type", "savings"}, ada...)...)
	require.NoError(t, err)
	_, err = run(t, cfg, append([]string{"deposit", "A00000001", "12.25"}, ada...)...)
	require.NoError(t, err)
	_, err = run(t, cfg, append([]string{"deposit", "A00000003", "7.75"}, ada...)...)
	require.NoError(t, err)

	out, err = run(t, cfg, append([]string{"account", "list"}, ada...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Total balance: 20.00")
}

func TestCLI_ProfileAndPassword(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, cfg, "user", "register", "--name", "Ada", "--pin", "1234", "--password", "secret1",
		"--email", "ada@example.com", "--phone", "+44 20 7946 0000")
	require.NoError(t, err)
	assert.Contains(t, out, "Registered Ada as USER_0001")

	_, err = run(t, cfg, "user", "register", "--name", "Bob", "--pin", "1234", "--password", "secret1", "--email", "bob@")
	assert.ErrorIs(t, err, domain.ErrInvalidProfile)

	ada := auth("USER_0001", "1234")
	_, err = run(t, cfg, append([]string{"user", "update"}, ada...)...)
	assert.ErrorContains(t, err, "nothing to update")

	out, err = run(t, cfg, append([]string{"user", "update", "--name", "Ada Lovelace", "--phone", ""}, ada...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Name:  Ada Lovelace")
	assert.Contains(t, out, "Email: ada@example.com")
	assert.Contains(t, out, "Phone: -")

	_, err = run(t, cfg, append([]string{"password", "change", "--new-password", "short"}, ada...)...)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentialFormat)

	out, err = run(t, cfg, append([]string{"password", "change", "--new-password", "hunter22"}, ada...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Password changed.")

	_, err = run(t, cfg, append([]string{"balance", "A00000001"}, ada...)...)
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	out, err = run(t, cfg, "balance", "A00000001", "--user", "USER_0001", "--pin", "1234", "--password", "hunter22")
	require.NoError(t, err)
	assert.Contains(t, out, "Balance:         0.00")
}

func TestCLI_HistoryDaysFollowConfiguredZone(t *testing.T) {
	cfg := writeConfig(t, "[ledger]\ntimezone = \"Pacific/Kiritimati\"")
	_, err := run(t, cfg, "user", "register", "--name", "Ada", "--pin", "1234", "--password", "secret1")
	require.NoError(t, err)
	ada := auth("USER_0001", "1234")
	_, err = run(t, cfg, append([]string{"deposit", "A00000001", "5"}, ada...)...)
	require.NoError(t, err)

	loc, err := time.LoadLocation("Pacific/Kiritimati")
	require.NoError(t, err)
	today := time.Now().In(loc).Format(dateLayout)

	out, err := run(t, cfg, append([]string{"history", "A00000001", "--from", today, "--to", today}, ada...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "deposit")
}

func TestRangeFlags_ParsesInLocation(t *testing.T) {
	loc := time.FixedZone("UTC+14", 14*60*60)
	cmd := &cobra.Command{}
	cmd.Flags().String("from", "", "")
	cmd.Flags().String("to", "", "")
	require.NoError(t, cmd.Flags().Set("from", "2026-03-02"))
	require.NoError(t, cmd.Flags().Set("to", "2026-03-02"))

	r, err := rangeFlags(cmd, loc)
	require.NoError(t, err)
	assert.True(t, r.From.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, loc)))
	assert.True(t, r.To.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, loc)))
	assert.True(t, r.From.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))

	require.NoError(t, cmd.Flags().Set("to", "03/02/2026"))
	_, err = rangeFlags(cmd, loc)
	assert.ErrorContains(t, err, "--to")
}

func TestCLI_PinChangeAndLockout(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "user", "register", "--name", "Ada", "--pin", "1234", "--password", "secret1")
	require.NoError(t, err)

	_, err = run(t, cfg, append([]string{"pin", "change", "--new-pin", "12"}, auth("USER_0001", "1234")...)...)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentialFormat)

	out, err := run(t, cfg, append([]string{"pin", "change", "--new-pin", "5678"}, auth("USER_0001", "1234")...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "PIN changed.")

	for range 2 {
		_, err = run(t, cfg, append([]string{"balance", "A00000001"}, auth("USER_0001", "1234")...)...)
		assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	}
	_, err = run(t, cfg, append([]string{"balance", "A00000001"}, auth("USER_0001", "1234")...)...)
	assert.ErrorIs(t, err, domain.ErrAccountLocked)

	// The lockout survives across processes because it is persisted.
	_, err = run(t, cfg, append([]string{"balance", "A00000001"}, auth("USER_0001", "5678")...)...)
	assert.ErrorIs(t, err, domain.ErrAccountLocked)
}

func TestCLI_AdminReverse(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "user", "register", "--name", "Ada", "--pin", "1234", "--password", "secret1")
	require.NoError(t, err)
	ada := auth("USER_0001", "1234")
	_, err = run(t, cfg, append([]string{"deposit", "A00000001", "30"}, ada...)...)
	require.NoError(t, err)

	out, err := run(t, cfg, "admin", "audit", "--limit", "1")
	require.NoError(t, err)
	var txnID string
	for _, f := range bytes.Fields([]byte(out)) {
		if bytes.Count(f, []byte("-")) == 4 {
			txnID = string(f)
		}
	}
	require.NotEmpty(t, txnID, out)

	out, err = run(t, cfg, "admin", "reverse", txnID)
	require.NoError(t, err)
	assert.Contains(t, out, "balance 0.00")

	_, err = run(t, cfg, "admin", "reverse", txnID)
	assert.ErrorIs(t, err, domain.ErrAlreadyReversed)
	_, err = run(t, cfg, "admin", "reverse", "missing")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestCLI_Simulate(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, cfg, "simulate", "--terminals", "4", "--ops", "50", "--seed", "9")
	require.NoError(t, err)
	assert.Contains(t, out, "All invariants held.")
}

func TestCLI_RequiresCredentials(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "balance", "A00000001")
	assert.Error(t, err)
}

func TestListen_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := listen(ctx, "127.0.0.1:0", http.NotFoundHandler(), zap.NewNop())
	assert.NoError(t, err)
}

func TestListen_BadAddress(t *testing.T) {
	err := listen(context.Background(), "127.0.0.1:99999", http.NotFoundHandler(), zap.NewNop())
	assert.Error(t, err)
}
