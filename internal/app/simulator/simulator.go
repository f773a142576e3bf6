// Package simulator drives concurrent ATM terminals against a running system
// and checks the ledger invariants afterwards.
//
// Each terminal:
//  1. Enrolls a customer and funds the default checking account
//  2. Logs in and runs a random mix of deposits, withdrawals, transfers and
//     balance checks, transferring into other terminals' accounts
//  3. Counts completed, rejected and conflicting operations
//
// After every terminal finishes, the simulator verifies that total money
// equals what entered minus what left, and that no account is below its
// credit limit.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmcore/atm/internal/app/atm"
	"github.com/atmcore/atm/internal/domain"
	"github.com/atmcore/atm/internal/infra/observability"
)

// ErrInvariantViolated is returned when the final ledger state is inconsistent.
var ErrInvariantViolated = errors.New("ledger invariant violated")

const (
	simPIN      = "2468"
	simPassword = "terminal-secret"
)

// Config controls the simulation.
type Config struct {
	Terminals      int             // Concurrent terminals (default: 8)
	OpsPerTerminal int             // Operations per terminal (default: 200)
	OpeningDeposit decimal.Decimal // Funds placed in each account up front (default: 400)
	MaxAmount      int64           // Largest single amount in cents (default: 15000)
	Seed           uint64          // 0 picks a time-based seed
}

// DefaultConfig returns simulation defaults.
func DefaultConfig() Config {
	return Config{
		Terminals:      8,
		OpsPerTerminal: 200,
		OpeningDeposit: decimal.NewFromInt(400),
		MaxAmount:      15000,
	}
}

// Simulator runs terminals against one system.
type Simulator struct {
	sys *atm.System
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	stats    Stats
	credited decimal.Decimal
	debited  decimal.Decimal
}

// New creates a simulator. Zero config fields take defaults.
func New(sys *atm.System, cfg Config, logger *zap.Logger) *Simulator {
	d := DefaultConfig()
	if cfg.Terminals <= 0 {
		cfg.Terminals = d.Terminals
	}
	if cfg.OpsPerTerminal <= 0 {
		cfg.OpsPerTerminal = d.OpsPerTerminal
	}
	if !cfg.OpeningDeposit.IsPositive() {
		cfg.OpeningDeposit = d.OpeningDeposit
	}
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = d.MaxAmount
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	return &Simulator{
		sys:      sys,
		cfg:      cfg,
		log:      observability.OrNop(logger).Named("simulator"),
		credited: decimal.Zero,
		debited:  decimal.Zero,
	}
}

// Stats summarises a finished simulation.
type Stats struct {
	Terminals    int             `json:"terminals"`
	Completed    int64           `json:"completed"`
	Rejected     int64           `json:"rejected"`
	Conflicts    int64           `json:"conflicts"`
	TotalBalance decimal.Decimal `json:"total_balance"`
	Expected     decimal.Decimal `json:"expected"`
	Violations   []string        `json:"violations,omitempty"`
	Elapsed      time.Duration   `json:"elapsed"`
}

// OK reports whether every invariant held.
func (s Stats) OK() bool {
	return len(s.Violations) == 0 && s.TotalBalance.Equal(s.Expected)
}

type terminal struct {
	token   string
	account string
	rng     *rand.Rand
}

// Run enrolls the terminals, drives them concurrently and verifies the
// result. It returns ErrInvariantViolated alongside the stats when the
// ledger does not add up.
func (s *Simulator) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	s.stats = Stats{Terminals: s.cfg.Terminals}

	terms, err := s.enroll(ctx)
	if err != nil {
		return Stats{}, err
	}
	accounts := make([]string, len(terms))
	for i, t := range terms {
		accounts[i] = t.account
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range terms {
		g.Go(func() error { return s.drive(gctx, t, accounts) })
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	st, err := s.verify(ctx, accounts)
	if err != nil {
		return Stats{}, err
	}
	st.Elapsed = time.Since(start)
	s.log.Info("simulation finished",
		zap.Int64("completed", st.Completed),
		zap.Int64("rejected", st.Rejected),
		zap.Int64("conflicts", st.Conflicts),
		zap.Duration("elapsed", st.Elapsed))
	if !st.OK() {
		return st, ErrInvariantViolated
	}
	return st, nil
}

func (s *Simulator) enroll(ctx context.Context) ([]*terminal, error) {
	terms := make([]*terminal, 0, s.cfg.Terminals)
	for i := range s.cfg.Terminals {
		u, a, err := s.sys.Registry.RegisterUser(ctx, fmt.Sprintf("Terminal %d", i+1), simPIN, simPassword)
		if err != nil {
			return nil, fmt.Errorf("enroll terminal %d: %w", i+1, err)
		}
		sess, err := s.sys.Sessions.Login(ctx, u.ID, simPIN, simPassword)
		if err != nil {
			return nil, fmt.Errorf("login terminal %d: %w", i+1, err)
		}
		if _, err := s.sys.Engine.Deposit(ctx, sess.Token, a.ID, s.cfg.OpeningDeposit); err != nil {
			return nil, fmt.Errorf("fund terminal %d: %w", i+1, err)
		}
		s.credit(s.cfg.OpeningDeposit)
		terms = append(terms, &terminal{
			token:   sess.Token,
			account: a.ID,
			rng:     rand.New(rand.NewPCG(s.cfg.Seed, uint64(i))),
		})
	}
	return terms, nil
}

// drive runs one terminal's operations. Business rejections and exhausted
// retries are counted; anything else stops the simulation.
func (s *Simulator) drive(ctx context.Context, t *terminal, accounts []string) error {
	eng := s.sys.Engine
	for range s.cfg.OpsPerTerminal {
		if err := ctx.Err(); err != nil {
			return err
		}
		amount := decimal.New(1+t.rng.Int64N(s.cfg.MaxAmount), -2)

		var err error
		switch p := t.rng.IntN(10); {
		case p < 3:
			if _, err = eng.Deposit(ctx, t.token, t.account, amount); err == nil {
				s.credit(amount)
			}
		case p < 6:
			if _, err = eng.Withdraw(ctx, t.token, t.account, amount); err == nil {
				s.debit(amount)
			}
		case p < 9 && len(accounts) > 1:
			to := accounts[t.rng.IntN(len(accounts))]
			if to == t.account {
				continue
			}
			_, err = eng.Transfer(ctx, t.token, t.account, to, amount)
		default:
			_, err = eng.Balance(ctx, t.token, t.account)
		}
		if err := s.tally(err); err != nil {
			return fmt.Errorf("terminal %s: %w", t.account, err)
		}
	}
	return nil
}

func (s *Simulator) tally(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.stats.Completed++
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrLimitExceeded):
		s.stats.Rejected++
	case errors.Is(err, domain.ErrConcurrentModification):
		s.stats.Conflicts++
	default:
		return err
	}
	return nil
}

func (s *Simulator) credit(d decimal.Decimal) {
	s.mu.Lock()
	s.credited = s.credited.Add(d)
	s.mu.Unlock()
}

func (s *Simulator) debit(d decimal.Decimal) {
	s.mu.Lock()
	s.debited = s.debited.Add(d)
	s.mu.Unlock()
}

// verify sums every simulated account and checks each against its
// credit limit.
func (s *Simulator) verify(ctx context.Context, accounts []string) (Stats, error) {
	s.mu.Lock()
	st := s.stats
	st.Expected = s.credited.Sub(s.debited)
	s.mu.Unlock()

	st.TotalBalance = decimal.Zero
	for _, id := range accounts {
		a, err := s.sys.Store.LoadAccount(ctx, id)
		if err != nil {
			return Stats{}, err
		}
		st.TotalBalance = st.TotalBalance.Add(a.Balance)
		if a.Balance.LessThan(a.CreditLimit.Neg()) {
			st.Violations = append(st.Violations, fmt.Sprintf("%s: balance %s below -%s",
				a.ID, domain.FormatMoney(a.Balance), domain.FormatMoney(a.CreditLimit)))
		}
	}
	if !st.TotalBalance.Equal(st.Expected) {
		st.Violations = append(st.Violations, fmt.Sprintf("total %s, expected %s",
			domain.FormatMoney(st.TotalBalance), domain.FormatMoney(st.Expected)))
	}
	return st, nil
}
