// Package registry enrolls users and opens and closes their accounts.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmcore/atm/internal/app/ledger"
	"github.com/atmcore/atm/internal/domain"
	"github.com/atmcore/atm/internal/infra/observability"
)

const (
	userSequence    = "user"
	accountSequence = "account"
)

// Hasher validates and hashes credentials; *security.Manager implements it.
type Hasher interface {
	HashCredentials(pin, password string) (pinHash, passwordHash string, err error)
}

// Sessions validates tokens; *session.Manager implements it.
type Sessions interface {
	Touch(token string) (domain.Session, error)
}

// Registrar creates users and manages the account lifecycle.
type Registrar struct {
	store    domain.Store
	hasher   Hasher
	ledger   *ledger.Ledger
	sessions Sessions
	clock    func() time.Time
	log      *zap.Logger
}

// New creates a registrar.
func New(store domain.Store, hasher Hasher, l *ledger.Ledger, sessions Sessions, logger *zap.Logger) *Registrar {
	return &Registrar{
		store:    store,
		hasher:   hasher,
		ledger:   l,
		sessions: sessions,
		clock:    time.Now,
		log:      observability.OrNop(logger).Named("registry"),
	}
}

// ─── Profiles ───────────────────────────────────────────────────────────────

// Option sets optional profile fields at registration.
type Option func(*domain.User)

// WithEmail records a contact email.
func WithEmail(email string) Option {
	return func(u *domain.User) { u.Email = strings.TrimSpace(email) }
}

// WithPhone records a contact phone number.
func WithPhone(phone string) Option {
	return func(u *domain.User) { u.Phone = strings.TrimSpace(phone) }
}

// ProfileUpdate names the fields to change; nil leaves a field as it is and
// an empty string clears email or phone.
type ProfileUpdate struct {
	Name  *string
	Email *string
	Phone *string
}

func validateProfile(u domain.User) error {
	if u.Name == "" {
		return fmt.Errorf("%w: name must not be empty", domain.ErrInvalidProfile)
	}
	if u.Email != "" {
		addr, err := mail.ParseAddress(u.Email)
		if err != nil || addr.Address != u.Email {
			return fmt.Errorf("%w: malformed email %q", domain.ErrInvalidProfile, u.Email)
		}
	}
	if u.Phone != "" {
		digits := 0
		for i, c := range u.Phone {
			switch {
			case c >= '0' && c <= '9':
				digits++
			case c == '+' && i == 0, c == ' ', c == '-':
			default:
				return fmt.Errorf("%w: malformed phone %q", domain.ErrInvalidProfile, u.Phone)
			}
		}
		if digits < 7 || digits > 15 {
			return fmt.Errorf("%w: phone needs 7 to 15 digits", domain.ErrInvalidProfile)
		}
	}
	return nil
}

// UpdateProfile changes the session user's name and contact details.
func (r *Registrar) UpdateProfile(ctx context.Context, token string, upd ProfileUpdate) (domain.User, error) {
	s, err := r.sessions.Touch(token)
	if err != nil {
		return domain.User{}, err
	}
	u, err := r.store.GetUser(ctx, s.UserID)
	if err != nil {
		return domain.User{}, err
	}
	if upd.Name != nil {
		u.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Email != nil {
		WithEmail(*upd.Email)(&u)
	}
	if upd.Phone != nil {
		WithPhone(*upd.Phone)(&u)
	}
	if err := validateProfile(u); err != nil {
		return domain.User{}, err
	}
	if err := r.store.UpdateProfile(ctx, u); err != nil {
		return domain.User{}, err
	}
	r.log.Info("profile updated", zap.String("user_id", u.ID))
	return u, nil
}

// ─── Registration and Accounts ──────────────────────────────────────────────

// RegisterUser creates a user with hashed credentials and opens a default
// checking account. If the account cannot be opened the user is removed
// again; the user number it drew stays spent.
func (r *Registrar) RegisterUser(ctx context.Context, name, pin, password string, opts ...Option) (domain.User, domain.Account, error) {
	profile := domain.User{Name: strings.TrimSpace(name)}
	for _, opt := range opts {
		opt(&profile)
	}
	if err := validateProfile(profile); err != nil {
		return domain.User{}, domain.Account{}, err
	}
	pinHash, passwordHash, err := r.hasher.HashCredentials(pin, password)
	if err != nil {
		return domain.User{}, domain.Account{}, err
	}

	n, err := r.store.NextSequence(ctx, userSequence)
	if err != nil {
		return domain.User{}, domain.Account{}, err
	}
	u := domain.User{
		ID:           fmt.Sprintf("USER_%04d", n),
		Name:         profile.Name,
		Email:        profile.Email,
		Phone:        profile.Phone,
		PINHash:      pinHash,
		PasswordHash: passwordHash,
		CreatedAt:    r.clock().UTC(),
	}
	if err := r.store.CreateUser(ctx, u); err != nil {
		return domain.User{}, domain.Account{}, err
	}
	r.log.Info("user registered", zap.String("user_id", u.ID))

	a, err := r.OpenAccount(ctx, u.ID, domain.AccountChecking)
	if err != nil {
		err = fmt.Errorf("open default account: %w", err)
		if derr := r.store.DeleteUser(ctx, u.ID); derr != nil {
			r.log.Error("remove half-registered user", zap.String("user_id", u.ID), zap.Error(derr))
			return domain.User{}, domain.Account{}, errors.Join(err, derr)
		}
		r.log.Warn("registration rolled back", zap.String("user_id", u.ID), zap.Error(err))
		return domain.User{}, domain.Account{}, err
	}
	return u, a, nil
}

// OpenAccount opens an empty account of type t for userID. The credit
// limit comes from the type's overdraft policy.
func (r *Registrar) OpenAccount(ctx context.Context, userID string, t domain.AccountType) (domain.Account, error) {
	if _, err := r.store.GetUser(ctx, userID); err != nil {
		return domain.Account{}, err
	}
	policy, err := r.ledger.Policies().For(t)
	if err != nil {
		return domain.Account{}, err
	}
	credit := decimal.Zero
	if policy.OverdraftEligible() {
		credit = policy.Overdraft
	}

	n, err := r.store.NextSequence(ctx, accountSequence)
	if err != nil {
		return domain.Account{}, err
	}
	a := domain.Account{
		ID:             fmt.Sprintf("A%08d", n),
		OwnerID:        userID,
		Type:           t,
		Balance:        decimal.Zero,
		DailyWithdrawn: decimal.Zero,
		CreditLimit:    credit,
		CreatedAt:      r.clock().UTC(),
	}
	if err := r.store.CreateAccount(ctx, a); err != nil {
		return domain.Account{}, err
	}
	r.log.Info("account opened", zap.String("user_id", userID), zap.String("account_id", a.ID), zap.String("type", string(t)))
	return r.store.LoadAccount(ctx, a.ID)
}

// CloseAccount closes one of the session user's accounts. The balance must
// be zero.
func (r *Registrar) CloseAccount(ctx context.Context, token, accountID string) (domain.Account, error) {
	s, err := r.sessions.Touch(token)
	if err != nil {
		return domain.Account{}, err
	}
	a, err := r.ledger.Account(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if a.OwnerID != s.UserID {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return r.ledger.Close(ctx, accountID)
}

// Accounts lists the session user's accounts.
func (r *Registrar) Accounts(ctx context.Context, token string) ([]domain.Account, error) {
	s, err := r.sessions.Touch(token)
	if err != nil {
		return nil, err
	}
	return r.store.ListAccounts(ctx, s.UserID)
}

// TotalBalance sums the balances of the session user's accounts.
func (r *Registrar) TotalBalance(ctx context.Context, token string) (decimal.Decimal, error) {
	accounts, err := r.Accounts(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range accounts {
		total = total.Add(a.Balance)
	}
	return total, nil
}
