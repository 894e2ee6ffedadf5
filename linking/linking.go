// Package linking binds third-party identities to accounts and signs accounts in through them.
// An external identifier belongs to at most one account, and linking never changes the
// email of record.
package linking

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-authority/accounts"
	"github.com/jrsteele09/go-session-authority/autherr"
	"github.com/jrsteele09/go-session-authority/token"
)

// ExternalIdentity is what a provider asserted about the caller.
type ExternalIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// Minter issues a session for an authenticated account.
type Minter interface {
	Mint(ctx context.Context, account *accounts.Account) (*token.Pair, error)
}

type Module struct {
	repo    accounts.Repo
	minter  Minter
	nowFunc func() time.Time
	logger  zerolog.Logger
}

type Option func(*Module)

func WithNowFunc(now func() time.Time) Option {
	return func(m *Module) {
		m.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Module) {
		m.logger = logger
	}
}

func New(repo accounts.Repo, minter Minter, options ...Option) *Module {
	m := &Module{
		repo:    repo,
		minter:  minter,
		nowFunc: time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

type linkConfig struct {
	promote bool
}

type LinkOption func(*linkConfig)

// Promote switches a local account's provider tag to external as part of the link.
func Promote() LinkOption {
	return func(c *linkConfig) {
		c.promote = true
	}
}

// Link attaches externalID to the account. Relinking the same id is a no-op; linking a
// different id replaces the previous one.
func (m *Module) Link(ctx context.Context, accountID, externalID, externalEmail string, options ...LinkOption) error {
	const op = "linking.Link"

	var cfg linkConfig
	for _, opt := range options {
		opt(&cfg)
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return autherr.Ef(autherr.InvalidInput, op, "external id is required")
	}

	changed := false
	account, err := m.mutate(ctx, op, accountID, func(a *accounts.Account) error {
		if accounts.NormalizeEmail(externalEmail) != a.Email {
			return autherr.E(autherr.EmailMismatch, op, nil)
		}
		if a.ExternalID != externalID {
			holder, err := m.repo.GetByExternalID(ctx, externalID)
			switch {
			case err == nil && holder.ID != a.ID:
				return autherr.E(autherr.AlreadyLinkedElsewhere, op, nil)
			case err != nil && !errors.Is(err, accounts.ErrNotFound):
				return autherr.E(autherr.Internal, op, errors.Wrap(err, "[Module.Link] GetByExternalID"))
			}
		} else if !cfg.promote || a.Provider == accounts.ProviderExternal {
			return accounts.ErrNoChange
		}

		a.ExternalID = externalID
		if cfg.promote {
			a.Provider = accounts.ProviderExternal
		}
		a.UpdatedAt = m.nowFunc().UTC()
		changed = true
		return nil
	})
	if err != nil || !changed {
		return err
	}

	m.logger.Info().
		Str("account_id", account.ID).
		Str("provider", string(account.Provider)).
		Msg("external identity linked")
	return nil
}

// Unlink detaches the external identity. The account must have a password so it stays
// reachable; its provider tag reverts to local.
func (m *Module) Unlink(ctx context.Context, accountID string) error {
	const op = "linking.Unlink"

	changed := false
	account, err := m.mutate(ctx, op, accountID, func(a *accounts.Account) error {
		if !a.HasPassword() {
			return autherr.E(autherr.NoPasswordSet, op, nil)
		}
		if !a.IsLinked() && a.Provider == accounts.ProviderLocal {
			return accounts.ErrNoChange
		}
		a.ExternalID = ""
		a.Provider = accounts.ProviderLocal
		a.UpdatedAt = m.nowFunc().UTC()
		changed = true
		return nil
	})
	if err != nil {
		return err
	}

	if changed {
		m.logger.Info().Str("account_id", account.ID).Msg("external identity unlinked")
	}
	return nil
}

// AuthenticateViaExternal signs in the account whose email the provider verified.
// RegistrationRequired is a routing signal for callers, not a login failure.
func (m *Module) AuthenticateViaExternal(ctx context.Context, identity ExternalIdentity) (*token.Pair, error) {
	const op = "linking.AuthenticateViaExternal"

	if !identity.EmailVerified {
		return nil, autherr.E(autherr.UnverifiedExternalEmail, op, nil)
	}
	subject := strings.TrimSpace(identity.Subject)
	email := accounts.NormalizeEmail(identity.Email)
	if subject == "" || email == "" {
		return nil, autherr.Ef(autherr.InvalidInput, op, "provider identity is incomplete")
	}

	account, err := m.repo.GetByEmail(ctx, email)
	if errors.Is(err, accounts.ErrNotFound) {
		return nil, autherr.E(autherr.RegistrationRequired, op, nil)
	}
	if err != nil {
		return nil, autherr.E(autherr.Internal, op, errors.Wrap(err, "[Module.AuthenticateViaExternal] GetByEmail"))
	}

	switch {
	case account.ExternalID == subject:
	case account.ExternalID != "":
		return nil, autherr.E(autherr.InvalidCredentials, op, errors.New("email linked to a different external identity"))
	case account.Provider == accounts.ProviderLocal:
		return nil, autherr.E(autherr.AccountExistsUnderLocalAuth, op, nil)
	default:
		// External account created without an id yet; bind it on first sign-in.
		if account, err = m.bindSubject(ctx, op, account.ID, subject); err != nil {
			return nil, err
		}
	}

	if !account.Active {
		return nil, autherr.E(autherr.AccountDeactivated, op, nil)
	}

	now := m.nowFunc().UTC()
	if err := m.repo.SetLastLogin(ctx, account.ID, now); err != nil {
		return nil, autherr.E(autherr.Internal, op, errors.Wrap(err, "[Module.AuthenticateViaExternal] SetLastLogin"))
	}
	account.LastLogin = now

	pair, err := m.minter.Mint(ctx, account)
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func (m *Module) bindSubject(ctx context.Context, op, accountID, subject string) (*accounts.Account, error) {
	account, err := m.mutate(ctx, op, accountID, func(a *accounts.Account) error {
		if a.ExternalID == subject {
			return accounts.ErrNoChange
		}
		if a.ExternalID != "" {
			return autherr.E(autherr.InvalidCredentials, op, errors.New("account linked concurrently"))
		}
		a.ExternalID = subject
		a.UpdatedAt = m.nowFunc().UTC()
		return nil
	})
	if autherr.IsKind(err, autherr.AlreadyLinkedElsewhere) {
		return nil, autherr.E(autherr.InvalidCredentials, op, err)
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// mutate applies fn through accounts.Mutate and maps store errors onto autherr kinds.
// Errors fn returns are already classified and pass through.
func (m *Module) mutate(ctx context.Context, op, accountID string, fn func(*accounts.Account) error) (*accounts.Account, error) {
	account, err := accounts.Mutate(ctx, m.repo, accountID, fn)
	var classified *autherr.Error
	switch {
	case err == nil:
		return account, nil
	case errors.As(err, &classified):
		return nil, err
	case errors.Is(err, accounts.ErrExternalIDTaken):
		return nil, autherr.E(autherr.AlreadyLinkedElsewhere, op, err)
	case errors.Is(err, accounts.ErrNotFound):
		return nil, autherr.E(autherr.AccountNotFound, op, err)
	default:
		return nil, autherr.E(autherr.Internal, op, errors.Wrap(err, "[Module] Mutate"))
	}
}
