package accounts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("account not found")
	ErrEmailTaken      = errors.New("email already used by an active account")
	ErrExternalIDTaken = errors.New("external id already linked to another account")
	ErrVersionConflict = errors.New("account changed since it was read")
)

// Repo is the credential store. Implementations must enforce email uniqueness across
// active accounts and external-id uniqueness across all accounts, returning
// ErrEmailTaken / ErrExternalIDTaken when a write would break either.
//
// Every write bumps the stored Version. Update is a compare-and-swap on it: a copy read
// before another write fails with ErrVersionConflict and changes nothing. Use Mutate
// rather than calling Update directly.
type Repo interface {
	// Create stores a new account at Version 1 and sets account.Version.
	Create(ctx context.Context, account *Account) error
	// Update replaces the account if account.Version is current, then sets the new Version.
	Update(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id string) (*Account, error)
	// GetByEmail prefers the active account holding the email, falling back to the
	// most recently created inactive one.
	GetByEmail(ctx context.Context, email string) (*Account, error)
	GetByExternalID(ctx context.Context, externalID string) (*Account, error)
	SetLastLogin(ctx context.Context, id string, at time.Time) error
	// SetPasswordHash replaces only the password hash, leaving claims and links untouched.
	SetPasswordHash(ctx context.Context, id, hash string, at time.Time) error
}
