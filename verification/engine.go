// Package verification reviews credential claims and derives an account's verification status.
package verification

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-authority/accounts"
	"github.com/jrsteele09/go-session-authority/autherr"
)

// Engine is the only writer of claim status. Reviews go through accounts.Mutate, so a
// concurrent write to the same account makes the review re-apply to the fresh copy.
type Engine struct {
	repo    accounts.Repo
	nowFunc func() time.Time
	logger  zerolog.Logger
}

type Option func(*Engine)

func WithNowFunc(now func() time.Time) Option {
	return func(e *Engine) {
		e.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func New(repo accounts.Repo, options ...Option) *Engine {
	e := &Engine{
		repo:    repo,
		nowFunc: time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// SetClaimStatus records a review of one claim and returns the account status derived
// from the updated claim set.
func (e *Engine) SetClaimStatus(ctx context.Context, accountID, claimID string, status accounts.VerificationStatus, notes string) (accounts.VerificationStatus, error) {
	const op = "verification.SetClaimStatus"

	if !status.Valid() {
		return "", autherr.Ef(autherr.InvalidInput, op, "unknown status %q", status)
	}

	var previous accounts.VerificationStatus
	account, err := accounts.Mutate(ctx, e.repo, accountID, func(a *accounts.Account) error {
		claim := a.Claim(claimID)
		if claim == nil {
			return autherr.Ef(autherr.ClaimNotFound, op, "claim %s", claimID)
		}
		previous = a.VerificationStatus()
		now := e.nowFunc().UTC()
		claim.Status = status
		claim.ReviewNotes = notes
		claim.ReviewedAt = &now
		a.UpdatedAt = now
		return nil
	})
	switch {
	case errors.Is(err, accounts.ErrNotFound):
		return "", autherr.E(autherr.AccountNotFound, op, err)
	case autherr.IsKind(err, autherr.ClaimNotFound):
		return "", err
	case err != nil:
		return "", autherr.E(autherr.Internal, op, errors.Wrap(err, "[Engine.SetClaimStatus] Mutate"))
	}

	derived := account.VerificationStatus()
	e.logger.Info().
		Str("account_id", accountID).
		Str("claim_id", claimID).
		Str("claim_status", string(status)).
		Str("account_status", string(derived)).
		Bool("account_status_changed", derived != previous).
		Msg("credential claim reviewed")
	return derived, nil
}

// Status recomputes the account status from the stored claim set.
func (e *Engine) Status(ctx context.Context, accountID string) (accounts.VerificationStatus, error) {
	const op = "verification.Status"

	account, err := e.repo.GetByID(ctx, accountID)
	if errors.Is(err, accounts.ErrNotFound) {
		return "", autherr.E(autherr.AccountNotFound, op, err)
	}
	if err != nil {
		return "", autherr.E(autherr.Internal, op, errors.Wrap(err, "[Engine.Status] GetByID"))
	}
	return account.VerificationStatus(), nil
}
