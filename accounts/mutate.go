package accounts

import (
	"context"
	"errors"
)

// MaxMutateAttempts bounds how often Mutate re-reads after losing a version race.
const MaxMutateAttempts = 16

// ErrNoChange is returned by a Mutate callback to finish without writing.
var ErrNoChange = errors.New("no change")

// Mutate reads the account, applies fn and writes the result with Update. When another
// writer got in between, it re-reads and applies fn again to the fresh copy, so fn may run
// more than once and must only depend on the account it is given.
//
// An error from fn aborts without writing and is returned as is, except ErrNoChange which
// returns the unchanged account.
func Mutate(ctx context.Context, repo Repo, id string, fn func(*Account) error) (*Account, error) {
	for attempt := 1; ; attempt++ {
		account, err := repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(account); err != nil {
			if errors.Is(err, ErrNoChange) {
				return account, nil
			}
			return nil, err
		}

		err = repo.Update(ctx, account)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= MaxMutateAttempts {
			return nil, err
		}
	}
}
