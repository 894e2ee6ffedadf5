package refresh

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("refresh record not found")
	ErrRevoked  = errors.New("refresh record revoked")
	ErrExpired  = errors.New("refresh record expired")
	// ErrOwnerMismatch is returned by Rotate when the replacement belongs to another account.
	ErrOwnerMismatch = errors.New("refresh record owner mismatch")
)

// State is the lifecycle position of a record. active is the only non-terminal state.
type State string

const (
	StateActive  State = "active"
	StateRevoked State = "revoked"
	StateExpired State = "expired"
)

// Record is the server-side metadata for one issued refresh token. The client only ever
// holds a signed token carrying TokenID; the stored ExpiresAt is authoritative.
type Record struct {
	TokenID   string    // Unguessable identifier embedded in the refresh token
	AccountID string    // Owning account
	ExpiresAt time.Time // Authoritative expiry
	Revoked   bool      // Set by rotation, explicit revoke or mass revoke
	CreatedAt time.Time
}

// State reports the record's state at now. Revocation wins over expiry.
func (r *Record) State(now time.Time) State {
	switch {
	case r.Revoked:
		return StateRevoked
	case !now.Before(r.ExpiresAt):
		return StateExpired
	}
	return StateActive
}

// Repo stores refresh records. Implementations must be safe for concurrent use and must
// make Consume atomic per token id: of any number of concurrent Consume calls for the
// same active record, exactly one succeeds. Rotate and RevokeAll are linearizable with
// each other, so a record created by Rotate is either seen by a RevokeAll or the Rotate
// fails because RevokeAll got there first.
type Repo interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, tokenID string) (*Record, error)
	// Consume marks an active record revoked and returns it as it was before the call.
	// It fails with ErrNotFound, ErrRevoked or ErrExpired and changes nothing in that case.
	Consume(ctx context.Context, tokenID string, now time.Time) (*Record, error)
	// Rotate consumes tokenID and stores next in one step, returning the consumed record as
	// it was. It fails with the Consume errors or ErrOwnerMismatch and changes nothing then.
	Rotate(ctx context.Context, tokenID string, next *Record, now time.Time) (*Record, error)
	// Revoke is idempotent; unknown or already-revoked ids are not an error.
	Revoke(ctx context.Context, tokenID string) error
	// RevokeAll revokes every non-revoked record for the account and returns how many changed.
	RevokeAll(ctx context.Context, accountID string) (int, error)
	// Sweep deletes every record expired at now, regardless of the revoked flag.
	Sweep(ctx context.Context, now time.Time) (int, error)
	ListByAccount(ctx context.Context, accountID string) ([]*Record, error)
}
