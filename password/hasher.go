// Package password provides the one-way password hashing primitive.
//
// Hashing is CPU-expensive. Callers must not hold locks across Hash or Verify.
package password

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/pkg/errors"
)

// Hasher hashes passwords and verifies candidates against stored hashes.
type Hasher interface {
	Hash(password string) (string, error)
	// Verify reports whether password matches encodedHash. A malformed hash is an error.
	Verify(password, encodedHash string) (bool, error)
}

// Bcrypt implements Hasher with golang.org/x/crypto/bcrypt.
type Bcrypt struct {
	cost int
}

var _ Hasher = (*Bcrypt)(nil)

// NewBcrypt returns a bcrypt hasher. Out-of-range costs fall back to bcrypt.DefaultCost.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

func (b *Bcrypt) Hash(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), b.cost)
	if err != nil {
		return "", errors.Wrap(err, "[Bcrypt.Hash] GenerateFromPassword")
	}
	return string(bytes), nil
}

func (b *Bcrypt) Verify(password, encodedHash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	}
	return false, errors.Wrap(err, "[Bcrypt.Verify] CompareHashAndPassword")
}
