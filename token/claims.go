package token

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/jrsteele09/go-session-authority/accounts"
)

// Type distinguishes access from refresh tokens so one cannot stand in for the other.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Claims is the payload of both token kinds. TokenID is only set on refresh tokens and
// names the refresh.Record backing them.
type Claims struct {
	Email              string                      `json:"email"`
	VerificationStatus accounts.VerificationStatus `json:"verification_status"`
	TokenID            string                      `json:"tid,omitempty"`
	Type               Type                        `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) AccountID() string {
	return c.Subject
}
