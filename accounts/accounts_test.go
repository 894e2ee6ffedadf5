package accounts_test

import (
	"testing"

	"github.com/jrsteele09/go-session-authority/accounts"
	"github.com/stretchr/testify/require"
)

func claimsWith(statuses ...accounts.VerificationStatus) []accounts.Claim {
	claims := make([]accounts.Claim, 0, len(statuses))
	for _, s := range statuses {
		claims = append(claims, accounts.Claim{Status: s})
	}
	return claims
}

func TestDeriveStatus(t *testing.T) {
	const (
		p = accounts.StatusPending
		v = accounts.StatusVerified
		r = accounts.StatusRejected
	)

	tests := []struct {
		name     string
		statuses []accounts.VerificationStatus
		want     accounts.VerificationStatus
	}{
		{"no claims", nil, p},
		{"single pending", []accounts.VerificationStatus{p}, p},
		{"single verified", []accounts.VerificationStatus{v}, v},
		{"single rejected", []accounts.VerificationStatus{r}, r},
		{"all verified", []accounts.VerificationStatus{v, v, v}, v},
		{"one pending", []accounts.VerificationStatus{v, p, v}, p},
		{"one rejected among verified", []accounts.VerificationStatus{v, r, v}, r},
		{"rejected and pending", []accounts.VerificationStatus{p, r}, r},
		{"unknown status counts as pending", []accounts.VerificationStatus{v, "weird"}, p},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, accounts.DeriveStatus(claimsWith(tt.statuses...)))
		})
	}
}

func TestAccount_VerificationStatusTracksClaims(t *testing.T) {
	acct := &accounts.Account{Claims: claimsWith(accounts.StatusPending, accounts.StatusPending)}
	require.Equal(t, accounts.StatusPending, acct.VerificationStatus())

	acct.Claims[0].Status = accounts.StatusVerified
	require.Equal(t, accounts.StatusPending, acct.VerificationStatus())

	acct.Claims[1].Status = accounts.StatusVerified
	require.Equal(t, accounts.StatusVerified, acct.VerificationStatus())

	acct.Claims[1].Status = accounts.StatusRejected
	require.Equal(t, accounts.StatusRejected, acct.VerificationStatus())
}

func TestNormalizeEmail(t *testing.T) {
	require.Equal(t, "alice@x.com", accounts.NormalizeEmail("  Alice@X.com "))
}

func TestValidatePasswordStrength(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, accounts.ValidatePasswordStrength("Abcd123!"))
	})

	failures := map[string]string{
		"Ab1!":      "at least 8 characters",
		"abcd123!":  "uppercase",
		"ABCD123!":  "lowercase",
		"Abcdefg!":  "number",
		"Abcd1234":  "symbol",
		"Abcd 1234": "symbol",
	}
	for pw, msg := range failures {
		t.Run(pw, func(t *testing.T) {
			err := accounts.ValidatePasswordStrength(pw)
			require.Error(t, err)
			require.Contains(t, err.Error(), msg)
		})
	}
}

func TestAccount_Clone(t *testing.T) {
	orig := &accounts.Account{
		ID:      "a-1",
		Claims:  claimsWith(accounts.StatusPending),
		Profile: map[string]string{"city": "Leeds"},
	}
	c := orig.Clone()
	c.Claims[0].Status = accounts.StatusVerified
	c.Profile["city"] = "York"

	require.Equal(t, accounts.StatusPending, orig.Claims[0].Status)
	require.Equal(t, "Leeds", orig.Profile["city"])
}
