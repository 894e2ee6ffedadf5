package accounts

import (
	"strings"
	"time"
)

// VerificationStatus is the approval state of a single claim or of a whole account.
type VerificationStatus string

const (
	StatusPending  VerificationStatus = "pending"
	StatusVerified VerificationStatus = "verified"
	StatusRejected VerificationStatus = "rejected"
)

// Valid reports whether s is one of the known statuses.
func (s VerificationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusRejected:
		return true
	}
	return false
}

// ProviderType tags how an account authenticates.
type ProviderType string

const (
	ProviderLocal    ProviderType = "local"
	ProviderExternal ProviderType = "external"
)

// Claim is a professional credential attached to an account and reviewed by the verification engine.
type Claim struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`                   // e.g. "license", "degree"
	Institution string             `json:"institution"`            // Issuing institution
	IssuedAt    time.Time          `json:"issued_at"`              // Issue date
	DocumentRef string             `json:"document_ref,omitempty"` // Supporting document reference
	Status      VerificationStatus `json:"status"`
	ReviewNotes string             `json:"review_notes,omitempty"`
	ReviewedAt  *time.Time         `json:"reviewed_at,omitempty"`
}

// Preferences holds per-account defaults created at registration.
type Preferences struct {
	Locale               string `json:"locale"`
	Timezone             string `json:"timezone"`
	EmailNotifications   bool   `json:"email_notifications"`
	ProfileVisibleToPeer bool   `json:"profile_visible_to_peer"`
}

// DefaultPreferences returns the preference state given to new accounts.
func DefaultPreferences() Preferences {
	return Preferences{
		Locale:               "en",
		Timezone:             "UTC",
		EmailNotifications:   true,
		ProfileVisibleToPeer: true,
	}
}

type Account struct {
	ID           string            `json:"id"`                    // Stable, immutable identifier
	Email        string            `json:"email"`                 // Normalized, unique across active accounts
	PasswordHash string            `json:"-"`                     // Empty for external-only accounts - never serialize
	DisplayName  string            `json:"display_name"`          //
	Claims       []Claim           `json:"claims"`                // Credential claims, owned by this account
	Provider     ProviderType      `json:"provider"`              // local or external
	ExternalID   string            `json:"external_id,omitempty"` // Linked external-provider subject
	Active       bool              `json:"active"`                //
	Profile      map[string]string `json:"profile,omitempty"`     // Free-form profile fields
	Preferences  Preferences       `json:"preferences"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastLogin    time.Time         `json:"last_login,omitempty"`
	Version      int64             `json:"-"` // Store write counter for optimistic updates
}

// NormalizeEmail trims and lower-cases an address for storage and comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HasPassword reports whether password login is possible for the account.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// IsLinked reports whether an external identity is attached.
func (a *Account) IsLinked() bool {
	return a.ExternalID != ""
}

// VerificationStatus derives the account-level status from the claim set.
// It is never stored independently; every read recomputes it.
func (a *Account) VerificationStatus() VerificationStatus {
	return DeriveStatus(a.Claims)
}

// DeriveStatus is verified iff every claim is verified, rejected iff any claim is
// rejected, and pending otherwise. An empty claim set is pending.
func DeriveStatus(claims []Claim) VerificationStatus {
	if len(claims) == 0 {
		return StatusPending
	}
	allVerified := true
	anyRejected := false
	for _, c := range claims {
		switch c.Status {
		case StatusVerified:
		case StatusRejected:
			anyRejected = true
			allVerified = false
		default:
			allVerified = false
		}
	}
	switch {
	case allVerified:
		return StatusVerified
	case anyRejected:
		return StatusRejected
	}
	return StatusPending
}

// Claim returns a pointer to the claim with the given id, or nil.
func (a *Account) Claim(id string) *Claim {
	for i := range a.Claims {
		if a.Claims[i].ID == id {
			return &a.Claims[i]
		}
	}
	return nil
}

// Clone returns a deep copy so stores never hand out shared mutable state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Claims = make([]Claim, len(a.Claims))
	for i, cl := range a.Claims {
		if cl.ReviewedAt != nil {
			t := *cl.ReviewedAt
			cl.ReviewedAt = &t
		}
		c.Claims[i] = cl
	}
	if a.Profile != nil {
		c.Profile = make(map[string]string, len(a.Profile))
		for k, v := range a.Profile {
			c.Profile[k] = v
		}
	}
	return &c
}
