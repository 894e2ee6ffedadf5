// Package autherr defines the closed set of error kinds returned by the session authority.
//
// Callers branch on kinds rather than messages:
//
//	if errors.Is(err, autherr.ErrInvalidCredentials) { ... }
//	switch autherr.KindOf(err) { ... }
package autherr

import (
	"errors"
	"fmt"
)

// Kind classifies an error. The set is closed; unknown errors report Internal.
type Kind string

const (
	// Validation errors, raised before any store access.
	InvalidEmail       Kind = "invalid_email"
	WeakPassword       Kind = "weak_password"
	InvalidDisplayName Kind = "invalid_display_name"
	InvalidClaim       Kind = "invalid_claim"
	InvalidInput       Kind = "invalid_input"

	// Authentication errors. Deliberately uninformative.
	InvalidCredentials       Kind = "invalid_credentials"
	InvalidAccessToken       Kind = "invalid_access_token"
	InvalidRefreshToken      Kind = "invalid_refresh_token"
	IncorrectCurrentPassword Kind = "incorrect_current_password"
	UnverifiedExternalEmail  Kind = "unverified_external_email"

	// State-conflict errors about the caller's own resource.
	DuplicateAccount            Kind = "duplicate_account"
	AlreadyLinkedElsewhere      Kind = "already_linked_elsewhere"
	EmailMismatch               Kind = "email_mismatch"
	NoPasswordSet               Kind = "no_password_set"
	PasswordAlreadySet          Kind = "password_already_set"
	AccountDeactivated          Kind = "account_deactivated"
	AccountExistsUnderLocalAuth Kind = "account_exists_under_local_auth"

	// RegistrationRequired is a routing signal, not a failure.
	RegistrationRequired Kind = "registration_required"

	// Not-found errors.
	AccountNotFound Kind = "account_not_found"
	ClaimNotFound   Kind = "claim_not_found"

	Internal Kind = "internal"
)

var messages = map[Kind]string{
	InvalidEmail:                "email address is not valid",
	WeakPassword:                "password does not meet the strength policy",
	InvalidDisplayName:          "display name is not valid",
	InvalidClaim:                "credential claim is not valid",
	InvalidInput:                "invalid input",
	InvalidCredentials:          "invalid credentials",
	InvalidAccessToken:          "invalid access token",
	InvalidRefreshToken:         "invalid refresh token",
	IncorrectCurrentPassword:    "current password is incorrect",
	UnverifiedExternalEmail:     "identity provider did not verify the email address",
	DuplicateAccount:            "an account with this email already exists",
	AlreadyLinkedElsewhere:      "external identity is linked to another account",
	EmailMismatch:               "external email does not match the account email",
	NoPasswordSet:               "account has no password set",
	PasswordAlreadySet:          "account already has a password",
	AccountDeactivated:          "account is deactivated",
	AccountExistsUnderLocalAuth: "an account with this email uses password sign-in",
	RegistrationRequired:        "no account exists for this identity",
	AccountNotFound:             "account not found",
	ClaimNotFound:               "credential claim not found",
	Internal:                    "internal error",
}

// opaque kinds never expose detail or cause text.
var opaque = map[Kind]bool{
	InvalidCredentials:  true,
	InvalidAccessToken:  true,
	InvalidRefreshToken: true,
	Internal:            true,
}

// Error is the concrete error type returned across the package boundary.
type Error struct {
	Kind Kind   // Classification
	Op   string // Operation that failed, e.g. "auth.Login"
	Msg  string // Optional detail safe to show to the caller
	Err  error  // Underlying cause, kept for logs
}

func (e *Error) Error() string {
	msg := messages[e.Kind]
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Msg != "" && !opaque[e.Kind] {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Cause returns the wrapped cause as a loggable string.
func (e *Error) Cause() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidEmail                = &Error{Kind: InvalidEmail}
	ErrWeakPassword                = &Error{Kind: WeakPassword}
	ErrInvalidDisplayName          = &Error{Kind: InvalidDisplayName}
	ErrInvalidClaim                = &Error{Kind: InvalidClaim}
	ErrInvalidInput                = &Error{Kind: InvalidInput}
	ErrInvalidCredentials          = &Error{Kind: InvalidCredentials}
	ErrInvalidAccessToken          = &Error{Kind: InvalidAccessToken}
	ErrInvalidRefreshToken         = &Error{Kind: InvalidRefreshToken}
	ErrIncorrectCurrentPassword    = &Error{Kind: IncorrectCurrentPassword}
	ErrUnverifiedExternalEmail     = &Error{Kind: UnverifiedExternalEmail}
	ErrDuplicateAccount            = &Error{Kind: DuplicateAccount}
	ErrAlreadyLinkedElsewhere      = &Error{Kind: AlreadyLinkedElsewhere}
	ErrEmailMismatch               = &Error{Kind: EmailMismatch}
	ErrNoPasswordSet               = &Error{Kind: NoPasswordSet}
	ErrPasswordAlreadySet          = &Error{Kind: PasswordAlreadySet}
	ErrAccountDeactivated          = &Error{Kind: AccountDeactivated}
	ErrAccountExistsUnderLocalAuth = &Error{Kind: AccountExistsUnderLocalAuth}
	ErrRegistrationRequired        = &Error{Kind: RegistrationRequired}
	ErrAccountNotFound             = &Error{Kind: AccountNotFound}
	ErrClaimNotFound               = &Error{Kind: ClaimNotFound}
	ErrInternal                    = &Error{Kind: Internal}
)

// E builds an *Error of the given kind.
func E(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Ef builds an *Error with a caller-visible detail message.
func Ef(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of err, or Internal if err is not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
