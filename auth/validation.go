package auth

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/jrsteele09/go-session-authority/accounts"
	"github.com/jrsteele09/go-session-authority/autherr"
)

const (
	minDisplayNameLength = 2
	maxDisplayNameLength = 100
)

// ClaimInput is a credential claim as submitted at registration.
type ClaimInput struct {
	Type        string    `json:"type" validate:"required,max=64"`
	Institution string    `json:"institution" validate:"required,max=200"`
	IssuedAt    time.Time `json:"issued_at" validate:"required"`
	DocumentRef string    `json:"document_ref,omitempty" validate:"omitempty,max=512"`
}

// RegisterInput is a local registration request.
type RegisterInput struct {
	Email       string            `json:"email" validate:"required,email,max=254"`
	Password    string            `json:"password" validate:"password"`
	DisplayName string            `json:"display_name" validate:"displayname"`
	Claims      []ClaimInput      `json:"claims" validate:"required,min=1,dive"`
	Profile     map[string]string `json:"profile,omitempty" validate:"max=50,dive,keys,required,max=64,endkeys,max=1024"`
}

// ExternalRegisterInput carries the fields a provider does not supply.
type ExternalRegisterInput struct {
	DisplayName string            `json:"display_name"`
	Claims      []ClaimInput      `json:"claims"`
	Profile     map[string]string `json:"profile,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return accounts.ValidatePasswordStrength(fl.Field().String()) == nil
	}); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("displayname", func(fl validator.FieldLevel) bool {
		return validDisplayName(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// validDisplayName requires a trimmed name of sensible length with at least one letter or digit.
func validDisplayName(name string) bool {
	name = strings.TrimSpace(name)
	n := len([]rune(name))
	if n < minDisplayNameLength || n > maxDisplayNameLength {
		return false
	}
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func (in *RegisterInput) normalize() {
	in.Email = accounts.NormalizeEmail(in.Email)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	for i := range in.Claims {
		in.Claims[i].Type = strings.TrimSpace(in.Claims[i].Type)
		in.Claims[i].Institution = strings.TrimSpace(in.Claims[i].Institution)
		in.Claims[i].DocumentRef = strings.TrimSpace(in.Claims[i].DocumentRef)
	}
}

// check validates in and maps the first failure, in field order, to an error kind.
// The password field is skipped for external registrations.
func (in *RegisterInput) check(op string, now time.Time, withPassword bool) error {
	var err error
	if withPassword {
		err = validate.Struct(in)
	} else {
		err = validate.StructExcept(in, "Password")
	}
	if err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return autherr.E(autherr.Internal, op, err)
		}
		return fieldError(op, in, verrs[0])
	}

	for i, c := range in.Claims {
		if c.IssuedAt.After(now) {
			return autherr.Ef(autherr.InvalidClaim, op, "claims[%d].issued_at must not be in the future", i)
		}
	}
	return nil
}

func fieldError(op string, in *RegisterInput, fe validator.FieldError) error {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}

	switch {
	case strings.HasPrefix(ns, "Email"):
		return autherr.Ef(autherr.InvalidEmail, op, "email %s", msgForTag(fe))
	case strings.HasPrefix(ns, "Password"):
		return autherr.Ef(autherr.WeakPassword, op, "%s", accounts.ValidatePasswordStrength(in.Password))
	case strings.HasPrefix(ns, "DisplayName"):
		return autherr.Ef(autherr.InvalidDisplayName, op, "display name must be %d to %d characters and contain a letter or digit",
			minDisplayNameLength, maxDisplayNameLength)
	case strings.HasPrefix(ns, "Claims"):
		if ns == "Claims" {
			return autherr.Ef(autherr.InvalidClaim, op, "at least one credential claim is required")
		}
		return autherr.Ef(autherr.InvalidClaim, op, "%s %s", strings.ToLower(ns), msgForTag(fe))
	}
	return autherr.Ef(autherr.InvalidInput, op, "%s %s", strings.ToLower(ns), msgForTag(fe))
}

func msgForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s long", fe.Param())
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}

// checkNewPassword applies the strength policy outside of a registration.
func checkNewPassword(op, password string) error {
	if err := accounts.ValidatePasswordStrength(password); err != nil {
		return autherr.Ef(autherr.WeakPassword, op, "%s", err)
	}
	return nil
}
