package services

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const minPasswordLength = 8

const passwordSpecials = `!@#$%^&*(),.?":{}|<>`

// Password policy violations, joined by ValidatePassword.
var (
	ErrPasswordTooShort  = errors.New("password must be at least 8 characters long")
	ErrPasswordNoUpper   = errors.New("password must contain at least one uppercase letter")
	ErrPasswordNoLower   = errors.New("password must contain at least one lowercase letter")
	ErrPasswordNoDigit   = errors.New("password must contain at least one number")
	ErrPasswordNoSpecial = errors.New("password must contain at least one special character")
)

// ValidatePassword checks password against the sign-up policy and returns
// every violation, or nil.
func ValidatePassword(password string) error {
	var errs []error

	if utf8.RuneCountInString(password) < minPasswordLength {
		errs = append(errs, ErrPasswordTooShort)
	}
	if !strings.ContainsFunc(password, unicode.IsUpper) {
		errs = append(errs, ErrPasswordNoUpper)
	}
	if !strings.ContainsFunc(password, unicode.IsLower) {
		errs = append(errs, ErrPasswordNoLower)
	}
	if !strings.ContainsFunc(password, unicode.IsDigit) {
		errs = append(errs, ErrPasswordNoDigit)
	}
	if !strings.ContainsAny(password, passwordSpecials) {
		errs = append(errs, ErrPasswordNoSpecial)
	}

	return errors.Join(errs...)
}
