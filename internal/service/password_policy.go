package service

import (
	"fmt"
	"unicode"
)

const minPasswordLength = 8

// validatePasswordPolicy enforces the credential policy: at least 8
// characters with one lowercase, one uppercase, one digit and one symbol.
// Violations surface as ErrWeakPassword with the failed requirement attached.
func validatePasswordPolicy(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, minPasswordLength)
	}
	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	switch {
	case !lower:
		return fmt.Errorf("%w: must contain a lowercase letter", ErrWeakPassword)
	case !upper:
		return fmt.Errorf("%w: must contain an uppercase letter", ErrWeakPassword)
	case !digit:
		return fmt.Errorf("%w: must contain a digit", ErrWeakPassword)
	case !symbol:
		return fmt.Errorf("%w: must contain a symbol", ErrWeakPassword)
	}
	return nil
}
