package common

import (
	"fmt"
	"regexp"
)

// Bounds for raw (pre-encoding) credential input.
const (
	MaxUsernameLength = 16
	MaxPasswordLength = 1024
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// ValidateUsername checks the raw username against the protocol bounds:
// non-empty, at most MaxUsernameLength characters, alphanumeric only.
func ValidateUsername(username string) error {
	if len(username) == 0 {
		return fmt.Errorf("%w: username is empty", ErrValidation)
	}
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("%w: username exceeds %d characters", ErrValidation, MaxUsernameLength)
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username must contain only letters and digits", ErrValidation)
	}
	return nil
}

// ValidatePassword checks the raw password length: non-empty, at most
// MaxPasswordLength bytes. No charset restriction applies.
func ValidatePassword(password []byte) error {
	if len(password) == 0 {
		return fmt.Errorf("%w: password is empty", ErrValidation)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: password exceeds %d bytes", ErrValidation, MaxPasswordLength)
	}
	return nil
}
