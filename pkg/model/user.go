package model

import (
	"errors"
	"fmt"
)

// MaxUsernameLength is the longest accepted username in bytes.
const MaxUsernameLength = 31

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")

// ValidateUsername checks that a username is 1-31 ASCII alphanumeric, underscore,
// or hyphen characters. Whitespace is the protocol separator, so it can never
// be part of a name.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// IsLengthError reports whether err is one of the username length errors.
func IsLengthError(err error) bool {
	return errors.Is(err, ErrUsernameEmpty) || errors.Is(err, ErrUsernameTooLong)
}
