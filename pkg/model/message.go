package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxBodyLength is the longest accepted message body, in runes.
const MaxBodyLength = 1024

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")

// ValidateBody checks a message body before it is stored or relayed.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(body) > MaxBodyLength {
		return ErrMessageBodyTooLong
	}
	return nil
}

// Validate checks both participants and the body.
func (m *Message) Validate() error {
	if err := ValidateUsername(m.Sender); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if err := ValidateUsername(m.Receiver); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	return ValidateBody(m.Body)
}
