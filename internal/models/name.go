package models

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var ErrInvalidName = errors.New("invalid name")

// ValidateName checks a trimmed display name: non-empty, at most
// MaxNameLength characters, and not the reserved system sender in any case.
func ValidateName(name string) error {
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return ErrInvalidName
	}
	if strings.EqualFold(name, SystemSender) {
		return ErrInvalidName
	}
	return nil
}
