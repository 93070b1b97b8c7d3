// Package domain contains the relay's core entities and their status machines.
package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

func invalidTransition(kind string, from, to fmt.Stringer) error {
	return fmt.Errorf("%s %s -> %s: %w", kind, from, to, ErrInvalidTransition)
}
