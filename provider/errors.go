package provider

import (
	"errors"
	"fmt"
)

var (
	ErrNoSession      = errors.New("no session")
	ErrInvalidSession = errors.New("session failed verification")
)

// Error is a failure reported by the identity provider itself (as opposed to a
// transport failure).
type Error struct {
	Status  int    // HTTP status, 0 when not applicable
	Code    string // provider error code, e.g. "invalid_credentials"
	Message string
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Status != 0:
		return fmt.Sprintf("provider error %d %s: %s", e.Status, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
	case e.Code != "":
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
	}
	return "provider error: " + e.Message
}
