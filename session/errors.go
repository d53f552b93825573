package session

import (
	"errors"
	"fmt"

	"github.com/jrsteele09/invoicer-auth/provider"
)

var (
	// ErrConfiguration means the provider URL or public key is missing. It is fatal to
	// every operation until the configuration is fixed.
	ErrConfiguration = errors.New("auth provider is not configured")
	// ErrValidation means the provider rejected sign-up details.
	ErrValidation = errors.New("sign up rejected")
	// ErrAuthentication means the provider rejected the credentials.
	ErrAuthentication = errors.New("authentication failed")
	// ErrDelivery means the provider could not send a code or link.
	ErrDelivery = errors.New("delivery failed")
	// ErrUnavailable means sign-up or sign-in failed for a reason other than the provider
	// rejecting the request: transport errors, 5xx responses, storage failures.
	ErrUnavailable = errors.New("auth provider unavailable")
)

// Error ties a failed operation to its kind and the provider's underlying error.
// errors.Is matches the kind; errors.As reaches the provider error.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[session.%s] %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("[session.%s] %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// rejectionError reports err as kind when the provider rejected the request (a 4xx
// provider.Error or an invalid session) and as ErrUnavailable otherwise.
func rejectionError(op string, kind, err error) error {
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Status >= 400 && perr.Status < 500 {
		return opError(op, kind, err)
	}
	if errors.Is(err, provider.ErrInvalidSession) || errors.Is(err, provider.ErrNoSession) {
		return opError(op, kind, err)
	}
	return opError(op, ErrUnavailable, err)
}
