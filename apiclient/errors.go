package apiclient

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrTimeout is returned when a request does not complete within its timeout. The
// in-flight request is cancelled before the error is returned.
var ErrTimeout = errors.New("request timeout")

// HTTPError is returned for non-2xx responses. Message is the server's "message" field
// when it sent one.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return e.Message
}

func statusMessage(status int) string {
	return fmt.Sprintf("Request failed with status %d", status)
}
