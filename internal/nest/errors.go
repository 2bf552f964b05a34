package nest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotInitialized is returned by calls that need the service URLs from Initialize.
var ErrNotInitialized = errors.New("nest client not initialized")

// HTTPStatusError is a non-2xx response from the Nest web service.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("nest api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// ConnectionError is a transport-level failure talking to the Nest web service.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("nest %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError is a failed write to a Nest object.
type CommandError struct {
	ObjectKey string
	Err       error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("failed to update %s: %v", e.ObjectKey, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
