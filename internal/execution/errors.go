package execution

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrUnknownDecision = errors.New("unknown decision id")
	ErrCircuitOpen     = errors.New("venue circuit breaker open")
)

// VenueError is a failure reported by, or on the way to, the venue.
type VenueError struct {
	Transient bool
	Code      string
	Err       error
}

func (e *VenueError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Code != "" {
		return fmt.Sprintf("venue %s failure [%s]: %v", kind, e.Code, e.Err)
	}
	return fmt.Sprintf("venue %s failure: %v", kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

func Transient(code string, err error) error {
	return &VenueError{Transient: true, Code: code, Err: err}
}

func Permanent(code string, err error) error {
	return &VenueError{Transient: false, Code: code, Err: err}
}

// IsTransient reports whether retrying err may succeed. Timeouts, network
// errors and an open breaker are transient; anything the venue explicitly
// refused is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
