// Package errs defines the error taxonomy shared by every deltagraph package.
//
// Four sentinel categories exist:
//   - ErrLifecycle: ownership bugs (double free, use after free, double accumulate).
//     Raised as a panic carrying *LifecycleError, never returned.
//   - ErrInvalidArgument: shape, length or configuration mismatches.
//   - ErrOutOfResources: allocation failure after the pool escalation sequence.
//   - ErrIllegalState: graph consistency violations.
//
// Returned errors wrap a sentinel, so callers test with errors.Is.
package errs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel error categories.
var (
	ErrLifecycle       = errors.New("lifecycle violation")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutOfResources  = errors.New("out of resources")
	ErrIllegalState    = errors.New("illegal state")
)

// LifecycleError describes a reference counting or accumulation defect.
type LifecycleError struct {
	Op      string   // Operation that failed (e.g. "FreeRef", "Accumulate")
	Object  string   // Description of the object involved
	Details string   // Additional details
	History []string // Recorded add/free sites, debug mode only
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	msg := fmt.Sprintf("%s: %s on %s", ErrLifecycle, e.Op, e.Object)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Unwrap lets errors.Is match ErrLifecycle.
func (e *LifecycleError) Unwrap() error {
	return ErrLifecycle
}

// Report renders the error together with the recorded history.
func (e *LifecycleError) Report() string {
	if len(e.History) == 0 {
		return e.Error()
	}
	var b strings.Builder
	b.WriteString(e.Error())
	for _, h := range e.History {
		b.WriteString("\n--- ")
		b.WriteString(h)
	}
	return b.String()
}

// Lifecycle panics with a *LifecycleError.
func Lifecycle(op, object, details string, history []string) {
	panic(&LifecycleError{Op: op, Object: object, Details: details, History: history})
}

// InvalidArgument returns an error wrapping ErrInvalidArgument.
func InvalidArgument(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

// IllegalState returns an error wrapping ErrIllegalState.
func IllegalState(format string, args ...any) error {
	return errors.Wrapf(ErrIllegalState, format, args...)
}

// OutOfResources returns an error wrapping ErrOutOfResources.
func OutOfResources(format string, args ...any) error {
	return errors.Wrapf(ErrOutOfResources, format, args...)
}

// ShapeMismatch returns an InvalidArgument error naming both shapes.
func ShapeMismatch(op string, a, b []int) error {
	return InvalidArgument("%s: shape mismatch %v vs %v", op, a, b)
}

// AsLifecycle extracts a *LifecycleError from a recovered panic value.
func AsLifecycle(r any) (*LifecycleError, bool) {
	err, ok := r.(error)
	if !ok {
		return nil, false
	}
	var le *LifecycleError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}
