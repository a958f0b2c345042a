// Package fault defines the error taxonomy shared by every store component.
//
// Every failure that crosses a package boundary is a *Fault with a Code, so
// callers can branch on category without string matching. A resolution or
// read failure always propagates as a rejected operation - it is never
// masked as an empty result.
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes a fault.
type Code string

const (
	// NotFound indicates a key or id failed to resolve.
	NotFound Code = "NOT_FOUND"

	// Timeout indicates an object did not become available in time.
	// A timed-out wait may still complete in the background and populate
	// shared caches; the caller's operation is rejected regardless.
	Timeout Code = "TIMEOUT"

	// ValidationFailed indicates a payload was rejected by its schema.
	ValidationFailed Code = "VALIDATION_FAILED"

	// CapabilityMissing indicates a resolved capability group is absent
	// or misconfigured. Capability failures always fail closed.
	CapabilityMissing Code = "CAPABILITY_MISSING"

	// InvariantViolation indicates an operation would break a structural
	// invariant, e.g. removing a group's last effective admin.
	InvariantViolation Code = "INVARIANT_VIOLATION"

	// Conflict indicates a registry key collision with a different target.
	Conflict Code = "CONFLICT"
)

// Fault is a categorized error with an optional subject reference.
type Fault struct {
	// Code identifies the fault category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Ref identifies the affected object, key, or group, if any.
	Ref string

	// Details contains additional context.
	Details map[string]string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Ref != "" {
		return fmt.Sprintf("%s: %s (ref=%s)", f.Code, f.Message, f.Ref)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// New creates a fault with the given code and message.
func New(code Code, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// Newf creates a fault with a formatted message.
func Newf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRef returns a copy of the fault with the subject reference set.
func (f *Fault) WithRef(ref string) *Fault {
	clone := *f
	clone.Ref = ref
	return &clone
}

// CodeOf returns the fault code of err, or "" if err is not a *Fault.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsNotFound reports whether err is a NotFound fault.
func IsNotFound(err error) bool { return CodeOf(err) == NotFound }

// IsTimeout reports whether err is a Timeout fault.
func IsTimeout(err error) bool { return CodeOf(err) == Timeout }

// IsValidation reports whether err is a ValidationFailed fault.
func IsValidation(err error) bool { return CodeOf(err) == ValidationFailed }

// IsCapabilityMissing reports whether err is a CapabilityMissing fault.
func IsCapabilityMissing(err error) bool { return CodeOf(err) == CapabilityMissing }

// IsInvariantViolation reports whether err is an InvariantViolation fault.
func IsInvariantViolation(err error) bool { return CodeOf(err) == InvariantViolation }

// IsConflict reports whether err is a Conflict fault.
func IsConflict(err error) bool { return CodeOf(err) == Conflict }
