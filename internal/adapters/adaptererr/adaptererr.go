// Package adaptererr defines the three error classes every External
// Adapter Layer gateway classifies its failures into: Transient (retry),
// Permanent (dead-letter), and PolicyBlocked (surface to staff, no retry).
package adaptererr

import (
	"errors"
	"fmt"
)

// Class is the closed set of adapter failure classes.
type Class string

const (
	Transient    Class = "transient"
	Permanent    Class = "permanent"
	PolicyBlocked Class = "policy_blocked"
)

// AdapterError carries the class a task handler dispatches retry policy on,
// plus the adapter and operation that failed for logging.
type AdapterError struct {
	Class     Class
	Adapter   string
	Operation string
	Err       error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Adapter, e.Operation, e.Class, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Adapter, e.Operation, e.Class)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable adapter failure.
func NewTransient(adapter, operation string, err error) *AdapterError {
	return &AdapterError{Class: Transient, Adapter: adapter, Operation: operation, Err: err}
}

// NewPermanent wraps err as a non-retryable adapter failure that should
// dead-letter its Task.
func NewPermanent(adapter, operation string, err error) *AdapterError {
	return &AdapterError{Class: Permanent, Adapter: adapter, Operation: operation, Err: err}
}

// NewPolicyBlocked wraps err as an outcome requiring staff action rather
// than either retry or dead-letter.
func NewPolicyBlocked(adapter, operation string, err error) *AdapterError {
	return &AdapterError{Class: PolicyBlocked, Adapter: adapter, Operation: operation, Err: err}
}

// ClassOf extracts the Class from err, defaulting to Permanent for any
// error an adapter did not explicitly classify: an unclassified failure is
// treated as non-retryable rather than silently retried forever.
func ClassOf(err error) Class {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Class
	}
	return Permanent
}

// IsTransient reports whether err should be retried by the Task Queue.
func IsTransient(err error) bool { return ClassOf(err) == Transient }

// IsPolicyBlocked reports whether err requires staff action rather than
// retry or dead-lettering.
func IsPolicyBlocked(err error) bool { return ClassOf(err) == PolicyBlocked }
