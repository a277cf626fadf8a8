// Package fault classifies relay errors into the three failure classes the
// dispatch layer acts on:
//
//   - ErrRejected: a policy check refused the request. Nothing was mutated
//     and the request simply does not proceed.
//   - ErrInvariant: the lifecycle reached a state that must never happen
//     (overcharge, double settlement). Fatal for the request.
//   - ErrExternal: a collaborator (pool, token, router) failed. Propagated
//     unchanged; retrying is the caller's business.
//
// Package-level sentinels elsewhere are created with New so that both the
// specific sentinel and its class match under errors.Is.
package fault

import "errors"

// Class is a failure class sentinel.
type Class struct{ name string }

func (c *Class) Error() string { return c.name }

var (
	ErrRejected  = &Class{"rejected by policy"}
	ErrInvariant = &Class{"invariant violation"}
	ErrExternal  = &Class{"external collaborator error"}
)

// Error is a classified sentinel error.
type Error struct {
	class *Class
	msg   string
}

// New returns a sentinel error belonging to class.
func New(class *Class, msg string) *Error {
	return &Error{class: class, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Unwrap exposes the class so errors.Is(err, fault.ErrRejected) holds.
func (e *Error) Unwrap() error { return e.class }

// Class returns the failure class of e.
func (e *Error) Class() *Class { return e.class }

type externalError struct{ err error }

func (e *externalError) Error() string   { return e.err.Error() }
func (e *externalError) Unwrap() []error { return []error{e.err, ErrExternal} }

// External marks err as a collaborator failure. Errors that already carry a
// class are returned as-is. A nil err yields nil.
func External(err error) error {
	if err == nil || ClassOf(err) != nil {
		return err
	}
	return &externalError{err: err}
}

// ClassOf reports the class of err, or nil if it is unclassified.
func ClassOf(err error) *Class {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvariant):
		return ErrInvariant
	case errors.Is(err, ErrRejected):
		return ErrRejected
	case errors.Is(err, ErrExternal):
		return ErrExternal
	}
	return nil
}

// IsRejected reports whether err is a policy rejection.
func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool { return errors.Is(err, ErrInvariant) }

// Label returns a short, stable name for err's class, suitable for metric
// labels and log fields. Unclassified errors are "unknown".
func Label(err error) string {
	switch ClassOf(err) {
	case ErrRejected:
		return "rejected"
	case ErrInvariant:
		return "invariant"
	case ErrExternal:
		return "external"
	}
	if err == nil {
		return ""
	}
	return "unknown"
}
