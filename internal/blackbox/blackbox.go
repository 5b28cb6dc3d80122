// Package blackbox implements BlackboxError, the wire-serialisable error
// type spec.md's Design Notes (§9) calls for: a flat list of string causes,
// outermost message first and root cause last, deliberately independent of cockroachdb/errors' stack
// machinery because it has to travel as plain JSON inside
// SessionTerminated.reason.StartupFailed.error and the ingress's
// "stacktrace" response field (spec.md §7).
package blackbox

import "strings"

// Error is a flattened cause chain. Causes[0] is the outermost (most
// recently wrapped) message; each subsequent entry is the message of the
// error it wrapped, down to the root cause last. Flattening
// an already-flat chain is a no-op (spec.md §8 round-trip property).
type Error struct {
	Causes []string `json:"causes"`
}

func (e *Error) Error() string {
	if e == nil || len(e.Causes) == 0 {
		return ""
	}
	return e.Causes[0]
}

// Stacktrace renders the chain newline-joined, outermost message first, matching
// spec.md §7's "stacktrace is the newline-joined cause chain".
func (e *Error) Stacktrace() string {
	if e == nil {
		return ""
	}
	return strings.Join(e.Causes, "\n")
}

// New builds a single-cause chain.
func New(message string) *Error {
	return &Error{Causes: []string{message}}
}

// Wrap prepends message as the new outermost cause, flattening err's own
// chain if it is itself a *Error (or wraps one). A plain error's message is
// appended as a single trailing cause.
func Wrap(err error, message string) *Error {
	if err == nil {
		return New(message)
	}

	var causes []string
	if bx, ok := AsBlackbox(err); ok {
		causes = append(causes, bx.Causes...)
	} else {
		causes = append(causes, err.Error())
	}

	return &Error{Causes: append([]string{message}, causes...)}
}

// AsBlackbox unwraps err looking for a *Error, the way errors.As would, but
// without depending on the errors package (blackbox sits below it).
func AsBlackbox(err error) (*Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if bx, ok := err.(*Error); ok {
			return bx, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// Flatten is idempotent: flattening an already-flat chain returns an
// equivalent copy (spec.md §8).
func Flatten(e *Error) *Error {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.Causes))
	copy(out, e.Causes)
	return &Error{Causes: out}
}
