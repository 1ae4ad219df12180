/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package errors

import (
	"errors"
	"fmt"
)

// Kind partitions every error surfaced by a component into the categories
// callers are expected to branch on. Provider backends translate their native
// failures into exactly one Kind; anything that doesn't classify passes
// through untouched.
type Kind int

const (
	KindUnknown Kind = iota
	// KindBadRequest means the request was malformed before it reached the
	// backend: unparsable query, invalid range, model invariant violation.
	KindBadRequest
	// KindNotFound means the named object, collection, service or revision
	// does not exist.
	KindNotFound
	// KindConflict means the resource already exists or is in a state that
	// rejects the operation (e.g. deleting a serving revision).
	KindConflict
	// KindPreconditionFailed means a match condition evaluated false on the
	// backend (etag, version or modification-time mismatch).
	KindPreconditionFailed
	// KindNotModified reports an if-none-match hit on a read; the caller's
	// cached copy is still current.
	KindNotModified
	// KindUnsupported means the provider does not implement the requested
	// feature or operation.
	KindUnsupported
	// KindTimeout means a stability or readiness wait exhausted its budget.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "BadRequest"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindPreconditionFailed:
		return "PreconditionFailed"
	case KindNotModified:
		return "NotModified"
	case KindUnsupported:
		return "Unsupported"
	case KindTimeout:
		return "Timeout"
	}
	return "Unknown"
}

// Error carries a Kind, a human message, and the native backend error (if
// any) for callers that need provider-specific detail.
type Error struct {
	kind   Kind
	msg    string
	native error
}

func (e *Error) Error() string {
	if e.native != nil {
		return fmt.Sprintf("%s, %s", e.msg, e.native)
	}
	return e.msg
}

func (e *Error) Kind() Kind    { return e.kind }
func (e *Error) Unwrap() error { return e.native }

// New constructs a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies a native backend error, preserving it for Unwrap/Native.
func Wrap(kind Kind, native error, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), native: native}
}

func NewBadRequest(format string, args ...interface{}) *Error {
	return New(KindBadRequest, format, args...)
}

func NewNotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func NewConflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func NewPreconditionFailed(format string, args ...interface{}) *Error {
	return New(KindPreconditionFailed, format, args...)
}

func NewNotModified(format string, args ...interface{}) *Error {
	return New(KindNotModified, format, args...)
}

func NewUnsupported(format string, args ...interface{}) *Error {
	return New(KindUnsupported, format, args...)
}

func NewTimeout(format string, args ...interface{}) *Error {
	return New(KindTimeout, format, args...)
}

func kindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.kind
	}
	return KindUnknown
}

// IsBadRequest returns true if the error (even wrapped) classifies as a
// malformed request.
func IsBadRequest(err error) bool { return kindOf(err) == KindBadRequest }

// IsNotFound returns true if the error (even wrapped) means the target does
// not exist.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// IsConflict returns true if the error (even wrapped) means the resource
// already exists or rejects the transition.
func IsConflict(err error) bool { return kindOf(err) == KindConflict }

// IsPreconditionFailed returns true if a match condition evaluated false.
func IsPreconditionFailed(err error) bool { return kindOf(err) == KindPreconditionFailed }

// IsNotModified returns true for an if-none-match hit on a read.
func IsNotModified(err error) bool { return kindOf(err) == KindNotModified }

// IsUnsupported returns true if the provider lacks the requested capability.
func IsUnsupported(err error) bool { return kindOf(err) == KindUnsupported }

// IsTimeout returns true if a wait budget was exhausted.
func IsTimeout(err error) bool { return kindOf(err) == KindTimeout }

// KindName returns the classification name of err for labeling; unclassified
// errors report "Unknown".
func KindName(err error) string { return kindOf(err).String() }

// IgnoreNotFound returns nil for not-found errors and the error otherwise.
// Deletes and teardown sweeps use it to stay idempotent.
func IgnoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}

// IgnoreConflict returns nil for already-exists conflicts, for ensure-style
// creates that treat an existing resource as success.
func IgnoreConflict(err error) error {
	if IsConflict(err) {
		return nil
	}
	return err
}

// Native digs the original backend error out of a classified error chain.
// It returns nil when the error was synthesized locally.
func Native(err error) error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.native
	}
	return nil
}
