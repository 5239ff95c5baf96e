package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind string

const (
	// KindNoToken means no credential was present; the request was never sent.
	KindNoToken Kind = "NO_TOKEN"
	// KindTokenExpired is a 401/403 where the credential is known or hinted
	// to have expired.
	KindTokenExpired Kind = "TOKEN_EXPIRED"
	// KindUnauthorized is any other 401/403.
	KindUnauthorized Kind = "UNAUTHORIZED"
	// KindNetwork is a transport-level failure (no connectivity, DNS, etc.).
	// It never triggers the session guard.
	KindNetwork Kind = "NETWORK"
	// KindConflict is an HTTP 409. On job submission it signals an equivalent
	// job already in flight and is reconciled, not surfaced.
	KindConflict Kind = "CONFLICT"
	// KindHTTP is any other non-2xx response.
	KindHTTP Kind = "HTTP_ERROR"
)

// Error is the typed failure returned by Gateway.Send. Status and Body are
// populated for responses that arrived; Message is the normalized free-text
// message extracted from the body, if any.
type Error struct {
	Kind    Kind
	Status  int
	Body    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	switch {
	case e.cause != nil:
		return fmt.Sprintf("gateway: %s: %v", e.Kind, e.cause)
	case e.Message != "":
		return fmt.Sprintf("gateway: %s (%d): %s", e.Kind, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("gateway: %s (%d)", e.Kind, e.Status)
	default:
		return fmt.Sprintf("gateway: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// AuthFailure reports whether the error invalidates the session.
func (e *Error) AuthFailure() bool {
	return e.Kind == KindNoToken || e.Kind == KindTokenExpired || e.Kind == KindUnauthorized
}

// KindOf extracts the Kind from an error chain, or "" if the error did not
// originate in the gateway.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// IsConflict reports whether err is an HTTP 409 gateway error.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}
