package api

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies every backend rejection into one of the buckets the rest
// of the client keys its policy on. Every non-2xx response and every
// transport failure maps to exactly one Kind.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized" // Credential missing, invalid, or revoked
	KindForbidden    Kind = "forbidden"    // Valid session, insufficient privilege
	KindValidation   Kind = "validation"   // Request rejected as malformed
	KindServer       Kind = "server"       // Backend-side failure
	KindNetwork      Kind = "network"      // Transport failure, no response received
)

// Error is a classified backend rejection.
type Error struct {
	Kind    Kind   // Classification bucket, see Kind
	Status  int    // HTTP status, 0 for transport failures
	Code    string // Machine-readable error code from the response body, if any
	Message string // Human-readable description
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stride api error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	if e.Status > 0 {
		return fmt.Sprintf("stride api error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("stride api error: %s", e.Message)
}

// KindOf returns the classification of err, or an empty Kind when err does
// not originate from the backend.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsUnauthorized reports whether err is a backend unauthorized rejection.
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }

// IsForbidden reports whether err is a backend forbidden rejection.
func IsForbidden(err error) bool { return KindOf(err) == KindForbidden }

// classifyStatus maps an HTTP status to a Kind. Statuses outside the buckets
// the policy distinguishes are treated as server failures.
func classifyStatus(status int) Kind {
	switch {
	case status == 401:
		return KindUnauthorized
	case status == 403:
		return KindForbidden
	case status == 400 || status == 422:
		return KindValidation
	default:
		return KindServer
	}
}
