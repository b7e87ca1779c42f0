package fbauth

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents verifier error categories.
type ErrorCode string

const (
	ErrCodeMissingCredentials ErrorCode = "missing_credentials"
	ErrCodeMalformedToken     ErrorCode = "malformed_token"
	ErrCodeMissingKeyID       ErrorCode = "missing_key_id"
	ErrCodeUnknownKey         ErrorCode = "unknown_key"
	ErrCodeClaimRejected      ErrorCode = "claim_rejected"

	ErrCodeMissingCachePolicy ErrorCode = "missing_cache_policy"
	ErrCodeInvalidKeyMaterial ErrorCode = "invalid_key_material"
	ErrCodeKeysUnavailable    ErrorCode = "keys_unavailable"
	ErrCodeFetchTimeout       ErrorCode = "fetch_timeout"
	ErrCodeInternal           ErrorCode = "internal_error"
)

var errorMessages = map[ErrorCode]string{
	ErrCodeMissingCredentials: "Authentication required",
	ErrCodeMalformedToken:     "Malformed token",
	ErrCodeMissingKeyID:       "Token has no key id",
	ErrCodeUnknownKey:         "Unknown signing key",
	ErrCodeClaimRejected:      "Token rejected",
	ErrCodeMissingCachePolicy: "Signing keys carry no cache policy",
	ErrCodeInvalidKeyMaterial: "Invalid signing key material",
	ErrCodeKeysUnavailable:    "Signing keys unavailable",
	ErrCodeFetchTimeout:       "Signing key fetch timed out",
	ErrCodeInternal:           "Internal error",
}

// upstreamCodes are failures of the identity provider or of this process,
// never of the presented token.
var upstreamCodes = map[ErrorCode]struct{}{
	ErrCodeMissingCachePolicy: {},
	ErrCodeInvalidKeyMaterial: {},
	ErrCodeKeysUnavailable:    {},
	ErrCodeFetchTimeout:       {},
	ErrCodeInternal:           {},
}

// Error wraps verifier errors with a stable code and message.
// Reason is for logs only; it must not be echoed to clients.
type Error struct {
	Code    ErrorCode
	Message string
	Reason  string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = string(e.Code)
	}
	if e.Reason != "" {
		base = fmt.Sprintf("%s (%s)", base, e.Reason)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Upstream reports whether the failure is server-side and worth retrying later.
func (e *Error) Upstream() bool {
	_, ok := upstreamCodes[e.Code]
	return ok
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// ErrMissingCredentials reports a request that presented no credential where one is required.
var ErrMissingCredentials error = &Error{Code: ErrCodeMissingCredentials, Message: errorMessages[ErrCodeMissingCredentials]}

func rejectClaim(reason string, err error) error {
	return &Error{
		Code:    ErrCodeClaimRejected,
		Message: errorMessages[ErrCodeClaimRejected],
		Reason:  reason,
		Err:     err,
	}
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsUpstream reports whether err is a provider-side or transient failure
// rather than a problem with the presented token.
func IsUpstream(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Upstream()
	}
	return true
}

// HTTPStatus maps err to the status a caller should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case CodeOf(err) == ErrCodeInternal:
		return http.StatusInternalServerError
	case IsUpstream(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// PublicMessage is the client-safe text for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return errorMessages[ErrCodeInternal]
}
