package domain

import "errors"

var (
	ErrUnknownBackend    = errors.New("unknown_backend")
	ErrNotConfigured     = errors.New("backend_not_configured")
	ErrMalformedResponse = errors.New("malformed_backend_response")
	ErrRejected          = errors.New("backend_rejected")
	ErrInvalidSignature  = errors.New("invalid_signature")
	ErrInvalidPayload    = errors.New("invalid_payload")

	// ErrUnavailable is transient: the request may be retried.
	ErrUnavailable = errors.New("backend_unavailable")
)

// IsPermanent reports whether a backend error must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedResponse) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrNotConfigured) ||
		errors.Is(err, ErrUnknownBackend)
}
