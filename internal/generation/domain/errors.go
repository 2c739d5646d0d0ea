package domain

import "errors"

var (
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrInvalidKind        = errors.New("invalid_kind")
	ErrInvalidDuration    = errors.New("invalid_duration")
	ErrMissingSourceImage = errors.New("missing_source_image")
	ErrNotFound           = errors.New("not_found")
	ErrRateLimited        = errors.New("rate_limited")
	ErrShuttingDown       = errors.New("shutting_down")
)
