package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	backenddomain "github.com/smallbiznis/genbroker/internal/backend/domain"
	creditdomain "github.com/smallbiznis/genbroker/internal/credit/domain"
	generationdomain "github.com/smallbiznis/genbroker/internal/generation/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Errors    []ValidationError `json:"errors,omitempty"`
	Required  *int64            `json:"required,omitempty"`
	Balance   *int64            `json:"balance,omitempty"`
	Shortfall *int64            `json:"shortfall,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var denied *creditdomain.InsufficientCreditsError
	if errors.As(err, &denied) {
		return http.StatusPaymentRequired, errorPayload{
			Type:      "insufficient_credits",
			Message:   "not enough credits for this generation",
			Required:  &denied.Required,
			Balance:   &denied.Balance,
			Shortfall: &denied.Shortfall,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, backenddomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, creditdomain.ErrAlreadyCommitted):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, generationdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, generationdomain.ErrShuttingDown),
		errors.Is(err, creditdomain.ErrAccountBusy):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the response type and code recorded on the
// request log line.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, generationdomain.ErrInvalidRequest),
		errors.Is(err, generationdomain.ErrInvalidAccount),
		errors.Is(err, generationdomain.ErrInvalidKind),
		errors.Is(err, generationdomain.ErrInvalidDuration),
		errors.Is(err, generationdomain.ErrMissingSourceImage),
		errors.Is(err, creditdomain.ErrInvalidAccount),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidPaymentRef),
		errors.Is(err, creditdomain.ErrInvalidPack),
		errors.Is(err, creditdomain.ErrInvalidJob),
		errors.Is(err, creditdomain.ErrInvalidPageToken),
		errors.Is(err, backenddomain.ErrInvalidPayload):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, generationdomain.ErrNotFound),
		errors.Is(err, creditdomain.ErrNotFound),
		errors.Is(err, backenddomain.ErrUnknownBackend),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, sentinel := range []error{
		ErrInvalidRequest,
		generationdomain.ErrInvalidRequest,
		generationdomain.ErrInvalidAccount,
		generationdomain.ErrInvalidKind,
		generationdomain.ErrInvalidDuration,
		generationdomain.ErrMissingSourceImage,
		creditdomain.ErrInvalidAccount,
		creditdomain.ErrInvalidAmount,
		creditdomain.ErrInvalidPaymentRef,
		creditdomain.ErrInvalidPack,
		creditdomain.ErrInvalidJob,
		creditdomain.ErrInvalidPageToken,
		backenddomain.ErrInvalidPayload,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "missing_source_image":
		return "source_image_url"
	case "invalid_account":
		return "account_id"
	case "invalid_pack":
		return "pack_id"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "missing_source_image":
		return "source image is required"
	case "invalid_duration":
		return "unsupported duration"
	case "invalid_kind":
		return "kind must be image or video"
	case "invalid_pack":
		return "unknown credit pack"
	default:
		return "invalid value"
	}
}
