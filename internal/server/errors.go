package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	analysisdomain "github.com/signalworks/insight/internal/analysis/domain"
	creditdomain "github.com/signalworks/insight/internal/credit/domain"
	idempotencydomain "github.com/signalworks/insight/internal/idempotency/domain"
	paymentdomain "github.com/signalworks/insight/internal/payment/domain"
	"github.com/signalworks/insight/internal/tier"
)

// APIError is the wire shape of every error response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	// RetryAfter, in seconds, is set on rate-limit rejections.
	RetryAfter int `json:"retry_after,omitempty"`
}

func (e *APIError) Error() string { return e.Code }

var (
	ErrUnauthorized       = &APIError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "authentication required"}
	ErrForbidden          = &APIError{Status: http.StatusForbidden, Code: "forbidden", Message: "access denied"}
	ErrNotFound           = &APIError{Status: http.StatusNotFound, Code: "not_found", Message: "resource not found"}
	ErrServiceUnavailable = &APIError{Status: http.StatusServiceUnavailable, Code: "service_unavailable", Message: "service unavailable"}
)

func invalidRequestError() *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: "invalid_request", Message: "request body could not be parsed"}
}

func newValidationError(field, code, message string) *APIError {
	return &APIError{Status: http.StatusUnprocessableEntity, Code: code, Message: message, Field: field}
}

func rateLimitError(retryAfter int) *APIError {
	return &APIError{
		Status:     http.StatusTooManyRequests,
		Code:       "rate_limited",
		Message:    "too many requests",
		RetryAfter: retryAfter,
	}
}

// AbortWithError renders a domain error as a typed JSON response. Unmapped
// errors become opaque 500s so internals never leak to callers.
func AbortWithError(c *gin.Context, err error) {
	apiErr := toAPIError(err)
	if apiErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr})
}

func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, creditdomain.ErrInsufficientCredits):
		return &APIError{Status: http.StatusPaymentRequired, Code: "insufficient_credits", Message: "not enough credits for this request"}
	case errors.Is(err, creditdomain.ErrAccountNotFound),
		errors.Is(err, analysisdomain.ErrJobNotFound):
		return ErrNotFound
	case errors.Is(err, creditdomain.ErrConcurrentModification):
		return &APIError{Status: http.StatusConflict, Code: "concurrent_modification", Message: "balance changed concurrently, retry the request"}
	case errors.Is(err, creditdomain.ErrInvalidDelta):
		return &APIError{Status: http.StatusUnprocessableEntity, Code: "invalid_delta", Message: "delta must be non-zero"}
	case errors.Is(err, analysisdomain.ErrInvalidInput):
		return &APIError{Status: http.StatusUnprocessableEntity, Code: "invalid_input", Message: "text or images are required"}
	case errors.Is(err, analysisdomain.ErrRefundFailure):
		return &APIError{Status: http.StatusBadGateway, Code: "refund_failure", Message: "analysis failed and the refund could not be applied, support has been notified"}
	case errors.Is(err, idempotencydomain.ErrInFlight):
		return &APIError{Status: http.StatusConflict, Code: "request_in_flight", Message: "a request with this idempotency key is still being processed"}
	case errors.Is(err, idempotencydomain.ErrKeyConflict):
		return &APIError{Status: http.StatusUnprocessableEntity, Code: "idempotency_key_conflict", Message: "idempotency key was used by a different request"}
	case errors.Is(err, idempotencydomain.ErrInvalidKey):
		return newValidationError("Idempotency-Key", "invalid_idempotency_key", "idempotency key must be 1-255 characters")
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return ErrUnauthorized
	case errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent):
		return &APIError{Status: http.StatusBadRequest, Code: "invalid_event", Message: "webhook payload could not be processed"}
	case errors.Is(err, tier.ErrUnknownTier):
		return newValidationError("tier", "unknown_tier", "unknown tier")
	default:
		return &APIError{Status: http.StatusInternalServerError, Code: "internal_error", Message: "internal server error"}
	}
}
