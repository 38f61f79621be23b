package server

import (
	"errors"
	"net/http"

	"github.com/ai-rio/QuoteKit-sub003/internal/authorization"
	"github.com/ai-rio/QuoteKit-sub003/internal/deadletter"
	"github.com/ai-rio/QuoteKit-sub003/internal/event"
	"github.com/ai-rio/QuoteKit-sub003/internal/notify"
	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
	"github.com/gin-gonic/gin"
)

type apiError struct {
	status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string { return e.Code }

func invalidRequestError() error {
	return &apiError{status: http.StatusBadRequest, Code: "invalid_request", Message: "request body or parameters are invalid"}
}

func unauthorizedError() error {
	return &apiError{status: http.StatusUnauthorized, Code: "unauthorized", Message: "missing or invalid credentials"}
}

func signatureError() error {
	return &apiError{status: http.StatusUnauthorized, Code: "invalid_signature", Message: "payload signature verification failed"}
}

func rateLimitedError() error {
	return &apiError{status: http.StatusTooManyRequests, Code: "rate_limited", Message: "too many requests"}
}

// AbortWithError translates domain errors into JSON responses. Unknown
// errors become an opaque 500 so storage faults surface to the provider as
// retryable.
func AbortWithError(c *gin.Context, err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		c.AbortWithStatusJSON(ae.status, gin.H{"error": ae})
		return
	}

	switch {
	case errors.Is(err, authorization.ErrNotAuthorized),
		errors.Is(err, authorization.ErrUnknownActor):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": &apiError{Code: "forbidden", Message: "actor lacks the required grant"}})
	case errors.Is(err, event.ErrEventNotFound),
		errors.Is(err, deadletter.ErrEntryNotFound),
		errors.Is(err, notify.ErrAlertNotFound),
		errors.Is(err, subscription.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": &apiError{Code: "not_found", Message: "resource not found"}})
	case errors.Is(err, deadletter.ErrAlreadyResolved):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": &apiError{Code: "already_resolved", Message: "entry is already resolved"}})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": &apiError{Code: "internal_error", Message: "internal error"}})
	}
}
