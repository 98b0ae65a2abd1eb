package server

import (
	"errors"
	"net/http"

	ledgerdomain "github.com/fanbeam/tokenledger/internal/ledger/domain"
	payoutdomain "github.com/fanbeam/tokenledger/internal/payout/domain"
	raildomain "github.com/fanbeam/tokenledger/internal/rail/domain"
	sessiondomain "github.com/fanbeam/tokenledger/internal/session/domain"
	"github.com/gin-gonic/gin"
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
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
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
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, raildomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, sessiondomain.ErrNotParticipant):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Field: "request", Code: err.Error(), Message: err.Error()},
			},
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "insufficient_balance",
			Message: "insufficient balance",
		}
	case errors.Is(err, sessiondomain.ErrSessionNotActive):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "session already ended",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, raildomain.ErrRailUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "payment rail unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
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
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidType),
		errors.Is(err, ledgerdomain.ErrInvalidRef),
		errors.Is(err, ledgerdomain.ErrInvalidAccount),
		errors.Is(err, ledgerdomain.ErrUnbalancedTransfer),
		errors.Is(err, ledgerdomain.ErrEmptyDraftSet),
		errors.Is(err, sessiondomain.ErrInvalidSession),
		errors.Is(err, sessiondomain.ErrInvalidRate),
		errors.Is(err, payoutdomain.ErrInvalidCycleDate),
		errors.Is(err, payoutdomain.ErrInvalidCreator),
		errors.Is(err, payoutdomain.ErrInvalidPayee),
		errors.Is(err, raildomain.ErrInvalidPayload),
		errors.Is(err, raildomain.ErrInvalidEvent):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, ledgerdomain.ErrAccountNotFound),
		errors.Is(err, sessiondomain.ErrSessionNotFound),
		errors.Is(err, payoutdomain.ErrRunNotFound),
		errors.Is(err, raildomain.ErrPayoutNotFound):
		return true
	default:
		return false
	}
}
