package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/activity-migrator/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryFatal is an access/auth failure: the job fails with no retry
	CategoryFatal ErrorCategory = "fatal"
	// CategoryTransientProvider is provider pressure (429); the job waits, retryCount untouched
	CategoryTransientProvider ErrorCategory = "transient_provider"
	// CategoryTransientItem is a single activity's detail fetch failing
	CategoryTransientItem ErrorCategory = "transient_item"
	// CategoryTransientJob is any other worker error, counted against retryCount
	CategoryTransientJob ErrorCategory = "transient_job"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryStorage represents object store errors
	CategoryStorage ErrorCategory = "storage"
	// CategoryProvider represents non-429 provider errors
	CategoryProvider ErrorCategory = "provider"
	// CategorySystem represents everything else
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewAlreadyActiveError is returned by enqueue when the user already has an active job
func NewAlreadyActiveError(userID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "ALREADY_ACTIVE",
		Message:    "a migration is already active for this user",
		Details: map[string]interface{}{
			"userId": userID,
		},
	}
}

// NewNotConnectedError means the user has no provider connection at all
func NewNotConnectedError(userID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryFatal,
		StatusCode: http.StatusUnauthorized,
		Code:       "NOT_CONNECTED",
		Message:    "provider account is not connected",
		Details: map[string]interface{}{
			"userId": userID,
		},
		Cause: cause,
	}
}

// NewRefreshFailedError means the stored provider token could not be refreshed
func NewRefreshFailedError(userID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryFatal,
		StatusCode: http.StatusUnauthorized,
		Code:       "REFRESH_FAILED",
		Message:    "provider token refresh failed",
		Details: map[string]interface{}{
			"userId": userID,
		},
		Cause: cause,
	}
}

// NewProviderRateLimitError is the authoritative 429 signal
func NewProviderRateLimitError(retryAfterSeconds int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransientProvider,
		StatusCode: http.StatusTooManyRequests,
		Code:       "PROVIDER_RATE_LIMIT",
		Message:    "provider rate limit reached",
		Details: map[string]interface{}{
			"retryAfterSeconds": retryAfterSeconds,
		},
	}
}

// NewProviderStatusError wraps a non-2xx, non-429 provider response
func NewProviderStatusError(endpoint string, status int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("provider returned %d for %s", status, endpoint),
		Details: map[string]interface{}{
			"endpoint":       endpoint,
			"upstreamStatus": status,
		},
	}
}

// NewItemFailedError records a per-activity failure in the streams phase
func NewItemFailedError(activityID int64, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransientItem,
		StatusCode: http.StatusBadGateway,
		Code:       "ITEM_FAILED",
		Message:    fmt.Sprintf("activity %d detail fetch failed", activityID),
		Details: map[string]interface{}{
			"activityId": activityID,
		},
		Cause: cause,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database operation failed: %s", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
		Cause: cause,
	}
}

// NewStorageError creates an object store error
func NewStorageError(key string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStorage,
		StatusCode: http.StatusInternalServerError,
		Code:       "STORAGE_ERROR",
		Message:    fmt.Sprintf("object store operation failed: %s", key),
		Details: map[string]interface{}{
			"key": key,
		},
		Cause: cause,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize finds the first CategorizedError in err's chain, converting
// ServiceErrors and defaulting to an internal error.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	out := &CategorizedError{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
	switch err.Code {
	case "ALREADY_ACTIVE":
		out.Category, out.StatusCode = CategoryConflict, http.StatusConflict
	case "NOT_FOUND", "JOB_NOT_FOUND":
		out.Category, out.StatusCode = CategoryNotFound, http.StatusNotFound
	case "INVALID_PARAMETER", "INVALID_SCOPE":
		out.Category, out.StatusCode = CategoryValidation, http.StatusBadRequest
	default:
		out.Category, out.StatusCode = CategorySystem, http.StatusInternalServerError
	}
	return out
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

func hasCategory(err error, c ErrorCategory) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Category == c
}

// IsFatal reports whether err must fail the job without retry
func IsFatal(err error) bool {
	return hasCategory(err, CategoryFatal)
}

// IsConflict reports whether err is a conflict
func IsConflict(err error) bool {
	return hasCategory(err, CategoryConflict)
}

// IsRateLimited reports whether err carries the provider's 429 signal
func IsRateLimited(err error) bool {
	return hasCategory(err, CategoryTransientProvider)
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// RetryAfterSeconds returns the wait carried by a provider rate limit error
func RetryAfterSeconds(err error) (int, bool) {
	var catErr *CategorizedError
	if !stderrors.As(err, &catErr) || catErr.Category != CategoryTransientProvider {
		return 0, false
	}
	secs, ok := catErr.Details["retryAfterSeconds"].(int)
	return secs, ok
}
