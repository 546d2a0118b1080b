// Package errors provides the categorized error taxonomy for the vendor desk
// application. Callers branch on error kind via the Is* predicates instead of
// string matching or HTTP status inspection.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vendor-desk/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryQuota represents upstream rate-limit exhaustion; batch-fatal
	CategoryQuota ErrorCategory = "quota"
	// CategoryReportUnavailable means the data window is not yet published upstream
	CategoryReportUnavailable ErrorCategory = "report_unavailable"
	// CategoryTransient represents retryable network/5xx/parse failures
	CategoryTransient ErrorCategory = "transient"
	// CategoryLock means the worker lock is held by another owner
	CategoryLock ErrorCategory = "lock"
	// CategoryConsistency means a ledger row was found in an unexpected state
	CategoryConsistency ErrorCategory = "consistency"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryValidation represents user input errors (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategorySystem represents internal errors (5xx)
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

// ToServiceError converts to a ServiceError for API responses
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Ingestion errors

// NewQuotaExceededError creates a quota exhaustion error. The caller must
// start a cooldown and abort the remainder of its batch.
func NewQuotaExceededError(marketplace types.MarketplaceID, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryQuota,
		StatusCode: http.StatusTooManyRequests,
		Code:       "QUOTA_EXCEEDED",
		Message:    fmt.Sprintf("reporting API quota exhausted for marketplace %s", marketplace),
		Cause:      cause,
		Details: map[string]interface{}{
			"marketplace": string(marketplace),
		},
	}
}

// NewReportUnavailableError creates an error for a report window whose data
// is not yet published upstream. The hour is skipped without penalty.
func NewReportUnavailableError(marketplace types.MarketplaceID, start, end time.Time) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryReportUnavailable,
		StatusCode: http.StatusNotFound,
		Code:       "REPORT_UNAVAILABLE",
		Message:    fmt.Sprintf("report data not yet published for %s [%s, %s)", marketplace, start.Format(time.RFC3339), end.Format(time.RFC3339)),
		Details: map[string]interface{}{
			"marketplace": string(marketplace),
			"start":       start.Format(time.RFC3339),
			"end":         end.Format(time.RFC3339),
		},
	}
}

// NewTransientError creates a retryable error; the affected hour is marked
// failed with exponential backoff.
func NewTransientError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusBadGateway,
		Code:       "TRANSIENT_ERROR",
		Message:    fmt.Sprintf("transient failure during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewLockUnavailableError creates an error for a worker lock held by another
// owner. Not a per-hour error: the entire cycle is skipped.
func NewLockUnavailableError(marketplace types.MarketplaceID, owner string, until time.Time) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLock,
		StatusCode: http.StatusConflict,
		Code:       "LOCK_UNAVAILABLE",
		Message:    fmt.Sprintf("ingestion for %s locked by %s until %s", marketplace, owner, until.Format(time.RFC3339)),
		Details: map[string]interface{}{
			"marketplace": string(marketplace),
			"owner":       owner,
			"until":       until.Format(time.RFC3339),
		},
	}
}

// NewConsistencyError creates an error for a ledger row in an unexpected
// state. Logged loudly and left untouched rather than guessed-and-forced.
func NewConsistencyError(marketplace types.MarketplaceID, hour time.Time, detail string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConsistency,
		StatusCode: http.StatusInternalServerError,
		Code:       "CONSISTENCY_ERROR",
		Message:    fmt.Sprintf("ledger row %s/%s in unexpected state: %s", marketplace, hour.Format(time.RFC3339), detail),
		Details: map[string]interface{}{
			"marketplace": string(marketplace),
			"hour":        hour.Format(time.RFC3339),
			"detail":      detail,
		},
	}
}

// System errors

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
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

// User input errors

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

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	return NewInternalError("unexpected error", err)
}

// category returns the category of err, or "" for nil/uncategorized
func category(err error) ErrorCategory {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Category
	}
	return ""
}

// IsQuotaExceeded reports whether err is a quota exhaustion signal
func IsQuotaExceeded(err error) bool {
	return category(err) == CategoryQuota
}

// IsReportUnavailable reports whether err means the data window is not yet published
func IsReportUnavailable(err error) bool {
	return category(err) == CategoryReportUnavailable
}

// IsTransient reports whether err is retryable with backoff
func IsTransient(err error) bool {
	switch category(err) {
	case CategoryTransient, CategoryDatabase:
		return true
	default:
		return false
	}
}

// IsLockUnavailable reports whether err means another worker holds the lock
func IsLockUnavailable(err error) bool {
	return category(err) == CategoryLock
}

// IsConsistency reports whether err is a ledger consistency violation
func IsConsistency(err error) bool {
	return category(err) == CategoryConsistency
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}
