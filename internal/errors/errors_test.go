package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vendor-desk/internal/types"
)

func TestPredicates(t *testing.T) {
	now := time.Now().UTC()

	quotaErr := NewQuotaExceededError(types.MarketplaceUS, fmt.Errorf("429"))
	assert.True(t, IsQuotaExceeded(quotaErr))
	assert.False(t, IsTransient(quotaErr))
	assert.False(t, IsReportUnavailable(quotaErr))

	unavailErr := NewReportUnavailableError(types.MarketplaceUS, now, now.Add(time.Hour))
	assert.True(t, IsReportUnavailable(unavailErr))
	assert.False(t, IsQuotaExceeded(unavailErr))

	transientErr := NewTransientError("fetch", fmt.Errorf("timeout"))
	assert.True(t, IsTransient(transientErr))
	assert.False(t, IsQuotaExceeded(transientErr))

	// Database errors count as transient: a retry may succeed
	dbErr := NewDatabaseError("claim", fmt.Errorf("connection reset"))
	assert.True(t, IsTransient(dbErr))

	lockErr := NewLockUnavailableError(types.MarketplaceUS, "host:1:abc", now)
	assert.True(t, IsLockUnavailable(lockErr))

	consErr := NewConsistencyError(types.MarketplaceUS, now, "unexpected status")
	assert.True(t, IsConsistency(consErr))
}

func TestPredicatesThroughWrapping(t *testing.T) {
	inner := NewQuotaExceededError(types.MarketplaceDE, fmt.Errorf("429"))
	wrapped := fmt.Errorf("cycle aborted: %w", inner)

	assert.True(t, IsQuotaExceeded(wrapped))
	assert.False(t, IsQuotaExceeded(stderrors.New("some other error")))
	assert.False(t, IsQuotaExceeded(nil))
}

func TestCategorize(t *testing.T) {
	assert.Nil(t, Categorize(nil))

	catErr := Categorize(NewNotFoundError("ledger hour", "US/2026-08-29T10:00:00Z"))
	assert.Equal(t, CategoryNotFound, catErr.Category)
	assert.Equal(t, http.StatusNotFound, catErr.StatusCode)

	// Plain errors fall back to an internal categorization
	catErr = Categorize(stderrors.New("boom"))
	assert.Equal(t, CategorySystem, catErr.Category)
	assert.Equal(t, http.StatusInternalServerError, catErr.StatusCode)
}

func TestGetHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests,
		GetHTTPStatusCode(NewQuotaExceededError(types.MarketplaceUS, nil)))
	assert.Equal(t, http.StatusBadRequest,
		GetHTTPStatusCode(NewInvalidParameterError("date", "must be YYYY-MM-DD")))
	assert.Equal(t, http.StatusInternalServerError,
		GetHTTPStatusCode(stderrors.New("untyped")))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := NewTransientError("fetch", fmt.Errorf("dial tcp: timeout"))
	assert.Contains(t, err.Error(), "dial tcp: timeout")
	assert.ErrorContains(t, err, "fetch")
}
