package query

import "fmt"

// TimeoutError is returned when a query exceeds its timeout budget. The
// guidance ordering is deliberate: narrowing the scan beats raising the
// timeout, so catalog-based filtering and clustering keys come first.
type TimeoutError struct {
	ExecutionID    string
	QueryID        string
	TimeoutSeconds int
	Cancelled      bool // true when the caller cancelled rather than the budget expiring
	Guidance       []string
}

func (e *TimeoutError) Error() string {
	if e.Cancelled {
		return fmt.Sprintf("query %s was cancelled by the caller", e.ExecutionID)
	}
	return fmt.Sprintf("query %s exceeded its %d second timeout", e.ExecutionID, e.TimeoutSeconds)
}

// timeoutGuidance is surfaced with every timeout.
func timeoutGuidance() []string {
	return []string{
		"filter on a column the catalog marks as a partition or date key to reduce scanned data",
		"check table clustering keys (SHOW TABLES LIKE '<name>') and align the WHERE clause with them",
		"if the scan is already minimal, retry with a larger timeout_seconds",
	}
}

// ExecutionError wraps a warehouse-side failure.
type ExecutionError struct {
	ExecutionID string
	QueryID     string
	Message     string // compact by default
	Detail      string // full driver error, surfaced when verbose_errors is set
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// RequestError reports invalid request parameters (reason too short,
// statement too long). The dispatcher renders it as validation_failed.
type RequestError struct {
	Field   string
	Message string
	Hints   []string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown execution id on async fetch.
type NotFoundError struct {
	ExecutionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no pending or completed execution %q", e.ExecutionID)
}
