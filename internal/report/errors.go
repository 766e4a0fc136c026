package report

import (
	"fmt"
	"time"
)

// LockTimeoutError reports a failed advisory lock acquisition.
type LockTimeoutError struct {
	ReportID string
	Path     string
	Timeout  time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("could not lock report %s within %s; retry, or check for a stuck writer holding %s",
		e.ReportID, e.Timeout, e.Path)
}

// VersionConflictError reports an optimistic-concurrency rejection.
type VersionConflictError struct {
	ReportID        string
	ExpectedVersion int
	CurrentVersion  int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("report %s is at version %d, caller expected %d; re-read and rebase",
		e.ReportID, e.CurrentVersion, e.ExpectedVersion)
}

// Selector resolution failure kinds.
const (
	SelectorNotFound  = "not_found"
	SelectorAmbiguous = "ambiguous"
)

// SelectorError reports a failed report_selector resolution.
type SelectorError struct {
	Kind       string // not_found, ambiguous
	Selector   string
	Candidates []string // report ids, for ambiguous
}

func (e *SelectorError) Error() string {
	if e.Kind == SelectorAmbiguous {
		return fmt.Sprintf("selector %q matches %d reports; use an exact report_id", e.Selector, len(e.Candidates))
	}
	return fmt.Sprintf("no report matches selector %q", e.Selector)
}

// ChartTooLargeError enforces the hard per-chart size limit.
type ChartTooLargeError struct {
	Path      string
	SizeBytes int64
	LimitMB   int
}

func (e *ChartTooLargeError) Error() string {
	return fmt.Sprintf("chart %s is %d bytes, over the %d MB limit; downsample or split the image",
		e.Path, e.SizeBytes, e.LimitMB)
}

// NotFoundError reports a missing report or audit action.
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.What, e.ID)
}
