package patch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"igloomcp/internal/report"
)

// Response detail levels.
const (
	DetailMinimal  = "minimal"
	DetailStandard = "standard"
	DetailFull     = "full"
)

// EvolveRequest is one patch application against a report.
type EvolveRequest struct {
	Selector        string
	Instruction     string // free-form, recorded in the audit payload
	Changes         *ProposedChanges
	DryRun          bool
	ExpectedVersion int
	ResponseDetail  string // minimal, standard (default), full
	Actor           string
	RequestID       string
}

// EvolveResult is the evolve response body, filtered by response_detail.
type EvolveResult struct {
	Status         string  `json:"status"` // success, validation_failed, dry_run
	ReportID       string  `json:"report_id"`
	OutlineVersion int     `json:"outline_version"`
	Summary        Summary `json:"summary"`

	// Standard detail and up.
	CreatedSectionIDs []string `json:"created_section_ids,omitempty"`
	CreatedInsightIDs []string `json:"created_insight_ids,omitempty"`
	RemovedSectionIDs []string `json:"removed_section_ids,omitempty"`
	RemovedInsightIDs []string `json:"removed_insight_ids,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`

	// Full detail only.
	ChangesApplied *ProposedChanges `json:"changes_applied,omitempty"`
	DurationMs     int64            `json:"duration_ms,omitempty"`

	// Populated when Status == "validation_failed".
	ValidationIssues []Issue `json:"validation_errors,omitempty"`
}

// EnvelopeStatus surfaces validation_failed and dry_run outcomes as the
// top-level response status.
func (r *EvolveResult) EnvelopeStatus() string { return r.Status }

// Engine applies patches through the report storage layer.
type Engine struct {
	storage *report.Storage
	index   *report.Index
	log     *zap.Logger
}

// NewEngine wires the patch engine.
func NewEngine(storage *report.Storage, index *report.Index, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{storage: storage, index: index, log: log}
}

// Evolve validates and applies one patch. Validation failures come back
// as a structured result, not an error; selector, lock, version and I/O
// failures are errors.
func (e *Engine) Evolve(ctx context.Context, req EvolveRequest) (*EvolveResult, error) {
	start := time.Now()
	if req.Changes == nil {
		req.Changes = &ProposedChanges{}
	}

	entry, err := e.index.Resolve(req.Selector)
	if err != nil {
		return nil, err
	}

	current, err := e.storage.Load(entry.ReportID)
	if err != nil {
		return nil, err
	}

	if issues := Validate(current, req.Changes); len(issues) > 0 {
		return &EvolveResult{
			Status:           "validation_failed",
			ReportID:         entry.ReportID,
			OutlineVersion:   current.Version,
			ValidationIssues: issues,
		}, nil
	}

	if req.DryRun {
		preview := current.Clone()
		outcome, err := Apply(preview, req.Changes)
		if err != nil {
			return nil, err
		}
		if problems := preview.CheckInvariants(); len(problems) > 0 {
			return &EvolveResult{
				Status:           "validation_failed",
				ReportID:         entry.ReportID,
				OutlineVersion:   current.Version,
				ValidationIssues: invariantIssues(problems),
			}, nil
		}
		res := e.shape(req, entry.ReportID, preview.Version, outcome, start)
		res.Status = "dry_run"
		return res, nil
	}

	var outcome *ApplyOutcome
	updated, err := e.storage.Update(ctx, entry.ReportID, report.Mutation{
		Actor:           req.Actor,
		ActionType:      actionFor(req.Changes),
		RequestID:       req.RequestID,
		ExpectedVersion: req.ExpectedVersion,
		Payload: map[string]any{
			"instruction": req.Instruction,
			"changes":     req.Changes,
		},
		Apply: func(o *report.Outline) error {
			var applyErr error
			outcome, applyErr = Apply(o, req.Changes)
			if applyErr != nil {
				return applyErr
			}
			if problems := o.CheckInvariants(); len(problems) > 0 {
				return &invariantError{problems: problems}
			}
			return nil
		},
	})
	var invErr *invariantError
	if errors.As(err, &invErr) {
		return &EvolveResult{
			Status:           "validation_failed",
			ReportID:         entry.ReportID,
			OutlineVersion:   current.Version,
			ValidationIssues: invariantIssues(invErr.problems),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if ixErr := e.index.Append(ctx, report.EntryFor(updated)); ixErr != nil {
		e.log.Warn("failed to refresh index after evolve",
			zap.String("report_id", entry.ReportID), zap.Error(ixErr))
	}

	res := e.shape(req, entry.ReportID, updated.Version, outcome, start)
	res.Status = "success"
	return res, nil
}

// EvolveBatch applies several patches to one report atomically: one lock,
// one version bump per operation, and nothing persists unless every
// operation validates and applies.
func (e *Engine) EvolveBatch(ctx context.Context, selector string, ops []*ProposedChanges, actor, requestID string) (*EvolveResult, error) {
	start := time.Now()
	if len(ops) == 0 {
		return nil, fmt.Errorf("batch contains no operations")
	}

	entry, err := e.index.Resolve(selector)
	if err != nil {
		return nil, err
	}

	combined := &ApplyOutcome{}
	updated, err := e.storage.Update(ctx, entry.ReportID, report.Mutation{
		Actor:      actor,
		ActionType: report.ActionEvolve,
		RequestID:  requestID,
		Payload:    map[string]any{"batch_size": len(ops)},
		Apply: func(o *report.Outline) error {
			for i, c := range ops {
				if issues := Validate(o, c); len(issues) > 0 {
					return &batchValidationError{index: i, issues: issues}
				}
				outcome, applyErr := Apply(o, c)
				if applyErr != nil {
					return applyErr
				}
				mergeOutcome(combined, outcome)
			}
			if problems := o.CheckInvariants(); len(problems) > 0 {
				return &invariantError{problems: problems}
			}
			return nil
		},
	})

	var bvErr *batchValidationError
	if errors.As(err, &bvErr) {
		for i := range bvErr.issues {
			bvErr.issues[i].FieldPath = fmt.Sprintf("operations[%d].%s", bvErr.index, bvErr.issues[i].FieldPath)
		}
		return &EvolveResult{
			Status:           "validation_failed",
			ReportID:         entry.ReportID,
			ValidationIssues: bvErr.issues,
		}, nil
	}
	var invErr *invariantError
	if errors.As(err, &invErr) {
		return &EvolveResult{
			Status:           "validation_failed",
			ReportID:         entry.ReportID,
			ValidationIssues: invariantIssues(invErr.problems),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if ixErr := e.index.Append(ctx, report.EntryFor(updated)); ixErr != nil {
		e.log.Warn("failed to refresh index after batch evolve",
			zap.String("report_id", entry.ReportID), zap.Error(ixErr))
	}

	return &EvolveResult{
		Status:            "success",
		ReportID:          entry.ReportID,
		OutlineVersion:    updated.Version,
		Summary:           combined.Summary,
		CreatedSectionIDs: combined.CreatedSectionIDs,
		CreatedInsightIDs: combined.CreatedInsightIDs,
		RemovedSectionIDs: combined.RemovedSectionIDs,
		RemovedInsightIDs: combined.RemovedInsightIDs,
		Warnings:          combined.Warnings,
		DurationMs:        time.Since(start).Milliseconds(),
	}, nil
}

// shape trims the result to the requested detail level.
func (e *Engine) shape(req EvolveRequest, reportID string, version int, outcome *ApplyOutcome, start time.Time) *EvolveResult {
	res := &EvolveResult{
		ReportID:       reportID,
		OutlineVersion: version,
		Summary:        outcome.Summary,
	}
	detail := req.ResponseDetail
	if detail == "" {
		detail = DetailStandard
	}
	if detail == DetailMinimal {
		return res
	}

	res.CreatedSectionIDs = outcome.CreatedSectionIDs
	res.CreatedInsightIDs = outcome.CreatedInsightIDs
	res.RemovedSectionIDs = outcome.RemovedSectionIDs
	res.RemovedInsightIDs = outcome.RemovedInsightIDs
	res.Warnings = outcome.Warnings

	if detail == DetailFull {
		res.ChangesApplied = req.Changes
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res
}

func actionFor(c *ProposedChanges) string {
	switch {
	case c.StatusChange != "" && !c.hasContentChanges():
		return report.ActionStatusChange
	case c.TitleChange != "" && len(c.InsightsToAdd) == 0 && len(c.SectionsToAdd) == 0 &&
		len(c.InsightsToModify) == 0 && len(c.SectionsToModify) == 0 &&
		len(c.InsightsToRemove) == 0 && len(c.SectionsToRemove) == 0 && len(c.MetadataUpdates) == 0:
		return report.ActionRename
	default:
		return report.ActionEvolve
	}
}

func mergeOutcome(dst, src *ApplyOutcome) {
	dst.Summary.SectionsAdded += src.Summary.SectionsAdded
	dst.Summary.SectionsModified += src.Summary.SectionsModified
	dst.Summary.SectionsRemoved += src.Summary.SectionsRemoved
	dst.Summary.InsightsAdded += src.Summary.InsightsAdded
	dst.Summary.InsightsModified += src.Summary.InsightsModified
	dst.Summary.InsightsRemoved += src.Summary.InsightsRemoved
	dst.CreatedSectionIDs = append(dst.CreatedSectionIDs, src.CreatedSectionIDs...)
	dst.CreatedInsightIDs = append(dst.CreatedInsightIDs, src.CreatedInsightIDs...)
	dst.RemovedSectionIDs = append(dst.RemovedSectionIDs, src.RemovedSectionIDs...)
	dst.RemovedInsightIDs = append(dst.RemovedInsightIDs, src.RemovedInsightIDs...)
	dst.Warnings = src.Warnings // post-apply warnings reflect the final state only
}

type invariantError struct{ problems []string }

func (e *invariantError) Error() string {
	return fmt.Sprintf("patch breaks %d outline invariant(s)", len(e.problems))
}

type batchValidationError struct {
	index  int
	issues []Issue
}

func (e *batchValidationError) Error() string {
	return fmt.Sprintf("batch operation %d failed validation", e.index)
}

func invariantIssues(problems []string) []Issue {
	issues := make([]Issue, len(problems))
	for i, p := range problems {
		issues[i] = Issue{FieldPath: "proposed_changes", Message: p}
	}
	return issues
}
