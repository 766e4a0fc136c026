package patch

import (
	"fmt"

	"github.com/google/uuid"

	"igloomcp/internal/report"
)

// ApplyOutcome records what one patch did to an outline.
type ApplyOutcome struct {
	Summary           Summary  `json:"summary"`
	CreatedSectionIDs []string `json:"created_section_ids,omitempty"`
	CreatedInsightIDs []string `json:"created_insight_ids,omitempty"`
	RemovedSectionIDs []string `json:"removed_section_ids,omitempty"`
	RemovedInsightIDs []string `json:"removed_insight_ids,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Apply mutates the outline in the fixed operation order so that
// cross-references created within one patch resolve consistently. The
// caller validates first; Apply only fails on programming errors.
func Apply(o *report.Outline, c *ProposedChanges) (*ApplyOutcome, error) {
	out := &ApplyOutcome{}

	// Step 1: every addition gets an id up front so later steps can link.
	for i := range c.InsightsToAdd {
		if c.InsightsToAdd[i].Insight.InsightID == "" {
			c.InsightsToAdd[i].Insight.InsightID = uuid.NewString()
		}
	}
	for i := range c.SectionsToAdd {
		if c.SectionsToAdd[i].SectionID == "" {
			c.SectionsToAdd[i].SectionID = uuid.NewString()
		}
		for j := range c.SectionsToAdd[i].Insights {
			if c.SectionsToAdd[i].Insights[j].InsightID == "" {
				c.SectionsToAdd[i].Insights[j].InsightID = uuid.NewString()
			}
		}
	}
	for i := range c.SectionsToModify {
		for j := range c.SectionsToModify[i].Insights {
			if c.SectionsToModify[i].Insights[j].InsightID == "" {
				c.SectionsToModify[i].Insights[j].InsightID = uuid.NewString()
			}
		}
	}

	// Step 2: inline insights embedded in section operations exist before
	// anything links to them.
	for _, s := range c.SectionsToAdd {
		for _, d := range s.Insights {
			o.Insights = append(o.Insights, materialize(d))
			out.CreatedInsightIDs = append(out.CreatedInsightIDs, d.InsightID)
			out.Summary.InsightsAdded++
		}
	}
	for _, s := range c.SectionsToModify {
		for _, d := range s.Insights {
			o.Insights = append(o.Insights, materialize(d))
			out.CreatedInsightIDs = append(out.CreatedInsightIDs, d.InsightID)
			out.Summary.InsightsAdded++
		}
	}

	// Step 3: standalone insight additions.
	for _, op := range c.InsightsToAdd {
		o.Insights = append(o.Insights, materialize(op.Insight))
		sec := o.Section(op.SectionID)
		if sec == nil {
			return nil, fmt.Errorf("section %s vanished during apply", op.SectionID)
		}
		sec.InsightIDs = append(sec.InsightIDs, op.Insight.InsightID)
		out.CreatedInsightIDs = append(out.CreatedInsightIDs, op.Insight.InsightID)
		out.Summary.InsightsAdded++
	}

	// Step 4: partial insight updates.
	for _, op := range c.InsightsToModify {
		in := o.Insight(op.InsightID)
		if in == nil {
			return nil, fmt.Errorf("insight %s vanished during apply", op.InsightID)
		}
		if op.Summary != nil {
			in.Summary = *op.Summary
		}
		if op.Importance != nil {
			in.Importance = *op.Importance
		}
		if op.Status != nil {
			in.Status = *op.Status
		}
		if op.Citations != nil {
			in.Citations = op.Citations
		}
		if op.SupportingQueries != nil {
			in.SupportingQueries = op.SupportingQueries
		}
		for k, v := range op.Metadata {
			if in.Metadata == nil {
				in.Metadata = map[string]any{}
			}
			in.Metadata[k] = v
		}
		report.SyncInsightCitations(in)
		out.Summary.InsightsModified++
	}

	// Step 5: new sections, linking their inline insights.
	for _, op := range c.SectionsToAdd {
		sec := report.Section{
			SectionID:     op.SectionID,
			Title:         op.Title,
			Order:         op.Order,
			Notes:         op.Notes,
			Content:       op.Content,
			ContentFormat: op.ContentFormat,
			Metadata:      op.Metadata,
			InsightIDs:    []string{},
		}
		for _, d := range op.Insights {
			sec.InsightIDs = append(sec.InsightIDs, d.InsightID)
		}
		o.Sections = append(o.Sections, sec)
		out.CreatedSectionIDs = append(out.CreatedSectionIDs, op.SectionID)
		out.Summary.SectionsAdded++
	}

	// Step 6: section modifications and link changes.
	for _, op := range c.SectionsToModify {
		sec := o.Section(op.SectionID)
		if sec == nil {
			return nil, fmt.Errorf("section %s vanished during apply", op.SectionID)
		}
		if op.Title != nil {
			sec.Title = *op.Title
		}
		if op.Order != nil {
			sec.Order = op.Order
		}
		if op.Notes != nil {
			sec.Notes = *op.Notes
		}
		if op.Content != nil {
			sec.Content = *op.Content
		}
		if op.ContentFormat != nil {
			sec.ContentFormat = *op.ContentFormat
		}
		for k, v := range op.Metadata {
			if sec.Metadata == nil {
				sec.Metadata = map[string]any{}
			}
			sec.Metadata[k] = v
		}
		for _, d := range op.Insights {
			sec.InsightIDs = append(sec.InsightIDs, d.InsightID)
		}
		for _, id := range op.InsightIDsToAdd {
			if !contains(sec.InsightIDs, id) {
				sec.InsightIDs = append(sec.InsightIDs, id)
			}
		}
		if len(op.InsightIDsToRemove) > 0 {
			sec.InsightIDs = without(sec.InsightIDs, op.InsightIDsToRemove)
		}
		out.Summary.SectionsModified++
	}

	// Step 7: insight removal unlinks everywhere.
	if len(c.InsightsToRemove) > 0 {
		keep := o.Insights[:0]
		removed := map[string]bool{}
		for _, id := range c.InsightsToRemove {
			removed[id] = true
		}
		for _, in := range o.Insights {
			if removed[in.InsightID] {
				out.RemovedInsightIDs = append(out.RemovedInsightIDs, in.InsightID)
				out.Summary.InsightsRemoved++
				continue
			}
			keep = append(keep, in)
		}
		o.Insights = keep
		for i := range o.Sections {
			o.Sections[i].InsightIDs = without(o.Sections[i].InsightIDs, c.InsightsToRemove)
		}
	}

	// Step 8: section removal. Insights stay; only the grouping goes.
	if len(c.SectionsToRemove) > 0 {
		removed := map[string]bool{}
		for _, id := range c.SectionsToRemove {
			removed[id] = true
		}
		keep := o.Sections[:0]
		for _, sec := range o.Sections {
			if removed[sec.SectionID] {
				out.RemovedSectionIDs = append(out.RemovedSectionIDs, sec.SectionID)
				out.Summary.SectionsRemoved++
				continue
			}
			keep = append(keep, sec)
		}
		o.Sections = keep
	}

	// Step 9: report-level fields.
	if c.TitleChange != "" {
		o.Title = c.TitleChange
	}
	for k, v := range c.MetadataUpdates {
		if o.Metadata.Tags == nil {
			o.Metadata.Tags = map[string]any{}
		}
		o.Metadata.Tags[k] = v
	}
	if c.StatusChange != "" {
		o.Status = c.StatusChange
	}

	// Step 10: exactly one version per accepted patch.
	o.Version++

	out.Warnings = postApplyWarnings(o)
	return out, nil
}

func materialize(d InsightDraft) report.Insight {
	status := d.Status
	if status == "" {
		status = report.InsightActive
	}
	in := report.Insight{
		InsightID:         d.InsightID,
		Summary:           d.Summary,
		Importance:        d.Importance,
		Status:            status,
		Citations:         d.Citations,
		SupportingQueries: d.SupportingQueries,
		Metadata:          d.Metadata,
	}
	report.SyncInsightCitations(&in)
	return in
}

// postApplyWarnings computes advisory warnings from the post-apply state
// only; warnings derived from the pre-apply outline would go stale the
// moment the patch lands.
func postApplyWarnings(o *report.Outline) []string {
	var warnings []string
	for _, sec := range o.Sections {
		if len(sec.InsightIDs) == 0 {
			warnings = append(warnings, fmt.Sprintf("section %q has no insights", sec.Title))
		}
	}

	linked := map[string]bool{}
	for _, sec := range o.Sections {
		for _, id := range sec.InsightIDs {
			linked[id] = true
		}
	}
	for _, in := range o.Insights {
		if !linked[in.InsightID] && in.Status == report.InsightActive {
			warnings = append(warnings, fmt.Sprintf("insight %q is not linked to any section", in.Summary))
		}
	}
	return warnings
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func without(list, drop []string) []string {
	set := map[string]bool{}
	for _, id := range drop {
		set[id] = true
	}
	out := list[:0]
	for _, id := range list {
		if !set[id] {
			out = append(out, id)
		}
	}
	return out
}
