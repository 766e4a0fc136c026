// Package patch implements the report patch language: a tagged record of
// proposed changes, pre-apply validation that returns structured issues
// instead of raising, a fixed apply order, and post-apply invariant
// checks computed from the new state.
package patch

import (
	"bytes"
	"encoding/json"

	"igloomcp/internal/report"
)

// InsightDraft is a new insight, standalone or inline in a section op.
type InsightDraft struct {
	InsightID         string            `json:"insight_id,omitempty"` // auto-generated when omitted
	Summary           string            `json:"summary"`
	Importance        int               `json:"importance"`
	Status            string            `json:"status,omitempty"`
	Citations         []report.Citation `json:"citations,omitempty"`
	SupportingQueries []string          `json:"supporting_queries,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// InsightAdd places a standalone new insight into a section.
type InsightAdd struct {
	SectionID string       `json:"section_id"`
	Insight   InsightDraft `json:"insight"`
}

// InsightModify is a partial update; nil pointers leave fields untouched.
type InsightModify struct {
	InsightID         string            `json:"insight_id"`
	Summary           *string           `json:"summary,omitempty"`
	Importance        *int              `json:"importance,omitempty"`
	Status            *string           `json:"status,omitempty"`
	Citations         []report.Citation `json:"citations,omitempty"`
	SupportingQueries []string          `json:"supporting_queries,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// hasChanges reports whether any non-id field is present.
func (m InsightModify) hasChanges() bool {
	return m.Summary != nil || m.Importance != nil || m.Status != nil ||
		m.Citations != nil || m.SupportingQueries != nil || len(m.Metadata) > 0
}

// SectionAdd creates a section, optionally with inline insights.
type SectionAdd struct {
	SectionID     string         `json:"section_id,omitempty"` // auto-generated when omitted
	Title         string         `json:"title"`
	Order         *int           `json:"order,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	Content       string         `json:"content,omitempty"`
	ContentFormat string         `json:"content_format,omitempty"`
	Insights      []InsightDraft `json:"insights,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SectionModify is a partial section update plus link changes and inline
// create-and-link insights.
type SectionModify struct {
	SectionID          string         `json:"section_id"`
	Title              *string        `json:"title,omitempty"`
	Order              *int           `json:"order,omitempty"`
	Notes              *string        `json:"notes,omitempty"`
	Content            *string        `json:"content,omitempty"`
	ContentFormat      *string        `json:"content_format,omitempty"`
	InsightIDsToAdd    []string       `json:"insight_ids_to_add,omitempty"`
	InsightIDsToRemove []string       `json:"insight_ids_to_remove,omitempty"`
	Insights           []InsightDraft `json:"insights,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

func (m SectionModify) hasChanges() bool {
	return m.Title != nil || m.Order != nil || m.Notes != nil || m.Content != nil ||
		m.ContentFormat != nil || len(m.InsightIDsToAdd) > 0 ||
		len(m.InsightIDsToRemove) > 0 || len(m.Insights) > 0 || len(m.Metadata) > 0
}

// ProposedChanges is the full patch record. status_change is exclusive
// with every content operation.
type ProposedChanges struct {
	InsightsToAdd    []InsightAdd    `json:"insights_to_add,omitempty"`
	InsightsToModify []InsightModify `json:"insights_to_modify,omitempty"`
	InsightsToRemove []string        `json:"insights_to_remove,omitempty"`
	SectionsToAdd    []SectionAdd    `json:"sections_to_add,omitempty"`
	SectionsToModify []SectionModify `json:"sections_to_modify,omitempty"`
	SectionsToRemove []string        `json:"sections_to_remove,omitempty"`
	StatusChange     string          `json:"status_change,omitempty"`
	MetadataUpdates  map[string]any  `json:"metadata_updates,omitempty"`
	TitleChange      string          `json:"title_change,omitempty"`
}

// IsEmpty reports whether the patch does nothing at all.
func (c *ProposedChanges) IsEmpty() bool {
	return len(c.InsightsToAdd) == 0 && len(c.InsightsToModify) == 0 &&
		len(c.InsightsToRemove) == 0 && len(c.SectionsToAdd) == 0 &&
		len(c.SectionsToModify) == 0 && len(c.SectionsToRemove) == 0 &&
		c.StatusChange == "" && len(c.MetadataUpdates) == 0 && c.TitleChange == ""
}

// hasContentChanges reports whether anything other than status_change is
// requested.
func (c *ProposedChanges) hasContentChanges() bool {
	return len(c.InsightsToAdd) > 0 || len(c.InsightsToModify) > 0 ||
		len(c.InsightsToRemove) > 0 || len(c.SectionsToAdd) > 0 ||
		len(c.SectionsToModify) > 0 || len(c.SectionsToRemove) > 0 ||
		len(c.MetadataUpdates) > 0 || c.TitleChange != ""
}

// Decode parses a patch from raw JSON, rejecting unknown fields so typos
// surface as errors rather than silent no-ops.
func Decode(raw json.RawMessage) (*ProposedChanges, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var c ProposedChanges
	if err := dec.Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Summary counts every mutation a patch performed, including inline
// insight creation paths.
type Summary struct {
	SectionsAdded    int `json:"sections_added"`
	SectionsModified int `json:"sections_modified"`
	SectionsRemoved  int `json:"sections_removed"`
	InsightsAdded    int `json:"insights_added"`
	InsightsModified int `json:"insights_modified"`
	InsightsRemoved  int `json:"insights_removed"`
}
