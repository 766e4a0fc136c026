package patch

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"igloomcp/internal/report"
)

// Issue is one structured validation failure: enough for an agent to
// self-correct without reading source code.
type Issue struct {
	FieldPath     string   `json:"field_path"`
	InputValue    any      `json:"input_value,omitempty"`
	Message       string   `json:"message"`
	Hints         []string `json:"hints,omitempty"`
	SchemaExample any      `json:"schema_example,omitempty"`
}

// Validate runs every pre-apply check against the current outline and
// returns all issues found, never just the first.
func Validate(o *report.Outline, c *ProposedChanges) []Issue {
	var issues []Issue
	add := func(path string, value any, msg string, hints ...string) {
		issues = append(issues, Issue{
			FieldPath:     path,
			InputValue:    value,
			Message:       msg,
			Hints:         hints,
			SchemaExample: exampleFor(path),
		})
	}

	if c.IsEmpty() {
		add("proposed_changes", nil, "patch contains no operations",
			"supply at least one of insights_to_add, sections_to_add, status_change, ...")
		return issues
	}

	if c.StatusChange != "" {
		switch c.StatusChange {
		case report.StatusActive, report.StatusArchived, report.StatusDeleted:
		default:
			add("status_change", c.StatusChange,
				"invalid status", "valid values: active, archived, deleted")
		}
		if c.hasContentChanges() {
			add("status_change", c.StatusChange,
				"status_change cannot be combined with content operations",
				"send the status change as its own patch")
		}
	}

	requireCitations := report.TemplateRequiresCitations(o.Metadata.Template)

	for i, op := range c.InsightsToAdd {
		path := fmt.Sprintf("insights_to_add[%d]", i)
		if op.SectionID == "" {
			add(path+".section_id", op.SectionID, "section_id is required")
		} else if o.Section(op.SectionID) == nil {
			add(path+".section_id", op.SectionID, "section does not exist",
				"list sections with get_report mode=summary")
		}
		issues = append(issues, validateDraft(path+".insight", op.Insight, requireCitations)...)
	}

	for i, op := range c.InsightsToModify {
		path := fmt.Sprintf("insights_to_modify[%d]", i)
		if !validID(op.InsightID) {
			add(path+".insight_id", op.InsightID, "malformed insight_id")
		} else if o.Insight(op.InsightID) == nil {
			add(path+".insight_id", op.InsightID, "insight does not exist")
		}
		if !op.hasChanges() {
			add(path, nil, "modify payload has no fields to change",
				"include at least one of summary, importance, status, citations, metadata")
		}
		if op.Importance != nil && (*op.Importance < 0 || *op.Importance > 10) {
			add(path+".importance", *op.Importance, "importance must be in [0,10]")
		}
		if op.Status != nil {
			switch *op.Status {
			case report.InsightActive, report.InsightArchived, report.InsightKilled:
			default:
				add(path+".status", *op.Status, "invalid insight status",
					"valid values: active, archived, killed")
			}
		}
		for j, cit := range op.Citations {
			if !report.ValidSource(cit.Source) {
				add(fmt.Sprintf("%s.citations[%d].source", path, j), cit.Source,
					"invalid citation source",
					"valid sources: query, api, url, observation, document")
			}
		}
	}

	for i, id := range c.InsightsToRemove {
		path := fmt.Sprintf("insights_to_remove[%d]", i)
		if !validID(id) {
			add(path, id, "malformed insight_id")
		} else if o.Insight(id) == nil {
			add(path, id, "insight does not exist")
		}
	}

	for i, op := range c.SectionsToAdd {
		path := fmt.Sprintf("sections_to_add[%d]", i)
		if strings.TrimSpace(op.Title) == "" {
			add(path+".title", op.Title, "title is required")
		}
		if op.SectionID != "" && !validID(op.SectionID) {
			add(path+".section_id", op.SectionID, "malformed section_id",
				"omit section_id to have one generated")
		}
		if op.ContentFormat != "" && !validContentFormat(op.ContentFormat) {
			add(path+".content_format", op.ContentFormat,
				"invalid content_format", "valid values: markdown, text, html")
		}
		for j, d := range op.Insights {
			issues = append(issues, validateDraft(fmt.Sprintf("%s.insights[%d]", path, j), d, requireCitations)...)
		}
	}

	for i, op := range c.SectionsToModify {
		path := fmt.Sprintf("sections_to_modify[%d]", i)
		if !validID(op.SectionID) {
			add(path+".section_id", op.SectionID, "malformed section_id")
		} else if o.Section(op.SectionID) == nil {
			add(path+".section_id", op.SectionID, "section does not exist")
		}
		if !op.hasChanges() {
			add(path, nil, "modify payload has no fields to change")
		}
		for j, id := range op.InsightIDsToAdd {
			if o.Insight(id) == nil && !willCreateInsight(c, id) {
				add(fmt.Sprintf("%s.insight_ids_to_add[%d]", path, j), id,
					"insight does not exist and is not created by this patch")
			}
		}
		for j, d := range op.Insights {
			issues = append(issues, validateDraft(fmt.Sprintf("%s.insights[%d]", path, j), d, requireCitations)...)
		}
	}

	for i, id := range c.SectionsToRemove {
		path := fmt.Sprintf("sections_to_remove[%d]", i)
		if !validID(id) {
			add(path, id, "malformed section_id")
		} else if o.Section(id) == nil {
			add(path, id, "section does not exist")
		}
	}

	if c.TitleChange != "" && strings.TrimSpace(c.TitleChange) == "" {
		add("title_change", c.TitleChange, "title cannot be blank")
	}
	return issues
}

func validateDraft(path string, d InsightDraft, requireCitations bool) []Issue {
	var issues []Issue
	add := func(p string, value any, msg string, hints ...string) {
		issues = append(issues, Issue{
			FieldPath: p, InputValue: value, Message: msg, Hints: hints,
			SchemaExample: exampleFor(p),
		})
	}
	if strings.TrimSpace(d.Summary) == "" {
		add(path+".summary", d.Summary, "summary is required")
	}
	if d.Importance < 0 || d.Importance > 10 {
		add(path+".importance", d.Importance, "importance must be in [0,10]")
	}
	if d.InsightID != "" && !validID(d.InsightID) {
		add(path+".insight_id", d.InsightID, "malformed insight_id",
			"omit insight_id to have one generated")
	}
	if d.Status != "" {
		switch d.Status {
		case report.InsightActive, report.InsightArchived, report.InsightKilled:
		default:
			add(path+".status", d.Status, "invalid insight status",
				"valid values: active, archived, killed")
		}
	}
	for j, cit := range d.Citations {
		if !report.ValidSource(cit.Source) {
			add(fmt.Sprintf("%s.citations[%d].source", path, j), cit.Source,
				"invalid citation source",
				"valid sources: query, api, url, observation, document")
		}
	}
	if requireCitations && len(d.Citations) == 0 && len(d.SupportingQueries) == 0 {
		add(path+".citations", nil,
			"this report's template requires every insight to carry a citation",
			"attach a citation with source query, api, url, observation or document")
	}
	return issues
}

// validID accepts canonical UUIDs. Ids the caller supplies must be
// well-formed; generated ids always are.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func validContentFormat(f string) bool {
	switch f {
	case "markdown", "text", "html":
		return true
	}
	return false
}

// willCreateInsight reports whether the patch itself creates the id, so
// link targets can reference insights added in the same patch.
func willCreateInsight(c *ProposedChanges, id string) bool {
	for _, op := range c.InsightsToAdd {
		if op.Insight.InsightID == id {
			return true
		}
	}
	for _, s := range c.SectionsToAdd {
		for _, d := range s.Insights {
			if d.InsightID == id {
				return true
			}
		}
	}
	for _, s := range c.SectionsToModify {
		for _, d := range s.Insights {
			if d.InsightID == id {
				return true
			}
		}
	}
	return false
}
