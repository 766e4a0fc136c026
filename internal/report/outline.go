// Package report implements the Living Reports store: a structured
// outline per report (machine truth), an append-only audit log, and a
// rebuildable index, all on local disk with advisory locking and
// tmp-then-rename durability.
package report

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Report status values.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
)

// Insight status values.
const (
	InsightActive   = "active"
	InsightArchived = "archived"
	InsightKilled   = "killed"
)

// Citation source kinds.
const (
	SourceQuery       = "query"
	SourceAPI         = "api"
	SourceURL         = "url"
	SourceObservation = "observation"
	SourceDocument    = "document"
)

// Templates with special behaviour.
const (
	TemplateDefault = "default"
	TemplateAnalyst = "analyst_v1"
)

// citationSources is the closed set of citation kinds.
var citationSources = map[string]bool{
	SourceQuery:       true,
	SourceAPI:         true,
	SourceURL:         true,
	SourceObservation: true,
	SourceDocument:    true,
}

// ValidSource reports whether s is a recognized citation source.
func ValidSource(s string) bool { return citationSources[s] }

// TemplateRequiresCitations reports whether the template enforces at
// least one citation per insight.
func TemplateRequiresCitations(template string) bool {
	return template == TemplateAnalyst
}

// NewReportID allocates an opaque rpt_-prefixed url-safe id.
func NewReportID() string {
	u := uuid.New()
	return "rpt_" + base64.RawURLEncoding.EncodeToString(u[:])
}

// Citation is a tagged union on Source; only the fields for the given
// source are populated.
type Citation struct {
	Source string `json:"source"`

	// query
	Provider      string `json:"provider,omitempty"`
	ExecutionID   string `json:"execution_id,omitempty"`
	QueryID       string `json:"query_id,omitempty"`
	SQLSHA256     string `json:"sql_sha256,omitempty"`
	CacheManifest string `json:"cache_manifest,omitempty"`

	// api
	Endpoint     string `json:"endpoint,omitempty"`
	ResponseHash string `json:"response_hash,omitempty"`

	// url
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	AccessedAt string `json:"accessed_at,omitempty"`

	// observation
	ObservedAt string `json:"observed_at,omitempty"`

	// document
	Path string `json:"path,omitempty"`
	Page int    `json:"page,omitempty"`

	Description string `json:"description,omitempty"`
}

// Insight is one finding, linked into sections by id.
type Insight struct {
	InsightID  string     `json:"insight_id"`
	Summary    string     `json:"summary"`
	Importance int        `json:"importance"` // [0,10]
	Status     string     `json:"status"`
	Citations  []Citation `json:"citations,omitempty"`

	// SupportingQueries is the legacy query-only field, kept in sync with
	// query-sourced citations both ways.
	SupportingQueries []string `json:"supporting_queries"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChartID returns the linked chart id from metadata, if any.
func (i *Insight) ChartID() string {
	if i.Metadata == nil {
		return ""
	}
	id, _ := i.Metadata["chart_id"].(string)
	return id
}

// Section groups insights with optional prose.
type Section struct {
	SectionID     string         `json:"section_id"`
	Title         string         `json:"title"`
	Order         *int           `json:"order,omitempty"` // nil sorts last, stable
	InsightIDs    []string       `json:"insight_ids"`
	Notes         string         `json:"notes,omitempty"`
	Content       string         `json:"content,omitempty"`
	ContentFormat string         `json:"content_format,omitempty"` // markdown, text, html
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Chart is stored chart metadata; the image itself lives under assets/.
type Chart struct {
	ChartID          string    `json:"chart_id"`
	Path             string    `json:"path"` // absolute
	Format           string    `json:"format"`
	SizeBytes        int64     `json:"size_bytes"`
	CreatedAt        time.Time `json:"created_at"`
	LinkedInsightIDs []string  `json:"linked_insight_ids,omitempty"`
	Source           string    `json:"source,omitempty"`
	Description      string    `json:"description,omitempty"`
}

// OutlineMetadata carries template selection and free-form tags.
type OutlineMetadata struct {
	Template                   string         `json:"template"`
	ExecutiveSummaryInsightIDs []string       `json:"executive_summary_insight_ids,omitempty"`
	Tags                       map[string]any `json:"tags,omitempty"`
}

// Outline is the machine-truth layer of a report. Version advances by
// exactly one per accepted mutation.
type Outline struct {
	ReportID  string           `json:"report_id"`
	Title     string           `json:"title"`
	Status    string           `json:"status"`
	Version   int              `json:"version"`
	Sections  []Section        `json:"sections"`
	Insights  []Insight        `json:"insights"`
	Metadata  OutlineMetadata  `json:"metadata"`
	Charts    map[string]Chart `json:"charts,omitempty"`
	Tags      []string         `json:"tags,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewOutline builds the version-1 outline for a fresh report.
func NewOutline(reportID, title, template string, tags []string) *Outline {
	now := time.Now().UTC()
	if template == "" {
		template = TemplateDefault
	}
	return &Outline{
		ReportID:  reportID,
		Title:     title,
		Status:    StatusActive,
		Version:   1,
		Sections:  []Section{},
		Insights:  []Insight{},
		Metadata:  OutlineMetadata{Template: template},
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Section returns the section with the given id, or nil.
func (o *Outline) Section(id string) *Section {
	for i := range o.Sections {
		if o.Sections[i].SectionID == id {
			return &o.Sections[i]
		}
	}
	return nil
}

// Insight returns the insight with the given id, or nil.
func (o *Outline) Insight(id string) *Insight {
	for i := range o.Insights {
		if o.Insights[i].InsightID == id {
			return &o.Insights[i]
		}
	}
	return nil
}

// OrderedSections returns sections sorted for display: explicit orders
// first, then the rest stable by insertion.
func (o *Outline) OrderedSections() []Section {
	out := make([]Section, len(o.Sections))
	copy(out, o.Sections)
	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := out[i].Order, out[j].Order
		switch {
		case oi != nil && oj != nil:
			return *oi < *oj
		case oi != nil:
			return true
		default:
			return false
		}
	})
	return out
}

// Clone deep-copies the outline through its JSON form.
func (o *Outline) Clone() *Outline {
	data, err := json.Marshal(o)
	if err != nil {
		panic(fmt.Sprintf("outline not serializable: %v", err))
	}
	var c Outline
	if err := json.Unmarshal(data, &c); err != nil {
		panic(fmt.Sprintf("outline clone failed: %v", err))
	}
	return &c
}

// SHA256 hashes the canonical JSON form of the outline.
func (o *Outline) SHA256() string {
	data, err := json.Marshal(o)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CheckInvariants verifies the structural invariants; it returns every
// violation found rather than the first.
func (o *Outline) CheckInvariants() []string {
	var problems []string

	insightIDs := map[string]int{}
	for _, in := range o.Insights {
		insightIDs[in.InsightID]++
		if in.InsightID == "" {
			problems = append(problems, "insight with empty insight_id")
		}
		if strings.TrimSpace(in.Summary) == "" {
			problems = append(problems, fmt.Sprintf("insight %s has empty summary", in.InsightID))
		}
		if in.Importance < 0 || in.Importance > 10 {
			problems = append(problems, fmt.Sprintf("insight %s importance %d outside [0,10]", in.InsightID, in.Importance))
		}
		for _, c := range in.Citations {
			if !ValidSource(c.Source) {
				problems = append(problems, fmt.Sprintf("insight %s has citation with invalid source %q", in.InsightID, c.Source))
			}
		}
		if TemplateRequiresCitations(o.Metadata.Template) && len(in.Citations) == 0 {
			problems = append(problems, fmt.Sprintf("insight %s has no citations (required by template %s)", in.InsightID, o.Metadata.Template))
		}
	}
	for id, n := range insightIDs {
		if n > 1 {
			problems = append(problems, fmt.Sprintf("duplicate insight_id %s", id))
		}
	}

	sectionIDs := map[string]int{}
	for _, s := range o.Sections {
		sectionIDs[s.SectionID]++
		for _, id := range s.InsightIDs {
			if _, ok := insightIDs[id]; !ok {
				problems = append(problems, fmt.Sprintf("section %s references missing insight %s", s.SectionID, id))
			}
		}
	}
	for id, n := range sectionIDs {
		if n > 1 {
			problems = append(problems, fmt.Sprintf("duplicate section_id %s", id))
		}
	}

	switch o.Status {
	case StatusActive, StatusArchived, StatusDeleted:
	default:
		problems = append(problems, fmt.Sprintf("invalid report status %q", o.Status))
	}
	return problems
}

// SyncCitations reconciles the legacy supporting_queries field with
// query-sourced citations on every insight, in both directions.
func (o *Outline) SyncCitations() {
	for i := range o.Insights {
		SyncInsightCitations(&o.Insights[i])
	}
}

// SyncInsightCitations makes supporting_queries and query citations agree:
// every query citation's execution_id appears in supporting_queries, and
// every supporting query without a citation gets a minimal one.
func SyncInsightCitations(in *Insight) {
	haveQuery := map[string]bool{}
	for _, c := range in.Citations {
		if c.Source == SourceQuery && c.ExecutionID != "" {
			haveQuery[c.ExecutionID] = true
		}
	}
	haveLegacy := map[string]bool{}
	for _, id := range in.SupportingQueries {
		haveLegacy[id] = true
	}

	for id := range haveQuery {
		if !haveLegacy[id] {
			in.SupportingQueries = append(in.SupportingQueries, id)
		}
	}
	for _, id := range in.SupportingQueries {
		if !haveQuery[id] {
			in.Citations = append(in.Citations, Citation{
				Source:      SourceQuery,
				ExecutionID: id,
			})
		}
	}
	if in.SupportingQueries == nil {
		in.SupportingQueries = []string{}
	}
	sort.Strings(in.SupportingQueries)
}
