package report

import (
	"fmt"
	"sort"
	"strings"
)

// Retrieval modes.
const (
	ModeSummary  = "summary"
	ModeSections = "sections"
	ModeInsights = "insights"
	ModeFull     = "full"
)

// GetRequest is a selective-retrieval query over one report.
type GetRequest struct {
	Selector string
	Mode     string

	// Section filters (mode=sections): explicit ids win over title match.
	SectionIDs    []string
	SectionTitles []string // case-insensitive substring

	// Insight filters (mode=insights).
	InsightIDs    []string
	MinImportance int

	Limit  int // default 50
	Offset int

	IncludeAudit   int  // last N audit events; 0 = none
	IncludeContent bool // include section prose
}

// SectionView is a hydrated section for responses.
type SectionView struct {
	Section
	Insights []Insight `json:"insights,omitempty"`
}

// Summary is the mode=summary payload.
type Summary struct {
	ReportID      string   `json:"report_id"`
	Title         string   `json:"title"`
	Status        string   `json:"status"`
	Version       int      `json:"outline_version"`
	Template      string   `json:"template"`
	SectionCount  int      `json:"section_count"`
	InsightCount  int      `json:"insight_count"`
	ChartCount    int      `json:"chart_count"`
	SectionTitles []string `json:"section_titles"`
	TopInsights   []string `json:"top_insights"` // highest-importance summaries
}

// GetResult is the selective-retrieval response body.
type GetResult struct {
	ReportID     string        `json:"report_id"`
	Version      int           `json:"outline_version"`
	Mode         string        `json:"mode"`
	Summary      *Summary      `json:"summary,omitempty"`
	Sections     []SectionView `json:"sections,omitempty"`
	Insights     []Insight     `json:"insights,omitempty"`
	Outline      *Outline      `json:"outline,omitempty"`
	TotalMatched int           `json:"total_matched"`
	Returned     int           `json:"returned"`
	Audit        []AuditEvent  `json:"audit,omitempty"`
}

// Get resolves the selector and returns the requested slice of the
// report. total_matched always reflects the pre-pagination count.
func Get(storage *Storage, index *Index, req GetRequest) (*GetResult, error) {
	entry, err := index.Resolve(req.Selector)
	if err != nil {
		return nil, err
	}
	o, err := storage.Load(entry.ReportID)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	res := &GetResult{ReportID: o.ReportID, Version: o.Version, Mode: req.Mode}

	switch req.Mode {
	case ModeSummary, "":
		res.Mode = ModeSummary
		res.Summary = summarize(o)
		res.TotalMatched = 1
		res.Returned = 1

	case ModeSections:
		matched := filterSections(o, req)
		res.TotalMatched = len(matched)
		page := paginate(matched, offset, limit)
		for _, sec := range page {
			view := SectionView{Section: sec}
			if !req.IncludeContent {
				view.Content = ""
				view.Notes = ""
			}
			for _, id := range sec.InsightIDs {
				if in := o.Insight(id); in != nil {
					view.Insights = append(view.Insights, *in)
				}
			}
			res.Sections = append(res.Sections, view)
		}
		res.Returned = len(res.Sections)

	case ModeInsights:
		matched := filterInsights(o, req)
		res.TotalMatched = len(matched)
		res.Insights = paginate(matched, offset, limit)
		res.Returned = len(res.Insights)

	case ModeFull:
		res.Outline = o.Clone()
		res.TotalMatched = 1
		res.Returned = 1

	default:
		return nil, fmt.Errorf("invalid mode %q (valid: summary, sections, insights, full)", req.Mode)
	}

	if req.IncludeAudit > 0 {
		audit, err := storage.Audit(o.ReportID, req.IncludeAudit)
		if err != nil {
			return nil, err
		}
		res.Audit = audit
	}
	return res, nil
}

func summarize(o *Outline) *Summary {
	sum := &Summary{
		ReportID:     o.ReportID,
		Title:        o.Title,
		Status:       o.Status,
		Version:      o.Version,
		Template:     o.Metadata.Template,
		SectionCount: len(o.Sections),
		InsightCount: len(o.Insights),
		ChartCount:   len(o.Charts),
	}
	for _, s := range o.OrderedSections() {
		sum.SectionTitles = append(sum.SectionTitles, s.Title)
	}

	top := make([]Insight, len(o.Insights))
	copy(top, o.Insights)
	sort.SliceStable(top, func(i, j int) bool { return top[i].Importance > top[j].Importance })
	for i, in := range top {
		if i == 5 {
			break
		}
		sum.TopInsights = append(sum.TopInsights, in.Summary)
	}
	return sum
}

// filterSections applies id or fuzzy-title filters, preserving display
// order; title ties break by order then title.
func filterSections(o *Outline, req GetRequest) []Section {
	ordered := o.OrderedSections()
	if len(req.SectionIDs) > 0 {
		want := map[string]bool{}
		for _, id := range req.SectionIDs {
			want[id] = true
		}
		var out []Section
		for _, s := range ordered {
			if want[s.SectionID] {
				out = append(out, s)
			}
		}
		return out
	}
	if len(req.SectionTitles) > 0 {
		var out []Section
		for _, s := range ordered {
			title := strings.ToLower(s.Title)
			for _, needle := range req.SectionTitles {
				if strings.Contains(title, strings.ToLower(needle)) {
					out = append(out, s)
					break
				}
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			oi, oj := out[i].Order, out[j].Order
			if oi != nil && oj != nil && *oi != *oj {
				return *oi < *oj
			}
			if (oi != nil) != (oj != nil) {
				return oi != nil
			}
			return out[i].Title < out[j].Title
		})
		return out
	}
	return ordered
}

func filterInsights(o *Outline, req GetRequest) []Insight {
	want := map[string]bool{}
	for _, id := range req.InsightIDs {
		want[id] = true
	}
	fromSections := map[string]bool{}
	for _, sid := range req.SectionIDs {
		if sec := o.Section(sid); sec != nil {
			for _, id := range sec.InsightIDs {
				fromSections[id] = true
			}
		}
	}

	var out []Insight
	for _, in := range o.Insights {
		if len(want) > 0 && !want[in.InsightID] {
			continue
		}
		if len(req.SectionIDs) > 0 && !fromSections[in.InsightID] {
			continue
		}
		if in.Importance < req.MinImportance {
			continue
		}
		out = append(out, in)
	}
	return out
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
