package report

import (
	"sort"
	"strings"
)

// CitationFilter selects citations across all reports.
type CitationFilter struct {
	SourceType          string
	Provider            string
	URLContains         string
	DescriptionContains string
	ExecutionID         string

	GroupBy string // "", "source", "provider"
	Limit   int    // default 50; 0 with an explicit group/filter still counts
	Offset  int
}

// CitationMatch joins a citation with its insight and report.
type CitationMatch struct {
	Citation    Citation `json:"citation"`
	InsightID   string   `json:"insight_id"`
	InsightText string   `json:"insight_summary"`
	ReportID    string   `json:"report_id"`
	ReportTitle string   `json:"report_title"`
}

// CitationSearchResult is the search_citations payload.
type CitationSearchResult struct {
	MatchesFound int                        `json:"matches_found"`
	Returned     int                        `json:"returned"`
	Citations    []CitationMatch            `json:"citations"`
	Grouped      map[string][]CitationMatch `json:"grouped_results,omitempty"`
}

// SearchCitations scans every non-deleted report's outline. limit=0 is a
// count-only query: matches_found is populated, returned is zero.
func SearchCitations(storage *Storage, index *Index, f CitationFilter) (*CitationSearchResult, error) {
	entries, err := index.Entries()
	if err != nil {
		return nil, err
	}

	var matches []CitationMatch
	for _, e := range entries {
		if e.Status == StatusDeleted {
			continue
		}
		o, err := storage.Load(e.ReportID)
		if err != nil {
			continue
		}
		for _, in := range o.Insights {
			for _, c := range in.Citations {
				if !matchCitation(c, f) {
					continue
				}
				matches = append(matches, CitationMatch{
					Citation:    c,
					InsightID:   in.InsightID,
					InsightText: in.Summary,
					ReportID:    o.ReportID,
					ReportTitle: o.Title,
				})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].ReportID != matches[j].ReportID {
			return matches[i].ReportID < matches[j].ReportID
		}
		return matches[i].InsightID < matches[j].InsightID
	})

	res := &CitationSearchResult{MatchesFound: len(matches)}

	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	page := paginate(matches, offset, normalizeLimit(f.Limit))
	res.Returned = len(page)
	res.Citations = page
	if res.Citations == nil {
		res.Citations = []CitationMatch{}
	}

	if f.GroupBy != "" {
		res.Grouped = map[string][]CitationMatch{}
		for _, m := range page {
			key := m.Citation.Source
			if f.GroupBy == "provider" {
				key = m.Citation.Provider
				if key == "" {
					key = "(none)"
				}
			}
			res.Grouped[key] = append(res.Grouped[key], m)
		}
	}
	return res, nil
}

// normalizeLimit maps the default to 50 but honors an explicit zero, which
// callers use for count-only queries.
func normalizeLimit(limit int) int {
	if limit < 0 {
		return 50
	}
	return limit
}

func matchCitation(c Citation, f CitationFilter) bool {
	if f.SourceType != "" && c.Source != f.SourceType {
		return false
	}
	if f.Provider != "" && !strings.EqualFold(c.Provider, f.Provider) {
		return false
	}
	if f.URLContains != "" && !strings.Contains(strings.ToLower(c.URL), strings.ToLower(f.URLContains)) {
		return false
	}
	if f.DescriptionContains != "" &&
		!strings.Contains(strings.ToLower(c.Description), strings.ToLower(f.DescriptionContains)) {
		return false
	}
	if f.ExecutionID != "" && c.ExecutionID != f.ExecutionID {
		return false
	}
	return true
}
