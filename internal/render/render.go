// Package render turns report outlines into presentation artifacts.
// Markdown is the native form; HTML wraps it, and html_standalone embeds
// charts as data URIs so the file travels alone.
package render

import (
	"encoding/base64"
	"fmt"
	"html"
	"os"
	"sort"
	"strings"

	"igloomcp/internal/report"
)

// Output formats.
const (
	FormatMarkdown       = "md"
	FormatHTML           = "html"
	FormatHTMLStandalone = "html_standalone"
	FormatPDF            = "pdf"
	FormatDocx           = "docx"
)

// UnsupportedFormatError names formats the renderer cannot produce
// directly.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("format %q requires an external converter; render md and convert with pandoc or quarto", e.Format)
}

// Request configures one render.
type Request struct {
	Format          string // default md
	IncludePreview  bool
	PreviewMaxChars int // clamped by the caller
}

// Result carries the rendered artifact.
type Result struct {
	Format   string `json:"format"`
	Content  string `json:"content"`
	Preview  string `json:"preview,omitempty"`
	Markers  int    `json:"citation_markers"`
	Template string `json:"template"`
}

// Render produces the artifact for an outline per its template.
func Render(o *report.Outline, req Request) (*Result, error) {
	format := req.Format
	if format == "" {
		format = FormatMarkdown
	}

	var md string
	var markers int
	switch o.Metadata.Template {
	case report.TemplateAnalyst:
		md, markers = renderAnalyst(o)
	default:
		md, markers = renderDefault(o)
	}

	res := &Result{Format: format, Markers: markers, Template: o.Metadata.Template}
	switch format {
	case FormatMarkdown:
		res.Content = md
	case FormatHTML:
		res.Content = wrapHTML(o.Title, md, nil)
	case FormatHTMLStandalone:
		res.Content = wrapHTML(o.Title, md, o.Charts)
	case FormatPDF, FormatDocx:
		return nil, &UnsupportedFormatError{Format: format}
	default:
		return nil, fmt.Errorf("invalid format %q (valid: md, html, html_standalone, pdf, docx)", format)
	}

	if req.IncludePreview {
		res.Preview = truncate(md, req.PreviewMaxChars)
	}
	return res, nil
}

// renderDefault lays sections out in their explicit order with insights
// as bullets.
func renderDefault(o *report.Outline) (string, int) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", o.Title)

	for _, sec := range o.OrderedSections() {
		fmt.Fprintf(&b, "## %s\n\n", sec.Title)
		if sec.Content != "" {
			b.WriteString(sec.Content)
			b.WriteString("\n\n")
		}
		for _, id := range sec.InsightIDs {
			in := o.Insight(id)
			if in == nil || in.Status == report.InsightKilled {
				continue
			}
			fmt.Fprintf(&b, "- %s\n", in.Summary)
		}
		b.WriteString("\n")
	}
	return b.String(), 0
}

// analystOrder is the fixed section sequence for analyst_v1 reports.
var analystOrder = []string{
	"Executive Summary",
	"Network Activity",
	"DEX Trading",
	"Objects",
	"Events",
}

// renderAnalyst renders the fixed-order analyst template with stable [N]
// citation markers and a query-reference appendix.
func renderAnalyst(o *report.Outline) (string, int) {
	markers := newMarkerTable()

	// Marker numbers are assigned by first appearance in display order so
	// a re-render of the same outline yields identical numbering.
	sections := analystSections(o)
	for _, sec := range sections {
		for _, id := range sec.InsightIDs {
			if in := o.Insight(id); in != nil {
				markers.observe(in)
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", o.Title)

	if len(o.Metadata.ExecutiveSummaryInsightIDs) > 0 {
		b.WriteString("## Executive Summary\n\n")
		for _, id := range o.Metadata.ExecutiveSummaryInsightIDs {
			if in := o.Insight(id); in != nil {
				fmt.Fprintf(&b, "%s%s\n\n", in.Summary, markers.suffix(in))
			}
		}
	}

	for _, sec := range sections {
		if strings.EqualFold(sec.Title, "Executive Summary") {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", sec.Title)
		if sec.Content != "" {
			b.WriteString(sec.Content)
			b.WriteString("\n\n")
		}
		for _, id := range sec.InsightIDs {
			in := o.Insight(id)
			if in == nil || in.Status == report.InsightKilled {
				continue
			}
			fmt.Fprintf(&b, "%s%s\n\n", in.Summary, markers.suffix(in))
		}
	}

	b.WriteString("## Appendix: Query References\n\n")
	writeAppendix(&b, o, markers)
	return b.String(), markers.count()
}

// analystSections orders sections by the fixed template sequence; extra
// sections follow in their own order.
func analystSections(o *report.Outline) []report.Section {
	rank := map[string]int{}
	for i, title := range analystOrder {
		rank[strings.ToLower(title)] = i
	}
	out := o.OrderedSections()
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[strings.ToLower(out[i].Title)]
		rj, jok := rank[strings.ToLower(out[j].Title)]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		case jok:
			return false
		default:
			return false
		}
	})
	return out
}

// markerTable assigns stable [N] numbers keyed by execution_id (falling
// back to the citation's identity for non-query sources).
type markerTable struct {
	byKey map[string]int
	keys  []string
	cites map[string]report.Citation
}

func newMarkerTable() *markerTable {
	return &markerTable{byKey: map[string]int{}, cites: map[string]report.Citation{}}
}

func citationKey(c report.Citation) string {
	if c.Source == report.SourceQuery && c.ExecutionID != "" {
		return "query:" + c.ExecutionID
	}
	return c.Source + ":" + c.URL + c.Endpoint + c.Path + c.Description
}

func (m *markerTable) observe(in *report.Insight) {
	for _, c := range in.Citations {
		key := citationKey(c)
		if _, ok := m.byKey[key]; !ok {
			m.byKey[key] = len(m.keys) + 1
			m.keys = append(m.keys, key)
			m.cites[key] = c
		}
	}
}

func (m *markerTable) suffix(in *report.Insight) string {
	var nums []int
	for _, c := range in.Citations {
		if n, ok := m.byKey[citationKey(c)]; ok {
			nums = append(nums, n)
		}
	}
	if len(nums) == 0 {
		return ""
	}
	sort.Ints(nums)
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = fmt.Sprintf("[%d]", n)
	}
	return " " + strings.Join(parts, "")
}

func (m *markerTable) count() int { return len(m.keys) }

// writeAppendix lists every cited reference grouped by source kind, in
// marker order within each group.
func writeAppendix(b *strings.Builder, o *report.Outline, m *markerTable) {
	groups := map[string][]string{}
	for _, key := range m.keys {
		c := m.cites[key]
		n := m.byKey[key]
		groups[c.Source] = append(groups[c.Source], fmt.Sprintf("[%d] %s", n, describeCitation(c)))
	}

	for _, source := range []string{
		report.SourceQuery, report.SourceAPI, report.SourceURL,
		report.SourceObservation, report.SourceDocument,
	} {
		lines := groups[source]
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(b, "### %s\n\n", strings.ToUpper(source[:1])+source[1:])
		for _, line := range lines {
			fmt.Fprintf(b, "- %s\n", line)
		}
		b.WriteString("\n")
	}
	if m.count() == 0 {
		b.WriteString("_No citations recorded._\n")
	}
}

func describeCitation(c report.Citation) string {
	switch c.Source {
	case report.SourceQuery:
		parts := []string{}
		if c.ExecutionID != "" {
			parts = append(parts, "execution "+c.ExecutionID)
		}
		if c.QueryID != "" {
			parts = append(parts, "query "+c.QueryID)
		}
		if c.SQLSHA256 != "" {
			parts = append(parts, "sql sha "+short(c.SQLSHA256))
		}
		if len(parts) == 0 {
			parts = append(parts, "warehouse query")
		}
		return strings.Join(parts, ", ")
	case report.SourceAPI:
		return c.Provider + " " + c.Endpoint
	case report.SourceURL:
		if c.Title != "" {
			return fmt.Sprintf("%s (%s)", c.Title, c.URL)
		}
		return c.URL
	case report.SourceDocument:
		if c.Page > 0 {
			return fmt.Sprintf("%s, p.%d", c.Path, c.Page)
		}
		return c.Path
	default:
		return c.Description
	}
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// wrapHTML produces a minimal HTML document. With charts, each image is
// inlined as a base64 data URI.
func wrapHTML(title, md string, charts map[string]report.Chart) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n</head>\n<body>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "<pre class=\"report-markdown\">\n%s</pre>\n", html.EscapeString(md))

	if len(charts) > 0 {
		ids := make([]string, 0, len(charts))
		for id := range charts {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		b.WriteString("<section class=\"charts\">\n")
		for _, id := range ids {
			c := charts[id]
			data, err := os.ReadFile(c.Path)
			if err != nil {
				fmt.Fprintf(&b, "<!-- chart %s unreadable -->\n", html.EscapeString(id))
				continue
			}
			mime := "image/" + c.Format
			if c.Format == "svg" {
				mime = "image/svg+xml"
			}
			fmt.Fprintf(&b, "<figure><img src=\"data:%s;base64,%s\" alt=%q>", mime,
				base64.StdEncoding.EncodeToString(data), c.Description)
			if c.Description != "" {
				fmt.Fprintf(&b, "<figcaption>%s</figcaption>", html.EscapeString(c.Description))
			}
			b.WriteString("</figure>\n")
		}
		b.WriteString("</section>\n")
	}
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

// truncate cuts the preview at max characters on a rune boundary.
func truncate(s string, max int) string {
	if max <= 0 {
		max = 2000
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "\n…(truncated)"
}
