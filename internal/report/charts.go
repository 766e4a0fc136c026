package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// chartFormats is the accepted image format set.
var chartFormats = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "svg": true, "gif": true, "webp": true,
}

// Soft chart-size warning thresholds.
const (
	chartSoftWarnMB   = 5
	chartSoftWarn2MB  = 10
	defaultChartMaxMB = 50
)

// AttachChartRequest adds one chart image to a report.
type AttachChartRequest struct {
	Selector         string
	SourcePath       string // image to copy into assets/
	Format           string // inferred from the extension when empty
	LinkedInsightIDs []string
	Source           string
	Description      string
	Actor            string
	RequestID        string
}

// AttachChartResult reports the stored chart plus any size warnings.
type AttachChartResult struct {
	ChartID  string   `json:"chart_id"`
	Path     string   `json:"path"`
	Version  int      `json:"outline_version"`
	Warnings []string `json:"warnings,omitempty"`
}

// AttachChart validates and copies a chart into the report's assets
// directory and records it in the outline. Files over the hard limit are
// rejected with ChartTooLargeError; 5 and 10 MB cross soft thresholds
// that only warn.
func (s *Storage) AttachChart(ctx context.Context, reportID string, req AttachChartRequest, maxMB int) (*AttachChartResult, error) {
	if maxMB <= 0 {
		maxMB = defaultChartMaxMB
	}

	format := strings.ToLower(strings.TrimPrefix(req.Format, "."))
	if format == "" {
		format = strings.ToLower(strings.TrimPrefix(filepath.Ext(req.SourcePath), "."))
	}
	if !chartFormats[format] {
		return nil, fmt.Errorf("unsupported chart format %q (valid: png, jpg, jpeg, svg, gif, webp)", format)
	}

	info, err := os.Stat(req.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("chart source unreadable: %w", err)
	}
	if info.Size() > int64(maxMB)*1024*1024 {
		return nil, &ChartTooLargeError{Path: req.SourcePath, SizeBytes: info.Size(), LimitMB: maxMB}
	}

	var warnings []string
	for _, mb := range []int{chartSoftWarn2MB, chartSoftWarnMB} {
		if info.Size() > int64(mb)*1024*1024 {
			warnings = append(warnings,
				fmt.Sprintf("chart is %.1f MB (over the %d MB soft threshold); consider downsampling",
					float64(info.Size())/(1024*1024), mb))
			break
		}
	}

	chartID := "chart_" + uuid.NewString()
	destPath, err := filepath.Abs(filepath.Join(s.AssetsDir(reportID), chartID+"."+format))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.AssetsDir(reportID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare assets directory: %w", err)
	}
	if err := copyFile(req.SourcePath, destPath); err != nil {
		return nil, fmt.Errorf("failed to copy chart: %w", err)
	}

	chart := Chart{
		ChartID:          chartID,
		Path:             destPath,
		Format:           format,
		SizeBytes:        info.Size(),
		CreatedAt:        time.Now().UTC(),
		LinkedInsightIDs: req.LinkedInsightIDs,
		Source:           req.Source,
		Description:      req.Description,
	}

	updated, err := s.Update(ctx, reportID, Mutation{
		Actor:      req.Actor,
		ActionType: ActionChartAttached,
		RequestID:  req.RequestID,
		Payload:    map[string]any{"chart_id": chartID, "size_bytes": info.Size()},
		Apply: func(o *Outline) error {
			for _, id := range req.LinkedInsightIDs {
				in := o.Insight(id)
				if in == nil {
					return fmt.Errorf("linked insight %s does not exist", id)
				}
				if in.Metadata == nil {
					in.Metadata = map[string]any{}
				}
				in.Metadata["chart_id"] = chartID
			}
			if o.Charts == nil {
				o.Charts = map[string]Chart{}
			}
			o.Charts[chartID] = chart
			o.Version++
			return nil
		},
	})
	if err != nil {
		os.Remove(destPath)
		return nil, err
	}
	return &AttachChartResult{
		ChartID:  chartID,
		Path:     destPath,
		Version:  updated.Version,
		Warnings: warnings,
	}, nil
}
