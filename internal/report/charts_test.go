package report

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeImage(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0x89}, size), 0o644))
	return path
}

func chartFixture(t *testing.T) (*Storage, string, string) {
	t.Helper()
	s := NewStorage(t.TempDir(), StorageOptions{LockTimeout: 2 * time.Second}, zap.NewNop())
	o := NewOutline(NewReportID(), "Charts", TemplateDefault, nil)
	require.NoError(t, s.Create(context.Background(), o, ActorAgent, ""))

	insightID := uuid.NewString()
	_, err := s.Update(context.Background(), o.ReportID, Mutation{
		Actor:      ActorAgent,
		ActionType: ActionEvolve,
		Apply: func(out *Outline) error {
			out.Insights = append(out.Insights, Insight{
				InsightID: insightID, Summary: "volume trend", Status: InsightActive,
			})
			out.Version++
			return nil
		},
	})
	require.NoError(t, err)
	return s, o.ReportID, insightID
}

func TestAttachChartLinksInsight(t *testing.T) {
	s, reportID, insightID := chartFixture(t)
	src := writeImage(t, t.TempDir(), "trend.png", 2048)

	res, err := s.AttachChart(context.Background(), reportID, AttachChartRequest{
		SourcePath:       src,
		LinkedInsightIDs: []string{insightID},
		Description:      "volume trend",
		Actor:            ActorAgent,
	}, 50)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.FileExists(t, res.Path)
	assert.True(t, filepath.IsAbs(res.Path))

	o, err := s.Load(reportID)
	require.NoError(t, err)
	chart, ok := o.Charts[res.ChartID]
	require.True(t, ok)
	assert.Equal(t, "png", chart.Format)
	assert.Equal(t, int64(2048), chart.SizeBytes)
	assert.Equal(t, res.ChartID, o.Insight(insightID).ChartID())
}

func TestAttachChartRejectsUnsupportedFormat(t *testing.T) {
	s, reportID, _ := chartFixture(t)
	src := writeImage(t, t.TempDir(), "data.bmp", 100)

	_, err := s.AttachChart(context.Background(), reportID, AttachChartRequest{SourcePath: src}, 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported chart format")
}

func TestAttachChartHardLimit(t *testing.T) {
	s, reportID, _ := chartFixture(t)
	src := writeImage(t, t.TempDir(), "big.png", 1024*1024+1)

	_, err := s.AttachChart(context.Background(), reportID, AttachChartRequest{SourcePath: src}, 1)
	var tooBig *ChartTooLargeError
	require.ErrorAs(t, err, &tooBig)
	assert.Equal(t, 1, tooBig.LimitMB)
}

func TestAttachChartSoftWarning(t *testing.T) {
	s, reportID, _ := chartFixture(t)
	src := writeImage(t, t.TempDir(), "wide.png", chartSoftWarnMB*1024*1024+1)

	res, err := s.AttachChart(context.Background(), reportID, AttachChartRequest{SourcePath: src}, 50)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "soft threshold")
}

func TestAttachChartUnknownInsightRollsBack(t *testing.T) {
	s, reportID, _ := chartFixture(t)
	src := writeImage(t, t.TempDir(), "trend.png", 100)

	_, err := s.AttachChart(context.Background(), reportID, AttachChartRequest{
		SourcePath:       src,
		LinkedInsightIDs: []string{"not-real"},
	}, 50)
	require.Error(t, err)

	// Neither the outline nor the assets directory kept anything.
	o, err := s.Load(reportID)
	require.NoError(t, err)
	assert.Empty(t, o.Charts)
	entries, _ := os.ReadDir(s.AssetsDir(reportID))
	assert.Empty(t, entries)
}
