package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"igloomcp/internal/config"
	"igloomcp/internal/report"
	"igloomcp/internal/warehouse"
)

type stubClient struct {
	pingErr error
	pings   int
}

func (c *stubClient) Submit(context.Context, string, warehouse.SessionContext, string) (warehouse.Handle, error) {
	return nil, errors.New("not implemented")
}
func (c *stubClient) Cancel(context.Context, string) error { return nil }
func (c *stubClient) Ping(context.Context) error {
	c.pings++
	return c.pingErr
}
func (c *stubClient) Close() error { return nil }

func newTestMonitor(t *testing.T, client *stubClient) (*Monitor, *report.Storage) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{Profile: "default"}
	storage := report.NewStorage(dir, report.StorageOptions{}, zap.NewNop())
	return NewMonitor(cfg, client, storage, dir, zap.NewNop()), storage
}

func checkFor(t *testing.T, rep *Report, component string) Check {
	t.Helper()
	for _, c := range rep.Checks {
		if c.Component == component {
			return c
		}
	}
	t.Fatalf("no %s check in %+v", component, rep.Checks)
	return Check{}
}

func TestCheckHealthyDegradedOnEmptyCatalog(t *testing.T) {
	m, _ := newTestMonitor(t, &stubClient{})
	rep, err := m.Check(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, StatusOK, checkFor(t, rep, "profile").Status)
	assert.Equal(t, StatusOK, checkFor(t, rep, "connectivity").Status)
	assert.Equal(t, StatusDegraded, checkFor(t, rep, "catalog").Status)
	assert.Equal(t, StatusDegraded, rep.Status, "missing catalog degrades the aggregate")
}

func TestCheckConnectivityFailureFailsAggregate(t *testing.T) {
	m, _ := newTestMonitor(t, &stubClient{pingErr: errors.New("network unreachable")})
	rep, err := m.Check(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, checkFor(t, rep, "connectivity").Status)
	assert.Equal(t, StatusFailed, rep.Status)
}

func TestCheckMissingProfile(t *testing.T) {
	m := NewMonitor(&config.Config{}, &stubClient{}, nil, t.TempDir(), zap.NewNop())
	rep, err := m.Check(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, checkFor(t, rep, "profile").Status)
	assert.Equal(t, StatusUnknown, checkFor(t, rep, "reports").Status)
}

func TestCheckCachesWithinTTL(t *testing.T) {
	client := &stubClient{}
	m, _ := newTestMonitor(t, client)

	first, err := m.Check(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := m.Check(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, client.pings)

	forced, err := m.Check(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, forced.Cached)
	assert.Equal(t, 2, client.pings)
}

func TestCheckExpiredCacheRefreshes(t *testing.T) {
	client := &stubClient{}
	m, _ := newTestMonitor(t, client)
	m.ttl = time.Millisecond

	_, err := m.Check(context.Background(), false)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	rep, err := m.Check(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, rep.Cached)
	assert.Equal(t, 2, client.pings)
}

func TestCheckReportsCountsStored(t *testing.T) {
	m, storage := newTestMonitor(t, &stubClient{})
	o := report.NewOutline(report.NewReportID(), "Weekly", report.TemplateDefault, nil)
	require.NoError(t, storage.Create(context.Background(), o, report.ActorAgent, ""))

	rep, err := m.Check(context.Background(), false)
	require.NoError(t, err)
	c := checkFor(t, rep, "reports")
	assert.Equal(t, StatusOK, c.Status)
	assert.Contains(t, c.Detail, "1 reports stored")
}

func TestWithoutDropsComponentsAndRecomputesAggregate(t *testing.T) {
	rep := &Report{
		Status: StatusDegraded,
		Checks: []Check{
			{Component: "profile", Status: StatusOK},
			{Component: "connectivity", Status: StatusOK},
			{Component: "catalog", Status: StatusDegraded},
		},
	}

	filtered := rep.Without("catalog")
	assert.Equal(t, StatusOK, filtered.Status)
	assert.Len(t, filtered.Checks, 2)

	// Original stays intact.
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.Len(t, rep.Checks, 3)
}
