package query

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"igloomcp/internal/artifacts"
	"igloomcp/internal/cache"
	"igloomcp/internal/config"
	"igloomcp/internal/history"
	"igloomcp/internal/sqlguard"
	"igloomcp/internal/warehouse"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Background goroutines started by gosnowflake's package init, not
		// by the code under test.
		goleak.IgnoreTopFunction("github.com/snowflakedb/gosnowflake.initOCSPCacheClearer.func1"),
		goleak.IgnoreAnyFunction("github.com/godbus/dbus.(*Conn).inWorker"),
		goleak.IgnoreAnyFunction("github.com/godbus/dbus.(*Conn).outWorker"),
		goleak.IgnoreAnyFunction("github.com/godbus/dbus.(*oobReader).Read"),
	)
}

// fakeHandle completes after delay with the configured outcome.
type fakeHandle struct {
	queryID string
	delay   time.Duration
	result  *warehouse.Result
	err     error
}

func (h *fakeHandle) QueryID() string { return h.queryID }

func (h *fakeHandle) Wait(ctx context.Context) (*warehouse.Result, error) {
	timer := time.NewTimer(h.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return h.result, h.err
	}
}

// fakeClient hands out fakeHandles and records cancellations.
type fakeClient struct {
	mu        sync.Mutex
	handle    *fakeHandle
	submits   int
	cancelled []string
	submitErr error
}

func (c *fakeClient) Submit(ctx context.Context, statement string, session warehouse.SessionContext, tag string) (warehouse.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	return c.handle, nil
}

func (c *fakeClient) Cancel(ctx context.Context, queryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, queryID)
	return nil
}

func (c *fakeClient) Ping(ctx context.Context) error { return nil }
func (c *fakeClient) Close() error                   { return nil }

func (c *fakeClient) cancelledIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

type testRig struct {
	svc    *Service
	client *fakeClient
	hist   *history.Log
	store  *artifacts.Store
}

func newRig(t *testing.T, mutate func(*config.Config)) *testRig {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Query.InlineBudgetSeconds = 2
	cfg.Query.SafetyMarginSeconds = 1
	if mutate != nil {
		mutate(cfg)
	}

	client := &fakeClient{handle: &fakeHandle{
		queryID: "q-1",
		result:  &warehouse.Result{QueryID: "q-1", Columns: []string{"n"}, Rows: [][]string{{"1"}}},
	}}
	store := artifacts.NewStore(filepath.Join(dir, "artifacts"))
	hist := history.NewLog(filepath.Join(dir, "doc.jsonl"), zap.NewNop())
	resultCache := cache.New(filepath.Join(dir, "cache"), cfg.Cache.MaxRows, zap.NewNop())

	svc := NewService(cfg, client, store, hist, resultCache,
		warehouse.SessionContext{Warehouse: "WH"}, zap.NewNop())
	return &testRig{svc: svc, client: client, hist: hist, store: store}
}

func TestExecuteSuccess(t *testing.T) {
	rig := newRig(t, nil)

	res, err := rig.svc.Execute(context.Background(), Request{
		Statement:      "SELECT * FROM A.B.C LIMIT 10",
		Reason:         "verify sample data",
		TimeoutSeconds: 30,
		CacheMode:      config.CacheEnabled,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "q-1", res.QueryID)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, [][]string{{"1"}}, res.Rows)
	assert.Equal(t, []string{"A"}, res.SourceDatabases)
	assert.Equal(t, []string{"A.B.C"}, res.Tables)

	// Artifact round-trip: exact statement bytes stored under the sha.
	stmt, err := rig.store.Get(res.SQLSHA256)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM A.B.C LIMIT 10", stmt)

	events := rig.hist.Tail(10)
	require.Len(t, events, 1)
	assert.Equal(t, history.StatusSuccess, events[0].Status)
	assert.Equal(t, res.ExecutionID, events[0].ExecutionID)
}

func TestExecuteDenied(t *testing.T) {
	rig := newRig(t, nil)

	_, err := rig.svc.Execute(context.Background(), Request{
		Statement:      "TRUNCATE TABLE t",
		Reason:         "cleanup attempt",
		TimeoutSeconds: 30,
	})
	var denied *sqlguard.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, sqlguard.KindTruncate, denied.Kind)
	assert.NotEmpty(t, denied.SafeAlternatives)

	// Denial leaves a history entry but never reaches the warehouse.
	events := rig.hist.Tail(10)
	require.Len(t, events, 1)
	assert.Equal(t, history.StatusError, events[0].Status)
	assert.Equal(t, 0, rig.client.submits)
}

func TestExecuteCommentPrefixedShowAllowed(t *testing.T) {
	rig := newRig(t, nil)
	rig.client.handle.result = &warehouse.Result{QueryID: "q-1", Columns: []string{"name"}}

	res, err := rig.svc.Execute(context.Background(), Request{
		Statement:      "-- note\n  SHOW TABLES IN SCHEMA X.Y",
		Reason:         "audit check",
		TimeoutSeconds: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestExecuteReasonTooShort(t *testing.T) {
	rig := newRig(t, nil)

	_, err := rig.svc.Execute(context.Background(), Request{
		Statement:      "SELECT 1",
		Reason:         "hm",
		TimeoutSeconds: 30,
	})
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "reason", reqErr.Field)
	assert.Equal(t, 0, rig.client.submits)
}

func TestExecuteStatementTooLong(t *testing.T) {
	rig := newRig(t, func(cfg *config.Config) {
		cfg.Query.MaxStatementLength = 16
	})

	_, err := rig.svc.Execute(context.Background(), Request{
		Statement:      "SELECT 'a very long literal value'",
		Reason:         "length check",
		TimeoutSeconds: 30,
	})
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "statement", reqErr.Field)
}

func TestCacheHitPreservesAttribution(t *testing.T) {
	rig := newRig(t, nil)
	req := Request{
		Statement:      "SELECT * FROM A.B.C LIMIT 10",
		Reason:         "first execution",
		TimeoutSeconds: 30,
		CacheMode:      config.CacheEnabled,
	}

	first, err := rig.svc.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, first.Status)

	second, err := rig.svc.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusCacheHit, second.Status)
	assert.True(t, second.FromCache)
	// Attribution comes from the manifest, not a recomputation.
	assert.Equal(t, []string{"A"}, second.SourceDatabases)
	assert.Equal(t, []string{"A.B.C"}, second.Tables)
	assert.Equal(t, "q-1", second.QueryID)

	// Only the first call reached the warehouse.
	assert.Equal(t, 1, rig.client.submits)

	events := rig.hist.Tail(10)
	require.Len(t, events, 2)
	assert.Equal(t, history.StatusCacheHit, events[1].Status)
	assert.Equal(t, []string{"A.B.C"}, events[1].Tables)
}

func TestCacheModeDisabledAlwaysExecutes(t *testing.T) {
	rig := newRig(t, nil)
	req := Request{
		Statement:      "SELECT 1",
		Reason:         "repeat run",
		TimeoutSeconds: 30,
		CacheMode:      config.CacheDisabled,
	}
	for i := 0; i < 2; i++ {
		res, err := rig.svc.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
	}
	assert.Equal(t, 2, rig.client.submits)
}

func TestExecuteTimeoutCancelsServerSide(t *testing.T) {
	rig := newRig(t, nil)
	rig.client.handle.delay = 5 * time.Second

	_, err := rig.svc.Execute(context.Background(), Request{
		Statement:      "SELECT SYSTEM$WAIT(60)",
		Reason:         "test timeout",
		TimeoutSeconds: 1,
	})
	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.False(t, timeoutErr.Cancelled)
	assert.Equal(t, 1, timeoutErr.TimeoutSeconds)
	require.Len(t, timeoutErr.Guidance, 3)
	// Guidance ordering: filtering, clustering, then raise the timeout.
	assert.Contains(t, timeoutErr.Guidance[0], "filter")
	assert.Contains(t, timeoutErr.Guidance[1], "clustering")
	assert.Contains(t, timeoutErr.Guidance[2], "timeout_seconds")

	assert.Equal(t, []string{"q-1"}, rig.client.cancelledIDs())

	events := rig.hist.Tail(10)
	require.Len(t, events, 1)
	assert.Equal(t, history.StatusTimeout, events[0].Status)
}

func TestExecuteTransitionsToAsyncPolling(t *testing.T) {
	rig := newRig(t, func(cfg *config.Config) {
		cfg.Query.InlineBudgetSeconds = 1
		cfg.Query.SafetyMarginSeconds = 0
	})
	rig.client.handle.delay = 1500 * time.Millisecond

	res, err := rig.svc.Execute(context.Background(), Request{
		Statement:      "SELECT * FROM big.t.able",
		Reason:         "long scan",
		TimeoutSeconds: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, res.Status)
	assert.Equal(t, "q-1", res.QueryID)

	// While running, fetch reports running.
	status, err := rig.svc.FetchAsyncResult(res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status.Status)

	// Eventually the background collector lands the success.
	require.Eventually(t, func() bool {
		out, err := rig.svc.FetchAsyncResult(res.ExecutionID)
		return err == nil && out.Status == StatusSuccess
	}, 5*time.Second, 50*time.Millisecond)

	final, err := rig.svc.FetchAsyncResult(res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1"}}, final.Rows)
}

func TestFetchAsyncResultUnknownID(t *testing.T) {
	rig := newRig(t, nil)
	_, err := rig.svc.FetchAsyncResult("missing")
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
}

func TestExecuteCallerCancellation(t *testing.T) {
	rig := newRig(t, nil)
	rig.client.handle.delay = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := rig.svc.Execute(ctx, Request{
		Statement:      "SELECT SYSTEM$WAIT(60)",
		Reason:         "cancel test",
		TimeoutSeconds: 60,
	})
	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.True(t, timeoutErr.Cancelled)
	assert.Equal(t, []string{"q-1"}, rig.client.cancelledIDs())

	events := rig.hist.Tail(10)
	require.Len(t, events, 1)
	assert.Equal(t, history.StatusTimeout, events[0].Status)
	assert.Equal(t, "cancelled", events[0].Reason)
}

func TestExecuteWarehouseError(t *testing.T) {
	rig := newRig(t, nil)
	rig.client.handle.err = fmt.Errorf("SQL compilation error: invalid identifier 'NOPE'")
	rig.client.handle.result = nil

	_, err := rig.svc.Execute(context.Background(), Request{
		Statement:      "SELECT nope FROM t",
		Reason:         "error path",
		TimeoutSeconds: 30,
	})
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.NotContains(t, execErr.Message, "compilation", "compact message by default")
	assert.Contains(t, execErr.Detail, "compilation")

	events := rig.hist.Tail(10)
	require.Len(t, events, 1)
	assert.Equal(t, history.StatusError, events[0].Status)
}

func TestExecuteVerboseErrors(t *testing.T) {
	rig := newRig(t, nil)
	rig.client.handle.err = fmt.Errorf("SQL compilation error: invalid identifier 'NOPE'")
	rig.client.handle.result = nil

	_, err := rig.svc.Execute(context.Background(), Request{
		Statement:      "SELECT nope FROM t",
		Reason:         "error path",
		TimeoutSeconds: 30,
		VerboseErrors:  true,
	})
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.Message, "compilation")
}

func TestTruncateRowsPolicy(t *testing.T) {
	rig := newRig(t, func(cfg *config.Config) {
		cfg.Query.ResultTruncationThreshold = 10
		cfg.Query.ResultKeepFirstRows = 3
		cfg.Query.ResultKeepLastRows = 2
	})

	rows := make([][]string, 20)
	for i := range rows {
		rows[i] = []string{fmt.Sprintf("%d", i)}
	}
	out, truncated := rig.svc.truncateRows(rows)
	assert.True(t, truncated)
	require.Len(t, out, 5)
	assert.Equal(t, "0", out[0][0])
	assert.Equal(t, "2", out[2][0])
	assert.Equal(t, "18", out[3][0])
	assert.Equal(t, "19", out[4][0])

	out, truncated = rig.svc.truncateRows(rows[:5])
	assert.False(t, truncated)
	assert.Len(t, out, 5)
}
