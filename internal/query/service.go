// Package query orchestrates SQL execution: policy validation, cache
// lookup, inline wait with transition to async polling, history logging,
// artifact storage and cache population.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"igloomcp/internal/artifacts"
	"igloomcp/internal/cache"
	"igloomcp/internal/config"
	"igloomcp/internal/history"
	"igloomcp/internal/sqlguard"
	"igloomcp/internal/warehouse"
)

// Statuses a query result can carry.
const (
	StatusSuccess  = "success"
	StatusCacheHit = "cache_hit"
	StatusRunning  = "running"
)

// Request is one execute_query invocation, after the dispatcher has
// coerced parameter types.
type Request struct {
	Statement      string
	Reason         string
	TimeoutSeconds int
	Overrides      warehouse.SessionContext
	CacheMode      config.CacheMode
	VerboseErrors  bool
	RequestID      string
}

// Result is the tool-facing outcome of a query.
type Result struct {
	Status          string     `json:"status"`
	ExecutionID     string     `json:"execution_id"`
	QueryID         string     `json:"query_id,omitempty"`
	SQLSHA256       string     `json:"sql_sha256"`
	Columns         []string   `json:"columns,omitempty"`
	Rows            [][]string `json:"rows,omitempty"`
	RowCount        int        `json:"rowcount"`
	Truncated       bool       `json:"truncated,omitempty"`
	DurationMs      int64      `json:"duration_ms"`
	SourceDatabases []string   `json:"source_databases"`
	Tables          []string   `json:"tables"`
	FromCache       bool       `json:"from_cache,omitempty"`
	CacheKey        string     `json:"cache_key,omitempty"`
}

// EnvelopeStatus mirrors the result status ("running" for queries that
// transitioned to async polling) as the top-level response status.
func (r *Result) EnvelopeStatus() string { return r.Status }

// Service is the query scheduler.
type Service struct {
	cfg       *config.Config
	policy    sqlguard.Policy
	client    warehouse.Client
	artifacts *artifacts.Store
	history   *history.Log
	cache     *cache.Cache
	session   warehouse.SessionContext // connection defaults
	log       *zap.Logger

	pending *registry
}

// NewService wires the scheduler. history may be nil (disabled).
func NewService(cfg *config.Config, client warehouse.Client, store *artifacts.Store,
	hist *history.Log, resultCache *cache.Cache, defaults warehouse.SessionContext,
	log *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		policy:    sqlguard.DefaultPolicy(),
		client:    client,
		artifacts: store,
		history:   hist,
		cache:     resultCache,
		session:   defaults,
		log:       log,
		pending:   newRegistry(),
	}
}

// Execute runs the scheduler state machine for one statement.
//
// On inline completion the returned Result has status "success" (or
// "cache_hit"). When the inline budget elapses with the query still
// running, the Result has status "running" and the outcome is retrievable
// via FetchAsyncResult. Timeouts, denials and warehouse failures return
// typed errors.
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = s.cfg.Query.DefaultTimeoutSeconds
	}
	timeout = s.cfg.ClampTimeout(timeout)
	session := s.session.Merge(req.Overrides)
	executionID := uuid.NewString()

	// Artifact storage precedes history so the sha in the history line
	// always resolves.
	sha := artifacts.SHA256(req.Statement)
	if _, verr := s.policy.ValidateStatement(req.Statement); verr != nil {
		s.appendHistory(req, executionID, session, sha, timeout, history.Event{
			Status: history.StatusError,
			Error:  verr.Error(),
		})
		return nil, verr
	}
	if _, err := s.artifacts.Put(req.Statement); err != nil {
		// Artifact writes are best-effort; the query still runs.
		s.log.Warn("artifact write failed", zap.String("sha", sha), zap.Error(err))
	}

	cacheKey := cache.Key(s.cfg.Profile, session, sha)
	if entry := s.cache.Lookup(req.CacheMode, cacheKey); entry != nil {
		return s.cacheHit(req, executionID, session, sha, timeout, cacheKey, entry, start), nil
	}

	attribution := warehouse.Attribute(req.Statement)
	tag := queryTag(req.Reason, executionID)

	// The query lifecycle runs on its own context bounded by the full
	// timeout, so it survives the RPC returning early for async polling.
	runCtx, runCancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)

	handle, err := s.client.Submit(runCtx, req.Statement, session, tag)
	if err != nil {
		runCancel()
		s.appendHistory(req, executionID, session, sha, timeout, history.Event{
			Status: history.StatusError,
			Error:  err.Error(),
		})
		return nil, s.executionError(req, executionID, "", err)
	}

	p := s.pending.add(executionID, runCancel)
	go s.collect(runCtx, p, handle, req, executionID, session, sha, timeout, cacheKey, attribution, start)

	// The async transition only arms when the query may legitimately
	// outlive the RPC; otherwise the terminal outcome always arrives
	// first and the inline channel stays nil (never selected).
	var inlineCh <-chan time.Time
	if inline, transitions := s.inlineBudget(timeout); transitions {
		inlineTimer := time.NewTimer(inline)
		defer inlineTimer.Stop()
		inlineCh = inlineTimer.C
	}

	select {
	case <-p.done:
		return p.outcome()

	case <-inlineCh:
		// Still running: hand back the handles and keep polling in the
		// background.
		return &Result{
			Status:          StatusRunning,
			ExecutionID:     executionID,
			QueryID:         handle.QueryID(),
			SQLSHA256:       sha,
			DurationMs:      time.Since(start).Milliseconds(),
			SourceDatabases: attribution.SourceDatabases,
			Tables:          attribution.Tables,
		}, nil

	case <-ctx.Done():
		// Caller abandoned the request; cancel server-side and report.
		p.markCancelled()
		runCancel()
		<-p.done
		return p.outcome()
	}
}

// collect waits for the warehouse outcome and records it. It is the only
// writer of p's terminal state.
func (s *Service) collect(runCtx context.Context, p *pending, handle warehouse.Handle,
	req Request, executionID string, session warehouse.SessionContext, sha string,
	timeout int, cacheKey string, attribution warehouse.Attribution, start time.Time) {

	defer p.cancel()

	res, err := handle.Wait(runCtx)
	queryID := handle.QueryID()
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		if runCtx.Err() != nil {
			// Budget expiry or caller cancel: best-effort server-side
			// cancellation, then a timeout history entry.
			cancelCtx, cancelDone := context.WithTimeout(context.Background(), 10*time.Second)
			if cerr := s.client.Cancel(cancelCtx, queryID); cerr != nil {
				s.log.Warn("query cancel failed", zap.String("query_id", queryID), zap.Error(cerr))
			}
			cancelDone()

			reason := req.Reason
			if p.wasCancelled() {
				reason = "cancelled"
			}
			s.appendHistory(req, executionID, session, sha, timeout, history.Event{
				Status:          history.StatusTimeout,
				QueryID:         queryID,
				DurationMs:      &durationMs,
				Reason:          reason,
				SourceDatabases: attribution.SourceDatabases,
				Tables:          attribution.Tables,
			})
			p.fail(&TimeoutError{
				ExecutionID:    executionID,
				QueryID:        queryID,
				TimeoutSeconds: timeout,
				Cancelled:      p.wasCancelled(),
				Guidance:       timeoutGuidance(),
			})
			return
		}

		s.appendHistory(req, executionID, session, sha, timeout, history.Event{
			Status:          history.StatusError,
			QueryID:         queryID,
			DurationMs:      &durationMs,
			Error:           err.Error(),
			SourceDatabases: attribution.SourceDatabases,
			Tables:          attribution.Tables,
		})
		p.fail(s.executionError(req, executionID, queryID, err))
		return
	}

	if res.QueryID != "" {
		queryID = res.QueryID
	}
	rowCount := len(res.Rows)
	s.appendHistory(req, executionID, session, sha, timeout, history.Event{
		Status:          history.StatusSuccess,
		QueryID:         queryID,
		RowCount:        &rowCount,
		DurationMs:      &durationMs,
		SourceDatabases: attribution.SourceDatabases,
		Tables:          attribution.Tables,
	})

	// Cache writes happen after the history entry (ordering guarantee).
	s.cache.Store(req.CacheMode, cacheKey, cache.Manifest{
		Profile:         s.cfg.Profile,
		SessionContext:  session,
		SQLSHA256:       sha,
		QueryID:         queryID,
		ExecutionID:     executionID,
		Columns:         res.Columns,
		SourceDatabases: attribution.SourceDatabases,
		Tables:          attribution.Tables,
	}, res.Rows)

	rows, truncated := s.truncateRows(res.Rows)
	p.succeed(&Result{
		Status:          StatusSuccess,
		ExecutionID:     executionID,
		QueryID:         queryID,
		SQLSHA256:       sha,
		Columns:         res.Columns,
		Rows:            rows,
		RowCount:        rowCount,
		Truncated:       truncated,
		DurationMs:      durationMs,
		SourceDatabases: attribution.SourceDatabases,
		Tables:          attribution.Tables,
		CacheKey:        cacheKey,
	})
}

// FetchAsyncResult retrieves the outcome of a query that transitioned to
// async polling. While still running it returns a "running" result.
func (s *Service) FetchAsyncResult(executionID string) (*Result, error) {
	p := s.pending.get(executionID)
	if p == nil {
		return nil, &NotFoundError{ExecutionID: executionID}
	}
	select {
	case <-p.done:
		res, err := p.outcome()
		if err != nil {
			return nil, err
		}
		return res, nil
	default:
		return &Result{Status: StatusRunning, ExecutionID: executionID}, nil
	}
}

// cacheHit records a cache_hit history event carrying the attribution
// stored in the manifest (not recomputed) and shapes the response.
func (s *Service) cacheHit(req Request, executionID string, session warehouse.SessionContext,
	sha string, timeout int, cacheKey string, entry *cache.Entry, start time.Time) *Result {

	rowCount := entry.Manifest.RowCount
	durationMs := time.Since(start).Milliseconds()
	s.appendHistory(req, executionID, session, sha, timeout, history.Event{
		Status:          history.StatusCacheHit,
		QueryID:         entry.Manifest.QueryID,
		RowCount:        &rowCount,
		DurationMs:      &durationMs,
		SourceDatabases: entry.Manifest.SourceDatabases,
		Tables:          entry.Manifest.Tables,
	})

	rows, truncated := s.truncateRows(entry.Rows)
	return &Result{
		Status:          StatusCacheHit,
		ExecutionID:     executionID,
		QueryID:         entry.Manifest.QueryID,
		SQLSHA256:       sha,
		Columns:         entry.Manifest.Columns,
		Rows:            rows,
		RowCount:        rowCount,
		Truncated:       truncated || entry.Manifest.Truncated,
		DurationMs:      durationMs,
		SourceDatabases: entry.Manifest.SourceDatabases,
		Tables:          entry.Manifest.Tables,
		FromCache:       true,
		CacheKey:        cacheKey,
	}
}

func (s *Service) validateRequest(req Request) error {
	reason := req.Reason
	if len(reason) < s.cfg.Query.MinReasonLength {
		return &RequestError{
			Field:   "reason",
			Message: fmt.Sprintf("reason must be at least %d characters", s.cfg.Query.MinReasonLength),
			Hints:   []string{"describe why the query is being run, e.g. \"verify row counts for daily load\""},
		}
	}
	if len(reason) > s.cfg.Query.MaxReasonLength {
		return &RequestError{
			Field:   "reason",
			Message: fmt.Sprintf("reason must be at most %d characters", s.cfg.Query.MaxReasonLength),
		}
	}
	if len(req.Statement) > s.cfg.Query.MaxStatementLength {
		return &RequestError{
			Field:   "statement",
			Message: fmt.Sprintf("statement exceeds the %d byte limit", s.cfg.Query.MaxStatementLength),
			Hints:   []string{"store bulk data via a stage instead of inline literals"},
		}
	}
	return nil
}

// inlineBudget bounds the synchronous wait: the RPC budget less the
// safety margin. The second return is false when the query timeout fits
// inside the budget, meaning no async transition can occur.
func (s *Service) inlineBudget(timeoutSeconds int) (time.Duration, bool) {
	budget := s.cfg.Query.InlineBudgetSeconds - s.cfg.Query.SafetyMarginSeconds
	if budget < 1 {
		budget = 1
	}
	if timeoutSeconds <= budget {
		return 0, false
	}
	return time.Duration(budget) * time.Second, true
}

// truncateRows applies the response truncation policy: past the
// threshold, keep the first and last configured row counts.
func (s *Service) truncateRows(rows [][]string) ([][]string, bool) {
	threshold := s.cfg.Query.ResultTruncationThreshold
	if threshold <= 0 || len(rows) <= threshold {
		return rows, false
	}
	first := s.cfg.Query.ResultKeepFirstRows
	last := s.cfg.Query.ResultKeepLastRows
	if first+last >= len(rows) {
		return rows, false
	}
	out := make([][]string, 0, first+last)
	out = append(out, rows[:first]...)
	out = append(out, rows[len(rows)-last:]...)
	return out, true
}

func (s *Service) executionError(req Request, executionID, queryID string, err error) error {
	msg := "warehouse rejected the statement; check object names and permissions"
	detail := err.Error()
	if req.VerboseErrors {
		msg = detail
	}
	return &ExecutionError{
		ExecutionID: executionID,
		QueryID:     queryID,
		Message:     msg,
		Detail:      detail,
	}
}

func (s *Service) appendHistory(req Request, executionID string, session warehouse.SessionContext,
	sha string, timeout int, ev history.Event) {
	ev.ExecutionID = executionID
	ev.Profile = s.cfg.Profile
	ev.SessionContext = session
	ev.StatementPreview = sqlguard.Preview(req.Statement, 200)
	ev.SQLSHA256 = sha
	ev.TimeoutSeconds = timeout
	if ev.Reason == "" {
		ev.Reason = req.Reason
	}
	ev.RequestID = req.RequestID
	s.history.Append(ev)
}

// queryTag renders the QUERY_TAG payload carrying reason and execution id
// for warehouse-side attribution.
func queryTag(reason, executionID string) string {
	tag, _ := json.Marshal(map[string]string{
		"app":          "igloo-mcp",
		"reason":       reason,
		"execution_id": executionID,
	})
	return string(tag)
}
