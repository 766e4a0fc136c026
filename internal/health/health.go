// Package health aggregates component status for the health_check tool:
// profile configuration, warehouse connectivity, catalog presence and
// report index integrity. Results are cached briefly so agents polling
// health do not hammer the warehouse.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"igloomcp/internal/catalog"
	"igloomcp/internal/config"
	"igloomcp/internal/report"
	"igloomcp/internal/warehouse"
)

// Component statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
	StatusUnknown  = "unknown"
)

// Check is one component's verdict.
type Check struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// Report is the aggregated health payload.
type Report struct {
	Status    string    `json:"status"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
	Cached    bool      `json:"cached"`
}

// Without returns a copy with the named components dropped and the
// aggregate status recomputed over what remains.
func (r *Report) Without(components ...string) *Report {
	skip := make(map[string]bool, len(components))
	for _, c := range components {
		skip[c] = true
	}
	out := *r
	out.Checks = make([]Check, 0, len(r.Checks))
	for _, c := range r.Checks {
		if !skip[c.Component] {
			out.Checks = append(out.Checks, c)
		}
	}
	out.Status = overall(out.Checks)
	return &out
}

// Monitor runs the component checks. Safe for concurrent use.
type Monitor struct {
	cfg         *config.Config
	client      warehouse.Client
	storage     *report.Storage
	catalogRoot string
	ttl         time.Duration
	log         *zap.Logger

	mu     sync.Mutex
	cached *Report
}

// NewMonitor wires a monitor. client and storage may be nil; the
// corresponding checks then report unknown.
func NewMonitor(cfg *config.Config, client warehouse.Client, storage *report.Storage,
	catalogRoot string, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		cfg:         cfg,
		client:      client,
		storage:     storage,
		catalogRoot: catalogRoot,
		ttl:         30 * time.Second,
		log:         log,
	}
}

// Check runs all component checks, serving a cached result inside the
// TTL window unless force is set.
func (m *Monitor) Check(ctx context.Context, force bool) (*Report, error) {
	m.mu.Lock()
	if !force && m.cached != nil && time.Since(m.cached.CheckedAt) < m.ttl {
		cached := *m.cached
		cached.Cached = true
		m.mu.Unlock()
		return &cached, nil
	}
	m.mu.Unlock()

	checks := []Check{
		m.checkProfile(),
		m.checkConnectivity(ctx),
		m.checkCatalog(),
		m.checkReports(),
	}

	rep := &Report{
		Status:    overall(checks),
		Checks:    checks,
		CheckedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.cached = rep
	m.mu.Unlock()

	m.log.Debug("health check completed", zap.String("status", rep.Status))
	return rep, nil
}

func (m *Monitor) checkProfile() Check {
	c := Check{Component: "profile"}
	if m.cfg == nil || m.cfg.Profile == "" {
		c.Status = StatusFailed
		c.Detail = "no connection profile configured"
		return c
	}
	c.Status = StatusOK
	c.Detail = fmt.Sprintf("profile %q active", m.cfg.Profile)
	return c
}

func (m *Monitor) checkConnectivity(ctx context.Context) Check {
	c := Check{Component: "connectivity"}
	if m.client == nil {
		c.Status = StatusUnknown
		c.Detail = "no warehouse client configured"
		return c
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	if err := m.client.Ping(pingCtx); err != nil {
		c.Status = StatusFailed
		c.Detail = err.Error()
		return c
	}
	c.Status = StatusOK
	c.Detail = fmt.Sprintf("ping %dms", time.Since(start).Milliseconds())
	return c
}

func (m *Monitor) checkCatalog() Check {
	c := Check{Component: "catalog"}
	dbs, err := catalog.ListBuilt(m.catalogRoot)
	if err != nil {
		c.Status = StatusDegraded
		c.Detail = err.Error()
		return c
	}
	if len(dbs) == 0 {
		c.Status = StatusDegraded
		c.Detail = "no catalog built yet; run build_catalog"
		return c
	}
	c.Status = StatusOK
	c.Detail = fmt.Sprintf("%d database catalogs on disk", len(dbs))
	return c
}

func (m *Monitor) checkReports() Check {
	c := Check{Component: "reports"}
	if m.storage == nil {
		c.Status = StatusUnknown
		c.Detail = "report store not configured"
		return c
	}
	ids, err := m.storage.List()
	if err != nil {
		c.Status = StatusDegraded
		c.Detail = err.Error()
		return c
	}
	broken := 0
	for _, id := range ids {
		if _, err := os.Stat(filepath.Join(m.storage.Dir(id), "outline.json")); err != nil {
			broken++
		}
	}
	if broken > 0 {
		c.Status = StatusDegraded
		c.Detail = fmt.Sprintf("%d of %d reports missing outline.json", broken, len(ids))
		return c
	}
	c.Status = StatusOK
	c.Detail = fmt.Sprintf("%d reports stored", len(ids))
	return c
}

// overall is the worst component status; unknown does not degrade the
// aggregate on its own.
func overall(checks []Check) string {
	status := StatusOK
	for _, c := range checks {
		switch c.Status {
		case StatusFailed:
			return StatusFailed
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}
