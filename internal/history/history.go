// Package history appends query events to a JSONL history file. Writes
// are best-effort: failures are logged and swallowed, never surfaced to
// the query path.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"igloomcp/internal/warehouse"
)

// Status values for query events.
const (
	StatusSuccess  = "success"
	StatusTimeout  = "timeout"
	StatusError    = "error"
	StatusCacheHit = "cache_hit"
)

// Event is one query history record, one JSON object per line.
type Event struct {
	ExecutionID      string                    `json:"execution_id"`
	Timestamp        time.Time                 `json:"ts"`
	Profile          string                    `json:"profile"`
	SessionContext   warehouse.SessionContext  `json:"session_context"`
	StatementPreview string                    `json:"statement_preview"`
	SQLSHA256        string                    `json:"sql_sha256"`
	TimeoutSeconds   int                       `json:"timeout_seconds"`
	Reason           string                    `json:"reason"`
	SourceDatabases  []string                  `json:"source_databases"`
	Tables           []string                  `json:"tables"`
	RowCount         *int                      `json:"rowcount,omitempty"`
	DurationMs       *int64                    `json:"duration_ms,omitempty"`
	QueryID          string                    `json:"query_id,omitempty"`
	Status           string                    `json:"status"`
	Error            string                    `json:"error,omitempty"`
	RequestID        string                    `json:"request_id,omitempty"`
}

// Log is an append-only JSONL writer. A nil *Log is a valid disabled log.
type Log struct {
	mu   sync.Mutex
	path string
	log  *zap.Logger
}

// NewLog creates a history log writing to path. An empty path returns nil,
// which disables history.
func NewLog(path string, log *zap.Logger) *Log {
	if path == "" {
		return nil
	}
	return &Log{path: path, log: log}
}

// Append writes one event. Never returns an error; history must not be
// able to fail a query.
func (l *Log) Append(ev Event) {
	if l == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.warn("create history dir", err)
		return
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.warn("open history file", err)
		return
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		l.warn("marshal history event", err)
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		l.warn("write history event", err)
	}
}

// Tail returns up to n most recent events, oldest first. Unparseable
// lines are skipped.
func (l *Log) Tail(n int) []Event {
	if l == nil || n <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil
	}

	var events []Event
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err == nil {
				events = append(events, ev)
			}
		}
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events
}

// Path returns the history file location ("" when disabled).
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Log) warn(msg string, err error) {
	if l.log != nil {
		l.log.Warn("history write failed", zap.String("op", msg), zap.Error(err))
	}
}
