package report

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Watcher detects manual outline edits made outside the storage layer
// (a human editing outline.json directly) and records them in the audit
// log so the provenance chain stays complete.
type Watcher struct {
	storage *Storage
	log     *zap.Logger
	fw      *fsnotify.Watcher

	// debounce coalesces editor write bursts per report.
	debounce time.Duration
}

// NewWatcher builds a watcher over every existing report directory.
func NewWatcher(storage *Storage, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{storage: storage, log: log, fw: fw, debounce: 250 * time.Millisecond}

	ids, err := storage.List()
	if err != nil {
		fw.Close()
		return nil, err
	}
	for _, id := range ids {
		if err := fw.Add(storage.Dir(id)); err != nil {
			w.log.Warn("failed to watch report directory",
				zap.String("report_id", id), zap.Error(err))
		}
	}
	return w, nil
}

// Add starts watching one report directory (for reports created after the
// watcher started).
func (w *Watcher) Add(reportID string) error {
	return w.fw.Add(w.storage.Dir(reportID))
}

// Run processes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	pending := map[string]time.Time{}
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()
	defer w.fw.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if filepath.Base(ev.Name) != "outline.json" {
				continue
			}
			reportID := filepath.Base(filepath.Dir(ev.Name))
			pending[reportID] = time.Now()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))

		case now := <-ticker.C:
			for id, at := range pending {
				if now.Sub(at) < w.debounce {
					continue
				}
				delete(pending, id)
				w.check(id)
			}
		}
	}
}

// check compares the outline on disk against the last audited SHA; a
// mismatch means someone edited the file out of band.
func (w *Watcher) check(reportID string) {
	o, err := w.storage.Load(reportID)
	if err != nil {
		return
	}
	currentSHA := o.SHA256()

	events, err := w.storage.Audit(reportID, 0)
	if err != nil || len(events) == 0 {
		return
	}
	last := lastStateEvent(events)
	if last == nil || last.AfterOutlineSHA == currentSHA {
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"expected_sha256": last.AfterOutlineSHA,
		"observed_sha256": currentSHA,
	})
	err = w.storage.appendAudit(reportID, &AuditEvent{
		ActionID:        uuid.NewString(),
		ReportID:        reportID,
		Timestamp:       time.Now().UTC(),
		Actor:           ActorHuman,
		ActionType:      ActionManualEditDetected,
		AfterOutlineSHA: currentSHA,
		Payload:         payload,
	})
	if err != nil {
		w.log.Warn("failed to record manual edit", zap.String("report_id", reportID), zap.Error(err))
		return
	}
	w.log.Info("manual outline edit detected", zap.String("report_id", reportID))
}

// lastStateEvent returns the newest event that changed or observed the
// outline state, skipping rotation markers.
func lastStateEvent(events []AuditEvent) *AuditEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ActionType == ActionAuditRotated {
			continue
		}
		if events[i].AfterOutlineSHA == "" && !strings.HasPrefix(events[i].ActionType, "manual") {
			continue
		}
		return &events[i]
	}
	return nil
}
