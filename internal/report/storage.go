package report

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Audit actor values.
const (
	ActorCLI   = "cli"
	ActorAgent = "agent"
	ActorHuman = "human"
)

// Audit action types.
const (
	ActionCreate             = "create"
	ActionEvolve             = "evolve"
	ActionRevert             = "revert"
	ActionRender             = "render"
	ActionRename             = "rename"
	ActionTagUpdate          = "tag_update"
	ActionStatusChange       = "status_change"
	ActionManualEditDetected = "manual_edit_detected"
	ActionAuditRotated       = "audit_rotated"
	ActionChartAttached      = "chart_attached"
)

// inlineSnapshotLimit bounds the outline size embedded in audit events;
// larger pre-images are referenced through the backup file instead.
const inlineSnapshotLimit = 256 * 1024

// AuditEvent is one immutable line in audit.jsonl.
type AuditEvent struct {
	ActionID          string          `json:"action_id"`
	ReportID          string          `json:"report_id"`
	Timestamp         time.Time       `json:"ts"`
	Actor             string          `json:"actor"`
	ActionType        string          `json:"action_type"`
	BeforeOutlineSHA  string          `json:"before_outline_sha256,omitempty"`
	AfterOutlineSHA   string          `json:"after_outline_sha256,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	RequestID         string          `json:"request_id,omitempty"`
	BeforeSnapshot    json.RawMessage `json:"before_snapshot,omitempty"`
	BeforeBackupFile  string          `json:"before_backup_file,omitempty"`
}

// Storage owns the per-report directories under <root>/by_id/.
type Storage struct {
	root        string
	lockTimeout time.Duration
	rotateBytes int64
	maxBackups  int
	log         *zap.Logger
}

// StorageOptions tunes a Storage.
type StorageOptions struct {
	LockTimeout time.Duration // default 10s
	RotateMB    int           // default 50
	MaxBackups  int           // 0 = unlimited
}

// NewStorage creates a report store rooted at root.
func NewStorage(root string, opts StorageOptions, log *zap.Logger) *Storage {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	if opts.RotateMB <= 0 {
		opts.RotateMB = 50
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Storage{
		root:        root,
		lockTimeout: opts.LockTimeout,
		rotateBytes: int64(opts.RotateMB) * 1024 * 1024,
		maxBackups:  opts.MaxBackups,
		log:         log,
	}
}

// Root returns the reports root directory.
func (s *Storage) Root() string { return s.root }

// Dir returns the directory owning one report.
func (s *Storage) Dir(reportID string) string {
	return filepath.Join(s.root, "by_id", reportID)
}

func (s *Storage) outlinePath(reportID string) string {
	return filepath.Join(s.Dir(reportID), "outline.json")
}

func (s *Storage) auditPath(reportID string) string {
	return filepath.Join(s.Dir(reportID), "audit.jsonl")
}

// AssetsDir returns the chart/asset directory for a report.
func (s *Storage) AssetsDir(reportID string) string {
	return filepath.Join(s.Dir(reportID), "assets")
}

// Create allocates the report directory, writes the version-1 outline and
// seeds the audit log.
func (s *Storage) Create(ctx context.Context, outline *Outline, actor, requestID string) error {
	dir := s.Dir(outline.ReportID)
	for _, sub := range []string{dir, filepath.Join(dir, "assets"), filepath.Join(dir, "backups")} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("failed to allocate report directory: %w", err)
		}
	}

	unlock, err := s.lock(ctx, outline.ReportID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(s.outlinePath(outline.ReportID)); err == nil {
		return fmt.Errorf("report %s already exists", outline.ReportID)
	}

	if err := s.writeOutline(outline.ReportID, outline); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]any{"title": outline.Title, "template": outline.Metadata.Template})
	return s.appendAudit(outline.ReportID, &AuditEvent{
		ActionID:        uuid.NewString(),
		ReportID:        outline.ReportID,
		Timestamp:       time.Now().UTC(),
		Actor:           actor,
		ActionType:      ActionCreate,
		AfterOutlineSHA: outline.SHA256(),
		Payload:         payload,
		RequestID:       requestID,
	})
}

// Load reads a report's outline, applying crash recovery: stray tmp files
// are discarded and a missing outline is promoted from the newest backup.
func (s *Storage) Load(reportID string) (*Outline, error) {
	dir := s.Dir(reportID)
	path := s.outlinePath(reportID)

	if tmp := path + ".tmp"; fileExists(tmp) {
		s.log.Warn("discarding interrupted outline write", zap.String("report_id", reportID))
		os.Remove(tmp)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		backup := s.newestBackup(reportID)
		if backup == "" {
			return nil, &NotFoundError{What: "report", ID: reportID}
		}
		s.log.Warn("promoting outline backup after missing outline",
			zap.String("report_id", reportID), zap.String("backup", backup))
		if cerr := copyFile(filepath.Join(dir, "backups", backup), path); cerr != nil {
			return nil, fmt.Errorf("failed to promote backup: %w", cerr)
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read outline: %w", err)
	}

	var o Outline
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("corrupt outline for %s: %w", reportID, err)
	}
	return &o, nil
}

// Mutation carries everything one committed outline change needs.
type Mutation struct {
	Actor      string
	ActionType string
	RequestID  string
	Payload    any // marshaled into the audit event

	// ExpectedVersion, when > 0, enables optimistic concurrency.
	ExpectedVersion int

	// Apply transforms a deep copy of the current outline. It must bump
	// Version itself (the patch engine does).
	Apply func(o *Outline) error
}

// Update runs one locked read-modify-write cycle: lock, load, apply,
// atomic write with backup, audit append, unlock.
func (s *Storage) Update(ctx context.Context, reportID string, m Mutation) (*Outline, error) {
	unlock, err := s.lock(ctx, reportID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.Load(reportID)
	if err != nil {
		return nil, err
	}
	if m.ExpectedVersion > 0 && current.Version != m.ExpectedVersion {
		return nil, &VersionConflictError{
			ReportID:        reportID,
			ExpectedVersion: m.ExpectedVersion,
			CurrentVersion:  current.Version,
		}
	}

	beforeSHA := current.SHA256()
	beforeJSON, _ := json.Marshal(current)

	next := current.Clone()
	if err := m.Apply(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()

	backupName, err := s.writeOutlineWithBackup(reportID, current, next)
	if err != nil {
		return nil, err
	}

	event := &AuditEvent{
		ActionID:         uuid.NewString(),
		ReportID:         reportID,
		Timestamp:        time.Now().UTC(),
		Actor:            m.Actor,
		ActionType:       m.ActionType,
		BeforeOutlineSHA: beforeSHA,
		AfterOutlineSHA:  next.SHA256(),
		RequestID:        m.RequestID,
		BeforeBackupFile: backupName,
	}
	if len(beforeJSON) <= inlineSnapshotLimit {
		event.BeforeSnapshot = beforeJSON
	}
	if m.Payload != nil {
		event.Payload, _ = json.Marshal(m.Payload)
	}
	if err := s.appendAudit(reportID, event); err != nil {
		return nil, err
	}
	return next, nil
}

// lock acquires the per-report advisory lock, bounded by the configured
// timeout.
func (s *Storage) lock(ctx context.Context, reportID string) (func(), error) {
	lockPath := filepath.Join(s.Dir(reportID), ".lock")
	if err := os.MkdirAll(s.Dir(reportID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare lock: %w", err)
	}

	fl := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil || !locked {
		return nil, &LockTimeoutError{ReportID: reportID, Path: lockPath, Timeout: s.lockTimeout}
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.log.Warn("failed to release report lock",
				zap.String("report_id", reportID), zap.Error(err))
		}
	}, nil
}

// writeOutlineWithBackup snapshots the pre-image into backups/ with a
// microsecond-precision name, then renames the new outline into place.
func (s *Storage) writeOutlineWithBackup(reportID string, prev, next *Outline) (string, error) {
	dir := s.Dir(reportID)
	backupName := fmt.Sprintf("outline.%s.json", time.Now().UTC().Format("20060102T150405.000000"))
	backupPath := filepath.Join(dir, "backups", backupName)

	prevJSON, err := json.MarshalIndent(prev, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to snapshot outline: %w", err)
	}
	if err := writeFileSync(backupPath, prevJSON); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	s.pruneBackups(reportID)

	if err := s.writeOutline(reportID, next); err != nil {
		return "", err
	}
	return backupName, nil
}

// writeOutline lands outline.json via tmp, fsync, rename, dir fsync.
func (s *Storage) writeOutline(reportID string, o *Outline) error {
	path := s.outlinePath(reportID)
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode outline: %w", err)
	}
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		return fmt.Errorf("failed to stage outline: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit outline: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// appendAudit writes one event as a single append, rotating first if the
// log is over the size limit.
func (s *Storage) appendAudit(reportID string, event *AuditEvent) error {
	path := s.auditPath(reportID)
	if info, err := os.Stat(path); err == nil && info.Size() >= s.rotateBytes {
		if err := s.rotateAudit(reportID); err != nil {
			return err
		}
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return f.Sync()
}

// rotateAudit renames the full log to audit-<yyyy-mm>.jsonl and starts a
// new file whose first line records the rotation.
func (s *Storage) rotateAudit(reportID string) error {
	path := s.auditPath(reportID)
	stamp := time.Now().UTC().Format("2006-01")
	rotated := filepath.Join(s.Dir(reportID), fmt.Sprintf("audit-%s.jsonl", stamp))
	if fileExists(rotated) {
		// Second rotation inside one month gets a distinguishing suffix.
		rotated = filepath.Join(s.Dir(reportID),
			fmt.Sprintf("audit-%s.%d.jsonl", stamp, time.Now().UnixMicro()))
	}
	if err := os.Rename(path, rotated); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"rotated_to": filepath.Base(rotated)})
	return s.appendAudit(reportID, &AuditEvent{
		ActionID:   uuid.NewString(),
		ReportID:   reportID,
		Timestamp:  time.Now().UTC(),
		Actor:      ActorCLI,
		ActionType: ActionAuditRotated,
		Payload:    payload,
	})
}

// Audit returns the last n events (all when n <= 0), oldest first.
func (s *Storage) Audit(reportID string, n int) ([]AuditEvent, error) {
	f, err := os.Open(s.auditPath(reportID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()

	var events []AuditEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// Revert restores the outline to the state before the given action, as a
// new audited mutation (version history is never rewritten).
func (s *Storage) Revert(ctx context.Context, reportID, actionID, actor, requestID string) (*Outline, error) {
	events, err := s.Audit(reportID, 0)
	if err != nil {
		return nil, err
	}
	var target *AuditEvent
	for i := range events {
		if events[i].ActionID == actionID {
			target = &events[i]
			break
		}
	}
	if target == nil {
		return nil, &NotFoundError{What: "audit action", ID: actionID}
	}

	restored, err := s.snapshotBefore(reportID, target)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{"reverted_action_id": actionID}
	return s.Update(ctx, reportID, Mutation{
		Actor:      actor,
		ActionType: ActionRevert,
		RequestID:  requestID,
		Payload:    payload,
		Apply: func(o *Outline) error {
			version := o.Version
			*o = *restored
			o.Version = version + 1
			return nil
		},
	})
}

// snapshotBefore recovers the pre-image of an audit event from its inline
// snapshot or its backup file.
func (s *Storage) snapshotBefore(reportID string, e *AuditEvent) (*Outline, error) {
	var data []byte
	switch {
	case len(e.BeforeSnapshot) > 0:
		data = e.BeforeSnapshot
	case e.BeforeBackupFile != "":
		var err error
		data, err = os.ReadFile(filepath.Join(s.Dir(reportID), "backups", e.BeforeBackupFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read backup for action %s: %w", e.ActionID, err)
		}
	default:
		return nil, fmt.Errorf("action %s carries no pre-image; cannot revert", e.ActionID)
	}
	var o Outline
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("corrupt pre-image for action %s: %w", e.ActionID, err)
	}
	return &o, nil
}

// newestBackup returns the lexically newest backup filename, which is the
// newest chronologically given the timestamp naming.
func (s *Storage) newestBackup(reportID string) string {
	entries, err := os.ReadDir(filepath.Join(s.Dir(reportID), "backups"))
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "outline.") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[len(names)-1]
}

// pruneBackups drops the oldest backups past the configured cap.
func (s *Storage) pruneBackups(reportID string) {
	if s.maxBackups <= 0 {
		return
	}
	dir := filepath.Join(s.Dir(reportID), "backups")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "outline.") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.maxBackups {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-s.maxBackups] {
		os.Remove(filepath.Join(dir, name))
	}
}

// List returns every report id with an on-disk directory.
func (s *Storage) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "by_id"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	d.Sync()
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeFileSync(dst, data)
}
