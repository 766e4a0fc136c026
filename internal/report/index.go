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
	"go.uber.org/zap"
)

// IndexEntry is one line of reports/index.jsonl. The file is append-only;
// the last entry per report_id wins, and the whole file is rebuildable
// from the by_id tree.
type IndexEntry struct {
	ReportID     string    `json:"report_id"`
	CurrentTitle string    `json:"current_title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Tags         []string  `json:"tags,omitempty"`
	Status       string    `json:"status"`
	Path         string    `json:"path"` // relative to the reports root
}

// Index owns index.jsonl.
type Index struct {
	storage     *Storage
	path        string
	lockTimeout time.Duration
	log         *zap.Logger
}

// NewIndex creates the index over a storage root.
func NewIndex(storage *Storage, log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{
		storage:     storage,
		path:        filepath.Join(storage.Root(), "index.jsonl"),
		lockTimeout: storage.lockTimeout,
		log:         log,
	}
}

// EntryFor derives an index entry from an outline.
func EntryFor(o *Outline) IndexEntry {
	return IndexEntry{
		ReportID:     o.ReportID,
		CurrentTitle: o.Title,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		Tags:         o.Tags,
		Status:       o.Status,
		Path:         filepath.Join("by_id", o.ReportID),
	}
}

// Append records the latest state of a report under the index lock.
func (ix *Index) Append(ctx context.Context, entry IndexEntry) error {
	unlock, err := ix.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode index entry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ix.path), 0o755); err != nil {
		return fmt.Errorf("failed to prepare index: %w", err)
	}
	f, err := os.OpenFile(ix.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append index entry: %w", err)
	}
	return f.Sync()
}

// Entries reads the index, collapsing to the latest entry per report.
// Deleted reports are included; callers filter by status as needed.
func (ix *Index) Entries() ([]IndexEntry, error) {
	f, err := os.Open(ix.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	defer f.Close()

	latest := map[string]IndexEntry{}
	var order []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e IndexEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.ReportID == "" {
			continue
		}
		if _, seen := latest[e.ReportID]; !seen {
			order = append(order, e.ReportID)
		}
		latest[e.ReportID] = e
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(order))
	for _, id := range order {
		entries = append(entries, latest[id])
	}
	return entries, nil
}

// Rebuild regenerates index.jsonl from the by_id tree, compacting it to
// one entry per report.
func (ix *Index) Rebuild(ctx context.Context) (int, error) {
	unlock, err := ix.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	ids, err := ix.storage.List()
	if err != nil {
		return 0, fmt.Errorf("failed to scan reports: %w", err)
	}

	var entries []IndexEntry
	for _, id := range ids {
		o, err := ix.storage.Load(id)
		if err != nil {
			ix.log.Warn("skipping unreadable report during index rebuild",
				zap.String("report_id", id), zap.Error(err))
			continue
		}
		entries = append(entries, EntryFor(o))
	}

	var buf strings.Builder
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return 0, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := ix.path + ".tmp"
	if err := writeFileSync(tmp, []byte(buf.String())); err != nil {
		return 0, fmt.Errorf("failed to stage index: %w", err)
	}
	if err := os.Rename(tmp, ix.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to commit index: %w", err)
	}
	return len(entries), nil
}

// Resolve maps a report selector to one entry. Exact report_id wins, then
// exact title (case-insensitive), then unique substring match; multiple
// fuzzy matches are ambiguous rather than guessed.
func (ix *Index) Resolve(selector string) (*IndexEntry, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, &SelectorError{Kind: SelectorNotFound, Selector: selector}
	}
	entries, err := ix.Entries()
	if err != nil {
		return nil, err
	}

	for i := range entries {
		if entries[i].ReportID == selector {
			return &entries[i], nil
		}
	}

	lower := strings.ToLower(selector)
	var exact, fuzzy []*IndexEntry
	for i := range entries {
		if entries[i].Status == StatusDeleted {
			continue
		}
		title := strings.ToLower(entries[i].CurrentTitle)
		switch {
		case title == lower:
			exact = append(exact, &entries[i])
		case strings.Contains(title, lower):
			fuzzy = append(fuzzy, &entries[i])
		}
	}

	pick := exact
	if len(pick) == 0 {
		pick = fuzzy
	}
	switch len(pick) {
	case 0:
		return nil, &SelectorError{Kind: SelectorNotFound, Selector: selector}
	case 1:
		return pick[0], nil
	default:
		ids := make([]string, len(pick))
		for i, e := range pick {
			ids[i] = e.ReportID
		}
		sort.Strings(ids)
		return nil, &SelectorError{Kind: SelectorAmbiguous, Selector: selector, Candidates: ids}
	}
}

// SearchRequest filters index entries.
type SearchRequest struct {
	Title  string   // substring, case-insensitive
	Tags   []string // all must be present
	Status string   // empty = any non-deleted
}

// Search returns matching entries, newest update first.
func (ix *Index) Search(req SearchRequest) ([]IndexEntry, error) {
	entries, err := ix.Entries()
	if err != nil {
		return nil, err
	}

	title := strings.ToLower(strings.TrimSpace(req.Title))
	var out []IndexEntry
	for _, e := range entries {
		if req.Status != "" {
			if e.Status != req.Status {
				continue
			}
		} else if e.Status == StatusDeleted {
			continue
		}
		if title != "" && !strings.Contains(strings.ToLower(e.CurrentTitle), title) {
			continue
		}
		if !hasAllTags(e.Tags, req.Tags) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := map[string]bool{}
	for _, t := range have {
		set[strings.ToLower(t)] = true
	}
	for _, t := range want {
		if !set[strings.ToLower(t)] {
			return false
		}
	}
	return true
}

func (ix *Index) lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(ix.path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare index lock: %w", err)
	}
	fl := flock.New(ix.path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, ix.lockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil || !locked {
		return nil, &LockTimeoutError{ReportID: "index", Path: ix.path + ".lock", Timeout: ix.lockTimeout}
	}
	return func() { fl.Unlock() }, nil
}
