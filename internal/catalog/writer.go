package catalog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Output filenames inside <root>/<database>/.
const (
	fileCatalogJSON  = "catalog.json"
	fileCatalogJSONL = "catalog.jsonl"
	fileSummary      = "catalog_summary.json"
	fileMetadata     = "_catalog_metadata.json"
)

// summary is the lightweight catalog_summary.json document.
type summary struct {
	Database        string   `json:"database"`
	LastBuild       string   `json:"last_build"`
	LastFullRefresh string   `json:"last_full_refresh"`
	Totals          Totals   `json:"totals"`
	Schemas         []string `json:"schemas"`
}

// writeOutputs persists catalog.json plus the sidecar files. Each file
// lands via tmp-then-rename so a crash never leaves a torn catalog.
// JSONL builds stream the object file through jsonlStream instead and
// write their sidecars directly.
func (s *Service) writeOutputs(outDir, db string, snap *Snapshot) error {
	dir := filepath.Join(outDir, db)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(dir, fileCatalogJSON), snap); err != nil {
		return err
	}

	meta := &Metadata{
		Database:        snap.Database,
		LastBuild:       snap.LastBuild,
		LastFullRefresh: snap.LastFullRefresh,
		ObjectAltered:   map[string]time.Time{},
	}
	for _, o := range snap.Objects {
		if !o.LastAltered.IsZero() {
			meta.ObjectAltered[o.FQN()] = o.LastAltered
		}
	}
	return writeSidecars(dir, snap, meta)
}

// writeSidecars persists catalog_summary.json and _catalog_metadata.json.
func writeSidecars(dir string, snap *Snapshot, meta *Metadata) error {
	sum := summary{
		Database:        snap.Database,
		LastBuild:       snap.LastBuild.Format("2006-01-02T15:04:05Z07:00"),
		LastFullRefresh: snap.LastFullRefresh.Format("2006-01-02T15:04:05Z07:00"),
		Totals:          snap.Totals,
		Schemas:         snap.Schemas,
	}
	if err := writeJSONAtomic(filepath.Join(dir, fileSummary), sum); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, fileMetadata), meta)
}

// jsonlStream appends object lines to a body file as the builder emits
// them, so a wide database never sits in memory whole. finalize prefixes
// the header line once totals are known and publishes atomically.
type jsonlStream struct {
	path string
	body *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

func newJSONLStream(path string) (*jsonlStream, error) {
	body, err := os.Create(path + ".body.tmp")
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(body)
	return &jsonlStream{path: path, body: body, w: w, enc: json.NewEncoder(w)}, nil
}

func (js *jsonlStream) writeObjects(objs []Object) error {
	for i := range objs {
		if err := js.enc.Encode(&objs[i]); err != nil {
			return err
		}
	}
	return nil
}

// finalize writes the header line followed by the streamed body into a
// fresh temp file, then renames it into place.
func (js *jsonlStream) finalize(header Snapshot) error {
	header.Objects = nil
	if err := js.w.Flush(); err != nil {
		js.discard()
		return err
	}
	if _, err := js.body.Seek(0, io.SeekStart); err != nil {
		js.discard()
		return err
	}

	tmp := js.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		js.discard()
		return err
	}
	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		js.discard()
		return err
	}
	w := bufio.NewWriter(f)
	if err := json.NewEncoder(w).Encode(header); err != nil {
		return fail(err)
	}
	if _, err := io.Copy(w, js.body); err != nil {
		return fail(err)
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		js.discard()
		return err
	}
	js.discard()
	return os.Rename(tmp, js.path)
}

// discard drops the body file; safe to call after finalize or on abort.
func (js *jsonlStream) discard() {
	js.body.Close()
	os.Remove(js.body.Name())
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// loadMetadata reads the previous incremental state. Missing or corrupt
// metadata just forces a full DDL refresh.
func (s *Service) loadMetadata(outDir, db string) *Metadata {
	data, err := os.ReadFile(filepath.Join(outDir, db, fileMetadata))
	if err != nil {
		return nil
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		s.log.Warn("discarding corrupt catalog metadata",
			zap.String("database", db), zap.Error(err))
		return nil
	}
	return &meta
}

// loadPreviousDDL indexes the prior build's DDL by FQN for incremental
// reuse, reading whichever format the last build produced.
func (s *Service) loadPreviousDDL(outDir, db string) map[string]string {
	dir := filepath.Join(outDir, db)
	ddl := map[string]string{}

	if data, err := os.ReadFile(filepath.Join(dir, fileCatalogJSON)); err == nil {
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err == nil {
			for _, o := range snap.Objects {
				if o.DDL != "" {
					ddl[o.FQN()] = o.DDL
				}
			}
			return ddl
		}
	}

	f, err := os.Open(filepath.Join(dir, fileCatalogJSONL))
	if err != nil {
		return ddl
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		var o Object
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			continue
		}
		if o.DDL != "" {
			ddl[o.FQN()] = o.DDL
		}
	}
	return ddl
}

// LoadSummary reads a built database's catalog_summary.json.
func LoadSummary(root, db string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(root, db, fileSummary))
	if err != nil {
		return nil, fmt.Errorf("no catalog summary for %s; run build_catalog first: %w", db, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("catalog summary for %s is corrupt: %w", db, err)
	}
	return out, nil
}

// LoadSnapshot reads a previously built catalog in either format.
func LoadSnapshot(root, db string) (*Snapshot, error) {
	dir := filepath.Join(root, db)

	if data, err := os.ReadFile(filepath.Join(dir, fileCatalogJSON)); err == nil {
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("corrupt catalog for %s: %w", db, err)
		}
		return &snap, nil
	}

	f, err := os.Open(filepath.Join(dir, fileCatalogJSONL))
	if err != nil {
		return nil, fmt.Errorf("no catalog built for %s", db)
	}
	defer f.Close()

	var snap Snapshot
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	first := true
	for sc.Scan() {
		if first {
			if err := json.Unmarshal(sc.Bytes(), &snap); err != nil {
				return nil, fmt.Errorf("corrupt catalog for %s: %w", db, err)
			}
			first = false
			continue
		}
		var o Object
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			continue
		}
		snap.Objects = append(snap.Objects, o)
	}
	if first {
		return nil, fmt.Errorf("no catalog built for %s", db)
	}
	return &snap, sc.Err()
}

// ListBuilt returns the databases with a catalog under root.
func ListBuilt(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dbs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), fileSummary)); err == nil {
			dbs = append(dbs, e.Name())
		}
	}
	return dbs, nil
}
