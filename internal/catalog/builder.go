package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"igloomcp/internal/config"
)

// Service builds catalogs. Schema crawls fan out over a bounded worker
// pool; GET_DDL calls are additionally throttled so a wide account does
// not monopolize the warehouse.
type Service struct {
	cfg     *config.Config
	querier Querier
	log     *zap.Logger

	root   string
	ddlSem *semaphore.Weighted
}

// NewService wires a catalog service against the configured catalog root.
func NewService(cfg *config.Config, q Querier, root string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		querier: q,
		log:     log,
		root:    root,
		ddlSem:  semaphore.NewWeighted(int64(cfg.Catalog.MaxDDLConcurrency)),
	}
}

// Build extracts the catalog for the requested scope. Per-object failures
// become warnings; only scope resolution and output writing are fatal.
func (s *Service) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	start := time.Now()

	format := req.Format
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatJSONL {
		return nil, fmt.Errorf("invalid catalog format %q (valid: json, jsonl)", format)
	}

	outDir := req.OutputDir
	if outDir == "" {
		outDir = s.root
	}

	databases, err := s.resolveScope(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &BuildResult{
		Databases:   databases,
		OutputDir:   outDir,
		Format:      format,
		Incremental: req.Incremental,
		Timing:      map[string]int64{},
	}

	for _, db := range databases {
		dbStart := time.Now()
		dir := filepath.Join(outDir, db)

		// JSONL builds stream object lines to disk as schemas complete;
		// JSON builds must hold the objects for one marshal anyway.
		var stream *jsonlStream
		var collected []Object
		objects := 0
		emit := func(objs []Object) error {
			objects += len(objs)
			if stream != nil {
				return stream.writeObjects(objs)
			}
			collected = append(collected, objs...)
			return nil
		}
		if format == FormatJSONL {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			var err error
			stream, err = newJSONLStream(filepath.Join(dir, fileCatalogJSONL))
			if err != nil {
				return nil, fmt.Errorf("failed to open catalog stream for %s: %w", db, err)
			}
		}

		snap, meta, reused, warnings, err := s.buildDatabase(ctx, db, outDir, req.Incremental, emit)
		if err != nil {
			if stream != nil {
				stream.discard()
			}
			// A database that cannot be listed at all is a warning, not a
			// build failure: remaining databases still get cataloged.
			result.Warnings = append(result.Warnings, Warning{
				Code:     "database_failed",
				Message:  err.Error(),
				Severity: "error",
				Context:  db,
			})
			continue
		}

		if stream != nil {
			if err := stream.finalize(*snap); err != nil {
				return nil, fmt.Errorf("failed to write catalog for %s: %w", db, err)
			}
			if err := writeSidecars(dir, snap, meta); err != nil {
				return nil, fmt.Errorf("failed to write catalog for %s: %w", db, err)
			}
		} else {
			snap.Objects = collected
			if err := s.writeOutputs(outDir, db, snap); err != nil {
				return nil, fmt.Errorf("failed to write catalog for %s: %w", db, err)
			}
		}

		result.Objects += objects
		result.Reused += reused
		result.Warnings = append(result.Warnings, warnings...)
		result.Timing[db] = time.Since(dbStart).Milliseconds()

		s.log.Info("catalog database built",
			zap.String("database", db),
			zap.Int("objects", objects),
			zap.Int("reused", reused),
			zap.Int("warnings", len(warnings)),
			zap.Duration("elapsed", time.Since(dbStart)))
	}

	result.Timing["total"] = time.Since(start).Milliseconds()
	return result, nil
}

func (s *Service) resolveScope(ctx context.Context, req BuildRequest) ([]string, error) {
	switch req.Scope {
	case ScopeDatabase:
		if req.Database == "" {
			return nil, fmt.Errorf("database scope requires a database name")
		}
		return []string{req.Database}, nil
	case ScopeCurrent, "":
		rs, err := s.query(ctx, "SELECT CURRENT_DATABASE()")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current database: %w", err)
		}
		if len(rs.rows) == 0 || len(rs.rows[0]) == 0 || rs.rows[0][0] == "" {
			return nil, fmt.Errorf("no current database; pass an explicit database or use account scope")
		}
		return []string{rs.rows[0][0]}, nil
	case ScopeAccount:
		rs, err := s.query(ctx, listDatabasesSQL())
		if err != nil {
			return nil, fmt.Errorf("failed to list databases: %w", err)
		}
		var dbs []string
		for _, row := range rs.rows {
			name := rs.get(row, "name")
			if name == "" || name == "SNOWFLAKE" || name == "SNOWFLAKE_SAMPLE_DATA" {
				continue
			}
			dbs = append(dbs, name)
		}
		sort.Strings(dbs)
		return dbs, nil
	default:
		return nil, fmt.Errorf("invalid scope %q (valid: account, database, current)", req.Scope)
	}
}

// schemaObjects is what one worker produces for one schema.
type schemaObjects struct {
	schema   string
	objects  []Object
	warnings []Warning
	reused   int
}

// buildDatabase crawls every schema concurrently and hands each schema's
// objects to emit in schema order, so callers can stream them to disk
// instead of holding the whole database in memory. The returned snapshot
// carries everything except Objects; emit owns those.
func (s *Service) buildDatabase(ctx context.Context, db, outDir string, incremental bool, emit func([]Object) error) (*Snapshot, *Metadata, int, []Warning, error) {
	rs, err := s.query(ctx, listSchemasSQL(db))
	if err != nil {
		return nil, nil, 0, nil, err
	}
	var schemas []string
	for _, row := range rs.rows {
		if name := rs.get(row, "schema_name"); name != "" {
			schemas = append(schemas, name)
		}
	}
	sort.Strings(schemas)

	var prev *Metadata
	var prevDDL map[string]string
	if incremental {
		prev = s.loadMetadata(outDir, db)
		prevDDL = s.loadPreviousDDL(outDir, db)
	}

	now := time.Now().UTC()
	snap := &Snapshot{
		Database:        db,
		Schemas:         schemas,
		LastBuild:       now,
		LastFullRefresh: now,
	}
	if incremental && prev != nil && !prev.LastFullRefresh.IsZero() {
		snap.LastFullRefresh = prev.LastFullRefresh
	}
	snap.Totals.Schemas = len(schemas)
	meta := &Metadata{
		Database:        db,
		LastBuild:       snap.LastBuild,
		LastFullRefresh: snap.LastFullRefresh,
		ObjectAltered:   map[string]time.Time{},
	}

	// One buffered slot per schema: workers never block on delivery, and
	// the consumer drains slots in schema order so output stays
	// deterministic while crawls overlap.
	slots := make([]chan schemaObjects, len(schemas))
	for i := range slots {
		slots[i] = make(chan schemaObjects, 1)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Catalog.Concurrency)
	for i, schema := range schemas {
		g.Go(func() error {
			slots[i] <- s.crawlSchema(gctx, db, schema, prev, prevDDL)
			return nil
		})
	}

	var warnings []Warning
	reused := 0
	var emitErr error
	for _, slot := range slots {
		so := <-slot
		if emitErr != nil {
			continue
		}
		warnings = append(warnings, so.warnings...)
		reused += so.reused
		for i := range so.objects {
			o := &so.objects[i]
			snap.Totals.add(o)
			if !o.LastAltered.IsZero() {
				meta.ObjectAltered[o.FQN()] = o.LastAltered
			}
		}
		emitErr = emit(so.objects)
	}
	if err := g.Wait(); err != nil {
		return nil, nil, 0, nil, err
	}
	if emitErr != nil {
		return nil, nil, 0, nil, emitErr
	}
	return snap, meta, reused, warnings, nil
}

// crawlSchema lists every object in one schema and fetches DDL under the
// shared throttle. Failures degrade to warnings so one broken object does
// not sink the schema.
func (s *Service) crawlSchema(ctx context.Context, db, schema string, prev *Metadata, prevDDL map[string]string) schemaObjects {
	so := schemaObjects{schema: schema}
	warn := func(code, context string, err error) {
		so.warnings = append(so.warnings, Warning{
			Code:     code,
			Message:  err.Error(),
			Severity: "warning",
			Context:  context,
		})
	}

	columnsByTable := map[string][]Column{}
	if rs, err := s.query(ctx, listColumnsSQL(db, schema)); err != nil {
		warn("columns_failed", db+"."+schema, err)
	} else {
		for _, row := range rs.rows {
			table := rs.get(row, "table_name")
			columnsByTable[table] = append(columnsByTable[table], Column{
				Name:     rs.get(row, "column_name"),
				Type:     rs.get(row, "data_type"),
				Nullable: strings.EqualFold(rs.get(row, "is_nullable"), "YES"),
				Default:  rs.get(row, "column_default"),
				Comment:  rs.get(row, "comment"),
			})
		}
	}

	if rs, err := s.query(ctx, listTablesSQL(db, schema)); err != nil {
		warn("tables_failed", db+"."+schema, err)
	} else {
		for _, row := range rs.rows {
			kind := "table"
			if strings.EqualFold(rs.get(row, "table_type"), "VIEW") {
				kind = "view"
			}
			obj := Object{
				Database:    db,
				Schema:      schema,
				Name:        rs.get(row, "table_name"),
				Kind:        kind,
				Comment:     rs.get(row, "comment"),
				RowCount:    rs.getInt(row, "row_count"),
				LastAltered: rs.getTime(row, "last_altered"),
				Columns:     columnsByTable[rs.get(row, "table_name")],
			}
			s.attachDDL(ctx, &obj, obj.FQN(), prev, prevDDL, &so)
			so.objects = append(so.objects, obj)
		}
	}

	for _, routine := range []struct {
		kind    string
		sql     string
		nameCol string
	}{
		{"function", listFunctionsSQL(db, schema), "function_name"},
		{"procedure", listProceduresSQL(db, schema), "procedure_name"},
	} {
		rs, err := s.query(ctx, routine.sql)
		if err != nil {
			warn(routine.kind+"s_failed", db+"."+schema, err)
			continue
		}
		for _, row := range rs.rows {
			sig := rs.get(row, "argument_signature")
			obj := Object{
				Database:    db,
				Schema:      schema,
				Name:        rs.get(row, routine.nameCol),
				Kind:        routine.kind,
				Comment:     rs.get(row, "comment"),
				LastAltered: rs.getTime(row, "last_altered"),
				Signature:   sig + " RETURNS " + rs.get(row, "data_type"),
			}
			s.attachDDL(ctx, &obj, obj.FQN()+argTypes(sig), prev, prevDDL, &so)
			so.objects = append(so.objects, obj)
		}
	}

	sort.Slice(so.objects, func(i, j int) bool {
		if so.objects[i].Kind != so.objects[j].Kind {
			return so.objects[i].Kind < so.objects[j].Kind
		}
		return so.objects[i].Name < so.objects[j].Name
	})
	return so
}

// attachDDL fetches DDL under the throttle, reusing the previous build's
// DDL when the object has not been altered since.
func (s *Service) attachDDL(ctx context.Context, obj *Object, ddlName string, prev *Metadata, prevDDL map[string]string, so *schemaObjects) {
	fqn := obj.FQN()
	if prev != nil && !obj.LastAltered.IsZero() {
		if altered, ok := prev.ObjectAltered[fqn]; ok && !obj.LastAltered.After(altered) {
			if ddl, ok := prevDDL[fqn]; ok && ddl != "" {
				obj.DDL = ddl
				so.reused++
				return
			}
		}
	}

	if err := s.ddlSem.Acquire(ctx, 1); err != nil {
		so.warnings = append(so.warnings, Warning{
			Code: "ddl_failed", Message: err.Error(), Severity: "warning", Context: fqn,
		})
		return
	}
	defer s.ddlSem.Release(1)

	rs, err := s.query(ctx, getDDLSQL(obj.Kind, ddlName))
	if err != nil {
		so.warnings = append(so.warnings, Warning{
			Code: "ddl_failed", Message: err.Error(), Severity: "warning", Context: fqn,
		})
		return
	}
	if len(rs.rows) > 0 && len(rs.rows[0]) > 0 {
		obj.DDL = rs.rows[0][0]
	}
}

// argTypes reduces "(X FLOAT, Y NUMBER)" to "(FLOAT, NUMBER)" as GET_DDL
// expects types without parameter names.
func argTypes(signature string) string {
	inner := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(signature), "("), ")")
	if strings.TrimSpace(inner) == "" {
		return "()"
	}
	parts := strings.Split(inner, ",")
	types := make([]string, 0, len(parts))
	for _, p := range parts {
		fields := strings.Fields(strings.TrimSpace(p))
		if len(fields) == 0 {
			continue
		}
		types = append(types, fields[len(fields)-1])
	}
	return "(" + strings.Join(types, ", ") + ")"
}

func (t *Totals) add(o *Object) {
	switch o.Kind {
	case "table":
		t.Tables++
	case "view":
		t.Views++
	case "function":
		t.Functions++
	case "procedure":
		t.Procedures++
	}
	t.Columns += len(o.Columns)
}

func tally(snap *Snapshot) Totals {
	t := Totals{Schemas: len(snap.Schemas)}
	for i := range snap.Objects {
		t.add(&snap.Objects[i])
	}
	return t
}
