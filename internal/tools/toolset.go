package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"igloomcp/internal/catalog"
	"igloomcp/internal/config"
	"igloomcp/internal/health"
	"igloomcp/internal/patch"
	"igloomcp/internal/query"
	"igloomcp/internal/render"
	"igloomcp/internal/report"
	"igloomcp/internal/warehouse"
)

// Services bundles the wired subsystems the tool handlers call into.
// Optional members may be nil; their tools then fail with a clear error
// instead of panicking.
type Services struct {
	Config      *config.Config
	Query       *query.Service
	Catalog     *catalog.Service
	CatalogRoot string
	Storage     *report.Storage
	Index       *report.Index
	Engine      *patch.Engine
	Health      *health.Monitor
	Client      warehouse.Client
	Log         *zap.Logger
}

// RegisterAll registers the complete tool surface on the registry.
func RegisterAll(r *Registry, s *Services) {
	registerQueryTools(r, s)
	registerCatalogTools(r, s)
	registerOperationsTools(r, s)
	registerReportTools(r, s)
}

func registerQueryTools(r *Registry, s *Services) {
	r.MustRegister(&Tool{
		Name:        "execute_query",
		Description: "Run a SQL statement against the warehouse with policy validation, caching and an inline-to-async wait.",
		InputSchema: ObjectSchema(map[string]any{
			"statement":       map[string]any{"type": "string"},
			"reason":          map[string]any{"type": "string", "description": "why this query runs; recorded in history"},
			"timeout_seconds": map[string]any{"type": "integer", "minimum": 1, "maximum": 3600},
			"warehouse":       map[string]any{"type": "string"},
			"database":        map[string]any{"type": "string"},
			"schema":          map[string]any{"type": "string"},
			"role":            map[string]any{"type": "string"},
			"cache_mode":      map[string]any{"type": "string", "enum": []string{"enabled", "refresh", "read_only", "disabled"}},
			"verbose_errors":  map[string]any{"type": "boolean"},
			"request_id":      map[string]any{"type": "string"},
		}, "statement", "reason"),
		Handler: func(ctx context.Context, args map[string]any) (any, []string, error) {
			if s.Query == nil {
				return nil, nil, fmt.Errorf("warehouse not connected; restart without --offline")
			}
			modeStr := argString(args, "cache_mode")
			if modeStr == "" {
				modeStr = string(s.Config.Cache.Mode)
			}
			mode, err := config.ParseCacheMode(modeStr)
			if err != nil {
				return nil, nil, &query.RequestError{Field: "cache_mode", Message: err.Error()}
			}
			req := query.Request{
				Statement:      argString(args, "statement"),
				Reason:         argString(args, "reason"),
				TimeoutSeconds: argInt(args, "timeout_seconds"),
				Overrides: warehouse.SessionContext{
					Warehouse: argString(args, "warehouse"),
					Database:  argString(args, "database"),
					Schema:    argString(args, "schema"),
					Role:      argString(args, "role"),
				},
				CacheMode:     mode,
				VerboseErrors: argBool(args, "verbose_errors"),
				RequestID:     argString(args, "request_id"),
			}
			res, err := s.Query.Execute(ctx, req)
			if err != nil {
				return nil, nil, err
			}
			var warnings []string
			if res.Truncated {
				warnings = append(warnings, "result set was truncated; add LIMIT or tighter filters to see every row")
			}
			return res, warnings, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "fetch_async_query_result",
		Description: "Retrieve the outcome of a query that transitioned to async polling.",
		InputSchema: ObjectSchema(map[string]any{
			"execution_id": map[string]any{"type": "string"},
			"request_id":   map[string]any{"type": "string"},
		}, "execution_id"),
		Handler: func(_ context.Context, args map[string]any) (any, []string, error) {
			if s.Query == nil {
				return nil, nil, fmt.Errorf("warehouse not connected; restart without --offline")
			}
			res, err := s.Query.FetchAsyncResult(argString(args, "execution_id"))
			if err != nil {
				return nil, nil, err
			}
			return res, nil, nil
		},
	})
}

func registerCatalogTools(r *Registry, s *Services) {
	r.MustRegister(&Tool{
		Name:        "build_catalog",
		Description: "Crawl warehouse metadata into on-disk catalog files, optionally reusing unchanged DDL.",
		InputSchema: ObjectSchema(map[string]any{
			"database":    map[string]any{"type": "string"},
			"account":     map[string]any{"type": "boolean", "description": "crawl every non-system database"},
			"output_dir":  map[string]any{"type": "string"},
			"format":      map[string]any{"type": "string", "enum": []string{"json", "jsonl"}},
			"incremental": map[string]any{"type": "boolean"},
			"request_id":  map[string]any{"type": "string"},
		}),
		Handler: func(ctx context.Context, args map[string]any) (any, []string, error) {
			if s.Catalog == nil {
				return nil, nil, fmt.Errorf("warehouse not connected; restart without --offline")
			}
			scope := catalog.ScopeCurrent
			if argBool(args, "account") {
				scope = catalog.ScopeAccount
			} else if argString(args, "database") != "" {
				scope = catalog.ScopeDatabase
			}
			start := time.Now()
			res, err := s.Catalog.Build(ctx, catalog.BuildRequest{
				Scope:       scope,
				Database:    argString(args, "database"),
				OutputDir:   argString(args, "output_dir"),
				Format:      argString(args, "format"),
				Incremental: argBool(args, "incremental"),
				RequestID:   argString(args, "request_id"),
			})
			if err != nil {
				return nil, nil, err
			}
			if res.Timing == nil {
				res.Timing = map[string]int64{}
			}
			res.Timing["build_ms"] = time.Since(start).Milliseconds()
			var warnings []string
			for _, w := range res.Warnings {
				warnings = append(warnings, fmt.Sprintf("%s: %s", w.Code, w.Message))
			}
			return res, warnings, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "get_catalog_summary",
		Description: "Read the lightweight summary of a built catalog without loading the full object list.",
		InputSchema: ObjectSchema(map[string]any{
			"database":    map[string]any{"type": "string"},
			"catalog_dir": map[string]any{"type": "string"},
			"request_id":  map[string]any{"type": "string"},
		}),
		Handler: func(_ context.Context, args map[string]any) (any, []string, error) {
			root := argString(args, "catalog_dir")
			if root == "" {
				root = s.CatalogRoot
			}
			db := argString(args, "database")
			if db == "" {
				built, err := catalog.ListBuilt(root)
				if err != nil {
					return nil, nil, err
				}
				summaries := map[string]any{}
				for _, name := range built {
					sum, err := catalog.LoadSummary(root, name)
					if err != nil {
						continue
					}
					summaries[name] = sum
				}
				if len(summaries) == 0 {
					return nil, nil, fmt.Errorf("no catalogs built under %s; run build_catalog first", root)
				}
				return map[string]any{"databases": summaries}, nil, nil
			}
			sum, err := catalog.LoadSummary(root, db)
			if err != nil {
				return nil, nil, err
			}
			return sum, nil, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "search_catalog",
		Description: "Search built catalog files by object name, schema, column or comment.",
		InputSchema: ObjectSchema(map[string]any{
			"query":      map[string]any{"type": "string"},
			"kind":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"database":   map[string]any{"type": "string"},
			"limit":      map[string]any{"type": "integer", "minimum": 1},
			"request_id": map[string]any{"type": "string"},
		}, "query"),
		Handler: func(_ context.Context, args map[string]any) (any, []string, error) {
			start := time.Now()
			res, err := catalog.Search(s.CatalogRoot, catalog.SearchRequest{
				Query:    argString(args, "query"),
				Kinds:    argStrings(args, "kind"),
				Database: argString(args, "database"),
				Limit:    argInt(args, "limit"),
			})
			if err != nil {
				return nil, nil, err
			}
			return map[string]any{
				"hits":               res.Hits,
				"total_matched":      res.TotalMatched,
				"databases_searched": res.Databases,
				"search_ms":          time.Since(start).Milliseconds(),
			}, nil, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "build_dependency_graph",
		Description: "Derive the object dependency graph from built catalog DDL, as JSON or Graphviz dot.",
		InputSchema: ObjectSchema(map[string]any{
			"database":   map[string]any{"type": "string"},
			"schema":     map[string]any{"type": "string", "description": "narrow the graph to one schema and its direct neighbors"},
			"account":    map[string]any{"type": "boolean"},
			"format":     map[string]any{"type": "string", "enum": []string{"json", "dot"}},
			"request_id": map[string]any{"type": "string"},
		}),
		Handler: func(_ context.Context, args map[string]any) (any, []string, error) {
			var dbs []string
			if db := argString(args, "database"); db != "" {
				dbs = []string{db}
			} else {
				var err error
				dbs, err = catalog.ListBuilt(s.CatalogRoot)
				if err != nil {
					return nil, nil, err
				}
			}
			if len(dbs) == 0 {
				return nil, nil, fmt.Errorf("no catalogs built under %s; run build_catalog first", s.CatalogRoot)
			}

			var snaps []*catalog.Snapshot
			var warnings []string
			for _, db := range dbs {
				snap, err := catalog.LoadSnapshot(s.CatalogRoot, db)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("skipping %s: %v", db, err))
					continue
				}
				snaps = append(snaps, snap)
			}
			if len(snaps) == 0 {
				return nil, warnings, fmt.Errorf("no loadable catalogs among %v", dbs)
			}

			g := catalog.BuildGraph(snaps...)
			if schema := argString(args, "schema"); schema != "" {
				g = g.FilterSchema(schema)
			}
			if argString(args, "format") == "dot" {
				return map[string]any{"format": "dot", "content": g.DOT(), "nodes": len(g.Nodes), "edges": len(g.Edges)}, warnings, nil
			}
			return g, warnings, nil
		},
	})
}

func registerOperationsTools(r *Registry, s *Services) {
	r.MustRegister(&Tool{
		Name:        "test_connection",
		Description: "Verify warehouse connectivity and report round-trip latency.",
		InputSchema: ObjectSchema(map[string]any{
			"request_id": map[string]any{"type": "string"},
		}),
		Handler: func(ctx context.Context, args map[string]any) (any, []string, error) {
			if s.Client == nil {
				return nil, nil, fmt.Errorf("no warehouse client configured")
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			start := time.Now()
			if err := s.Client.Ping(pingCtx); err != nil {
				return map[string]any{"connected": false, "detail": err.Error()}, nil, nil
			}
			return map[string]any{
				"connected":  true,
				"latency_ms": time.Since(start).Milliseconds(),
				"profile":    s.Config.Profile,
			}, nil, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "health_check",
		Description: "Aggregate health across profile, connectivity, catalog and report store.",
		InputSchema: ObjectSchema(map[string]any{
			"force":           map[string]any{"type": "boolean", "description": "bypass the cached result"},
			"include_profile": map[string]any{"type": "boolean", "description": "check the connection profile (default true)"},
			"include_catalog": map[string]any{"type": "boolean", "description": "check on-disk catalogs (default true)"},
			"include_cortex":  map[string]any{"type": "boolean"},
			"request_id":      map[string]any{"type": "string"},
		}),
		Handler: func(ctx context.Context, args map[string]any) (any, []string, error) {
			rep, err := s.Health.Check(ctx, argBool(args, "force"))
			if err != nil {
				return nil, nil, err
			}
			var drop []string
			if v, ok := args["include_profile"]; ok && v == false {
				drop = append(drop, "profile")
			}
			if v, ok := args["include_catalog"]; ok && v == false {
				drop = append(drop, "catalog")
			}
			if len(drop) > 0 {
				rep = rep.Without(drop...)
			}
			var warnings []string
			if argBool(args, "include_cortex") {
				warnings = append(warnings, "cortex health checks are not available on this deployment")
			}
			for _, c := range rep.Checks {
				if c.Status == health.StatusDegraded || c.Status == health.StatusFailed {
					warnings = append(warnings, fmt.Sprintf("%s is %s: %s", c.Component, c.Status, c.Detail))
				}
			}
			return rep, warnings, nil
		},
	})
}

func registerReportTools(r *Registry, s *Services) {
	r.MustRegister(&Tool{
		Name:        "create_report",
		Description: "Create an empty living report with a title, template and tags.",
		InputSchema: ObjectSchema(map[string]any{
			"title":      map[string]any{"type": "string", "minLength": 1},
			"template":   map[string]any{"type": "string", "enum": []string{"default", "analyst_v1"}},
			"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"actor":      map[string]any{"type": "string"},
			"request_id": map[string]any{"type": "string"},
		}, "title"),
		Handler: func(ctx context.Context, args map[string]any) (any, []string, error) {
			template := argString(args, "template")
			if template == "" {
				template = report.TemplateDefault
			}
			o := report.NewOutline(report.NewReportID(), argString(args, "title"), template, argStrings(args, "tags"))
			actor := actorOrAgent(args)
			if err := s.Storage.Create(ctx, o, actor, argString(args, "request_id")); err != nil {
				return nil, nil, err
			}
			var warnings []string
			if err := s.Index.Append(ctx, report.EntryFor(o)); err != nil {
				warnings = append(warnings, fmt.Sprintf("report created but index update failed: %v", err))
			}
			return map[string]any{
				"report_id":       o.ReportID,
				"title":           o.Title,
				"template":        o.Metadata.Template,
				"outline_version": o.Version,
			}, warnings, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "evolve_report",
		Description: "Apply a structured patch to a report: add, modify or remove sections and insights atomically.",
		InputSchema: ObjectSchema(map[string]any{
			"report_selector":          map[string]any{"type": "string"},
			"instruction":              map[string]any{"type": "string"},
			"proposed_changes":         map[string]any{"type": "object"},
			"dry_run":                  map[string]any{"type": "boolean"},
			"expected_outline_version": map[string]any{"type": "integer", "minimum": 1},
			"response_detail":          map[string]any{"type": "string", "enum": []string{"minimal", "standard", "full"}},
			"actor":                    map[string]any{"type": "string"},
			"request_id":               map[string]any{"type": "string"},
		}, "report_selector", "proposed_changes"),
		Handler: func(ctx context.Context, args map[string]any) (any, []string, error) {
			changes, err := decodeChanges(args["proposed_changes"])
			if err != nil {
				return nil, nil, err
			}
			res, err := s.Engine.Evolve(ctx, patch.EvolveRequest{
				Selector:        argString(args, "report_selector"),
				Instruction:     argString(args, "instruction"),
				Changes:         changes,
				DryRun:          argBool(args, "dry_run"),
				ExpectedVersion: argInt(args, "expected_outline_version"),
				ResponseDetail:  argString(args, "response_detail"),
				Actor:           actorOrAgent(args),
				RequestID:       argString(args, "request_id"),
			})
			if err != nil {
				return nil, nil, err
			}
			return res, res.Warnings, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "evolve_report_batch",
		Description: "Apply several patches to one report atomically: either every operation lands or none do.",
		InputSchema: ObjectSchema(map[string]any{
			"report_selector": map[string]any{"type": "string"},
			"operations": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]any{"type": "object"},
			},
			"actor":      map[string]any{"type": "string"},
			"request_id": map[string]any{"type": "string"},
		}, "report_selector", "operations"),
		Handler: func(ctx context.Context, args map[string]any) (any, []string, error) {
			rawOps, _ := args["operations"].([]any)
			ops := make([]*patch.ProposedChanges, 0, len(rawOps))
			for i, raw := range rawOps {
				c, err := decodeChanges(raw)
				if err != nil {
					return nil, nil, fmt.Errorf("operations[%d]: %w", i, err)
				}
				ops = append(ops, c)
			}
			res, err := s.Engine.EvolveBatch(ctx, argString(args, "report_selector"), ops,
				actorOrAgent(args), argString(args, "request_id"))
			if err != nil {
				return nil, nil, err
			}
			return res, res.Warnings, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "get_report",
		Description: "Retrieve a report at a chosen granularity: summary, filtered sections or insights, or the full outline.",
		InputSchema: ObjectSchema(map[string]any{
			"report_selector": map[string]any{"type": "string"},
			"mode":            map[string]any{"type": "string", "enum": []string{"summary", "sections", "insights", "full"}},
			"section_ids":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"section_titles":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"insight_ids":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"min_importance":  map[string]any{"type": "integer"},
			"limit":           map[string]any{"type": "integer", "minimum": 1},
			"offset":          map[string]any{"type": "integer", "minimum": 0},
			"include_audit":   map[string]any{"type": "integer", "minimum": 0},
			"include_content": map[string]any{"type": "boolean"},
			"request_id":      map[string]any{"type": "string"},
		}, "report_selector"),
		Handler: func(_ context.Context, args map[string]any) (any, []string, error) {
			res, err := report.Get(s.Storage, s.Index, report.GetRequest{
				Selector:       argString(args, "report_selector"),
				Mode:           argString(args, "mode"),
				SectionIDs:     argStrings(args, "section_ids"),
				SectionTitles:  argStrings(args, "section_titles"),
				InsightIDs:     argStrings(args, "insight_ids"),
				MinImportance:  argInt(args, "min_importance"),
				Limit:          argInt(args, "limit"),
				Offset:         argInt(args, "offset"),
				IncludeAudit:   argInt(args, "include_audit"),
				IncludeContent: argBool(args, "include_content"),
			})
			if err != nil {
				return nil, nil, err
			}
			return res, nil, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "get_report_schema",
		Description: "Describe the proposed_changes contract as a JSON schema, worked examples or a compact cheat sheet.",
		InputSchema: ObjectSchema(map[string]any{
			"schema_type": map[string]any{"type": "string", "enum": []string{"proposed_changes"}},
			"format":      map[string]any{"type": "string", "enum": []string{"json_schema", "examples", "compact"}},
			"request_id":  map[string]any{"type": "string"},
		}),
		Handler: func(_ context.Context, args map[string]any) (any, []string, error) {
			format := argString(args, "format")
			if format == "" {
				format = patch.FormatJSONSchema
			}
			doc, err := patch.DescribeSchema(format)
			if err != nil {
				return nil, nil, err
			}
			return map[string]any{
				"schema_type": "proposed_changes",
				"format":      format,
				"schema":      doc,
			}, nil, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "render_report",
		Description: "Render a report to markdown or HTML; pdf and docx name the external converter to use.",
		InputSchema: ObjectSchema(map[string]any{
			"report_selector":   map[string]any{"type": "string"},
			"format":            map[string]any{"type": "string", "enum": []string{"md", "html", "html_standalone", "pdf", "docx"}},
			"include_preview":   map[string]any{"type": "boolean"},
			"preview_max_chars": map[string]any{"type": "integer", "minimum": 100, "maximum": 10000},
			"output_path":       map[string]any{"type": "string", "description": "also write the artifact to this file"},
			"dry_run":           map[string]any{"type": "boolean", "description": "validate and size the render without returning the artifact"},
			"request_id":        map[string]any{"type": "string"},
		}, "report_selector"),
		Handler: func(_ context.Context, args map[string]any) (any, []string, error) {
			entry, err := s.Index.Resolve(argString(args, "report_selector"))
			if err != nil {
				return nil, nil, err
			}
			o, err := s.Storage.Load(entry.ReportID)
			if err != nil {
				return nil, nil, err
			}
			res, err := render.Render(o, render.Request{
				Format:          argString(args, "format"),
				IncludePreview:  argBool(args, "include_preview"),
				PreviewMaxChars: argInt(args, "preview_max_chars"),
			})
			if err != nil {
				return nil, nil, err
			}
			if argBool(args, "dry_run") {
				return map[string]any{
					"dry_run":          true,
					"format":           res.Format,
					"template":         res.Template,
					"citation_markers": res.Markers,
					"content_chars":    len(res.Content),
				}, nil, nil
			}
			var warnings []string
			if path := argString(args, "output_path"); path != "" {
				if err := os.WriteFile(path, []byte(res.Content), 0o644); err != nil {
					warnings = append(warnings, fmt.Sprintf("rendered but could not write %s: %v", path, err))
				}
			}
			return res, warnings, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "search_report",
		Description: "Find reports by title substring, tags or status; fields narrows what each match carries.",
		InputSchema: ObjectSchema(map[string]any{
			"title":      map[string]any{"type": "string"},
			"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"status":     map[string]any{"type": "string", "enum": []string{"active", "archived", "deleted"}},
			"fields":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"request_id": map[string]any{"type": "string"},
		}),
		Handler: func(_ context.Context, args map[string]any) (any, []string, error) {
			entries, err := s.Index.Search(report.SearchRequest{
				Title:  argString(args, "title"),
				Tags:   argStrings(args, "tags"),
				Status: argString(args, "status"),
			})
			if err != nil {
				return nil, nil, err
			}
			if fields := argStrings(args, "fields"); len(fields) > 0 {
				projected, err := projectFields(entries, fields)
				if err != nil {
					return nil, nil, err
				}
				return map[string]any{"reports": projected, "count": len(projected)}, nil, nil
			}
			return map[string]any{"reports": entries, "count": len(entries)}, nil, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "search_citations",
		Description: "Search citations across every report, with optional grouping; limit=0 returns counts only.",
		InputSchema: ObjectSchema(map[string]any{
			"source_type":          map[string]any{"type": "string", "enum": []string{"query", "api", "url", "observation", "document"}},
			"provider":             map[string]any{"type": "string"},
			"url_contains":         map[string]any{"type": "string"},
			"description_contains": map[string]any{"type": "string"},
			"execution_id":         map[string]any{"type": "string"},
			"group_by":             map[string]any{"type": "string", "enum": []string{"source", "provider"}},
			"limit":                map[string]any{"type": "integer", "minimum": 0},
			"offset":               map[string]any{"type": "integer", "minimum": 0},
			"request_id":           map[string]any{"type": "string"},
		}),
		Handler: func(_ context.Context, args map[string]any) (any, []string, error) {
			limit := -1 // absent means the default page size, not count-only
			if _, ok := args["limit"]; ok {
				limit = argInt(args, "limit")
			}
			res, err := report.SearchCitations(s.Storage, s.Index, report.CitationFilter{
				SourceType:          argString(args, "source_type"),
				Provider:            argString(args, "provider"),
				URLContains:         argString(args, "url_contains"),
				DescriptionContains: argString(args, "description_contains"),
				ExecutionID:         argString(args, "execution_id"),
				GroupBy:             argString(args, "group_by"),
				Limit:               limit,
				Offset:              argInt(args, "offset"),
			})
			if err != nil {
				return nil, nil, err
			}
			return res, nil, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "attach_chart_to_report",
		Description: "Copy a chart image into a report's assets and link it to insights.",
		InputSchema: ObjectSchema(map[string]any{
			"report_selector":    map[string]any{"type": "string"},
			"chart_path":         map[string]any{"type": "string"},
			"format":             map[string]any{"type": "string", "enum": []string{"png", "jpg", "jpeg", "svg", "gif", "webp"}},
			"linked_insight_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"source":             map[string]any{"type": "string"},
			"description":        map[string]any{"type": "string"},
			"actor":              map[string]any{"type": "string"},
			"request_id":         map[string]any{"type": "string"},
		}, "report_selector", "chart_path"),
		Handler: func(ctx context.Context, args map[string]any) (any, []string, error) {
			entry, err := s.Index.Resolve(argString(args, "report_selector"))
			if err != nil {
				return nil, nil, err
			}
			res, err := s.Storage.AttachChart(ctx, entry.ReportID, report.AttachChartRequest{
				Selector:         argString(args, "report_selector"),
				SourcePath:       argString(args, "chart_path"),
				Format:           argString(args, "format"),
				LinkedInsightIDs: argStrings(args, "linked_insight_ids"),
				Source:           argString(args, "source"),
				Description:      argString(args, "description"),
				Actor:            actorOrAgent(args),
				RequestID:        argString(args, "request_id"),
			}, s.Config.Reports.ChartMaxMB)
			if err != nil {
				return nil, nil, err
			}
			return res, res.Warnings, nil
		},
	})

	r.MustRegister(&Tool{
		Name:        "revert_report",
		Description: "Restore a report to its state before a given audit action, recorded as a new version.",
		InputSchema: ObjectSchema(map[string]any{
			"report_selector": map[string]any{"type": "string"},
			"action_id":       map[string]any{"type": "string"},
			"actor":           map[string]any{"type": "string"},
			"request_id":      map[string]any{"type": "string"},
		}, "report_selector", "action_id"),
		Handler: func(ctx context.Context, args map[string]any) (any, []string, error) {
			entry, err := s.Index.Resolve(argString(args, "report_selector"))
			if err != nil {
				return nil, nil, err
			}
			o, err := s.Storage.Revert(ctx, entry.ReportID, argString(args, "action_id"),
				actorOrAgent(args), argString(args, "request_id"))
			if err != nil {
				return nil, nil, err
			}
			var warnings []string
			if err := s.Index.Append(ctx, report.EntryFor(o)); err != nil {
				warnings = append(warnings, fmt.Sprintf("reverted but index update failed: %v", err))
			}
			return map[string]any{
				"report_id":       o.ReportID,
				"outline_version": o.Version,
				"title":           o.Title,
			}, warnings, nil
		},
	})
}

// decodeChanges accepts the raw proposed_changes object from loosely
// typed tool arguments.
func decodeChanges(raw any) (*patch.ProposedChanges, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("proposed_changes is not serializable: %w", err)
	}
	return patch.Decode(data)
}

func actorOrAgent(args map[string]any) string {
	if actor := argString(args, "actor"); actor != "" {
		return actor
	}
	return report.ActorAgent
}

// Loose argument accessors. The dispatcher has already coerced numeric
// strings, so numbers arrive as float64 from JSON decoding.

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// projectFields keeps only the named JSON fields of each index entry;
// report_id always survives so matches stay addressable.
func projectFields(entries []report.IndexEntry, fields []string) ([]map[string]any, error) {
	want := map[string]bool{"report_id": true}
	for _, f := range fields {
		want[f] = true
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		full := map[string]any{}
		if err := json.Unmarshal(raw, &full); err != nil {
			return nil, err
		}
		row := map[string]any{}
		for k, v := range full {
			if want[k] {
				row[k] = v
			}
		}
		out = append(out, row)
	}
	return out, nil
}
