package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"igloomcp/internal/artifacts"
	"igloomcp/internal/cache"
	"igloomcp/internal/catalog"
	"igloomcp/internal/config"
	"igloomcp/internal/health"
	"igloomcp/internal/history"
	"igloomcp/internal/patch"
	"igloomcp/internal/query"
	"igloomcp/internal/report"
	"igloomcp/internal/tools"
	"igloomcp/internal/warehouse"
)

const version = "0.9.0"

// buildServices wires every subsystem from configuration. With
// needWarehouse false the warehouse client stays nil and only the
// filesystem-backed tools work (render, search, health without ping).
func buildServices(ctx context.Context, needWarehouse bool) (*tools.Services, func(), error) {
	paths, err := config.ResolvePaths(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	var client warehouse.Client
	if needWarehouse {
		client, err = openWarehouse(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	var hist *history.Log
	if paths.HistoryPath != "" {
		hist = history.NewLog(paths.HistoryPath, logger.Named("history"))
	}

	store := artifacts.NewStore(paths.ArtifactRoot)
	resultCache := cache.New(paths.CacheRoot, cfg.Cache.MaxRows, logger.Named("cache"))

	defaults := warehouse.SessionContext{
		Warehouse: cfg.Snowflake.Warehouse,
		Database:  cfg.Snowflake.Database,
		Schema:    cfg.Snowflake.Schema,
		Role:      cfg.Snowflake.Role,
	}

	var querySvc *query.Service
	var catalogSvc *catalog.Service
	if client != nil {
		querySvc = query.NewService(cfg, client, store, hist, resultCache, defaults, logger.Named("query"))
		catalogSvc = catalog.NewService(cfg, catalog.ClientQuerier{Client: client}, paths.CatalogRoot, logger.Named("catalog"))
	}

	storage := report.NewStorage(paths.ReportsRoot, report.StorageOptions{
		LockTimeout: time.Duration(cfg.Reports.LockTimeoutSeconds) * time.Second,
		RotateMB:    cfg.Reports.AuditRotateMB,
		MaxBackups:  cfg.Reports.MaxBackups,
	}, logger.Named("reports"))
	index := report.NewIndex(storage, logger.Named("reports"))
	engine := patch.NewEngine(storage, index, logger.Named("patch"))
	monitor := health.NewMonitor(cfg, client, storage, paths.CatalogRoot, logger.Named("health"))

	svcs := &tools.Services{
		Config:      cfg,
		Query:       querySvc,
		Catalog:     catalogSvc,
		CatalogRoot: paths.CatalogRoot,
		Storage:     storage,
		Index:       index,
		Engine:      engine,
		Health:      monitor,
		Client:      client,
		Log:         logger,
	}

	cleanup := func() {
		if client != nil {
			_ = client.Close()
		}
	}
	return svcs, cleanup, nil
}

// openWarehouse dials Snowflake using the configured profile. The
// password never lives in the config file.
func openWarehouse(ctx context.Context) (warehouse.Client, error) {
	password := os.Getenv("SNOWFLAKE_PASSWORD")
	if password == "" {
		password = os.Getenv("IGLOO_MCP_PASSWORD")
	}
	if cfg.Snowflake.Account == "" || cfg.Snowflake.User == "" {
		return nil, fmt.Errorf("snowflake account and user must be configured (profile %q)", cfg.Profile)
	}
	if password == "" {
		return nil, fmt.Errorf("set SNOWFLAKE_PASSWORD (or IGLOO_MCP_PASSWORD) for profile %q", cfg.Profile)
	}

	client, err := warehouse.Open(ctx, warehouse.ConnConfig{
		Account:   cfg.Snowflake.Account,
		User:      cfg.Snowflake.User,
		Password:  password,
		Warehouse: cfg.Snowflake.Warehouse,
		Database:  cfg.Snowflake.Database,
		Schema:    cfg.Snowflake.Schema,
		Role:      cfg.Snowflake.Role,
	}, logger.Named("warehouse"))
	if err != nil {
		return nil, err
	}
	logger.Info("warehouse connected",
		zap.String("account", cfg.Snowflake.Account),
		zap.String("profile", cfg.Profile))
	return client, nil
}
