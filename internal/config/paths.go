package config

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Path scopes.
const (
	ScopeGlobal = "global" // ~/.igloo_mcp
	ScopeRepo   = "repo"   // nearest enclosing repository root
)

// Paths is the fully resolved set of filesystem roots the server writes to.
// Explicit overrides always beat scope-derived defaults; a conflict between
// the two is logged once at resolution time.
type Paths struct {
	Root         string // scope root, e.g. ~/.igloo_mcp
	HistoryPath  string // logs/doc.jsonl ("" when history is disabled)
	ArtifactRoot string // logs/artifacts
	CacheRoot    string // logs/artifacts/cache
	ReportsRoot  string // reports
	CatalogRoot  string // catalogs
}

// ResolvePaths derives the filesystem layout from configuration.
//
// Precedence per root: explicit IGLOO_MCP_* override > derived from scope.
// When an explicit root lies outside the scope root, the resolver keeps the
// explicit value and warns, since the combination is usually a leftover from
// switching scopes.
func ResolvePaths(cfg *Config, log *zap.Logger) (Paths, error) {
	root, err := scopeRoot(cfg.Paths.Scope)
	if err != nil {
		return Paths{}, err
	}

	p := Paths{Root: root}

	p.ArtifactRoot = cfg.Paths.ArtifactRoot
	if p.ArtifactRoot == "" {
		p.ArtifactRoot = filepath.Join(root, "logs", "artifacts")
	} else {
		warnOutsideScope(log, "artifact_root", p.ArtifactRoot, root)
	}

	p.CacheRoot = cfg.Paths.CacheRoot
	if p.CacheRoot == "" {
		p.CacheRoot = filepath.Join(p.ArtifactRoot, "cache")
	}

	if cfg.HistoryDisabled() {
		p.HistoryPath = ""
	} else if cfg.Paths.HistoryPath != "" {
		p.HistoryPath = cfg.Paths.HistoryPath
	} else {
		p.HistoryPath = filepath.Join(root, "logs", "doc.jsonl")
	}

	p.ReportsRoot = cfg.Paths.ReportsRoot
	if p.ReportsRoot == "" {
		p.ReportsRoot = filepath.Join(root, "reports")
	} else {
		warnOutsideScope(log, "reports_root", p.ReportsRoot, root)
	}

	p.CatalogRoot = cfg.Paths.CatalogRoot
	if p.CatalogRoot == "" {
		p.CatalogRoot = filepath.Join(root, "catalogs")
	} else {
		warnOutsideScope(log, "catalog_root", p.CatalogRoot, root)
	}

	return p, nil
}

// scopeRoot returns the base directory for the given scope.
func scopeRoot(scope string) (string, error) {
	if scope == ScopeRepo {
		if repo, ok := findRepoRoot(); ok {
			return filepath.Join(repo, ".igloo_mcp"), nil
		}
		// No repository found; fall through to the global root so the
		// server still comes up in a bare directory.
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".igloo_mcp"), nil
}

// findRepoRoot walks upward from the working directory looking for .git.
func findRepoRoot() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func warnOutsideScope(log *zap.Logger, name, value, root string) {
	if log == nil {
		return
	}
	rel, err := filepath.Rel(root, value)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		log.Warn("explicit root overrides scope-derived location",
			zap.String("setting", name),
			zap.String("value", value),
			zap.String("scope_root", root))
	}
}
