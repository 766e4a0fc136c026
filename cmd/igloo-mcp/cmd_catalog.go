package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"igloomcp/internal/catalog"
)

var (
	catalogDatabase    string
	catalogAccount     bool
	catalogOutputDir   string
	catalogFormat      string
	catalogIncremental bool
	graphDot           bool
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Build and inspect on-disk warehouse catalogs",
}

var catalogBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Crawl warehouse metadata into catalog files",
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, cleanup, err := buildServices(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer cleanup()

		scope := catalog.ScopeCurrent
		if catalogAccount {
			scope = catalog.ScopeAccount
		} else if catalogDatabase != "" {
			scope = catalog.ScopeDatabase
		}

		res, err := svcs.Catalog.Build(cmd.Context(), catalog.BuildRequest{
			Scope:       scope,
			Database:    catalogDatabase,
			OutputDir:   catalogOutputDir,
			Format:      catalogFormat,
			Incremental: catalogIncremental,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Built %d objects across %d database(s) into %s\n",
			res.Objects, len(res.Databases), res.OutputDir)
		if res.Reused > 0 {
			fmt.Printf("Reused DDL for %d unchanged objects\n", res.Reused)
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s: %s\n", w.Code, w.Message)
		}
		return nil
	},
}

var catalogSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search built catalogs by name, schema, column or comment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, cleanup, err := buildServices(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := catalog.Search(svcs.CatalogRoot, catalog.SearchRequest{
			Query:    args[0],
			Database: catalogDatabase,
		})
		if err != nil {
			return err
		}
		if len(res.Hits) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, h := range res.Hits {
			fmt.Printf("%-10s %s.%s.%s", h.Kind, h.Database, h.Schema, h.Name)
			if h.Comment != "" {
				fmt.Printf("  -- %s", h.Comment)
			}
			fmt.Println()
		}
		fmt.Printf("\n%d of %d matches shown\n", len(res.Hits), res.TotalMatched)
		return nil
	},
}

var catalogGraphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the object dependency graph derived from catalog DDL",
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, cleanup, err := buildServices(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer cleanup()

		g, err := loadGraph(cmd.Context(), svcs.CatalogRoot, catalogDatabase)
		if err != nil {
			return err
		}
		if graphDot {
			fmt.Print(g.DOT())
			return nil
		}
		for _, e := range g.Edges {
			fmt.Printf("%s -> %s\n", e.From, e.To)
		}
		fmt.Printf("\n%d nodes, %d edges\n", len(g.Nodes), len(g.Edges))
		return nil
	},
}

func loadGraph(_ context.Context, root, database string) (*catalog.Graph, error) {
	var dbs []string
	if database != "" {
		dbs = []string{database}
	} else {
		var err error
		dbs, err = catalog.ListBuilt(root)
		if err != nil {
			return nil, err
		}
	}
	if len(dbs) == 0 {
		return nil, fmt.Errorf("no catalogs built under %s; run \"igloo-mcp catalog build\" first", root)
	}
	var snaps []*catalog.Snapshot
	for _, db := range dbs {
		snap, err := catalog.LoadSnapshot(root, db)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return catalog.BuildGraph(snaps...), nil
}

func init() {
	catalogCmd.PersistentFlags().StringVarP(&catalogDatabase, "database", "d", "", "restrict to one database")

	catalogBuildCmd.Flags().BoolVar(&catalogAccount, "account", false, "crawl every non-system database")
	catalogBuildCmd.Flags().StringVar(&catalogOutputDir, "output-dir", "", "override the catalog root")
	catalogBuildCmd.Flags().StringVar(&catalogFormat, "format", "json", "output format (json, jsonl)")
	catalogBuildCmd.Flags().BoolVar(&catalogIncremental, "incremental", false, "reuse DDL of unchanged objects")

	catalogGraphCmd.Flags().BoolVar(&graphDot, "dot", false, "emit Graphviz dot")

	catalogCmd.AddCommand(catalogBuildCmd)
	catalogCmd.AddCommand(catalogSearchCmd)
	catalogCmd.AddCommand(catalogGraphCmd)
}
