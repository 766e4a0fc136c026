package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"igloomcp/internal/render"
	"igloomcp/internal/report"
)

var (
	renderFormat string
	renderOutput string
	renderPlain  bool
	listStatus   string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect and render living reports",
}

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reports in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, cleanup, err := buildServices(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := svcs.Index.Search(report.SearchRequest{Status: listStatus})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No reports.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-9s %s  (updated %s)\n",
				e.ReportID, e.Status, e.CurrentTitle, e.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var reportRenderCmd = &cobra.Command{
	Use:   "render <selector>",
	Short: "Render a report to the terminal or a file",
	Long: `Renders a report. Markdown output goes through a terminal renderer
for readable previews; --plain or --output skips that and emits the raw
artifact.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, cleanup, err := buildServices(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer cleanup()

		entry, err := svcs.Index.Resolve(args[0])
		if err != nil {
			return err
		}
		o, err := svcs.Storage.Load(entry.ReportID)
		if err != nil {
			return err
		}
		res, err := render.Render(o, render.Request{Format: renderFormat})
		if err != nil {
			return err
		}

		if renderOutput != "" {
			if err := os.WriteFile(renderOutput, []byte(res.Content), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%s, %d citation markers)\n", renderOutput, res.Format, res.Markers)
			return nil
		}

		if res.Format == render.FormatMarkdown && !renderPlain {
			r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
			if err == nil {
				pretty, rerr := r.Render(res.Content)
				if rerr == nil {
					fmt.Print(pretty)
					return nil
				}
			}
			// Terminal rendering is best-effort; fall back to raw markdown.
		}
		fmt.Print(res.Content)
		return nil
	},
}

var reportAuditCmd = &cobra.Command{
	Use:   "audit <selector>",
	Short: "Show the audit trail of a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, cleanup, err := buildServices(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer cleanup()

		entry, err := svcs.Index.Resolve(args[0])
		if err != nil {
			return err
		}
		events, err := svcs.Storage.Audit(entry.ReportID, 0)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Printf("%s  %-22s %-6s %s\n",
				e.Timestamp.Format("2006-01-02 15:04:05"), e.ActionType, e.Actor, e.ActionID)
		}
		return nil
	},
}

func init() {
	reportListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (active, archived, deleted)")

	reportRenderCmd.Flags().StringVarP(&renderFormat, "format", "f", "md", "output format (md, html, html_standalone)")
	reportRenderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "write the artifact to a file")
	reportRenderCmd.Flags().BoolVar(&renderPlain, "plain", false, "skip terminal styling for markdown")

	reportCmd.AddCommand(reportListCmd)
	reportCmd.AddCommand(reportRenderCmd)
	reportCmd.AddCommand(reportAuditCmd)
}
