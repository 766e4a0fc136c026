package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthOffline bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check profile, connectivity, catalog and report store health",
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, cleanup, err := buildServices(cmd.Context(), !healthOffline)
		if err != nil {
			return err
		}
		defer cleanup()

		rep, err := svcs.Health.Check(cmd.Context(), true)
		if err != nil {
			return err
		}
		for _, c := range rep.Checks {
			fmt.Printf("%-14s %-9s %s\n", c.Component, c.Status, c.Detail)
		}
		fmt.Printf("\noverall: %s\n", rep.Status)
		if rep.Status == "failed" {
			return fmt.Errorf("health check failed")
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().BoolVar(&healthOffline, "offline", false, "skip the warehouse connection")
}
