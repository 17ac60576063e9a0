package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/backlogd/internal/tui"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Live terminal dashboard for the project's pool and backlog",
	Long: `Open the live dashboard: backlog progress, the agent pool with
per-agent status, and a scrolling feed of redacted agent output.

The dashboard runs the supervision loop while open, so healthchecks
and signal files keep working.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		// Warm up the pool and signal manager so the loop has targets,
		// and sweep stale locks from previous runs.
		sup.CleanupOrphanedLocks()
		if _, err := sup.Pool(project); err != nil {
			return err
		}
		if _, err := sup.Signals(project); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go sup.Run(ctx)

		sub := sup.Bus().Subscribe()
		defer sub.Close()

		return tui.Run(project, sub)
	},
}
