package main

import (
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/backlogd/internal/api"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage the agent pool",
}

var (
	spawnCount int
	spawnModel string
	spawnYolo  bool
	stopAll    bool
)

var agentsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the agent pool snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		status, err := api.New(sup).PoolStatus(project)
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var agentsSpawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn agents (1-10 at a time)",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		resp, err := api.New(sup).SpawnAgents(project, spawnCount, spawnModel, spawnYolo)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var agentsStopCmd = &cobra.Command{
	Use:   "stop [agent-id]",
	Short: "Stop one agent, or every agent with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		a := api.New(sup)
		if stopAll {
			resp, err := a.StopAllAgents(project)
			if err != nil {
				return err
			}
			return printJSON(resp)
		}
		if len(args) != 1 {
			return cmd.Usage()
		}
		resp, err := a.StopAgent(project, args[0])
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var agentsPauseCmd = &cobra.Command{
	Use:   "pause <agent-id>",
	Short: "Suspend an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		resp, err := api.New(sup).PauseAgent(project, args[0])
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var agentsResumeCmd = &cobra.Command{
	Use:   "resume <agent-id>",
	Short: "Resume a paused agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		resp, err := api.New(sup).ResumeAgent(project, args[0])
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var agentsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Healthcheck every agent and reap crashed ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		resp, err := api.New(sup).Healthcheck(project)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var agentsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned agent lock files across registered projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, _, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		cleaned := sup.CleanupOrphanedLocks()
		return printJSON(map[string]int{"cleaned": cleaned})
	},
}

func init() {
	agentsSpawnCmd.Flags().IntVar(&spawnCount, "count", 1, "Number of agents to spawn (1-10)")
	agentsSpawnCmd.Flags().StringVar(&spawnModel, "model", "", "Model passed to the agent binary")
	agentsSpawnCmd.Flags().BoolVar(&spawnYolo, "yolo", false, "Pass --yolo to the agent binary")
	agentsStopCmd.Flags().BoolVar(&stopAll, "all", false, "Stop every agent in the pool")

	agentsCmd.AddCommand(agentsStatusCmd)
	agentsCmd.AddCommand(agentsSpawnCmd)
	agentsCmd.AddCommand(agentsStopCmd)
	agentsCmd.AddCommand(agentsPauseCmd)
	agentsCmd.AddCommand(agentsResumeCmd)
	agentsCmd.AddCommand(agentsHealthCmd)
	agentsCmd.AddCommand(agentsCleanupCmd)
}
