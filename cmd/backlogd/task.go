package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/backlogd/internal/api"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Run curated or allow-listed commands in the project root",
}

var taskCustomCmd string

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the predefined tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, _, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		return printJSON(api.New(sup).PredefinedTasks())
	},
}

var taskRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a predefined task, or \"custom\" with --cmd",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := api.New(sup).RunTask(context.Background(), project, args[0], taskCustomCmd)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func init() {
	taskRunCmd.Flags().StringVar(&taskCustomCmd, "cmd", "", "Command string for the \"custom\" task (allow-listed)")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskRunCmd)
}
