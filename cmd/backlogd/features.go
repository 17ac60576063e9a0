package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/backlogd/internal/api"
	"github.com/ShayCichocki/backlogd/pkg/models"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Inspect and mutate the feature queue",
}

var (
	createCategory    string
	createName        string
	createDescription string
	createSteps       []string
	createVerifyCmd   string
	regressionLimit   int
	claimAgentID      string
)

var featuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all features in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		store, err := sup.Store(project)
		if err != nil {
			return err
		}
		features, err := store.List()
		if err != nil {
			return err
		}
		return printJSON(features)
	},
}

var featuresStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show backlog progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := api.New(sup).GetStats(project)
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var featuresNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the next feature to work on",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		next, err := api.New(sup).GetNext(project)
		if err != nil {
			return err
		}
		return printJSON(next)
	},
}

var featuresRegressionCmd = &cobra.Command{
	Use:   "regression",
	Short: "Sample random passing features for regression testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		resp, err := api.New(sup).GetForRegression(project, regressionLimit)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var featuresCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a single feature at the queue tail",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		created, err := api.New(sup).Create(project, models.FeatureCreate{
			Category:            createCategory,
			Name:                createName,
			Description:         createDescription,
			Steps:               createSteps,
			VerificationCommand: createVerifyCmd,
		})
		if err != nil {
			return err
		}
		return printJSON(created)
	},
}

var featuresImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Bulk-create features from a JSON array",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		var items []models.FeatureCreate
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		resp, err := api.New(sup).CreateBulk(project, items)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var featuresSkipCmd = &cobra.Command{
	Use:   "skip <feature-id>",
	Short: "Move a feature to the tail of the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseFeatureID(args[0])
		if err != nil {
			return err
		}

		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		resp, err := api.New(sup).Skip(project, id)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var featuresClaimCmd = &cobra.Command{
	Use:   "claim <feature-id>",
	Short: "Mark a feature in-progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseFeatureID(args[0])
		if err != nil {
			return err
		}

		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		f, err := api.New(sup).MarkInProgress(project, id, claimAgentID)
		if err != nil {
			return err
		}
		return printJSON(f)
	},
}

var featuresClearCmd = &cobra.Command{
	Use:   "clear <feature-id>",
	Short: "Clear a feature's in-progress flag (manual unstick)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseFeatureID(args[0])
		if err != nil {
			return err
		}

		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		f, err := api.New(sup).ClearInProgress(project, id)
		if err != nil {
			return err
		}
		return printJSON(f)
	},
}

var featuresPassCmd = &cobra.Command{
	Use:   "pass <feature-id> <evidence>",
	Short: "Mark a feature passing (runs its verification command)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseFeatureID(args[0])
		if err != nil {
			return err
		}

		sup, project, cleanup, err := newSupervisor()
		if err != nil {
			return err
		}
		defer cleanup()

		f, err := api.New(sup).MarkPassing(context.Background(), project, id, args[1])
		if err != nil {
			return err
		}
		return printJSON(f)
	},
}

func parseFeatureID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid feature id %q", arg)
	}
	return id, nil
}

func init() {
	featuresCreateCmd.Flags().StringVar(&createCategory, "category", "", "Feature category (required)")
	featuresCreateCmd.Flags().StringVar(&createName, "name", "", "Feature name (required)")
	featuresCreateCmd.Flags().StringVar(&createDescription, "description", "", "Feature description (required)")
	featuresCreateCmd.Flags().StringArrayVar(&createSteps, "step", nil, "Implementation step (repeatable, required)")
	featuresCreateCmd.Flags().StringVar(&createVerifyCmd, "verify", "", "Verification command that must exit 0")

	featuresRegressionCmd.Flags().IntVar(&regressionLimit, "limit", 3, "Sample size (1-10)")
	featuresClaimCmd.Flags().StringVar(&claimAgentID, "agent", "", "Claiming agent id")

	featuresCmd.AddCommand(featuresListCmd)
	featuresCmd.AddCommand(featuresStatsCmd)
	featuresCmd.AddCommand(featuresNextCmd)
	featuresCmd.AddCommand(featuresRegressionCmd)
	featuresCmd.AddCommand(featuresCreateCmd)
	featuresCmd.AddCommand(featuresImportCmd)
	featuresCmd.AddCommand(featuresSkipCmd)
	featuresCmd.AddCommand(featuresClaimCmd)
	featuresCmd.AddCommand(featuresClearCmd)
	featuresCmd.AddCommand(featuresPassCmd)
}
