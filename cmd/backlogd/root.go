package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/backlogd/internal/config"
	"github.com/ShayCichocki/backlogd/internal/registry"
	"github.com/ShayCichocki/backlogd/internal/supervisor"
)

// Global flags
var (
	projectName string
	projectDir  string
)

// CheckAgentBinary verifies the configured agent binary is on PATH.
// Returns an error with setup instructions if not found.
func CheckAgentBinary(binary string) error {
	_, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("agent binary %q not found in PATH\n\n"+
			"backlogd launches this executable for every agent it supervises.\n\n"+
			"Install it, or point backlogd at another binary:\n"+
			"  backlogd --help\n"+
			"  export BACKLOGD_AGENT_BINARY=/path/to/agent", binary)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "backlogd",
	Short: "Feature-queue orchestrator",
	Long: `backlogd holds a prioritized backlog of features and supervises the
pool of agent subprocesses that implement them.

Core capabilities:
- Persistent feature queue with a guarded state machine
- Verification-enforced completion (command must exit 0)
- Agent pool supervision: spawn, pause, resume, stop, healthcheck
- Output streaming with secret redaction
- Allow-listed server-side task execution

Available commands:
  version    Show version information
  init       Initialize backlogd in a project
  features   Inspect and mutate the feature queue
  agents     Manage the agent pool
  task       Run curated or allow-listed commands
  dashboard  Live terminal dashboard
  help       Help about any command

Use "backlogd [command] --help" for more information about a command.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version()

	rootCmd.PersistentFlags().StringVar(&projectName, "project", "", "Registered project name (defaults to the current directory's project)")
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", ".", "Project root directory when --project is not given")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(dashboardCmd)
}

// newSupervisor builds the process supervisor and resolves the target
// project, registering the current directory on first use.
func newSupervisor() (*supervisor.Supervisor, string, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", nil, err
	}

	reg, err := registry.Open(registry.DefaultPath())
	if err != nil {
		return nil, "", nil, err
	}

	name := projectName
	if name == "" {
		abs, err := filepath.Abs(projectDir)
		if err != nil {
			reg.Close()
			return nil, "", nil, fmt.Errorf("resolve project dir: %w", err)
		}
		name = filepath.Base(abs)
		if _, ok := reg.Get(name); !ok {
			if err := reg.Add(name, abs); err != nil {
				reg.Close()
				return nil, "", nil, err
			}
		}
	} else if _, ok := reg.Get(name); !ok {
		reg.Close()
		return nil, "", nil, fmt.Errorf("project %q not found in registry", name)
	}

	sup := supervisor.New(cfg, reg, nil)
	cleanup := func() {
		sup.Close()
		reg.Close()
	}
	return sup, name, cleanup, nil
}

// printJSON renders any response as indented JSON on stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
