package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/backlogd/internal/config"
	"github.com/ShayCichocki/backlogd/internal/registry"
)

var (
	initForce          bool
	initProjectName    string
	initSkipAgentCheck bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a backlogd project",
	Long: `Initialize a directory for use with backlogd.

This command sets up everything needed to supervise agents:
  - Verifies prerequisites (git, the agent binary)
  - Creates the .backlogd directory structure and .agents lock dir
  - Registers the project in the global registry
  - Updates .gitignore with backlogd entries

The directory argument is optional and defaults to the current directory.

Examples:
  backlogd init              # Initialize current directory
  backlogd init ./myproject  # Initialize specific directory
  backlogd init --force      # Reinitialize even if already set up`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
	initCmd.Flags().StringVar(&initProjectName, "project-name", "", "Override auto-detected project name")
	initCmd.Flags().BoolVar(&initSkipAgentCheck, "skip-agent-check", false, "Skip agent binary availability check")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing backlogd in %s...\n\n", absPath)

	backlogdDir := filepath.Join(absPath, ".backlogd")
	if _, err := os.Stat(backlogdDir); err == nil && !initForce {
		fmt.Printf("Directory already initialized. Use --force to reinitialize.\n")
		return nil
	}

	if err := checkGitInstalled(); err != nil {
		printStatus("✗", "Git not found", color.FgRed)
		return err
	}
	printStatus("✓", "Git found", color.FgGreen)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !initSkipAgentCheck {
		if err := CheckAgentBinary(cfg.Agent.Binary); err != nil {
			printStatus("✗", fmt.Sprintf("Agent binary %q not found", cfg.Agent.Binary), color.FgRed)
			return err
		}
		printStatus("✓", fmt.Sprintf("Agent binary %q found", cfg.Agent.Binary), color.FgGreen)
	}

	for _, dir := range []string{
		backlogdDir,
		filepath.Join(backlogdDir, "logs"),
		filepath.Join(backlogdDir, "signals"),
		filepath.Join(absPath, ".agents"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	printStatus("✓", "Created .backlogd directory structure", color.FgGreen)

	if err := updateGitignore(absPath); err != nil {
		return err
	}
	printStatus("✓", "Updated .gitignore with backlogd entries", color.FgGreen)

	name := initProjectName
	if name == "" {
		name = filepath.Base(absPath)
	}
	reg, err := registry.Open(registry.DefaultPath())
	if err != nil {
		return err
	}
	defer reg.Close()
	if err := reg.Add(name, absPath); err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Registered project %q", name), color.FgGreen)

	fmt.Printf("\n%s backlogd initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	fmt.Println("  backlogd features create --category core --name \"First feature\" ...")
	fmt.Println("  backlogd agents spawn --count 2")
	fmt.Println("  backlogd dashboard")
	return nil
}

func printStatus(mark, message string, attr color.Attribute) {
	c := color.New(attr)
	fmt.Printf("%s %s\n", c.Sprint(mark), message)
}

func checkGitInstalled() error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git not found in PATH; install git first")
	}
	return nil
}

// gitignoreEntries are appended to the project .gitignore when missing.
var gitignoreEntries = []string{
	".backlogd/",
	".agents/",
	".features_backups/",
	"features.db",
	"features.db-wal",
	"features.db-shm",
}

func updateGitignore(projectDir string) error {
	path := filepath.Join(projectDir, ".gitignore")

	existing := ""
	if data, err := os.ReadFile(path); err == nil {
		existing = string(data)
	}

	var missing []string
	for _, entry := range gitignoreEntries {
		if !strings.Contains(existing, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open .gitignore: %w", err)
	}
	defer f.Close()

	if existing != "" && !strings.HasSuffix(existing, "\n") {
		fmt.Fprintln(f)
	}
	fmt.Fprintln(f, "\n# backlogd")
	for _, entry := range missing {
		fmt.Fprintln(f, entry)
	}
	return nil
}
