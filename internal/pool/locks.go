package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ShayCichocki/backlogd/internal/logging"
)

// CleanupOrphanedLocks removes stale agent lock files left behind by
// previous runs. A lock is stale when its PID is dead, when the live
// process's command line does not reference the agent binary, or when
// the file is malformed. Returns the number of locks removed.
func CleanupOrphanedLocks(projectDirs []string, agentBinary string, log *logging.DebugLogger) int {
	if log == nil {
		log = logging.NopLogger()
	}

	cleaned := 0
	for _, dir := range projectDirs {
		agentsDir := filepath.Join(dir, AgentsDirName)
		locks, err := filepath.Glob(filepath.Join(agentsDir, "*.lock"))
		if err != nil {
			continue
		}

		for _, lock := range locks {
			if lockIsOrphaned(lock, agentBinary) {
				if err := os.Remove(lock); err == nil {
					cleaned++
					log.Log("removed orphaned agent lock: %s", lock)
				}
			}
		}
	}

	if cleaned > 0 {
		log.Log("cleaned up %d orphaned agent lock file(s)", cleaned)
	}
	return cleaned
}

// lockIsOrphaned decides whether one lock file is stale.
func lockIsOrphaned(lockPath, agentBinary string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		// Malformed lock files are always removed.
		return true
	}

	if !pidExists(pid) {
		return true
	}

	// The PID is live; keep the lock only when the process is actually
	// an agent. An unreadable command line counts as not-an-agent.
	cmdline, err := readCmdline(pid)
	if err != nil {
		return true
	}
	return !strings.Contains(cmdline, filepath.Base(agentBinary))
}

// pidExists probes process liveness with a null signal.
func pidExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return err == syscall.EPERM
}

// readCmdline returns the process command line via /proc.
func readCmdline(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(data), "\x00", " "), nil
}
