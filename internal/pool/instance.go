package pool

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ShayCichocki/backlogd/internal/events"
	"github.com/ShayCichocki/backlogd/internal/logging"
	"github.com/ShayCichocki/backlogd/internal/state"
	"github.com/ShayCichocki/backlogd/pkg/models"
)

const (
	// AgentsDirName is the lock-file directory relative to the project root.
	AgentsDirName = ".agents"
	// stopGracePeriod is how long Stop waits for a clean exit before
	// force-killing.
	stopGracePeriod = 5 * time.Second
	// authRingSize is how many recent unredacted lines are kept for
	// the at-exit auth-error check.
	authRingSize = 20
)

// InstanceConfig contains everything needed to launch one agent.
type InstanceConfig struct {
	AgentID     string
	ProjectName string
	ProjectDir  string
	// AgentBinary is the executable launched as the agent subprocess.
	AgentBinary string
	Model       string
	YoloMode    bool
	// Bus receives agent_log and agent_instance_status events. Optional.
	Bus *events.Bus
	// DB receives agent status updates. Optional.
	DB     *state.DB
	Logger *logging.DebugLogger
}

// Instance is a single supervised agent subprocess.
type Instance struct {
	cfg InstanceConfig
	log *logging.DebugLogger

	mu               sync.Mutex
	cmd              *exec.Cmd
	status           models.AgentStatus
	startedAt        *time.Time
	currentFeatureID *int64
	stopping         bool
	exited           bool
	streamDone       chan struct{}
}

// NewInstance creates an agent instance in the stopped state.
func NewInstance(cfg InstanceConfig) *Instance {
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	return &Instance{
		cfg:    cfg,
		log:    log,
		status: models.AgentStatusStopped,
	}
}

// AgentID returns the instance's opaque identifier.
func (inst *Instance) AgentID() string {
	return inst.cfg.AgentID
}

// Status returns the current lifecycle status.
func (inst *Instance) Status() models.AgentStatus {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status
}

// PID returns the subprocess id, or 0 when not running.
func (inst *Instance) PID() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.pidLocked()
}

func (inst *Instance) pidLocked() int {
	if inst.cmd == nil || inst.cmd.Process == nil {
		return 0
	}
	return inst.cmd.Process.Pid
}

// LockFile returns the path of this agent's lock file.
func (inst *Instance) LockFile() string {
	return filepath.Join(inst.cfg.ProjectDir, AgentsDirName, inst.cfg.AgentID+".lock")
}

// Info returns a snapshot for API responses.
func (inst *Instance) Info() models.AgentInfo {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	info := models.AgentInfo{
		AgentID:     inst.cfg.AgentID,
		ProjectName: inst.cfg.ProjectName,
		Status:      inst.status,
		PID:         inst.pidLocked(),
		Model:       inst.cfg.Model,
		YoloMode:    inst.cfg.YoloMode,
	}
	if inst.startedAt != nil {
		t := *inst.startedAt
		info.StartedAt = &t
	}
	if inst.currentFeatureID != nil {
		id := *inst.currentFeatureID
		info.CurrentFeatureID = &id
	}
	return info
}

// Start launches the agent subprocess with stdout and stderr combined
// into one pipe, creates the lock file, and begins streaming output.
func (inst *Instance) Start() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.status.Live() {
		return fmt.Errorf("agent %s is already %s", inst.cfg.AgentID, inst.status)
	}

	args := []string{"--project-dir", inst.cfg.ProjectDir, "--model", inst.cfg.Model}
	if inst.cfg.YoloMode {
		args = append(args, "--yolo")
	}

	cmd := exec.Command(inst.cfg.AgentBinary, args...)
	cmd.Dir = inst.cfg.ProjectDir
	cmd.Env = append(os.Environ(),
		"AGENT_ID="+inst.cfg.AgentID,
		"PROJECT_DIR="+inst.cfg.ProjectDir,
	)

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("start agent %s: %w", inst.cfg.AgentID, err)
	}
	// The child holds its copy of the write end; closing ours lets the
	// reader see EOF when the child exits.
	pw.Close()

	inst.cmd = cmd
	now := time.Now()
	inst.startedAt = &now
	inst.currentFeatureID = nil
	inst.stopping = false
	inst.exited = false
	inst.streamDone = make(chan struct{})

	if err := inst.createLockLocked(); err != nil {
		inst.log.Log("agent %s: lock file not created: %v", inst.cfg.AgentID, err)
	}
	inst.setStatusLocked(models.AgentStatusIdle)

	go inst.streamOutput(pr, inst.streamDone)

	inst.log.Log("agent %s started with pid %d", inst.cfg.AgentID, cmd.Process.Pid)
	return nil
}

// streamOutput drains the combined pipe line by line, redacting
// secrets, detecting auth errors, and broadcasting each line in
// process-emitted order. When the stream closes it reconciles the
// exit status.
func (inst *Instance) streamOutput(pr *os.File, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(pr)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	ring := make([]string, 0, authRingSize)
	authDetected := false

	for scanner.Scan() {
		line := scanner.Text()

		ring = append(ring, line)
		if len(ring) > authRingSize {
			ring = ring[1:]
		}

		if !authDetected && IsAuthError(line) {
			authDetected = true
			for _, help := range AuthErrorHelpLines() {
				inst.broadcast(help)
			}
		}

		inst.broadcast(Sanitize(line))
	}
	pr.Close()

	err := inst.cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		if inst.cmd.ProcessState != nil {
			exitCode = inst.cmd.ProcessState.ExitCode()
		}
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.exited = true
	if inst.stopping {
		return
	}

	switch inst.status {
	case models.AgentStatusIdle, models.AgentStatusWorking:
		if exitCode != 0 {
			if !authDetected && IsAuthError(strings.Join(ring, "\n")) {
				for _, help := range AuthErrorHelpLines() {
					inst.broadcast(help)
				}
			}
			inst.setStatusLocked(models.AgentStatusCrashed)
		} else {
			inst.setStatusLocked(models.AgentStatusStopped)
		}
	}
	inst.removeLockLocked()
}

// Stop cancels streaming, asks the subprocess to exit, force-kills
// after the grace period, removes the lock, and marks the agent
// stopped.
func (inst *Instance) Stop() error {
	inst.mu.Lock()
	if inst.cmd == nil || inst.status == models.AgentStatusStopped {
		inst.mu.Unlock()
		return fmt.Errorf("agent %s is not running", inst.cfg.AgentID)
	}
	inst.stopping = true
	proc := inst.cmd.Process
	done := inst.streamDone
	inst.mu.Unlock()

	proc.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		proc.Kill()
		<-done
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.removeLockLocked()
	inst.setStatusLocked(models.AgentStatusStopped)
	inst.cmd = nil
	inst.startedAt = nil
	inst.currentFeatureID = nil

	inst.log.Log("agent %s stopped", inst.cfg.AgentID)
	return nil
}

// Pause suspends the subprocess with SIGSTOP. A vanished process
// transitions the agent to crashed.
func (inst *Instance) Pause() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.cmd == nil || (inst.status != models.AgentStatusIdle && inst.status != models.AgentStatusWorking) {
		return fmt.Errorf("agent %s is not running", inst.cfg.AgentID)
	}

	if err := syscall.Kill(inst.pidLocked(), syscall.SIGSTOP); err != nil {
		inst.setStatusLocked(models.AgentStatusCrashed)
		inst.removeLockLocked()
		return fmt.Errorf("agent %s process no longer exists", inst.cfg.AgentID)
	}

	inst.setStatusLocked(models.AgentStatusPaused)
	return nil
}

// Resume continues a paused subprocess with SIGCONT. The agent
// returns to idle; it becomes working again when it claims a feature.
func (inst *Instance) Resume() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.cmd == nil || inst.status != models.AgentStatusPaused {
		return fmt.Errorf("agent %s is not paused", inst.cfg.AgentID)
	}

	if err := syscall.Kill(inst.pidLocked(), syscall.SIGCONT); err != nil {
		inst.setStatusLocked(models.AgentStatusCrashed)
		inst.removeLockLocked()
		return fmt.Errorf("agent %s process no longer exists", inst.cfg.AgentID)
	}

	inst.setStatusLocked(models.AgentStatusIdle)
	return nil
}

// Healthcheck reports whether the subprocess is alive. A dead process
// behind a live logical status flips the agent to crashed and removes
// its lock.
func (inst *Instance) Healthcheck() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.cmd == nil {
		return inst.status == models.AgentStatusStopped
	}

	alive := !inst.exited && syscall.Kill(inst.pidLocked(), 0) == nil
	if !alive {
		if inst.status.Live() {
			inst.setStatusLocked(models.AgentStatusCrashed)
			inst.removeLockLocked()
		}
		return false
	}
	return true
}

// SetCurrentFeature records a feature claim and flips the agent to
// working.
func (inst *Instance) SetCurrentFeature(featureID int64) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.currentFeatureID = &featureID
	inst.setStatusLocked(models.AgentStatusWorking)
}

// ClearCurrentFeature drops the claim and returns the agent to idle.
func (inst *Instance) ClearCurrentFeature() {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.currentFeatureID = nil
	if inst.status == models.AgentStatusWorking {
		inst.setStatusLocked(models.AgentStatusIdle)
	}
}

// setStatusLocked transitions the status, publishes the change, and
// updates the agent's database row. Caller holds inst.mu.
func (inst *Instance) setStatusLocked(status models.AgentStatus) {
	if inst.status == status {
		return
	}
	inst.status = status

	var featureID *int64
	if inst.currentFeatureID != nil {
		id := *inst.currentFeatureID
		featureID = &id
	}

	if inst.cfg.Bus != nil {
		inst.cfg.Bus.Publish(events.AgentInstanceStatus{
			Type:      events.TypeAgentInstanceStatus,
			AgentID:   inst.cfg.AgentID,
			Status:    status,
			FeatureID: featureID,
		})
	}
	if inst.cfg.DB != nil {
		if err := inst.cfg.DB.UpdateAgentStatus(inst.cfg.AgentID, string(status), featureID); err != nil {
			inst.log.Log("agent %s: status update not persisted: %v", inst.cfg.AgentID, err)
		}
	}
}

// broadcast publishes one sanitized output line.
func (inst *Instance) broadcast(line string) {
	if inst.cfg.Bus != nil {
		inst.cfg.Bus.Publish(events.NewAgentLog(inst.cfg.AgentID, line))
	}
}

func (inst *Instance) createLockLocked() error {
	dir := filepath.Join(inst.cfg.ProjectDir, AgentsDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(inst.LockFile(), []byte(strconv.Itoa(inst.pidLocked())), 0644)
}

func (inst *Instance) removeLockLocked() {
	os.Remove(inst.LockFile())
}
