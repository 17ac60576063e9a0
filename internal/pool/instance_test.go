package pool

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/backlogd/internal/events"
	"github.com/ShayCichocki/backlogd/pkg/models"
)

// writeAgentScript writes a shell script to act as the agent binary.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write agent script: %v", err)
	}
	return path
}

func newTestInstance(t *testing.T, scriptBody string) (*Instance, *events.Bus, string) {
	t.Helper()
	projectDir := t.TempDir()
	bus := events.NewBus(256)
	t.Cleanup(bus.Close)

	inst := NewInstance(InstanceConfig{
		AgentID:     "abcd1234",
		ProjectName: "demo",
		ProjectDir:  projectDir,
		AgentBinary: writeAgentScript(t, scriptBody),
		Model:       "default",
		Bus:         bus,
	})
	t.Cleanup(func() {
		if inst.Status().Live() {
			inst.Stop()
		}
	})
	return inst, bus, projectDir
}

// collectLogs drains agent_log events until want lines arrive or the
// timeout expires.
func collectLogs(t *testing.T, sub *events.Subscription, want int, timeout time.Duration) []string {
	t.Helper()
	var lines []string
	deadline := time.After(timeout)
	for len(lines) < want {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return lines
			}
			if logEv, isLog := ev.(events.AgentLog); isLog {
				lines = append(lines, logEv.Line)
			}
		case <-deadline:
			t.Fatalf("timed out after collecting %d/%d lines: %v", len(lines), want, lines)
		}
	}
	return lines
}

func waitForStatus(t *testing.T, inst *Instance, want models.AgentStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if inst.Status() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("agent never reached status %s (now %s)", want, inst.Status())
}

func TestInstance_StartCreatesLockAndSetsIdle(t *testing.T) {
	inst, _, _ := newTestInstance(t, "sleep 60")

	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if inst.Status() != models.AgentStatusIdle {
		t.Errorf("expected idle, got %s", inst.Status())
	}

	data, err := os.ReadFile(inst.LockFile())
	if err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid != inst.PID() {
		t.Errorf("lock file content %q does not match pid %d", data, inst.PID())
	}

	if err := inst.Start(); err == nil {
		t.Error("expected error starting a live agent")
	}
}

func TestInstance_SubprocessReceivesAgentID(t *testing.T) {
	inst, bus, _ := newTestInstance(t, `echo "id=$AGENT_ID"; sleep 60`)
	sub := bus.Subscribe()
	defer sub.Close()

	if err := inst.Start(); err != nil {
		t.Fatal(err)
	}

	lines := collectLogs(t, sub, 1, 5*time.Second)
	if lines[0] != "id=abcd1234" {
		t.Errorf("expected AGENT_ID in environment, got %q", lines[0])
	}
}

func TestInstance_StreamsInOrderWithRedaction(t *testing.T) {
	inst, bus, _ := newTestInstance(t, strings.Join([]string{
		`echo "line one"`,
		`echo "ANTHROPIC_API_KEY=abc123"`,
		`echo "line three"`,
		"sleep 60",
	}, "\n"))
	sub := bus.Subscribe()
	defer sub.Close()

	if err := inst.Start(); err != nil {
		t.Fatal(err)
	}

	lines := collectLogs(t, sub, 3, 5*time.Second)
	want := []string{"line one", "ANTHROPIC_API_KEY=[REDACTED]", "line three"}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d = %q, want %q", i, lines[i], w)
		}
	}
}

func TestInstance_AuthBannerEmittedOnceBeforeTrigger(t *testing.T) {
	inst, bus, _ := newTestInstance(t, strings.Join([]string{
		`echo "starting"`,
		`echo "error: invalid api key provided"`,
		`echo "error: invalid api key provided"`,
		"sleep 60",
	}, "\n"))
	sub := bus.Subscribe()
	defer sub.Close()

	if err := inst.Start(); err != nil {
		t.Fatal(err)
	}

	banner := AuthErrorHelpLines()
	// starting + banner + two error lines
	lines := collectLogs(t, sub, 3+len(banner), 5*time.Second)

	if lines[0] != "starting" {
		t.Errorf("expected first output line before banner, got %q", lines[0])
	}
	for i, help := range banner {
		if lines[1+i] != help {
			t.Fatalf("banner line %d = %q, want %q", i, lines[1+i], help)
		}
	}
	// The banner precedes the triggering line and is not repeated.
	if !strings.Contains(lines[1+len(banner)], "invalid api key") {
		t.Errorf("expected triggering line after banner, got %q", lines[1+len(banner)])
	}
	joined := strings.Join(lines, "\n")
	if strings.Count(joined, "AGENT AUTHENTICATION ERROR") != 1 {
		t.Error("expected the banner exactly once")
	}
}

func TestInstance_CleanExitBecomesStopped(t *testing.T) {
	inst, _, _ := newTestInstance(t, `echo done`)

	if err := inst.Start(); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, inst, models.AgentStatusStopped, 5*time.Second)
	if _, err := os.Stat(inst.LockFile()); !os.IsNotExist(err) {
		t.Error("expected lock removed after clean exit")
	}
}

func TestInstance_NonZeroExitBecomesCrashed(t *testing.T) {
	inst, _, _ := newTestInstance(t, `echo failing; exit 3`)

	if err := inst.Start(); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, inst, models.AgentStatusCrashed, 5*time.Second)
	if _, err := os.Stat(inst.LockFile()); !os.IsNotExist(err) {
		t.Error("expected lock removed after crash")
	}
}

func TestInstance_StopTerminatesAndRemovesLock(t *testing.T) {
	inst, _, _ := newTestInstance(t, "sleep 60")

	if err := inst.Start(); err != nil {
		t.Fatal(err)
	}
	if err := inst.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	if inst.Status() != models.AgentStatusStopped {
		t.Errorf("expected stopped, got %s", inst.Status())
	}
	if _, err := os.Stat(inst.LockFile()); !os.IsNotExist(err) {
		t.Error("expected lock removed on stop")
	}

	if err := inst.Stop(); err == nil {
		t.Error("expected error stopping a stopped agent")
	}
}

func TestInstance_PauseResume(t *testing.T) {
	inst, _, _ := newTestInstance(t, "sleep 60")

	if err := inst.Start(); err != nil {
		t.Fatal(err)
	}

	if err := inst.Pause(); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	if inst.Status() != models.AgentStatusPaused {
		t.Errorf("expected paused, got %s", inst.Status())
	}

	// Pausing twice is rejected.
	if err := inst.Pause(); err == nil {
		t.Error("expected error pausing a paused agent")
	}

	if err := inst.Resume(); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if inst.Status() != models.AgentStatusIdle {
		t.Errorf("expected idle after resume, got %s", inst.Status())
	}

	if err := inst.Resume(); err == nil {
		t.Error("expected error resuming a non-paused agent")
	}
}

func TestInstance_HealthcheckDetectsExternalKill(t *testing.T) {
	inst, _, _ := newTestInstance(t, "sleep 60")

	if err := inst.Start(); err != nil {
		t.Fatal(err)
	}
	if !inst.Healthcheck() {
		t.Fatal("expected healthy agent")
	}

	// Kill the subprocess behind the supervisor's back.
	proc, err := os.FindProcess(inst.PID())
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, inst, models.AgentStatusCrashed, 5*time.Second)

	if inst.Healthcheck() {
		t.Error("expected unhealthy after external kill")
	}
	if _, err := os.Stat(inst.LockFile()); !os.IsNotExist(err) {
		t.Error("expected lock removed after crash detection")
	}
}

func TestInstance_WorkingLifecycle(t *testing.T) {
	inst, bus, _ := newTestInstance(t, "sleep 60")
	sub := bus.Subscribe()
	defer sub.Close()

	if err := inst.Start(); err != nil {
		t.Fatal(err)
	}

	inst.SetCurrentFeature(7)
	if inst.Status() != models.AgentStatusWorking {
		t.Errorf("expected working, got %s", inst.Status())
	}
	info := inst.Info()
	if info.CurrentFeatureID == nil || *info.CurrentFeatureID != 7 {
		t.Errorf("expected current feature 7, got %+v", info.CurrentFeatureID)
	}

	inst.ClearCurrentFeature()
	if inst.Status() != models.AgentStatusIdle {
		t.Errorf("expected idle, got %s", inst.Status())
	}

	// The working transition was published with the feature id.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if st, ok := ev.(events.AgentInstanceStatus); ok && st.Status == models.AgentStatusWorking {
				if st.FeatureID == nil || *st.FeatureID != 7 {
					t.Errorf("working event missing feature id: %+v", st)
				}
				return
			}
		case <-deadline:
			t.Fatal("no working status event")
		}
	}
}
