package models

import "time"

// AgentStatus represents the current state of an agent subprocess.
type AgentStatus string

const (
	// AgentStatusIdle indicates the agent is running but has no claim.
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusWorking indicates the agent holds a feature claim.
	AgentStatusWorking AgentStatus = "working"
	// AgentStatusPaused indicates the agent process is suspended.
	AgentStatusPaused AgentStatus = "paused"
	// AgentStatusStopped indicates the agent exited cleanly.
	AgentStatusStopped AgentStatus = "stopped"
	// AgentStatusCrashed indicates the agent process died unexpectedly.
	AgentStatusCrashed AgentStatus = "crashed"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusWorking, AgentStatusPaused,
		AgentStatusStopped, AgentStatusCrashed:
		return true
	default:
		return false
	}
}

// Live returns true for statuses backed by a running process.
func (s AgentStatus) Live() bool {
	switch s {
	case AgentStatusIdle, AgentStatusWorking, AgentStatusPaused:
		return true
	default:
		return false
	}
}

// AgentInfo is the externally visible snapshot of one agent.
type AgentInfo struct {
	// AgentID is the short opaque identifier.
	AgentID string `json:"agent_id"`
	// ProjectName is the project this agent works on.
	ProjectName string `json:"project_name,omitempty"`
	// Status is the current lifecycle state.
	Status AgentStatus `json:"status"`
	// PID is the subprocess id, zero when not running.
	PID int `json:"pid,omitempty"`
	// Model is the opaque model configuration passed to the agent binary.
	Model string `json:"model"`
	// YoloMode is the opaque permissions flag passed to the agent binary.
	YoloMode bool `json:"yolo_mode"`
	// CurrentFeatureID is the claimed feature, if any.
	CurrentFeatureID *int64 `json:"current_feature_id,omitempty"`
	// StartedAt is when the subprocess was launched.
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// PoolStatus is a snapshot of an agent pool.
type PoolStatus struct {
	ProjectName  string      `json:"project_name"`
	Agents       []AgentInfo `json:"agents"`
	ActiveCount  int         `json:"active_count"`
	IdleCount    int         `json:"idle_count"`
	WorkingCount int         `json:"working_count"`
	PausedCount  int         `json:"paused_count"`
	TotalCount   int         `json:"total_count"`
	MaxAgents    int         `json:"max_agents"`
}
