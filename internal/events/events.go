// Package events provides the typed event bus that connects the feature
// store and agent pools to observers (dashboard, transports).
package events

import (
	"time"

	"github.com/ShayCichocki/backlogd/pkg/models"
)

// Type discriminates event payloads.
type Type string

const (
	// TypeProgress reports backlog completion progress.
	TypeProgress Type = "progress"
	// TypeFeatureUpdate reports a single feature's pass state change.
	TypeFeatureUpdate Type = "feature_update"
	// TypeAgentPool reports a pool membership or status change.
	TypeAgentPool Type = "agent_pool"
	// TypeAgentLog carries one sanitized line of agent output.
	TypeAgentLog Type = "agent_log"
	// TypeAgentInstanceStatus reports one agent's lifecycle change.
	TypeAgentInstanceStatus Type = "agent_instance_status"
	// TypeDependencyResolved reports features unblocked by a pass.
	TypeDependencyResolved Type = "dependency_resolved"
)

// Event is the common interface for all bus payloads.
type Event interface {
	// EventType returns the type discriminator used on the wire.
	EventType() Type
}

// Progress reports overall backlog progress.
type Progress struct {
	Type       Type    `json:"type"`
	Passing    int     `json:"passing"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// EventType implements Event.
func (Progress) EventType() Type { return TypeProgress }

// FeatureUpdate reports a feature's pass state.
type FeatureUpdate struct {
	Type      Type  `json:"type"`
	FeatureID int64 `json:"feature_id"`
	Passes    bool  `json:"passes"`
}

// EventType implements Event.
func (FeatureUpdate) EventType() Type { return TypeFeatureUpdate }

// AgentPool reports a pool snapshot.
type AgentPool struct {
	Type         Type               `json:"type"`
	ProjectName  string             `json:"project_name"`
	Agents       []models.AgentInfo `json:"agents"`
	ActiveCount  int                `json:"active_count"`
	IdleCount    int                `json:"idle_count"`
	WorkingCount int                `json:"working_count"`
}

// EventType implements Event.
func (AgentPool) EventType() Type { return TypeAgentPool }

// AgentLog carries one sanitized output line from an agent subprocess.
type AgentLog struct {
	Type      Type      `json:"type"`
	AgentID   string    `json:"agent_id"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType implements Event.
func (AgentLog) EventType() Type { return TypeAgentLog }

// AgentInstanceStatus reports one agent's lifecycle transition.
type AgentInstanceStatus struct {
	Type      Type               `json:"type"`
	AgentID   string             `json:"agent_id"`
	Status    models.AgentStatus `json:"status"`
	FeatureID *int64             `json:"feature_id,omitempty"`
}

// EventType implements Event.
func (AgentInstanceStatus) EventType() Type { return TypeAgentInstanceStatus }

// DependencyResolved reports the features unblocked when a feature passed.
type DependencyResolved struct {
	Type                Type    `json:"type"`
	FeatureID           int64   `json:"feature_id"`
	UnblockedFeatureIDs []int64 `json:"unblocked_feature_ids"`
}

// EventType implements Event.
func (DependencyResolved) EventType() Type { return TypeDependencyResolved }

// NewProgress builds a Progress event with its discriminator set.
func NewProgress(passing, total int, percentage float64) Progress {
	return Progress{Type: TypeProgress, Passing: passing, Total: total, Percentage: percentage}
}

// NewFeatureUpdate builds a FeatureUpdate event with its discriminator set.
func NewFeatureUpdate(featureID int64, passes bool) FeatureUpdate {
	return FeatureUpdate{Type: TypeFeatureUpdate, FeatureID: featureID, Passes: passes}
}

// NewAgentLog builds an AgentLog event stamped with the current time.
func NewAgentLog(agentID, line string) AgentLog {
	return AgentLog{Type: TypeAgentLog, AgentID: agentID, Line: line, Timestamp: time.Now().UTC()}
}
