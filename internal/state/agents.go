package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentRecord is the persisted row for a pool agent.
type AgentRecord struct {
	AgentID          string
	ProjectName      string
	Status           string
	Model            string
	YoloMode         bool
	PID              int
	CreatedAt        time.Time
	StartedAt        *time.Time
	LastHeartbeat    *time.Time
	CurrentFeatureID *int64
}

// CreateAgent inserts a row for a newly spawned agent. A leftover row
// with the same id (e.g. from a crash) is replaced.
func (db *DB) CreateAgent(a *AgentRecord) error {
	var startedAt any
	if a.StartedAt != nil {
		startedAt = FormatTime(*a.StartedAt)
	}
	_, err := db.Exec(`
		INSERT OR REPLACE INTO agents (agent_id, project_name, status, model, yolo_mode, pid, created_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.ProjectName, a.Status, a.Model, a.YoloMode, a.PID,
		FormatTime(a.CreatedAt), startedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent %s: %w", a.AgentID, err)
	}
	return nil
}

// UpdateAgentStatus updates an agent's status, current feature, and
// heartbeat. Missing rows are ignored: status updates race with clean
// stops that delete the row.
func (db *DB) UpdateAgentStatus(agentID, status string, currentFeatureID *int64) error {
	var feat any
	if currentFeatureID != nil {
		feat = *currentFeatureID
	}
	_, err := db.Exec(`
		UPDATE agents SET status = ?, current_feature_id = ?, last_heartbeat = ?
		WHERE agent_id = ?`,
		status, feat, FormatTime(time.Now()), agentID,
	)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", agentID, err)
	}
	return nil
}

// DeleteAgent removes an agent row on clean stop.
func (db *DB) DeleteAgent(agentID string) error {
	_, err := db.Exec(`DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", agentID, err)
	}
	return nil
}

// GetAgent loads one agent row.
func (db *DB) GetAgent(agentID string) (*AgentRecord, error) {
	row := db.QueryRow(`
		SELECT agent_id, project_name, status, model, yolo_mode,
		       COALESCE(pid, 0), created_at, started_at, last_heartbeat, current_feature_id
		FROM agents WHERE agent_id = ?`, agentID)

	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	return a, nil
}

// ListAgents returns all agent rows for a project.
func (db *DB) ListAgents(projectName string) ([]AgentRecord, error) {
	rows, err := db.Query(`
		SELECT agent_id, project_name, status, model, yolo_mode,
		       COALESCE(pid, 0), created_at, started_at, last_heartbeat, current_feature_id
		FROM agents WHERE project_name = ? ORDER BY created_at`, projectName)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read agents: %w", err)
	}
	return out, nil
}

type agentScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row agentScanner) (*AgentRecord, error) {
	var (
		a         AgentRecord
		createdAt string
		startedAt sql.NullString
		heartbeat sql.NullString
		featureID sql.NullInt64
	)
	err := row.Scan(&a.AgentID, &a.ProjectName, &a.Status, &a.Model, &a.YoloMode,
		&a.PID, &createdAt, &startedAt, &heartbeat, &featureID)
	if err != nil {
		return nil, err
	}

	t, err := ParseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	a.CreatedAt = t
	a.StartedAt = ParseNullableTime(startedAt)
	a.LastHeartbeat = ParseNullableTime(heartbeat)
	if featureID.Valid {
		a.CurrentFeatureID = &featureID.Int64
	}

	return &a, nil
}
