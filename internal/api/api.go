// Package api exposes the feature, pool, and task operations as
// JSON-shaped responses. Transports (HTTP, WebSocket, CLI) render
// these structs; the package itself carries no network code.
package api

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/backlogd/internal/feature"
	"github.com/ShayCichocki/backlogd/internal/supervisor"
	"github.com/ShayCichocki/backlogd/internal/task"
	"github.com/ShayCichocki/backlogd/pkg/models"
)

// ErrorResponse is the uniform error shape: a single error string.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RegressionResponse carries a random sample of passing features.
type RegressionResponse struct {
	Features []models.Feature `json:"features"`
	Count    int              `json:"count"`
}

// SkipResponse reports the queue rotation of a skipped feature.
type SkipResponse struct {
	FeatureID   int64 `json:"feature_id"`
	OldPriority int64 `json:"old_priority"`
	NewPriority int64 `json:"new_priority"`
}

// CreateBulkResponse reports a batch insert.
type CreateBulkResponse struct {
	Created  int              `json:"created"`
	Features []models.Feature `json:"features"`
}

// SpawnResponse reports a spawn request's outcome.
type SpawnResponse struct {
	Spawned int                `json:"spawned"`
	Agents  []models.AgentInfo `json:"agents"`
	Errors  []string           `json:"errors"`
}

// ActionResponse reports a single agent action (stop, pause, resume).
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StopAllResponse reports a pool-wide stop.
type StopAllResponse struct {
	Stopped int      `json:"stopped"`
	Errors  []string `json:"errors"`
}

// HealthResponse reports a pool health sweep.
type HealthResponse struct {
	Agents     map[string]bool `json:"agents"`
	AllHealthy bool            `json:"all_healthy"`
}

// API is the transport-neutral operation surface for one server.
type API struct {
	sup *supervisor.Supervisor
}

// New creates an API over a supervisor.
func New(sup *supervisor.Supervisor) *API {
	return &API{sup: sup}
}

// GetStats returns backlog progress for a project.
func (a *API) GetStats(project string) (models.Stats, error) {
	store, err := a.sup.Store(project)
	if err != nil {
		return models.Stats{}, err
	}
	return store.Stats()
}

// GetNext returns the next feature to work on, or an ErrorResponse
// with the no-work message when the backlog is complete.
func (a *API) GetNext(project string) (any, error) {
	store, err := a.sup.Store(project)
	if err != nil {
		return nil, err
	}
	f, err := store.GetNext()
	if err != nil {
		return nil, err
	}
	if f == nil {
		return ErrorResponse{Error: feature.NoWorkMessage}, nil
	}
	return f, nil
}

// GetForRegression returns a random sample of passing features.
func (a *API) GetForRegression(project string, limit int) (RegressionResponse, error) {
	store, err := a.sup.Store(project)
	if err != nil {
		return RegressionResponse{}, err
	}
	features, err := store.GetForRegression(limit)
	if err != nil {
		return RegressionResponse{}, err
	}
	return RegressionResponse{Features: features, Count: len(features)}, nil
}

// MarkInProgress claims a feature for an agent.
func (a *API) MarkInProgress(project string, featureID int64, agentID string) (*models.Feature, error) {
	store, err := a.sup.Store(project)
	if err != nil {
		return nil, err
	}
	return store.MarkInProgress(featureID, agentID)
}

// ClearInProgress drops a feature's claim.
func (a *API) ClearInProgress(project string, featureID int64) (*models.Feature, error) {
	store, err := a.sup.Store(project)
	if err != nil {
		return nil, err
	}
	return store.ClearInProgress(featureID)
}

// Skip rotates a feature to the queue tail.
func (a *API) Skip(project string, featureID int64) (SkipResponse, error) {
	store, err := a.sup.Store(project)
	if err != nil {
		return SkipResponse{}, err
	}
	oldP, newP, err := store.Skip(featureID)
	if err != nil {
		return SkipResponse{}, err
	}
	return SkipResponse{FeatureID: featureID, OldPriority: oldP, NewPriority: newP}, nil
}

// MarkPassing runs the guarded passing transition.
func (a *API) MarkPassing(ctx context.Context, project string, featureID int64, evidence string) (*models.Feature, error) {
	store, err := a.sup.Store(project)
	if err != nil {
		return nil, err
	}
	return store.MarkPassing(ctx, featureID, evidence)
}

// Create inserts a single feature.
func (a *API) Create(project string, fc models.FeatureCreate) (*models.Feature, error) {
	store, err := a.sup.Store(project)
	if err != nil {
		return nil, err
	}
	return store.Create(fc)
}

// CreateBulk inserts a batch of features.
func (a *API) CreateBulk(project string, items []models.FeatureCreate) (CreateBulkResponse, error) {
	store, err := a.sup.Store(project)
	if err != nil {
		return CreateBulkResponse{}, err
	}
	created, err := store.CreateBulk(items)
	if err != nil {
		return CreateBulkResponse{}, err
	}
	return CreateBulkResponse{Created: len(created), Features: created}, nil
}

// PoolStatus returns the agent pool snapshot.
func (a *API) PoolStatus(project string) (models.PoolStatus, error) {
	p, err := a.sup.Pool(project)
	if err != nil {
		return models.PoolStatus{}, err
	}
	return p.Status(), nil
}

// SpawnAgents launches count agents; count is clamped to [1, 10].
func (a *API) SpawnAgents(project string, count int, model string, yoloMode bool) (SpawnResponse, error) {
	if count < 1 {
		count = 1
	}
	if count > 10 {
		count = 10
	}
	if model == "" {
		model = a.sup.DefaultModel()
	}

	p, err := a.sup.Pool(project)
	if err != nil {
		return SpawnResponse{}, err
	}

	spawned, errs := p.SpawnAgents(count, model, yoloMode)
	resp := SpawnResponse{Spawned: len(spawned), Agents: []models.AgentInfo{}, Errors: errs}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	for _, inst := range spawned {
		resp.Agents = append(resp.Agents, inst.Info())
	}
	return resp, nil
}

// GetAgent returns one agent's snapshot.
func (a *API) GetAgent(project, agentID string) (models.AgentInfo, error) {
	p, err := a.sup.Pool(project)
	if err != nil {
		return models.AgentInfo{}, err
	}
	inst, ok := p.Get(agentID)
	if !ok {
		return models.AgentInfo{}, fmt.Errorf("agent %s not found", agentID)
	}
	return inst.Info(), nil
}

// StopAgent stops one agent.
func (a *API) StopAgent(project, agentID string) (ActionResponse, error) {
	p, err := a.sup.Pool(project)
	if err != nil {
		return ActionResponse{}, err
	}
	if err := p.StopAgent(agentID); err != nil {
		return ActionResponse{Success: false, Message: err.Error()}, nil
	}
	return ActionResponse{Success: true, Message: "agent " + agentID + " stopped"}, nil
}

// PauseAgent suspends one agent.
func (a *API) PauseAgent(project, agentID string) (ActionResponse, error) {
	p, err := a.sup.Pool(project)
	if err != nil {
		return ActionResponse{}, err
	}
	if err := p.PauseAgent(agentID); err != nil {
		return ActionResponse{Success: false, Message: err.Error()}, nil
	}
	return ActionResponse{Success: true, Message: "agent " + agentID + " paused"}, nil
}

// ResumeAgent continues a paused agent.
func (a *API) ResumeAgent(project, agentID string) (ActionResponse, error) {
	p, err := a.sup.Pool(project)
	if err != nil {
		return ActionResponse{}, err
	}
	if err := p.ResumeAgent(agentID); err != nil {
		return ActionResponse{Success: false, Message: err.Error()}, nil
	}
	return ActionResponse{Success: true, Message: "agent " + agentID + " resumed"}, nil
}

// StopAllAgents stops the whole pool.
func (a *API) StopAllAgents(project string) (StopAllResponse, error) {
	p, err := a.sup.Pool(project)
	if err != nil {
		return StopAllResponse{}, err
	}
	stopped, errs := p.StopAllAgents()
	if errs == nil {
		errs = []string{}
	}
	return StopAllResponse{Stopped: stopped, Errors: errs}, nil
}

// Healthcheck sweeps the pool for dead processes.
func (a *API) Healthcheck(project string) (HealthResponse, error) {
	p, err := a.sup.Pool(project)
	if err != nil {
		return HealthResponse{}, err
	}
	results := p.HealthcheckAll()
	resp := HealthResponse{Agents: results, AllHealthy: true}
	for _, healthy := range results {
		if !healthy {
			resp.AllHealthy = false
			break
		}
	}
	return resp, nil
}

// PredefinedTasks returns the curated task list.
func (a *API) PredefinedTasks() []task.PredefinedTask {
	return a.sup.Runner().Predefined()
}

// RunTask executes a predefined task or, when name is "custom", the
// allow-listed custom command.
func (a *API) RunTask(ctx context.Context, project, name, customCmd string) (task.RunResult, error) {
	dir, err := a.sup.ProjectDir(project)
	if err != nil {
		return task.RunResult{}, err
	}
	if name == "custom" {
		if customCmd == "" {
			return task.RunResult{}, fmt.Errorf("custom task requires a command")
		}
		return a.sup.Runner().Run(ctx, dir, customCmd)
	}
	return a.sup.Runner().RunPredefined(ctx, dir, name)
}
