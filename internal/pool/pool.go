package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/backlogd/internal/events"
	"github.com/ShayCichocki/backlogd/internal/logging"
	"github.com/ShayCichocki/backlogd/internal/state"
	"github.com/ShayCichocki/backlogd/pkg/models"
)

// DefaultMaxAgents caps a pool when no limit is configured.
const DefaultMaxAgents = 10

// Config contains configuration for a project's agent pool.
type Config struct {
	ProjectName string
	ProjectDir  string
	// AgentBinary is the executable spawned for each agent.
	AgentBinary string
	// MaxAgents caps concurrent agents; DefaultMaxAgents when zero.
	MaxAgents int
	Bus       *events.Bus
	// DB persists agent rows. Optional.
	DB     *state.DB
	Logger *logging.DebugLogger
}

// Pool manages the set of agents for one project.
type Pool struct {
	cfg Config
	log *logging.DebugLogger

	mu     sync.RWMutex
	agents map[string]*Instance
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = DefaultMaxAgents
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	return &Pool{
		cfg:    cfg,
		log:    log,
		agents: make(map[string]*Instance),
	}
}

// ProjectName returns the project this pool serves.
func (p *Pool) ProjectName() string {
	return p.cfg.ProjectName
}

// generateAgentID returns a short opaque agent identifier.
func generateAgentID() string {
	return uuid.New().String()[:8]
}

// SpawnAgent launches one agent. Refuses when the pool is full.
func (p *Pool) SpawnAgent(model string, yoloMode bool) (*Instance, error) {
	p.mu.Lock()
	if len(p.agents) >= p.cfg.MaxAgents {
		p.mu.Unlock()
		return nil, fmt.Errorf("maximum agents (%d) reached", p.cfg.MaxAgents)
	}

	agentID := generateAgentID()
	inst := NewInstance(InstanceConfig{
		AgentID:     agentID,
		ProjectName: p.cfg.ProjectName,
		ProjectDir:  p.cfg.ProjectDir,
		AgentBinary: p.cfg.AgentBinary,
		Model:       model,
		YoloMode:    yoloMode,
		Bus:         p.cfg.Bus,
		DB:          p.cfg.DB,
		Logger:      p.log,
	})
	p.agents[agentID] = inst
	p.mu.Unlock()

	if err := inst.Start(); err != nil {
		p.mu.Lock()
		delete(p.agents, agentID)
		p.mu.Unlock()
		return nil, err
	}

	p.registerAgentDB(inst)
	p.publishPoolStatus()

	return inst, nil
}

// SpawnAgents launches count agents sequentially, accumulating
// per-agent errors.
func (p *Pool) SpawnAgents(count int, model string, yoloMode bool) ([]*Instance, []string) {
	var spawned []*Instance
	var errs []string

	for i := 0; i < count; i++ {
		inst, err := p.SpawnAgent(model, yoloMode)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		spawned = append(spawned, inst)
	}
	return spawned, errs
}

// Get returns an agent by id.
func (p *Pool) Get(agentID string) (*Instance, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, ok := p.agents[agentID]
	return inst, ok
}

// All returns every agent in the pool.
func (p *Pool) All() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Instance, 0, len(p.agents))
	for _, inst := range p.agents {
		out = append(out, inst)
	}
	return out
}

// StopAgent stops one agent and removes it from the pool and the
// database.
func (p *Pool) StopAgent(agentID string) error {
	inst, ok := p.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %s not found", agentID)
	}

	if err := inst.Stop(); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.agents, agentID)
	p.mu.Unlock()

	p.removeAgentDB(agentID)
	p.publishPoolStatus()
	return nil
}

// StopAllAgents stops every agent, returning the stopped count and
// accumulated errors.
func (p *Pool) StopAllAgents() (int, []string) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	stopped := 0
	var errs []string
	for _, id := range ids {
		if err := p.StopAgent(id); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		stopped++
	}
	return stopped, errs
}

// PauseAgent suspends one agent.
func (p *Pool) PauseAgent(agentID string) error {
	inst, ok := p.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %s not found", agentID)
	}
	if err := inst.Pause(); err != nil {
		return err
	}
	p.publishPoolStatus()
	return nil
}

// ResumeAgent continues a paused agent.
func (p *Pool) ResumeAgent(agentID string) error {
	inst, ok := p.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %s not found", agentID)
	}
	if err := inst.Resume(); err != nil {
		return err
	}
	p.publishPoolStatus()
	return nil
}

// HealthcheckAll checks every agent's process liveness. Crashed agents
// are reaped from the live map; a pool event is published when any
// were.
func (p *Pool) HealthcheckAll() map[string]bool {
	p.mu.RLock()
	agents := make(map[string]*Instance, len(p.agents))
	for id, inst := range p.agents {
		agents[id] = inst
	}
	p.mu.RUnlock()

	results := make(map[string]bool, len(agents))
	var crashed []string
	for id, inst := range agents {
		healthy := inst.Healthcheck()
		results[id] = healthy
		if !healthy && inst.Status() == models.AgentStatusCrashed {
			crashed = append(crashed, id)
		}
	}

	if len(crashed) > 0 {
		p.mu.Lock()
		for _, id := range crashed {
			delete(p.agents, id)
		}
		p.mu.Unlock()

		for _, id := range crashed {
			p.log.Log("agent %s reaped as crashed", id)
		}
		p.publishPoolStatus()
	}

	return results
}

// Status returns a snapshot of the pool.
func (p *Pool) Status() models.PoolStatus {
	agents := p.All()

	status := models.PoolStatus{
		ProjectName: p.cfg.ProjectName,
		Agents:      make([]models.AgentInfo, 0, len(agents)),
		TotalCount:  len(agents),
		MaxAgents:   p.cfg.MaxAgents,
	}

	for _, inst := range agents {
		info := inst.Info()
		status.Agents = append(status.Agents, info)
		switch info.Status {
		case models.AgentStatusIdle:
			status.IdleCount++
			status.ActiveCount++
		case models.AgentStatusWorking:
			status.WorkingCount++
			status.ActiveCount++
		case models.AgentStatusPaused:
			status.PausedCount++
		}
	}
	return status
}

// publishPoolStatus broadcasts the current pool snapshot.
func (p *Pool) publishPoolStatus() {
	if p.cfg.Bus == nil {
		return
	}
	st := p.Status()
	p.cfg.Bus.Publish(events.AgentPool{
		Type:         events.TypeAgentPool,
		ProjectName:  st.ProjectName,
		Agents:       st.Agents,
		ActiveCount:  st.ActiveCount,
		IdleCount:    st.IdleCount,
		WorkingCount: st.WorkingCount,
	})
}

func (p *Pool) registerAgentDB(inst *Instance) {
	if p.cfg.DB == nil {
		return
	}
	info := inst.Info()
	rec := &state.AgentRecord{
		AgentID:     info.AgentID,
		ProjectName: p.cfg.ProjectName,
		Status:      string(info.Status),
		Model:       info.Model,
		YoloMode:    info.YoloMode,
		PID:         info.PID,
		CreatedAt:   time.Now().UTC(),
		StartedAt:   info.StartedAt,
	}
	if err := p.cfg.DB.CreateAgent(rec); err != nil {
		p.log.Log("agent %s: row not registered: %v", info.AgentID, err)
	}
}

func (p *Pool) removeAgentDB(agentID string) {
	if p.cfg.DB == nil {
		return
	}
	if err := p.cfg.DB.DeleteAgent(agentID); err != nil {
		p.log.Log("agent %s: row not removed: %v", agentID, err)
	}
}
