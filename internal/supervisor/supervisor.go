// Package supervisor owns the process-wide state of a backlogd server:
// the pool registry, per-project stores and databases, the shared
// mark-passing rate limiter, the task runner, and the event bus. It is
// constructed once at startup and torn down with Close.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/backlogd/internal/config"
	"github.com/ShayCichocki/backlogd/internal/events"
	"github.com/ShayCichocki/backlogd/internal/exec"
	"github.com/ShayCichocki/backlogd/internal/feature"
	"github.com/ShayCichocki/backlogd/internal/logging"
	"github.com/ShayCichocki/backlogd/internal/pool"
	"github.com/ShayCichocki/backlogd/internal/registry"
	"github.com/ShayCichocki/backlogd/internal/state"
	"github.com/ShayCichocki/backlogd/internal/task"
	"github.com/ShayCichocki/backlogd/pkg/models"
)

// Supervisor is the root object of a running backlogd process.
type Supervisor struct {
	cfg     *config.Config
	reg     *registry.Registry
	bus     *events.Bus
	limiter *feature.RateLimiter
	runner  *task.Runner
	log     *logging.DebugLogger

	mu      sync.Mutex
	dbs     map[string]*state.DB
	stores  map[string]*feature.Store
	pools   map[string]*pool.Pool
	signals map[string]*pool.SignalManager
	closed  bool
}

// New creates a Supervisor from configuration and a project registry.
func New(cfg *config.Config, reg *registry.Registry, log *logging.DebugLogger) *Supervisor {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &Supervisor{
		cfg:     cfg,
		reg:     reg,
		bus:     events.NewBus(cfg.Events.BufferSize),
		limiter: feature.NewRateLimiter(),
		runner:  task.NewRunner(exec.NewRunner()),
		log:     log,
		dbs:     make(map[string]*state.DB),
		stores:  make(map[string]*feature.Store),
		pools:   make(map[string]*pool.Pool),
		signals: make(map[string]*pool.SignalManager),
	}
}

// Bus returns the shared event bus.
func (s *Supervisor) Bus() *events.Bus {
	return s.bus
}

// Runner returns the shared task runner.
func (s *Supervisor) Runner() *task.Runner {
	return s.runner
}

// Registry returns the project registry.
func (s *Supervisor) Registry() *registry.Registry {
	return s.reg
}

// ProjectDir resolves a project name to its root directory.
func (s *Supervisor) ProjectDir(project string) (string, error) {
	dir, ok := s.reg.Get(project)
	if !ok {
		return "", fmt.Errorf("project %q not found", project)
	}
	return dir, nil
}

// DB returns the project's database, opening and migrating it on first
// use.
func (s *Supervisor) DB(project string) (*state.DB, error) {
	dir, err := s.ProjectDir(project)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("supervisor is closed")
	}
	if db, ok := s.dbs[project]; ok {
		return db, nil
	}

	db, err := state.OpenProject(dir)
	if err != nil {
		return nil, err
	}
	s.dbs[project] = db
	return db, nil
}

// Store returns the project's feature store, creating it on first use.
// All stores share the process-wide rate limiter.
func (s *Supervisor) Store(project string) (*feature.Store, error) {
	db, err := s.DB(project)
	if err != nil {
		return nil, err
	}
	dir, err := s.ProjectDir(project)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if store, ok := s.stores[project]; ok {
		return store, nil
	}

	store := feature.NewStore(feature.StoreConfig{
		DB:          db,
		ProjectRoot: dir,
		Bus:         s.bus,
		Verifier:    s.runner,
		Limiter:     s.limiter,
		Logger:      s.log,
	})
	s.stores[project] = store
	return store, nil
}

// Pool returns the project's agent pool, creating it on first use.
func (s *Supervisor) Pool(project string) (*pool.Pool, error) {
	db, err := s.DB(project)
	if err != nil {
		return nil, err
	}
	dir, err := s.ProjectDir(project)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pools[project]; ok {
		return p, nil
	}

	p := pool.New(pool.Config{
		ProjectName: project,
		ProjectDir:  dir,
		AgentBinary: s.cfg.Agent.Binary,
		MaxAgents:   s.cfg.Pool.MaxAgents,
		Bus:         s.bus,
		DB:          db,
		Logger:      s.log,
	})
	s.pools[project] = p
	return p, nil
}

// Signals returns the project's signal manager, creating it on first
// use.
func (s *Supervisor) Signals(project string) (*pool.SignalManager, error) {
	dir, err := s.ProjectDir(project)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sm, ok := s.signals[project]; ok {
		return sm, nil
	}

	sm, err := pool.NewSignalManager(dir)
	if err != nil {
		return nil, err
	}
	s.signals[project] = sm
	return sm, nil
}

// DefaultModel returns the configured default agent model.
func (s *Supervisor) DefaultModel() string {
	return s.cfg.Agent.DefaultModel
}

// CleanupOrphanedLocks sweeps stale agent locks across every
// registered project. Called once at startup.
func (s *Supervisor) CleanupOrphanedLocks() int {
	return pool.CleanupOrphanedLocks(s.reg.Paths(), s.cfg.Agent.Binary, s.log)
}

// Run drives the supervision loop: periodic healthchecks over every
// live pool plus signal-file handling, until the context is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Timeouts.Healthcheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one supervision pass.
func (s *Supervisor) tick() {
	s.mu.Lock()
	pools := make(map[string]*pool.Pool, len(s.pools))
	for name, p := range s.pools {
		pools[name] = p
	}
	signals := make(map[string]*pool.SignalManager, len(s.signals))
	for name, sm := range s.signals {
		signals[name] = sm
	}
	s.mu.Unlock()

	for project, p := range pools {
		p.HealthcheckAll()

		sm, ok := signals[project]
		if !ok {
			continue
		}
		switch {
		case sm.ShouldStop():
			stopped, errs := p.StopAllAgents()
			s.log.Log("kill signal for %s: stopped %d agent(s), %d error(s)", project, stopped, len(errs))
			sm.ClearSignals()
		case sm.ShouldPause():
			for _, inst := range p.All() {
				if st := inst.Status(); st == models.AgentStatusIdle || st == models.AgentStatusWorking {
					if err := inst.Pause(); err != nil {
						s.log.Log("pause signal for %s: %v", project, err)
					}
				}
			}
			sm.ClearSignals()
		}
	}
}

// Close stops every pool, closes databases, signal managers, and the
// event bus, and drops the rate-limit window.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pools := s.pools
	dbs := s.dbs
	signals := s.signals
	s.pools = make(map[string]*pool.Pool)
	s.dbs = make(map[string]*state.DB)
	s.stores = make(map[string]*feature.Store)
	s.signals = make(map[string]*pool.SignalManager)
	s.mu.Unlock()

	for project, p := range pools {
		if stopped, errs := p.StopAllAgents(); len(errs) > 0 {
			s.log.Log("shutdown of %s: stopped %d, errors: %v", project, stopped, errs)
		}
	}
	for _, sm := range signals {
		sm.Close()
	}

	var firstErr error
	for _, db := range dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.limiter.Reset()
	s.bus.Close()
	return firstErr
}
