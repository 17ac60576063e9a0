// Package feature implements the backlog queue and its state machine.
// Features move pending -> in_progress -> passing; every transition is
// audited, and the passing transition is gated by rate limiting,
// evidence, and command verification.
package feature

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ShayCichocki/backlogd/internal/events"
	"github.com/ShayCichocki/backlogd/internal/graph"
	"github.com/ShayCichocki/backlogd/internal/logging"
	"github.com/ShayCichocki/backlogd/internal/state"
	"github.com/ShayCichocki/backlogd/internal/task"
	"github.com/ShayCichocki/backlogd/pkg/models"
)

// NoWorkMessage is returned by the API when the backlog is complete.
const NoWorkMessage = "All features are passing! No more work to do."

// Verifier runs a feature's verification command.
// *task.Runner satisfies this; tests substitute fakes.
type Verifier interface {
	Verify(ctx context.Context, workDir, command string) (task.VerifyResult, error)
}

// StoreConfig contains the collaborators for a Store.
type StoreConfig struct {
	DB          *state.DB
	ProjectRoot string
	// Bus receives progress/feature/dependency events. Optional.
	Bus *events.Bus
	// Verifier runs verification commands. Required for features that
	// carry a verification_command.
	Verifier Verifier
	// Limiter is the mark-passing rate limiter. Shared process-wide by
	// the supervisor; a private one is created when nil.
	Limiter *RateLimiter
	// Backups manages pre-commit database copies. Created when nil.
	Backups *state.Backups
	Logger  *logging.DebugLogger
}

// Store owns the feature backlog for one project.
type Store struct {
	db          *state.DB
	projectRoot string
	bus         *events.Bus
	verifier    Verifier
	limiter     *RateLimiter
	backups     *state.Backups
	graph       *graph.Graph
	log         *logging.DebugLogger

	// priorityMu serializes priority assignment across skip and create
	// so concurrent inserts cannot collide on the same max+1.
	priorityMu sync.Mutex
}

// NewStore creates a Store from its configuration.
func NewStore(cfg StoreConfig) *Store {
	s := &Store{
		db:          cfg.DB,
		projectRoot: cfg.ProjectRoot,
		bus:         cfg.Bus,
		verifier:    cfg.Verifier,
		limiter:     cfg.Limiter,
		backups:     cfg.Backups,
		graph:       graph.New(cfg.DB),
		log:         cfg.Logger,
	}
	if s.limiter == nil {
		s.limiter = NewRateLimiter()
	}
	if s.backups == nil {
		s.backups = state.NewBackups(cfg.ProjectRoot)
	}
	if s.log == nil {
		s.log = logging.NopLogger()
	}
	return s
}

// Graph returns the dependency graph over the same database.
func (s *Store) Graph() *graph.Graph {
	return s.graph
}

const featureColumns = `id, priority, category, name, description, steps, passes, in_progress,
	assigned_to_agent_id, attempt_count, verification_command, verification_evidence, marked_passing_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeature(row rowScanner) (*models.Feature, error) {
	var (
		f          models.Feature
		steps      string
		agentID    sql.NullString
		verifyCmd  sql.NullString
		evidence   sql.NullString
		passedAt   sql.NullString
	)
	err := row.Scan(
		&f.ID, &f.Priority, &f.Category, &f.Name, &f.Description, &steps,
		&f.Passes, &f.InProgress, &agentID, &f.AttemptCount,
		&verifyCmd, &evidence, &passedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(steps), &f.Steps); err != nil {
		return nil, fmt.Errorf("decode steps for feature %d: %w", f.ID, err)
	}
	f.AssignedToAgentID = agentID.String
	f.VerificationCommand = verifyCmd.String
	f.VerificationEvidence = evidence.String
	f.MarkedPassingAt = state.ParseNullableTime(passedAt)

	return &f, nil
}

// Get loads one feature by id.
func (s *Store) Get(id int64) (*models.Feature, error) {
	row := s.db.QueryRow(`SELECT `+featureColumns+` FROM features WHERE id = ?`, id)
	f, err := scanFeature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feature %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load feature %d: %w", id, err)
	}
	return f, nil
}

// List returns all features ordered by (priority, id).
func (s *Store) List() ([]models.Feature, error) {
	rows, err := s.db.Query(`SELECT ` + featureColumns + ` FROM features ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	var out []models.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}
	return out, nil
}

// Stats returns backlog progress counters.
func (s *Store) Stats() (models.Stats, error) {
	var st models.Stats
	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN passes = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN in_progress = 1 THEN 1 ELSE 0 END), 0)
		FROM features`)
	if err := row.Scan(&st.Total, &st.Passing, &st.InProgress); err != nil {
		return st, fmt.Errorf("count features: %w", err)
	}
	if st.Total > 0 {
		st.Percentage = math.Round(float64(st.Passing)/float64(st.Total)*1000) / 10
	}
	return st, nil
}

// GetNext returns the highest-priority pending feature whose gating
// dependencies all pass. Read-only: claims happen via MarkInProgress.
// Returns (nil, nil) when the backlog is complete or fully blocked.
func (s *Store) GetNext() (*models.Feature, error) {
	rows, err := s.db.Query(`SELECT ` + featureColumns + ` FROM features WHERE passes = 0 ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending features: %w", err)
	}

	var candidates []*models.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read pending features: %w", err)
	}

	for _, f := range candidates {
		ok, _, err := s.graph.Satisfied(f.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return f, nil
		}
	}
	return nil, nil
}

// GetForRegression returns a uniformly random sample of passing
// features. The limit is clamped to [1, 10]; zero means the default 3.
func (s *Store) GetForRegression(limit int) ([]models.Feature, error) {
	if limit == 0 {
		limit = 3
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 10 {
		limit = 10
	}

	rows, err := s.db.Query(`SELECT `+featureColumns+` FROM features WHERE passes = 1 ORDER BY RANDOM() LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query passing features: %w", err)
	}
	defer rows.Close()

	out := []models.Feature{}
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read passing features: %w", err)
	}
	return out, nil
}

// validateCreate checks required fields for one create item.
func validateCreate(fc models.FeatureCreate) error {
	if fc.Category == "" {
		return fmt.Errorf("category is required")
	}
	if fc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if fc.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(fc.Steps) == 0 {
		return fmt.Errorf("steps must not be empty")
	}
	return nil
}

// Create inserts a single feature at the tail of the queue.
func (s *Store) Create(fc models.FeatureCreate) (*models.Feature, error) {
	created, err := s.CreateBulk([]models.FeatureCreate{fc})
	if err != nil {
		return nil, err
	}
	return &created[0], nil
}

// CreateBulk inserts features with consecutive priorities starting at
// the current maximum + 1. Validation errors abort the whole batch
// before anything is written.
func (s *Store) CreateBulk(items []models.FeatureCreate) ([]models.Feature, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no features to create")
	}
	for i, fc := range items {
		if err := validateCreate(fc); err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
	}

	s.priorityMu.Lock()
	defer s.priorityMu.Unlock()

	var ids []int64
	err := s.db.Transaction(func(tx *sql.Tx) error {
		var max int64
		row := tx.QueryRow(`SELECT COALESCE(MAX(priority), 0) FROM features`)
		if err := row.Scan(&max); err != nil {
			return fmt.Errorf("read max priority: %w", err)
		}

		for i, fc := range items {
			steps, err := json.Marshal(fc.Steps)
			if err != nil {
				return fmt.Errorf("encode steps: %w", err)
			}
			res, err := tx.Exec(`
				INSERT INTO features (priority, category, name, description, steps, verification_command)
				VALUES (?, ?, ?, ?, ?, ?)`,
				max+int64(i)+1, fc.Category, fc.Name, fc.Description, string(steps),
				nullString(fc.VerificationCommand),
			)
			if err != nil {
				return fmt.Errorf("insert feature: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("read inserted id: %w", err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	created := make([]models.Feature, 0, len(ids))
	for _, id := range ids {
		f, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		created = append(created, *f)
	}

	s.log.Log("created %d feature(s), priorities through %d", len(created), created[len(created)-1].Priority)
	return created, nil
}

// ListStatusChanges returns the most recent audit rows, newest first.
func (s *Store) ListStatusChanges(limit int) ([]models.StatusChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, feature_id, feature_name, old_status, new_status,
		       COALESCE(evidence, ''), COALESCE(verification_output, ''), timestamp
		FROM status_change_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query status changes: %w", err)
	}
	defer rows.Close()

	var out []models.StatusChange
	for rows.Next() {
		var sc models.StatusChange
		var ts string
		if err := rows.Scan(&sc.ID, &sc.FeatureID, &sc.FeatureName, &sc.OldStatus, &sc.NewStatus, &sc.Evidence, &sc.VerificationOutput, &ts); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		t, err := state.ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse status change timestamp: %w", err)
		}
		sc.Timestamp = t
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read status changes: %w", err)
	}
	return out, nil
}

func (s *Store) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// publishProgress emits a progress event from current stats.
func (s *Store) publishProgress() {
	st, err := s.Stats()
	if err != nil {
		s.log.Log("progress event skipped: %v", err)
		return
	}
	s.publish(events.NewProgress(st.Passing, st.Total, st.Percentage))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
