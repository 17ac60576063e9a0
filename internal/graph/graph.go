// Package graph manages feature dependency edges and readiness.
// A feature is ready when every feature it depends on is passing;
// edges are kept acyclic by a depth-first check on insertion.
package graph

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/backlogd/internal/state"
	"github.com/ShayCichocki/backlogd/pkg/models"
)

// ErrCycleDetected indicates an edge would close a dependency cycle.
var ErrCycleDetected = errors.New("circular dependency detected")

// Node is a feature as it appears in graph snapshots.
type Node struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	Passes     bool   `json:"passes"`
	InProgress bool   `json:"in_progress"`
	Priority   int64  `json:"priority"`
}

// Edge is a dependency edge in graph snapshots: Target depends on Source.
type Edge struct {
	Source int64                 `json:"source"`
	Target int64                 `json:"target"`
	Type   models.DependencyType `json:"dependency_type"`
}

// Snapshot is the full dependency graph for a project.
type Snapshot struct {
	Features []Node  `json:"features"`
	Edges    []Edge  `json:"edges"`
	Blocked  []int64 `json:"blocked_features"`
	Ready    []int64 `json:"ready_features"`
}

// DependencyRef describes one side of a dependency relationship.
type DependencyRef struct {
	ID         int64                 `json:"id"`
	Name       string                `json:"name"`
	Passes     bool                  `json:"passes"`
	InProgress bool                  `json:"in_progress"`
	Type       models.DependencyType `json:"dependency_type"`
	Notes      string                `json:"notes,omitempty"`
}

// Detail is the dependency view of a single feature.
type Detail struct {
	FeatureID      int64           `json:"feature_id"`
	FeatureName    string          `json:"feature_name"`
	DependsOn      []DependencyRef `json:"depends_on"`
	Blocks         []DependencyRef `json:"blocks"`
	AllSatisfied   bool            `json:"all_satisfied"`
	UnsatisfiedIDs []int64         `json:"unsatisfied_ids"`
}

// AddResult accumulates per-id outcomes of a bulk edge insert.
type AddResult struct {
	Added  int      `json:"added"`
	Errors []string `json:"errors"`
}

// Graph provides dependency operations over a project database.
type Graph struct {
	db *state.DB
}

// New creates a Graph over the given database.
func New(db *state.DB) *Graph {
	return &Graph{db: db}
}

// gating returns true for edge types that block readiness.
// Related edges are informational only.
func gating(t models.DependencyType) bool {
	return t == models.DependencyBlocks || t == models.DependencyRequires
}

// AddDependencies inserts edges featureID -> each of dependsOn.
// Self-edges, duplicates, unknown targets, and edges that would close a
// cycle are reported per-id in the result; valid edges are still added.
func (g *Graph) AddDependencies(featureID int64, dependsOn []int64, typ models.DependencyType, notes string) (AddResult, error) {
	res := AddResult{Errors: []string{}}

	if !typ.Valid() {
		return res, fmt.Errorf("invalid dependency type %q", typ)
	}
	if exists, err := g.featureExists(featureID); err != nil {
		return res, err
	} else if !exists {
		return res, fmt.Errorf("feature %d not found", featureID)
	}

	for _, depID := range dependsOn {
		if depID == featureID {
			res.Errors = append(res.Errors, "cannot depend on self")
			continue
		}
		if exists, err := g.featureExists(depID); err != nil {
			return res, err
		} else if !exists {
			res.Errors = append(res.Errors, fmt.Sprintf("feature %d not found", depID))
			continue
		}
		if dup, err := g.edgeExists(featureID, depID); err != nil {
			return res, err
		} else if dup {
			res.Errors = append(res.Errors, fmt.Sprintf("dependency on %d already exists", depID))
			continue
		}
		if cyc, err := g.wouldCycle(featureID, depID); err != nil {
			return res, err
		} else if cyc {
			res.Errors = append(res.Errors, fmt.Sprintf("circular dependency: %d already depends on %d", depID, featureID))
			continue
		}

		_, err := g.db.Exec(
			`INSERT INTO feature_dependencies (feature_id, depends_on_id, dependency_type, notes, created_at) VALUES (?, ?, ?, ?, ?)`,
			featureID, depID, string(typ), notes, state.FormatTime(time.Now()),
		)
		if err != nil {
			return res, fmt.Errorf("insert dependency: %w", err)
		}
		res.Added++
	}

	return res, nil
}

// RemoveDependency deletes the edge featureID -> dependsOnID.
func (g *Graph) RemoveDependency(featureID, dependsOnID int64) error {
	result, err := g.db.Exec(
		`DELETE FROM feature_dependencies WHERE feature_id = ? AND depends_on_id = ?`,
		featureID, dependsOnID,
	)
	if err != nil {
		return fmt.Errorf("delete dependency: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("dependency not found")
	}
	return nil
}

// Satisfied reports whether every gating dependency of featureID is
// passing, along with the ids that are not.
func (g *Graph) Satisfied(featureID int64) (bool, []int64, error) {
	rows, err := g.db.Query(`
		SELECT d.depends_on_id
		FROM feature_dependencies d
		JOIN features f ON f.id = d.depends_on_id
		WHERE d.feature_id = ?
		  AND d.dependency_type IN ('blocks', 'requires')
		  AND f.passes = 0
		ORDER BY d.depends_on_id`, featureID)
	if err != nil {
		return false, nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	var unsatisfied []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return false, nil, fmt.Errorf("scan dependency: %w", err)
		}
		unsatisfied = append(unsatisfied, id)
	}
	if err := rows.Err(); err != nil {
		return false, nil, fmt.Errorf("read dependencies: %w", err)
	}

	return len(unsatisfied) == 0, unsatisfied, nil
}

// UnblockedBy returns the ids of features that depend on featureID and
// have no remaining unsatisfied dependency. Called after featureID
// transitions to passing.
func (g *Graph) UnblockedBy(featureID int64) ([]int64, error) {
	rows, err := g.db.Query(`
		SELECT DISTINCT d.feature_id
		FROM feature_dependencies d
		JOIN features f ON f.id = d.feature_id
		WHERE d.depends_on_id = ? AND f.passes = 0
		ORDER BY d.feature_id`, featureID)
	if err != nil {
		return nil, fmt.Errorf("query dependents: %w", err)
	}

	var dependents []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		dependents = append(dependents, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read dependents: %w", err)
	}

	var unblocked []int64
	for _, id := range dependents {
		ok, _, err := g.Satisfied(id)
		if err != nil {
			return nil, err
		}
		if ok {
			unblocked = append(unblocked, id)
		}
	}
	return unblocked, nil
}

// Snapshot builds the full graph view: all features, all edges, and
// the blocked/ready partition of pending work.
func (g *Graph) Snapshot() (Snapshot, error) {
	snap := Snapshot{Blocked: []int64{}, Ready: []int64{}}

	rows, err := g.db.Query(`SELECT id, name, category, passes, in_progress, priority FROM features ORDER BY priority, id`)
	if err != nil {
		return snap, fmt.Errorf("query features: %w", err)
	}
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Name, &n.Category, &n.Passes, &n.InProgress, &n.Priority); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan feature: %w", err)
		}
		snap.Features = append(snap.Features, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("read features: %w", err)
	}

	edgeRows, err := g.db.Query(`SELECT depends_on_id, feature_id, dependency_type FROM feature_dependencies ORDER BY id`)
	if err != nil {
		return snap, fmt.Errorf("query edges: %w", err)
	}
	for edgeRows.Next() {
		var e Edge
		var typ string
		if err := edgeRows.Scan(&e.Source, &e.Target, &typ); err != nil {
			edgeRows.Close()
			return snap, fmt.Errorf("scan edge: %w", err)
		}
		e.Type = models.DependencyType(typ)
		snap.Edges = append(snap.Edges, e)
	}
	edgeRows.Close()
	if err := edgeRows.Err(); err != nil {
		return snap, fmt.Errorf("read edges: %w", err)
	}

	for _, n := range snap.Features {
		if n.Passes || n.InProgress {
			continue
		}
		ok, _, err := g.Satisfied(n.ID)
		if err != nil {
			return snap, err
		}
		if ok {
			snap.Ready = append(snap.Ready, n.ID)
		} else {
			snap.Blocked = append(snap.Blocked, n.ID)
		}
	}

	return snap, nil
}

// FeatureDetail returns the dependency view of one feature.
func (g *Graph) FeatureDetail(featureID int64) (Detail, error) {
	d := Detail{FeatureID: featureID, DependsOn: []DependencyRef{}, Blocks: []DependencyRef{}}

	row := g.db.QueryRow(`SELECT name FROM features WHERE id = ?`, featureID)
	if err := row.Scan(&d.FeatureName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, fmt.Errorf("feature %d not found", featureID)
		}
		return d, fmt.Errorf("load feature: %w", err)
	}

	rows, err := g.db.Query(`
		SELECT f.id, f.name, f.passes, f.in_progress, d.dependency_type, COALESCE(d.notes, '')
		FROM feature_dependencies d
		JOIN features f ON f.id = d.depends_on_id
		WHERE d.feature_id = ?
		ORDER BY f.id`, featureID)
	if err != nil {
		return d, fmt.Errorf("query depends_on: %w", err)
	}
	for rows.Next() {
		var ref DependencyRef
		var typ string
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.Passes, &ref.InProgress, &typ, &ref.Notes); err != nil {
			rows.Close()
			return d, fmt.Errorf("scan depends_on: %w", err)
		}
		ref.Type = models.DependencyType(typ)
		d.DependsOn = append(d.DependsOn, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return d, fmt.Errorf("read depends_on: %w", err)
	}

	blockRows, err := g.db.Query(`
		SELECT f.id, f.name, f.passes, f.in_progress, d.dependency_type
		FROM feature_dependencies d
		JOIN features f ON f.id = d.feature_id
		WHERE d.depends_on_id = ?
		ORDER BY f.id`, featureID)
	if err != nil {
		return d, fmt.Errorf("query blocks: %w", err)
	}
	for blockRows.Next() {
		var ref DependencyRef
		var typ string
		if err := blockRows.Scan(&ref.ID, &ref.Name, &ref.Passes, &ref.InProgress, &typ); err != nil {
			blockRows.Close()
			return d, fmt.Errorf("scan blocks: %w", err)
		}
		ref.Type = models.DependencyType(typ)
		d.Blocks = append(d.Blocks, ref)
	}
	blockRows.Close()
	if err := blockRows.Err(); err != nil {
		return d, fmt.Errorf("read blocks: %w", err)
	}

	d.AllSatisfied, d.UnsatisfiedIDs, err = g.Satisfied(featureID)
	if err != nil {
		return d, err
	}

	return d, nil
}

// wouldCycle reports whether adding featureID -> dependsOnID closes a
// cycle, by walking depends-on edges from dependsOnID looking for
// featureID. Uses depth-first search with coloring over the edge set.
func (g *Graph) wouldCycle(featureID, dependsOnID int64) (bool, error) {
	edges, err := g.loadEdges()
	if err != nil {
		return false, err
	}

	// Colors: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[int64]int)

	var visit func(id int64) bool
	visit = func(id int64) bool {
		if id == featureID {
			return true
		}
		colors[id] = 1

		for _, depID := range edges[id] {
			switch colors[depID] {
			case 1:
				// Pre-existing cycle in stored data; treat as reachable
				// to stay conservative.
				continue
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	return visit(dependsOnID), nil
}

func (g *Graph) loadEdges() (map[int64][]int64, error) {
	rows, err := g.db.Query(`SELECT feature_id, depends_on_id FROM feature_dependencies`)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	edges := make(map[int64][]int64)
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges[from] = append(edges[from], to)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read edges: %w", err)
	}
	return edges, nil
}

func (g *Graph) featureExists(id int64) (bool, error) {
	var one int
	row := g.db.QueryRow(`SELECT 1 FROM features WHERE id = ?`, id)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check feature: %w", err)
	}
	return true, nil
}

func (g *Graph) edgeExists(featureID, dependsOnID int64) (bool, error) {
	var one int
	row := g.db.QueryRow(
		`SELECT 1 FROM feature_dependencies WHERE feature_id = ? AND depends_on_id = ?`,
		featureID, dependsOnID,
	)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check edge: %w", err)
	}
	return true, nil
}
