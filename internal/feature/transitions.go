package feature

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/backlogd/internal/events"
	"github.com/ShayCichocki/backlogd/internal/state"
	"github.com/ShayCichocki/backlogd/pkg/models"
)

const (
	// MinEvidenceLength is the minimum stripped evidence size.
	MinEvidenceLength = 50
	// auditTruncateBytes caps each verification stream in audit rows.
	auditTruncateBytes = 1000
	// errorTruncateBytes caps each verification stream in rejections.
	errorTruncateBytes = 500
)

// MarkInProgress claims a feature for an agent. The claim is a single
// compare-and-set update; zero rows affected means another agent holds
// the feature, it is already passing, or it does not exist; the
// follow-up read picks the precise rejection.
func (s *Store) MarkInProgress(id int64, agentID string) (*models.Feature, error) {
	res, err := s.db.Exec(`
		UPDATE features
		SET in_progress = 1, assigned_to_agent_id = ?, attempt_count = attempt_count + 1
		WHERE id = ? AND in_progress = 0 AND passes = 0`,
		nullString(agentID), id)
	if err != nil {
		return nil, fmt.Errorf("claim feature %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		f, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if f.Passes {
			return nil, fmt.Errorf("feature %d: %w", id, ErrAlreadyPassing)
		}
		return nil, fmt.Errorf("feature %d: %w", id, ErrAlreadyInProgress)
	}

	s.log.Log("feature %d claimed by agent %q", id, agentID)
	return s.Get(id)
}

// ClearInProgress unconditionally drops a feature's claim (manual
// unstick). A transition row is written only if a claim existed.
func (s *Store) ClearInProgress(id int64) (*models.Feature, error) {
	f, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE features SET in_progress = 0, assigned_to_agent_id = NULL WHERE id = ?`, id); err != nil {
			return fmt.Errorf("clear in_progress: %w", err)
		}
		if f.InProgress {
			return insertStatusChange(tx, f, string(models.FeatureStateInProgress), string(models.FeatureStatePending), "", "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Log("feature %d in_progress cleared (was %v)", id, f.InProgress)
	return s.Get(id)
}

// Skip moves a feature to the tail of the queue: its priority becomes
// current max + 1 and any claim is dropped. Passing features cannot be
// skipped. Returns the old and new priorities.
func (s *Store) Skip(id int64) (oldPriority, newPriority int64, err error) {
	f, err := s.Get(id)
	if err != nil {
		return 0, 0, err
	}
	if f.Passes {
		return 0, 0, fmt.Errorf("cannot skip feature %d: %w", id, ErrAlreadyPassing)
	}

	s.priorityMu.Lock()
	defer s.priorityMu.Unlock()

	err = s.db.Transaction(func(tx *sql.Tx) error {
		var max int64
		row := tx.QueryRow(`SELECT COALESCE(MAX(priority), 0) FROM features`)
		if err := row.Scan(&max); err != nil {
			return fmt.Errorf("read max priority: %w", err)
		}
		newPriority = max + 1

		if _, err := tx.Exec(`UPDATE features SET priority = ?, in_progress = 0, assigned_to_agent_id = NULL WHERE id = ?`, newPriority, id); err != nil {
			return fmt.Errorf("reprioritize feature: %w", err)
		}
		if f.InProgress {
			return insertStatusChange(tx, f, string(models.FeatureStateInProgress), string(models.FeatureStatePending), "", "")
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	s.log.Log("feature %d skipped: priority %d -> %d", id, f.Priority, newPriority)
	return f.Priority, newPriority, nil
}

// MarkPassing runs the system's most guarded transition. The layers
// run in a fixed order and each is a hard gate: rate limit, evidence
// length, state precondition, verification command, backup, commit,
// audit, and only then the rate-limit timestamp.
func (s *Store) MarkPassing(ctx context.Context, id int64, evidence string) (*models.Feature, error) {
	// 1. Rate limit.
	if wait, ok := s.limiter.Check(); !ok {
		seconds := int(wait.Seconds()) + 1
		return nil, fmt.Errorf("%w: %d features were marked passing within the last %s; wait %d seconds and try again",
			ErrRateLimited, RateLimitBudget, RateLimitWindow, seconds)
	}

	// 2. Evidence length.
	evidence = strings.TrimSpace(evidence)
	if len(evidence) < MinEvidenceLength {
		return nil, fmt.Errorf("%w: evidence must be at least %d characters describing what was implemented and how it was verified (got %d)",
			ErrEvidenceTooShort, MinEvidenceLength, len(evidence))
	}

	// 3. State precondition.
	f, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if f.Passes {
		return nil, fmt.Errorf("feature %d: %w", id, ErrAlreadyPassing)
	}
	if !f.InProgress {
		return nil, fmt.Errorf("feature %d: %w; claim it with mark_in_progress before marking it passing", id, ErrNotInProgress)
	}

	// 4. Verification command.
	var verifyOutput string
	if f.VerificationCommand != "" {
		if s.verifier == nil {
			return nil, fmt.Errorf("feature %d has a verification command but no verifier is configured", id)
		}
		v, err := s.verifier.Verify(ctx, s.projectRoot, f.VerificationCommand)
		if err != nil {
			return nil, fmt.Errorf("run verification for feature %d: %w", id, err)
		}
		if v.TimedOut {
			return nil, fmt.Errorf("%w: command %q did not finish in time", ErrVerificationTimeout, f.VerificationCommand)
		}
		if v.ExitCode != 0 {
			return nil, fmt.Errorf("%w: command %q failed with exit code %d\nstdout: %s\nstderr: %s",
				ErrVerificationFailed, f.VerificationCommand, v.ExitCode,
				tail(v.Stdout, errorTruncateBytes), tail(v.Stderr, errorTruncateBytes))
		}
		verifyOutput = fmt.Sprintf("stdout: %s\nstderr: %s", tail(v.Stdout, auditTruncateBytes), tail(v.Stderr, auditTruncateBytes))
	}

	// 5. Backup before mutation.
	if _, err := s.backups.Take(); err != nil {
		return nil, fmt.Errorf("backup database: %w", err)
	}

	// 6 + 7. Commit and audit in one transaction. The WHERE clause
	// re-checks the precondition so a racing transition cannot commit
	// twice.
	now := time.Now().UTC()
	err = s.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE features
			SET passes = 1, in_progress = 0, assigned_to_agent_id = NULL,
			    verification_evidence = ?, marked_passing_at = ?
			WHERE id = ? AND passes = 0 AND in_progress = 1`,
			evidence, state.FormatTime(now), id)
		if err != nil {
			return fmt.Errorf("commit passing: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("feature %d: %w", id, ErrNotInProgress)
		}
		return insertStatusChange(tx, f, string(models.FeatureStateInProgress), string(models.FeatureStatePassing), evidence, verifyOutput)
	})
	if err != nil {
		return nil, err
	}

	// 8. Record the rate-limit timestamp only after a successful commit.
	s.limiter.Record()

	s.log.Log("feature %d marked passing", id)
	s.publish(events.NewFeatureUpdate(id, true))
	s.publishProgress()
	s.publishUnblocked(id)

	return s.Get(id)
}

// publishUnblocked emits a dependency_resolved event when the pass
// released dependent features.
func (s *Store) publishUnblocked(id int64) {
	unblocked, err := s.graph.UnblockedBy(id)
	if err != nil {
		s.log.Log("dependency event skipped: %v", err)
		return
	}
	if len(unblocked) == 0 {
		return
	}
	s.publish(events.DependencyResolved{
		Type:                events.TypeDependencyResolved,
		FeatureID:           id,
		UnblockedFeatureIDs: unblocked,
	})
}

// insertStatusChange appends one audit row inside the caller's
// transaction.
func insertStatusChange(tx *sql.Tx, f *models.Feature, oldStatus, newStatus, evidence, verifyOutput string) error {
	_, err := tx.Exec(`
		INSERT INTO status_change_log (feature_id, feature_name, old_status, new_status, evidence, verification_output, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, oldStatus, newStatus,
		nullString(evidence), nullString(verifyOutput), state.FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("append status change: %w", err)
	}
	return nil
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
