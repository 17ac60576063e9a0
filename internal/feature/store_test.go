package feature

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ShayCichocki/backlogd/internal/events"
	"github.com/ShayCichocki/backlogd/internal/state"
	"github.com/ShayCichocki/backlogd/internal/task"
	"github.com/ShayCichocki/backlogd/pkg/models"
)

// stubVerifier returns a canned verification result.
type stubVerifier struct {
	result task.VerifyResult
	err    error
	calls  int
	last   string
}

func (v *stubVerifier) Verify(ctx context.Context, workDir, command string) (task.VerifyResult, error) {
	v.calls++
	v.last = command
	return v.result, v.err
}

func newTestStore(t *testing.T) (*Store, *stubVerifier, *events.Bus) {
	t.Helper()

	root := t.TempDir()
	db, err := state.OpenProject(root)
	if err != nil {
		t.Fatalf("open project db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	verifier := &stubVerifier{result: task.VerifyResult{ExitCode: 0}}
	store := NewStore(StoreConfig{
		DB:          db,
		ProjectRoot: root,
		Bus:         bus,
		Verifier:    verifier,
	})
	return store, verifier, bus
}

func mustCreate(t *testing.T, s *Store, name string) *models.Feature {
	t.Helper()
	f, err := s.Create(models.FeatureCreate{
		Category:    "core",
		Name:        name,
		Description: "a test feature",
		Steps:       []string{"do the thing"},
	})
	if err != nil {
		t.Fatalf("create feature %s: %v", name, err)
	}
	return f
}

func longEvidence() string {
	return strings.Repeat("x", 60)
}

func TestCreate_AssignsSequentialPriorities(t *testing.T) {
	s, _, _ := newTestStore(t)

	a := mustCreate(t, s, "first")
	b := mustCreate(t, s, "second")

	if a.ID != 1 || a.Priority != 1 {
		t.Errorf("first feature: id=%d priority=%d, want 1/1", a.ID, a.Priority)
	}
	if b.Priority != a.Priority+1 {
		t.Errorf("expected consecutive priorities, got %d then %d", a.Priority, b.Priority)
	}
}

func TestCreate_Validation(t *testing.T) {
	s, _, _ := newTestStore(t)

	tests := []struct {
		name string
		fc   models.FeatureCreate
	}{
		{"missing category", models.FeatureCreate{Name: "n", Description: "d", Steps: []string{"s"}}},
		{"missing name", models.FeatureCreate{Category: "c", Description: "d", Steps: []string{"s"}}},
		{"missing description", models.FeatureCreate{Category: "c", Name: "n", Steps: []string{"s"}}},
		{"empty steps", models.FeatureCreate{Category: "c", Name: "n", Description: "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Create(tt.fc); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCreateBulk_ValidationAbortsWholeBatch(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.CreateBulk([]models.FeatureCreate{
		{Category: "c", Name: "ok", Description: "d", Steps: []string{"s"}},
		{Category: "c", Name: "", Description: "d", Steps: []string{"s"}},
	})
	if err == nil {
		t.Fatal("expected batch validation error")
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 0 {
		t.Errorf("expected no features after aborted batch, got %d", st.Total)
	}
}

func TestStats(t *testing.T) {
	s, _, _ := newTestStore(t)

	st, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 0 || st.Percentage != 0 {
		t.Errorf("empty backlog stats = %+v", st)
	}

	for i := 0; i < 3; i++ {
		mustCreate(t, s, "f")
	}
	if _, err := s.MarkInProgress(1, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkPassing(context.Background(), 1, longEvidence()); err != nil {
		t.Fatal(err)
	}

	st, err = s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.Passing != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.Percentage != 33.3 {
		t.Errorf("expected percentage 33.3, got %v", st.Percentage)
	}
}

func TestGetNext_OrdersByPriorityThenID(t *testing.T) {
	s, _, _ := newTestStore(t)

	mustCreate(t, s, "one")
	mustCreate(t, s, "two")

	next, err := s.GetNext()
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.Name != "one" {
		t.Errorf("expected feature one, got %+v", next)
	}

	// In-progress features are still returned; the claim is advisory.
	if _, err := s.MarkInProgress(next.ID, "a1"); err != nil {
		t.Fatal(err)
	}
	again, err := s.GetNext()
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || again.ID != next.ID {
		t.Errorf("expected in-progress feature to remain next, got %+v", again)
	}
}

func TestGetNext_NoWork(t *testing.T) {
	s, _, _ := newTestStore(t)

	next, err := s.GetNext()
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Errorf("expected nil for empty backlog, got %+v", next)
	}
}

func TestGetNext_SkipsBlockedFeatures(t *testing.T) {
	s, _, _ := newTestStore(t)

	dep := mustCreate(t, s, "base")     // id 1, priority 1
	blocked := mustCreate(t, s, "top")  // id 2, priority 2
	free := mustCreate(t, s, "free")    // id 3, priority 3

	// Make the highest-priority feature depend on an unfinished one by
	// skipping the base so "top" sorts first, then wiring the edge.
	if _, _, err := s.Skip(dep.ID); err != nil {
		t.Fatal(err)
	}
	res, err := s.Graph().AddDependencies(blocked.ID, []int64{dep.ID}, models.DependencyBlocks, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 1 {
		t.Fatalf("expected edge added, got %+v", res)
	}

	next, err := s.GetNext()
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != free.ID {
		t.Errorf("expected blocked feature to be passed over for %d, got %+v", free.ID, next)
	}
}

func TestGetForRegression(t *testing.T) {
	s, _, _ := newTestStore(t)

	for i := 0; i < 5; i++ {
		f := mustCreate(t, s, "f")
		if _, err := s.MarkInProgress(f.ID, "a1"); err != nil {
			t.Fatal(err)
		}
		s.limiter.Reset() // regression fixtures, not rate-limit subjects
		if _, err := s.MarkPassing(context.Background(), f.ID, longEvidence()); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetForRegression(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 features, got %d", len(got))
	}
	for _, f := range got {
		if !f.Passes {
			t.Errorf("regression sample returned non-passing feature %d", f.ID)
		}
	}

	// Limit larger than the passing count returns everything.
	all, err := s.GetForRegression(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("expected 5 features, got %d", len(all))
	}

	// Out-of-range limits are clamped rather than rejected.
	clamped, err := s.GetForRegression(99)
	if err != nil {
		t.Fatal(err)
	}
	if len(clamped) != 5 {
		t.Errorf("expected clamp to 10 then all 5, got %d", len(clamped))
	}
}

func TestMarkInProgress_Preconditions(t *testing.T) {
	s, _, _ := newTestStore(t)
	f := mustCreate(t, s, "f")

	if _, err := s.MarkInProgress(999, "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, err := s.MarkInProgress(f.ID, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.InProgress || got.AssignedToAgentID != "a1" {
		t.Errorf("claim not recorded: %+v", got)
	}
	if got.AttemptCount != 1 {
		t.Errorf("expected attempt_count 1, got %d", got.AttemptCount)
	}

	if _, err := s.MarkInProgress(f.ID, "a2"); !errors.Is(err, ErrAlreadyInProgress) {
		t.Errorf("expected ErrAlreadyInProgress, got %v", err)
	}

	if _, err := s.MarkPassing(context.Background(), f.ID, longEvidence()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkInProgress(f.ID, "a1"); !errors.Is(err, ErrAlreadyPassing) {
		t.Errorf("expected ErrAlreadyPassing, got %v", err)
	}
}

func TestMarkInProgress_ExactlyOneWinnerUnderRace(t *testing.T) {
	s, _, _ := newTestStore(t)
	f := mustCreate(t, s, "contested")

	const racers = 8
	var wg sync.WaitGroup
	successes := make(chan string, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			if _, err := s.MarkInProgress(f.ID, agent); err == nil {
				successes <- agent
			}
		}("agent-" + string(rune('a'+i)))
	}
	wg.Wait()
	close(successes)

	var winners []string
	for w := range successes {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one successful claim, got %d (%v)", len(winners), winners)
	}

	got, err := s.Get(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AssignedToAgentID != winners[0] {
		t.Errorf("assigned agent %q does not match winner %q", got.AssignedToAgentID, winners[0])
	}
}

func TestClearInProgress_RoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t)
	f := mustCreate(t, s, "f")

	if _, err := s.MarkInProgress(f.ID, "a1"); err != nil {
		t.Fatal(err)
	}
	cleared, err := s.ClearInProgress(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cleared.InProgress || cleared.Passes {
		t.Errorf("expected pending feature, got %+v", cleared)
	}
	if cleared.AssignedToAgentID != "" {
		t.Errorf("expected claim dropped, got %q", cleared.AssignedToAgentID)
	}

	// The feature is selectable again.
	next, err := s.GetNext()
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != f.ID {
		t.Errorf("expected feature selectable after clear, got %+v", next)
	}

	// One audit row for the dropped claim.
	log, err := s.ListStatusChanges(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 || log[0].OldStatus != "in_progress" || log[0].NewStatus != "pending" {
		t.Errorf("unexpected audit rows: %+v", log)
	}

	// Clearing an already-pending feature is a logged no-op.
	if _, err := s.ClearInProgress(f.ID); err != nil {
		t.Fatal(err)
	}
	log, err = s.ListStatusChanges(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 {
		t.Errorf("expected no extra audit row, got %d", len(log))
	}
}

func TestSkip_RotatesToTail(t *testing.T) {
	s, _, _ := newTestStore(t)

	f1 := mustCreate(t, s, "one")   // priority 1
	f2 := mustCreate(t, s, "two")   // priority 2
	mustCreate(t, s, "three")       // priority 3

	oldP, newP, err := s.Skip(f1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if oldP != 1 || newP != 4 {
		t.Errorf("Skip() = (%d, %d), want (1, 4)", oldP, newP)
	}

	next, err := s.GetNext()
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != f2.ID {
		t.Errorf("expected feature two next after skip, got %+v", next)
	}
}

func TestSkip_RejectsPassing(t *testing.T) {
	s, _, _ := newTestStore(t)
	f := mustCreate(t, s, "f")

	if _, err := s.MarkInProgress(f.ID, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkPassing(context.Background(), f.ID, longEvidence()); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Skip(f.ID); !errors.Is(err, ErrAlreadyPassing) {
		t.Errorf("expected ErrAlreadyPassing, got %v", err)
	}
}

func TestSkip_ClearsClaim(t *testing.T) {
	s, _, _ := newTestStore(t)
	f := mustCreate(t, s, "f")

	if _, err := s.MarkInProgress(f.ID, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Skip(f.ID); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.InProgress {
		t.Error("expected claim dropped by skip")
	}
}
