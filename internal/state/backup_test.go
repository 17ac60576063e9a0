package state

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeDBFile(t *testing.T, root string) {
	t.Helper()
	if err := os.WriteFile(ProjectDBPath(root), []byte("sqlite-bytes"), 0644); err != nil {
		t.Fatalf("write db file: %v", err)
	}
}

func TestBackups_Take(t *testing.T) {
	root := t.TempDir()
	writeDBFile(t, root)

	b := NewBackups(root)
	path, err := b.Take()
	if err != nil {
		t.Fatalf("Take() error: %v", err)
	}
	if path == "" {
		t.Fatal("expected a backup to be created")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	if filepath.Dir(path) != b.Dir() {
		t.Errorf("backup created outside backup dir: %s", path)
	}
}

func TestBackups_CooldownSuppressesRepeat(t *testing.T) {
	root := t.TempDir()
	writeDBFile(t, root)

	b := NewBackups(root)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	first, err := b.Take()
	if err != nil || first == "" {
		t.Fatalf("first Take() = %q, %v", first, err)
	}

	// Within the cooldown window: skipped.
	clock = clock.Add(30 * time.Second)
	second, err := b.Take()
	if err != nil {
		t.Fatalf("second Take() error: %v", err)
	}
	if second != "" {
		t.Errorf("expected cooldown skip, got backup %q", second)
	}

	// Past the cooldown window: taken again.
	clock = clock.Add(31 * time.Second)
	third, err := b.Take()
	if err != nil {
		t.Fatalf("third Take() error: %v", err)
	}
	if third == "" {
		t.Error("expected backup after cooldown expiry")
	}
}

func TestBackups_PruneKeepsNewest(t *testing.T) {
	root := t.TempDir()
	writeDBFile(t, root)

	b := NewBackups(root)
	if err := os.MkdirAll(b.Dir(), 0755); err != nil {
		t.Fatal(err)
	}

	// Seed more than the retention limit of timestamped backups.
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		name := fmt.Sprintf("features_%s.db", base.Add(time.Duration(i)*time.Minute).Format("20060102_150405"))
		if err := os.WriteFile(filepath.Join(b.Dir(), name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := b.Take(); err != nil {
		t.Fatalf("Take() error: %v", err)
	}

	entries, err := os.ReadDir(b.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 20 {
		t.Errorf("expected 20 backups after prune, got %d", len(entries))
	}

	// The oldest seeded backups must be the ones removed.
	oldest := fmt.Sprintf("features_%s.db", base.Format("20060102_150405"))
	if _, err := os.Stat(filepath.Join(b.Dir(), oldest)); !os.IsNotExist(err) {
		t.Errorf("expected oldest backup %s to be pruned", oldest)
	}
}

func TestBackups_NoDatabaseIsNoop(t *testing.T) {
	b := NewBackups(t.TempDir())
	path, err := b.Take()
	if err != nil {
		t.Fatalf("Take() error: %v", err)
	}
	if path != "" {
		t.Errorf("expected no backup without a database, got %q", path)
	}
}
