package state

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// BackupDirName is the backup directory relative to the project root.
	BackupDirName = ".features_backups"
	// backupCooldown suppresses repeat backups taken in quick succession.
	backupCooldown = 60 * time.Second
	// backupKeep is how many backup files are retained.
	backupKeep = 20
)

// Backups manages rotating on-disk copies of a project's features.db.
// A backup is taken before every mark-passing commit; the cooldown keeps
// bursts of commits from flooding the backup directory.
type Backups struct {
	projectRoot string

	mu       sync.Mutex
	lastTime time.Time
	now      func() time.Time
}

// NewBackups creates a backup manager for the given project root.
func NewBackups(projectRoot string) *Backups {
	return &Backups{
		projectRoot: projectRoot,
		now:         time.Now,
	}
}

// Dir returns the backup directory path.
func (b *Backups) Dir() string {
	return filepath.Join(b.projectRoot, BackupDirName)
}

// Take copies features.db into the backup directory, then prunes old
// backups. Returns the created path, or "" when skipped by the cooldown
// or when the database file does not exist yet.
func (b *Backups) Take() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !b.lastTime.IsZero() && now.Sub(b.lastTime) < backupCooldown {
		return "", nil
	}

	src := ProjectDBPath(b.projectRoot)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return "", nil
	}

	dir := b.Dir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	name := fmt.Sprintf("features_%s.db", now.UTC().Format("20060102_150405"))
	dst := filepath.Join(dir, name)
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("copy database: %w", err)
	}

	b.lastTime = now

	if err := b.prune(); err != nil {
		return dst, err
	}
	return dst, nil
}

// prune deletes all but the backupKeep most recent backup files.
func (b *Backups) prune() error {
	entries, err := os.ReadDir(b.Dir())
	if err != nil {
		return fmt.Errorf("read backup directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if matched, _ := filepath.Match("features_*.db", e.Name()); matched {
			names = append(names, e.Name())
		}
	}

	if len(names) <= backupKeep {
		return nil
	}

	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-backupKeep] {
		os.Remove(filepath.Join(b.Dir(), name))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
