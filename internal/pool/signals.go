package pool

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SignalManager handles out-of-band control signals for a project's
// pool via files in <project>/.backlogd/signals. A kill file stops all
// agents; a pause file suspends them. Signals are picked up by an
// fsnotify watcher with a stat-based fallback for missed events.
type SignalManager struct {
	signalsDir string

	mu          sync.RWMutex
	stopSignal  bool
	pauseSignal bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSignalManager creates a signal manager for the given project root.
func NewSignalManager(projectRoot string) (*SignalManager, error) {
	signalsDir := filepath.Join(projectRoot, ".backlogd", "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	sm := &SignalManager{
		signalsDir: signalsDir,
		done:       make(chan struct{}),
	}

	// Start file watcher for immediate signals
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without watcher - will use polling fallback
		return sm, nil
	}
	sm.watcher = watcher

	if err := watcher.Add(signalsDir); err != nil {
		watcher.Close()
		sm.watcher = nil
		return sm, nil
	}

	go sm.watchSignals()

	return sm, nil
}

// watchSignals monitors the signals directory for kill/pause files.
func (sm *SignalManager) watchSignals() {
	for {
		select {
		case <-sm.done:
			return
		case event, ok := <-sm.watcher.Events:
			if !ok {
				return
			}
			sm.mu.Lock()
			base := filepath.Base(event.Name)
			if base == "kill" && (event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0) {
				sm.stopSignal = true
			} else if base == "pause" && (event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0) {
				sm.pauseSignal = true
			}
			sm.mu.Unlock()
		case <-sm.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// ShouldStop returns true if a stop signal has been received.
func (sm *SignalManager) ShouldStop() bool {
	// Also check file directly in case the watcher missed it
	killPath := filepath.Join(sm.signalsDir, "kill")
	if _, err := os.Stat(killPath); err == nil {
		sm.mu.Lock()
		sm.stopSignal = true
		sm.mu.Unlock()
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stopSignal
}

// ShouldPause returns true if a pause signal has been received.
func (sm *SignalManager) ShouldPause() bool {
	pausePath := filepath.Join(sm.signalsDir, "pause")
	if _, err := os.Stat(pausePath); err == nil {
		sm.mu.Lock()
		sm.pauseSignal = true
		sm.mu.Unlock()
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.pauseSignal
}

// SendKill creates a kill signal file.
func (sm *SignalManager) SendKill() error {
	path := filepath.Join(sm.signalsDir, "kill")
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// SendPause creates a pause signal file.
func (sm *SignalManager) SendPause() error {
	path := filepath.Join(sm.signalsDir, "pause")
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// ClearSignals removes all signal files and resets signal state.
func (sm *SignalManager) ClearSignals() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.stopSignal = false
	sm.pauseSignal = false

	os.Remove(filepath.Join(sm.signalsDir, "kill"))
	os.Remove(filepath.Join(sm.signalsDir, "pause"))
}

// Close shuts down the signal manager.
func (sm *SignalManager) Close() {
	close(sm.done)
	if sm.watcher != nil {
		sm.watcher.Close()
	}
}
