// Package registry maps project names to their root directories.
// The mapping lives in a YAML file and is reloaded automatically when
// the file changes on disk.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk YAML shape.
type registryFile struct {
	Projects map[string]string `yaml:"projects"`
}

// DefaultPath returns the registry file location under the XDG config
// directory.
func DefaultPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "backlogd", "projects.yaml")
}

// Registry is the live project-name to root-directory mapping.
type Registry struct {
	path string

	mu       sync.RWMutex
	projects map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open loads the registry file and starts watching it for changes.
// A missing file yields an empty registry.
func Open(path string) (*Registry, error) {
	r := &Registry{
		path:     path,
		projects: make(map[string]string),
		done:     make(chan struct{}),
	}

	if err := r.reload(); err != nil {
		return nil, err
	}

	// Watch the parent directory so file replacement (write-then-rename)
	// is still observed.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without live reload.
		return r, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err == nil {
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			r.watcher = watcher
			go r.watch()
			return r, nil
		}
	}
	watcher.Close()
	return r, nil
}

func (r *Registry) watch() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				r.reload()
			}
		case <-r.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// reload replaces the in-memory mapping from the file contents.
func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.mu.Lock()
		r.projects = make(map[string]string)
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse registry: %w", err)
	}
	if file.Projects == nil {
		file.Projects = make(map[string]string)
	}

	r.mu.Lock()
	r.projects = file.Projects
	r.mu.Unlock()
	return nil
}

// Get returns the root directory for a project name.
func (r *Registry) Get(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dir, ok := r.projects[name]
	return dir, ok
}

// List returns a copy of the mapping.
func (r *Registry) List() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.projects))
	for name, dir := range r.projects {
		out[name] = dir
	}
	return out
}

// Names returns the registered project names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Paths returns every registered root directory.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make([]string, 0, len(r.projects))
	for _, dir := range r.projects {
		paths = append(paths, dir)
	}
	return paths
}

// Add registers (or re-points) a project and persists the file.
func (r *Registry) Add(name, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	r.mu.Lock()
	r.projects[name] = abs
	r.mu.Unlock()

	return r.save()
}

// Remove drops a project and persists the file.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	if _, ok := r.projects[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("project %q not registered", name)
	}
	delete(r.projects, name)
	r.mu.Unlock()

	return r.save()
}

func (r *Registry) save() error {
	r.mu.RLock()
	file := registryFile{Projects: make(map[string]string, len(r.projects))}
	for name, dir := range r.projects {
		file.Projects[name] = dir
	}
	r.mu.RUnlock()

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

// Close stops the file watcher.
func (r *Registry) Close() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}
