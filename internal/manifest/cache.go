package manifest

import (
	"log/slog"
	"os"
	"sort"
	"sync"
)

// Cache stores parsed manifests for all projects under the contexts
// directory. Thread-safe via RWMutex.
type Cache struct {
	mu   sync.RWMutex
	data map[string]*Manifest // project -> manifest
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{data: make(map[string]*Manifest)}
}

// PopulateFromDisk scans the contexts directory and parses all
// manifests. Called once at startup before the watcher starts.
func (c *Cache) PopulateFromDisk(contextsDir string) {
	entries, err := os.ReadDir(contextsDir)
	if err != nil {
		slog.Warn("manifest cache: scan contexts dir", "err", err, "dir", contextsDir)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := FindManifest(contextsDir, name)
		if path == "" {
			continue
		}
		m, err := ParseFile(path)
		if err != nil {
			slog.Warn("manifest cache: parse", "err", err, "project", name)
			continue
		}
		c.data[name] = m
	}

	slog.Info("manifest cache populated", "projects", len(c.data))
}

// Get returns the cached manifest for a project, or nil.
func (c *Cache) Get(project string) *Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[project]
}

// Projects returns the names of all cached projects, sorted.
func (c *Cache) Projects() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.data))
	for name := range c.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Update replaces the cached manifest for a single project.
func (c *Cache) Update(project string, m *Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[project] = m
}

// Delete removes a project from the cache.
func (c *Cache) Delete(project string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, project)
}
