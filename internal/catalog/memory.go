package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/careportal/model"
)

// SeedFile is the YAML layout of a catalog data file: one kind per file.
type SeedFile struct {
	Kind     string         `yaml:"kind"`
	Entities []model.Entity `yaml:"entities"`
}

// MemoryCatalog is an in-memory Catalog, usually seeded from YAML files.
type MemoryCatalog struct {
	mu       sync.RWMutex
	entities map[string][]model.Entity
	checksum string
}

// NewMemoryCatalog creates a catalog holding the given entities. A later
// entity replaces an earlier one with the same kind and ID.
func NewMemoryCatalog(entities ...model.Entity) *MemoryCatalog {
	c := &MemoryCatalog{entities: make(map[string][]model.Entity)}
	for _, e := range entities {
		c.Put(e)
	}
	return c
}

// LoadMemoryCatalog reads every *.yaml / *.yml seed file in dir.
func LoadMemoryCatalog(dir string) (*MemoryCatalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading catalog directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	c := NewMemoryCatalog()
	h := sha256.New()
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		h.Write(data)

		var seed SeedFile
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if seed.Kind == "" {
			return nil, fmt.Errorf("%s: kind is required", path)
		}
		seen := make(map[string]bool, len(seed.Entities))
		for _, e := range seed.Entities {
			if e.ID == "" {
				return nil, fmt.Errorf("%s: entity without id", path)
			}
			if seen[e.ID] {
				return nil, fmt.Errorf("%s: duplicate entity id %q", path, e.ID)
			}
			seen[e.ID] = true
			e.Kind = seed.Kind
			c.Put(e)
		}
	}
	c.checksum = hex.EncodeToString(h.Sum(nil))
	return c, nil
}

// Get returns a single entity.
func (c *MemoryCatalog) Get(_ context.Context, kind, id string) (*model.Entity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.entities[kind] {
		if e.ID == id {
			cp := e
			return &cp, nil
		}
	}
	return nil, model.NewNotFoundError(fmt.Sprintf("%s %q not found", kind, id))
}

// Query filters the entities of q.Kind.
func (c *MemoryCatalog) Query(_ context.Context, q model.CatalogQuery) (model.EntityPage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.entities[q.Kind]; !ok {
		return model.EntityPage{}, model.NewNotFoundError(fmt.Sprintf("catalog %q not found", q.Kind))
	}
	return Filter(c.entities[q.Kind], q), nil
}

// Put adds an entity, replacing any with the same kind and ID.
func (c *MemoryCatalog) Put(e model.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.entities[e.Kind]
	for i := range list {
		if list[i].ID == e.ID {
			list[i] = e
			return
		}
	}
	c.entities[e.Kind] = append(list, e)
}

// Kinds returns the entity kinds held, sorted.
func (c *MemoryCatalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kinds := make([]string, 0, len(c.entities))
	for k := range c.entities {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Checksum is the sha256 of the seed files, empty for catalogs built in code.
func (c *MemoryCatalog) Checksum() string {
	return c.checksum
}

// HealthCheck reports an error when no entities are loaded.
func (c *MemoryCatalog) HealthCheck(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entities) == 0 {
		return fmt.Errorf("catalog is empty")
	}
	return nil
}
