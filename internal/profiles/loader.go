// Package profiles loads and validates the on-disk supply profile
// documents that tell the controller which supplies exist and how each
// one is configured.
package profiles

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/opensupply/OpenSupplyCore/internal/topology"
	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// Store holds the validated profiles loaded at startup, keyed by profile
// id. It is immutable after LoadDir returns.
type Store struct {
	byID  map[string]*types.SupplyProfileDefinition
	order []string
}

// LoadDir reads every *.json document under dir, validates it against the
// embedded schema and checks the topology against the registry. Duplicate
// ids fail the load. Every error names the offending file.
func LoadDir(dir string) (*Store, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan profile directory %s: %w", dir, err)
	}
	sort.Strings(matches)

	store := &Store{byID: make(map[string]*types.SupplyProfileDefinition)}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
		}

		if err := validator.ValidateProfile(data); err != nil {
			return nil, fmt.Errorf("validation failed for %s: %w", path, err)
		}

		var profile types.SupplyProfileDefinition
		if err := json.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("failed to unmarshal profile %s: %w", path, err)
		}

		if !knownTopology(profile.SupplyProfile.Topology) {
			return nil, fmt.Errorf("profile %s: unknown topology %q (supported: %v)",
				path, profile.SupplyProfile.Topology, topology.Names())
		}

		id := profile.SupplyProfile.ID
		if _, dup := store.byID[id]; dup {
			return nil, fmt.Errorf("profile %s: duplicate profile id %q", path, id)
		}

		store.byID[id] = &profile
		store.order = append(store.order, id)
	}

	return store, nil
}

func knownTopology(name string) bool {
	for _, n := range topology.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Get returns the profile with the given id.
func (s *Store) Get(id string) (*types.SupplyProfileDefinition, error) {
	p, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: profile %s", types.ErrNotFound, id)
	}
	return p, nil
}

// List returns the profiles in load order.
func (s *Store) List() []*types.SupplyProfileDefinition {
	out := make([]*types.SupplyProfileDefinition, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Names returns the loaded profile ids in load order.
func (s *Store) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
