// Package gateway composes the multi-land front door: the land-type registry,
// the per-type land managers, the session router, and the realm lifecycle.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/driftline/landsync/internal/v1/land"
	"github.com/driftline/landsync/internal/v1/types"
)

// KeeperFactory builds the game-logic keeper for one land instance.
type KeeperFactory func(landID types.LandID) types.LandKeeper

// MatchmakingStrategy optionally selects an existing instance for a join that
// named no instance id. Returning ok=false falls back to creating a fresh
// instance.
type MatchmakingStrategy interface {
	SelectInstance(ctx context.Context, existing []types.LandID) (string, bool)
}

// LandDefinition is everything needed to spin up lands of one type.
type LandDefinition struct {
	Type types.LandType

	NewKeeper KeeperFactory

	// Options configures every adapter of this type; PathHashes and codec
	// choices live here.
	Options land.Options

	// Metadata is copied onto each container for the stats surface.
	Metadata map[string]any

	Matchmaking MatchmakingStrategy
}

// LandTypeRegistry maps land types to their definitions. Replay types
// ("{type}-replay") resolve to the primary definition.
type LandTypeRegistry struct {
	mu   sync.RWMutex
	defs map[types.LandType]LandDefinition
}

// NewLandTypeRegistry builds an empty registry.
func NewLandTypeRegistry() *LandTypeRegistry {
	return &LandTypeRegistry{defs: make(map[types.LandType]LandDefinition)}
}

// Register adds a definition. Empty types, nil keeper factories, and
// duplicates are rejected.
func (r *LandTypeRegistry) Register(def LandDefinition) error {
	if def.Type == "" {
		return fmt.Errorf("land type must not be empty")
	}
	if def.NewKeeper == nil {
		return fmt.Errorf("land type %q has no keeper factory", def.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("land type %q already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Resolve finds the definition for a land type, falling back to the base
// type for replay variants.
func (r *LandTypeRegistry) Resolve(landType types.LandType) (LandDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.defs[landType]; ok {
		return def, true
	}
	base := types.LandID{Type: landType}.BaseType()
	if base != landType {
		if def, ok := r.defs[base]; ok {
			return def, true
		}
	}
	return LandDefinition{}, false
}

// Types lists the registered land types in stable order.
func (r *LandTypeRegistry) Types() []types.LandType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.LandType, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
