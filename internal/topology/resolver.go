package topology

import (
	"sync"

	"grainwatch/internal/domain"
)

type resolved struct {
	scopeType domain.ScopeType
	scopeID   string
	orgID     string
	cells     map[string]struct{}
}

// Resolver expands trigger scopes into cell sets and caches them per trigger.
// Params: current topology tree; cache is dropped on tree replacement and per-trigger invalidation.
// Returns: scope resolver safe for concurrent use.
type Resolver struct {
	mu    sync.RWMutex
	tree  *Tree
	cache map[string]resolved
}

// NewResolver creates resolver over tree (empty tree when nil).
func NewResolver(tree *Tree) *Resolver {
	if tree == nil {
		tree = EmptyTree()
	}
	return &Resolver{tree: tree, cache: make(map[string]resolved)}
}

// Resolve returns cells the trigger must be evaluated against.
// Params: trigger with scope and owning organization.
// Returns: read-only cell set; empty when the scope node no longer exists.
func (r *Resolver) Resolve(trigger domain.Trigger) map[string]struct{} {
	r.mu.RLock()
	entry, ok := r.cache[trigger.ID]
	tree := r.tree
	r.mu.RUnlock()
	if ok && entry.scopeType == trigger.ScopeType && entry.scopeID == trigger.ScopeID && entry.orgID == trigger.OrganizationID {
		return entry.cells
	}

	cells := resolveScope(tree, trigger)
	r.mu.Lock()
	if r.tree == tree {
		r.cache[trigger.ID] = resolved{
			scopeType: trigger.ScopeType,
			scopeID:   trigger.ScopeID,
			orgID:     trigger.OrganizationID,
			cells:     cells,
		}
	}
	r.mu.Unlock()
	return cells
}

// Covers reports whether trigger scope contains cell.
func (r *Resolver) Covers(trigger domain.Trigger, cellID string) bool {
	_, ok := r.Resolve(trigger)[cellID]
	return ok
}

// InvalidateTrigger drops cached resolution for one trigger.
func (r *Resolver) InvalidateTrigger(triggerID string) {
	r.mu.Lock()
	delete(r.cache, triggerID)
	r.mu.Unlock()
}

// ReplaceTree swaps topology snapshot and drops the whole cache.
func (r *Resolver) ReplaceTree(tree *Tree) {
	if tree == nil {
		tree = EmptyTree()
	}
	r.mu.Lock()
	r.tree = tree
	r.cache = make(map[string]resolved)
	r.mu.Unlock()
}

// Tree returns current topology snapshot.
func (r *Resolver) Tree() *Tree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree
}

// CellForSensor maps sensor id to its cell in the current tree.
func (r *Resolver) CellForSensor(sensorID string) (string, bool) {
	return r.Tree().CellForSensor(sensorID)
}

func resolveScope(tree *Tree, trigger domain.Trigger) map[string]struct{} {
	var ids []string
	switch trigger.ScopeType {
	case domain.ScopeAll:
		if trigger.OrganizationID == "" {
			ids = tree.AllCells()
		} else {
			ids = tree.CellsUnder(domain.ScopeOrganization, trigger.OrganizationID)
		}
	case domain.ScopeOrganization, domain.ScopeSite, domain.ScopeCompound, domain.ScopeCell:
		owner, ok := tree.OrganizationOf(trigger.ScopeType, trigger.ScopeID)
		if !ok || (trigger.OrganizationID != "" && owner != trigger.OrganizationID) {
			return map[string]struct{}{}
		}
		ids = tree.CellsUnder(trigger.ScopeType, trigger.ScopeID)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
