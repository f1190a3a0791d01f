// Package dependency keeps the instance dependency graph acyclic and computes
// dependency-first start orders and their reverse stop orders.
package dependency

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

const DefaultCacheSize = 128

// Resolver owns the instance graph. Every mutation is validated against a
// candidate graph and rejected before it is applied if it would create a cycle.
type Resolver struct {
	nodes  map[string][]Edge
	cache  *lru.Cache[string, []string]
	logger logging.Logger
	mutex  sync.RWMutex
}

func NewResolver(cacheSize int, logger logging.Logger) *Resolver {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	// lru.New only fails for a non-positive size
	cache, _ := lru.New[string, []string](cacheSize)

	return &Resolver{
		nodes:  make(map[string][]Edge),
		cache:  cache,
		logger: logger,
	}
}

// AddInstance inserts a node. Targets may be registered later.
func (r *Resolver) AddInstance(id string, edges []Edge) error {
	if id == "" {
		return errors.NewValidationError("instance ID cannot be empty", nil)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.nodes[id]; exists {
		return errors.NewConflictError("instance already in dependency graph", nil).WithContext("instance_id", id)
	}

	normalized, err := normalizeEdges(id, edges)
	if err != nil {
		return err
	}
	if err := r.checkAcyclicUnsafe(id, normalized); err != nil {
		return err
	}

	r.nodes[id] = normalized
	r.cache.Purge()

	r.logger.Debugf("Instance added to dependency graph, id: %s, dependencies: %d", id, len(normalized))
	return nil
}

// RemoveInstance deletes a node. It is refused while another node requires it.
func (r *Resolver) RemoveInstance(id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.nodes[id]; !exists {
		return errors.NewNotFoundError("instance not found in dependency graph", nil).WithContext("instance_id", id)
	}

	var required []string
	for other, edges := range r.nodes {
		for _, edge := range edges {
			if edge.Target == id && !edge.Optional {
				required = append(required, other)
			}
		}
	}
	if len(required) > 0 {
		sort.Strings(required)
		return errors.NewConflictError("instance is required by other instances", nil).
			WithContext("instance_id", id).
			WithContext("dependents", strings.Join(required, ", "))
	}

	delete(r.nodes, id)
	r.cache.Purge()

	r.logger.Debugf("Instance removed from dependency graph, id: %s", id)
	return nil
}

func (r *Resolver) AddDependency(id string, edge Edge) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	current, exists := r.nodes[id]
	if !exists {
		return errors.NewNotFoundError("instance not found in dependency graph", nil).WithContext("instance_id", id)
	}
	for _, e := range current {
		if e.Target == edge.Target {
			return errors.NewConflictError("dependency already declared", nil).
				WithContext("instance_id", id).WithContext("dependency", edge.Target)
		}
	}

	candidate, err := normalizeEdges(id, append(append([]Edge{}, current...), edge))
	if err != nil {
		return err
	}
	if err := r.checkAcyclicUnsafe(id, candidate); err != nil {
		return err
	}

	r.nodes[id] = candidate
	r.cache.Purge()
	return nil
}

func (r *Resolver) RemoveDependency(id, target string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	current, exists := r.nodes[id]
	if !exists {
		return errors.NewNotFoundError("instance not found in dependency graph", nil).WithContext("instance_id", id)
	}

	remaining := make([]Edge, 0, len(current))
	for _, e := range current {
		if e.Target != target {
			remaining = append(remaining, e)
		}
	}
	if len(remaining) == len(current) {
		return errors.NewNotFoundError("dependency not declared", nil).
			WithContext("instance_id", id).WithContext("dependency", target)
	}

	r.nodes[id] = remaining
	r.cache.Purge()
	return nil
}

// ReplaceDependency points every edge that targets oldID at newID. It returns
// the IDs of the rewired dependents.
func (r *Resolver) ReplaceDependency(oldID, newID string) ([]string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.nodes[newID]; !exists {
		return nil, errors.NewNotFoundError("replacement instance not found in dependency graph", nil).
			WithContext("instance_id", newID)
	}

	candidate := make(map[string][]Edge, len(r.nodes))
	var rewired []string
	for id, edges := range r.nodes {
		replaced := make([]Edge, len(edges))
		changed := false
		for i, e := range edges {
			replaced[i] = e
			if e.Target == oldID && id != newID {
				replaced[i].Target = newID
				changed = true
			}
		}
		candidate[id] = replaced
		if changed {
			rewired = append(rewired, id)
		}
	}

	if _, err := topoSort(mapEdges(candidate), sortedKeys(candidate), false); err != nil {
		return nil, err
	}

	r.nodes = candidate
	r.cache.Purge()
	sort.Strings(rewired)

	r.logger.Debugf("Dependency replaced, old: %s, new: %s, dependents: %d", oldID, newID, len(rewired))
	return rewired, nil
}

// ResolveDependencies returns a dependency-first order covering the roots and
// everything they transitively require. Without roots the whole graph is
// ordered. Roots and declared dependencies are visited in order.
func (r *Resolver) ResolveDependencies(roots ...string) ([]string, error) {
	key := strings.Join(roots, "\x00")
	if cached, ok := r.cache.Get(key); ok {
		return append([]string(nil), cached...), nil
	}

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if len(roots) == 0 {
		roots = sortedKeys(r.nodes)
	}
	order, err := topoSort(r.edgesUnsafe, roots, true)
	if err != nil {
		return nil, err
	}

	// Added under the read lock so a concurrent mutation purges it afterwards
	r.cache.Add(key, order)
	return append([]string(nil), order...), nil
}

// StopOrder is the reverse of the start order for the same roots
func (r *Resolver) StopOrder(roots ...string) ([]string, error) {
	order, err := r.ResolveDependencies(roots...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// StartupLevels partitions ids into levels that can be started concurrently.
// Only edges between members of ids are considered.
func (r *Resolver) StartupLevels(ids []string) ([][]string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	members := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, exists := r.nodes[id]; !exists {
			return nil, errors.NewNotFoundError("instance not found in dependency graph", nil).WithContext("instance_id", id)
		}
		members[id] = true
	}

	restricted := func(id string) ([]Edge, bool) {
		if !members[id] {
			return nil, false
		}
		return r.nodes[id], true
	}

	order, err := topoSort(restricted, ids, false)
	if err != nil {
		return nil, err
	}

	result := levels(order, restricted)
	for _, level := range result {
		sort.Strings(level)
	}
	return result, nil
}

// GetDependents returns the sorted IDs of instances that depend on id
func (r *Resolver) GetDependents(id string) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var dependents []string
	for other, edges := range r.nodes {
		for _, edge := range edges {
			if edge.Target == id {
				dependents = append(dependents, other)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

func (r *Resolver) GetDependencies(id string) ([]Edge, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	edges, exists := r.nodes[id]
	if !exists {
		return nil, errors.NewNotFoundError("instance not found in dependency graph", nil).WithContext("instance_id", id)
	}
	return append([]Edge(nil), edges...), nil
}

// AreDependenciesSatisfied reports whether every required direct dependency is
// running, and lists the ones that are not
func (r *Resolver) AreDependenciesSatisfied(id string, isRunning func(string) bool) (bool, []string) {
	edges, err := r.GetDependencies(id)
	if err != nil {
		return false, nil
	}

	var missing []string
	for _, edge := range edges {
		if edge.Optional {
			continue
		}
		if !isRunning(edge.Target) {
			missing = append(missing, edge.Target)
		}
	}
	return len(missing) == 0, missing
}

func (r *Resolver) Has(id string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, exists := r.nodes[id]
	return exists
}

func (r *Resolver) snapshot() map[string][]Edge {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	nodes := make(map[string][]Edge, len(r.nodes))
	for id, edges := range r.nodes {
		nodes[id] = append([]Edge(nil), edges...)
	}
	return nodes
}

func (r *Resolver) checkAcyclicUnsafe(id string, edges []Edge) error {
	candidate := func(node string) ([]Edge, bool) {
		if node == id {
			return edges, true
		}
		return r.edgesUnsafe(node)
	}
	roots := sortedKeys(r.nodes)
	roots = append(roots, id)
	if _, err := topoSort(candidate, roots, false); err != nil {
		if errors.IsCircularDependencyError(err) {
			r.logger.Warnf("Rejected dependency change, id: %s, error: %v", id, err)
		}
		return err
	}
	return nil
}

func (r *Resolver) edgesUnsafe(id string) ([]Edge, bool) {
	edges, exists := r.nodes[id]
	return edges, exists
}

func normalizeEdges(id string, edges []Edge) ([]Edge, error) {
	seen := make(map[string]bool, len(edges))
	result := make([]Edge, 0, len(edges))
	for _, edge := range edges {
		if edge.Target == "" {
			return nil, errors.NewValidationError("dependency target cannot be empty", nil).WithContext("instance_id", id)
		}
		if edge.Target == id {
			return nil, errors.NewCircularDependencyError(fmt.Sprintf("circular dependency detected at %s", id), nil).
				WithContext("instance_id", id).WithContext("cycle", id+" -> "+id)
		}
		if seen[edge.Target] {
			continue
		}
		seen[edge.Target] = true
		result = append(result, edge)
	}
	return result, nil
}

func mapEdges(nodes map[string][]Edge) edgesFunc {
	return func(id string) ([]Edge, bool) {
		edges, exists := nodes[id]
		return edges, exists
	}
}

func sortedKeys(nodes map[string][]Edge) []string {
	keys := make([]string, 0, len(nodes))
	for id := range nodes {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}
