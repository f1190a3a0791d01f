package plugin

import (
	"sort"
	"sync"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

type Registry interface {
	GetPlugin(pluginID string) (Manifest, error)
	ListEnabledPlugins() []Manifest
}

// StaticRegistry serves manifests loaded from configuration
type StaticRegistry struct {
	manifests map[string]Manifest
	mutex     sync.RWMutex
}

func NewStaticRegistry(manifests ...Manifest) (*StaticRegistry, error) {
	registry := &StaticRegistry{manifests: make(map[string]Manifest)}
	for _, manifest := range manifests {
		if err := registry.Register(manifest); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *StaticRegistry) Register(manifest Manifest) error {
	if err := ValidateManifest(manifest); err != nil {
		return err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.manifests[manifest.ID]; exists {
		return errors.NewConflictError("plugin already registered", nil).WithContext("plugin_id", manifest.ID)
	}
	r.manifests[manifest.ID] = manifest
	return nil
}

func (r *StaticRegistry) Unregister(pluginID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.manifests[pluginID]; !exists {
		return errors.NewNotFoundError("plugin not found", nil).WithContext("plugin_id", pluginID)
	}
	delete(r.manifests, pluginID)
	return nil
}

func (r *StaticRegistry) GetPlugin(pluginID string) (Manifest, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	manifest, exists := r.manifests[pluginID]
	if !exists {
		return Manifest{}, errors.NewNotFoundError("plugin not found", nil).WithContext("plugin_id", pluginID)
	}
	return manifest, nil
}

func (r *StaticRegistry) ListPlugins() []Manifest {
	return r.list(false)
}

func (r *StaticRegistry) ListEnabledPlugins() []Manifest {
	return r.list(true)
}

func (r *StaticRegistry) list(enabledOnly bool) []Manifest {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make([]Manifest, 0, len(r.manifests))
	for _, manifest := range r.manifests {
		if enabledOnly && !manifest.Enabled {
			continue
		}
		result = append(result, manifest)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
