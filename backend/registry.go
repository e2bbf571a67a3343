package backend

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
)

const DefaultBackend = "cpu"

// Registry is the closed set of backends the miner may load, and the specs currently
// mining. Only whitelisted backends are discovered or instantiated.
type Registry struct {
	lock      sync.RWMutex
	backends  map[string]Backend
	whitelist map[string]struct{}
	active    map[string]WorkerSpec
}

func NewRegistry() *Registry {
	return &Registry{
		backends:  make(map[string]Backend),
		whitelist: map[string]struct{}{DefaultBackend: {}},
		active:    make(map[string]WorkerSpec),
	}
}

func (r *Registry) Register(b Backend) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	id := normalizeId(b.Id())
	if _, ok := r.backends[id]; ok {
		return fmt.Errorf("%s: %w", id, ErrDuplicateBackend)
	}
	r.backends[id] = b
	return nil
}

// Whitelist replaces the allowed backend ids. No ids restores the default of cpu only.
func (r *Registry) Whitelist(ids ...string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.whitelist = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = normalizeId(id); id != "" {
			r.whitelist[id] = struct{}{}
		}
	}
	if len(r.whitelist) == 0 {
		r.whitelist[DefaultBackend] = struct{}{}
	}
}

// normalizeId is the registry key of a backend id, ids compare case insensitively.
func normalizeId(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (r *Registry) whitelisted() []string {
	ids := make([]string, 0, len(r.whitelist))
	for id := range r.whitelist {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Discover probes every whitelisted backend. Failures are reported per backend in the result.
func (r *Registry) Discover(ctx context.Context) ([]Discovery, error) {
	r.lock.RLock()
	ids := r.whitelisted()
	backends := make([]Backend, len(ids))
	for i, id := range ids {
		backends[i] = r.backends[id]
	}
	r.lock.RUnlock()

	discoveries := make([]Discovery, 0, len(ids))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return discoveries, err
		}
		d := Discovery{Backend: id}
		if backends[i] == nil {
			d.Err = fmt.Errorf("%s: no implementation loaded: %w", id, ErrBackendUnavailable)
		} else {
			d.Specs, d.Err = backends[i].Discover(ctx)
		}
		if d.Err != nil {
			utils.Errorf("REGISTRY", "Discovery of %s failed: %s", id, d.Err)
		} else {
			utils.Logf("REGISTRY", "Discovered %d %s worker(s)", len(d.Specs), id)
		}
		discoveries = append(discoveries, d)
	}
	return discoveries, nil
}

// Instantiate creates the worker for spec and marks it active.
func (r *Registry) Instantiate(spec WorkerSpec) (Worker, error) {
	id := normalizeId(spec.Backend)
	r.lock.RLock()
	_, allowed := r.whitelist[id]
	b := r.backends[id]
	r.lock.RUnlock()

	if !allowed {
		return nil, fmt.Errorf("%s: %w", spec.Backend, ErrNotWhitelisted)
	}
	if b == nil {
		return nil, fmt.Errorf("%s: %w", spec.Backend, ErrBackendUnavailable)
	}

	w, err := b.Instantiate(spec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.active[spec.Name] = spec
	return w, nil
}

// InstantiateAll starts every discovered spec. Specs that fail are logged once and skipped.
func (r *Registry) InstantiateAll(discoveries []Discovery) (workers []Worker) {
	for _, d := range discoveries {
		for _, spec := range d.Specs {
			w, err := r.Instantiate(spec)
			if err != nil {
				utils.Errorf("REGISTRY", "Dropping %s: %s", spec.Name, err)
				continue
			}
			workers = append(workers, w)
		}
	}
	return workers
}

// Remove takes spec out of the active set, returning false if it was not active.
func (r *Registry) Remove(spec WorkerSpec) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.active[spec.Name]; !ok {
		return false
	}
	delete(r.active, spec.Name)
	return true
}

func (r *Registry) IsActive(name string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.active[name]
	return ok
}

// Active returns the active specs ordered by name.
func (r *Registry) Active() []WorkerSpec {
	r.lock.RLock()
	defer r.lock.RUnlock()
	specs := make([]WorkerSpec, 0, len(r.active))
	for _, spec := range r.active {
		specs = append(specs, spec)
	}
	slices.SortFunc(specs, func(a, b WorkerSpec) int {
		return strings.Compare(a.Name, b.Name)
	})
	return specs
}
