package action

import (
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/errors"
)

// Registry is a thread-safe action catalog keyed by metadata ID. A
// lookup miss carries "did you mean" suggestions from the registered
// set.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Descriptor)}
}

// Register adds an action (executable or stateful). Duplicate IDs are
// rejected.
func (r *Registry) Register(d Descriptor) error {
	id := d.Metadata().ID
	if id == "" {
		return errors.NewConfig("action.id", "action metadata has an empty ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[id]; dup {
		return errors.Newf(errors.ClassClient, errors.CodeConflict,
			"action %s is already registered", id)
	}
	r.entries[id] = d
	return nil
}

// Lookup returns the registered descriptor for id.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	r.mu.RLock()
	d, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFound("action", id, r.suggest(id)...)
	}
	return d, nil
}

// Executable returns the action as the one-shot variant.
func (r *Registry) Executable(id string) (Action, error) {
	d, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	a, ok := d.(Action)
	if !ok {
		return nil, errors.Newf(errors.ClassClient, errors.CodeUnsupportedOperation,
			"action %s is stateful, not one-shot", id)
	}
	return a, nil
}

// Stateful returns the action as the iterative variant.
func (r *Registry) Stateful(id string) (StatefulAction, error) {
	d, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	a, ok := d.(StatefulAction)
	if !ok {
		return nil, errors.Newf(errors.ClassClient, errors.CodeUnsupportedOperation,
			"action %s is not stateful", id)
	}
	return a, nil
}

// IDs returns all registered IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// suggest returns the closest registered IDs within edit distance 3,
// nearest first, at most three.
func (r *Registry) suggest(name string) []string {
	type candidate struct {
		id   string
		dist int
	}

	r.mu.RLock()
	var near []candidate
	for id := range r.entries {
		if d := levenshtein(name, id); d <= 3 {
			near = append(near, candidate{id: id, dist: d})
		}
	}
	r.mu.RUnlock()

	sort.Slice(near, func(i, j int) bool {
		if near[i].dist != near[j].dist {
			return near[i].dist < near[j].dist
		}
		return near[i].id < near[j].id
	})
	if len(near) > 3 {
		near = near[:3]
	}
	out := make([]string, len(near))
	for i, c := range near {
		out[i] = c.id
	}
	return out
}

func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	matrix := make([][]int, len(a)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(b)+1)
		matrix[i][0] = i
	}
	for j := range matrix[0] {
		matrix[0][j] = j
	}

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			matrix[i][j] = min(
				matrix[i-1][j]+1,
				matrix[i][j-1]+1,
				matrix[i-1][j-1]+cost,
			)
		}
	}
	return matrix[len(a)][len(b)]
}
