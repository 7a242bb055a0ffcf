package endpoint

import (
	"fmt"
	"sync"
)

// Registry is the declarative table of endpoint descriptors. Endpoints
// are defined once at startup by the host's endpoint catalog and looked
// up by name at run time.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: registration problems are returned, never panics.
// - Ownership: descriptors are copied in and returned by value.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Descriptor
	tagTypes  map[TagType]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]Descriptor),
		tagTypes:  make(map[TagType]struct{}),
	}
}

// DeclareTagTypes records tag types ahead of endpoint registration.
// Types named by descriptors' TagTypes fields are declared implicitly.
func (r *Registry) DeclareTagTypes(types ...TagType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.tagTypes[t] = struct{}{}
	}
}

// KnownTagType reports whether a tag type has been declared.
func (r *Registry) KnownTagType(t TagType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tagTypes[t]
	return ok
}

// TagTypeCount returns the number of declared tag types.
func (r *Registry) TagTypeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tagTypes)
}

// DefineQuery registers d as a query endpoint.
func (r *Registry) DefineQuery(d Descriptor) error {
	if d.Kind != 0 && d.Kind != KindQuery {
		return fmt.Errorf("%w: %s declared %s", ErrKindMismatch, d.Name, d.Kind)
	}
	if d.InvalidatesTags != nil || d.Patch != nil {
		return fmt.Errorf("%w: %s", ErrQueryInvalidates, d.Name)
	}
	d.Kind = KindQuery
	return r.define(d)
}

// DefineMutation registers d as a mutation endpoint.
func (r *Registry) DefineMutation(d Descriptor) error {
	if d.Kind != 0 && d.Kind != KindMutation {
		return fmt.Errorf("%w: %s declared %s", ErrKindMismatch, d.Name, d.Kind)
	}
	if d.ProvidesTags != nil {
		return fmt.Errorf("%w: %s", ErrMutationProvides, d.Name)
	}
	d.Kind = KindMutation
	return r.define(d)
}

func (r *Registry) define(d Descriptor) error {
	if d.Name == "" {
		return ErrMissingName
	}
	if d.BuildRequest == nil {
		return fmt.Errorf("%w: %s", ErrNilBuildRequest, d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, d.Name)
	}
	for _, t := range d.TagTypes {
		r.tagTypes[t] = struct{}{}
	}
	r.endpoints[d.Name] = d.clone()
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.endpoints[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	return d.clone(), nil
}

// Names returns all registered endpoint names, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	return names
}
