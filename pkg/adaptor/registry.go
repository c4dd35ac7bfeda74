// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package adaptor defines the capability interface between the engines and
// the back-end drivers, the registry resolving adaptor names, and the value
// types both sides exchange.
package adaptor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// Registry maps adaptor names to adaptors. It is filled during
// initialization and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	adaptors map[string]Adaptor
	descs    map[string]Description
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adaptors: make(map[string]Adaptor),
		descs:    make(map[string]Description),
	}
}

// Register adds a. Names must be unique.
func (r *Registry) Register(a Adaptor) error {
	desc := a.Description().Clone()
	if desc.Name == "" {
		return fmt.Errorf("adaptor has no name")
	}
	switch desc.Kind {
	case KindFileSystem:
		if _, ok := a.(FileSystemAdaptor); !ok {
			return fmt.Errorf("adaptor %q declares kind %s but cannot open file systems", desc.Name, desc.Kind)
		}
	case KindScheduler:
		if _, ok := a.(SchedulerAdaptor); !ok {
			return fmt.Errorf("adaptor %q declares kind %s but cannot open schedulers", desc.Name, desc.Kind)
		}
	default:
		return fmt.Errorf("adaptor %q has unknown kind %q", desc.Name, desc.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adaptors[desc.Name]; exists {
		return fmt.Errorf("adaptor %q already registered", desc.Name)
	}
	r.adaptors[desc.Name] = a
	r.descs[desc.Name] = desc
	return nil
}

// MustRegister is Register that panics, for static initialization.
func (r *Registry) MustRegister(adaptors ...Adaptor) {
	for _, a := range adaptors {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Describe returns a copy of the description registered under name.
func (r *Registry) Describe(name string) (Description, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descs[name]
	if !ok {
		return Description{}, errdefs.Errorf(errdefs.UnknownAdaptor, "unknown adaptor %q", name)
	}
	return desc.Clone(), nil
}

// List returns every description, sorted by name.
func (r *Registry) List() []Description {
	return r.filter(func(Description) bool { return true })
}

// FileSystemAdaptors returns the file system descriptions.
func (r *Registry) FileSystemAdaptors() []Description {
	return r.filter(func(d Description) bool { return d.Kind == KindFileSystem })
}

// SchedulerAdaptors returns the scheduler descriptions.
func (r *Registry) SchedulerAdaptors() []Description {
	return r.filter(func(d Description) bool { return d.Kind == KindScheduler })
}

func (r *Registry) filter(keep func(Description) bool) []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Description, 0, len(r.descs))
	for _, d := range r.descs {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve returns the adaptor registered under name after checking that it
// accepts location.
func (r *Registry) Resolve(name, location string) (Adaptor, error) {
	r.mu.RLock()
	a, ok := r.adaptors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.Errorf(errdefs.UnknownAdaptor, "unknown adaptor %q", name)
	}
	if err := a.ValidateLocation(location); err != nil {
		if errdefs.KindOf(err) != errdefs.InvalidLocation {
			err = errdefs.E(errdefs.InvalidLocation, err)
		}
		return nil, err
	}
	return a, nil
}

// ResolveFileSystem resolves name and location to a file system adaptor.
func (r *Registry) ResolveFileSystem(name, location string) (FileSystemAdaptor, error) {
	a, err := r.Resolve(name, location)
	if err != nil {
		return nil, err
	}
	fa, ok := a.(FileSystemAdaptor)
	if !ok {
		return nil, errdefs.Errorf(errdefs.UnknownAdaptor, "%q is not a file system adaptor", name)
	}
	return fa, nil
}

// ResolveScheduler resolves name and location to a scheduler adaptor.
func (r *Registry) ResolveScheduler(name, location string) (SchedulerAdaptor, error) {
	a, err := r.Resolve(name, location)
	if err != nil {
		return nil, err
	}
	sa, ok := a.(SchedulerAdaptor)
	if !ok {
		return nil, errdefs.Errorf(errdefs.UnknownAdaptor, "%q is not a scheduler adaptor", name)
	}
	return sa, nil
}

// ValidateCredential checks that the adaptor accepts cred. Map entries and
// the map fallback are checked individually.
func ValidateCredential(d Description, cred credential.Credential) error {
	if cred == nil {
		cred = credential.Default{}
	}
	if m, ok := cred.(credential.Map); ok {
		if !d.SupportsCredential(credential.TypeMap) {
			return errdefs.Errorf(errdefs.InvalidCredential, "adaptor %s does not support credential maps", d.Name)
		}
		for _, loc := range m.Locations() {
			if err := ValidateCredential(d, m.Entries[loc]); err != nil {
				return errdefs.E(errdefs.InvalidCredential, "location "+loc, err)
			}
		}
		if m.Fallback != nil {
			return ValidateCredential(d, m.Fallback)
		}
		return nil
	}
	if !d.SupportsCredential(cred.Type()) {
		return errdefs.Errorf(errdefs.InvalidCredential,
			"adaptor %s does not support %s credentials", d.Name, cred.Type())
	}
	return nil
}
