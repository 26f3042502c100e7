// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package gres

// This file contains the resource kind registry.  Kinds are appended during
// one time initialization and are immutable afterwards, the engine facade
// serializes all access behind the module wide lock.

import (
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/joelandman/slurm/internal/types"
)

// Kind is one registered consumable resource kind.  The numeric identifier
// derives from the name so every process computes the same id without
// coordination.
type Kind struct {
	Name      string
	ID        uint32
	CountOnly bool   // No capability hook located for the kind
	Shared    bool   // Units are fractions of another kind's devices
	SharedOf  string // Underlying kind for a shared kind
	NoConsume bool   // Allocations never deplete the available count
	TotalCnt  uint64 // Units observed across all reconciled nodes
}

// Info renders the kind as the metadata view handed to collaborating
// packages
func (k *Kind) Info() (info types.KindInfo) {
	return types.KindInfo{
		Name:      k.Name,
		ID:        k.ID,
		CountOnly: k.CountOnly,
		Shared:    k.Shared,
		SharedOf:  k.SharedOf,
	}
}

// Registry holds the ordered kind table.  Order is meaningful, a shared
// kind always follows the kind it derives from so dependency checks can
// assume the underlying kind is already present.
type Registry struct {
	kinds []*Kind
	byID  map[uint32]*Kind
}

// NewRegistry returns an empty kind table
func NewRegistry() (reg *Registry) {
	return &Registry{
		kinds: []*Kind{},
		byID:  map[uint32]*Kind{},
	}
}

// KindOption mutates a kind during registration
type KindOption func(k *Kind)

// CountOnly marks the kind as tracked by count alone, without device level
// capability support
func CountOnly() (opt KindOption) {
	return func(k *Kind) { k.CountOnly = true }
}

// NoConsume marks the kind as shareable without depletion, jobs bind to it
// but the available count never drops
func NoConsume() (opt KindOption) {
	return func(k *Kind) { k.NoConsume = true }
}

// SharedOf marks the kind as exposing fractions of baseName's devices.  The
// base kind is registered first when not already present so the ordering
// constraint holds.
func SharedOf(baseName string) (opt KindOption) {
	return func(k *Kind) {
		k.Shared = true
		k.SharedOf = baseName
	}
}

// Register appends a kind unless the name is already present, in which case
// the existing entry is returned untouched.  Two distinct names hashing to
// the same identifier cannot be disambiguated and are rejected as a fatal
// configuration error.
func (reg *Registry) Register(name string, opts ...KindOption) (kind *Kind, err kv.Error) {
	if len(name) == 0 {
		return nil, fatalConfig(kv.NewError("resource kind name must not be empty").
			With("stack", stack.Trace().TrimRuntime()))
	}

	id := types.BuildID(name)
	if existing, isPresent := reg.byID[id]; isPresent {
		if existing.Name == name {
			return existing, nil
		}
		return nil, fatalConfig(kv.NewError("resource kind identifier collision").
			With("name", name).With("conflicts_with", existing.Name).With("id", id).
			With("stack", stack.Trace().TrimRuntime()))
	}

	kind = &Kind{Name: name, ID: id}
	for _, opt := range opts {
		opt(kind)
	}

	if kind.Shared {
		if kind.SharedOf == name {
			return nil, fatalConfig(kv.NewError("resource kind cannot derive from itself").
				With("name", name).With("stack", stack.Trace().TrimRuntime()))
		}
		// The underlying kind always precedes its shared kind
		if _, err = reg.Register(kind.SharedOf); err != nil {
			return nil, err
		}
	}

	reg.kinds = append(reg.kinds, kind)
	reg.byID[kind.ID] = kind
	return kind, nil
}

// Resolve maps a kind name to its identifier
func (reg *Registry) Resolve(name string) (id uint32, ok bool) {
	kind, isPresent := reg.byID[types.BuildID(name)]
	if !isPresent || kind.Name != name {
		return 0, false
	}
	return kind.ID, true
}

// Lookup returns the registry entry for an identifier
func (reg *Registry) Lookup(id uint32) (kind *Kind, ok bool) {
	kind, ok = reg.byID[id]
	return kind, ok
}

// ResolveKind implements types.Resolver for the validation and fit test
// packages
func (reg *Registry) ResolveKind(name string) (info types.KindInfo, ok bool) {
	kind, isPresent := reg.byID[types.BuildID(name)]
	if !isPresent || kind.Name != name {
		return info, false
	}
	return kind.Info(), true
}

// Kinds returns the ordered kind table
func (reg *Registry) Kinds() (kinds []*Kind) {
	return reg.kinds
}

// SharedBase returns the registry entry for the kind that shared derives
// from, or nil when shared is not a derived kind
func (reg *Registry) SharedBase(shared *Kind) (base *Kind) {
	if !shared.Shared {
		return nil
	}
	if id, ok := reg.Resolve(shared.SharedOf); ok {
		base, _ = reg.Lookup(id)
	}
	return base
}
