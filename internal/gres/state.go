// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package gres

// This file contains the canonical per node state kept for every resource
// kind, its deep copy support and the invariants reconciliation and the
// allocators maintain over it

import (
	"fmt"
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/joelandman/slurm/internal/bitmap"
	"github.com/joelandman/slurm/internal/types"
)

// TypeCount tracks availability for one device model within a resource
// kind.  Entries keep registration order and ids stay unique within a
// NodeState.
type TypeCount struct {
	ID    uint32 `json:"id"`
	Name  string `json:"name"`
	Avail uint64 `json:"avail"`
	Alloc uint64 `json:"alloc"`
}

// TopoRecord describes one device group and which cores can reach it.  A
// nil CoreBitmap means the group is reachable from every core.
type TopoRecord struct {
	TypeID     uint32         `json:"type_id"`
	TypeName   string         `json:"type_name,omitempty"`
	CoreBitmap *bitmap.Bitmap `json:"core_bitmap,omitempty"`
	GresBitmap *bitmap.Bitmap `json:"gres_bitmap,omitempty"`
	Avail      uint64         `json:"avail"`
	Alloc      uint64         `json:"alloc"`
}

// NodeState is the reconciled record for one resource kind on one node.
// Reconciliation owns every field, the allocate and release operations
// adjust only the Alloc counters and the allocation bitmaps.
type NodeState struct {
	Name string `json:"name"`
	ID   uint32 `json:"id"`

	Configured uint64 `json:"configured"` // Count declared by the administrator
	Found      uint64 `json:"found"`      // Count reported by discovery
	Avail      uint64 `json:"avail"`      // Operational count
	Alloc      uint64 `json:"alloc"`      // Units committed to jobs
	NoConsume  bool   `json:"no_consume"` // Informational kind, never decremented

	Types []TypeCount  `json:"types,omitempty"`
	Topos []TopoRecord `json:"topos,omitempty"`

	// BitAlloc tracks exactly which device units are committed when the
	// kind uses per unit file tracking, one bit per global unit index
	BitAlloc *bitmap.Bitmap `json:"bit_alloc,omitempty"`

	// Links holds inter device distances, a square matrix with Avail rows
	Links [][]int `json:"links,omitempty"`

	Shared bool `json:"shared"` // Units are fractions of another kind's devices

	// Fingerprint of the merged record set that produced this state, used
	// to detect no-op reconciliations
	Fingerprint uint64 `json:"-"`
}

// HasTopo reports whether the kind carries topology records on this node
func (ns *NodeState) HasTopo() (has bool) {
	return len(ns.Topos) != 0
}

// TypeIndex locates the type table slot for a type identifier
func (ns *NodeState) TypeIndex(typeID uint32) (i int, found bool) {
	for i := range ns.Types {
		if ns.Types[i].ID == typeID {
			return i, true
		}
	}
	return 0, false
}

// AddType accumulates avail units for a device model, appending a table
// entry on first sight of the model
func (ns *NodeState) AddType(name string, avail uint64) {
	id := typeID(name)
	if i, found := ns.TypeIndex(id); found {
		ns.Types[i].Avail += avail
		return
	}
	ns.Types = append(ns.Types, TypeCount{ID: id, Name: name, Avail: avail})
}

// Clone returns a deep copy of the node state, used for speculative
// scheduling passes that must not disturb the live record
func (ns *NodeState) Clone() (cp *NodeState) {
	cp = &NodeState{}
	*cp = *ns

	cp.Types = append([]TypeCount{}, ns.Types...)

	cp.Topos = make([]TopoRecord, len(ns.Topos))
	for i, topo := range ns.Topos {
		cp.Topos[i] = topo
		if topo.CoreBitmap != nil {
			cp.Topos[i].CoreBitmap = topo.CoreBitmap.Clone()
		}
		if topo.GresBitmap != nil {
			cp.Topos[i].GresBitmap = topo.GresBitmap.Clone()
		}
	}

	if ns.BitAlloc != nil {
		cp.BitAlloc = ns.BitAlloc.Clone()
	}

	if len(ns.Links) != 0 {
		cp.Links = make([][]int, len(ns.Links))
		for i, row := range ns.Links {
			cp.Links[i] = append([]int{}, row...)
		}
	}
	return cp
}

// CheckInvariants verifies the structural relations between the counters,
// tables and bitmaps, used by tests and after reconciliation in debug
// deployments
func (ns *NodeState) CheckInvariants() (err kv.Error) {
	topoAvail := uint64(0)
	for i := range ns.Topos {
		topoAvail += ns.Topos[i].Avail
	}
	if ns.HasTopo() && !ns.Shared && topoAvail != ns.Avail {
		return kv.NewError("topology availability does not cover the kind").
			With("name", ns.Name).With("avail", ns.Avail).With("topo_avail", topoAvail).
			With("stack", stack.Trace().TrimRuntime())
	}

	seen := map[uint32]struct{}{}
	for i := range ns.Types {
		if _, isPresent := seen[ns.Types[i].ID]; isPresent {
			return kv.NewError("duplicate type table entry").
				With("name", ns.Name).With("type", ns.Types[i].Name).
				With("stack", stack.Trace().TrimRuntime())
		}
		seen[ns.Types[i].ID] = struct{}{}
	}

	// Shared kinds count fractional slots while the bitmap marks busy
	// devices, the two only agree for whole device kinds
	if !ns.Shared && ns.BitAlloc != nil && uint64(ns.BitAlloc.Count()) != ns.Alloc {
		return kv.NewError("allocation bitmap out of step with the counter").
			With("name", ns.Name).With("alloc", ns.Alloc).With("bits", ns.BitAlloc.Count()).
			With("stack", stack.Trace().TrimRuntime())
	}

	for _, row := range ns.Links {
		if uint64(len(row)) != uint64(len(ns.Links)) {
			return kv.NewError("link matrix is not square").
				With("name", ns.Name).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return nil
}

// String renders a single line summary of the kind's state for logs
func (ns *NodeState) String() (s string) {
	parts := []string{fmt.Sprintf("%s cfg=%d found=%d avail=%d alloc=%d",
		ns.Name, ns.Configured, ns.Found, ns.Avail, ns.Alloc)}
	for i := range ns.Types {
		parts = append(parts, fmt.Sprintf("type(%s)=%d/%d",
			ns.Types[i].Name, ns.Types[i].Alloc, ns.Types[i].Avail))
	}
	for i := range ns.Topos {
		cores := "all"
		if ns.Topos[i].CoreBitmap != nil {
			cores = ns.Topos[i].CoreBitmap.String()
		}
		parts = append(parts, fmt.Sprintf("topo[%d]=%d/%d cores=%s",
			i, ns.Topos[i].Alloc, ns.Topos[i].Avail, cores))
	}
	return strings.Join(parts, " ")
}

// typeID derives the stable identifier for a device model label, an empty
// label has no identifier
func typeID(name string) (id uint32) {
	if len(name) == 0 {
		return 0
	}
	return types.BuildID(name)
}
