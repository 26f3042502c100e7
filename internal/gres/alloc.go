// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package gres

// This file contains the allocation bookkeeping applied to a node state
// when a scheduler commits or releases resources.  The fit test only reads
// state, these operations are the single place counters and bitmaps move.

import (
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/joelandman/slurm/internal/bitmap"
)

// Allocation describes one committed slice of a kind on a node.  Bits is
// nil for count only kinds.  TypeID is zero when the request named no type.
type Allocation struct {
	Count  uint64
	Bits   *bitmap.Bitmap
	TypeID uint32
}

// Allocate commits an allocation onto the node state.  Kinds flagged no
// consume are bound without depleting anything.
func (ns *NodeState) Allocate(alloc Allocation) (err kv.Error) {
	if ns.NoConsume {
		return nil
	}

	if ns.Alloc+alloc.Count > ns.Avail {
		return InvalidRequest(kv.NewError("allocation exceeds available units").
			With("kind", ns.Name).With("avail", ns.Avail).
			With("allocated", ns.Alloc).With("requested", alloc.Count).
			With("stack", stack.Trace().TrimRuntime()))
	}
	ns.Alloc += alloc.Count

	if alloc.Bits != nil && ns.BitAlloc != nil {
		if alloc.Bits.Size() != ns.BitAlloc.Size() {
			return kv.NewError("allocation bitmap width mismatch").
				With("kind", ns.Name).With("want", ns.BitAlloc.Size()).
				With("got", alloc.Bits.Size()).
				With("stack", stack.Trace().TrimRuntime())
		}
		if !ns.Shared && ns.BitAlloc.Overlap(alloc.Bits) != 0 {
			return InvalidRequest(kv.NewError("allocation overlaps units already committed").
				With("kind", ns.Name).With("stack", stack.Trace().TrimRuntime()))
		}
		ns.BitAlloc.Or(alloc.Bits)

		for i := range ns.Topos {
			gb := ns.Topos[i].GresBitmap
			if gb == nil {
				continue
			}
			if ns.Shared {
				// One device carries the whole shared allocation
				if gb.Overlap(alloc.Bits) != 0 {
					ns.Topos[i].Alloc += alloc.Count
				}
			} else {
				ns.Topos[i].Alloc += uint64(gb.Overlap(alloc.Bits))
			}
		}
	}

	if alloc.TypeID != 0 {
		if i, found := ns.TypeIndex(alloc.TypeID); found {
			ns.Types[i].Alloc += alloc.Count
		}
	}
	return nil
}

// Deallocate releases a previously committed allocation.  Counters clamp
// at zero so a stale release is reported rather than corrupting state.
func (ns *NodeState) Deallocate(alloc Allocation) (err kv.Error) {
	if ns.NoConsume {
		return nil
	}

	if alloc.Count > ns.Alloc {
		ns.Alloc = 0
		err = kv.NewError("released more units than were committed").
			With("kind", ns.Name).With("stack", stack.Trace().TrimRuntime())
	} else {
		ns.Alloc -= alloc.Count
	}

	if alloc.Bits != nil && ns.BitAlloc != nil && alloc.Bits.Size() == ns.BitAlloc.Size() {
		for i := range ns.Topos {
			gb := ns.Topos[i].GresBitmap
			if gb == nil {
				continue
			}
			released := uint64(gb.Overlap(alloc.Bits))
			if ns.Shared && released != 0 {
				released = alloc.Count
			}
			if released > ns.Topos[i].Alloc {
				ns.Topos[i].Alloc = 0
			} else {
				ns.Topos[i].Alloc -= released
			}
		}
		if ns.Shared {
			ns.clearSharedBits(alloc.Bits)
		} else {
			for _, i := range alloc.Bits.Indices() {
				ns.BitAlloc.Clear(i)
			}
		}
	}

	if alloc.TypeID != 0 {
		if i, found := ns.TypeIndex(alloc.TypeID); found {
			if alloc.Count > ns.Types[i].Alloc {
				ns.Types[i].Alloc = 0
			} else {
				ns.Types[i].Alloc -= alloc.Count
			}
		}
	}
	return err
}

// clearSharedBits clears a shared kind's device bits once the last
// allocation on the device drains
func (ns *NodeState) clearSharedBits(bits *bitmap.Bitmap) {
	for _, i := range bits.Indices() {
		drained := true
		for t := range ns.Topos {
			gb := ns.Topos[t].GresBitmap
			if gb != nil && gb.Test(i) && ns.Topos[t].Alloc != 0 {
				drained = false
				break
			}
		}
		if drained {
			ns.BitAlloc.Clear(i)
		}
	}
}

// DeallocAll drops every allocation on the node state, used when a node
// returns to service and its jobs are requeued
func (ns *NodeState) DeallocAll() {
	ns.Alloc = 0
	if ns.BitAlloc != nil {
		ns.BitAlloc.ClearRange(0, ns.BitAlloc.Size())
	}
	for i := range ns.Topos {
		ns.Topos[i].Alloc = 0
	}
	for i := range ns.Types {
		ns.Types[i].Alloc = 0
	}
}
