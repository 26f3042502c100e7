// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package fit contains the topology aware feasibility test answering, for
// one resource kind on one candidate node, how many of the node's cores a
// request could use.
package fit

import (
	"github.com/joelandman/slurm/internal/bitmap"
	"github.com/joelandman/slurm/internal/gres"
	"github.com/joelandman/slurm/internal/request"
	"github.com/joelandman/slurm/internal/types"
)

const (
	// Infeasible reports the node cannot satisfy the request
	Infeasible = uint32(0)
	// Unbounded reports the kind places no restriction on core usage
	Unbounded = types.NoVal
)

// Params carries the per evaluation inputs shared across the resource
// kinds of one request
type Params struct {
	// IgnoreAlloc treats every unit as free, used for what-if tests and
	// for kinds flagged no consume
	IgnoreAlloc bool
	// DisableBinding skips core restriction for topology bound kinds
	DisableBinding bool
	// Cores restricts the evaluation to a subset of the node's cores,
	// nil means unrestricted.  Topology selection clears the cores the
	// selection cannot reach.
	Cores *bitmap.Bitmap
	// TopoSet is shared across the kinds of one request on one node, the
	// first topology bound kind narrows Cores and flips it so later
	// kinds only verify availability against the narrowed set
	TopoSet *bool
}

// minPerNode derives the smallest unit count the node must supply
func minPerNode(req *request.State) (cnt uint64) {
	if req.PerJob != 0 {
		cnt = 1
	}
	for _, axis := range []uint64{req.PerNode, req.PerSocket, req.PerTask} {
		if axis > cnt {
			cnt = axis
		}
	}
	return cnt
}

// free computes avail minus alloc with clamping, alloc may transiently
// exceed avail across a reconfiguration
func free(avail, alloc uint64, ignoreAlloc bool) (cnt uint64) {
	if ignoreAlloc {
		return avail
	}
	if alloc >= avail {
		return 0
	}
	return avail - alloc
}

// typeMatch applies the request's type constraint to a topology record
func typeMatch(req *request.State, topo *gres.TopoRecord) (matched bool) {
	if len(req.TypeName) == 0 {
		return true
	}
	return len(topo.TypeName) != 0 && topo.TypeID == req.TypeID
}

// Test answers how many cores of the candidate node the request can use
// for this kind, Unbounded when the kind imposes no core restriction and
// Infeasible when the node cannot satisfy it
func Test(req *request.State, ns *gres.NodeState, p Params) (coreCnt uint32) {
	ignoreAlloc := p.IgnoreAlloc
	if ns.NoConsume {
		ignoreAlloc = true
	}

	// Busy device rule, a partially allocated shared device must be
	// reused before a fresh one is engaged
	useBusyDev := !ignoreAlloc && ns.Shared && ns.Alloc != 0

	minGres := minPerNode(req)

	topoSet := p.TopoSet != nil && *p.TopoSet

	switch {
	case minGres != 0 && ns.HasTopo() && topoSet:
		return testPinnedTopo(req, ns, p.Cores, ignoreAlloc, useBusyDev, minGres)
	case minGres != 0 && ns.HasTopo() && !p.DisableBinding:
		return testSelectTopo(req, ns, p, ignoreAlloc, useBusyDev, minGres)
	case len(req.TypeName) != 0:
		i, found := ns.TypeIndex(req.TypeID)
		if !found {
			return Infeasible
		}
		avail := free(ns.Types[i].Avail, ns.Types[i].Alloc, ignoreAlloc)
		if total := free(ns.Avail, ns.Alloc, ignoreAlloc); total < avail {
			avail = total
		}
		if minGres > avail {
			return Infeasible
		}
		return Unbounded
	default:
		if minGres > free(ns.Avail, ns.Alloc, ignoreAlloc) {
			return Infeasible
		}
		return Unbounded
	}
}

// testPinnedTopo sums availability inside an already narrowed core set, an
// earlier kind of the same request restricted the cores so this kind only
// verifies the count
func testPinnedTopo(req *request.State, ns *gres.NodeState, cores *bitmap.Bitmap,
	ignoreAlloc, useBusyDev bool, minGres uint64) (coreCnt uint32) {

	gresAvail, gresMax := uint64(0), uint64(0)
	for i := range ns.Topos {
		topo := &ns.Topos[i]
		if !typeMatch(req, topo) {
			continue
		}
		if useBusyDev && topo.Alloc == 0 {
			continue
		}
		if topo.CoreBitmap == nil {
			gresAvail += free(topo.Avail, topo.Alloc, ignoreAlloc)
			if ns.Shared && gresAvail > gresMax {
				gresMax = gresAvail
			}
			continue
		}
		for j := uint(0); j < topo.CoreBitmap.Size(); j++ {
			if cores != nil && !cores.Test(j) {
				continue
			}
			if !topo.CoreBitmap.Test(j) {
				continue
			}
			gresAvail += free(topo.Avail, topo.Alloc, ignoreAlloc)
			if ns.Shared && gresAvail > gresMax {
				gresMax = gresAvail
			}
			break
		}
	}
	if ns.Shared {
		gresAvail = gresMax
	}
	if minGres > gresAvail {
		return Infeasible
	}
	return Unbounded
}

// testSelectTopo greedily picks topology records until the demand is
// covered, preferring at every step the record contributing the most cores
// not yet in the accumulated selection and, on ties, the lowest record
// index.  Cores outside the final selection are cleared from p.Cores.
func testSelectTopo(req *request.State, ns *gres.NodeState, p Params,
	ignoreAlloc, useBusyDev bool, minGres uint64) (coreCnt uint32) {

	if minGres > free(ns.Avail, ns.Alloc, ignoreAlloc) {
		return Infeasible
	}

	coreCtld := uint(0)
	if p.Cores != nil {
		coreCtld = p.Cores.Size()
	} else {
		for i := range ns.Topos {
			if ns.Topos[i].CoreBitmap != nil {
				coreCtld = ns.Topos[i].CoreBitmap.Size()
				break
			}
		}
	}
	if coreCtld == 0 {
		return Infeasible
	}

	allocCores := bitmap.New(coreCtld)
	if p.Cores != nil {
		allocCores.Or(p.Cores)
	} else {
		allocCores.SetAll()
	}
	availCores := allocCores.Clone()

	coresAvail := make([]uint32, len(ns.Topos))
	coresAddnt := make([]uint32, len(ns.Topos))
	for i := range ns.Topos {
		topo := &ns.Topos[i]
		if topo.Avail == 0 {
			continue
		}
		if useBusyDev && topo.Alloc == 0 {
			continue
		}
		if !ignoreAlloc && topo.Alloc >= topo.Avail {
			continue
		}
		if !typeMatch(req, topo) {
			continue
		}
		if topo.CoreBitmap == nil {
			coresAvail[i] = uint32(coreCtld)
			continue
		}
		for j := uint(0); j < topo.CoreBitmap.Size(); j++ {
			if p.Cores != nil && !p.Cores.Test(j) {
				continue
			}
			if topo.CoreBitmap.Test(j) {
				coresAvail[i]++
			}
		}
	}

	gresAvail, gresTotal := uint64(0), uint64(0)
	topInx := -1
	for gresAvail < minGres {
		topInx = -1
		for j := range ns.Topos {
			if gresAvail == 0 || coresAvail[j] == 0 || ns.Topos[j].CoreBitmap == nil {
				coresAddnt[j] = coresAvail[j]
			} else {
				coresAddnt[j] = coresAvail[j] -
					uint32(allocCores.Overlap(ns.Topos[j].CoreBitmap))
			}
			if topInx == -1 {
				if coresAvail[j] != 0 {
					topInx = j
				}
			} else if coresAddnt[j] > coresAddnt[topInx] {
				topInx = j
			}
		}
		if topInx < 0 || coresAvail[topInx] == 0 {
			if gresTotal < minGres {
				coreCnt = 0
			}
			break
		}
		coresAvail[topInx] = 0

		gresTmp := free(ns.Topos[topInx].Avail, ns.Topos[topInx].Alloc, ignoreAlloc)
		if gresTmp == 0 {
			break
		}

		switch {
		case ns.Shared:
			// The specific device is committed after the loop
		case ns.Topos[topInx].CoreBitmap == nil:
			allocCores.SetRange(0, coreCtld)
		case gresAvail != 0:
			allocCores.Or(ns.Topos[topInx].CoreBitmap)
			if p.Cores != nil {
				allocCores.And(availCores)
			}
		default:
			allocCores.And(ns.Topos[topInx].CoreBitmap)
		}

		if ns.Shared {
			if gresTmp > gresTotal {
				gresTotal = gresTmp
			}
			gresAvail = gresTotal
		} else {
			// One unit per pass keeps the accumulated core set as
			// wide as possible
			gresAvail++
			gresTotal += gresTmp
			coreCnt = uint32(allocCores.Count())
		}
	}

	if ns.Shared && topInx >= 0 && gresAvail >= minGres {
		if ns.Topos[topInx].CoreBitmap == nil {
			allocCores.SetRange(0, coreCtld)
		} else {
			allocCores.Or(ns.Topos[topInx].CoreBitmap)
			if p.Cores != nil {
				allocCores.And(availCores)
			}
		}
		coreCnt = uint32(allocCores.Count())
	}

	if p.Cores != nil && coreCnt > 0 {
		if p.TopoSet != nil {
			*p.TopoSet = true
		}
		for i := uint(0); i < coreCtld; i++ {
			if !allocCores.Test(i) {
				p.Cores.Clear(i)
			}
		}
	}
	return coreCnt
}
