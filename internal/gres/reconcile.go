// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package gres

// This file contains the inventory reconciliation engine.  Administrator
// declared counts and locally discovered device records are merged into one
// canonical per node inventory, with the declared side always winning on
// count and the discovered side contributing types, core affinity, device
// files and link distances.

import (
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/karlmutch/hashstructure"

	"github.com/joelandman/slurm/internal/bitmap"
	"github.com/joelandman/slurm/internal/discover"
	"github.com/joelandman/slurm/internal/types"
)

// NodeConfig carries the hardware shape reconciliation needs to size core
// bitmaps and socket spans
type NodeConfig struct {
	Name    string // Node name, used only for reporting
	Cores   uint   // Total cores on the node
	Sockets uint   // Socket count, cores divide evenly across sockets
}

// CoresPerSocket returns the per socket core count
func (nc *NodeConfig) CoresPerSocket() (cnt uint) {
	if nc.Sockets == 0 {
		return nc.Cores
	}
	return nc.Cores / nc.Sockets
}

// CapabilityHook lets a discovery collaborator post process the merged
// record list for a kind, typically to drop entries it knows are unusable
type CapabilityHook func(kind types.KindInfo, merged []*discover.Record) (kept []*discover.Record, err kv.Error)

// Inventory is the canonical reconciled state for one node, one NodeState
// per registered kind plus the merged record list used for later device
// file and topology lookups
type Inventory struct {
	Node    NodeConfig
	States  []*NodeState
	Merged  []*discover.Record
	stateID map[uint32]*NodeState
}

// State returns the node state for a kind identifier
func (inv *Inventory) State(id uint32) (ns *NodeState) {
	return inv.stateID[id]
}

// Reconcile merges the declared specification for a node with its
// discovered records and produces the canonical inventory.  A previous
// inventory, when supplied, donates its allocation counters and bitmaps so
// running jobs survive a reconfiguration.  Warnings report advisory
// conditions such as discovered devices the administrator never declared.
func Reconcile(reg *Registry, node NodeConfig, declared string, found []*discover.Record,
	hooks map[uint32]CapabilityHook, prev *Inventory) (inv *Inventory, warnings []string, err kv.Error) {

	if node.Cores == 0 {
		return nil, nil, fatalConfig(kv.NewError("node must expose at least one core").
			With("node", node.Name).With("stack", stack.Trace().TrimRuntime()))
	}
	if node.Sockets == 0 {
		node.Sockets = 1
	}
	if node.Cores%node.Sockets != 0 {
		return nil, nil, fatalConfig(kv.NewError("cores do not divide evenly across sockets").
			With("node", node.Name).With("cores", node.Cores).With("sockets", node.Sockets).
			With("stack", stack.Trace().TrimRuntime()))
	}

	buckets, err := discover.ParseDeclared(declared)
	if err != nil {
		return nil, nil, fatalConfig(err.With("node", node.Name))
	}

	inv = &Inventory{
		Node:    node,
		States:  []*NodeState{},
		Merged:  []*discover.Record{},
		stateID: map[uint32]*NodeState{},
	}

	for _, kind := range reg.Kinds() {
		kindBuckets := []discover.Declared{}
		for _, bucket := range buckets {
			if bucket.Name == kind.Name {
				kindBuckets = append(kindBuckets, bucket)
			}
		}
		pool := []*discover.Record{}
		for _, rec := range found {
			if rec.Name == kind.Name {
				pool = append(pool, rec.Clone())
			}
		}

		if err = checkKindConsistency(kind, kindBuckets, pool); err != nil {
			return nil, nil, err
		}

		merged, kindWarnings := mergeKind(kind, kindBuckets, pool)
		warnings = append(warnings, kindWarnings...)

		if hook, isPresent := hooks[kind.ID]; isPresent {
			if merged, err = hook(kind.Info(), merged); err != nil {
				return nil, nil, err
			}
		} else if !kind.CountOnly {
			warnings = append(warnings, "no capability hook for "+kind.Name+", tracking counts only")
			for _, rec := range merged {
				rec.CountOnly = true
			}
		}

		var prevState *NodeState
		if prev != nil {
			prevState = prev.State(kind.ID)
		}

		ns, stateWarnings, errState := buildNodeState(kind, node, merged, prevState)
		if errState != nil {
			return nil, nil, errState
		}
		warnings = append(warnings, stateWarnings...)

		kind.TotalCnt += ns.Avail
		if prevState != nil {
			if kind.TotalCnt >= prevState.Avail {
				kind.TotalCnt -= prevState.Avail
			} else {
				kind.TotalCnt = 0
			}
		}

		inv.States = append(inv.States, ns)
		inv.stateID[ns.ID] = ns
		inv.Merged = append(inv.Merged, merged...)
	}

	// Shared kinds mirror the device population of the kind they derive
	// from, keep their topology in step
	for _, kind := range reg.Kinds() {
		if !kind.Shared {
			continue
		}
		base := reg.SharedBase(kind)
		if base == nil {
			return nil, nil, fatalConfig(kv.NewError("shared kind configured without its underlying kind").
				With("kind", kind.Name).With("node", node.Name).
				With("stack", stack.Trace().TrimRuntime()))
		}
		sharedState := inv.State(kind.ID)
		syncSharedToBase(sharedState, inv.State(base.ID))
		if prev != nil {
			warnings = append(warnings, carrySharedAllocations(prev.State(kind.ID), sharedState)...)
		}
	}

	return inv, warnings, nil
}

// mergeKind partitions a kind's discovered records against its declared
// buckets, splitting and truncating records to match the declared demand
// and synthesizing placeholders for any shortfall
func mergeKind(kind *Kind, kindBuckets []discover.Declared, pool []*discover.Record) (merged []*discover.Record, warnings []string) {
	merged = []*discover.Record{}
	consumed := make([]bool, len(pool))

	popMatch := func(typeName string) (rec *discover.Record) {
		for i := range pool {
			if consumed[i] {
				continue
			}
			if len(typeName) != 0 && pool[i].Type != typeName {
				continue
			}
			consumed[i] = true
			if len(typeName) == 0 {
				// Declared untyped, the discovered label is dropped
				pool[i].Type = ""
			}
			return pool[i]
		}
		return nil
	}

	for _, bucket := range kindBuckets {
		remain := bucket.Count
		for remain > 0 {
			rec := popMatch(bucket.Type)
			if rec == nil {
				break
			}
			if rec.Count > remain {
				warnings = append(warnings, kv.NewError("discovered more devices than declared").
					With("kind", kind.Name).With("type", bucket.Type).
					With("dropped", rec.Count-remain).Error())
				rec.Count = remain
				rec.TruncateFiles(remain)
			}
			remain -= rec.Count
			merged = append(merged, rec)
		}
		if remain > 0 {
			// Declared demand the probes never accounted for
			merged = append(merged, &discover.Record{
				Name:      kind.Name,
				Type:      bucket.Type,
				Count:     remain,
				CountOnly: kind.CountOnly,
			})
		}
	}

	if len(kindBuckets) == 0 {
		// Every configured kind carries at least one record
		merged = append(merged, &discover.Record{
			Name:      kind.Name,
			Count:     0,
			CountOnly: kind.CountOnly,
		})
	}

	for i := range pool {
		if !consumed[i] && pool[i].Count != 0 {
			warnings = append(warnings, kv.NewError("discovered devices the node never declared").
				With("kind", kind.Name).With("type", pool[i].Type).
				With("dropped", pool[i].Count).Error())
		}
	}
	return merged, warnings
}

// checkKindConsistency applies the fatal configuration checks that make a
// kind's records unusable when violated
func checkKindConsistency(kind *Kind, kindBuckets []discover.Declared, pool []*discover.Record) (err kv.Error) {
	typed, untyped := false, false
	for _, bucket := range kindBuckets {
		if len(bucket.Type) != 0 {
			typed = true
		} else {
			untyped = true
		}
	}
	if typed && untyped {
		return fatalConfig(kv.NewError("declaration mixes typed and untyped entries for one kind").
			With("kind", kind.Name).With("stack", stack.Trace().TrimRuntime()))
	}

	if len(pool) != 0 {
		hasFile, hasType := pool[0].HasFile(), pool[0].HasType()
		for _, rec := range pool[1:] {
			if rec.HasFile() != hasFile {
				return fatalConfig(kv.NewError("some records carry device files while others do not").
					With("kind", kind.Name).With("stack", stack.Trace().TrimRuntime()))
			}
			if rec.HasType() != hasType {
				return fatalConfig(kv.NewError("some records carry a type label while others do not").
					With("kind", kind.Name).With("stack", stack.Trace().TrimRuntime()))
			}
		}
		if !hasFile && !hasType && len(pool) > 1 {
			return fatalConfig(kv.NewError("duplicate records for an untyped kind without device files").
				With("kind", kind.Name).With("stack", stack.Trace().TrimRuntime()))
		}
	}
	return nil
}

// buildNodeState converts the merged record list for one kind into its
// canonical node state, carrying allocations over from a previous state
// when a reconfiguration is in progress
func buildNodeState(kind *Kind, node NodeConfig, merged []*discover.Record, prev *NodeState) (ns *NodeState, warnings []string, err kv.Error) {

	fingerprint, errGo := hashstructure.Hash(merged, nil)
	if errGo != nil {
		return nil, nil, kv.Wrap(errGo).With("kind", kind.Name).With("stack", stack.Trace().TrimRuntime())
	}
	if prev != nil && prev.Fingerprint == fingerprint {
		// Identical configuration, the existing state including its live
		// allocations is already canonical
		return prev, nil, nil
	}

	ns = &NodeState{
		Name:        kind.Name,
		ID:          kind.ID,
		Shared:      kind.Shared,
		NoConsume:   kind.NoConsume,
		Fingerprint: fingerprint,
	}

	hasFile, anyCores, anyLinks := false, false, false
	for _, rec := range merged {
		ns.Avail += rec.Count
		if rec.HasFile() {
			hasFile = true
		}
		if len(rec.Cores) != 0 {
			anyCores = true
		}
		if len(rec.Links) != 0 {
			anyLinks = true
		}
		if rec.HasType() {
			ns.AddType(rec.Type, rec.Count)
		}
	}
	ns.Configured = ns.Avail
	ns.Found = foundTotal(merged)

	// Per unit tracking is bounded, drop units past the bitmap limit
	if hasFile && !kind.Shared && ns.Avail > types.MaxDeviceBits {
		excess := ns.Avail - types.MaxDeviceBits
		warnings = append(warnings, kv.NewError("per unit tracking limit reached, dropping devices").
			With("kind", kind.Name).With("limit", types.MaxDeviceBits).With("dropped", excess).Error())
		remain := uint64(types.MaxDeviceBits)
		for _, rec := range merged {
			if rec.Count > remain {
				rec.Count = remain
				rec.TruncateFiles(remain)
			}
			remain -= rec.Count
		}
		ns.Avail = types.MaxDeviceBits
		ns.Configured = ns.Avail
	}

	if hasFile || kind.Shared || anyCores {
		warnings = append(warnings, buildTopology(kind, node, merged, ns, hasFile)...)
	}

	if anyLinks {
		if errLinks := buildLinks(merged, ns); errLinks != nil {
			warnings = append(warnings, errLinks.Error())
		}
	}

	if prev != nil {
		warnings = append(warnings, carryAllocations(prev, ns)...)
	}
	return ns, warnings, nil
}

// foundTotal reports the usable discovery count for the kind after merge
func foundTotal(merged []*discover.Record) (total uint64) {
	for _, rec := range merged {
		total += rec.Count
	}
	return total
}

// buildTopology fills the per record topology table, core bitmaps sized to
// the node and device bitmaps over the kind's global unit index space
func buildTopology(kind *Kind, node NodeConfig, merged []*discover.Record, ns *NodeState, hasFile bool) (warnings []string) {

	devCnt := ns.Avail
	if kind.Shared {
		devCnt = uint64(len(merged))
	}

	gresInx := uint(0)
	someCores := false
	for _, rec := range merged {
		if len(rec.Cores) != 0 {
			someCores = true
			break
		}
	}

	for i, rec := range merged {
		topo := TopoRecord{
			TypeID:   typeID(rec.Type),
			TypeName: rec.Type,
			Avail:    rec.Count,
		}

		if len(rec.Cores) != 0 {
			cores, errCores := bitmap.Parse(rec.Cores, node.Cores)
			if errCores != nil {
				warnings = append(warnings, errCores.With("kind", kind.Name).Error())
			} else {
				topo.CoreBitmap = cores
			}
		} else if someCores {
			// Mixed core affinity, records without one span the node
			warnings = append(warnings, kv.NewError("core affinity configured for only some records").
				With("kind", kind.Name).Error())
			span := bitmap.New(node.Cores)
			span.SetAll()
			topo.CoreBitmap = span
		}

		if devCnt > 0 {
			if kind.Shared {
				topo.GresBitmap = bitmap.New(uint(devCnt))
				topo.GresBitmap.Set(uint(i))
			} else if hasFile {
				topo.GresBitmap = bitmap.New(uint(devCnt))
				topo.GresBitmap.SetRange(gresInx, gresInx+uint(rec.Count))
			}
		}
		gresInx += uint(rec.Count)

		ns.Topos = append(ns.Topos, topo)
	}

	if (hasFile || kind.Shared) && devCnt > 0 {
		ns.BitAlloc = bitmap.New(uint(devCnt))
	}
	return warnings
}

// buildLinks assembles the square link distance matrix, every unit of a
// record shares the record's distance vector
func buildLinks(merged []*discover.Record, ns *NodeState) (err kv.Error) {
	side := int(ns.Avail)
	if side == 0 {
		return nil
	}
	links := make([][]int, side)
	row := 0
	for _, rec := range merged {
		var vals []int
		if len(rec.Links) != 0 {
			if vals, err = discover.ParseLinks(rec.Links, -1, side); err != nil {
				return err
			}
		}
		for j := uint64(0); j < rec.Count && row < side; j++ {
			if vals == nil {
				links[row] = make([]int, side)
			} else {
				links[row] = append([]int{}, vals...)
			}
			row++
		}
	}
	ns.Links = links
	return nil
}

// carryAllocations moves live allocation state from the previous node
// state onto the rebuilt one so running jobs survive the reconfiguration
func carryAllocations(prev *NodeState, ns *NodeState) (warnings []string) {
	ns.Alloc = prev.Alloc

	if prev.Alloc != 0 && prev.Found != ns.Found {
		warnings = append(warnings, kv.NewError("device count changed while jobs are using them").
			With("kind", ns.Name).With("was", prev.Found).With("now", ns.Found).Error())
	}

	// Shared kinds count fractional slots while their bitmap marks busy
	// devices, recomputing the counter from the bitmap would destroy live
	// allocations.  Their carry runs after the base sync rebuilds the per
	// device topology.
	if ns.Shared {
		return warnings
	}

	if prev.BitAlloc != nil && ns.BitAlloc != nil {
		carried := prev.BitAlloc.Clone()
		if errResize := carried.Resize(ns.BitAlloc.Size()); errResize != nil {
			warnings = append(warnings, errResize.With("kind", ns.Name).Error())
			carried.Truncate(ns.BitAlloc.Size())
		}
		ns.BitAlloc = carried
		ns.Alloc = uint64(ns.BitAlloc.Count())

		for i := range ns.Topos {
			if ns.Topos[i].GresBitmap != nil {
				ns.Topos[i].Alloc = uint64(ns.BitAlloc.Overlap(ns.Topos[i].GresBitmap))
			}
		}
	}

	for _, prevType := range prev.Types {
		if i, found := ns.TypeIndex(prevType.ID); found {
			ns.Types[i].Alloc = prevType.Alloc
		}
	}
	return warnings
}

// carrySharedAllocations moves a shared kind's live allocation state onto
// its rebuilt node state.  It runs after syncSharedToBase so both topology
// tables are indexed by the underlying device, the slot counter is carried
// as is and never recomputed from the busy device mask.
func carrySharedAllocations(prev *NodeState, ns *NodeState) (warnings []string) {
	if prev == nil || ns == nil || prev == ns {
		return nil
	}
	ns.Alloc = prev.Alloc

	if prev.BitAlloc != nil && ns.BitAlloc != nil {
		carried := prev.BitAlloc.Clone()
		if errResize := carried.Resize(ns.BitAlloc.Size()); errResize != nil {
			warnings = append(warnings, errResize.With("kind", ns.Name).Error())
			carried.Truncate(ns.BitAlloc.Size())
		}
		ns.BitAlloc = carried
	}

	for i := range ns.Topos {
		if i < len(prev.Topos) {
			ns.Topos[i].Alloc = prev.Topos[i].Alloc
		}
	}

	for _, prevType := range prev.Types {
		if i, found := ns.TypeIndex(prevType.ID); found {
			ns.Types[i].Alloc = prevType.Alloc
		}
	}
	return warnings
}
