// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package fit

// This file contains tests for the per kind feasibility test

import (
	"testing"

	"github.com/joelandman/slurm/internal/bitmap"
	"github.com/joelandman/slurm/internal/gres"
	"github.com/joelandman/slurm/internal/request"
	"github.com/joelandman/slurm/internal/types"
)

// topoNode builds a node state with one device per entry, each bound to a
// contiguous core range of the given width
func topoNode(name string, coreWidth uint, coreRanges [][2]uint, avail []uint64) (ns *gres.NodeState) {
	ns = &gres.NodeState{Name: name, ID: types.BuildID(name)}
	for i := range coreRanges {
		cb := bitmap.New(coreWidth)
		cb.SetRange(coreRanges[i][0], coreRanges[i][1])
		gb := bitmap.New(uint(len(coreRanges)))
		gb.Set(uint(i))
		ns.Topos = append(ns.Topos, gres.TopoRecord{
			CoreBitmap: cb,
			GresBitmap: gb,
			Avail:      avail[i],
		})
		ns.Avail += avail[i]
	}
	ns.BitAlloc = bitmap.New(uint(len(coreRanges)))
	return ns
}

func allCores(n uint) (bm *bitmap.Bitmap) {
	bm = bitmap.New(n)
	bm.SetAll()
	return bm
}

func perNode(name string, cnt uint64) (req *request.State) {
	return &request.State{
		Name:    name,
		KindID:  types.BuildID(name),
		PerNode: cnt,
		Total:   cnt,
	}
}

func TestFitPlainCount(t *testing.T) {
	ns := &gres.NodeState{Name: "license", Avail: 4, Alloc: 2}

	if got := Test(perNode("license", 3), ns, Params{}); got != Infeasible {
		t.Fatal("expected 3 units against 2 free to be infeasible, got", got)
	}
	if got := Test(perNode("license", 2), ns, Params{}); got != Unbounded {
		t.Fatal("expected 2 units against 2 free to pass without core bounds, got", got)
	}
	if got := Test(perNode("license", 4), ns, Params{IgnoreAlloc: true}); got != Unbounded {
		t.Fatal("expected the what-if pass to ignore committed units, got", got)
	}
}

func TestFitNoConsume(t *testing.T) {
	ns := &gres.NodeState{Name: "shard", Avail: 2, Alloc: 2, NoConsume: true}
	if got := Test(perNode("shard", 2), ns, Params{}); got != Unbounded {
		t.Fatal("expected an informational kind to ignore its committed units, got", got)
	}
}

func TestFitTyped(t *testing.T) {
	ns := &gres.NodeState{Name: "gpu", Avail: 4, Alloc: 1}
	ns.AddType("model_x", 2)
	ns.AddType("model_y", 2)
	ns.Types[0].Alloc = 1

	req := perNode("gpu", 1)
	req.TypeName, req.TypeID = "model_x", types.BuildID("model_x")
	if got := Test(req, ns, Params{}); got != Unbounded {
		t.Fatal("expected 1 free model_x unit to satisfy the demand, got", got)
	}

	req.PerNode, req.Total = 2, 2
	if got := Test(req, ns, Params{}); got != Infeasible {
		t.Fatal("expected 2 model_x units against 1 free to be infeasible, got", got)
	}

	req.TypeName, req.TypeID = "model_z", types.BuildID("model_z")
	if got := Test(req, ns, Params{}); got != Infeasible {
		t.Fatal("expected an absent type to be infeasible, got", got)
	}
}

func TestFitTopoSelection(t *testing.T) {
	ns := topoNode("gpu", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{1, 1})

	cores := allCores(8)
	topoSet := false
	got := Test(perNode("gpu", 2), ns, Params{Cores: cores, TopoSet: &topoSet})
	if got != 8 {
		t.Fatal("expected both devices selected covering 8 cores, got", got)
	}
	if !topoSet {
		t.Fatal("expected the selection to flip the shared topology flag")
	}
	if cores.Count() != 8 {
		t.Fatal("expected no cores cleared when all are in the selection, got", cores.String())
	}
}

func TestFitTopoNarrowing(t *testing.T) {
	ns := topoNode("gpu", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{1, 1})

	cores := allCores(8)
	topoSet := false
	got := Test(perNode("gpu", 1), ns, Params{Cores: cores, TopoSet: &topoSet})
	if got != 4 {
		t.Fatal("expected a single device selection covering 4 cores, got", got)
	}
	// The greedy pass prefers the lowest record index on ties
	for i := uint(0); i < 4; i++ {
		if !cores.Test(i) {
			t.Fatal("expected the first device's cores kept, got", cores.String())
		}
	}
	for i := uint(4); i < 8; i++ {
		if cores.Test(i) {
			t.Fatal("expected the unselected device's cores cleared, got", cores.String())
		}
	}
}

func TestFitTopoPinned(t *testing.T) {
	ns := topoNode("gpu", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{1, 1})

	// An earlier kind narrowed the usable cores to the first socket
	cores, err := bitmap.Parse("0-3", 8)
	if err != nil {
		t.Fatal(err)
	}
	topoSet := true

	if got := Test(perNode("gpu", 2), ns, Params{Cores: cores, TopoSet: &topoSet}); got != Infeasible {
		t.Fatal("expected only 1 unit reachable from the pinned cores, got", got)
	}
	if got := Test(perNode("gpu", 1), ns, Params{Cores: cores, TopoSet: &topoSet}); got != Unbounded {
		t.Fatal("expected 1 unit reachable from the pinned cores, got", got)
	}
}

func TestFitSharedBusyDevice(t *testing.T) {
	ns := topoNode("mps", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{4, 4})
	ns.Shared = true
	ns.Alloc = 2
	ns.Topos[0].Alloc = 2

	// A partially used device must be drained before a fresh one opens up
	cores := allCores(8)
	if got := Test(perNode("mps", 3), ns, Params{Cores: cores}); got != Infeasible {
		t.Fatal("expected the busy device's 2 free units to bound the request, got", got)
	}

	cores = allCores(8)
	if got := Test(perNode("mps", 2), ns, Params{Cores: cores}); got == Infeasible {
		t.Fatal("expected 2 units on the busy device to fit")
	}

	// With nothing committed any device may serve
	ns.Alloc = 0
	ns.Topos[0].Alloc = 0
	cores = allCores(8)
	if got := Test(perNode("mps", 4), ns, Params{Cores: cores}); got == Infeasible {
		t.Fatal("expected an idle shared kind to offer its largest device")
	}

	// One device carries the whole allocation, the pooled total across
	// devices never combines
	cores = allCores(8)
	if got := Test(perNode("mps", 5), ns, Params{Cores: cores}); got != Infeasible {
		t.Fatal("expected a demand past the largest single device to be infeasible, got", got)
	}
}

func TestFitDisableBinding(t *testing.T) {
	ns := topoNode("gpu", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{1, 1})
	got := Test(perNode("gpu", 2), ns, Params{DisableBinding: true})
	if got != Unbounded {
		t.Fatal("expected binding disabled to reduce to a plain count test, got", got)
	}
}
