// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package gres

// This file contains tests for committing and releasing allocations against
// the per node resource state

import (
	"testing"

	"github.com/joelandman/slurm/internal/bitmap"
	"github.com/joelandman/slurm/internal/types"
)

func deviceState(name string, devCnt uint) (ns *NodeState) {
	ns = &NodeState{
		Name:     name,
		Avail:    uint64(devCnt),
		BitAlloc: bitmap.New(devCnt),
	}
	for i := uint(0); i < devCnt; i++ {
		gb := bitmap.New(devCnt)
		gb.Set(i)
		ns.Topos = append(ns.Topos, TopoRecord{Avail: 1, GresBitmap: gb})
	}
	return ns
}

func devBits(devCnt uint, indices ...uint) (bm *bitmap.Bitmap) {
	bm = bitmap.New(devCnt)
	for _, i := range indices {
		bm.Set(i)
	}
	return bm
}

func TestAllocateRoundtrip(t *testing.T) {
	ns := deviceState("gpu", 4)
	ns.AddType("model_x", 4)
	typeID := types.BuildID("model_x")

	alloc := Allocation{Count: 2, Bits: devBits(4, 1, 3), TypeID: typeID}
	if err := ns.Allocate(alloc); err != nil {
		t.Fatal(err)
	}

	if ns.Alloc != 2 {
		t.Fatal("expected 2 units committed, got", ns.Alloc)
	}
	if !ns.BitAlloc.Test(1) || !ns.BitAlloc.Test(3) || ns.BitAlloc.Count() != 2 {
		t.Fatal("expected exactly devices 1 and 3 marked busy, got", ns.BitAlloc.String())
	}
	if ns.Topos[1].Alloc != 1 || ns.Topos[3].Alloc != 1 || ns.Topos[0].Alloc != 0 {
		t.Fatal("expected the per device counters to follow the bitmap")
	}
	if ns.Types[0].Alloc != 2 {
		t.Fatal("expected the model counter at 2, got", ns.Types[0].Alloc)
	}
	if err := ns.CheckInvariants(); err != nil {
		t.Fatal(err)
	}

	if err := ns.Deallocate(alloc); err != nil {
		t.Fatal(err)
	}
	if ns.Alloc != 0 || ns.BitAlloc.Any() || ns.Types[0].Alloc != 0 {
		t.Fatal("expected the release to restore a clean state, got", ns.String())
	}
	for i := range ns.Topos {
		if ns.Topos[i].Alloc != 0 {
			t.Fatal("expected device", i, "idle after the release")
		}
	}
}

func TestAllocateOverAvail(t *testing.T) {
	ns := deviceState("gpu", 2)
	err := ns.Allocate(Allocation{Count: 3})
	if err == nil {
		t.Fatal("expected a request past availability to be refused")
	}
	if !IsInvalidRequest(err) {
		t.Fatal("expected the refusal classified as a request error, got", err)
	}
	if ns.Alloc != 0 {
		t.Fatal("expected a refused allocation to leave the counters untouched")
	}
}

func TestAllocateOverlap(t *testing.T) {
	ns := deviceState("gpu", 4)
	if err := ns.Allocate(Allocation{Count: 1, Bits: devBits(4, 2)}); err != nil {
		t.Fatal(err)
	}
	err := ns.Allocate(Allocation{Count: 1, Bits: devBits(4, 2)})
	if err == nil {
		t.Fatal("expected a double commit of device 2 to be refused")
	}
	if !IsInvalidRequest(err) {
		t.Fatal("expected the refusal classified as a request error, got", err)
	}
}

func TestAllocateNoConsume(t *testing.T) {
	ns := deviceState("license", 2)
	ns.NoConsume = true

	if err := ns.Allocate(Allocation{Count: 2, Bits: devBits(2, 0, 1)}); err != nil {
		t.Fatal(err)
	}
	if ns.Alloc != 0 || ns.BitAlloc.Any() {
		t.Fatal("expected an informational kind never to deplete, got", ns.String())
	}
}

func TestSharedAllocateBusyDevice(t *testing.T) {
	ns := sharedState(8, []uint64{4, 4}, 2)

	// Two jobs share device 0, the bit stays busy until both drain
	first := Allocation{Count: 3, Bits: devBits(2, 0)}
	second := Allocation{Count: 2, Bits: devBits(2, 0)}
	if err := ns.Allocate(first); err != nil {
		t.Fatal(err)
	}
	if err := ns.Allocate(second); err != nil {
		t.Fatal(err)
	}

	if ns.Alloc != 5 || ns.Topos[0].Alloc != 5 || ns.Topos[1].Alloc != 0 {
		t.Fatal("expected both shares stacked on device 0, got", ns.String())
	}
	if !ns.BitAlloc.Test(0) || ns.BitAlloc.Test(1) {
		t.Fatal("expected only device 0 marked busy, got", ns.BitAlloc.String())
	}

	if err := ns.Deallocate(first); err != nil {
		t.Fatal(err)
	}
	if !ns.BitAlloc.Test(0) {
		t.Fatal("expected device 0 still busy while the second job holds units")
	}
	if ns.Topos[0].Alloc != 2 {
		t.Fatal("expected 2 units left on device 0, got", ns.Topos[0].Alloc)
	}

	if err := ns.Deallocate(second); err != nil {
		t.Fatal(err)
	}
	if ns.BitAlloc.Test(0) || ns.Alloc != 0 {
		t.Fatal("expected the device released once the last share drains, got", ns.String())
	}
}

func TestDeallocateStale(t *testing.T) {
	ns := deviceState("gpu", 2)
	if err := ns.Allocate(Allocation{Count: 1, Bits: devBits(2, 0)}); err != nil {
		t.Fatal(err)
	}

	err := ns.Deallocate(Allocation{Count: 5, Bits: devBits(2, 0)})
	if err == nil {
		t.Fatal("expected a stale oversized release to be reported")
	}
	if ns.Alloc != 0 {
		t.Fatal("expected the counter clamped at zero, got", ns.Alloc)
	}
}

func TestDeallocAll(t *testing.T) {
	ns := deviceState("gpu", 4)
	ns.AddType("model_x", 4)
	if err := ns.Allocate(Allocation{Count: 3, Bits: devBits(4, 0, 1, 2), TypeID: types.BuildID("model_x")}); err != nil {
		t.Fatal(err)
	}

	ns.DeallocAll()

	if ns.Alloc != 0 || ns.BitAlloc.Any() || ns.Types[0].Alloc != 0 {
		t.Fatal("expected every allocation dropped, got", ns.String())
	}
	for i := range ns.Topos {
		if ns.Topos[i].Alloc != 0 {
			t.Fatal("expected device", i, "idle after the requeue release")
		}
	}
}
