// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package gres

// This file contains the synchronization of a shared kind's topology with
// the device population of the kind it derives from.  A shared kind holds
// exactly one topology record per underlying device and spreads its total
// unit count across those records.

import (
	"github.com/joelandman/slurm/internal/bitmap"
)

// syncSharedToBase rebuilds the shared kind's topology after the underlying
// device count changed.  Existing per device unit counts are preserved,
// only records for new devices receive an even share of the unassigned
// remainder.
func syncSharedToBase(shared, base *NodeState) {
	if shared == nil || base == nil {
		return
	}

	devCnt := uint(base.Avail)
	if shared.BitAlloc != nil && devCnt == shared.BitAlloc.Size() {
		return
	}
	if devCnt == 0 {
		return
	}

	if uint(len(shared.Topos)) > devCnt {
		shared.Topos = shared.Topos[:devCnt]
	}

	if shared.Avail == 0 {
		shared.Topos = nil
		return
	}

	if shared.BitAlloc == nil {
		shared.BitAlloc = bitmap.New(devCnt)
	} else {
		shared.BitAlloc.Truncate(devCnt)
	}

	assigned := uint64(0)
	for i := range shared.Topos {
		if shared.Topos[i].GresBitmap == nil {
			shared.Topos[i].GresBitmap = bitmap.New(devCnt)
			shared.Topos[i].GresBitmap.Set(uint(i))
		} else {
			shared.Topos[i].GresBitmap.Truncate(devCnt)
		}
		assigned += shared.Topos[i].Avail
	}

	remain := uint64(0)
	if assigned < shared.Avail {
		remain = shared.Avail - assigned
	}
	for i := uint(len(shared.Topos)); i < devCnt; i++ {
		gb := bitmap.New(devCnt)
		gb.Set(i)
		share := remain / uint64(devCnt-i)
		remain -= share
		shared.Topos = append(shared.Topos, TopoRecord{
			Avail:      share,
			GresBitmap: gb,
		})
	}
}
