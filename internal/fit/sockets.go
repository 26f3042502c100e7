// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package fit

// This file contains the construction of per socket availability maps, the
// view of a node the scheduler's core bin packer consumes.  One map is
// produced per requested kind and type, a kind that yields no map makes the
// node infeasible for the whole request.

import (
	"fmt"
	"strings"

	"github.com/joelandman/slurm/internal/bitmap"
	"github.com/joelandman/slurm/internal/gres"
	"github.com/joelandman/slurm/internal/request"
	"github.com/joelandman/slurm/internal/types"
)

// SockGres is the ephemeral availability map for one kind on one node,
// split between a catch all bucket reachable from any socket and per
// socket buckets for core bound devices
type SockGres struct {
	TypeID   uint32
	TypeName string

	SockCnt     uint16
	CntBySock   []uint64
	BitsBySock  []*bitmap.Bitmap
	CntAnySock  uint64
	BitsAnySock *bitmap.Bitmap

	TotalCnt uint64
	// MaxNodeGres caps a shared kind at its largest single device, only
	// one physical unit is engaged per allocation
	MaxNodeGres uint64
}

// String renders a single line summary of the availability map for logs
func (sg *SockGres) String() (s string) {
	label := sg.TypeName
	if len(label) == 0 {
		label = "any"
	}
	parts := []string{fmt.Sprintf("type=%s total=%d any=%d", label, sg.TotalCnt, sg.CntAnySock)}
	for i := range sg.CntBySock {
		if sg.CntBySock[i] == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("sock[%d]=%d", i, sg.CntBySock[i]))
	}
	if sg.MaxNodeGres != 0 {
		parts = append(parts, fmt.Sprintf("max=%d", sg.MaxNodeGres))
	}
	return strings.Join(parts, " ")
}

// SocketParams carries the per evaluation inputs of the socket builder
type SocketParams struct {
	IgnoreAlloc    bool
	EnforceBinding bool
	// Cores restricts usable cores, nil means unrestricted.  Binding
	// enforcement clears cores of sockets dropped from consideration.
	Cores          *bitmap.Bitmap
	Sockets        uint16
	CoresPerSocket uint16
	// SocketsPerNode limits how many sockets the job may span, the
	// sentinel types.NoVal means unlimited
	SocketsPerNode uint32
	// ReqSockets, when supplied, receives the sockets that must be part
	// of any allocation for the per node demand to be reachable
	ReqSockets *bitmap.Bitmap
	// Alt is the node state of the kind paired with this one through the
	// shared relationship, used to keep whole device and fractional
	// allocations off the same physical units
	Alt *gres.NodeState
}

// BuildSockets produces the availability map for one kind on one node, nil
// when the node cannot satisfy the kind's demand
func BuildSockets(req *request.State, ns *gres.NodeState, p SocketParams) (sg *SockGres) {
	if ns.Avail == 0 {
		return nil
	}
	ignoreAlloc := p.IgnoreAlloc || ns.NoConsume

	switch {
	case ns.HasTopo():
		return buildByTopo(req, ns, p, ignoreAlloc)
	case len(ns.Types) != 0:
		return buildByType(req, ns, ignoreAlloc)
	default:
		return buildBasic(req, ns, ignoreAlloc)
	}
}

// socketDemand derives the smallest count the map must reach, per node
// demand raised to the per task demand
func socketDemand(req *request.State, perSocket bool) (minGres uint64) {
	minGres = 1
	if req.PerNode != 0 {
		minGres = req.PerNode
	}
	if perSocket && req.PerSocket > minGres {
		minGres = req.PerSocket
	}
	if req.PerTask > minGres {
		minGres = req.PerTask
	}
	return minGres
}

func buildByTopo(req *request.State, ns *gres.NodeState, p SocketParams,
	ignoreAlloc bool) (sg *SockGres) {

	useBusyDev := !ignoreAlloc && ns.Shared && ns.Alloc != 0

	sg = &SockGres{
		SockCnt:    p.Sockets,
		CntBySock:  make([]uint64, p.Sockets),
		BitsBySock: make([]*bitmap.Bitmap, p.Sockets),
	}
	match := false
	totCores := uint(p.Sockets) * uint(p.CoresPerSocket)

	for i := range ns.Topos {
		topo := &ns.Topos[i]
		if len(req.TypeName) != 0 && req.TypeID != topo.TypeID {
			continue
		}
		if useBusyDev && topo.Alloc == 0 {
			continue
		}
		availGres := free(topo.Avail, topo.Alloc, ignoreAlloc)
		if availGres == 0 {
			continue
		}

		// Keep whole device and fractional allocations apart
		if p.Alt != nil && p.Alt.BitAlloc != nil && topo.GresBitmap != nil {
			c := uint64(topo.GresBitmap.Overlap(p.Alt.BitAlloc))
			if c > 0 {
				if ns.Shared {
					continue
				}
				if c >= availGres {
					continue
				}
				availGres -= c
			}
		}

		if ns.Shared && availGres > sg.MaxNodeGres {
			sg.MaxNodeGres = availGres
		}

		// A record reachable from every socket behaves as unbound
		spansAll := false
		if topo.CoreBitmap != nil {
			spansAll = true
			for s := uint16(0); s < p.Sockets; s++ {
				onSocket := false
				for c := uint16(0); c < p.CoresPerSocket; c++ {
					if topo.CoreBitmap.Test(uint(s)*uint(p.CoresPerSocket) + uint(c)) {
						onSocket = true
						break
					}
				}
				if !onSocket {
					spansAll = false
					break
				}
			}
		}

		if topo.CoreBitmap == nil || spansAll {
			sg.CntAnySock += availGres
			sg.TotalCnt += availGres
			if topo.GresBitmap != nil {
				if sg.BitsAnySock == nil {
					sg.BitsAnySock = topo.GresBitmap.Clone()
				} else {
					sg.BitsAnySock.Or(topo.GresBitmap)
				}
			}
			match = true
			continue
		}

		limit := totCores
		if p.Cores != nil && p.Cores.Size() < limit {
			limit = p.Cores.Size()
		}
		if topo.CoreBitmap.Size() < limit {
			limit = topo.CoreBitmap.Size()
		}

		remaining := availGres
		for s := uint16(0); s < p.Sockets && remaining != 0; s++ {
			base := uint(s) * uint(p.CoresPerSocket)
			if p.EnforceBinding && p.Cores != nil && !socketHasCore(p.Cores, base, p.CoresPerSocket) {
				continue
			}
			for c := uint16(0); c < p.CoresPerSocket; c++ {
				j := base + uint(c)
				if j >= limit {
					break
				}
				if !topo.CoreBitmap.Test(j) {
					continue
				}
				if topo.GresBitmap == nil {
					continue
				}
				if sg.BitsBySock[s] == nil {
					sg.BitsBySock[s] = topo.GresBitmap.Clone()
				} else {
					sg.BitsBySock[s].Or(topo.GresBitmap)
				}
				sg.CntBySock[s] += remaining
				sg.TotalCnt += remaining
				remaining = 0
				match = true
				break
			}
		}
	}

	// Zero out sockets below the per socket demand and cap the excess
	if match && req.PerSocket != 0 {
		for s := uint16(0); s < p.Sockets; s++ {
			if sg.CntBySock[s] < req.PerSocket {
				sg.TotalCnt -= sg.CntBySock[s]
				sg.CntBySock[s] = 0
				if p.EnforceBinding && p.Cores != nil {
					base := uint(s) * uint(p.CoresPerSocket)
					p.Cores.ClearRange(base, base+uint(p.CoresPerSocket))
				}
			} else if sg.CntBySock[s] > req.PerSocket {
				sg.TotalCnt -= sg.CntBySock[s] - req.PerSocket
				sg.CntBySock[s] = req.PerSocket
			}
		}
	}

	// Honor the sockets per node limit by dropping the weakest sockets
	if match && p.EnforceBinding && p.Cores != nil &&
		p.SocketsPerNode != types.NoVal && uint32(p.Sockets) > p.SocketsPerNode {
		availSock := 0
		availFlag := make([]bool, p.Sockets)
		for s := uint16(0); s < p.Sockets; s++ {
			if sg.CntBySock[s] == 0 {
				continue
			}
			if socketHasCore(p.Cores, uint(s)*uint(p.CoresPerSocket), p.CoresPerSocket) {
				availSock++
				availFlag[s] = true
			}
		}
		for uint32(availSock) > p.SocketsPerNode {
			low := -1
			for s := uint16(0); s < p.Sockets; s++ {
				if !availFlag[s] {
					continue
				}
				if low == -1 || sg.CntBySock[s] < sg.CntBySock[low] {
					low = int(s)
				}
			}
			if low == -1 {
				break
			}
			base := uint(low) * uint(p.CoresPerSocket)
			p.Cores.ClearRange(base, base+uint(p.CoresPerSocket))
			sg.TotalCnt -= sg.CntBySock[low]
			sg.CntBySock[low] = 0
			availSock--
			availFlag[low] = false
		}
	}

	minGres := socketDemand(req, false)
	if match && sg.TotalCnt < minGres {
		match = false
	}

	// Without a socket limit, mark the strongest sockets as required so
	// the bin packer knows which must be part of the allocation
	if match && p.Cores != nil && p.ReqSockets != nil &&
		p.SocketsPerNode == types.NoVal && req.PerNode != 0 &&
		minGres > sg.CntAnySock {
		addGres := minGres - sg.CntAnySock
		availFlag := make([]bool, p.Sockets)
		best := -1
		for s := uint16(0); s < p.Sockets; s++ {
			if sg.CntBySock[s] == 0 {
				continue
			}
			if !socketHasCore(p.Cores, uint(s)*uint(p.CoresPerSocket), p.CoresPerSocket) {
				continue
			}
			availFlag[s] = true
			if best == -1 || sg.CntBySock[s] > sg.CntBySock[uint16(best)] {
				best = int(s)
			}
		}
		for best != -1 && addGres > 0 {
			p.ReqSockets.Set(uint(best))
			if sg.CntBySock[best] >= addGres {
				addGres = 0
				break
			}
			addGres -= sg.CntBySock[best]
			availFlag[best] = false
			best = -1
			for s := uint16(0); s < p.Sockets; s++ {
				if sg.CntBySock[s] == 0 || !availFlag[s] {
					continue
				}
				if best == -1 || sg.CntBySock[s] > sg.CntBySock[uint16(best)] {
					best = int(s)
				}
			}
		}
	}

	if !match {
		return nil
	}
	sg.TypeID = req.TypeID
	sg.TypeName = req.TypeName
	return sg
}

// buildByType sums availability across the matching type entries, no core
// constraints so everything lands in the catch all bucket
func buildByType(req *request.State, ns *gres.NodeState, ignoreAlloc bool) (sg *SockGres) {
	minGres := socketDemand(req, true)

	sg = &SockGres{}
	match := false
	for i := range ns.Types {
		tc := &ns.Types[i]
		if len(req.TypeName) != 0 && req.TypeID != tc.ID {
			continue
		}
		availGres := free(tc.Avail, tc.Alloc, ignoreAlloc)
		if total := free(ns.Avail, ns.Alloc, ignoreAlloc); total < availGres {
			availGres = total
		}
		if availGres < minGres {
			continue
		}
		sg.CntAnySock += availGres
		sg.TotalCnt += availGres
		match = true
	}
	if !match {
		return nil
	}
	sg.TypeID = req.TypeID
	sg.TypeName = req.TypeName
	return sg
}

// buildBasic handles kinds with neither topology nor types
func buildBasic(req *request.State, ns *gres.NodeState, ignoreAlloc bool) (sg *SockGres) {
	if len(req.TypeName) != 0 {
		return nil
	}
	availGres := free(ns.Avail, ns.Alloc, ignoreAlloc)
	if availGres < socketDemand(req, true) {
		return nil
	}
	return &SockGres{
		CntAnySock: availGres,
		TotalCnt:   availGres,
	}
}

// socketHasCore reports whether any core of the socket starting at base is
// still usable
func socketHasCore(cores *bitmap.Bitmap, base uint, perSocket uint16) (usable bool) {
	for c := uint16(0); c < perSocket; c++ {
		if cores.Test(base + uint(c)) {
			return true
		}
	}
	return false
}
