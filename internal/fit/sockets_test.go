// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package fit

// This file contains tests for the per socket availability maps handed to
// the core bin packer

import (
	"testing"

	"github.com/joelandman/slurm/internal/bitmap"
	"github.com/joelandman/slurm/internal/gres"
	"github.com/joelandman/slurm/internal/types"
)

// twoSocketParams describes a 2 socket node with 4 cores per socket
func twoSocketParams() (p SocketParams) {
	return SocketParams{
		Sockets:        2,
		CoresPerSocket: 4,
		SocketsPerNode: types.NoVal,
	}
}

func TestSocketsCatchAllBucket(t *testing.T) {
	// A device without core affinity is reachable from any socket
	ns := &gres.NodeState{Name: "gpu", Avail: 2}
	ns.Topos = []gres.TopoRecord{{Avail: 2}}

	sg := BuildSockets(perNode("gpu", 2), ns, twoSocketParams())
	if sg == nil {
		t.Fatal("expected an availability map for the unbound device")
	}
	if sg.CntAnySock != 2 || sg.TotalCnt != 2 {
		t.Fatal("expected 2 units in the catch all bucket, got", sg.CntAnySock, sg.TotalCnt)
	}
}

func TestSocketsSpanningDevice(t *testing.T) {
	// A device reachable from every socket lands in the catch all bucket
	ns := topoNode("gpu", 8, [][2]uint{{0, 8}}, []uint64{2})

	sg := BuildSockets(perNode("gpu", 1), ns, twoSocketParams())
	if sg == nil {
		t.Fatal("expected an availability map")
	}
	if sg.CntAnySock != 2 || sg.CntBySock[0] != 0 || sg.CntBySock[1] != 0 {
		t.Fatal("expected the spanning device in the catch all bucket, got", sg.CntAnySock)
	}
}

func TestSocketsPerSocketBuckets(t *testing.T) {
	ns := topoNode("gpu", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{1, 1})

	sg := BuildSockets(perNode("gpu", 1), ns, twoSocketParams())
	if sg == nil {
		t.Fatal("expected an availability map")
	}
	if sg.CntBySock[0] != 1 || sg.CntBySock[1] != 1 || sg.TotalCnt != 2 {
		t.Fatal("expected one unit per socket, got", sg.CntBySock)
	}
	if sg.BitsBySock[0] == nil || !sg.BitsBySock[0].Test(0) {
		t.Fatal("expected socket 0 bound to device 0")
	}
	if sg.BitsBySock[1] == nil || !sg.BitsBySock[1].Test(1) {
		t.Fatal("expected socket 1 bound to device 1")
	}
}

func TestSocketsPerSocketDemand(t *testing.T) {
	// Sockets below the per socket demand are zeroed
	ns := topoNode("gpu", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{1, 1})
	req := perNode("gpu", 0)
	req.PerNode = 0
	req.PerSocket = 2

	if sg := BuildSockets(req, ns, twoSocketParams()); sg != nil {
		t.Fatal("expected no map when no socket reaches the per socket demand")
	}

	// Excess over the demand is capped
	ns = topoNode("gpu", 8, [][2]uint{{0, 4}}, []uint64{3})
	sg := BuildSockets(req, ns, twoSocketParams())
	if sg == nil {
		t.Fatal("expected a map from the socket holding 3 units")
	}
	if sg.CntBySock[0] != 2 || sg.TotalCnt != 2 {
		t.Fatal("expected the socket capped at the per socket demand, got", sg.CntBySock[0])
	}
}

func TestSocketsPerNodeTooHigh(t *testing.T) {
	ns := topoNode("gpu", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{1, 1})
	if sg := BuildSockets(perNode("gpu", 3), ns, twoSocketParams()); sg != nil {
		t.Fatal("expected no map when the node holds fewer units than the demand")
	}
}

func TestSocketsLimitDropsWeakest(t *testing.T) {
	ns := topoNode("gpu", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{1, 2})

	p := twoSocketParams()
	p.EnforceBinding = true
	p.Cores = allCores(8)
	p.SocketsPerNode = 1

	sg := BuildSockets(perNode("gpu", 2), ns, p)
	if sg == nil {
		t.Fatal("expected a map limited to the strongest socket")
	}
	if sg.CntBySock[0] != 0 || sg.CntBySock[1] != 2 || sg.TotalCnt != 2 {
		t.Fatal("expected the weaker socket dropped, got", sg.CntBySock)
	}
	for i := uint(0); i < 4; i++ {
		if p.Cores.Test(i) {
			t.Fatal("expected the dropped socket's cores cleared, got", p.Cores.String())
		}
	}
}

func TestSocketsRequiredMarking(t *testing.T) {
	ns := topoNode("gpu", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{2, 2})

	p := twoSocketParams()
	p.Cores = allCores(8)
	p.ReqSockets = bitmap.New(2)

	sg := BuildSockets(perNode("gpu", 3), ns, p)
	if sg == nil {
		t.Fatal("expected a map, 4 units cover the demand of 3")
	}
	if !p.ReqSockets.Test(0) || !p.ReqSockets.Test(1) {
		t.Fatal("expected both sockets required to reach 3 units, got", p.ReqSockets.String())
	}
	if sg.TotalCnt != 4 {
		t.Fatal("expected the full 4 units reported, got", sg.TotalCnt)
	}
}

func TestSocketsSharedMax(t *testing.T) {
	ns := topoNode("mps", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{4, 6})
	ns.Shared = true

	sg := BuildSockets(perNode("mps", 4), ns, twoSocketParams())
	if sg == nil {
		t.Fatal("expected an availability map")
	}
	if sg.MaxNodeGres != 6 {
		t.Fatal("expected the cap at the largest single device, got", sg.MaxNodeGres)
	}
}

func TestSocketsAltKindFiltering(t *testing.T) {
	// Device 0 carries whole device allocations of the underlying kind so
	// the shared kind must not offer it
	base := topoNode("gpu", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{1, 1})
	base.BitAlloc.Set(0)
	base.Alloc = 1

	shared := topoNode("mps", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{4, 4})
	shared.Shared = true

	p := twoSocketParams()
	p.Alt = base
	sg := BuildSockets(perNode("mps", 2), shared, p)
	if sg == nil {
		t.Fatal("expected the second device to serve the shared demand")
	}
	if sg.CntBySock[0] != 0 || sg.CntBySock[1] != 4 {
		t.Fatal("expected the allocated device excluded, got", sg.CntBySock)
	}

	// The mirror case, fractional usage keeps whole devices off device 0
	sharedAlt := topoNode("mps", 8, [][2]uint{{0, 4}, {4, 8}}, []uint64{4, 4})
	sharedAlt.Shared = true
	sharedAlt.BitAlloc.Set(0)

	p = twoSocketParams()
	p.Alt = sharedAlt
	sg = BuildSockets(perNode("gpu", 1), base, p)
	if sg == nil {
		t.Fatal("expected the second device to serve the whole device demand")
	}
	if sg.CntBySock[0] != 0 || sg.CntBySock[1] != 1 {
		t.Fatal("expected the fractionally used device excluded, got", sg.CntBySock)
	}
}

func TestSocketsByType(t *testing.T) {
	ns := &gres.NodeState{Name: "gpu", Avail: 4, Alloc: 1}
	ns.AddType("model_x", 2)
	ns.AddType("model_y", 2)
	ns.Types[0].Alloc = 1

	req := perNode("gpu", 1)
	req.TypeName, req.TypeID = "model_x", types.BuildID("model_x")
	sg := BuildSockets(req, ns, twoSocketParams())
	if sg == nil {
		t.Fatal("expected a map for the remaining model_x unit")
	}
	if sg.CntAnySock != 1 {
		t.Fatal("expected 1 free model_x unit, got", sg.CntAnySock)
	}

	req.PerNode, req.Total = 2, 2
	if sg = BuildSockets(req, ns, twoSocketParams()); sg != nil {
		t.Fatal("expected no map when the type cannot reach the demand")
	}
}

func TestSocketsBasic(t *testing.T) {
	ns := &gres.NodeState{Name: "license", Avail: 10, Alloc: 4}
	sg := BuildSockets(perNode("license", 6), ns, twoSocketParams())
	if sg == nil || sg.CntAnySock != 6 {
		t.Fatal("expected the free count in the catch all bucket")
	}
	if sg = BuildSockets(perNode("license", 7), ns, twoSocketParams()); sg != nil {
		t.Fatal("expected no map past the free count")
	}
}
