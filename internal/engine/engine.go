// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package engine contains the public facade of the GRES accounting engine.
// One manager owns the kind registry and every reconciled node inventory,
// all entry points serialize behind a single lock so reconciliation, fit
// testing and state duplication never observe a torn intermediate state.
package engine

import (
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/joelandman/slurm/internal/bitmap"
	"github.com/joelandman/slurm/internal/codec"
	"github.com/joelandman/slurm/internal/discover"
	"github.com/joelandman/slurm/internal/fit"
	"github.com/joelandman/slurm/internal/gres"
	"github.com/joelandman/slurm/internal/metrics"
	"github.com/joelandman/slurm/internal/request"
	"github.com/joelandman/slurm/internal/types"
	"github.com/joelandman/slurm/pkg/slurm"
)

// KindConfig declares one resource kind for registration
type KindConfig struct {
	Name      string
	CountOnly bool
	SharedOf  string
	NoConsume bool
}

// Config drives one time manager initialization
type Config struct {
	Kinds []KindConfig

	// AutoDetect lets discovery records introduce kinds the
	// configuration never named
	AutoDetect bool

	// DiscoveryFile, when set, is polled for existence during Init so a
	// discovery collaborator that writes its records to disk can finish
	// before the first reconciliation
	DiscoveryFile string
	DiscoveryWait time.Duration
}

// Manager owns all shared mutable state of the engine
type Manager struct {
	reg    *gres.Registry
	nodes  map[string]*gres.Inventory
	hooks  map[uint32]gres.CapabilityHook
	inited bool

	autoDetect bool

	logger *slurm.Logger
	errorC chan<- kv.Error

	sync.Mutex
}

// New returns a manager that reports advisory conditions through logger
// and registration problems through errorC, both optional
func New(logger *slurm.Logger, errorC chan<- kv.Error) (m *Manager) {
	return &Manager{
		reg:    gres.NewRegistry(),
		nodes:  map[string]*gres.Inventory{},
		hooks:  map[uint32]gres.CapabilityHook{},
		logger: logger,
		errorC: errorC,
	}
}

// Init populates the registry from the configuration.  Repeated calls are
// no-ops, the boolean gate is checked under the manager lock.
func (m *Manager) Init(cfg Config) (err kv.Error) {
	m.Lock()
	defer m.Unlock()

	if m.inited {
		return nil
	}

	for _, kc := range cfg.Kinds {
		opts := []gres.KindOption{}
		if kc.CountOnly {
			opts = append(opts, gres.CountOnly())
		}
		if len(kc.SharedOf) != 0 {
			opts = append(opts, gres.SharedOf(kc.SharedOf))
		}
		if kc.NoConsume {
			opts = append(opts, gres.NoConsume())
		}
		if _, err = m.reg.Register(kc.Name, opts...); err != nil {
			return err
		}
	}
	m.autoDetect = cfg.AutoDetect

	if len(cfg.DiscoveryFile) != 0 {
		m.waitForDiscovery(cfg.DiscoveryFile, cfg.DiscoveryWait)
	}

	if m.errorC != nil {
		metrics.Register(m.errorC)
	}

	m.inited = true
	return nil
}

// waitForDiscovery polls for the discovery collaborator's output, bounded
// so a missing collaborator only delays startup rather than wedging it
func (m *Manager) waitForDiscovery(path string, wait time.Duration) {
	if wait == 0 {
		wait = 10 * time.Second
	}
	deadline := time.Now().Add(wait)
	for {
		if _, errGo := os.Stat(path); errGo == nil {
			return
		}
		if time.Now().After(deadline) {
			if m.logger != nil {
				m.logger.Warn("discovery input never appeared", "path", path)
			}
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// RegisterHook installs a capability hook for a kind, letting a discovery
// collaborator post process the kind's merged records
func (m *Manager) RegisterHook(kindName string, hook gres.CapabilityHook) (err kv.Error) {
	m.Lock()
	defer m.Unlock()

	id, ok := m.reg.Resolve(kindName)
	if !ok {
		return kv.NewError("cannot hook an unregistered kind").
			With("kind", kindName).With("stack", stack.Trace().TrimRuntime())
	}
	m.hooks[id] = hook
	return nil
}

// Resolver exposes registry lookups for request validation
func (m *Manager) Resolver() (resolver types.Resolver) {
	return m.reg
}

// Reconcile merges a node's declared specification with its discovered
// records and installs the resulting inventory, preserving allocations
// from any previous inventory of the node
func (m *Manager) Reconcile(node gres.NodeConfig, declared string, found []*discover.Record) (inv *gres.Inventory, err kv.Error) {
	m.Lock()
	defer m.Unlock()

	if m.autoDetect {
		for _, rec := range found {
			if _, ok := m.reg.Resolve(rec.Name); !ok {
				if _, err = m.reg.Register(rec.Name); err != nil {
					return nil, err
				}
			}
		}
	}

	inv, warnings, err := gres.Reconcile(m.reg, node, declared, found, m.hooks, m.nodes[node.Name])
	if err != nil {
		return nil, err
	}
	for _, warn := range warnings {
		if m.logger != nil {
			m.logger.Warn(warn, "node", node.Name)
		}
	}
	stats.Reconciles.Inc()
	metrics.ObserveReconcile(node.Name, len(warnings))
	for _, ns := range inv.States {
		metrics.SetUnits(node.Name, ns.Name, ns.Avail, ns.Alloc)
	}

	m.nodes[node.Name] = inv
	return inv, nil
}

// ReconcileJSON is Reconcile for discovery collaborators that hand their
// records over as a JSON document
func (m *Manager) ReconcileJSON(node gres.NodeConfig, declared string, raw []byte) (inv *gres.Inventory, err kv.Error) {
	found, err := discover.ParseRecords(raw)
	if err != nil {
		return nil, err
	}
	return m.Reconcile(node, declared, found)
}

// Inventory returns the installed inventory for a node, nil when the node
// was never reconciled
func (m *Manager) Inventory(nodeName string) (inv *gres.Inventory) {
	m.Lock()
	defer m.Unlock()

	return m.nodes[nodeName]
}

// ValidateRequest parses and reconciles a request, returning the request
// states and narrowing the hints in place
func (m *Manager) ValidateRequest(spec request.Spec, hints *request.Hints) (states []*request.State, err kv.Error) {
	m.Lock()
	defer m.Unlock()

	if states, err = request.Parse(spec, hints); err != nil {
		return nil, err
	}
	if states, err = request.Validate(states, hints, m.reg); err != nil {
		kind := ""
		if len(states) != 0 {
			kind = states[0].Name
		}
		stats.Rejects.Inc()
		metrics.ObserveReject(kind)
		return nil, err
	}
	return states, nil
}

// FitTest answers how many cores of a candidate node the whole request can
// use, the minimum across its kinds.  fit.Unbounded means no kind placed a
// core restriction, zero means the node is infeasible.
func (m *Manager) FitTest(states []*request.State, nodeName string, cores *bitmap.Bitmap,
	ignoreAlloc bool, disableBinding bool) (coreCnt uint32, err kv.Error) {

	m.Lock()
	defer m.Unlock()

	if len(states) == 0 {
		return fit.Unbounded, nil
	}
	inv := m.nodes[nodeName]
	if inv == nil {
		return fit.Infeasible, kv.NewError("node was never reconciled").
			With("node", nodeName).With("stack", stack.Trace().TrimRuntime())
	}

	stats.FitTests.Inc()
	coreCnt = fit.Unbounded
	topoSet := false
	for _, req := range states {
		ns := inv.State(req.KindID)
		if ns == nil {
			stats.Infeasibles.Inc()
			metrics.ObserveFitTest(req.Name, "infeasible")
			return fit.Infeasible, nil
		}
		cnt := fit.Test(req, ns, fit.Params{
			IgnoreAlloc:    ignoreAlloc,
			DisableBinding: disableBinding,
			Cores:          cores,
			TopoSet:        &topoSet,
		})
		switch cnt {
		case fit.Infeasible:
			stats.Infeasibles.Inc()
			metrics.ObserveFitTest(req.Name, "infeasible")
			return fit.Infeasible, nil
		case fit.Unbounded:
			metrics.ObserveFitTest(req.Name, "unbounded")
		default:
			metrics.ObserveFitTest(req.Name, "feasible")
			if cnt < coreCnt {
				coreCnt = cnt
			}
		}
	}
	return coreCnt, nil
}

// BuildSockets produces one availability map per request state for the
// scheduler's bin packer, plus the set of sockets any allocation must
// include.  A kind yielding no map makes the whole node infeasible and is
// reported through the error.
func (m *Manager) BuildSockets(states []*request.State, nodeName string, cores *bitmap.Bitmap,
	enforceBinding bool, socketsPerNode uint32, ignoreAlloc bool) (maps []*fit.SockGres, reqSockets *bitmap.Bitmap, err kv.Error) {

	m.Lock()
	defer m.Unlock()

	inv := m.nodes[nodeName]
	if inv == nil {
		return nil, nil, kv.NewError("node was never reconciled").
			With("node", nodeName).With("stack", stack.Trace().TrimRuntime())
	}
	sockets := uint16(inv.Node.Sockets)
	coresPerSocket := uint16(inv.Node.CoresPerSocket())
	reqSockets = bitmap.New(uint(sockets))

	for _, req := range states {
		ns := inv.State(req.KindID)
		if ns == nil {
			return nil, nil, kv.NewError("node lacks a requested kind").
				With("node", nodeName).With("kind", req.Name).
				With("stack", stack.Trace().TrimRuntime())
		}

		var alt *gres.NodeState
		if info, ok := m.reg.ResolveKind(req.Name); ok {
			if info.Shared {
				if baseID, found := m.reg.Resolve(info.SharedOf); found {
					alt = inv.State(baseID)
				}
			} else if sharedID := m.sharedKindOf(req.Name); sharedID != 0 {
				alt = inv.State(sharedID)
			}
		}

		sg := fit.BuildSockets(req, ns, fit.SocketParams{
			IgnoreAlloc:    ignoreAlloc,
			EnforceBinding: enforceBinding,
			Cores:          cores,
			Sockets:        sockets,
			CoresPerSocket: coresPerSocket,
			SocketsPerNode: socketsPerNode,
			ReqSockets:     reqSockets,
			Alt:            alt,
		})
		if sg == nil {
			metrics.ObserveFitTest(req.Name, "infeasible")
			return nil, nil, kv.NewError("node cannot satisfy a requested kind").
				With("node", nodeName).With("kind", req.Name).
				With("stack", stack.Trace().TrimRuntime())
		}
		metrics.ObserveFitTest(req.Name, "feasible")
		maps = append(maps, sg)
	}
	return maps, reqSockets, nil
}

// sharedKindOf returns the id of the shared kind deriving from baseName,
// zero when none is registered
func (m *Manager) sharedKindOf(baseName string) (id uint32) {
	for _, kind := range m.reg.Kinds() {
		if kind.Shared && kind.SharedOf == baseName {
			return kind.ID
		}
	}
	return 0
}

// Allocate commits one kind's allocation onto a node and mirrors it into
// the job state at the node's slot in the job allocation
func (m *Manager) Allocate(nodeName string, req *request.State, nodeInx int, alloc gres.Allocation) (err kv.Error) {
	m.Lock()
	defer m.Unlock()

	ns, err := m.nodeState(nodeName, req.KindID)
	if err != nil {
		return err
	}
	if err = ns.Allocate(alloc); err != nil {
		return err
	}

	for len(req.NodeAlloc) <= nodeInx {
		req.NodeAlloc = append(req.NodeAlloc, 0)
		req.BitAlloc = append(req.BitAlloc, nil)
	}
	req.NodeAlloc[nodeInx] += alloc.Count
	if alloc.Bits != nil {
		if req.BitAlloc[nodeInx] == nil {
			req.BitAlloc[nodeInx] = alloc.Bits.Clone()
		} else {
			req.BitAlloc[nodeInx].Or(alloc.Bits)
		}
	}
	if uint32(len(req.NodeAlloc)) > req.NodeCnt {
		req.NodeCnt = uint32(len(req.NodeAlloc))
	}

	metrics.SetUnits(nodeName, ns.Name, ns.Avail, ns.Alloc)
	return nil
}

// Deallocate releases one kind's allocation from a node and the job state
func (m *Manager) Deallocate(nodeName string, req *request.State, nodeInx int) (err kv.Error) {
	m.Lock()
	defer m.Unlock()

	ns, err := m.nodeState(nodeName, req.KindID)
	if err != nil {
		return err
	}
	if nodeInx < 0 || nodeInx >= len(req.NodeAlloc) {
		return kv.NewError("node index outside the job allocation").
			With("node", nodeName).With("kind", req.Name).
			With("stack", stack.Trace().TrimRuntime())
	}

	alloc := gres.Allocation{
		Count:  req.NodeAlloc[nodeInx],
		TypeID: req.TypeID,
	}
	if nodeInx < len(req.BitAlloc) {
		alloc.Bits = req.BitAlloc[nodeInx]
	}
	if err = ns.Deallocate(alloc); err != nil {
		return err
	}
	req.NodeAlloc[nodeInx] = 0
	if nodeInx < len(req.BitAlloc) {
		req.BitAlloc[nodeInx] = nil
	}

	metrics.SetUnits(nodeName, ns.Name, ns.Avail, ns.Alloc)
	return nil
}

// DeallocAll drops every allocation on a node, used when the node returns
// to service and its jobs are requeued
func (m *Manager) DeallocAll(nodeName string) (err kv.Error) {
	m.Lock()
	defer m.Unlock()

	inv := m.nodes[nodeName]
	if inv == nil {
		return kv.NewError("node was never reconciled").
			With("node", nodeName).With("stack", stack.Trace().TrimRuntime())
	}
	for _, ns := range inv.States {
		ns.DeallocAll()
		metrics.SetUnits(nodeName, ns.Name, ns.Avail, ns.Alloc)
	}
	return nil
}

// RevalidateJob checks a job's recorded per node device assignments
// against the node's current device population.  A width mismatch means
// the hardware changed underneath the job, the caller decides whether to
// requeue or kill it.  Bit assignments are never remapped silently.
func (m *Manager) RevalidateJob(nodeName string, nodeInx int, states []*request.State) (err kv.Error) {
	m.Lock()
	defer m.Unlock()

	inv := m.nodes[nodeName]
	if inv == nil {
		return kv.NewError("node was never reconciled").
			With("node", nodeName).With("stack", stack.Trace().TrimRuntime())
	}
	for _, req := range states {
		if nodeInx >= len(req.BitAlloc) || req.BitAlloc[nodeInx] == nil {
			continue
		}
		ns := inv.State(req.KindID)
		if ns == nil || ns.BitAlloc == nil {
			return kv.NewError("node no longer tracks a kind the job holds").
				With("node", nodeName).With("kind", req.Name).
				With("stack", stack.Trace().TrimRuntime())
		}
		if req.BitAlloc[nodeInx].Size() != ns.BitAlloc.Size() {
			return kv.NewError("device count changed underneath the job").
				With("node", nodeName).With("kind", req.Name).
				With("job_width", req.BitAlloc[nodeInx].Size()).
				With("node_width", ns.BitAlloc.Size()).
				With("stack", stack.Trace().TrimRuntime())
		}
	}
	return nil
}

// Payload kinds accepted by EncodeNode and friends
const (
	payloadNode = "node_state"
	payloadJob  = "job_state"
	payloadStep = "step_state"
)

// EncodeNode serializes a node's canonical inventory states
func (m *Manager) EncodeNode(nodeName string) (data []byte, err kv.Error) {
	m.Lock()
	defer m.Unlock()

	inv := m.nodes[nodeName]
	if inv == nil {
		return nil, kv.NewError("node was never reconciled").
			With("node", nodeName).With("stack", stack.Trace().TrimRuntime())
	}
	return codec.Encode(payloadNode, inv.States)
}

// DecodeNode reconstructs node states from an encoded buffer
func (m *Manager) DecodeNode(data []byte) (states []*gres.NodeState, err kv.Error) {
	states = []*gres.NodeState{}
	if err = codec.Decode(data, payloadNode, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// EncodeJob serializes a job's request states
func EncodeJob(states []*request.State) (data []byte, err kv.Error) {
	return codec.Encode(payloadJob, states)
}

// DecodeJob reconstructs a job's request states
func DecodeJob(data []byte) (states []*request.State, err kv.Error) {
	states = []*request.State{}
	if err = codec.Decode(data, payloadJob, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// EncodeStep serializes a step's request states
func EncodeStep(states []*request.StepState) (data []byte, err kv.Error) {
	return codec.Encode(payloadStep, states)
}

// DecodeStep reconstructs a step's request states
func DecodeStep(data []byte) (states []*request.StepState, err kv.Error) {
	states = []*request.StepState{}
	if err = codec.Decode(data, payloadStep, &states); err != nil {
		return nil, err
	}
	return states, nil
}

func (m *Manager) nodeState(nodeName string, kindID uint32) (ns *gres.NodeState, err kv.Error) {
	inv := m.nodes[nodeName]
	if inv == nil {
		return nil, kv.NewError("node was never reconciled").
			With("node", nodeName).With("stack", stack.Trace().TrimRuntime())
	}
	if ns = inv.State(kindID); ns == nil {
		return nil, kv.NewError("node does not track the kind").
			With("node", nodeName).With("kind", kindID).
			With("stack", stack.Trace().TrimRuntime())
	}
	return ns, nil
}
