// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package request

// This file contains the job and step request state model.  One State is
// kept per (kind, type) pair a job asks for, demand is expressed along up
// to five axes and reconciled during validation.  Steps layer their own
// usage on top of the job allocation they run inside.

import (
	"fmt"
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/mitchellh/copystructure"

	"github.com/joelandman/slurm/internal/bitmap"
	"github.com/joelandman/slurm/internal/types"
)

// State is the demand for one resource kind, optionally narrowed to one
// type, for a whole job
type State struct {
	Name     string
	KindID   uint32
	TypeName string
	TypeID   uint32

	CpusPerGres   uint16
	MemPerGres    uint64
	NtasksPerGres uint16

	PerJob    uint64
	PerNode   uint64
	PerSocket uint64
	PerTask   uint64

	// Total is the demand ceiling derived during validation, the maximum
	// across axes after each axis is scaled by the hints that apply to it
	Total uint64

	NoConsume bool

	// Committed allocation, one slot per allocated node
	NodeCnt   uint32
	NodeAlloc []uint64
	BitAlloc  []*bitmap.Bitmap
}

// StepState layers a step's usage on top of its job's committed
// allocation.  Per node a step never holds more than its job does.
type StepState struct {
	Name     string
	KindID   uint32
	TypeName string
	TypeID   uint32

	CpusPerGres uint16
	MemPerGres  uint64

	PerStep   uint64
	PerNode   uint64
	PerSocket uint64
	PerTask   uint64
	Total     uint64

	NodeCnt      uint32
	StepCntAlloc []uint64
	StepBitAlloc []*bitmap.Bitmap
}

// generic reports whether the state carries only per unit cost attributes,
// the only shape an untyped entry may take when a typed entry for the same
// kind exists
func (s *State) generic() (isGeneric bool) {
	return s.PerJob == 0 && s.PerNode == 0 && s.PerSocket == 0 &&
		s.PerTask == 0 && len(s.TypeName) == 0
}

// Clone returns a deep copy of the state, safe for speculative evaluation
// without touching the live job
func (s *State) Clone() (cp *State, err kv.Error) {
	dup, errGo := copystructure.Copy(s)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("kind", s.Name).With("stack", stack.Trace().TrimRuntime())
	}
	return dup.(*State), nil
}

// ExtractNode returns a copy of the state narrowed to a single allocated
// node, used for per node accounting snapshots
func (s *State) ExtractNode(nodeInx int) (cp *State, err kv.Error) {
	if cp, err = s.Clone(); err != nil {
		return nil, err
	}
	if nodeInx < 0 || nodeInx >= len(s.NodeAlloc) {
		return nil, kv.NewError("node index outside the job allocation").
			With("kind", s.Name).With("node", nodeInx).With("nodes", len(s.NodeAlloc)).
			With("stack", stack.Trace().TrimRuntime())
	}
	cp.NodeCnt = 1
	cp.NodeAlloc = []uint64{s.NodeAlloc[nodeInx]}
	if nodeInx < len(s.BitAlloc) && s.BitAlloc[nodeInx] != nil {
		cp.BitAlloc = []*bitmap.Bitmap{s.BitAlloc[nodeInx].Clone()}
	} else {
		cp.BitAlloc = nil
	}
	return cp, nil
}

// Clone returns a deep copy of the step state
func (s *StepState) Clone() (cp *StepState, err kv.Error) {
	dup, errGo := copystructure.Copy(s)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("kind", s.Name).With("stack", stack.Trace().TrimRuntime())
	}
	return dup.(*StepState), nil
}

// CheckAgainstJob verifies the step's per node usage stays inside the
// job's committed allocation for the same kind and type
func (s *StepState) CheckAgainstJob(job *State) (err kv.Error) {
	if s.KindID != job.KindID || s.TypeID != job.TypeID {
		return kv.NewError("step and job states track different resources").
			With("step", s.Name).With("job", job.Name).
			With("stack", stack.Trace().TrimRuntime())
	}
	for i, cnt := range s.StepCntAlloc {
		if i >= len(job.NodeAlloc) || cnt > job.NodeAlloc[i] {
			return kv.NewError("step holds more units than its job on a node").
				With("kind", s.Name).With("node", i).
				With("stack", stack.Trace().TrimRuntime())
		}
	}
	for i, bits := range s.StepBitAlloc {
		if bits == nil {
			continue
		}
		if i >= len(job.BitAlloc) || job.BitAlloc[i] == nil {
			return kv.NewError("step tracks devices its job never bound").
				With("kind", s.Name).With("node", i).
				With("stack", stack.Trace().TrimRuntime())
		}
		if bits.Overlap(job.BitAlloc[i]) != bits.Count() {
			return kv.NewError("step uses devices outside its job allocation").
				With("kind", s.Name).With("node", i).
				With("stack", stack.Trace().TrimRuntime())
		}
	}
	return nil
}

// String renders the request in the name:type:count form used in logs
func (s *State) String() (text string) {
	parts := []string{s.Name}
	if len(s.TypeName) != 0 {
		parts = append(parts, s.TypeName)
	}
	switch {
	case s.PerJob != 0:
		parts = append(parts, fmt.Sprintf("%d", s.PerJob))
	case s.PerNode != 0:
		parts = append(parts, fmt.Sprintf("%d/node", s.PerNode))
	case s.PerSocket != 0:
		parts = append(parts, fmt.Sprintf("%d/socket", s.PerSocket))
	case s.PerTask != 0:
		parts = append(parts, fmt.Sprintf("%d/task", s.PerTask))
	}
	return strings.Join(parts, ":")
}

// typeID derives the stable identifier for a type label, zero for untyped
func typeID(name string) (id uint32) {
	if len(name) == 0 {
		return 0
	}
	return types.BuildID(name)
}
