// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package request

// This file contains the cross axis reconciliation of a parsed request.
// Every rule returns a typed error on its first violation, a rejected
// request never mutates node state.

import (
	"errors"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/joelandman/slurm/internal/types"
)

// ValidationError marks a malformed or self contradictory request.  The
// submission path rejects the job and nothing else changes.
type ValidationError struct {
	Err kv.Error
}

func (e *ValidationError) Error() string { return e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// With attaches key value pairs without losing the error's tier
func (e *ValidationError) With(keyvals ...interface{}) kv.Error {
	return &ValidationError{Err: e.Err.With(keyvals...)}
}

func invalid(err kv.Error) (typed kv.Error) {
	return &ValidationError{Err: err}
}

// IsValidation reports whether err is a request validation failure
func IsValidation(err error) (matched bool) {
	target := &ValidationError{}
	return errors.As(err, &target)
}

// Validate reconciles the request states against each other and the
// scheduler hints, narrowing hints in place as axis arithmetic pins values
// down.  The returned slice may be shorter than the input, an untyped
// entry that only carried generic attributes is folded into its typed
// siblings and dropped.
func Validate(states []*State, hints *Hints, resolver types.Resolver) (kept []*State, err kv.Error) {
	if len(states) == 0 {
		return states, nil
	}

	type overlap struct {
		kindID       uint32
		withType     bool
		withoutType  bool
		genericState *State
	}
	overlaps := []*overlap{}

	requested := map[string]*State{}
	for _, s := range states {
		requested[s.Name] = s
	}

	for _, s := range states {
		if err = testCounts(s, hints); err != nil {
			return nil, err
		}

		if info, ok := resolver.ResolveKind(s.Name); ok && info.Shared {
			if _, both := requested[info.SharedOf]; both {
				return nil, invalid(kv.NewError("a request cannot mix a shared kind with the kind it derives from").
					With("shared", s.Name).With("underlying", info.SharedOf).
					With("stack", stack.Trace().TrimRuntime()))
			}
			// Only a per node count is meaningful for a shared kind
			if s.PerJob != 0 && hints.MaxNodes != 1 {
				return nil, invalid(kv.NewError("a per job count of a shared kind requires exactly one node").
					With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
			}
			if s.PerSocket != 0 && hints.SocketsPerNode != 1 {
				return nil, invalid(kv.NewError("a per socket count of a shared kind requires exactly one socket").
					With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
			}
			if s.PerTask != 0 && hints.NumTasks != 1 {
				return nil, invalid(kv.NewError("a per task count of a shared kind requires exactly one task").
					With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
			}
		}

		var over *overlap
		for _, o := range overlaps {
			if o.kindID == s.KindID {
				over = o
				break
			}
		}
		if over == nil {
			over = &overlap{kindID: s.KindID}
			overlaps = append(overlaps, over)
		}
		if len(s.TypeName) != 0 {
			over.withType = true
		} else {
			over.withoutType = true
			over.genericState = s
		}
	}

	// Merge generic attributes from an untyped entry onto its typed
	// siblings and drop the untyped entry
	drop := map[*State]bool{}
	for _, over := range overlaps {
		if !over.withType || !over.withoutType {
			continue
		}
		if !over.genericState.generic() {
			return nil, invalid(kv.NewError("an untyped entry may only carry per unit costs when typed entries exist for the kind").
				With("kind", over.genericState.Name).
				With("stack", stack.Trace().TrimRuntime()))
		}
		for _, s := range states {
			if s.KindID != over.kindID || s == over.genericState {
				continue
			}
			if s.CpusPerGres == 0 {
				s.CpusPerGres = over.genericState.CpusPerGres
			}
			if s.MemPerGres == 0 {
				s.MemPerGres = over.genericState.MemPerGres
			}
		}
		drop[over.genericState] = true
	}

	kept = make([]*State, 0, len(states))
	for _, s := range states {
		if !drop[s] {
			kept = append(kept, s)
		}
	}
	return kept, nil
}

// testCounts applies the per state axis arithmetic, ordering matters and
// follows the submission path exactly
func testCounts(s *State, hints *Hints) (err kv.Error) {

	if s.PerJob != 0 &&
		((s.PerNode != 0 && s.PerNode > s.PerJob) ||
			(s.PerTask != 0 && s.PerTask > s.PerJob) ||
			(s.PerSocket != 0 && s.PerSocket > s.PerJob)) {
		return invalid(kv.NewError("per job demand is below a narrower axis").
			With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
	}

	if s.PerNode != 0 &&
		((s.PerTask != 0 && s.PerTask > s.PerNode) ||
			(s.PerSocket != 0 && s.PerSocket > s.PerNode)) {
		return invalid(kv.NewError("per node demand is below a narrower axis").
			With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
	}

	if s.PerSocket != 0 && hints.SocketsPerNode == types.NoVal16 {
		return invalid(kv.NewError("a per socket demand requires a sockets per node value").
			With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
	}

	if s.CpusPerGres != 0 && hints.CpusPerTask != types.NoVal16 {
		return invalid(kv.NewError("per unit cpu cost and an explicit cpus per task are mutually exclusive").
			With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
	}

	if s.PerJob != 0 && s.PerNode != 0 {
		if s.PerJob%s.PerNode != 0 {
			return invalid(kv.NewError("per job demand is not a multiple of the per node demand").
				With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
		}
		reqNodes := uint32(s.PerJob / s.PerNode)
		if (hints.MinNodes != types.NoVal && reqNodes < hints.MinNodes) ||
			(hints.MaxNodes != types.NoVal && reqNodes > hints.MaxNodes) {
			return invalid(kv.NewError("derived node count falls outside the requested node bounds").
				With("kind", s.Name).With("nodes", reqNodes).
				With("min", hints.MinNodes).With("max", hints.MaxNodes).
				With("stack", stack.Trace().TrimRuntime()))
		}
		hints.MinNodes, hints.MaxNodes = reqNodes, reqNodes
	}

	if s.PerNode != 0 && s.PerSocket != 0 {
		if s.PerNode%s.PerSocket != 0 {
			return invalid(kv.NewError("per node demand is not a multiple of the per socket demand").
				With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
		}
		reqSockets := uint16(s.PerNode / s.PerSocket)
		if hints.SocketsPerNode == types.NoVal16 {
			hints.SocketsPerNode = reqSockets
		} else if hints.SocketsPerNode != reqSockets {
			return invalid(kv.NewError("derived socket count differs from the sockets per node value").
				With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
		}
	}

	if isSet16(s.NtasksPerGres) && hints.NumTasks != types.NoVal {
		if hints.NumTasks%uint32(s.NtasksPerGres) != 0 {
			return invalid(kv.NewError("task count is not a multiple of the tasks per unit value").
				With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
		}
	}

	if s.PerTask != 0 {
		switch {
		case s.PerJob != 0:
			if s.PerJob%s.PerTask != 0 {
				return invalid(kv.NewError("per job demand is not a multiple of the per task demand").
					With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
			}
			reqTasks := uint32(s.PerJob / s.PerTask)
			if hints.NumTasks == types.NoVal {
				hints.NumTasks = reqTasks
			} else if hints.NumTasks != reqTasks {
				return invalid(kv.NewError("derived task count differs from the requested task count").
					With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
			}
		case hints.NumTasks != types.NoVal:
			s.Total = max64(s.Total, uint64(hints.NumTasks)*s.PerTask)
		default:
			return invalid(kv.NewError("a per task demand requires a per job demand or a task count").
				With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
		}
	}

	if s.PerNode != 0 && s.PerTask != 0 {
		if s.PerNode%s.PerTask != 0 {
			return invalid(kv.NewError("per node demand is not a multiple of the per task demand").
				With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
		}
		reqTasksPerNode := uint16(s.PerNode / s.PerTask)
		if hints.NtasksPerNode == types.NoVal16 || hints.NtasksPerNode == 0 {
			hints.NtasksPerNode = reqTasksPerNode
		} else if hints.NtasksPerNode != reqTasksPerNode {
			return invalid(kv.NewError("derived tasks per node differs from the requested tasks per node").
				With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
		}
		if hints.NumTasks != types.NoVal &&
			hints.NumTasks%uint32(reqTasksPerNode) != 0 {
			return invalid(kv.NewError("task count does not divide evenly across the derived tasks per node").
				With("kind", s.Name).With("tasks", hints.NumTasks).
				With("tasks_per_node", reqTasksPerNode).
				With("stack", stack.Trace().TrimRuntime()))
		}
	}

	if s.PerSocket != 0 && s.PerTask != 0 {
		if s.PerSocket%s.PerTask != 0 {
			return invalid(kv.NewError("per socket demand is not a multiple of the per task demand").
				With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
		}
		reqTasksPerSocket := uint16(s.PerSocket / s.PerTask)
		if hints.NtasksPerSocket == types.NoVal16 || hints.NtasksPerSocket == 0 {
			hints.NtasksPerSocket = reqTasksPerSocket
		} else if hints.NtasksPerSocket != reqTasksPerSocket {
			return invalid(kv.NewError("derived tasks per socket differs from the requested tasks per socket").
				With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
		}
	}

	if s.CpusPerGres != 0 && s.PerTask != 0 {
		reqCpusPerTask := uint16(uint64(s.CpusPerGres) * s.PerTask)
		if hints.CpusPerTask == types.NoVal16 || hints.CpusPerTask == 0 {
			hints.CpusPerTask = reqCpusPerTask
		} else if hints.CpusPerTask != reqCpusPerTask {
			return invalid(kv.NewError("derived cpus per task differs from the requested cpus per task").
				With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
		}
	}

	if s.PerJob != 0 {
		if hints.MinNodes != types.NoVal && s.PerJob < uint64(hints.MinNodes) {
			return invalid(kv.NewError("per job demand is below the minimum node count").
				With("kind", s.Name).With("stack", stack.Trace().TrimRuntime()))
		}
		if hints.MaxNodes != types.NoVal && s.PerJob < uint64(hints.MaxNodes) {
			hints.MaxNodes = uint32(s.PerJob)
		}
	}
	return nil
}
