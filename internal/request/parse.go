// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package request

// This file contains the parsing of per axis request specifications into
// request states.  Each axis string is a comma separated list of
// name[:type][:count] tokens with the usual K/M/G/T count suffixes, one
// state accumulates per distinct (kind, type) pair across all axes.

import (
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/joelandman/slurm/internal/discover"
	"github.com/joelandman/slurm/internal/types"
)

// Spec carries the textual per axis request strings handed in by the
// submission path.  Empty strings mean the axis was not used.
type Spec struct {
	CpusPerGres   string
	MemPerGres    string
	PerJob        string
	PerNode       string
	PerSocket     string
	PerTask       string
	NtasksPerGres uint16
}

// Empty reports whether no axis carries a request
func (spec *Spec) Empty() (empty bool) {
	return len(spec.CpusPerGres) == 0 && len(spec.MemPerGres) == 0 &&
		len(spec.PerJob) == 0 && len(spec.PerNode) == 0 &&
		len(spec.PerSocket) == 0 && len(spec.PerTask) == 0 &&
		(spec.NtasksPerGres == 0 || spec.NtasksPerGres == types.NoVal16)
}

// Hints are the scheduler sizing values that interact with the request.
// Validation reads them and narrows them in place as axis arithmetic pins
// values down.  Unset fields hold the matching sentinel.
type Hints struct {
	NumTasks        uint32
	MinNodes        uint32
	MaxNodes        uint32
	NtasksPerNode   uint16
	NtasksPerSocket uint16
	SocketsPerNode  uint16
	CpusPerTask     uint16
}

// NewHints returns a hint block with every field unset
func NewHints() (hints *Hints) {
	return &Hints{
		NumTasks:        types.NoVal,
		MinNodes:        types.NoVal,
		MaxNodes:        types.NoVal,
		NtasksPerNode:   types.NoVal16,
		NtasksPerSocket: types.NoVal16,
		SocketsPerNode:  types.NoVal16,
		CpusPerTask:     types.NoVal16,
	}
}

// token is one parsed name[:type][:count] element
type token struct {
	name     string
	typeName string
	cnt      uint64
}

// parseToken splits one axis element.  A bare name means a count of one, a
// two part form is name:count when the tail parses as a number and
// name:type otherwise.
func parseToken(tok string) (out token, err kv.Error) {
	tok = strings.TrimPrefix(tok, "gres:")
	parts := strings.Split(tok, ":")
	if len(parts) == 0 || len(parts[0]) == 0 {
		return out, kv.NewError("resource request element has no name").
			With("element", tok).With("stack", stack.Trace().TrimRuntime())
	}
	out.name = parts[0]
	out.cnt = 1
	switch len(parts) {
	case 1:
	case 2:
		if cnt, errCnt := discover.ParseCount(parts[1]); errCnt == nil {
			out.cnt = cnt
		} else {
			out.typeName = parts[1]
		}
	case 3:
		out.typeName = parts[1]
		cnt, errCnt := discover.ParseCount(parts[2])
		if errCnt != nil {
			return out, errCnt.With("element", tok)
		}
		out.cnt = cnt
	default:
		return out, kv.NewError("resource request element is malformed").
			With("element", tok).With("stack", stack.Trace().TrimRuntime())
	}
	return out, nil
}

// stateList accumulates request states across the axes, preserving the
// order tokens first appeared
type stateList struct {
	states []*State
}

func (sl *stateList) find(name, typeName string) (s *State) {
	for _, s = range sl.states {
		if s.Name == name && s.TypeName == typeName {
			return s
		}
	}
	s = &State{
		Name:     name,
		KindID:   types.BuildID(name),
		TypeName: typeName,
		TypeID:   typeID(typeName),
	}
	sl.states = append(sl.states, s)
	return s
}

// axisSetter applies one parsed token's count to its axis on a state and
// folds the scaled demand into the running total
type axisSetter func(s *State, cnt uint64)

func (sl *stateList) applyAxis(axis string, set axisSetter) (err kv.Error) {
	if len(axis) == 0 {
		return nil
	}
	for _, tok := range strings.Split(axis, ",") {
		tok = strings.TrimSpace(tok)
		if len(tok) == 0 {
			continue
		}
		parsed, errTok := parseToken(tok)
		if errTok != nil {
			return errTok
		}
		set(sl.find(parsed.name, parsed.typeName), parsed.cnt)
	}
	return nil
}

// Parse builds one request state per (kind, type) pair across the axes of
// spec.  Hints contribute the scaling used to derive each state's demand
// ceiling, and may gain an implicit task count when the request pins one
// down.
func Parse(spec Spec, hints *Hints) (states []*State, err kv.Error) {
	if spec.Empty() {
		return nil, nil
	}

	// A per task demand with a fixed node count pins the task count
	if (len(spec.PerTask) != 0 || isSet16(spec.NtasksPerGres)) &&
		hints.NumTasks == types.NoVal && hints.MinNodes != types.NoVal &&
		hints.MinNodes == hints.MaxNodes {
		switch {
		case isSet16(spec.NtasksPerGres):
			hints.NumTasks = hints.MinNodes * uint32(spec.NtasksPerGres)
		case hints.NtasksPerNode != types.NoVal16:
			hints.NumTasks = hints.MinNodes * uint32(hints.NtasksPerNode)
		case hints.CpusPerTask == types.NoVal16:
			hints.NumTasks = hints.MinNodes
		}
	}

	sl := &stateList{}

	if err = sl.applyAxis(spec.CpusPerGres, func(s *State, cnt uint64) {
		s.CpusPerGres = uint16(cnt)
	}); err != nil {
		return nil, err
	}
	if err = sl.applyAxis(spec.MemPerGres, func(s *State, cnt uint64) {
		s.MemPerGres = cnt
	}); err != nil {
		return nil, err
	}
	if err = sl.applyAxis(spec.PerJob, func(s *State, cnt uint64) {
		s.PerJob = cnt
		s.Total = max64(s.Total, cnt)
	}); err != nil {
		return nil, err
	}
	if err = sl.applyAxis(spec.PerNode, func(s *State, cnt uint64) {
		s.PerNode = cnt
		if hints.MinNodes != types.NoVal {
			cnt *= uint64(hints.MinNodes)
		}
		s.Total = max64(s.Total, cnt)
	}); err != nil {
		return nil, err
	}
	if err = sl.applyAxis(spec.PerSocket, func(s *State, cnt uint64) {
		s.PerSocket = cnt
		if hints.MinNodes != types.NoVal && hints.SocketsPerNode != types.NoVal16 {
			cnt *= uint64(hints.MinNodes) * uint64(hints.SocketsPerNode)
		} else if hints.NumTasks != types.NoVal && hints.NtasksPerSocket != types.NoVal16 {
			sockets := (uint64(hints.NumTasks) + uint64(hints.NtasksPerSocket) - 1) /
				uint64(hints.NtasksPerSocket)
			cnt *= sockets
		}
		s.Total = max64(s.Total, cnt)
	}); err != nil {
		return nil, err
	}
	if err = sl.applyAxis(spec.PerTask, func(s *State, cnt uint64) {
		s.PerTask = cnt
		if hints.NumTasks != types.NoVal {
			cnt *= uint64(hints.NumTasks)
		}
		s.Total = max64(s.Total, cnt)
	}); err != nil {
		return nil, err
	}

	if isSet16(spec.NtasksPerGres) {
		for _, s := range sl.states {
			s.NtasksPerGres = spec.NtasksPerGres
		}
	}
	return sl.states, nil
}

func isSet16(v uint16) (set bool) {
	return v != 0 && v != types.NoVal16
}

func max64(a, b uint64) (v uint64) {
	if a > b {
		return a
	}
	return b
}
