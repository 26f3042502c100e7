// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package request

// This file contains tests for turning per axis request strings into
// request states

import (
	"testing"

	"github.com/joelandman/slurm/internal/types"
)

func TestParseAxisGrammar(t *testing.T) {
	states, err := Parse(Spec{PerJob: "gpu:model_x:2,gpu:model_y:1,gres:accel"}, NewHints())
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 3 {
		t.Fatal("expected 3 states, got", len(states))
	}

	if states[0].Name != "gpu" || states[0].TypeName != "model_x" || states[0].PerJob != 2 {
		t.Fatal("unexpected first state", states[0].String())
	}
	if states[1].TypeName != "model_y" || states[1].PerJob != 1 {
		t.Fatal("unexpected second state", states[1].String())
	}
	// A bare name asks for a single unit
	if states[2].Name != "accel" || states[2].TypeName != "" || states[2].PerJob != 1 {
		t.Fatal("unexpected third state", states[2].String())
	}

	for _, s := range states {
		if s.KindID != types.BuildID(s.Name) {
			t.Fatal("state carries a kind id that does not match its name", s.String())
		}
		if s.Total != s.PerJob {
			t.Fatal("expected the demand ceiling to follow the per job axis", s.String())
		}
	}
}

func TestParseTwoPartToken(t *testing.T) {
	// name:tail is a count when the tail is numeric, a type otherwise
	states, err := Parse(Spec{PerNode: "gpu:4"}, NewHints())
	if err != nil {
		t.Fatal(err)
	}
	if states[0].PerNode != 4 || len(states[0].TypeName) != 0 {
		t.Fatal("expected a numeric tail read as a count, got", states[0].String())
	}

	states, err = Parse(Spec{PerNode: "gpu:model_x"}, NewHints())
	if err != nil {
		t.Fatal(err)
	}
	if states[0].PerNode != 1 || states[0].TypeName != "model_x" {
		t.Fatal("expected a non numeric tail read as a type, got", states[0].String())
	}
}

func TestParseAxesAccumulate(t *testing.T) {
	spec := Spec{
		PerJob:      "gpu:model_x:4",
		PerNode:     "gpu:model_x:2",
		CpusPerGres: "gpu:model_x:6",
	}
	states, err := Parse(spec, NewHints())
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 {
		t.Fatal("expected the axes folded into one state, got", len(states))
	}
	s := states[0]
	if s.PerJob != 4 || s.PerNode != 2 || s.CpusPerGres != 6 {
		t.Fatal("axes did not accumulate", s.String())
	}
	if s.Total != 4 {
		t.Fatal("expected the per job axis to set the ceiling, got", s.Total)
	}
}

func TestParsePerNodeScaling(t *testing.T) {
	hints := NewHints()
	hints.MinNodes, hints.MaxNodes = 3, 3

	states, err := Parse(Spec{PerNode: "gpu:2"}, hints)
	if err != nil {
		t.Fatal(err)
	}
	if states[0].Total != 6 {
		t.Fatal("expected per node demand scaled by the node count, got", states[0].Total)
	}
}

func TestParsePerSocketScaling(t *testing.T) {
	hints := NewHints()
	hints.MinNodes, hints.MaxNodes = 2, 2
	hints.SocketsPerNode = 2

	states, err := Parse(Spec{PerSocket: "gpu:1"}, hints)
	if err != nil {
		t.Fatal(err)
	}
	if states[0].Total != 4 {
		t.Fatal("expected per socket demand scaled by nodes and sockets, got", states[0].Total)
	}
}

func TestParseImplicitTaskCount(t *testing.T) {
	hints := NewHints()
	hints.MinNodes, hints.MaxNodes = 2, 2
	hints.NtasksPerNode = 3

	states, err := Parse(Spec{PerTask: "gpu:2"}, hints)
	if err != nil {
		t.Fatal(err)
	}
	if hints.NumTasks != 6 {
		t.Fatal("expected the fixed node count to pin the task count, got", hints.NumTasks)
	}
	if states[0].Total != 12 {
		t.Fatal("expected per task demand scaled by the derived task count, got", states[0].Total)
	}
}

func TestParseImplicitTasksPerGres(t *testing.T) {
	hints := NewHints()
	hints.MinNodes, hints.MaxNodes = 2, 2

	states, err := Parse(Spec{PerNode: "mps:100", NtasksPerGres: 2}, hints)
	if err != nil {
		t.Fatal(err)
	}
	if hints.NumTasks != 4 {
		t.Fatal("expected tasks per unit to pin the task count, got", hints.NumTasks)
	}
	if states[0].NtasksPerGres != 2 {
		t.Fatal("expected the tasks per unit value carried on the state")
	}
}

func TestParseEmpty(t *testing.T) {
	states, err := Parse(Spec{}, NewHints())
	if err != nil {
		t.Fatal(err)
	}
	if states != nil {
		t.Fatal("expected no states from an empty request")
	}
}

func TestParseMalformed(t *testing.T) {
	for _, axis := range []string{"gpu:model_x:junk", "gpu:a:b:c", ":2"} {
		if _, err := Parse(Spec{PerJob: axis}, NewHints()); err == nil {
			t.Fatal("expected the malformed axis to be refused:", axis)
		}
	}
}
