// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package gres

// This file contains tests for the resource kind registry

import (
	"testing"

	"github.com/joelandman/slurm/internal/types"
)

func TestRegistryIdentifiers(t *testing.T) {
	// The identifier hash is part of the wire contract between processes
	if id := types.BuildID("gpu"); id != 7696487 {
		t.Fatal("the gpu identifier drifted, got", id)
	}
	if id := types.BuildID(""); id != 0 {
		t.Fatal("expected the empty name to have no identifier, got", id)
	}
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	kind, err := reg.Register("gpu")
	if err != nil {
		t.Fatal(err)
	}
	if kind.ID != types.BuildID("gpu") {
		t.Fatal("unexpected identifier", kind.ID)
	}

	// Repeat registration returns the existing entry
	again, err := reg.Register("gpu", CountOnly())
	if err != nil {
		t.Fatal(err)
	}
	if again != kind || again.CountOnly {
		t.Fatal("expected the existing entry returned untouched")
	}

	if id, ok := reg.Resolve("gpu"); !ok || id != kind.ID {
		t.Fatal("expected the kind resolvable by name")
	}
	if _, ok := reg.Resolve("fpga"); ok {
		t.Fatal("expected an unregistered name to miss")
	}
}

func TestRegistrySharedOrdering(t *testing.T) {
	reg := NewRegistry()
	// Registering the shared kind first pulls its underlying kind in ahead
	// of it
	if _, err := reg.Register("mps", SharedOf("gpu")); err != nil {
		t.Fatal(err)
	}

	kinds := reg.Kinds()
	if len(kinds) != 2 || kinds[0].Name != "gpu" || kinds[1].Name != "mps" {
		t.Fatal("expected the underlying kind ordered first")
	}
	if base := reg.SharedBase(kinds[1]); base == nil || base.Name != "gpu" {
		t.Fatal("expected the shared kind bound to its underlying kind")
	}
	if base := reg.SharedBase(kinds[0]); base != nil {
		t.Fatal("expected no base for a kind that derives from nothing")
	}
}

func TestRegistrySelfDerivation(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("mps", SharedOf("mps"))
	if err == nil || !IsConfigFatal(err) {
		t.Fatal("expected self derivation refused as a fatal configuration error, got", err)
	}
}

func TestRegistryInfo(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Register("license", CountOnly(), NoConsume()); err != nil {
		t.Fatal(err)
	}
	info, ok := reg.ResolveKind("license")
	if !ok || !info.CountOnly || info.Shared {
		t.Fatal("unexpected kind metadata", info)
	}
}
