// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package types

// This package contains the small shared vocabulary used across the GRES
// accounting packages, the stable kind/type identifier hash and the
// sentinel values used for optional numeric request fields

const (
	// NoVal64 marks an unset 64 bit count in request and hint fields
	NoVal64 = ^uint64(0)
	// NoVal marks an unset 32 bit count, also used by the fit test to
	// report that a resource kind places no restriction on core usage
	NoVal = ^uint32(0)
	// NoVal16 marks an unset 16 bit count in scheduler hints
	NoVal16 = ^uint16(0)
)

// MaxDeviceBits bounds the width of per unit device bitmaps.  Kinds using
// per unit file tracking are clamped to this many units, excess units are
// dropped with a warning during reconciliation.
const MaxDeviceBits = 1024

// BuildID converts a resource kind or type name into its stable numeric
// identifier using a rolling byte weighted sum.  The result is deterministic
// across processes so identifiers can be exchanged without the names.  An
// empty name yields zero.
func BuildID(name string) (id uint32) {
	j := uint(0)
	for i := 0; i < len(name); i++ {
		id += uint32(name[i]) << j
		j = (j + 8) % 32
	}
	return id
}

// KindInfo carries the registry metadata that the request validation and
// fit testing packages need about a resource kind without access to the
// registry itself
type KindInfo struct {
	Name      string // Kind name as registered
	ID        uint32 // BuildID of the name
	CountOnly bool   // No capability hook, counts tracked without devices
	Shared    bool   // Consumable units are fractions of another kind's units
	SharedOf  string // For a shared kind, the name of the underlying kind
}

// Resolver supplies registry lookups to packages that must not depend on
// the registry implementation
type Resolver interface {
	ResolveKind(name string) (info KindInfo, ok bool)
}
