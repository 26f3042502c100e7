// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package engine

// This file contains lightweight module statistics readable without taking
// the manager lock, fit testing is on the scheduler's hot path.

import (
	"go.uber.org/atomic"
)

// Stats counts engine operations since process start
type Stats struct {
	Reconciles  atomic.Uint64
	FitTests    atomic.Uint64
	Infeasibles atomic.Uint64
	Rejects     atomic.Uint64
}

var stats = &Stats{}

// Snapshot returns the current operation counters
func Snapshot() (reconciles, fitTests, infeasibles, rejects uint64) {
	return stats.Reconciles.Load(), stats.FitTests.Load(),
		stats.Infeasibles.Load(), stats.Rejects.Load()
}
