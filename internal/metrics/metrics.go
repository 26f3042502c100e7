// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package metrics contains the prometheus instrumentation for the GRES
// accounting engine.
package metrics

import (
	"os"
	"sync"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/prometheus/client_golang/prometheus"
)

var (
	host = ""

	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gres_reconcile_total",
			Help: "Number of node inventory reconciliations.",
		},
		[]string{"host", "node"},
	)
	reconcileWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gres_reconcile_warnings",
			Help: "Number of advisory conditions raised during reconciliation.",
		},
		[]string{"host", "node"},
	)
	fitTests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gres_fit_tests",
			Help: "Number of fit test evaluations by outcome.",
		},
		[]string{"host", "kind", "outcome"},
	)
	requestRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gres_request_rejects",
			Help: "Number of job requests rejected during validation.",
		},
		[]string{"host", "kind"},
	)
	unitsAvail = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gres_units_avail",
			Help: "Units available per kind per node.",
		},
		[]string{"host", "node", "kind"},
	)
	unitsAlloc = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gres_units_alloc",
			Help: "Units committed per kind per node.",
		},
		[]string{"host", "node", "kind"},
	)
)

func init() {
	host, _ = os.Hostname()
}

var registerOnce sync.Once

// Register publishes the collectors for measurement purposes by external
// parties.  Registration failures are reported on errorC without blocking.
func Register(errorC chan<- kv.Error) {
	registerOnce.Do(func() {
		collectors := []prometheus.Collector{
			reconcileTotal, reconcileWarnings, fitTests,
			requestRejects, unitsAvail, unitsAlloc,
		}
		for _, collector := range collectors {
			if errGo := prometheus.Register(collector); errGo != nil {
				select {
				case errorC <- kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()):
				default:
				}
			}
		}
	})
}

// ObserveReconcile records one reconciliation pass and its warning count
func ObserveReconcile(node string, warnings int) {
	reconcileTotal.With(prometheus.Labels{"host": host, "node": node}).Inc()
	if warnings > 0 {
		reconcileWarnings.With(prometheus.Labels{"host": host, "node": node}).
			Add(float64(warnings))
	}
}

// ObserveFitTest records one feasibility evaluation outcome, one of
// "feasible", "unbounded", or "infeasible"
func ObserveFitTest(kind string, outcome string) {
	fitTests.With(prometheus.Labels{"host": host, "kind": kind, "outcome": outcome}).Inc()
}

// ObserveReject records a request validation failure
func ObserveReject(kind string) {
	requestRejects.With(prometheus.Labels{"host": host, "kind": kind}).Inc()
}

// SetUnits publishes the availability and allocation gauges for one kind
// on one node
func SetUnits(node string, kind string, avail uint64, alloc uint64) {
	unitsAvail.With(prometheus.Labels{"host": host, "node": node, "kind": kind}).
		Set(float64(avail))
	unitsAlloc.With(prometheus.Labels{"host": host, "node": node, "kind": kind}).
		Set(float64(alloc))
}
