/*
   we32200 Prometheus metrics.

   Copyright (c) 2024, Richard Cornwell
*/

// Package metrics exposes the simulator's internal counters as
// Prometheus collectors: instructions retired, exceptions by class,
// MMU cache hit/miss rates and timer underflows. main.go mounts
// promhttp.Handler on an HTTP listener; nothing in this package touches
// the network itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// InstructionsRetired counts every instruction Step() completes
	// without raising an exception.
	InstructionsRetired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "we32200",
		Name:      "instructions_retired_total",
		Help:      "Total instructions successfully executed.",
	})

	// ExceptionsTotal counts exceptions and interrupts delivered,
	// labeled by class (reset/process/stack/normal/interrupt/bus_timeout).
	ExceptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "we32200",
		Name:      "exceptions_total",
		Help:      "Total exceptions and interrupts delivered, by class.",
	}, []string{"class"})

	// MMUCacheEvents counts SDC/PDC hits and misses, labeled by cache
	// and outcome.
	MMUCacheEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "we32200",
		Name:      "mmu_cache_events_total",
		Help:      "SDC/PDC lookups, labeled by cache and outcome.",
	}, []string{"cache", "outcome"})

	// TimerUnderflows counts channel countdown-to-zero events, labeled
	// by channel number.
	TimerUnderflows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "we32200",
		Name:      "timer_underflows_total",
		Help:      "Timer channel underflow events, labeled by channel.",
	}, []string{"channel"})

	// MAUExceptions counts sticky ASR exception bits set by a
	// coprocessor broadcast, labeled by bit name.
	MAUExceptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "we32200",
		Name:      "mau_exceptions_total",
		Help:      "MAU sticky ASR exceptions set, labeled by flag.",
	}, []string{"flag"})
)

func init() {
	prometheus.MustRegister(InstructionsRetired, ExceptionsTotal, MMUCacheEvents, TimerUnderflows, MAUExceptions)
}
