// SPDX-License-Identifier: GPL-2.0-only

// Package metrics holds the Prometheus collector constructors shared by
// main.go's wiring, following the teacher's habit of registering
// component metrics into a caller-supplied *prometheus.Registry rather
// than using the global default registry (main.go passes the
// `prometheus.NewRegistry()` it builds).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Discovery holds C3's cache and retry metrics (SPEC_FULL.md §5).
type Discovery struct {
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheSize       prometheus.Gauge
	RegistryRetries *prometheus.CounterVec
}

// NewDiscovery registers and returns C3's metrics on reg.
func NewDiscovery(reg prometheus.Registerer) *Discovery {
	d := &Discovery{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Number of Discover() calls served from the device list cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Number of Discover() calls that had to re-enumerate.",
		}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_size",
			Help: "Number of devices currently held in the device list cache.",
		}),
		RegistryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_retries_total",
			Help: "Registry operation retry attempts, by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
	reg.MustRegister(d.CacheHits, d.CacheMisses, d.CacheSize, d.RegistryRetries)
	return d
}

// Monitor holds C4's known-set and event metrics.
type Monitor struct {
	KnownDevices prometheus.Gauge
	DeviceEvents *prometheus.CounterVec
}

// NewMonitor registers and returns C4's metrics on reg.
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		KnownDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "known_devices",
			Help: "Number of devices currently in the monitor's known set.",
		}),
		DeviceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_events_total",
			Help: "Device connect/disconnect events emitted to subscribers, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.KnownDevices, m.DeviceEvents)
	return m
}

// Communicator holds C5's transfer/interface/cancellation metrics.
type Communicator struct {
	TransfersTotal     *prometheus.CounterVec
	OpenInterfaces     prometheus.Gauge
	CancellationsTotal prometheus.Counter
}

// NewCommunicator registers and returns C5's metrics on reg.
func NewCommunicator(reg prometheus.Registerer) *Communicator {
	c := &Communicator{
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "communicator_transfers_total",
			Help: "USB transfers executed, by transfer type and outcome.",
		}, []string{"type", "outcome"}),
		OpenInterfaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "communicator_open_interfaces",
			Help: "Number of interface slots currently open.",
		}),
		CancellationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "communicator_cancellations_total",
			Help: "Number of cancel_all/cancel_endpoint calls issued.",
		}),
	}
	reg.MustRegister(c.TransfersTotal, c.OpenInterfaces, c.CancellationsTotal)
	return c
}
