/*
Copyright 2025 The Warden Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the pool's behavior to prometheus.
type Metrics struct {
	// Acquisitions counts successful VM acquisitions.
	Acquisitions prometheus.Counter
	// AcquireSeconds observes acquisition latency.
	AcquireSeconds prometheus.Histogram
	// AvailableVMs tracks the number of ready VMs in the queue.
	AvailableVMs prometheus.Gauge
	// Exhaustions counts acquisitions that fell through to on-demand
	// creation.
	Exhaustions prometheus.Counter
	// StaleEvictions counts pooled VMs destroyed for exceeding the TTL.
	StaleEvictions prometheus.Counter
}

// NewMetrics registers the pool metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Acquisitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_pool_acquisitions_total",
			Help: "Number of successful VM acquisitions.",
		}),
		AcquireSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_pool_acquire_seconds",
			Help:    "VM acquisition latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		AvailableVMs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warden_pool_available_vms",
			Help: "Number of ready VMs currently in the pool queue.",
		}),
		Exhaustions: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_pool_exhaustions_total",
			Help: "Number of acquisitions that required on-demand VM creation.",
		}),
		StaleEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_pool_stale_evictions_total",
			Help: "Number of pooled VMs destroyed for exceeding their TTL.",
		}),
	}
}
