// Copyright The TrustTunnel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/omniexec/omniexec/pkg/eventbus"
)

// Metrics is a prometheus exporter for an Engine's event bus,
// following the counter/histogram/gauge vec split the teacher's
// monitor/metrics.go uses for its own http/session counters,
// generalized here to command lifecycle and cache events.
type Metrics struct {
	commandsTotal *prometheus.CounterVec
	commandErrors *prometheus.CounterVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	droppedEvents prometheus.Counter
}

// NewMetrics builds an unregistered Metrics set. Callers register it
// with their own prometheus.Registerer (or the default one via
// prometheus.MustRegister) before scraping.
func NewMetrics() *Metrics {
	return &Metrics{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omniexec_commands_total",
			Help: "Commands completed, by adapter.",
		}, []string{"adapter"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omniexec_command_errors_total",
			Help: "Commands that failed, by adapter.",
		}, []string{"adapter"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omniexec_cache_hits_total",
			Help: "Result cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omniexec_cache_misses_total",
			Help: "Result cache misses.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omniexec_dropped_events_total",
			Help: "Events dropped because a subscriber's queue was full.",
		}),
	}
}

// Collectors returns every metric for registration, e.g.
// prometheus.MustRegister(m.Collectors()...).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.commandsTotal, m.commandErrors, m.cacheHits, m.cacheMisses, m.droppedEvents}
}

// Attach subscribes Metrics to bus and returns the unsubscribe func.
func (m *Metrics) Attach(bus *eventbus.Bus) func() {
	return bus.On(func(ev eventbus.Event) {
		adapter, _ := ev.Fields["adapter"].(string)

		switch ev.Name {
		case eventbus.CommandComplete:
			m.commandsTotal.WithLabelValues(adapter).Inc()
		case eventbus.CommandError:
			m.commandsTotal.WithLabelValues(adapter).Inc()
			m.commandErrors.WithLabelValues(adapter).Inc()
		case eventbus.CacheHit:
			m.cacheHits.Inc()
		case eventbus.CacheMiss:
			m.cacheMisses.Inc()
		}
	})
}
