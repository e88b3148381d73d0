// Package telemetry implements the engine-host telemetry sink: counter
// and timer primitives keyed by the stable names vm_count, vm_new_time,
// vm_load_time, vm_call_count, vm_push_callback_count, and
// vm_async_request_count, safe for concurrent updates. Uses a dedicated
// Prometheus registry rather than the global default, with MustRegister
// at construction.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry wires the six named counters/timers onto a dedicated
// Prometheus registry and satisfies both factory.Telemetry and
// channel.Telemetry (including the channel registry's gray-value gauge).
type Telemetry struct {
	Registry *prometheus.Registry

	vmCount              prometheus.Gauge
	vmNewTime            prometheus.Histogram
	vmLoadTime           prometheus.Histogram
	vmCallCount          prometheus.Counter
	vmPushCallbackCount  prometheus.Counter
	vmAsyncRequestCount  prometheus.Counter
	channelRegistryGray  prometheus.Gauge
}

// New constructs a Telemetry instance with its own registry under the
// given namespace.
func New(namespace string) *Telemetry {
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		Registry: reg,
		vmCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vm_count",
			Help:      "Total number of engine instances constructed by factories.",
		}),
		vmNewTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vm_new_time_seconds",
			Help:      "Time to construct a fresh engine instance.",
			Buckets:   prometheus.DefBuckets,
		}),
		vmLoadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vm_load_time_seconds",
			Help:      "Time to load a fresh engine's frozen bytecode list.",
			Buckets:   prometheus.DefBuckets,
		}),
		vmCallCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_call_count_total",
			Help:      "Number of completed engine calls.",
		}),
		vmPushCallbackCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_push_callback_count_total",
			Help:      "Number of async callbacks pushed onto an engine's queue.",
		}),
		vmAsyncRequestCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_async_request_count_total",
			Help:      "Number of async requests issued through the channel registry.",
		}),
		channelRegistryGray: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_registry_gray",
			Help:      "Current gray value of the channel registry, for observing generation changes.",
		}),
	}
	reg.MustRegister(
		t.vmCount, t.vmNewTime, t.vmLoadTime,
		t.vmCallCount, t.vmPushCallbackCount, t.vmAsyncRequestCount,
		t.channelRegistryGray,
	)
	return t
}

func (t *Telemetry) IncVMCount(delta int)             { t.vmCount.Add(float64(delta)) }
func (t *Telemetry) ObserveNewTime(d time.Duration)   { t.vmNewTime.Observe(d.Seconds()) }
func (t *Telemetry) ObserveLoadTime(d time.Duration)  { t.vmLoadTime.Observe(d.Seconds()) }
func (t *Telemetry) IncCallCount()                    { t.vmCallCount.Inc() }
func (t *Telemetry) IncPushCallbackCount()             { t.vmPushCallbackCount.Inc() }
func (t *Telemetry) IncAsyncRequestCount()             { t.vmAsyncRequestCount.Inc() }
func (t *Telemetry) SetChannelRegistryGray(v uint64)  { t.channelRegistryGray.Set(float64(v)) }
