// Package metrics exposes Prometheus instrumentation for the compilation
// pipeline: per-tier throughput counters, compile latency, worker
// saturation, and detected-feature use counts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Compile collects the pipeline's metrics. All methods are safe for
// concurrent use; background workers report through the same collector the
// foreground drivers do.
type Compile struct {
	functionsCompiled *prometheus.CounterVec
	compileDuration   *prometheus.HistogramVec
	modulesFailed     prometheus.Counter
	lazyCompilations  prometheus.Counter
	workersRunning    prometheus.Gauge
	featureUses       *prometheus.CounterVec
}

// New creates a collector and registers it with reg. Passing nil registers
// into a private registry, which keeps tests and embedders that do not
// scrape metrics free of global registration conflicts.
func New(reg prometheus.Registerer) *Compile {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Compile{
		functionsCompiled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasm_functions_compiled_total",
			Help: "Functions compiled, by execution tier.",
		}, []string{"tier"}),
		compileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wasm_compile_duration_seconds",
			Help:    "Wall time of one function compilation, by execution tier.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tier"}),
		modulesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasm_module_compilations_failed_total",
			Help: "Module compilations that latched an error.",
		}),
		lazyCompilations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasm_lazy_compilations_total",
			Help: "Functions compiled on first call.",
		}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wasm_compile_workers_running",
			Help: "Background compilation workers currently running.",
		}),
		featureUses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasm_feature_uses_total",
			Help: "Optional wasm features detected in compiled modules.",
		}, []string{"feature"}),
	}
	reg.MustRegister(
		c.functionsCompiled,
		c.compileDuration,
		c.modulesFailed,
		c.lazyCompilations,
		c.workersRunning,
		c.featureUses,
	)
	return c
}

// FunctionCompiled records one finished function compilation.
func (c *Compile) FunctionCompiled(tier string, d time.Duration) {
	c.functionsCompiled.WithLabelValues(tier).Inc()
	c.compileDuration.WithLabelValues(tier).Observe(d.Seconds())
}

// ModuleFailed records a latched module compile error.
func (c *Compile) ModuleFailed() {
	c.modulesFailed.Inc()
}

// LazyCompilation records one on-demand function compile.
func (c *Compile) LazyCompilation(d time.Duration) {
	c.lazyCompilations.Inc()
	c.compileDuration.WithLabelValues("lazy").Observe(d.Seconds())
}

// WorkerStarted and WorkerStopped track background worker saturation.
func (c *Compile) WorkerStarted() { c.workersRunning.Inc() }

// WorkerStopped decrements the running-worker gauge.
func (c *Compile) WorkerStopped() { c.workersRunning.Dec() }

// FeatureUsed reports one detected optional feature to the host.
func (c *Compile) FeatureUsed(feature string) {
	c.featureUses.WithLabelValues(feature).Inc()
}
