package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GenerationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decoding_generations_total",
		Help: "The total number of completed generation calls",
	})

	GenerationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decoding_generation_errors_total",
		Help: "Generation calls aborted by an error",
	}, []string{"stage"})

	GenerationDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "decoding_generation_duration_seconds",
		Help: "Duration of whole generation calls",
	})

	GenerationSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "decoding_generation_steps",
		Help:    "Decode steps executed per generation call",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	StepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decoding_steps_total",
		Help: "The total number of decode steps executed",
	})

	TokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decoding_tokens_total",
		Help: "The total number of tokens sampled for unfinished sequences",
	})

	EarlyExitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decoding_early_exit_total",
		Help: "Generation calls that stopped before max_seq_len because every sequence finished",
	})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "decoding_step_duration_seconds",
		Help:    "Wall time of one decode step including the termination sync",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	FinishedSequences = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "decoding_finished_sequences",
		Help: "Finished sequences observed at the last termination check",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "device_kernel_duration_seconds",
		Help:    "Histogram of stream operation execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	KernelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_kernel_errors_total",
		Help: "Stream operations that failed",
	}, []string{"kernel"})

	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_memory_allocated_bytes",
		Help: "Current bytes allocated on the device context",
	})

	AllocationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_allocation_failures_total",
		Help: "Allocation requests rejected by the device context",
	})

	ArenaBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_region_bytes",
		Help: "Bytes reserved per arena region of the most recently built engine",
	}, []string{"region"})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total bytes reserved for self and cross attention caches",
	})

	KVCacheUsedPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_positions",
		Help: "Self-attention positions committed in the current generation",
	})

	KVCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_hits_total",
		Help: "Cache views handed to decoder layers",
	})

	CrossCachePopulations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_cross_populations_total",
		Help: "Cross-attention caches populated at step 1",
	})

	TuningEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gemm_tuning_entries",
		Help: "Algorithm entries loaded from the tuning table",
	})

	GemmAlgorithm = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gemm_algorithm_runs_total",
		Help: "GEMM executions per selected algorithm id",
	}, []string{"algo"})

	ConfigErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "config_errors_total",
		Help: "Fatal configuration errors by field",
	}, []string{"field"})

	SamplerDraws = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sampler_draws_total",
		Help: "Random draws performed by each sampling strategy",
	}, []string{"strategy"})

	TopPPrefixLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampler_topp_prefix_length",
		Help:    "Number of tokens kept by the nucleus cut",
		Buckets: []float64{1, 2, 4, 8, 16, 64, 256, 1024, 8192},
	})

	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_results_total",
		Help: "Generations sent to the results endpoint by outcome",
	}, []string{"outcome"})

	PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "publish_duration_seconds",
		Help:    "Wall time of one results DoPut",
		Buckets: prometheus.DefBuckets,
	})
)

func RecordGeneration(steps int, earlyExit bool, duration time.Duration) {
	GenerationsTotal.Inc()
	GenerationDuration.Observe(duration.Seconds())
	GenerationSteps.Observe(float64(steps))
	if earlyExit {
		EarlyExitTotal.Inc()
	}
}

func RecordGenerationError(stage string) {
	GenerationErrors.WithLabelValues(stage).Inc()
}

func RecordStep(duration time.Duration, finished int) {
	StepsTotal.Inc()
	StepDuration.Observe(duration.Seconds())
	FinishedSequences.Set(float64(finished))
}

func RecordTokens(n int) {
	TokensTotal.Add(float64(n))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordKernelError(name string) {
	KernelErrors.WithLabelValues(name).Inc()
}

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordAllocationFailure() {
	AllocationFailures.Inc()
}

func RecordArenaRegion(name string, bytes int64) {
	ArenaBytes.WithLabelValues(name).Set(float64(bytes))
}

func RecordKVCacheStats(capacity int64, positions int) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedPositions.Set(float64(positions))
}

func RecordTuningEntries(n int) {
	TuningEntries.Set(float64(n))
}

func RecordGemmAlgorithm(algo string) {
	GemmAlgorithm.WithLabelValues(algo).Inc()
}

func RecordConfigError(field string) {
	ConfigErrors.WithLabelValues(field).Inc()
}

func RecordSamplerDraws(strategy string, n int) {
	SamplerDraws.WithLabelValues(strategy).Add(float64(n))
}

func RecordTopPPrefix(n int) {
	TopPPrefixLength.Observe(float64(n))
}

// RecordCacheRead counts one cache view handed to a decoder layer.
func RecordCacheRead() {
	KVCacheHits.Inc()
}

func RecordCrossCachePopulation() {
	CrossCachePopulations.Inc()
}

func RecordPublish(ok bool, duration time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	PublishTotal.WithLabelValues(outcome).Inc()
	PublishDuration.Observe(duration.Seconds())
}
