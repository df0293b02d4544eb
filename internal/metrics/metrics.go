package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_forward_duration_seconds",
		Help:    "Duration of decoder forward calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	ForwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_forward_total",
		Help: "Total number of decoder forward calls",
	}, []string{"mode", "result"})

	LayersExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_layers_executed_total",
		Help: "Total number of decoder layer bodies executed on this rank",
	}, []string{"mode"})

	BoundaryBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_boundary_bytes_total",
		Help: "Bytes moved across pipeline stage boundaries",
	}, []string{"op"})

	BoundaryOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_boundary_ops_total",
		Help: "Stage boundary communication calls",
	}, []string{"op"})

	ScratchBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_scratch_bytes",
		Help: "Bytes currently held by decoder scratch buffers",
	})

	HostMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_host_memory_allocated_bytes",
		Help: "Current bytes allocated by host allocators",
	})

	StreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_stream_errors_total",
		Help: "Operations that failed on a compute stream",
	})

	WeightsLoadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_weights_loaded_bytes_total",
		Help: "Bytes of layer weights read from disk",
	})
)

// RecordForward observes one forward call. err == nil counts as success.
func RecordForward(mode string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ForwardTotal.WithLabelValues(mode, result).Inc()
	ForwardDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordLayer(mode string) {
	LayersExecuted.WithLabelValues(mode).Inc()
}

// RecordBoundary counts a send, recv or allgather of n bytes.
func RecordBoundary(op string, n int) {
	BoundaryOps.WithLabelValues(op).Inc()
	BoundaryBytes.WithLabelValues(op).Add(float64(n))
}

func RecordScratch(delta int64) {
	ScratchBytes.Add(float64(delta))
}

func RecordHostMemory(bytes int64) {
	HostMemoryAllocated.Set(float64(bytes))
}

func RecordStreamError() {
	StreamErrors.Inc()
}

func RecordWeightsLoaded(n int64) {
	WeightsLoadedBytes.Add(float64(n))
}
