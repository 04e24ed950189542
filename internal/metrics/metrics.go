package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MemoryCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiler_memory_cache_hits_total",
		Help: "Total number of memory cache hits",
	})

	MemoryCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiler_memory_cache_misses_total",
		Help: "Total number of memory cache misses",
	})

	MemoryCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiler_memory_cache_evictions_total",
		Help: "Total number of entries evicted to make space",
	})

	AbsentMarks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiler_absent_marks_total",
		Help: "Total number of failed resource attempts recorded",
	})

	// Retrieval metrics
	RetrievalSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiler_retrieval_submitted_total",
		Help: "Total number of retrieval tasks accepted into the queue",
	})

	RetrievalRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiler_retrieval_rejected_total",
		Help: "Total number of retrieval tasks refused or dropped",
	}, []string{"reason"})

	RetrievalCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiler_retrieval_completed_total",
		Help: "Total number of finished retrievals by outcome",
	}, []string{"outcome"})

	RetrievalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tiler_retrieval_duration_seconds",
		Help:    "Duration of retrieval tasks in seconds",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	RetrievalQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tiler_retrieval_queue_length",
		Help: "Number of retrieval tasks waiting for a worker",
	})

	// Bulk download metrics
	BulkTiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiler_bulk_tiles_total",
		Help: "Total number of bulk download tiles by result",
	}, []string{"result"})
)
