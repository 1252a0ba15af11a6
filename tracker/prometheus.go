package tracker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	// Register the metrics.
	prometheus.MustRegister(
		promGCDurationMilliseconds,
		promInfohashesCount,
		promSeedersCount,
		promLeechersCount,
	)
}

var (
	// promGCDurationMilliseconds is a histogram used by the tracker to
	// record the durations of execution time required for removing expired
	// peers.
	promGCDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kasumi_tracker_gc_duration_milliseconds",
		Help:    "The time it takes to perform the eviction sweep",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	})

	// promInfohashesCount is a gauge used to hold the current total amount
	// of unique swarms being tracked.
	promInfohashesCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kasumi_tracker_infohashes_count",
		Help: "The number of infohashes tracked",
	})

	// promSeedersCount is a gauge used to hold the current total amount of
	// seeders across all swarms.
	promSeedersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kasumi_tracker_seeders_count",
		Help: "The number of seeders tracked",
	})

	// promLeechersCount is a gauge used to hold the current total amount of
	// leechers across all swarms.
	promLeechersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kasumi_tracker_leechers_count",
		Help: "The number of leechers tracked",
	})
)

// recordGCDuration records the duration of an eviction sweep.
func recordGCDuration(duration time.Duration) {
	promGCDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
