package udp

import (
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kasumi/kasumi/bittorrent"
	"github.com/kasumi/kasumi/pkg/metrics"
)

func init() {
	prometheus.MustRegister(promResponseDurationMilliseconds)
}

var promResponseDurationMilliseconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "kasumi_udp_response_duration_milliseconds",
		Help:    "The duration of time it takes to receive and write a response to an API request",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	},
	[]string{"action", "address_family", "error"},
)

// recordResponseDuration records the duration of time to respond to a UDP
// Request in milliseconds.
func recordResponseDuration(action string, ip net.IP, err error, duration time.Duration) {
	var errString string
	if err != nil {
		if clientErr, ok := err.(bittorrent.ClientError); ok {
			errString = clientErr.Error()
		} else {
			errString = "internal error"
		}
	}

	promResponseDurationMilliseconds.
		WithLabelValues(action, metrics.AddressFamily(ip), errString).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
