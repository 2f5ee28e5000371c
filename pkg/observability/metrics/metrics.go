package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed to peers",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC peer connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC peer connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chronicle",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC peer connections",
	})

	PeerRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "peer_rpc",
		Name:      "requests_total",
		Help:      "Total peer RPC calls made, by method and result",
	}, []string{"method", "result"})

	PeerRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chronicle",
		Subsystem: "peer_rpc",
		Name:      "duration_seconds",
		Help:      "Peer RPC call latency by method",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(GRPCConnDials)
		prometheus.MustRegister(GRPCConnReuse)
		prometheus.MustRegister(GRPCConnEvictions)
		prometheus.MustRegister(GRPCConnActive)
		prometheus.MustRegister(PeerRequestsTotal)
		prometheus.MustRegister(PeerRequestDuration)
	})
}
