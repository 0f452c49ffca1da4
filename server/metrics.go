package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	peersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "snitun_peers_connected",
		Help: "How many tunnel peers are registered right now",
	})
	peerConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snitun_peer_connections_total",
		Help: "Counter metric for connections on the peer port by outcome",
	}, []string{"status"})
	sniConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snitun_sni_connections_total",
		Help: "Counter metric for connections on the public port by outcome",
	}, []string{"status"})
	proxyBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snitun_proxy_bytes_total",
		Help: "Counter metric for proxied session bytes per direction",
	}, []string{"direction"})
)

// Pre-bound label children for the per-chunk hot paths.
var (
	proxyBytesToPeer   = proxyBytesTotal.WithLabelValues("to_peer")
	proxyBytesToClient = proxyBytesTotal.WithLabelValues("to_client")
)

// StartMetrics registers the relay metrics and serves them on addr under
// /metrics. It blocks like http.ListenAndServe.
func StartMetrics(addr string) error {
	prometheus.MustRegister(peersConnected)
	prometheus.MustRegister(peerConnectionsTotal)
	prometheus.MustRegister(sniConnectionsTotal)
	prometheus.MustRegister(proxyBytesTotal)

	http.Handle("/metrics", promhttp.Handler())

	logrus.WithField("addr", addr).Info("Prometheus metrics up on /metrics")
	return http.ListenAndServe(addr, nil)
}
