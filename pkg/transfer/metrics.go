package transfer

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	directionRead  = "read"
	directionWrite = "write"

	outcomeComplete  = "complete"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

var (
	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirsync_transfer_bytes_total",
			Help: "Total bytes read from or written to transferred files",
		},
		[]string{"direction"},
	)

	transfersFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirsync_transfers_total",
			Help: "Total number of finished transfers, by outcome",
		},
		[]string{"direction", "outcome"},
	)

	openTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirsync_transfer_open_handles",
			Help: "Number of transfers with an open handle",
		},
	)
)

func direction(write bool) string {
	if write {
		return directionWrite
	}
	return directionRead
}

// MetricsHandler returns an HTTP handler that serves the transfer metrics in
// the Prometheus exposition format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
