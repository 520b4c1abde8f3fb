// Package metrics provides the Prometheus-backed implementation of
// pool.MetricsRecorder. Metric collectors are registered upfront at
// package init.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cqlpool/driver/internal/pool"
)

var (
	connectionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cqlpool_connections_open",
		Help: "Number of serving connections per host",
	}, []string{"host", "distance"})

	connectionsTrashed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cqlpool_connections_trashed",
		Help: "Number of trashed (resurrectable) connections per host",
	}, []string{"host", "distance"})

	waitersParked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cqlpool_waiters_parked",
		Help: "Whether at least one borrower is currently parked waiting for a stream slot",
	}, []string{"host", "distance"})

	borrowWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cqlpool_borrow_wait_seconds",
		Help:    "Time a Borrow call spent waiting before timing out",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"host", "distance"})

	borrowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cqlpool_borrows_total",
		Help: "Total Borrow outcomes by result",
	}, []string{"host", "distance", "outcome"})

	replacementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cqlpool_connection_replacements_total",
		Help: "Total connections retired and replaced, by reason",
	}, []string{"host", "distance", "reason"})

	instanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "driver_instance_heartbeat",
		Help: "Set to 1 on every heartbeat tick this driver instance sends; observability only, never read back to gate pool operations",
	}, []string{"instance"})
)

// RecordHeartbeat marks instanceID as alive as of this call. It is purely
// observational — internal/discovery calls it on a timer, but nothing
// reads it back to decide pool behavior.
func RecordHeartbeat(instanceID string) {
	instanceHeartbeat.WithLabelValues(instanceID).Set(1)
}

// Recorder is the Prometheus-backed pool.MetricsRecorder. Its zero value is
// ready to use; all state lives in the package-level collectors above so
// multiple Recorders (one per host, say) share the same registry output.
type Recorder struct{}

var _ pool.MetricsRecorder = Recorder{}

func (Recorder) SetOpen(host string, distance pool.HostDistance, n int) {
	connectionsOpen.WithLabelValues(host, distance.String()).Set(float64(n))
}

func (Recorder) SetTrashed(host string, distance pool.HostDistance, n int) {
	connectionsTrashed.WithLabelValues(host, distance.String()).Set(float64(n))
}

func (Recorder) SetWaiters(host string, distance pool.HostDistance, n int) {
	waitersParked.WithLabelValues(host, distance.String()).Set(float64(n))
}

func (Recorder) ObserveBorrowWait(host string, distance pool.HostDistance, d time.Duration) {
	borrowWaitSeconds.WithLabelValues(host, distance.String()).Observe(d.Seconds())
}

func (Recorder) IncBorrow(host string, distance pool.HostDistance, outcome string) {
	borrowsTotal.WithLabelValues(host, distance.String(), outcome).Inc()
}

func (Recorder) IncReplacement(host string, distance pool.HostDistance, reason string) {
	replacementsTotal.WithLabelValues(host, distance.String(), reason).Inc()
}
