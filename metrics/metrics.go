package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the linkage server's Prometheus collectors. Nothing recorded
// here depends on share contents or on whether a reveal was a match.
type Metrics struct {
	PseudonymsIssued *prometheus.CounterVec
	SharesReceived   *prometheus.CounterVec
	Reveals          *prometheus.CounterVec
	SessionTimeouts  prometheus.Counter
	LiveSessions     prometheus.Gauge
	PeerWait         prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		PseudonymsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkpoint_pseudonyms_issued_total",
			Help: "Total number of pseudonyms issued per party",
		}, []string{"party"}),
		SharesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkpoint_shares_received_total",
			Help: "Total number of secret shares received per role",
		}, []string{"role"}),
		Reveals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkpoint_reveals_total",
			Help: "Total number of session reveals by result (ok, failed)",
		}, []string{"result"}),
		SessionTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "linkpoint_session_timeouts_total",
			Help: "Total number of linkage sessions cleared because the peer share never arrived",
		}),
		LiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "linkpoint_live_sessions",
			Help: "Current number of linkage sessions waiting for shares",
		}),
		PeerWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkpoint_peer_wait_seconds",
			Help:    "Time an initiator waited for the responder share",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30},
		}),
	}
}

// The helpers below accept a nil receiver so components can run without
// metrics.

func (m *Metrics) AddPseudonymsIssued(party string, n int) {
	if m == nil {
		return
	}
	m.PseudonymsIssued.WithLabelValues(party).Add(float64(n))
}

func (m *Metrics) IncrementSharesReceived(role string) {
	if m == nil {
		return
	}
	m.SharesReceived.WithLabelValues(role).Inc()
}

func (m *Metrics) IncrementReveals(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Reveals.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementSessionTimeouts() {
	if m == nil {
		return
	}
	m.SessionTimeouts.Inc()
}

func (m *Metrics) SetLiveSessions(count int) {
	if m == nil {
		return
	}
	m.LiveSessions.Set(float64(count))
}

func (m *Metrics) ObservePeerWait(d time.Duration) {
	if m == nil {
		return
	}
	m.PeerWait.Observe(d.Seconds())
}
