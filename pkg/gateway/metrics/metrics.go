// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	GateDecisions *prometheus.CounterVec

	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter

	DispatchAttempts  prometheus.Counter
	DispatchOutcomes  *prometheus.CounterVec
	VerifyPolls       prometheus.Counter
	VerifyExhaustions prometheus.Counter

	SummaryOutcomes *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivevoice_requests_total",
				Help: "HTTP requests processed, by route and status.",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drivevoice_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivevoice_entitlement_decisions_total",
				Help: "Entitlement gate decisions, by reason.",
			},
			[]string{"reason"},
		),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drivevoice_sessions_started_total",
			Help: "Sessions successfully started.",
		}),
		SessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drivevoice_sessions_ended_total",
			Help: "Sessions ended.",
		}),
		DispatchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drivevoice_dispatch_attempts_total",
			Help: "Agent dispatch attempts, including retries.",
		}),
		DispatchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivevoice_dispatch_outcomes_total",
				Help: "Terminal dispatch outcomes, by result.",
			},
			[]string{"result"},
		),
		VerifyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drivevoice_join_verify_polls_total",
			Help: "Participant-list polls during agent join verification.",
		}),
		VerifyExhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drivevoice_join_verify_exhaustions_total",
			Help: "Join verifications that ran out of polls without confirming the agent.",
		}),
		SummaryOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivevoice_summary_outcomes_total",
				Help: "Post-session summary generation outcomes.",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestDuration,
		m.GateDecisions,
		m.SessionsStarted,
		m.SessionsEnded,
		m.DispatchAttempts,
		m.DispatchOutcomes,
		m.VerifyPolls,
		m.VerifyExhaustions,
		m.SummaryOutcomes,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
