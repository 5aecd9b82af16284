// Package metrics 定义 Prometheus 指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

var (
	// VerdictsTotal 按来源通道与等级统计风险结论。
	VerdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verdicts_total",
		Help:      "Risk verdicts computed, by source stream and severity.",
	}, []string{"source", "severity"})

	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Alerts raised to the UI, by level.",
	}, []string{"level"})

	SuppressedVerdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suppressed_verdicts_total",
		Help:      "Verdicts suppressed by dedupe or false-positive marks.",
	}, []string{"reason"})

	InvalidInputsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invalid_inputs_total",
		Help:      "Malformed events dropped at ingestion.",
	}, []string{"stream"})

	CollectionSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collection_sessions_total",
		Help:      "Evidence collection sessions, by outcome.",
	}, []string{"result"})

	CaptureFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_failures_total",
		Help:      "Non-fatal screenshot/message capture failures.",
	}, []string{"kind"})

	ActiveCollection = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "collection_active",
		Help:      "1 while an evidence collection session is running.",
	})

	CorpusLoadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "corpus_load_failures_total",
		Help:      "Keyword corpus load failures.",
	})

	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Connected WebSocket clients.",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP API requests, by route and status code.",
	}, []string{"route", "code"})
)

func init() {
	prometheus.MustRegister(
		VerdictsTotal,
		AlertsTotal,
		SuppressedVerdictsTotal,
		InvalidInputsTotal,
		CollectionSessionsTotal,
		CaptureFailuresTotal,
		ActiveCollection,
		CorpusLoadFailuresTotal,
		ActiveWebSocketClients,
		HTTPRequestsTotal,
	)
}

// Handler 返回 /metrics 的 HTTP handler。
func Handler() http.Handler {
	return promhttp.Handler()
}
