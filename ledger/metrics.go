package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	signedTokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_signed_tokens_total",
		Help: "Total number of confirmation tokens signed.",
	})
	confirmationsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_confirmations_total",
		Help: "Total number of confirmations accepted by type.",
	}, []string{"type"})
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
)

func init() {
	prometheus.MustRegister(signedTokensIssued, confirmationsCreated, requestsTotal)
}
