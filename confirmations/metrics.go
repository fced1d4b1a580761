package confirmations

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	redemptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "confirmations_redemptions_total",
		Help: "Total number of completed token redemptions.",
	}, []string{"result", "should_retry"})
	redemptionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "confirmations_redemption_failures_total",
		Help: "Redemption failures by protocol step.",
	}, []string{"state"})
	redemptionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "confirmations_redemption_duration_seconds",
		Help:    "Duration of token redemptions.",
		Buckets: prometheus.DefBuckets,
	})
	unblindedTokensCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "confirmations_unblinded_tokens",
		Help: "Number of unblinded tokens held in a pool.",
	}, []string{"pool"})
	failedConfirmationsCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "confirmations_failed_queue_size",
		Help: "Number of confirmations waiting to be retried.",
	})
)

func init() {
	prometheus.MustRegister(
		redemptionsTotal,
		redemptionFailures,
		redemptionDuration,
		unblindedTokensCount,
		failedConfirmationsCount,
	)
}

func observeRedemption(result Result, shouldRetry bool) {
	redemptionsTotal.WithLabelValues(result.String(), strconv.FormatBool(shouldRetry)).Inc()
}
