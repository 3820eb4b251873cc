package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BidsSubmittedTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_bidding", Name: "bids_submitted_total", Help: "Total initial bids submitted"})
	CounterOffersTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_bidding", Name: "counter_offers_total", Help: "Total counter-offer rounds recorded"})
	AcceptsTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_bidding", Name: "accepts_total", Help: "Total bids accepted"})
	WithdrawalsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_bidding", Name: "withdrawals_total", Help: "Total bids withdrawn"})
	PaymentFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_bidding", Name: "payment_failures_total", Help: "Total declined settlement charges"})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_bidding",
		Name:      "settlement_latency_seconds",
		Help:      "Charge round-trip latency seconds",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_bidding", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_bidding",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
