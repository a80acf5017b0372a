package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PriceUpdatesAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "price_updates_accepted_total", Help: "Accepted price updates by venue"}, []string{"venue"})
	PriceUpdatesDropped  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "price_updates_dropped_total", Help: "Dropped price updates (insignificant or out of order) by venue"}, []string{"venue"})
	FeedReconnects       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Feed reconnects by venue and reason"}, []string{"venue", "reason"})

	DetectionTicks        = prometheus.NewCounter(prometheus.CounterOpts{Name: "detection_ticks_total", Help: "Detector ticks run"})
	DetectionTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "detection_tick_duration_seconds", Help: "Detector tick duration", Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14)})
	OpportunitiesFound    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "opportunities_found_total", Help: "Opportunities found by kind"}, []string{"kind"})
	CyclesRejected        = prometheus.NewCounter(prometheus.CounterOpts{Name: "cycles_rejected_total", Help: "Triangular cycles rejected as implausible"})

	TradesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "trades_completed_total", Help: "Trades finished in Completed state"})
	TradesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "trades_failed_total", Help: "Trades finished in Failed state"})
	LegsSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "legs_submitted_total", Help: "Trade legs submitted to venues"})
	LegsSimulated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "legs_simulated_total", Help: "Trade legs realized from estimates instead of real fills"})
)

// Init registers all engine collectors on a fresh registry.
func Init() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		PriceUpdatesAccepted, PriceUpdatesDropped, FeedReconnects,
		DetectionTicks, DetectionTickDuration, OpportunitiesFound, CyclesRejected,
		TradesCompleted, TradesFailed, LegsSubmitted, LegsSimulated,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		_ = reg.Register(c)
	}
	return reg
}

// Handler returns the exposition handler for the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
