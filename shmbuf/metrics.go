package shmbuf

import "github.com/prometheus/client_golang/prometheus"

var (
	pushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shmbuf_pushes_total",
		Help: "Total number of published ring slots.",
	})
	pushesFullTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shmbuf_pushes_full_total",
		Help: "Total number of pushes rejected because the ring was full.",
	})
	droppedRangesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shmbuf_dropped_ranges_total",
		Help: "Total number of dropped-range notifications.",
	})
	auxAllocTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shmbuf_aux_allocations_total",
		Help: "Total number of auxiliary segments created.",
	})
	auxReuseTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shmbuf_aux_reuses_total",
		Help: "Total number of auxiliary segments recycled.",
	})
	attachRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shmbuf_attach_retries_total",
		Help: "Total number of failed attach attempts.",
	})
)

func init() {
	prometheus.MustRegister(
		pushesTotal,
		pushesFullTotal,
		droppedRangesTotal,
		auxAllocTotal,
		auxReuseTotal,
		attachRetriesTotal,
	)
}
