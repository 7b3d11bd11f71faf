package channelfactory

import "github.com/prometheus/client_golang/prometheus"

var (
	channelsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "channelfactory",
		Name:      "channels_opened_total",
		Help:      "Extended mining channels opened, across all factories in this process.",
	})

	prevHashEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "channelfactory",
		Name:      "prev_hash_events_total",
		Help:      "SetNewPrevHash events processed.",
	})

	jobsFannedOutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "channelfactory",
		Name:      "jobs_fanned_out_total",
		Help:      "NewExtendedMiningJob messages accepted for fan-out to the open channels.",
	})

	sharesClassifiedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "channelfactory",
		Name:      "shares_classified_total",
		Help:      "Submitted shares classified by the target tier they met.",
	}, []string{"outcome"})

	negotiatedJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "channelfactory",
		Name:      "negotiated_jobs_total",
		Help:      "SetCustomMiningJob messages accepted from a downstream job declarator.",
	})
)

func init() {
	prometheus.MustRegister(
		channelsOpenedTotal,
		prevHashEventsTotal,
		jobsFannedOutTotal,
		sharesClassifiedTotal,
		negotiatedJobsTotal,
	)
}
