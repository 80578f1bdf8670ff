package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	topicsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomchat",
		Subsystem: "realtime",
		Name:      "topics",
		Help:      "Number of topics with at least one subscription.",
	})

	subscriptionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomchat",
		Subsystem: "realtime",
		Name:      "subscriptions",
		Help:      "Number of live hub subscriptions.",
	})

	eventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomchat",
		Subsystem: "realtime",
		Name:      "events_delivered_total",
		Help:      "Events queued to subscribers, by kind.",
	}, []string{"kind"})

	eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomchat",
		Subsystem: "realtime",
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber buffer was full, by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(topicsGauge, subscriptionsGauge, eventsDelivered, eventsDropped)
}
