package room

import "github.com/prometheus/client_golang/prometheus"

var (
	framesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room",
		Name:      "frames_dispatched_total",
		Help:      "Frames handed to a handler, by kind.",
	}, []string{"kind"})

	framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped before reaching a handler, by reason.",
	}, []string{"reason"})

	sendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "room",
		Name:      "send_errors_total",
		Help:      "Failed sends to a single recipient.",
	})

	roleGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "room",
		Name:      "role",
		Help:      "Current role: 0 unresolved, 1 primary, 2 backup, 3 member.",
	})

	historyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "room",
		Name:      "history_messages",
		Help:      "Messages in the local history.",
	})
)

func init() {
	prometheus.MustRegister(framesDispatched, framesDropped, sendErrors, roleGauge, historyGauge)
}
