package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbsync_pushes_accepted_total",
		Help: "Pushes accepted and assigned a version.",
	})
	pushesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbsync_pushes_rejected_total",
		Help: "Pushes rejected, by reason.",
	}, []string{"reason"})
	pullsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbsync_pulls_served_total",
		Help: "Pull messages built and served.",
	})
	operationsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbsync_operations_committed_total",
		Help: "Operations committed into the server journal via push.",
	})
)
