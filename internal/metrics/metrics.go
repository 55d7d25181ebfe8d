// Package metrics exposes prometheus counters for the receive pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session",
		Subsystem: "receive",
		Name:      "messages_total",
		Help:      "Messages accepted by the receive pipeline, by kind.",
	}, []string{"kind"})

	MessagesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session",
		Subsystem: "receive",
		Name:      "discarded_total",
		Help:      "Messages discarded before handling, by reason.",
	}, []string{"reason"})

	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "session",
		Subsystem: "receive",
		Name:      "failed_total",
		Help:      "Messages whose handling returned an error.",
	})

	BatchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "session",
		Subsystem: "receive",
		Name:      "batches_total",
		Help:      "Receive batches processed.",
	})

	GroupControlApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session",
		Subsystem: "groups",
		Name:      "control_applied_total",
		Help:      "Closed group control messages applied, by kind.",
	}, []string{"kind"})
)

const (
	ReasonDuplicate  = "duplicate"
	ReasonSelfSend   = "self_send"
	ReasonBlocked    = "blocked"
	ReasonOutdated   = "outdated"
	ReasonInvalid    = "invalid"
	ReasonNoThread   = "no_thread"
	ReasonHiddenUser = "hidden_user"
)
