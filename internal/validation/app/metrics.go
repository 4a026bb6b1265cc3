package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sunat_validator",
			Name:      "items_processed_total",
			Help:      "Total number of queue items processed.",
		},
		[]string{"result"}, // "done" or "error"
	)

	batchDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sunat_validator",
			Name:      "batch_duration_seconds",
			Help:      "Duration of one claim-validate-reconcile batch.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	emptyPollsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sunat_validator",
			Name:      "empty_polls_total",
			Help:      "Poll cycles that found no queued work.",
		},
	)

	authFailuresCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sunat_validator",
			Name:      "auth_failures_total",
			Help:      "Cycles abandoned because no usable token could be acquired.",
		},
	)

	finalSyncRowsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sunat_validator",
			Name:      "final_sync_rows_total",
			Help:      "Downstream invoice rows updated by final sync.",
		},
	)
)
