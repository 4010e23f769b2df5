// Package observability holds the Prometheus instruments of the capture engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activityPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "territory_service",
		Subsystem: "capture",
		Name:      "last_activity_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity committed with its territory effects.",
	})

	activitiesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "territory_service",
		Subsystem: "capture",
		Name:      "activities_recorded_total",
		Help:      "Number of activities recorded, labeled by kind.",
	}, []string{"kind"})

	claimOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "territory_service",
		Subsystem: "capture",
		Name:      "cell_claims_total",
		Help:      "Number of cell claims, labeled by outcome (captured, stolen, revisited).",
	}, []string{"outcome"})

	captureDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "territory_service",
		Subsystem: "capture",
		Name:      "duration_seconds",
		Help:      "Time spent recording an activity, retries included.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	milestoneCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "territory_service",
		Subsystem: "capture",
		Name:      "milestones_reached_total",
		Help:      "Number of username-change milestones reached.",
	})

	compensationCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "territory_service",
		Subsystem: "compensation",
		Name:      "activities_deleted_total",
		Help:      "Number of activities deleted with their territory effects reverted.",
	})

	releasedCellsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "territory_service",
		Subsystem: "compensation",
		Name:      "cells_released_total",
		Help:      "Number of cells released by compensation.",
	})

	txConflictCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "territory_service",
		Subsystem: "store",
		Name:      "tx_conflicts_total",
		Help:      "Number of units of work aborted by a concurrent writer, labeled by operation.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		activityPersistGauge,
		activitiesCounter,
		claimOutcomeCounter,
		captureDuration,
		milestoneCounter,
		compensationCounter,
		releasedCellsCounter,
		txConflictCounter,
	)
}

// RecordActivityPersisted updates the persistence watermark gauge.
func RecordActivityPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityPersistGauge.Set(float64(ts.Unix()))
}

// RecordCapture counts one committed capture and its claim outcomes.
func RecordCapture(kind string, captured, stolen, revisited int, elapsed time.Duration) {
	activitiesCounter.WithLabelValues(kind).Inc()
	claimOutcomeCounter.WithLabelValues("captured").Add(float64(captured))
	claimOutcomeCounter.WithLabelValues("stolen").Add(float64(stolen))
	claimOutcomeCounter.WithLabelValues("revisited").Add(float64(revisited))
	captureDuration.Observe(elapsed.Seconds())
}

// RecordMilestone counts a milestone crossing.
func RecordMilestone() {
	milestoneCounter.Inc()
}

// RecordCompensation counts a committed activity deletion.
func RecordCompensation(released int) {
	compensationCounter.Inc()
	releasedCellsCounter.Add(float64(released))
}

// RecordTxConflict counts a conflicted unit of work.
func RecordTxConflict(op string) {
	txConflictCounter.WithLabelValues(op).Inc()
}
