package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
)

// NodeName ...
var NodeName string // to be initialized on startup or via setter

// UpdateLinkMetrics sets rate and lane count for the current link settings
func UpdateLinkMetrics(display string, current link.Settings) {
	LinkRate.With(prometheus.Labels{"node": NodeName, "display": display}).Set(float64(current.LinkRate))
	LaneCount.With(prometheus.Labels{"node": NodeName, "display": display}).Set(float64(current.LaneCount))
}

// UpdateVerifiedMetrics ...
func UpdateVerifiedMetrics(display string, verified link.Settings) {
	VerifiedBandwidth.With(prometheus.Labels{"node": NodeName, "display": display}).Set(float64(link.Bandwidth(verified)))
}

// UpdateStreamStateMetrics ...
func UpdateStreamStateMetrics(display string, state int) {
	StreamState.With(prometheus.Labels{"node": NodeName, "display": display}).Set(float64(state))
}

// UpdateRetrainIntervalMetrics ...
func UpdateRetrainIntervalMetrics(display string, mean time.Duration) {
	RetrainInterval.With(prometheus.Labels{"node": NodeName, "display": display}).Set(mean.Seconds())
}

// CountTraining ...
func CountTraining(display, result string) {
	TrainingAttempts.With(prometheus.Labels{"node": NodeName, "display": display, "result": result}).Inc()
}

// CountRetrain ...
func CountRetrain(display, kind string) {
	Retrains.With(prometheus.Labels{"node": NodeName, "display": display, "kind": kind}).Inc()
}

// CountInterrupt ...
func CountInterrupt(display, outcome string) {
	Interrupts.With(prometheus.Labels{"node": NodeName, "display": display, "outcome": outcome}).Inc()
}

// DeleteMetrics drops every series of a disconnected display
func DeleteMetrics(display string) {
	labels := prometheus.Labels{"node": NodeName, "display": display}
	LinkRate.Delete(labels)
	LaneCount.Delete(labels)
	VerifiedBandwidth.Delete(labels)
	StreamState.Delete(labels)
	RetrainInterval.Delete(labels)
	TrainingAttempts.DeletePartialMatch(labels)
	Retrains.DeletePartialMatch(labels)
	Interrupts.DeletePartialMatch(labels)
}
