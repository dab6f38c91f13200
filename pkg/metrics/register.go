package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registerMetrics sync.Once

const (
	// DPNamespace ...
	DPNamespace = "dplink"
	// LinkSubsystem ...
	LinkSubsystem = "link"
)

var (
	// LinkRate is the LINK_BW code the link currently runs at, 0 when down.
	LinkRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: DPNamespace,
			Subsystem: LinkSubsystem,
			Name:      "rate",
			Help:      "0 = down, 6 = RBR, 10 = HBR, 12 = RBR2, 20 = HBR2",
		}, []string{"node", "display"})

	// LaneCount ...
	LaneCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: DPNamespace,
			Subsystem: LinkSubsystem,
			Name:      "lane_count",
			Help:      "active main-link lanes, 0 when down",
		}, []string{"node", "display"})

	// VerifiedBandwidth ...
	VerifiedBandwidth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: DPNamespace,
			Subsystem: LinkSubsystem,
			Name:      "verified_bandwidth_kbps",
			Help:      "payload bandwidth of the verified link settings",
		}, []string{"node", "display"})

	// StreamState ...
	StreamState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: DPNamespace,
			Subsystem: LinkSubsystem,
			Name:      "stream_state",
			Help:      "0 = DISABLED, 1 = ENABLING, 2 = ACTIVE, 3 = RETRAINING, 4 = POWER_SAVE, 5 = DISABLING",
		}, []string{"node", "display"})

	// RetrainInterval is the mean time between recent retrains of a link.
	RetrainInterval = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: DPNamespace,
			Subsystem: LinkSubsystem,
			Name:      "retrain_interval_seconds",
			Help:      "mean seconds between the retrains in the flap detection window",
		}, []string{"node", "display"})

	// TrainingAttempts counts training attempts by result.
	TrainingAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: DPNamespace,
			Subsystem: LinkSubsystem,
			Name:      "training_attempts_total",
			Help:      "",
		}, []string{"node", "display", "result"})

	// Retrains counts retrains by kind (cheap, reprobe, flap).
	Retrains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: DPNamespace,
			Subsystem: LinkSubsystem,
			Name:      "retrain_total",
			Help:      "",
		}, []string{"node", "display", "kind"})

	// Interrupts counts sink interrupts by outcome.
	Interrupts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: DPNamespace,
			Subsystem: LinkSubsystem,
			Name:      "irq_total",
			Help:      "",
		}, []string{"node", "display", "outcome"})
)

// RegisterMetrics registers all the metrics with Prometheus
func RegisterMetrics(nodeName string) {
	registerMetrics.Do(func() {
		prometheus.MustRegister(LinkRate)
		prometheus.MustRegister(LaneCount)
		prometheus.MustRegister(VerifiedBandwidth)
		prometheus.MustRegister(StreamState)
		prometheus.MustRegister(RetrainInterval)
		prometheus.MustRegister(TrainingAttempts)
		prometheus.MustRegister(Retrains)
		prometheus.MustRegister(Interrupts)

		// Including these stats kills performance when Prometheus polls with multiple targets
		prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prometheus.Unregister(collectors.NewGoCollector())

		NodeName = nodeName
	})
}
