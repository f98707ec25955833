package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ddos_detector"

// EngineMetrics 检测引擎的 Prometheus 指标，nil 接收者上的方法都是空操作
type EngineMetrics struct {
	packetsTotal       *prometheus.CounterVec
	packetsDropped     *prometheus.CounterVec
	windowsAnalyzed    prometheus.Counter
	windowsSkipped     prometheus.Counter
	attacksDetected    *prometheus.CounterVec
	sourcesBlocked     prometheus.Counter
	detectorConfidence *prometheus.GaugeVec
	dispatchFailures   *prometheus.CounterVec
	trackedSources     prometheus.Gauge
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		packetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Packet records ingested by the detection engine",
		}, []string{"protocol"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packet records dropped before analysis",
		}, []string{"reason"}),
		windowsAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_analyzed_total",
			Help:      "Analysis windows evaluated by the detector ensemble",
		}),
		windowsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_skipped_total",
			Help:      "Analysis windows skipped because they spanned no time",
		}),
		attacksDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attacks_detected_total",
			Help:      "Windows classified as an attack",
		}, []string{"attack_type"}),
		sourcesBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_blocked_total",
			Help:      "Source addresses added to the blocked set",
		}),
		detectorConfidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detector_confidence",
			Help:      "Confidence reported by each detector for the last window",
		}, []string{"attack_type"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Failed or dropped mitigation side effects",
		}, []string{"action"}),
		trackedSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_sources",
			Help:      "Distinct source addresses in the statistics table",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.packetsTotal,
			m.packetsDropped,
			m.windowsAnalyzed,
			m.windowsSkipped,
			m.attacksDetected,
			m.sourcesBlocked,
			m.detectorConfidence,
			m.dispatchFailures,
			m.trackedSources,
		)
	}
	return m
}

func (m *EngineMetrics) ObservePacket(protocol string) {
	if m == nil {
		return
	}
	m.packetsTotal.WithLabelValues(protocol).Inc()
}

func (m *EngineMetrics) ObserveDropped(reason string) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(reason).Inc()
}

func (m *EngineMetrics) ObserveWindow(scores map[string]float64) {
	if m == nil {
		return
	}
	m.windowsAnalyzed.Inc()
	for attack, confidence := range scores {
		m.detectorConfidence.WithLabelValues(attack).Set(confidence)
	}
}

func (m *EngineMetrics) ObserveSkippedWindow() {
	if m == nil {
		return
	}
	m.windowsSkipped.Inc()
}

func (m *EngineMetrics) ObserveAttack(attackType string) {
	if m == nil {
		return
	}
	m.attacksDetected.WithLabelValues(attackType).Inc()
}

func (m *EngineMetrics) ObserveBlocked() {
	if m == nil {
		return
	}
	m.sourcesBlocked.Inc()
}

func (m *EngineMetrics) ObserveDispatchFailure(action string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(action).Inc()
}

func (m *EngineMetrics) SetTrackedSources(n int) {
	if m == nil {
		return
	}
	m.trackedSources.Set(float64(n))
}
