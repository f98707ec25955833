package metrics

import (
	"sync/atomic"
	"time"
)

type ProcessorMetrics struct {
	ProcessedPackets uint64
	DroppedPackets   uint64
	ProcessingTime   uint64 // 纳秒
	VerdictsEmitted  uint64 // 窗口分析结果数
	AttacksDetected  uint64 // 判定为攻击的窗口数
}

func (m *ProcessorMetrics) IncrementProcessed() {
	atomic.AddUint64(&m.ProcessedPackets, 1)
}

func (m *ProcessorMetrics) IncrementDropped() {
	atomic.AddUint64(&m.DroppedPackets, 1)
}

func (m *ProcessorMetrics) IncrementVerdicts() {
	atomic.AddUint64(&m.VerdictsEmitted, 1)
}

func (m *ProcessorMetrics) IncrementAttacks() {
	atomic.AddUint64(&m.AttacksDetected, 1)
}

func (m *ProcessorMetrics) AddProcessingTime(duration time.Duration) {
	atomic.AddUint64(&m.ProcessingTime, uint64(duration.Nanoseconds()))
}

type SourceMetrics struct {
	PacketsCaptured uint64
	PacketsDropped  uint64
	BytesProcessed  uint64
	ErrorCount      uint64
}

func (m *SourceMetrics) IncrementErrorCount() {
	atomic.AddUint64(&m.ErrorCount, 1)
}

func (m *SourceMetrics) IncrementPacketsDropped() {
	atomic.AddUint64(&m.PacketsDropped, 1)
}

type SinkMetrics struct {
	AlertsReceived uint64
	NotifyErrors   uint64
}

func (m *SinkMetrics) IncrementAlerts() {
	atomic.AddUint64(&m.AlertsReceived, 1)
}

func (m *SinkMetrics) IncrementNotifyErrors() {
	atomic.AddUint64(&m.NotifyErrors, 1)
}

// GetStats 性能指标快照
func (m *ProcessorMetrics) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"processed_packets": atomic.LoadUint64(&m.ProcessedPackets),
		"dropped_packets":   atomic.LoadUint64(&m.DroppedPackets),
		"processing_time":   atomic.LoadUint64(&m.ProcessingTime),
		"verdicts_emitted":  atomic.LoadUint64(&m.VerdictsEmitted),
		"attacks_detected":  atomic.LoadUint64(&m.AttacksDetected),
		"avg_process_time": float64(atomic.LoadUint64(&m.ProcessingTime)) /
			float64(atomic.LoadUint64(&m.ProcessedPackets)+1),
	}
}

// IncrementPacketsCaptured 增加捕获的数据包计数
func (m *SourceMetrics) IncrementPacketsCaptured() {
	atomic.AddUint64(&m.PacketsCaptured, 1)
}

// AddBytesProcessed 增加处理的字节数
func (m *SourceMetrics) AddBytesProcessed(bytes uint64) {
	atomic.AddUint64(&m.BytesProcessed, bytes)
}
