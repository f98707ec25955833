package engine

import (
	"time"
)

// HistorySeries 对齐的三条时间序列，从旧到新排列
type HistorySeries struct {
	Timestamps []time.Time `json:"timestamps"`
	Normal     []uint64    `json:"normal"`
	Attack     []uint64    `json:"attack"`
}

// TrafficHistory 正常/攻击流量的粗粒度滚动序列
// attack 是近期活跃的可疑来源数，normal 是总包数减去它，只用于展示
type TrafficHistory struct {
	timestamps *ring[time.Time]
	normal     *ring[uint64]
	attack     *ring[uint64]
}

func NewTrafficHistory(capacity int) *TrafficHistory {
	return &TrafficHistory{
		timestamps: newRing[time.Time](capacity),
		normal:     newRing[uint64](capacity),
		attack:     newRing[uint64](capacity),
	}
}

func (h *TrafficHistory) Append(ts time.Time, normal, attack uint64) {
	h.timestamps.Push(ts)
	h.normal.Push(normal)
	h.attack.Push(attack)
}

func (h *TrafficHistory) Len() int {
	return h.timestamps.Len()
}

func (h *TrafficHistory) Series() HistorySeries {
	return HistorySeries{
		Timestamps: h.timestamps.Slice(),
		Normal:     h.normal.Slice(),
		Attack:     h.attack.Slice(),
	}
}

func (h *TrafficHistory) Reset() {
	h.timestamps.Reset()
	h.normal.Reset()
	h.attack.Reset()
}
