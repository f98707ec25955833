package engine

import (
	"net/netip"
	"sort"
	"time"

	"github.com/haolipeng/ddos_detector/pkg/types"
)

// SourceStats 单个来源地址的累计统计
type SourceStats struct {
	PacketCount   uint64
	SYNCount      uint64
	LastSeen      time.Time
	PortsTargeted map[uint16]struct{}
	PacketSizes   *ring[int]
	IsBlocked     bool
}

// SourceSummary SourceStats 的只读视图，用于对外展示
type SourceSummary struct {
	Addr          netip.Addr `json:"source_ip"`
	PacketCount   uint64     `json:"packet_count"`
	SYNCount      uint64     `json:"syn_count"`
	LastSeen      time.Time  `json:"last_seen"`
	PortsTargeted int        `json:"ports_targeted"`
	AvgPacketSize float64    `json:"avg_packet_size"`
	IsBlocked     bool       `json:"is_blocked"`
}

// SourceTable 按来源地址维护统计，非并发安全，由 Engine 加锁保护
type SourceTable struct {
	entries     map[netip.Addr]*SourceStats
	sizeSamples int
}

func NewSourceTable(sizeSamples int) *SourceTable {
	return &SourceTable{
		entries:     make(map[netip.Addr]*SourceStats),
		sizeSamples: sizeSamples,
	}
}

// Record 首次见到来源时创建条目，之后每条记录更新一次
func (t *SourceTable) Record(rec types.PacketRecord) {
	s, ok := t.entries[rec.SrcAddr]
	if !ok {
		s = &SourceStats{
			PortsTargeted: make(map[uint16]struct{}),
			PacketSizes:   newRing[int](t.sizeSamples),
		}
		t.entries[rec.SrcAddr] = s
	}

	s.PacketCount++
	if rec.IsSYN() {
		s.SYNCount++
	}
	if port, ok := rec.DstPort(); ok {
		s.PortsTargeted[port] = struct{}{}
	}
	s.PacketSizes.Push(rec.Size)
	s.LastSeen = rec.Timestamp
}

func (t *SourceTable) Get(addr netip.Addr) (*SourceStats, bool) {
	s, ok := t.entries[addr]
	return s, ok
}

// MarkBlocked 仅对已存在的条目生效
func (t *SourceTable) MarkBlocked(addr netip.Addr) {
	if s, ok := t.entries[addr]; ok {
		s.IsBlocked = true
	}
}

func (t *SourceTable) Len() int {
	return len(t.entries)
}

// Evict 删除 LastSeen 早于 before 的条目，返回删除数量
func (t *SourceTable) Evict(before time.Time) int {
	removed := 0
	for addr, s := range t.entries {
		if s.LastSeen.Before(before) {
			delete(t.entries, addr)
			removed++
		}
	}
	return removed
}

func (t *SourceTable) Reset() {
	t.entries = make(map[netip.Addr]*SourceStats)
}

// Summary 返回指定来源的只读视图
func (t *SourceTable) Summary(addr netip.Addr) (SourceSummary, bool) {
	s, ok := t.entries[addr]
	if !ok {
		return SourceSummary{}, false
	}
	return summarize(addr, s), true
}

// Top 按包数降序返回最活跃的n个来源
func (t *SourceTable) Top(n int) []SourceSummary {
	out := make([]SourceSummary, 0, len(t.entries))
	for addr, s := range t.entries {
		out = append(out, summarize(addr, s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PacketCount != out[j].PacketCount {
			return out[i].PacketCount > out[j].PacketCount
		}
		return out[i].Addr.Less(out[j].Addr)
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func summarize(addr netip.Addr, s *SourceStats) SourceSummary {
	sum := SourceSummary{
		Addr:          addr,
		PacketCount:   s.PacketCount,
		SYNCount:      s.SYNCount,
		LastSeen:      s.LastSeen,
		PortsTargeted: len(s.PortsTargeted),
		IsBlocked:     s.IsBlocked,
	}
	if sizes := s.PacketSizes.Slice(); len(sizes) > 0 {
		total := 0
		for _, v := range sizes {
			total += v
		}
		sum.AvgPacketSize = float64(total) / float64(len(sizes))
	}
	return sum
}
