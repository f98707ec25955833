package engine

import (
	"fmt"

	"github.com/haolipeng/ddos_detector/pkg/detector"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

// Counters 全局协议计数
type Counters struct {
	Total uint64 `json:"total_packets"`
	SYN   uint64 `json:"syn_packets"`
	UDP   uint64 `json:"udp_packets"`
	ICMP  uint64 `json:"icmp_packets"`
	HTTP  uint64 `json:"http_packets"`
	HTTPS uint64 `json:"https_packets"`
}

func (c *Counters) Observe(rec types.PacketRecord) {
	c.Total++
	switch rec.Protocol {
	case types.ProtocolTCP:
		if rec.IsSYN() {
			c.SYN++
		}
		switch rec.TCP.DstPort {
		case 80:
			c.HTTP++
		case 443:
			c.HTTPS++
		}
	case types.ProtocolUDP:
		c.UDP++
	case types.ProtocolICMP:
		c.ICMP++
	}
}

// BaselineEstimator 一次性基线估计，建立后不再更新
type BaselineEstimator struct {
	minPackets uint64
	baseline   types.Baseline
}

// NewBaselineEstimator 全局包数超过 minPackets 后才尝试建立基线
func NewBaselineEstimator(minPackets uint64) *BaselineEstimator {
	return &BaselineEstimator{minPackets: minPackets}
}

func (b *BaselineEstimator) Established() bool {
	return b.baseline.Established
}

func (b *BaselineEstimator) Baseline() types.Baseline {
	return b.baseline
}

// Observe 用当前窗口的时间跨度换算全局计数得到基线速率
// 返回 true 表示本次刚刚建立基线；窗口时间跨度不为正时返回 ErrZeroElapsed，下个窗口重试
func (b *BaselineEstimator) Observe(window []types.PacketRecord, counters Counters) (bool, error) {
	if b.baseline.Established || counters.Total <= b.minPackets {
		return false, nil
	}

	elapsed := detector.Window(window).Elapsed()
	if elapsed <= 0 {
		return false, fmt.Errorf("%w: baseline deferred (%.3fs)", types.ErrZeroElapsed, elapsed)
	}

	b.baseline = types.Baseline{
		Established: true,
		PacketRate:  float64(len(window)) / elapsed,
		SYNRate:     float64(counters.SYN) / elapsed,
		UDPRate:     float64(counters.UDP) / elapsed,
		ICMPRate:    float64(counters.ICMP) / elapsed,
	}
	return true, nil
}
