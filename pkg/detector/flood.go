package detector

import (
	"github.com/haolipeng/ddos_detector/pkg/types"
)

// rateFloodDetector 基于基线相对偏差的洪泛检测
//
//	baseRate > 0:  confidence = clamp01((rate/baseRate - 1) / ramp)
//	baseRate == 0: confidence = 0.5 if rate > fallbackRate
type rateFloodDetector struct {
	attack       types.AttackType
	match        func(types.PacketRecord) bool
	baseRate     func(types.Baseline) float64
	ramp         float64
	fallbackRate float64
}

func (d *rateFloodDetector) Name() types.AttackType {
	return d.attack
}

func (d *rateFloodDetector) Score(w Window, baseline types.Baseline) types.DetectorScore {
	zero := types.DetectorScore{AttackType: d.attack}
	if !baseline.Established {
		return zero
	}

	matched := filter(w, d.match)
	if len(matched) == 0 {
		return zero
	}

	elapsed := w.Elapsed()
	if elapsed <= 0 {
		return zero
	}
	rate := float64(len(matched)) / elapsed

	var confidence float64
	if base := d.baseRate(baseline); base > 0 {
		confidence = clamp01((rate/base - 1) / d.ramp)
	} else if rate > d.fallbackRate {
		confidence = 0.5
	}

	return attribute(d.attack, confidence, matched)
}

// NewSYNFloodDetector SYN洪泛：10倍于基线时置信度饱和
func NewSYNFloodDetector() Detector {
	return &rateFloodDetector{
		attack:       types.AttackSYNFlood,
		match:        func(r types.PacketRecord) bool { return r.IsSYN() },
		baseRate:     func(b types.Baseline) float64 { return b.SYNRate },
		ramp:         10,
		fallbackRate: 10,
	}
}

// NewUDPFloodDetector UDP洪泛
func NewUDPFloodDetector() Detector {
	return &rateFloodDetector{
		attack:       types.AttackUDPFlood,
		match:        func(r types.PacketRecord) bool { return r.Protocol == types.ProtocolUDP },
		baseRate:     func(b types.Baseline) float64 { return b.UDPRate },
		ramp:         10,
		fallbackRate: 10,
	}
}

// NewICMPFloodDetector ICMP洪泛，正常ICMP流量接近0，所以斜率更陡
func NewICMPFloodDetector() Detector {
	return &rateFloodDetector{
		attack:       types.AttackICMPFlood,
		match:        func(r types.PacketRecord) bool { return r.Protocol == types.ProtocolICMP },
		baseRate:     func(b types.Baseline) float64 { return b.ICMPRate },
		ramp:         5,
		fallbackRate: 5,
	}
}

// httpFloodRate HTTP/HTTPS 的绝对速率阈值（包/秒）
const httpFloodRate = 20

type httpFloodDetector struct{}

// NewHTTPFloodDetector HTTP/HTTPS洪泛，不依赖基线
func NewHTTPFloodDetector() Detector {
	return httpFloodDetector{}
}

func (httpFloodDetector) Name() types.AttackType {
	return types.AttackHTTPFlood
}

func (httpFloodDetector) Score(w Window, _ types.Baseline) types.DetectorScore {
	zero := types.DetectorScore{AttackType: types.AttackHTTPFlood}

	matched := filter(w, func(r types.PacketRecord) bool {
		if r.TCP == nil {
			return false
		}
		return r.TCP.DstPort == 80 || r.TCP.DstPort == 443
	})
	if len(matched) == 0 {
		return zero
	}

	elapsed := w.Elapsed()
	if elapsed <= 0 {
		return zero
	}

	var confidence float64
	if float64(len(matched))/elapsed > httpFloodRate {
		confidence = 0.5
	}
	return attribute(types.AttackHTTPFlood, confidence, matched)
}
