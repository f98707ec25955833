package detector

import (
	"net/netip"

	"github.com/haolipeng/ddos_detector/pkg/types"
)

const (
	scanMinPackets    = 5
	scanMinPorts      = 10
	scanSaturatePorts = 50
)

type portScanDetector struct{}

// NewPortScanDetector 端口扫描：同一来源在窗口内命中大量不同目的端口
func NewPortScanDetector() Detector {
	return portScanDetector{}
}

func (portScanDetector) Name() types.AttackType {
	return types.AttackPortScan
}

type scanCounter struct {
	packets int
	ports   map[uint16]struct{}
}

func (portScanDetector) Score(w Window, _ types.Baseline) types.DetectorScore {
	best := types.DetectorScore{AttackType: types.AttackPortScan}
	// 没有时间跨度的窗口视为退化窗口，与其他检测器保持一致
	if w.Elapsed() <= 0 {
		return best
	}

	// 按首次出现顺序记录来源，保证置信度相同时结果确定
	order := make([]netip.Addr, 0)
	bySource := make(map[netip.Addr]*scanCounter)
	for _, r := range w {
		port, ok := r.DstPort()
		if !ok {
			continue
		}
		c, exists := bySource[r.SrcAddr]
		if !exists {
			c = &scanCounter{ports: make(map[uint16]struct{})}
			bySource[r.SrcAddr] = c
			order = append(order, r.SrcAddr)
		}
		c.packets++
		c.ports[port] = struct{}{}
	}

	for _, src := range order {
		c := bySource[src]
		if c.packets < scanMinPackets {
			continue
		}
		distinct := len(c.ports)
		if distinct <= scanMinPorts {
			continue
		}

		portRatio := float64(distinct) / float64(c.packets)
		confidence := clamp01(portRatio * float64(distinct) / scanSaturatePorts)
		if confidence > best.Confidence {
			best.Confidence = confidence
			best.Source = src
		}
	}
	return best
}
