// Package detector 实现五类洪泛/扫描检测器以及置信度仲裁
package detector

import (
	"net/netip"

	"github.com/haolipeng/ddos_detector/pkg/types"
)

// Window 一个分析周期的只读快照，按到达顺序排列
type Window []types.PacketRecord

// Elapsed 返回窗口首尾记录之间的秒数，乱序时可能为负
func (w Window) Elapsed() float64 {
	if len(w) < 2 {
		return 0
	}
	return w[len(w)-1].Timestamp.Sub(w[0].Timestamp).Seconds()
}

// Detector 检测器能力接口，实现必须是纯函数，不得修改窗口
type Detector interface {
	Name() types.AttackType
	Score(w Window, baseline types.Baseline) types.DetectorScore
}

// attributionRatio 来源归因阈值：超过一半的包来自同一地址
const attributionRatio = 0.5

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// mostCommonSource 返回出现次数最多的来源地址及其占比，次数相同时取窗口中先出现的
func mostCommonSource(records []types.PacketRecord) (netip.Addr, float64) {
	if len(records) == 0 {
		return netip.Addr{}, 0
	}

	counts := make(map[netip.Addr]int)
	var best netip.Addr
	bestCount := 0
	for _, r := range records {
		counts[r.SrcAddr]++
	}
	for _, r := range records {
		if c := counts[r.SrcAddr]; c > bestCount {
			best, bestCount = r.SrcAddr, c
		}
	}
	return best, float64(bestCount) / float64(len(records))
}

// attribute 置信度大于0时尝试归因到单一来源
func attribute(attack types.AttackType, confidence float64, records []types.PacketRecord) types.DetectorScore {
	score := types.DetectorScore{AttackType: attack, Confidence: clamp01(confidence)}
	if score.Confidence <= 0 {
		return score
	}

	src, ratio := mostCommonSource(records)
	if ratio > attributionRatio {
		score.Confidence = clamp01(score.Confidence * ratio)
		score.Source = src
	}
	return score
}

func filter(w Window, match func(types.PacketRecord) bool) []types.PacketRecord {
	var out []types.PacketRecord
	for _, r := range w {
		if match(r) {
			out = append(out, r)
		}
	}
	return out
}
