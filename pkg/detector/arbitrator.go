package detector

import (
	"sync"
	"time"

	"github.com/haolipeng/ddos_detector/pkg/types"
)

// DefaultAttackThreshold 超过该置信度才判定为攻击
const DefaultAttackThreshold = 0.75

// DefaultDetectors 返回固定顺序的检测器集合
// 顺序决定置信度相同时的取舍：syn_flood, udp_flood, icmp_flood, http_flood, port_scan
func DefaultDetectors() []Detector {
	return []Detector{
		NewSYNFloodDetector(),
		NewUDPFloodDetector(),
		NewICMPFloodDetector(),
		NewHTTPFloodDetector(),
		NewPortScanDetector(),
	}
}

// Arbitrator 并发运行所有检测器，挑选置信度最高的结果
type Arbitrator struct {
	detectors []Detector
	threshold float64
}

func NewArbitrator(threshold float64, detectors ...Detector) *Arbitrator {
	if len(detectors) == 0 {
		detectors = DefaultDetectors()
	}
	return &Arbitrator{
		detectors: detectors,
		threshold: threshold,
	}
}

func (a *Arbitrator) Threshold() float64 {
	return a.threshold
}

// Evaluate 对同一个窗口快照扇出所有检测器，全部完成后再仲裁
func (a *Arbitrator) Evaluate(w Window, baseline types.Baseline, now time.Time) types.Verdict {
	scores := make([]types.DetectorScore, len(a.detectors))

	var wg sync.WaitGroup
	for i, d := range a.detectors {
		wg.Add(1)
		go func(i int, d Detector) {
			defer wg.Done()
			scores[i] = d.Score(w, baseline)
		}(i, d)
	}
	wg.Wait()

	verdict := types.Verdict{
		Event:  types.AttackEvent{Timestamp: now},
		Scores: scores,
	}

	var best *types.DetectorScore
	for i := range scores {
		if scores[i].Confidence > 0 && (best == nil || scores[i].Confidence > best.Confidence) {
			best = &scores[i]
		}
	}
	if best == nil {
		return verdict
	}

	verdict.Event.AttackType = best.AttackType
	verdict.Event.Confidence = best.Confidence
	verdict.Event.SourceAddr = best.Source
	verdict.Detected = best.Confidence > a.threshold
	return verdict
}
