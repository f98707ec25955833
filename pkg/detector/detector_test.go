package detector

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/ddos_detector/pkg/types"
)

var (
	t0      = time.Date(2024, 3, 18, 15, 30, 0, 0, time.UTC)
	srcA    = netip.MustParseAddr("10.0.0.1")
	srcB    = netip.MustParseAddr("10.0.0.2")
	target  = netip.MustParseAddr("192.168.1.10")
	noSrc   = netip.Addr{}
	epsilon = 1e-9
)

// spread 将n个包均匀分布在span时间内，首包t0，末包t0+span
func spread(i, n int, span time.Duration) time.Time {
	if n <= 1 {
		return t0
	}
	return t0.Add(time.Duration(i) * span / time.Duration(n-1))
}

func hostAddr(i int) netip.Addr {
	return netip.AddrFrom4([4]byte{172, 16, byte(i / 250), byte(i%250 + 1)})
}

func tcp(ts time.Time, src netip.Addr, dstPort uint16, flags types.TCPFlags) types.PacketRecord {
	return types.NewTCPRecord(ts, 60, src, target, types.TCPFields{SrcPort: 40000, DstPort: dstPort, Flags: flags})
}

func udp(ts time.Time, src netip.Addr, dstPort uint16) types.PacketRecord {
	return types.NewUDPRecord(ts, 512, src, target, types.UDPFields{SrcPort: 40000, DstPort: dstPort})
}

func icmp(ts time.Time, src netip.Addr) types.PacketRecord {
	return types.NewICMPRecord(ts, 84, src, target, types.ICMPFields{Type: 8})
}

// synFloodWindow 100个TCP包，其中85个来自A的SYN包，窗口跨度1秒
func synFloodWindow() Window {
	w := make(Window, 0, 100)
	for i := 0; i < 100; i++ {
		ts := spread(i, 100, time.Second)
		if i < 85 {
			w = append(w, tcp(ts, srcA, 8080, types.FlagSYN))
		} else {
			w = append(w, tcp(ts, hostAddr(i), 22, types.FlagACK))
		}
	}
	return w
}

func TestSYNFloodScenario(t *testing.T) {
	w := synFloodWindow()
	baseline := types.Baseline{Established: true, SYNRate: 1}

	score := NewSYNFloodDetector().Score(w, baseline)
	assert.InDelta(t, 1.0, score.Confidence, epsilon)
	assert.Equal(t, srcA, score.Source)

	verdict := NewArbitrator(DefaultAttackThreshold).Evaluate(w, baseline, t0)
	assert.True(t, verdict.Detected)
	assert.Equal(t, types.AttackSYNFlood, verdict.Event.AttackType)
	assert.InDelta(t, 1.0, verdict.Event.Confidence, epsilon)
	assert.Equal(t, srcA, verdict.Event.SourceAddr)
	assert.Len(t, verdict.Scores, 5)
}

func TestUDPFloodWithoutDominantSource(t *testing.T) {
	w := make(Window, 0, 100)
	for i := 0; i < 100; i++ {
		w = append(w, udp(spread(i, 100, time.Second), hostAddr(i%50), 53))
	}
	baseline := types.Baseline{Established: true}

	score := NewUDPFloodDetector().Score(w, baseline)
	assert.InDelta(t, 0.5, score.Confidence, epsilon)
	assert.False(t, score.Source.IsValid())

	verdict := NewArbitrator(DefaultAttackThreshold).Evaluate(w, baseline, t0)
	assert.False(t, verdict.Detected)
	assert.Equal(t, types.AttackUDPFlood, verdict.Event.AttackType)
	assert.False(t, verdict.Event.HasSource())
}

func TestPortScanScenarios(t *testing.T) {
	testCases := []struct {
		name     string
		packets  int
		ports    int
		expected float64
		detected bool
	}{
		{name: "20个包15个端口", packets: 20, ports: 15, expected: 0.225, detected: false},
		{name: "60个包55个端口", packets: 60, ports: 55, expected: 1.0, detected: true},
		{name: "端口数不超过10", packets: 40, ports: 10, expected: 0, detected: false},
		{name: "包数少于5", packets: 4, ports: 4, expected: 0, detected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := make(Window, 0, tc.packets)
			for i := 0; i < tc.packets; i++ {
				port := uint16(1000 + i%tc.ports)
				w = append(w, tcp(spread(i, tc.packets, 2*time.Second), srcB, port, types.FlagSYN))
			}

			score := NewPortScanDetector().Score(w, types.Baseline{})
			assert.InDelta(t, tc.expected, score.Confidence, 1e-6)
			if tc.expected > 0 {
				assert.Equal(t, srcB, score.Source)
			}

			verdict := NewArbitrator(DefaultAttackThreshold).Evaluate(w, types.Baseline{}, t0)
			assert.Equal(t, tc.detected, verdict.Detected)
			if tc.detected {
				assert.Equal(t, types.AttackPortScan, verdict.Event.AttackType)
				assert.Equal(t, srcB, verdict.Event.SourceAddr)
			}
		})
	}
}

func TestPortScanPicksStrongestSource(t *testing.T) {
	var w Window
	for i := 0; i < 30; i++ {
		w = append(w, udp(spread(i, 60, time.Second), srcA, uint16(2000+i%12)))
		w = append(w, udp(spread(i+30, 60, time.Second), srcB, uint16(3000+i)))
	}
	score := NewPortScanDetector().Score(w, types.Baseline{})
	assert.Equal(t, srcB, score.Source)
	assert.InDelta(t, 0.6, score.Confidence, 1e-6)
}

func TestICMPRampIsSteeper(t *testing.T) {
	var icmpWindow, synWindow Window
	for i := 0; i < 100; i++ {
		ts := spread(i, 100, 5*time.Second)
		icmpWindow = append(icmpWindow, icmp(ts, srcA))
		synWindow = append(synWindow, tcp(ts, srcA, 8080, types.FlagSYN))
	}
	// 实际速率 100/5 = 20，基线 10，相对偏差为1
	baseline := types.Baseline{Established: true, SYNRate: 10, ICMPRate: 10}

	assert.InDelta(t, 0.2, NewICMPFloodDetector().Score(icmpWindow, baseline).Confidence, epsilon)
	assert.InDelta(t, 0.1, NewSYNFloodDetector().Score(synWindow, baseline).Confidence, epsilon)
}

func TestFloodDetectorsFallbackWithoutBaselineRate(t *testing.T) {
	testCases := []struct {
		name     string
		detector Detector
		record   func(ts time.Time) types.PacketRecord
		span     time.Duration
		expected float64
	}{
		{
			name:     "ICMP速率6超过阈值5",
			detector: NewICMPFloodDetector(),
			record:   func(ts time.Time) types.PacketRecord { return icmp(ts, srcA) },
			span:     time.Duration(float64(99) / 6 * float64(time.Second)),
			expected: 0.5,
		},
		{
			name:     "SYN速率低于阈值10",
			detector: NewSYNFloodDetector(),
			record:   func(ts time.Time) types.PacketRecord { return tcp(ts, srcA, 8080, types.FlagSYN) },
			span:     20 * time.Second,
			expected: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var w Window
			for i := 0; i < 100; i++ {
				w = append(w, tc.record(spread(i, 100, tc.span)))
			}
			score := tc.detector.Score(w, types.Baseline{Established: true})
			assert.InDelta(t, tc.expected, score.Confidence, 1e-6)
		})
	}
}

func TestFloodDetectorsRequireBaseline(t *testing.T) {
	w := synFloodWindow()
	for _, d := range []Detector{NewSYNFloodDetector(), NewUDPFloodDetector(), NewICMPFloodDetector()} {
		assert.Zero(t, d.Score(w, types.Baseline{}).Confidence, d.Name())
	}
}

func TestRateBelowBaselineClampsToZero(t *testing.T) {
	score := NewSYNFloodDetector().Score(synFloodWindow(), types.Baseline{Established: true, SYNRate: 1000})
	assert.Zero(t, score.Confidence)
	assert.False(t, score.Source.IsValid())
}

func TestHTTPFloodDetector(t *testing.T) {
	var w Window
	for i := 0; i < 100; i++ {
		port := uint16(80)
		if i%2 == 1 {
			port = 443
		}
		w = append(w, tcp(spread(i, 100, time.Second), srcA, port, types.FlagACK|types.FlagPSH))
	}
	score := NewHTTPFloodDetector().Score(w, types.Baseline{})
	assert.InDelta(t, 0.5, score.Confidence, epsilon)
	assert.Equal(t, srcA, score.Source)

	// UDP 80/443 不计入
	var udpWindow Window
	for i := 0; i < 100; i++ {
		udpWindow = append(udpWindow, udp(spread(i, 100, time.Second), srcA, 443))
	}
	assert.Zero(t, NewHTTPFloodDetector().Score(udpWindow, types.Baseline{}).Confidence)
}

func TestZeroElapsedWindowScoresZero(t *testing.T) {
	var w Window
	for i := 0; i < 100; i++ {
		switch i % 4 {
		case 0:
			w = append(w, tcp(t0, srcA, uint16(i), types.FlagSYN))
		case 1:
			w = append(w, udp(t0, srcA, uint16(i)))
		case 2:
			w = append(w, icmp(t0, srcA))
		default:
			w = append(w, tcp(t0, srcA, 80, types.FlagACK))
		}
	}
	baseline := types.Baseline{Established: true, SYNRate: 1, UDPRate: 1, ICMPRate: 1}

	for _, d := range DefaultDetectors() {
		assert.Zero(t, d.Score(w, baseline).Confidence, d.Name())
	}
	verdict := NewArbitrator(DefaultAttackThreshold).Evaluate(w, baseline, t0)
	assert.False(t, verdict.Detected)

	// 时间倒序同样不能产生评分
	reversed := Window{tcp(t0.Add(time.Second), srcA, 80, types.FlagSYN), tcp(t0, srcA, 80, types.FlagSYN)}
	for _, d := range DefaultDetectors() {
		assert.Zero(t, d.Score(reversed, baseline).Confidence, d.Name())
	}
}

func TestConfidenceAlwaysWithinUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 200; round++ {
		var w Window
		ts := t0
		for i := 0; i < 100; i++ {
			ts = ts.Add(time.Duration(rng.IntN(50)) * time.Millisecond)
			src := hostAddr(rng.IntN(4))
			switch rng.IntN(3) {
			case 0:
				w = append(w, tcp(ts, src, uint16(rng.IntN(100)), types.TCPFlags(rng.IntN(64))))
			case 1:
				w = append(w, udp(ts, src, uint16(rng.IntN(100))))
			default:
				w = append(w, icmp(ts, src))
			}
		}
		baseline := types.Baseline{
			Established: rng.IntN(2) == 0,
			SYNRate:     rng.Float64() * 5,
			UDPRate:     rng.Float64() * 5,
			ICMPRate:    rng.Float64() * 5,
		}

		for _, d := range DefaultDetectors() {
			c := d.Score(w, baseline).Confidence
			require.GreaterOrEqual(t, c, 0.0, fmt.Sprintf("round %d %s", round, d.Name()))
			require.LessOrEqual(t, c, 1.0, fmt.Sprintf("round %d %s", round, d.Name()))
		}
	}
}

type fixedDetector struct {
	name  types.AttackType
	score float64
	src   netip.Addr
}

func (f fixedDetector) Name() types.AttackType { return f.name }

func (f fixedDetector) Score(Window, types.Baseline) types.DetectorScore {
	return types.DetectorScore{AttackType: f.name, Confidence: f.score, Source: f.src}
}

func TestArbitratorTieKeepsFirstDetector(t *testing.T) {
	a := NewArbitrator(0.75,
		fixedDetector{name: types.AttackUDPFlood, score: 0.8, src: srcA},
		fixedDetector{name: types.AttackSYNFlood, score: 0.8, src: srcB},
		fixedDetector{name: types.AttackPortScan, score: 0.3},
	)

	for i := 0; i < 20; i++ {
		verdict := a.Evaluate(synFloodWindow(), types.Baseline{}, t0)
		require.True(t, verdict.Detected)
		assert.Equal(t, types.AttackUDPFlood, verdict.Event.AttackType)
		assert.Equal(t, srcA, verdict.Event.SourceAddr)
	}
}

func TestArbitratorThresholdIsStrict(t *testing.T) {
	a := NewArbitrator(0.75, fixedDetector{name: types.AttackHTTPFlood, score: 0.75, src: srcA})
	verdict := a.Evaluate(synFloodWindow(), types.Baseline{}, t0)
	assert.False(t, verdict.Detected)
	assert.Equal(t, types.AttackHTTPFlood, verdict.Event.AttackType)

	none := NewArbitrator(0.75, fixedDetector{name: types.AttackHTTPFlood, src: noSrc})
	verdict = none.Evaluate(synFloodWindow(), types.Baseline{}, t0)
	assert.False(t, verdict.Detected)
	assert.Empty(t, verdict.Event.AttackType)
}

func TestArbitratorIsIdempotent(t *testing.T) {
	w := synFloodWindow()
	baseline := types.Baseline{Established: true, SYNRate: 1}
	a := NewArbitrator(DefaultAttackThreshold)

	first := a.Evaluate(w, baseline, t0)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, a.Evaluate(w, baseline, t0))
	}
}
