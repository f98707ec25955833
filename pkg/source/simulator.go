package source

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/metrics"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

// TrafficGenerator 生成模拟的正常流量和攻击流量记录
type TrafficGenerator struct {
	rng    *rand.Rand
	target netip.Addr
}

func NewTrafficGenerator(seed uint64, target netip.Addr) *TrafficGenerator {
	return &TrafficGenerator{
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		target: target,
	}
}

// weightedPort 按权重选择常用端口，剩余概率落在 1024-9999
func (g *TrafficGenerator) weightedPort(ports []uint16, weights []float64) uint16 {
	r := g.rng.Float64()
	for i, w := range weights {
		if r < w {
			return ports[i]
		}
		r -= w
	}
	return uint16(1024 + g.rng.IntN(8976))
}

func (g *TrafficGenerator) RandomHost() netip.Addr {
	return netip.AddrFrom4([4]byte{192, 168, 1, byte(1 + g.rng.IntN(254))})
}

func (g *TrafficGenerator) srcPort() uint16 {
	return uint16(1024 + g.rng.IntN(64512))
}

// Normal 背景流量：TCP 70%、UDP 20%、ICMP 10%
func (g *TrafficGenerator) Normal(ts time.Time) types.PacketRecord {
	src := g.RandomHost()
	size := 40 + g.rng.IntN(1461)

	switch p := g.rng.Float64(); {
	case p < 0.7:
		return types.NewTCPRecord(ts, size, src, g.target, types.TCPFields{
			SrcPort: g.srcPort(),
			DstPort: g.weightedPort([]uint16{80, 443, 22, 21, 25}, []float64{0.3, 0.3, 0.1, 0.05, 0.05}),
			Flags:   types.TCPFlags(g.rng.IntN(64)),
		})
	case p < 0.9:
		return types.NewUDPRecord(ts, size, src, g.target, types.UDPFields{
			SrcPort: g.srcPort(),
			DstPort: g.weightedPort([]uint16{53, 123, 161, 67, 68}, []float64{0.2, 0.1, 0.1, 0.05, 0.05}),
		})
	default:
		return types.NewICMPRecord(ts, size, src, g.target, types.ICMPFields{
			Type: uint8(g.rng.IntN(256)),
			Code: uint8(g.rng.IntN(256)),
		})
	}
}

var simulatedAttacks = []types.AttackType{
	types.AttackSYNFlood,
	types.AttackUDPFlood,
	types.AttackICMPFlood,
	types.AttackHTTPFlood,
	types.AttackPortScan,
}

func (g *TrafficGenerator) RandomAttack() types.AttackType {
	return simulatedAttacks[g.rng.IntN(len(simulatedAttacks))]
}

// Attack 生成一条指定攻击类型的记录
func (g *TrafficGenerator) Attack(kind types.AttackType, attacker netip.Addr, ts time.Time) types.PacketRecord {
	switch kind {
	case types.AttackSYNFlood:
		ports := []uint16{80, 443, 8080, 8443}
		return types.NewTCPRecord(ts, 40+g.rng.IntN(21), attacker, g.target, types.TCPFields{
			SrcPort: g.srcPort(),
			DstPort: ports[g.rng.IntN(len(ports))],
			Flags:   types.FlagSYN,
		})
	case types.AttackUDPFlood:
		return types.NewUDPRecord(ts, 40+g.rng.IntN(1461), attacker, g.target, types.UDPFields{
			SrcPort: g.srcPort(),
			DstPort: uint16(1 + g.rng.IntN(65535)),
		})
	case types.AttackICMPFlood:
		return types.NewICMPRecord(ts, 56+g.rng.IntN(29), attacker, g.target, types.ICMPFields{Type: 8})
	case types.AttackHTTPFlood:
		flags := []types.TCPFlags{types.FlagSYN, types.FlagACK, types.FlagPSH | types.FlagACK}
		return types.NewTCPRecord(ts, 200+g.rng.IntN(1301), attacker, g.target, types.TCPFields{
			SrcPort: g.srcPort(),
			DstPort: []uint16{80, 443}[g.rng.IntN(2)],
			Flags:   flags[g.rng.IntN(len(flags))],
		})
	default:
		return types.NewTCPRecord(ts, 40+g.rng.IntN(21), attacker, g.target, types.TCPFields{
			SrcPort: g.srcPort(),
			DstPort: uint16(1 + g.rng.IntN(65535)),
			Flags:   types.FlagSYN,
		})
	}
}

// Duration 返回 [lo, hi] 内的随机时长
func (g *TrafficGenerator) Duration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(g.rng.Int64N(int64(hi-lo)+1))
}

type SimulatorConfig struct {
	Rate           float64       // 背景流量包/秒
	AttackRate     float64       // 攻击期间额外的包/秒
	AttackInterval time.Duration // 两次攻击之间的平均间隔
	Target         netip.Addr
	Seed           uint64
}

// SimulatorSource 演示模式：持续的背景流量加上周期性的随机攻击
type SimulatorSource struct {
	cfg    SimulatorConfig
	gen    *TrafficGenerator
	output chan *types.Packet
	stats  *metrics.SourceMetrics
}

func NewSimulatorSource(cfg SimulatorConfig, bufferSize int) (*SimulatorSource, error) {
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("simulator rate must be positive")
	}
	if cfg.AttackRate <= 0 {
		cfg.AttackRate = 100
	}
	if cfg.AttackInterval <= 0 {
		cfg.AttackInterval = 30 * time.Second
	}
	if !cfg.Target.IsValid() {
		cfg.Target = netip.MustParseAddr("192.168.1.100")
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}

	return &SimulatorSource{
		cfg:    cfg,
		gen:    NewTrafficGenerator(cfg.Seed, cfg.Target),
		output: make(chan *types.Packet, bufferSize),
		stats:  &metrics.SourceMetrics{},
	}, nil
}

type simulatedAttack struct {
	kind     types.AttackType
	attacker netip.Addr
	end      time.Time
}

func (s *SimulatorSource) Start(ctx context.Context, wg *sync.WaitGroup) error {
	normal := time.NewTicker(rateInterval(s.cfg.Rate))
	attackTick := time.NewTicker(rateInterval(s.cfg.AttackRate))
	nextAttack := time.NewTimer(s.gapUntilNextAttack())

	logrus.WithFields(logrus.Fields{
		"rate":      s.cfg.Rate,
		"target_ip": s.cfg.Target.String(),
	}).Info("Starting simulation mode")

	go func() {
		defer wg.Done()
		defer close(s.output)
		defer normal.Stop()
		defer attackTick.Stop()
		defer nextAttack.Stop()

		var (
			active *simulatedAttack
			count  int64
		)
		emit := func(rec types.PacketRecord) bool {
			count++
			pkt := &types.Packet{
				ID:        fmt.Sprintf("sim-%d", count),
				Timestamp: rec.Timestamp.UnixNano(),
				Record:    &rec,
			}
			select {
			case s.output <- pkt:
				s.stats.IncrementPacketsCaptured()
				s.stats.AddBytesProcessed(uint64(rec.Size))
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				logrus.Info("Stopping simulator due to context cancellation")
				return
			case now := <-normal.C:
				if !emit(s.gen.Normal(now)) {
					return
				}
			case now := <-nextAttack.C:
				active = &simulatedAttack{
					kind:     s.gen.RandomAttack(),
					attacker: s.gen.RandomHost(),
					end:      now.Add(s.gen.Duration(3*time.Second, 10*time.Second)),
				}
				logrus.WithFields(logrus.Fields{
					"attack_type": active.kind,
					"source_ip":   active.attacker.String(),
				}).Info("Simulating attack")
				nextAttack.Reset(s.gapUntilNextAttack())
			case now := <-attackTick.C:
				if active == nil {
					continue
				}
				if now.After(active.end) {
					active = nil
					continue
				}
				if !emit(s.gen.Attack(active.kind, active.attacker, now)) {
					return
				}
			}
		}
	}()
	return nil
}

// gapUntilNextAttack 在平均间隔的 1/3 到 2 倍之间随机
func (s *SimulatorSource) gapUntilNextAttack() time.Duration {
	return s.gen.Duration(s.cfg.AttackInterval/3, 2*s.cfg.AttackInterval)
}

func rateInterval(rate float64) time.Duration {
	d := time.Duration(float64(time.Second) / rate)
	if d <= 0 {
		d = time.Microsecond
	}
	return d
}

func (s *SimulatorSource) Output() <-chan *types.Packet {
	return s.output
}

// SetFilter 模拟流量不支持过滤
func (s *SimulatorSource) SetFilter(filter string) error {
	if filter != "" {
		logrus.Debugf("Simulator ignores BPF filter %q", filter)
	}
	return nil
}

func (s *SimulatorSource) GetStats() *metrics.SourceMetrics {
	return s.stats
}
