// Package engine 流量异常检测引擎：来源统计、滑动窗口、基线估计、仲裁后的处置与流量历史
package engine

import (
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/detector"
	"github.com/haolipeng/ddos_detector/pkg/metrics"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

// Options 引擎参数
type Options struct {
	WindowSize         int           // 每个分析窗口的记录数
	AttackThreshold    float64       // 仲裁阈值，严格大于才判定为攻击
	BlockThreshold     float64       // 封禁阈值，严格大于才封禁
	BaselineMultiplier int           // 全局包数超过 WindowSize*BaselineMultiplier 后建立基线
	AttackLogSize      int           // 内存中保留的攻击记录条数
	HistorySize        int           // 流量历史序列长度
	ActiveWindow       time.Duration // 可疑来源被视为"近期活跃"的时间范围
	SourceTTL          time.Duration // 来源统计过期时间，0 表示不淘汰
	PacketSizeSamples  int           // 每个来源保留的包长样本数
}

func DefaultOptions() Options {
	return Options{
		WindowSize:         100,
		AttackThreshold:    detector.DefaultAttackThreshold,
		BlockThreshold:     0.9,
		BaselineMultiplier: 3,
		AttackLogSize:      100,
		HistorySize:        300,
		ActiveWindow:       60 * time.Second,
		PacketSizeSamples:  256,
	}
}

type Option func(*Engine)

// WithDispatcher 设置防火墙/持久化日志的异步执行器
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) {
		if d != nil {
			e.dispatcher = d
		}
	}
}

// WithPolicy 设置封禁豁免策略
func WithPolicy(p ExemptionPolicy) Option {
	return func(e *Engine) {
		e.mitigator.policy = p
	}
}

func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithDetectors 替换默认检测器集合，顺序即仲裁顺序
func WithDetectors(detectors ...Detector) Option {
	return func(e *Engine) {
		e.arbitrator = detector.NewArbitrator(e.opts.AttackThreshold, detectors...)
	}
}

// Detector 检测器接口的别名，方便调用方不直接依赖 detector 包
type Detector = detector.Detector

// Engine 检测引擎
// ingestMu 保证单一摄入路径按到达顺序处理；mu 保护与查询路径共享的状态
type Engine struct {
	ingestMu sync.Mutex
	mu       sync.RWMutex

	opts       Options
	counters   Counters
	table      *SourceTable
	window     *WindowBuffer
	baseline   *BaselineEstimator
	arbitrator *detector.Arbitrator
	mitigator  *mitigator
	history    *TrafficHistory
	dispatcher Dispatcher
	metrics    *metrics.EngineMetrics

	windowsAnalyzed uint64
	windowsSkipped  uint64
}

func New(opts Options, options ...Option) *Engine {
	def := DefaultOptions()
	if opts.WindowSize <= 0 {
		opts.WindowSize = def.WindowSize
	}
	if opts.BaselineMultiplier <= 0 {
		opts.BaselineMultiplier = def.BaselineMultiplier
	}
	if opts.AttackLogSize <= 0 {
		opts.AttackLogSize = def.AttackLogSize
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = def.HistorySize
	}
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = def.ActiveWindow
	}
	if opts.PacketSizeSamples <= 0 {
		opts.PacketSizeSamples = def.PacketSizeSamples
	}

	e := &Engine{
		opts:       opts,
		table:      NewSourceTable(opts.PacketSizeSamples),
		window:     NewWindowBuffer(opts.WindowSize),
		baseline:   NewBaselineEstimator(uint64(opts.WindowSize * opts.BaselineMultiplier)),
		arbitrator: detector.NewArbitrator(opts.AttackThreshold),
		mitigator:  newMitigator(opts.BlockThreshold, opts.AttackLogSize),
		history:    NewTrafficHistory(opts.HistorySize),
		dispatcher: logDispatcher{},
	}
	for _, o := range options {
		o(e)
	}
	return e
}

func (e *Engine) Options() Options {
	return e.opts
}

// Ingest 处理一条记录；窗口填满时完成一次分析并返回结果，否则返回 nil
// 不完整的记录返回 ErrMalformedRecord，调用方记录告警后继续
func (e *Engine) Ingest(rec types.PacketRecord) (*types.Verdict, error) {
	if err := rec.Validate(); err != nil {
		e.metrics.ObserveDropped("malformed")
		return nil, err
	}

	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	e.mu.Lock()
	e.counters.Observe(rec)
	e.table.Record(rec)
	// Reset 或淘汰后重新出现的来源要继承封禁状态
	if e.mitigator.isBlocked(rec.SrcAddr) {
		e.table.MarkBlocked(rec.SrcAddr)
	}
	e.metrics.ObservePacket(rec.Protocol.String())

	ready, err := e.window.Append(rec)
	if err != nil {
		// 上一个窗口没有被取走，丢弃积压数据，从当前记录重新开始
		logrus.WithField("pending", e.window.Len()).Errorf("Window invariant violated: %v", err)
		e.window.Drain()
		ready, _ = e.window.Append(rec)
	}

	var (
		snapshot []types.PacketRecord
		baseline types.Baseline
	)
	if ready {
		snapshot = e.window.Drain()
		established, err := e.baseline.Observe(snapshot, e.counters)
		if err != nil {
			logrus.Debugf("Baseline estimation skipped: %v", err)
		} else if established {
			b := e.baseline.Baseline()
			logrus.WithFields(logrus.Fields{
				"avg_packet_rate": b.PacketRate,
				"avg_syn_rate":    b.SYNRate,
				"avg_udp_rate":    b.UDPRate,
				"avg_icmp_rate":   b.ICMPRate,
			}).Info("Baseline established")
		}
		baseline = e.baseline.Baseline()

		if e.opts.SourceTTL > 0 {
			if n := e.table.Evict(rec.Timestamp.Add(-e.opts.SourceTTL)); n > 0 {
				logrus.Debugf("Evicted %d idle sources", n)
			}
		}
		e.metrics.SetTrackedSources(e.table.Len())
	}
	e.mu.Unlock()

	var verdict *types.Verdict
	if snapshot != nil {
		v := e.analyze(snapshot, baseline)
		verdict = &v
	}

	e.mu.Lock()
	e.recordHistory(rec.Timestamp)
	e.mu.Unlock()

	return verdict, nil
}

// analyze 在锁外运行检测器，只在处置阶段获取写锁
func (e *Engine) analyze(window []types.PacketRecord, baseline types.Baseline) types.Verdict {
	w := detector.Window(window)
	now := window[len(window)-1].Timestamp
	skipped := w.Elapsed() <= 0

	verdict := e.arbitrator.Evaluate(w, baseline, now)

	scores := make(map[string]float64, len(verdict.Scores))
	for _, s := range verdict.Scores {
		scores[string(s.AttackType)] = s.Confidence
	}
	if skipped {
		logrus.Debug("Window spans no time, detection skipped")
		e.metrics.ObserveSkippedWindow()
	} else {
		e.metrics.ObserveWindow(scores)
	}

	e.mu.Lock()
	if skipped {
		e.windowsSkipped++
	} else {
		e.windowsAnalyzed++
	}
	var action mitigationAction
	if verdict.Detected {
		action = e.mitigator.handle(verdict.Event, e.table)
	}
	e.mu.Unlock()

	if !verdict.Detected {
		return verdict
	}

	event := verdict.Event
	fields := logrus.Fields{
		"attack_type": event.AttackType,
		"confidence":  event.Confidence,
		"source_ip":   event.SourceIP(),
	}
	logrus.WithFields(fields).Warn("Attack detected")
	e.metrics.ObserveAttack(string(event.AttackType))

	e.dispatcher.Record(event)
	if action.exempt != "" {
		logrus.WithFields(fields).WithField("rule_id", action.exempt).Info("Source exempted from blocking")
	}
	if action.block {
		logrus.WithFields(fields).Warn("Blocking source")
		e.metrics.ObserveBlocked()
		e.dispatcher.Block(event.SourceAddr)
	}
	return verdict
}

// recordHistory 调用方需持有写锁
func (e *Engine) recordHistory(now time.Time) {
	cutoff := now.Add(-e.opts.ActiveWindow)
	var attack uint64
	for src := range e.mitigator.suspicious {
		if s, ok := e.table.Get(src); ok && s.LastSeen.After(cutoff) {
			attack++
		}
	}
	var normal uint64
	if e.counters.Total > attack {
		normal = e.counters.Total - attack
	}
	e.history.Append(now, normal, attack)
}

// TrafficStats 全局计数与可疑/封禁来源
type TrafficStats struct {
	Counters
	SuspiciousIPs []netip.Addr `json:"suspicious_ips"`
	BlockedIPs    []netip.Addr `json:"blocked_ips"`
}

// Snapshot 报告接口返回的一致性快照
type Snapshot struct {
	Traffic         TrafficStats        `json:"traffic_stats"`
	History         HistorySeries       `json:"traffic_history"`
	AttackLog       []types.AttackEvent `json:"attack_log"`
	Baseline        types.Baseline      `json:"baseline"`
	TopSources      []SourceSummary     `json:"top_sources"`
	TrackedSources  int                 `json:"tracked_sources"`
	WindowsAnalyzed uint64              `json:"windows_analyzed"`
	WindowsSkipped  uint64              `json:"windows_skipped"`
}

const topSourceCount = 10

// Stats 返回当前状态快照，tail 为返回的攻击记录条数，负数表示全部
func (e *Engine) Stats(tail int) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if tail < 0 {
		tail = e.mitigator.attackLog.Len()
	}
	return Snapshot{
		Traffic: TrafficStats{
			Counters:      e.counters,
			SuspiciousIPs: sortedAddrs(e.mitigator.suspicious),
			BlockedIPs:    sortedAddrs(e.mitigator.blocked),
		},
		History:         e.history.Series(),
		AttackLog:       e.mitigator.attackLog.Tail(tail),
		Baseline:        e.baseline.Baseline(),
		TopSources:      e.table.Top(topSourceCount),
		TrackedSources:  e.table.Len(),
		WindowsAnalyzed: e.windowsAnalyzed,
		WindowsSkipped:  e.windowsSkipped,
	}
}

// AttackLog 返回内存中的全部攻击记录，从旧到新
func (e *Engine) AttackLog() []types.AttackEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mitigator.attackLog.Slice()
}

func (e *Engine) Baseline() types.Baseline {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.baseline.Baseline()
}

func (e *Engine) IsBlocked(addr netip.Addr) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mitigator.isBlocked(addr)
}

// Source 返回单个来源的统计视图
func (e *Engine) Source(addr netip.Addr) (SourceSummary, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.table.Summary(addr)
}

// Reset 清空计数、来源统计、可疑集合、流量历史和未满的窗口
// 封禁集合、攻击记录和基线保持不变
func (e *Engine) Reset() {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.counters = Counters{}
	e.table.Reset()
	e.mitigator.resetSuspicious()
	e.history.Reset()
	e.window.Drain()
	e.metrics.SetTrackedSources(0)

	logrus.Info("Traffic statistics reset")
}
