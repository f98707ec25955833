package mitigation

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/haolipeng/ddos_detector/pkg/metrics"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

type DispatcherConfig struct {
	QueueSize      int           // 待执行动作的队列长度
	BlockRate      float64       // 每秒最多执行的防火墙命令数
	BlockBurst     int
	CommandTimeout time.Duration // 单条防火墙命令超时
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:      256,
		BlockRate:      5,
		BlockBurst:     10,
		CommandTimeout: 5 * time.Second,
	}
}

type jobKind int

const (
	jobBlock jobKind = iota
	jobRecord
)

func (k jobKind) String() string {
	if k == jobBlock {
		return "block"
	}
	return "record"
}

type job struct {
	kind  jobKind
	addr  netip.Addr
	event types.AttackEvent
}

// Dispatcher 单个后台 worker 顺序执行封禁和日志落盘
// 队列满时直接丢弃并告警，调用方永不阻塞
type Dispatcher struct {
	firewall Firewall
	log      *CSVAttackLog
	limiter  *rate.Limiter
	timeout  time.Duration
	metrics  *metrics.EngineMetrics

	mu     sync.Mutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

// NewDispatcher log 可以为 nil，表示不落盘
func NewDispatcher(cfg DispatcherConfig, firewall Firewall, log *CSVAttackLog, m *metrics.EngineMetrics) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BlockRate <= 0 {
		cfg.BlockRate = def.BlockRate
	}
	if cfg.BlockBurst <= 0 {
		cfg.BlockBurst = def.BlockBurst
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if firewall == nil {
		firewall = NoopFirewall{}
	}

	return &Dispatcher{
		firewall: firewall,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(cfg.BlockRate), cfg.BlockBurst),
		timeout:  cfg.CommandTimeout,
		metrics:  m,
		queue:    make(chan job, cfg.QueueSize),
	}
}

// Start 启动后台 worker，ctx 取消或 Close 后退出
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
	logrus.WithField("firewall", d.firewall.Name()).Info("Mitigation dispatcher started")
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			d.execute(ctx, j)
		case <-ctx.Done():
			d.shutdown()
			d.drain()
			return
		}
	}
}

// drain ctx 取消后处理队列剩余动作，攻击日志照常落盘，封禁直接丢弃
func (d *Dispatcher) drain() {
	for j := range d.queue {
		if j.kind == jobRecord {
			d.execute(context.Background(), j)
			continue
		}
		logrus.WithField("source_ip", j.addr.String()).Warn("Dispatcher stopped, block action dropped")
		d.metrics.ObserveDispatchFailure(j.kind.String())
	}
}

func (d *Dispatcher) execute(ctx context.Context, j job) {
	switch j.kind {
	case jobBlock:
		if err := d.limiter.Wait(ctx); err != nil {
			logrus.WithField("source_ip", j.addr.String()).Warnf("Firewall rate limiter aborted: %v", err)
			d.metrics.ObserveDispatchFailure(j.kind.String())
			return
		}
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := d.firewall.Block(cctx, j.addr); err != nil {
			logrus.WithField("source_ip", j.addr.String()).Errorf("Failed to block IP: %v", err)
			d.metrics.ObserveDispatchFailure(j.kind.String())
			return
		}
		logrus.WithFields(logrus.Fields{
			"source_ip": j.addr.String(),
			"firewall":  d.firewall.Name(),
		}).Info("Source blocked")
	case jobRecord:
		if d.log == nil {
			return
		}
		if err := d.log.Append(j.event); err != nil {
			logrus.Errorf("Failed to log attack: %v", err)
			d.metrics.ObserveDispatchFailure(j.kind.String())
		}
	}
}

func (d *Dispatcher) enqueue(j job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		logrus.Warnf("Dispatcher closed, %s action dropped", j.kind)
		d.metrics.ObserveDispatchFailure(j.kind.String())
		return
	}

	select {
	case d.queue <- j:
	default:
		logrus.WithField("queue_size", cap(d.queue)).Warnf("Dispatch queue full, %s action dropped", j.kind)
		d.metrics.ObserveDispatchFailure(j.kind.String())
	}
}

// shutdown 关闭队列，之后入队的动作都被丢弃
func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
}

func (d *Dispatcher) Block(addr netip.Addr) {
	d.enqueue(job{kind: jobBlock, addr: addr})
}

func (d *Dispatcher) Record(event types.AttackEvent) {
	d.enqueue(job{kind: jobRecord, event: event})
}

// Close 停止接收新动作，等待 worker 处理完队列
func (d *Dispatcher) Close() {
	d.shutdown()
	d.wg.Wait()
}

// Pending 队列中尚未执行的动作数
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}
