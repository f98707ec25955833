package api

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/source"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

const (
	defaultFloodCount    = 1000
	defaultFloodInterval = 0.001
	maxFloodCount        = 100000
	maxFloodInterval     = 1.0
	floodProgressEvery   = 100
)

// Ingester 接收单条流量记录，窗口填满时返回判定
type Ingester interface {
	Ingest(rec types.PacketRecord) (*types.Verdict, error)
}

// AttackNotifier 攻击事件的推送目标
type AttackNotifier interface {
	Notify(ctx context.Context, event types.AttackEvent) error
}

// 协议名到攻击类型的映射
var floodProtocols = map[string]types.AttackType{
	"TCP":  types.AttackSYNFlood,
	"UDP":  types.AttackUDPFlood,
	"ICMP": types.AttackICMPFlood,
}

var floodAttackTypes = map[types.AttackType]struct{}{
	types.AttackSYNFlood:  {},
	types.AttackUDPFlood:  {},
	types.AttackICMPFlood: {},
	types.AttackHTTPFlood: {},
	types.AttackPortScan:  {},
}

// FloodRequest attack_type 优先于 protocol，interval 单位为秒
type FloodRequest struct {
	AttackType string   `json:"attack_type"`
	Protocol   string   `json:"protocol"`
	SourceIP   string   `json:"source_ip"`
	TargetIP   string   `json:"target_ip"`
	Count      int      `json:"count"`
	Interval   *float64 `json:"interval"`
}

type floodPlan struct {
	AttackType types.AttackType `json:"attack_type"`
	Source     netip.Addr       `json:"source_ip"`
	Target     netip.Addr       `json:"target_ip"`
	Count      int              `json:"count"`
	Interval   time.Duration    `json:"-"`
}

func (r FloodRequest) plan() (floodPlan, error) {
	p := floodPlan{Count: r.Count}

	switch {
	case r.AttackType != "":
		p.AttackType = types.AttackType(strings.ToLower(r.AttackType))
		if _, ok := floodAttackTypes[p.AttackType]; !ok {
			return p, fmt.Errorf("unknown attack type %q", r.AttackType)
		}
	case r.Protocol != "":
		kind, ok := floodProtocols[strings.ToUpper(r.Protocol)]
		if !ok {
			return p, fmt.Errorf("unknown protocol %q", r.Protocol)
		}
		p.AttackType = kind
	default:
		p.AttackType = types.AttackSYNFlood
	}

	target := r.TargetIP
	if target == "" {
		target = "127.0.0.1"
	}
	addr, err := netip.ParseAddr(target)
	if err != nil {
		return p, fmt.Errorf("invalid target ip: %w", err)
	}
	p.Target = addr

	if r.SourceIP != "" {
		if p.Source, err = netip.ParseAddr(r.SourceIP); err != nil {
			return p, fmt.Errorf("invalid source ip: %w", err)
		}
	}

	if p.Count == 0 {
		p.Count = defaultFloodCount
	}
	if p.Count < 0 || p.Count > maxFloodCount {
		return p, fmt.Errorf("count must be between 1 and %d", maxFloodCount)
	}

	interval := defaultFloodInterval
	if r.Interval != nil {
		interval = *r.Interval
	}
	if interval < 0 || interval > maxFloodInterval {
		return p, fmt.Errorf("interval must be between 0 and %gs", maxFloodInterval)
	}
	p.Interval = time.Duration(interval * float64(time.Second))
	return p, nil
}

// FloodService 向检测引擎注入模拟攻击流量，同一时间只允许一个任务
type FloodService struct {
	ctx      context.Context
	ingester Ingester
	notifier AttackNotifier

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewFloodService ctx 取消后正在运行的任务提前结束，notifier 可以为 nil
func NewFloodService(ctx context.Context, ingester Ingester, notifier AttackNotifier) *FloodService {
	return &FloodService{
		ctx:      ctx,
		ingester: ingester,
		notifier: notifier,
	}
}

func (fs *FloodService) Start(c echo.Context) error {
	var req FloodRequest
	if err := c.Bind(&req); err != nil {
		return HandleError(c, NewBadRequestError("请求体格式无效", err))
	}
	plan, err := req.plan()
	if err != nil {
		return HandleError(c, NewBadRequestError("攻击模拟参数无效", err))
	}

	fs.mu.Lock()
	if fs.running {
		fs.mu.Unlock()
		return HandleError(c, NewConflictError("已有攻击模拟正在运行"))
	}
	fs.running = true
	fs.wg.Add(1)
	fs.mu.Unlock()

	gen := source.NewTrafficGenerator(uint64(time.Now().UnixNano()), plan.Target)
	if !plan.Source.IsValid() {
		plan.Source = gen.RandomHost()
	}

	go func() {
		defer fs.wg.Done()
		defer func() {
			fs.mu.Lock()
			fs.running = false
			fs.mu.Unlock()
		}()
		fs.run(gen, plan)
	}()

	logrus.WithFields(logrus.Fields{
		"remote":      c.RealIP(),
		"attack_type": plan.AttackType,
		"source_ip":   plan.Source.String(),
		"count":       plan.Count,
	}).Info("Flood test started via API")
	return respondOK(c, fmt.Sprintf("已启动 %s 攻击模拟，共 %d 个包", plan.AttackType, plan.Count), plan)
}

func (fs *FloodService) run(gen *source.TrafficGenerator, plan floodPlan) {
	var (
		sent     int
		detected int
	)
	for sent < plan.Count {
		if fs.ctx.Err() != nil {
			break
		}

		rec := gen.Attack(plan.AttackType, plan.Source, time.Now())
		verdict, err := fs.ingester.Ingest(rec)
		sent++
		if err != nil {
			logrus.Debugf("Flood test record rejected: %v", err)
		} else if verdict != nil && verdict.Detected {
			detected++
			if fs.notifier != nil {
				if err := fs.notifier.Notify(fs.ctx, verdict.Event); err != nil {
					logrus.Warnf("Failed to notify flood test attack: %v", err)
				}
			}
		}

		if sent%floodProgressEvery == 0 {
			logrus.Debugf("Flood test sent %d packets", sent)
		}
		if plan.Interval > 0 && sent < plan.Count {
			select {
			case <-fs.ctx.Done():
			case <-time.After(plan.Interval):
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"attack_type": plan.AttackType,
		"sent":        sent,
		"detected":    detected,
	}).Info("Flood test completed")
}

// Wait 等待正在运行的任务结束
func (fs *FloodService) Wait() {
	fs.wg.Wait()
}
