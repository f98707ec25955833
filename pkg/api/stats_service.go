package api

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/engine"
	"github.com/haolipeng/ddos_detector/pkg/source"
	"github.com/haolipeng/ddos_detector/pkg/system"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

// Reporter 引擎对外的查询与控制面
type Reporter interface {
	Stats(tail int) engine.Snapshot
	AttackLog() []types.AttackEvent
	Reset()
}

const systemCollectTimeout = 2 * time.Second

// StatsReport 流量快照加主机资源，System 在采集失败或未启用时省略
type StatsReport struct {
	engine.Snapshot
	System *system.Stats `json:"system,omitempty"`
}

// StatsService 统计服务，collector 为 nil 时不采集主机资源
type StatsService struct {
	reporter   Reporter
	attackTail int
	collector  system.Collector
	interfaces func() ([]source.Interface, error)
}

func NewStatsService(reporter Reporter, attackTail int, collector system.Collector) *StatsService {
	return &StatsService{
		reporter:   reporter,
		attackTail: attackTail,
		collector:  collector,
		interfaces: source.ListInterfaces,
	}
}

// GetStats tail 指定返回最近多少条攻击记录，-1 表示全部
func (ss *StatsService) GetStats(c echo.Context) error {
	tail := ss.attackTail
	if v := c.QueryParam("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < -1 {
			return HandleError(c, NewBadRequestError("tail 参数无效", err))
		}
		tail = n
	}
	report := StatsReport{Snapshot: ss.reporter.Stats(tail)}
	report.System = collectSystem(c.Request().Context(), ss.collector)
	return respondOK(c, "获取流量统计成功", report)
}

// collectSystem 采集失败只记日志，不影响流量统计的返回
func collectSystem(ctx context.Context, collector system.Collector) *system.Stats {
	if collector == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, systemCollectTimeout)
	defer cancel()
	stats, err := collector.Collect(ctx)
	if err != nil {
		logrus.Warnf("Failed to collect system stats: %v", err)
		return nil
	}
	return &stats
}

func (ss *StatsService) GetAttacks(c echo.Context) error {
	return respondOK(c, "获取攻击记录成功", ss.reporter.AttackLog())
}

func (ss *StatsService) Reset(c echo.Context) error {
	ss.reporter.Reset()
	logrus.WithField("remote", c.RealIP()).Info("Traffic statistics reset via API")
	return respondOK(c, "流量统计已重置", nil)
}

func (ss *StatsService) GetInterfaces(c echo.Context) error {
	ifaces, err := ss.interfaces()
	if err != nil {
		return HandleError(c, NewInternalServerError(err))
	}
	return respondOK(c, "获取网卡列表成功", ifaces)
}
