package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/config"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func respondOK(c echo.Context, message string, data interface{}) error {
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: message,
		Data:    data,
	})
}

// Server HTTP 服务器
type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	return &Server{
		echo: e,
		addr: cfg.API.Listen,
	}
}

// Start 阻塞直到服务器关闭，正常关闭时返回 nil
func (s *Server) Start() error {
	logrus.Infof("Starting API server on %s", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) GetEcho() *echo.Echo {
	return s.echo
}

// RegisterStatsService 注册统计与控制接口
func (s *Server) RegisterStatsService(ss *StatsService) {
	s.echo.GET("/api/stats", ss.GetStats)           // 流量统计快照
	s.echo.GET("/api/attacks", ss.GetAttacks)       // 完整攻击记录
	s.echo.POST("/api/reset", ss.Reset)             // 重置流量统计
	s.echo.GET("/api/interfaces", ss.GetInterfaces) // 可抓包网卡
}

// RegisterRuleService 注册缓解策略规则接口
func (s *Server) RegisterRuleService(rs *RuleService) {
	s.echo.GET("/api/rules", rs.GetRules)
	s.echo.GET("/api/rules/:rule_id", rs.GetRule)
	s.echo.POST("/api/rules/reload", rs.Reload)
	s.echo.POST("/api/rules/validate", rs.Validate)
}

// RegisterFloodService 注册攻击流量模拟接口
func (s *Server) RegisterFloodService(fs *FloodService) {
	s.echo.POST("/api/flood_test", fs.Start)
}

func (s *Server) RegisterHub(h *Hub) {
	s.echo.GET("/ws", h.HandleWebSocket)
}

func (s *Server) RegisterMetrics(g prometheus.Gatherer) {
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
}
