package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"
	"time"

	rotates "github.com/lestrrat-go/file-rotatelogs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/api"
	"github.com/haolipeng/ddos_detector/pkg/config"
	"github.com/haolipeng/ddos_detector/pkg/engine"
	"github.com/haolipeng/ddos_detector/pkg/metrics"
	"github.com/haolipeng/ddos_detector/pkg/mitigation"
	"github.com/haolipeng/ddos_detector/pkg/pipeline"
	"github.com/haolipeng/ddos_detector/pkg/processor"
	"github.com/haolipeng/ddos_detector/pkg/ruleEngine"
	"github.com/haolipeng/ddos_detector/pkg/sink"
	"github.com/haolipeng/ddos_detector/pkg/source"
	"github.com/haolipeng/ddos_detector/pkg/system"
)

func parseLevel(s string) logrus.Level {
	switch s {
	case "DEBUG":
		return logrus.DebugLevel
	case "INFO":
		return logrus.InfoLevel
	case "WARN":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	case "FATAL":
		return logrus.FatalLevel
	case "PANIC":
		return logrus.PanicLevel
	default:
		return logrus.WarnLevel //默认
	}
}

func InitLogger(cfg *config.Config) error {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.SetLevel(parseLevel(cfg.Log.Level))

	//1、日志目录不存在则创建
	if err := os.MkdirAll(cfg.Log.Dir, 0755); err != nil {
		return err
	}
	logFileName := path.Join(cfg.Log.Dir, cfg.Log.Filename)

	maxAge := time.Duration(cfg.Log.MaxAge) * 24 * time.Hour
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	rotateTime := time.Duration(cfg.Log.RotateTime) * time.Hour
	if rotateTime <= 0 {
		rotateTime = time.Hour
	}

	//2、日志切割功能，按时间来切割，windows 不支持软链接
	opts := []rotates.Option{
		rotates.WithMaxAge(maxAge),
		rotates.WithRotationTime(rotateTime),
	}
	if runtime.GOOS != "windows" {
		opts = append(opts, rotates.WithLinkName(logFileName))
	}
	logWriter, err := rotates.New(logFileName+".%Y%m%d%H%M", opts...)
	if err != nil {
		return err
	}

	lfHook := lfshook.NewHook(lfshook.WriterMap{
		logrus.DebugLevel: logWriter,
		logrus.InfoLevel:  logWriter,
		logrus.WarnLevel:  logWriter,
		logrus.ErrorLevel: logWriter,
		logrus.FatalLevel: logWriter,
		logrus.PanicLevel: logWriter,
	}, &logrus.TextFormatter{})

	logrus.AddHook(lfHook)
	return nil
}

func engineOptions(cfg *config.Config) engine.Options {
	opts := engine.DefaultOptions()
	opts.WindowSize = cfg.Engine.WindowSize
	opts.AttackThreshold = cfg.Engine.AttackThreshold
	opts.BlockThreshold = cfg.Engine.BlockThreshold
	opts.BaselineMultiplier = cfg.Engine.BaselineMultiplier
	opts.AttackLogSize = cfg.Engine.AttackLogSize
	opts.HistorySize = cfg.Engine.HistorySize
	opts.ActiveWindow = cfg.Engine.ActiveWindow
	opts.SourceTTL = cfg.Engine.SourceTTL
	return opts
}

func newSource(cfg *config.Config) (pipeline.Source, error) {
	switch cfg.Source.Mode {
	case config.SourceFile:
		return source.NewPcapFileSource(cfg.Source.PcapFile, cfg.Pipeline.BufferSize)
	case config.SourceLive:
		return source.NewPcapSource(cfg)
	default:
		target, err := netip.ParseAddr(cfg.Source.SimulatorTarget)
		if err != nil {
			return nil, fmt.Errorf("invalid simulator target: %w", err)
		}
		return source.NewSimulatorSource(source.SimulatorConfig{
			Rate:           cfg.Source.SimulatorRate,
			AttackInterval: cfg.Source.SimulatorInterval,
			Target:         target,
		}, cfg.Pipeline.BufferSize)
	}
}

func main() {
	configFile := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := InitLogger(cfg); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	api.DebugMode = parseLevel(cfg.Log.Level) == logrus.DebugLevel

	logrus.Info("Starting ddos detector...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := metrics.NewEngineMetrics(registry)

	// 封禁与攻击日志
	firewall, err := mitigation.NewFirewall(cfg.Mitigation.Firewall)
	if err != nil {
		logrus.Fatalf("Failed to create firewall: %v", err)
	}
	var attackLog *mitigation.CSVAttackLog
	if cfg.Mitigation.AttackLogFile != "" {
		attackLog, err = mitigation.NewCSVAttackLog(cfg.Mitigation.AttackLogFile)
		if err != nil {
			logrus.Fatalf("Failed to open attack log: %v", err)
		}
	}
	dispatcher := mitigation.NewDispatcher(mitigation.DispatcherConfig{
		QueueSize:      cfg.Mitigation.QueueSize,
		BlockRate:      cfg.Mitigation.BlockRate,
		BlockBurst:     cfg.Mitigation.BlockBurst,
		CommandTimeout: cfg.Mitigation.CommandTimeout,
	}, firewall, attackLog, engineMetrics)
	// dispatcher 独立于 pipeline 的 ctx，流水线停止后再排空
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	defer dispatchCancel()
	dispatcher.Start(dispatchCtx)

	engineOpts := []engine.Option{
		engine.WithDispatcher(dispatcher),
		engine.WithMetrics(engineMetrics),
	}

	// 白名单策略
	var policy api.PolicyManager
	if cfg.RuleEngine.Enabled {
		p, err := ruleEngine.NewPolicyFromDirectory(cfg.RuleEngine.RuleDirectory)
		if err != nil {
			logrus.Fatalf("Failed to load mitigation policy: %v", err)
		}
		engineOpts = append(engineOpts, engine.WithPolicy(p))
		policy = p
	}

	detectionEngine := engine.New(engineOptions(cfg), engineOpts...)

	p := pipeline.NewPipeline()
	if err := p.SetConfig(cfg); err != nil {
		logrus.Fatalf("Failed to set pipeline config: %v", err)
	}

	src, err := newSource(cfg)
	if err != nil {
		logrus.Fatalf("Failed to create %s source: %v", cfg.Source.Mode, err)
	}
	p.SetSource(src)

	if err := p.AddProcessor(processor.NewProtocolParser(cfg.Pipeline.BufferSize)); err != nil {
		logrus.Fatalf("Add Protocol Parser Processor Failed: %v", err)
	}
	if err := p.AddProcessor(processor.NewDetectionProcessor(detectionEngine)); err != nil {
		logrus.Fatalf("Add Detection Processor Failed: %v", err)
	}

	// 告警推送
	var notifiers []sink.Notifier
	if cfg.Notify.Webhook.URL != "" {
		notifiers = append(notifiers, sink.NewWebhookNotifier(cfg.Notify.Webhook.URL, cfg.Notify.Webhook.Timeout))
	}
	if cfg.Notify.NATS.URL != "" {
		natsNotifier, err := sink.NewNATSNotifier(cfg.Notify.NATS.URL, cfg.Notify.NATS.Subject)
		if err != nil {
			logrus.Errorf("NATS notifier disabled: %v", err)
		} else {
			defer natsNotifier.Close()
			notifiers = append(notifiers, natsNotifier)
		}
	}

	var (
		server *api.Server
		flood  *api.FloodService
	)
	if cfg.API.Enabled {
		collector := system.NewHostCollector()
		hub := api.NewHub(detectionEngine, cfg.API.AttackTail, collector)
		defer hub.Close()
		go hub.Run(ctx, cfg.API.StatsInterval)
		notifiers = append(notifiers, hub)

		server = api.NewServer(cfg)
		server.RegisterStatsService(api.NewStatsService(detectionEngine, cfg.API.AttackTail, collector))
		server.RegisterRuleService(api.NewRuleService(policy))
		server.RegisterHub(hub)
		flood = api.NewFloodService(ctx, detectionEngine, hub)
		server.RegisterFloodService(flood)
		server.RegisterMetrics(registry)

		go func() {
			if err := server.Start(); err != nil {
				logrus.Errorf("API server stopped: %v", err)
			}
		}()
	}

	p.SetSink(sink.NewAlertSink(cfg.Mitigation.QueueSize, notifiers...))

	if err := p.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start pipeline: %v", err)
	}
	logrus.Info("Pipeline started successfully")

	// 等待中断信号，离线回放结束时也退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logrus.Infof("Received signal %v, shutting down...", sig)
	case <-p.Done():
		logrus.Info("Packet source exhausted, shutting down...")
	}

	cancel()
	if err := p.Stop(); err != nil {
		logrus.Errorf("Error stopping pipeline: %v", err)
	}
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logrus.Errorf("Error stopping API server: %v", err)
		}
		flood.Wait()
	}
	dispatcher.Close()

	snap := detectionEngine.Stats(0)
	logrus.WithFields(logrus.Fields{
		"total_packets":    snap.Traffic.Total,
		"attacks":          len(detectionEngine.AttackLog()),
		"blocked_sources":  len(snap.Traffic.BlockedIPs),
		"windows_analyzed": snap.WindowsAnalyzed,
	}).Info("Shutdown complete")
}
