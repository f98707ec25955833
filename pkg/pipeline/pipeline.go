package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/config"
	"github.com/haolipeng/ddos_detector/pkg/metrics"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

const (
	processorReadyTimeout = 10 * time.Second
	sinkReadyTimeout      = 5 * time.Second
	stopTimeout           = 30 * time.Second
)

type pipeline struct {
	source     Source
	processors []Processor
	sink       Sink
	running    bool
	mu         sync.Mutex
	errChan    chan error
	status     string
	metrics    map[string]*metrics.ProcessorMetrics
	config     *config.Config
	startTime  time.Time
	cancel     context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup // 用于跟踪所有goroutine
}

func NewPipeline() Pipeline {
	return &pipeline{
		processors: make([]Processor, 0),
		errChan:    make(chan error, 1),
		metrics:    make(map[string]*metrics.ProcessorMetrics),
		status:     "initialized",
		done:       make(chan struct{}),
	}
}

func (p *pipeline) AddProcessor(processor Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("cannot add processor while pipeline is running")
	}

	p.processors = append(p.processors, processor)
	// 按Stage排序处理器
	sort.SliceStable(p.processors, func(i, j int) bool {
		return p.processors[i].Stage() < p.processors[j].Stage()
	})

	return nil
}

func (p *pipeline) SetSource(source Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
}

func (p *pipeline) SetSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *pipeline) Start(parent context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return types.NewPipelineError("start", fmt.Errorf("pipeline already running"))
	}
	if p.source == nil || p.sink == nil {
		p.mu.Unlock()
		return types.NewPipelineError("start", fmt.Errorf("source and sink must be set"))
	}

	ctx, cancel := context.WithCancel(parent)
	p.wg = sync.WaitGroup{}
	p.running = true
	p.startTime = time.Now()
	p.status = "starting"
	p.cancel = cancel
	p.done = make(chan struct{})
	p.errChan = make(chan error, 100)

	// 为每个处理器初始化指标对象
	p.metrics = make(map[string]*metrics.ProcessorMetrics)
	for _, proc := range p.processors {
		if mp, ok := proc.(MetricsProvider); ok {
			p.metrics[proc.Name()] = mp.Metrics()
		} else {
			p.metrics[proc.Name()] = &metrics.ProcessorMetrics{}
		}
	}
	processors := p.processors
	src, snk, done := p.source, p.sink, p.done
	p.mu.Unlock()

	logrus.Info("Starting pipeline")

	fail := func(err error) error {
		cancel()
		p.mu.Lock()
		p.running = false
		p.status = "failed"
		p.mu.Unlock()
		return err
	}

	// 启动错误处理goroutine
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.handleErrors(ctx)
	}()

	var input = src.Output()
	for _, proc := range processors {
		logrus.Debugf("Starting processor %s at stage: %v", proc.Name(), proc.Stage())
		// 前一个stage阶段处理器的处理结果直接传递给下一个stage阶段的处理器
		out, err := proc.Process(ctx, input, &p.wg)
		if err != nil {
			logrus.Errorf("Failed to start processor at stage %v: %v", proc.Stage(), err)
			return fail(types.NewPipelineError(proc.Name(), err))
		}
		input = out
	}

	// 1. 首先检查所有处理器是否就绪
	processorReady := make(chan error, 1)
	go func() {
		for _, processor := range processors {
			if err := processor.CheckReady(); err != nil {
				processorReady <- fmt.Errorf("processor %s not ready: %w", processor.Name(), err)
				return
			}
		}
		processorReady <- nil
	}()

	// 2. 等待处理器就绪，设置超时
	select {
	case err := <-processorReady:
		if err != nil {
			logrus.Error(err)
			return fail(types.NewPipelineError("start", err))
		}
		logrus.Debug("All processors are ready")
	case <-time.After(processorReadyTimeout):
		return fail(types.NewPipelineError("start", fmt.Errorf("timeout waiting for processors to be ready")))
	}
	logrus.Info("All processors have started successfully")

	// 3. 处理器就绪后，再启动sink
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)
		if err := snk.Consume(ctx, input); err != nil {
			logrus.Errorf("Sink error: %v", err)
			p.reportError(fmt.Errorf("sink error: %w", err))
		}
	}()

	// 4. 等待sink就绪
	select {
	case <-snk.Ready():
		logrus.Debug("Sink is ready")
	case <-time.After(sinkReadyTimeout):
		return fail(types.NewPipelineError("start", fmt.Errorf("timeout waiting for sink to be ready")))
	}
	logrus.Info("Sink have started successfully")

	// 5. 最后启动数据源，开始数据流转
	p.wg.Add(1)
	if err := src.Start(ctx, &p.wg); err != nil {
		p.wg.Done()
		logrus.Errorf("Failed to start source: %v", err)
		return fail(fmt.Errorf("failed to start source: %w", err))
	}
	logrus.Info("Data Source have started successfully")

	p.mu.Lock()
	p.status = "running"
	p.mu.Unlock()
	logrus.Info("Pipeline is now running")
	return nil
}

// reportError 错误通道满了就只记日志，不阻塞数据路径
func (p *pipeline) reportError(err error) {
	p.mu.Lock()
	ch := p.errChan
	p.mu.Unlock()
	select {
	case ch <- err:
	default:
		logrus.Errorf("Pipeline error dropped: %v", err)
	}
}

func (p *pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.status = "stopping"
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	logrus.Info("Pipeline stopping...")

	// 1. 取消上下文，通知所有goroutine退出
	cancel()

	// 2. 等待所有处理器完成
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		logrus.Info("All processors completed gracefully")
	case <-time.After(stopTimeout):
		logrus.Warn("Timeout waiting for processors to complete")
	}

	// 3. 清理处理器资源
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, processor := range p.processors {
		if cleaner, ok := processor.(interface{ Cleanup() error }); ok {
			if err := cleaner.Cleanup(); err != nil {
				logrus.Errorf("Error cleaning up processor %s: %v", processor.Name(), err)
			}
		}
	}

	p.status = "stopped"
	p.startTime = time.Time{}

	logrus.Info("Pipeline stopped and cleaned up")
	return nil
}

func (p *pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *pipeline) handleErrors(ctx context.Context) {
	p.mu.Lock()
	errChan := p.errChan
	p.mu.Unlock()

	logrus.Debug("Starting error handler")
	for {
		select {
		case err := <-errChan:
			logrus.Errorf("Pipeline error: %v", err)
		case <-ctx.Done():
			logrus.Debug("Context cancelled, stopping error handler")
			return
		}
	}
}

// GetStats 流水线运行状态
func (p *pipeline) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := map[string]interface{}{
		"status":     p.status,
		"processors": len(p.processors),
	}
	if !p.startTime.IsZero() {
		stats["uptime"] = time.Since(p.startTime).String()
	}
	for name, m := range p.metrics {
		stats[name] = m.GetStats()
	}
	return stats
}

// GetMetrics 实现Pipeline接口的GetMetrics方法
func (p *pipeline) GetMetrics() map[string]*metrics.ProcessorMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// SetConfig 实现Pipeline接口的SetConfig方法
func (p *pipeline) SetConfig(cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return types.NewPipelineError("config", fmt.Errorf("cannot set config while pipeline is running"))
	}

	if err := cfg.Validate(); err != nil {
		return types.NewPipelineError("config", err)
	}

	p.config = cfg
	return nil
}

// Status 实现Pipeline接口的Status方法
func (p *pipeline) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
