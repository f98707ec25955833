package processor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/engine"
	"github.com/haolipeng/ddos_detector/pkg/metrics"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

// DetectionProcessor 把解析后的记录逐条送入引擎，只向下游转发携带分析结果的包
type DetectionProcessor struct {
	engine  *engine.Engine
	metrics *metrics.ProcessorMetrics
}

func NewDetectionProcessor(e *engine.Engine) *DetectionProcessor {
	return &DetectionProcessor{
		engine:  e,
		metrics: &metrics.ProcessorMetrics{},
	}
}

func (d *DetectionProcessor) Stage() types.Stage {
	return types.StageDetection
}

func (d *DetectionProcessor) Name() string {
	return "DetectionProcessor"
}

func (d *DetectionProcessor) CheckReady() error {
	if d.engine == nil {
		return types.ErrProcessorNotReady
	}
	return nil
}

func (d *DetectionProcessor) Metrics() *metrics.ProcessorMetrics {
	return d.metrics
}

func (d *DetectionProcessor) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	out := make(chan *types.Packet, 16)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				logrus.Debug("Detection processor stopping due to context cancellation")
				return
			case packet, ok := <-in:
				if !ok {
					logrus.Debug("Detection processor: input channel closed")
					return
				}
				if packet == nil || packet.Record == nil {
					d.metrics.IncrementDropped()
					continue
				}

				start := time.Now()
				verdict, err := d.engine.Ingest(*packet.Record)
				d.metrics.AddProcessingTime(time.Since(start))
				if err != nil {
					// 单条记录出错不影响后续处理
					packet.LastError = err
					d.metrics.IncrementDropped()
					logrus.WithField("packet_id", packet.ID).Warnf("Record rejected by engine: %v", err)
					continue
				}
				d.metrics.IncrementProcessed()
				if verdict == nil {
					continue
				}

				d.metrics.IncrementVerdicts()
				if verdict.Detected {
					d.metrics.IncrementAttacks()
				}
				packet.Verdict = verdict

				select {
				case out <- packet:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
