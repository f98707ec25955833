package sink

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/metrics"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

const (
	defaultQueueSize     = 128
	defaultNotifyTimeout = 5 * time.Second
)

// Notifier 告警推送目标
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event types.AttackEvent) error
}

// AlertSink 流水线末端，把判定为攻击的窗口结果推送给各 Notifier
// 推送在独立的 goroutine 中进行，队列满时丢弃，不阻塞流水线
type AlertSink struct {
	notifiers []Notifier
	queue     chan types.AttackEvent
	timeout   time.Duration
	ready     chan struct{}
	stats     *metrics.SinkMetrics
	wg        sync.WaitGroup
}

func NewAlertSink(queueSize int, notifiers ...Notifier) *AlertSink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &AlertSink{
		notifiers: notifiers,
		queue:     make(chan types.AttackEvent, queueSize),
		timeout:   defaultNotifyTimeout,
		ready:     make(chan struct{}),
		stats:     &metrics.SinkMetrics{},
	}
}

func (s *AlertSink) Consume(ctx context.Context, in <-chan *types.Packet) error {
	logrus.Info("Starting alert sink consumer")

	s.wg.Add(1)
	go s.deliver(context.WithoutCancel(ctx))

	defer func() {
		close(s.queue)
		s.wg.Wait()
		logrus.Info("Alert sink consumer stopped")
	}()

	close(s.ready)

	for {
		select {
		case <-ctx.Done():
			logrus.Debug("Alert sink received context cancellation")
			return nil
		case packet, ok := <-in:
			if !ok {
				logrus.Debug("Alert sink input channel closed")
				return nil
			}
			if packet == nil || packet.Verdict == nil || !packet.Verdict.Detected {
				continue
			}
			s.stats.IncrementAlerts()
			s.enqueue(packet.Verdict.Event)
		}
	}
}

func (s *AlertSink) enqueue(event types.AttackEvent) {
	if len(s.notifiers) == 0 {
		return
	}
	select {
	case s.queue <- event:
	default:
		s.stats.IncrementNotifyErrors()
		logrus.WithField("attack_type", event.AttackType).Warn("Alert queue full, dropping notification")
	}
}

// deliver 队列关闭后把剩余事件推送完再退出
func (s *AlertSink) deliver(ctx context.Context) {
	defer s.wg.Done()
	for event := range s.queue {
		for _, n := range s.notifiers {
			nctx, cancel := context.WithTimeout(ctx, s.timeout)
			err := n.Notify(nctx, event)
			cancel()
			if err != nil {
				s.stats.IncrementNotifyErrors()
				logrus.WithFields(logrus.Fields{
					"notifier":    n.Name(),
					"attack_type": event.AttackType,
				}).Errorf("Failed to send alert: %v", err)
				continue
			}
			logrus.Debugf("Alert successfully sent via %s", n.Name())
		}
	}
}

func (s *AlertSink) Ready() <-chan struct{} {
	return s.ready
}

func (s *AlertSink) Metrics() *metrics.SinkMetrics {
	return s.stats
}
