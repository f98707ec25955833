package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/ddos_detector/pkg/config"
	"github.com/haolipeng/ddos_detector/pkg/metrics"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

type sliceSource struct {
	packets []*types.Packet
	out     chan *types.Packet
}

func newSliceSource(n int) *sliceSource {
	s := &sliceSource{out: make(chan *types.Packet)}
	for i := 0; i < n; i++ {
		s.packets = append(s.packets, &types.Packet{ID: fmt.Sprintf("%d", i)})
	}
	return s
}

func (s *sliceSource) Start(ctx context.Context, wg *sync.WaitGroup) error {
	go func() {
		defer wg.Done()
		defer close(s.out)
		for _, p := range s.packets {
			select {
			case s.out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *sliceSource) Output() <-chan *types.Packet { return s.out }
func (s *sliceSource) SetFilter(string) error       { return nil }

// tagProcessor 在包ID后追加名称，用于验证阶段顺序
type tagProcessor struct {
	name     string
	stage    types.Stage
	notReady bool
	m        metrics.ProcessorMetrics
}

func (p *tagProcessor) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	out := make(chan *types.Packet)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case pkt, ok := <-in:
				if !ok {
					return
				}
				pkt.ID += "/" + p.name
				p.m.IncrementProcessed()
				select {
				case out <- pkt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *tagProcessor) Stage() types.Stage { return p.stage }
func (p *tagProcessor) Name() string       { return p.name }
func (p *tagProcessor) CheckReady() error {
	if p.notReady {
		return types.ErrProcessorNotReady
	}
	return nil
}
func (p *tagProcessor) Metrics() *metrics.ProcessorMetrics { return &p.m }

type memorySink struct {
	mu      sync.Mutex
	packets []*types.Packet
	ready   chan struct{}
}

func newMemorySink() *memorySink {
	return &memorySink{ready: make(chan struct{})}
}

func (s *memorySink) Consume(ctx context.Context, in <-chan *types.Packet) error {
	close(s.ready)
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			s.mu.Lock()
			s.packets = append(s.packets, pkt)
			s.mu.Unlock()
		}
	}
}

func (s *memorySink) Ready() <-chan struct{} { return s.ready }

func TestPipelineRunsStagesInOrder(t *testing.T) {
	p := NewPipeline()
	// 故意倒序添加，流水线按Stage排序
	require.NoError(t, p.AddProcessor(&tagProcessor{name: "detect", stage: types.StageDetection}))
	require.NoError(t, p.AddProcessor(&tagProcessor{name: "parse", stage: types.StageProtocolParsing}))
	p.SetSource(newSliceSource(5))
	sink := newMemorySink()
	p.SetSink(sink)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, "running", p.Status())

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain")
	}

	require.Len(t, sink.packets, 5)
	assert.Equal(t, "0/parse/detect", sink.packets[0].ID)
	assert.Equal(t, uint64(5), p.GetMetrics()["detect"].ProcessedPackets)

	require.NoError(t, p.Stop())
	assert.Equal(t, "stopped", p.Status())
	// 重复停止没有副作用
	require.NoError(t, p.Stop())
}

func TestPipelineProcessorNotReady(t *testing.T) {
	p := NewPipeline()
	require.NoError(t, p.AddProcessor(&tagProcessor{name: "broken", stage: types.StageDetection, notReady: true}))
	p.SetSource(newSliceSource(1))
	p.SetSink(newMemorySink())

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrProcessorNotReady))
	assert.Equal(t, "failed", p.Status())
}

func TestPipelineRequiresSourceAndSink(t *testing.T) {
	p := NewPipeline()
	var pe *types.PipelineError
	assert.ErrorAs(t, p.Start(context.Background()), &pe)
}

func TestPipelineRejectsChangesWhileRunning(t *testing.T) {
	p := NewPipeline()
	p.SetSource(&sliceSource{out: make(chan *types.Packet)})
	p.SetSink(newMemorySink())
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.Error(t, p.AddProcessor(&tagProcessor{name: "late"}))
	assert.Error(t, p.SetConfig(config.DefaultConfig()))
	assert.Error(t, p.Start(context.Background()))
}
