package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/haolipeng/gopacket/pcap"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/config"
	"github.com/haolipeng/ddos_detector/pkg/metrics"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

// PcapSource 从网卡实时抓包
type PcapSource struct {
	handle    *pcap.Handle
	output    chan *types.Packet
	bpfFilter string
	stats     *metrics.SourceMetrics
	device    string
}

func NewPcapSource(cfg *config.Config) (*PcapSource, error) {
	if cfg.Source.Interface == "" {
		return nil, fmt.Errorf("interface name is required")
	}

	timeout := cfg.Source.Timeout
	if timeout <= 0 {
		timeout = pcap.BlockForever
	}
	handle, err := pcap.OpenLive(
		cfg.Source.Interface,
		cfg.Source.SnapLen,
		cfg.Source.Promiscuous,
		timeout,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open interface %s: %w", cfg.Source.Interface, err)
	}

	return &PcapSource{
		handle:    handle,
		output:    make(chan *types.Packet, cfg.Pipeline.BufferSize),
		device:    cfg.Source.Interface,
		bpfFilter: cfg.Source.BPFFilter,
		stats:     &metrics.SourceMetrics{},
	}, nil
}

func (s *PcapSource) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if s.bpfFilter != "" {
		logrus.Debugf("Setting BPF filter: %s", s.bpfFilter)
		if err := s.handle.SetBPFFilter(s.bpfFilter); err != nil {
			logrus.Errorf("Failed to set BPF filter: %v", err)
			return err
		}
	}

	linkType := s.handle.LinkType()
	logrus.Infof("Started packet capture on %s with link type: %v", s.device, linkType)

	go func() {
		defer wg.Done()
		defer close(s.output)
		defer s.handle.Close()

		var packetCount int64
		for {
			select {
			case <-ctx.Done():
				logrus.Info("Stopping packet capture due to context cancellation")
				return
			default:
			}

			data, ci, err := s.handle.ZeroCopyReadPacketData()
			if err != nil {
				if errors.Is(err, pcap.NextErrorTimeoutExpired) {
					continue
				}
				if errors.Is(err, io.EOF) {
					logrus.Info("Capture handle closed")
					return
				}
				s.stats.IncrementErrorCount()
				logrus.Warnf("Error capturing packet: %v", err)
				continue
			}

			packetCount++
			// ZeroCopy 返回的缓冲区会被复用，需要复制
			raw := make([]byte, len(data))
			copy(raw, data)
			pkt := &types.Packet{
				ID:          fmt.Sprintf("pkt-%d", packetCount),
				Timestamp:   time.Now().UnixNano(),
				RawData:     raw,
				CaptureInfo: ci,
				LinkType:    linkType,
			}

			select {
			case s.output <- pkt:
				s.stats.IncrementPacketsCaptured()
				s.stats.AddBytesProcessed(uint64(len(raw)))
			case <-ctx.Done():
				return
			default:
				// 下游处理不过来时丢包，不阻塞抓包
				s.stats.IncrementPacketsDropped()
			}
		}
	}()

	return nil
}

func (s *PcapSource) Output() <-chan *types.Packet {
	return s.output
}

func (s *PcapSource) SetFilter(filter string) error {
	s.bpfFilter = filter
	return nil
}

func (s *PcapSource) GetStats() *metrics.SourceMetrics {
	return s.stats
}

// Interface 可抓包的网卡
type Interface struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Addresses   []string `json:"addresses"`
}

// ListInterfaces 列出本机可用于抓包的网卡
func ListInterfaces() ([]Interface, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	out := make([]Interface, 0, len(devs))
	for _, d := range devs {
		iface := Interface{Name: d.Name, Description: d.Description}
		for _, a := range d.Addresses {
			iface.Addresses = append(iface.Addresses, a.IP.String())
		}
		out = append(out, iface)
	}
	return out, nil
}
