package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/haolipeng/gopacket"
	"github.com/haolipeng/gopacket/layers"
	"github.com/haolipeng/gopacket/pcap"
	"github.com/haolipeng/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/metrics"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

// packetReader pcap 与 pcapng 读取器的公共部分
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PcapFileSource 离线回放 pcap/pcapng 文件，保留原始时间戳
type PcapFileSource struct {
	file      *os.File
	reader    packetReader
	output    chan *types.Packet
	bpfFilter string
	done      chan struct{}
	stats     *metrics.SourceMetrics
	filename  string
}

func NewPcapFileSource(filename string, bufferSize int) (*PcapFileSource, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", filename, err)
	}

	reader, err := openReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap file %s: %w", filename, err)
	}

	return &PcapFileSource{
		file:     f,
		reader:   reader,
		output:   make(chan *types.Packet, bufferSize),
		filename: filename,
		done:     make(chan struct{}),
		stats:    &metrics.SourceMetrics{},
	}, nil
}

// openReader 先按 pcap 格式读取，失败后按 pcapng 读取
func openReader(f *os.File) (packetReader, error) {
	if r, err := pcapgo.NewReader(bufio.NewReader(f)); err == nil {
		return r, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	ng, err := pcapgo.NewNgReader(bufio.NewReader(f), pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, err
	}
	return ng, nil
}

func (s *PcapFileSource) Start(ctx context.Context, wg *sync.WaitGroup) error {
	linkType := s.reader.LinkType()

	var filter *pcap.BPF
	if s.bpfFilter != "" {
		logrus.Debugf("Setting BPF filter: %s", s.bpfFilter)
		bpf, err := pcap.NewBPF(linkType, 65535, s.bpfFilter)
		if err != nil {
			logrus.Errorf("Failed to compile BPF filter: %v", err)
			return err
		}
		filter = bpf
	}

	logrus.Infof("Started reading packets from file: %s", s.filename)

	go func() {
		defer wg.Done()
		defer close(s.done)
		defer close(s.output)
		defer s.file.Close()

		var packetCount int64
		for {
			select {
			case <-ctx.Done():
				logrus.Info("Stopping packet reading due to context cancellation")
				return
			default:
			}

			data, ci, err := s.reader.ReadPacketData()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					logrus.Info("Reached end of pcap file")
					return
				}
				s.stats.IncrementErrorCount()
				logrus.Warnf("Error reading packet: %v", err)
				return
			}
			if filter != nil && !filter.Matches(ci, data) {
				continue
			}

			packetCount++
			pkt := &types.Packet{
				ID:          fmt.Sprintf("pkt-%d", packetCount),
				Timestamp:   ci.Timestamp.UnixNano(),
				RawData:     data,
				CaptureInfo: ci,
				LinkType:    linkType,
			}

			// 回放时不丢包，阻塞等待下游
			select {
			case s.output <- pkt:
				s.stats.IncrementPacketsCaptured()
				s.stats.AddBytesProcessed(uint64(len(data)))
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (s *PcapFileSource) Output() <-chan *types.Packet {
	return s.output
}

func (s *PcapFileSource) SetFilter(filter string) error {
	s.bpfFilter = filter
	return nil
}

func (s *PcapFileSource) GetStats() *metrics.SourceMetrics {
	return s.stats
}

func (s *PcapFileSource) WaitForCompletion() <-chan struct{} {
	return s.done
}
