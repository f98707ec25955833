package processor

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/haolipeng/gopacket"
	"github.com/haolipeng/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/metrics"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

// ProtocolParser 将原始帧解码为 PacketRecord
// 单个 goroutine 处理，保持到达顺序
type ProtocolParser struct {
	bufferSize int
	metrics    *metrics.ProcessorMetrics
	ready      bool
}

func NewProtocolParser(bufferSize int) *ProtocolParser {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ProtocolParser{
		bufferSize: bufferSize,
		metrics:    &metrics.ProcessorMetrics{},
	}
}

func (p *ProtocolParser) Stage() types.Stage {
	return types.StageProtocolParsing
}

func (p *ProtocolParser) Name() string {
	return "ProtocolParser"
}

func (p *ProtocolParser) CheckReady() error {
	if !p.ready {
		return types.ErrProcessorNotReady
	}
	return nil
}

func (p *ProtocolParser) Metrics() *metrics.ProcessorMetrics {
	return p.metrics
}

func (p *ProtocolParser) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	out := make(chan *types.Packet, p.bufferSize)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		logrus.Debug("Protocol parser started")

		for {
			select {
			case <-ctx.Done():
				logrus.Debug("Protocol parser stopping due to context cancellation")
				return
			case packet, ok := <-in:
				if !ok {
					logrus.Debug("Protocol parser: input channel closed")
					return
				}
				if packet == nil {
					logrus.Warn("Protocol parser received nil packet")
					continue
				}

				start := time.Now()
				if !p.parse(packet) {
					p.metrics.IncrementDropped()
					continue
				}
				p.metrics.IncrementProcessed()
				p.metrics.AddProcessingTime(time.Since(start))

				select {
				case out <- packet:
				case <-ctx.Done():
					logrus.Warn("Protocol parser: context cancelled while sending packet")
					return
				}
			}
		}
	}()

	p.ready = true
	return out, nil
}

// parse 返回 false 表示丢弃该包
func (p *ProtocolParser) parse(packet *types.Packet) bool {
	// 已由数据源直接给出记录（模拟流量）
	if packet.Record != nil {
		return true
	}

	rec, err := DecodeRecord(packet.RawData, packet.LinkType, packet.CaptureInfo)
	if err != nil {
		packet.LastError = err
		logrus.WithField("packet_id", packet.ID).Warnf("Dropping packet: %v", err)
		return false
	}
	if rec == nil {
		return false
	}
	packet.Record = rec
	return true
}

// errNotTracked 非IP或不关心的传输层协议
var errNotTracked = errors.New("protocol not tracked")

// DecodeRecord 解析一帧数据
// 非IP流量或其他传输层协议返回 (nil, nil)；IP报文的传输层头部不完整时返回 ErrMalformedRecord
func DecodeRecord(data []byte, linkType layers.LinkType, ci gopacket.CaptureInfo) (*types.PacketRecord, error) {
	parsed := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{NoCopy: true})

	src, dst, ok := networkAddrs(parsed)
	if !ok {
		return nil, nil
	}

	ts := ci.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	size := ci.Length
	if size <= 0 {
		size = len(data)
	}

	rec, err := transportRecord(parsed, ts, size, src, dst)
	if errors.Is(err, errNotTracked) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

func networkAddrs(parsed gopacket.Packet) (netip.Addr, netip.Addr, bool) {
	if l := parsed.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		src, ok1 := netip.AddrFromSlice(ip.SrcIP.To4())
		dst, ok2 := netip.AddrFromSlice(ip.DstIP.To4())
		return src, dst, ok1 && ok2
	}
	if l := parsed.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		src, ok1 := netip.AddrFromSlice(ip.SrcIP)
		dst, ok2 := netip.AddrFromSlice(ip.DstIP)
		return src, dst, ok1 && ok2
	}
	return netip.Addr{}, netip.Addr{}, false
}

func transportRecord(parsed gopacket.Packet, ts time.Time, size int, src, dst netip.Addr) (types.PacketRecord, error) {
	if l := parsed.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		return types.NewTCPRecord(ts, size, src, dst, types.TCPFields{
			SrcPort: uint16(tcp.SrcPort),
			DstPort: uint16(tcp.DstPort),
			Flags:   tcpFlags(tcp),
		}), nil
	}
	if l := parsed.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		return types.NewUDPRecord(ts, size, src, dst, types.UDPFields{
			SrcPort: uint16(udp.SrcPort),
			DstPort: uint16(udp.DstPort),
		}), nil
	}
	if l := parsed.Layer(layers.LayerTypeICMPv4); l != nil {
		icmp := l.(*layers.ICMPv4)
		return types.NewICMPRecord(ts, size, src, dst, types.ICMPFields{
			Type: icmp.TypeCode.Type(),
			Code: icmp.TypeCode.Code(),
		}), nil
	}
	if l := parsed.Layer(layers.LayerTypeICMPv6); l != nil {
		icmp := l.(*layers.ICMPv6)
		return types.NewICMPRecord(ts, size, src, dst, types.ICMPFields{
			Type: icmp.TypeCode.Type(),
			Code: icmp.TypeCode.Code(),
		}), nil
	}

	if !tracked(parsed) {
		return types.PacketRecord{}, errNotTracked
	}
	// IP头声明了TCP/UDP/ICMP但传输层解码失败，说明头部被截断
	reason := "missing transport header"
	if errLayer := parsed.ErrorLayer(); errLayer != nil {
		reason = errLayer.Error().Error()
	}
	return types.PacketRecord{}, fmt.Errorf("%w: %s", types.ErrMalformedRecord, reason)
}

// tracked IP头中的上层协议是否为引擎关心的协议
func tracked(parsed gopacket.Packet) bool {
	if l := parsed.Layer(layers.LayerTypeIPv4); l != nil {
		switch l.(*layers.IPv4).Protocol {
		case layers.IPProtocolTCP, layers.IPProtocolUDP, layers.IPProtocolICMPv4:
			// 非首片分片没有传输层头部
			return l.(*layers.IPv4).FragOffset == 0
		}
		return false
	}
	if l := parsed.Layer(layers.LayerTypeIPv6); l != nil {
		switch l.(*layers.IPv6).NextHeader {
		case layers.IPProtocolTCP, layers.IPProtocolUDP, layers.IPProtocolICMPv6:
			return true
		}
	}
	return false
}

func tcpFlags(tcp *layers.TCP) types.TCPFlags {
	var f types.TCPFlags
	if tcp.FIN {
		f |= types.FlagFIN
	}
	if tcp.SYN {
		f |= types.FlagSYN
	}
	if tcp.RST {
		f |= types.FlagRST
	}
	if tcp.PSH {
		f |= types.FlagPSH
	}
	if tcp.ACK {
		f |= types.FlagACK
	}
	if tcp.URG {
		f |= types.FlagURG
	}
	return f
}
