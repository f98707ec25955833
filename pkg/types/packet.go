package types

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/haolipeng/gopacket"
	"github.com/haolipeng/gopacket/layers"
)

// Packet 表示处理流水线中传递的数据包
type Packet struct {
	ID          string
	Timestamp   int64
	RawData     []byte
	CaptureInfo gopacket.CaptureInfo
	LinkType    layers.LinkType
	LastError   error

	Record  *PacketRecord // 协议解析结果
	Verdict *Verdict      // 窗口分析结果，仅在窗口填满的那个包上设置
}

// Protocol 传输层协议，取值与IP协议号一致
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMP:
		return "icmp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// TCPFlags TCP标志位
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 0x01
	FlagSYN TCPFlags = 0x02
	FlagRST TCPFlags = 0x04
	FlagPSH TCPFlags = 0x08
	FlagACK TCPFlags = 0x10
	FlagURG TCPFlags = 0x20
)

func (f TCPFlags) Has(flag TCPFlags) bool {
	return f&flag != 0
}

type TCPFields struct {
	SrcPort uint16
	DstPort uint16
	Flags   TCPFlags
}

type UDPFields struct {
	SrcPort uint16
	DstPort uint16
}

type ICMPFields struct {
	Type uint8
	Code uint8
}

// PacketRecord 引擎消费的规范化数据包记录
// 协议相关字段只在协议匹配时存在，其余为nil
type PacketRecord struct {
	Timestamp time.Time
	Size      int
	SrcAddr   netip.Addr
	DstAddr   netip.Addr
	Protocol  Protocol

	TCP  *TCPFields
	UDP  *UDPFields
	ICMP *ICMPFields
}

func NewTCPRecord(ts time.Time, size int, src, dst netip.Addr, fields TCPFields) PacketRecord {
	return PacketRecord{Timestamp: ts, Size: size, SrcAddr: src, DstAddr: dst, Protocol: ProtocolTCP, TCP: &fields}
}

func NewUDPRecord(ts time.Time, size int, src, dst netip.Addr, fields UDPFields) PacketRecord {
	return PacketRecord{Timestamp: ts, Size: size, SrcAddr: src, DstAddr: dst, Protocol: ProtocolUDP, UDP: &fields}
}

func NewICMPRecord(ts time.Time, size int, src, dst netip.Addr, fields ICMPFields) PacketRecord {
	return PacketRecord{Timestamp: ts, Size: size, SrcAddr: src, DstAddr: dst, Protocol: ProtocolICMP, ICMP: &fields}
}

// Validate 检查记录是否完整：地址有效，且只携带与协议匹配的那一组字段
func (r PacketRecord) Validate() error {
	if !r.SrcAddr.IsValid() || !r.DstAddr.IsValid() {
		return fmt.Errorf("%w: invalid address", ErrMalformedRecord)
	}
	if r.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrMalformedRecord, r.Size)
	}

	var ok bool
	switch r.Protocol {
	case ProtocolTCP:
		ok = r.TCP != nil && r.UDP == nil && r.ICMP == nil
	case ProtocolUDP:
		ok = r.UDP != nil && r.TCP == nil && r.ICMP == nil
	case ProtocolICMP:
		ok = r.ICMP != nil && r.TCP == nil && r.UDP == nil
	default:
		return fmt.Errorf("%w: unsupported protocol %s", ErrMalformedRecord, r.Protocol)
	}
	if !ok {
		return fmt.Errorf("%w: fields do not match protocol %s", ErrMalformedRecord, r.Protocol)
	}
	return nil
}

// DstPort 返回目的端口，ICMP没有端口
func (r PacketRecord) DstPort() (uint16, bool) {
	switch {
	case r.TCP != nil:
		return r.TCP.DstPort, true
	case r.UDP != nil:
		return r.UDP.DstPort, true
	default:
		return 0, false
	}
}

// IsSYN 是否为置位SYN的TCP包
func (r PacketRecord) IsSYN() bool {
	return r.TCP != nil && r.TCP.Flags.Has(FlagSYN)
}

// Stage 表示处理阶段
type Stage int

const (
	StageProtocolParsing Stage = iota + 1 //协议解析
	StageDetection                        //异常检测
)
