package types

import (
	"encoding/json"
	"net/netip"
	"time"
)

// AttackType 检测器名称，同时也是告警类型
type AttackType string

const (
	AttackSYNFlood  AttackType = "syn_flood"
	AttackUDPFlood  AttackType = "udp_flood"
	AttackICMPFlood AttackType = "icmp_flood"
	AttackHTTPFlood AttackType = "http_flood"
	AttackPortScan  AttackType = "port_scan"
)

// AttackEvent 一次攻击判定
// SourceAddr 为零值时表示没有明确的单一来源
type AttackEvent struct {
	Timestamp  time.Time
	AttackType AttackType
	Confidence float64
	SourceAddr netip.Addr
}

// HasSource 是否归因到了具体来源地址
func (e AttackEvent) HasSource() bool {
	return e.SourceAddr.IsValid()
}

// SourceIP 来源地址的字符串形式，无来源时为空串
func (e AttackEvent) SourceIP() string {
	if !e.HasSource() {
		return ""
	}
	return e.SourceAddr.String()
}

type attackEventJSON struct {
	Timestamp  time.Time  `json:"timestamp"`
	AttackType AttackType `json:"type"`
	Confidence float64    `json:"confidence"`
	SourceIP   *string    `json:"source_ip"`
}

func (e AttackEvent) MarshalJSON() ([]byte, error) {
	out := attackEventJSON{
		Timestamp:  e.Timestamp,
		AttackType: e.AttackType,
		Confidence: e.Confidence,
	}
	if e.HasSource() {
		ip := e.SourceAddr.String()
		out.SourceIP = &ip
	}
	return json.Marshal(out)
}

// DetectorScore 单个检测器对当前窗口的评分
type DetectorScore struct {
	AttackType AttackType `json:"type"`
	Confidence float64    `json:"confidence"`
	Source     netip.Addr `json:"source_ip"`
}

// Verdict 仲裁结果
// Detected 为 false 时 Event 只携带时间戳
type Verdict struct {
	Detected bool            `json:"detected"`
	Event    AttackEvent     `json:"event"`
	Scores   []DetectorScore `json:"scores"`
}

// Baseline 单次估计的各协议基线速率（包/秒）
type Baseline struct {
	Established bool    `json:"established"`
	PacketRate  float64 `json:"avg_packet_rate"`
	SYNRate     float64 `json:"avg_syn_rate"`
	UDPRate     float64 `json:"avg_udp_rate"`
	ICMPRate    float64 `json:"avg_icmp_rate"`
}
