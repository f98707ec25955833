package system

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

const mb = 1024 * 1024

// Stats 主机资源快照，网络计数为所有网卡累计值
type Stats struct {
	Timestamp         time.Time `json:"timestamp"`
	CPUPercent        float64   `json:"cpu_usage"`
	MemoryPercent     float64   `json:"memory_usage"`
	MemoryAvailableMB float64   `json:"memory_available"`
	MemoryTotalMB     float64   `json:"memory_total"`
	BytesRecv         uint64    `json:"network_in"`
	BytesSent         uint64    `json:"network_out"`
	PacketsRecv       uint64    `json:"packets_in"`
	PacketsSent       uint64    `json:"packets_out"`
}

// Collector 采集主机资源
type Collector interface {
	Collect(ctx context.Context) (Stats, error)
}

// HostCollector 通过 gopsutil 读取本机资源
// CPU 使用率是相对上一次调用的增量，第一次调用返回开机以来的平均值
type HostCollector struct{}

func NewHostCollector() *HostCollector {
	return &HostCollector{}
}

func (HostCollector) Collect(ctx context.Context) (Stats, error) {
	stats := Stats{Timestamp: time.Now()}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return stats, fmt.Errorf("read cpu usage: %w", err)
	}
	if len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("read memory usage: %w", err)
	}
	stats.MemoryPercent = vm.UsedPercent
	stats.MemoryAvailableMB = float64(vm.Available) / mb
	stats.MemoryTotalMB = float64(vm.Total) / mb

	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return stats, fmt.Errorf("read network counters: %w", err)
	}
	if len(counters) > 0 {
		stats.BytesRecv = counters[0].BytesRecv
		stats.BytesSent = counters[0].BytesSent
		stats.PacketsRecv = counters[0].PacketsRecv
		stats.PacketsSent = counters[0].PacketsSent
	}
	return stats, nil
}
