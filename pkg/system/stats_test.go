package system

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostCollectorReadsLocalMachine(t *testing.T) {
	c := NewHostCollector()
	stats, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.False(t, stats.Timestamp.IsZero())
	assert.Greater(t, stats.MemoryTotalMB, 0.0)
	assert.LessOrEqual(t, stats.MemoryAvailableMB, stats.MemoryTotalMB)
	assert.GreaterOrEqual(t, stats.MemoryPercent, 0.0)
	assert.LessOrEqual(t, stats.MemoryPercent, 100.0)
	assert.GreaterOrEqual(t, stats.CPUPercent, 0.0)

	// 计数器单调递增
	again, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, again.BytesRecv, stats.BytesRecv)
	assert.GreaterOrEqual(t, again.PacketsSent, stats.PacketsSent)
}
