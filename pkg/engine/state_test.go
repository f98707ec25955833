package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/ddos_detector/pkg/types"
)

func TestRingOverwritesOldest(t *testing.T) {
	r := newRing[int](3)
	assert.Empty(t, r.Slice())

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Slice())
	assert.Equal(t, []int{4, 5}, r.Tail(2))
	assert.Equal(t, []int{3, 4, 5}, r.Tail(10))
	assert.Empty(t, r.Tail(-1))

	r.Reset()
	assert.Zero(t, r.Len())
	r.Push(7)
	assert.Equal(t, []int{7}, r.Slice())
}

func TestWindowBuffer(t *testing.T) {
	w := NewWindowBuffer(3)
	for i := 0; i < 2; i++ {
		ready, err := w.Append(tcp(t0, srcA, 80, types.FlagACK))
		require.NoError(t, err)
		assert.False(t, ready)
	}
	ready, err := w.Append(tcp(t0, srcA, 80, types.FlagACK))
	require.NoError(t, err)
	assert.True(t, ready)

	_, err = w.Append(tcp(t0, srcA, 80, types.FlagACK))
	assert.ErrorIs(t, err, types.ErrWindowOverflow)

	drained := w.Drain()
	assert.Len(t, drained, 3)
	assert.Zero(t, w.Len())
}

func TestBaselineEstimator(t *testing.T) {
	b := NewBaselineEstimator(300)

	window := []types.PacketRecord{
		tcp(t0, srcA, 80, types.FlagSYN),
		tcp(t0.Add(2*time.Second), srcA, 80, types.FlagACK),
	}

	established, err := b.Observe(window, Counters{Total: 300, SYN: 10})
	require.NoError(t, err)
	assert.False(t, established, "total must strictly exceed the minimum")

	// 零时间跨度的窗口推迟到下一次
	flat := []types.PacketRecord{window[0], window[0]}
	established, err = b.Observe(flat, Counters{Total: 301})
	assert.ErrorIs(t, err, types.ErrZeroElapsed)
	assert.False(t, established)
	assert.False(t, b.Established())

	established, err = b.Observe(window, Counters{Total: 301, SYN: 10, UDP: 4, ICMP: 2})
	require.NoError(t, err)
	assert.True(t, established)

	got := b.Baseline()
	assert.InDelta(t, 1.0, got.PacketRate, 1e-9)
	assert.InDelta(t, 5.0, got.SYNRate, 1e-9)
	assert.InDelta(t, 2.0, got.UDPRate, 1e-9)
	assert.InDelta(t, 1.0, got.ICMPRate, 1e-9)

	// 基线只建立一次
	established, err = b.Observe(window, Counters{Total: 1000, SYN: 900})
	require.NoError(t, err)
	assert.False(t, established)
	assert.Equal(t, got, b.Baseline())
}

func TestCountersObserve(t *testing.T) {
	var c Counters
	c.Observe(tcp(t0, srcA, 80, types.FlagSYN))
	c.Observe(tcp(t0, srcA, 443, types.FlagACK))
	c.Observe(types.NewUDPRecord(t0, 100, srcA, target, types.UDPFields{DstPort: 443}))
	c.Observe(types.NewICMPRecord(t0, 84, srcA, target, types.ICMPFields{Type: 8}))

	assert.Equal(t, Counters{Total: 4, SYN: 1, UDP: 1, ICMP: 1, HTTP: 1, HTTPS: 1}, c)
}

func TestSourceTable(t *testing.T) {
	table := NewSourceTable(2)
	table.Record(types.NewTCPRecord(t0, 100, srcA, target, types.TCPFields{DstPort: 80, Flags: types.FlagSYN}))
	table.Record(types.NewTCPRecord(t0.Add(time.Second), 200, srcA, target, types.TCPFields{DstPort: 81}))
	table.Record(types.NewTCPRecord(t0.Add(2*time.Second), 400, srcA, target, types.TCPFields{DstPort: 80}))
	table.Record(types.NewICMPRecord(t0, 84, hostAddr(1), target, types.ICMPFields{Type: 8}))

	sum, ok := table.Summary(srcA)
	require.True(t, ok)
	assert.Equal(t, uint64(3), sum.PacketCount)
	assert.Equal(t, uint64(1), sum.SYNCount)
	assert.Equal(t, 2, sum.PortsTargeted)
	assert.Equal(t, t0.Add(2*time.Second), sum.LastSeen)
	// 只保留最近两个包长样本
	assert.InDelta(t, 300.0, sum.AvgPacketSize, 1e-9)

	icmpSum, ok := table.Summary(hostAddr(1))
	require.True(t, ok)
	assert.Zero(t, icmpSum.PortsTargeted)

	top := table.Top(1)
	require.Len(t, top, 1)
	assert.Equal(t, srcA, top[0].Addr)

	table.MarkBlocked(srcA)
	s, _ := table.Get(srcA)
	assert.True(t, s.IsBlocked)

	assert.Equal(t, 1, table.Evict(t0.Add(time.Second)))
	assert.Equal(t, 1, table.Len())
}
