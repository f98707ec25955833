package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/ddos_detector/pkg/types"
)

var t0 = time.Date(2024, 3, 18, 15, 30, 0, 0, time.UTC)

type memoryNotifier struct {
	mu     sync.Mutex
	events []types.AttackEvent
	err    error
}

func (m *memoryNotifier) Name() string { return "memory" }

func (m *memoryNotifier) Notify(_ context.Context, e types.AttackEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memoryNotifier) received() []types.AttackEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.AttackEvent(nil), m.events...)
}

func verdictPacket(detected bool, kind types.AttackType) *types.Packet {
	v := &types.Verdict{Detected: detected, Event: types.AttackEvent{Timestamp: t0}}
	if detected {
		v.Event = types.AttackEvent{
			Timestamp:  t0,
			AttackType: kind,
			Confidence: 1,
			SourceAddr: netip.MustParseAddr("10.0.0.66"),
		}
	}
	return &types.Packet{ID: string(kind), Verdict: v}
}

func TestAlertSinkDeliversDetectedOnly(t *testing.T) {
	good := &memoryNotifier{}
	bad := &memoryNotifier{err: errors.New("unreachable")}
	s := NewAlertSink(8, good, bad)

	in := make(chan *types.Packet, 8)
	in <- verdictPacket(true, types.AttackSYNFlood)
	in <- verdictPacket(false, "")
	in <- &types.Packet{ID: "no verdict"}
	in <- nil
	in <- verdictPacket(true, types.AttackPortScan)
	close(in)

	require.NoError(t, s.Consume(context.Background(), in))
	select {
	case <-s.Ready():
	default:
		t.Fatal("sink should be ready")
	}

	got := good.received()
	require.Len(t, got, 2)
	assert.Equal(t, types.AttackSYNFlood, got[0].AttackType)
	assert.Equal(t, types.AttackPortScan, got[1].AttackType)
	assert.Len(t, bad.received(), 2)

	assert.Equal(t, uint64(2), s.Metrics().AlertsReceived)
	assert.Equal(t, uint64(2), s.Metrics().NotifyErrors)
}

func TestAlertSinkDropsWhenQueueFull(t *testing.T) {
	s := NewAlertSink(1, &memoryNotifier{})
	// 没有启动推送 goroutine，第二个事件必然丢弃
	s.enqueue(types.AttackEvent{AttackType: types.AttackUDPFlood})
	s.enqueue(types.AttackEvent{AttackType: types.AttackUDPFlood})
	assert.Equal(t, uint64(1), s.Metrics().NotifyErrors)
}

func TestWebhookNotifier(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	event := verdictPacket(true, types.AttackSYNFlood).Verdict.Event
	require.NoError(t, n.Notify(context.Background(), event))

	assert.Equal(t, "syn_flood", body["alert_type"])
	assert.Equal(t, "10.0.0.66", body["source_ip"])
	assert.Equal(t, 1.0, body["confidence"])
	assert.Equal(t, "syn_flood_10.0.0.66_1710775800000000000", body["alert_id"])
}

func TestWebhookNotifierUnattributedAndFailures(t *testing.T) {
	var body map[string]interface{}
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 0)
	event := types.AttackEvent{Timestamp: t0, AttackType: types.AttackUDPFlood, Confidence: 0.8}
	require.NoError(t, n.Notify(context.Background(), event))
	assert.Nil(t, body["source_ip"])
	assert.Contains(t, body["alert_id"], "udp_flood_unknown_")

	status = http.StatusInternalServerError
	assert.Error(t, n.Notify(context.Background(), event))

	srv.Close()
	assert.Error(t, n.Notify(context.Background(), event))
}
