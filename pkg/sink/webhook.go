package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/haolipeng/ddos_detector/pkg/types"
)

// WebhookNotifier 以 JSON 形式 POST 告警到 HTTP 地址
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
}

func NewWebhookNotifier(endpoint string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	return &WebhookNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// alertID 攻击类型_来源_时间戳
func alertID(event types.AttackEvent) string {
	src := event.SourceIP()
	if src == "" {
		src = "unknown"
	}
	return fmt.Sprintf("%s_%s_%d", event.AttackType, src, event.Timestamp.UnixNano())
}

func alertPayload(event types.AttackEvent) map[string]interface{} {
	var src interface{}
	if event.HasSource() {
		src = event.SourceIP()
	}
	return map[string]interface{}{
		"alert_id":    alertID(event),
		"alert_time":  event.Timestamp,
		"alert_type":  event.AttackType,
		"confidence":  event.Confidence,
		"source_ip":   src,
		"description": fmt.Sprintf("%s detected with confidence %.2f", event.AttackType, event.Confidence),
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, event types.AttackEvent) error {
	jsonData, err := json.Marshal(alertPayload(event))
	if err != nil {
		return fmt.Errorf("failed to marshal alert info: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert server returned status code %d", resp.StatusCode)
	}
	return nil
}
