package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/types"
)

// NATSNotifier 把告警以 JSON 发布到 NATS subject
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
}

func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("ddos_detector"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logrus.Infof("Connected to NATS server at %s", url)
	return &NATSNotifier{nc: nc, subject: subject}, nil
}

func (n *NATSNotifier) Name() string {
	return "nats"
}

func (n *NATSNotifier) Notify(ctx context.Context, event types.AttackEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(alertPayload(event))
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject, data)
}

// Close 排空并关闭连接
func (n *NATSNotifier) Close() {
	if n.nc != nil {
		if err := n.nc.Drain(); err != nil {
			logrus.Warnf("Failed to drain NATS connection: %v", err)
		}
	}
}
