// Package events publishes order domain events to Pub/Sub or Kafka.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mobishop/api/internal/domain"
)

// NopPublisher drops every event. It is used when API_EVENTS_DRIVER=none.
type NopPublisher struct{}

func (NopPublisher) PublishOrderEvent(context.Context, domain.OrderEvent) error { return nil }

func (NopPublisher) Close() error { return nil }

func encode(event domain.OrderEvent) ([]byte, map[string]string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, nil, err
	}
	attrs := make(map[string]string, len(event.Attributes)+4)
	for k, v := range event.Attributes {
		setAttr(attrs, k, v)
	}
	setAttr(attrs, "type", string(event.Type))
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.Status)
	setAttr(attrs, "provider", event.Provider)
	if !event.OccurredAt.IsZero() {
		attrs["occurredAt"] = strconv.FormatInt(event.OccurredAt.UnixMilli(), 10)
	}
	return data, attrs, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
