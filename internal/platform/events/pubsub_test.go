package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mobishop/api/internal/domain"
)

func TestPubSubPublisherPublishesOrderEvent(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubPublisher: %v", err)
	}
	defer publisher.Close()

	event := domain.OrderEvent{
		Type:       domain.OrderEventPaid,
		OrderID:    "ord_01HZX",
		Status:     string(domain.OrderStatusPaid),
		Total:      12990,
		Currency:   "ARS",
		Provider:   "mercadopago",
		PaymentID:  "123456",
		OccurredAt: time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
		Attributes: map[string]string{" source ": "webhook", "": "dropped"},
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]

	var payload domain.OrderEvent
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != event.OrderID || payload.Total != event.Total || payload.Type != domain.OrderEventPaid {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if msg.OrderingKey != "ord_01HZX" {
		t.Fatalf("expected ordering key, got %q", msg.OrderingKey)
	}
	if msg.Attributes["type"] != "order.paid" || msg.Attributes["provider"] != "mercadopago" {
		t.Fatalf("unexpected attributes %v", msg.Attributes)
	}
	if msg.Attributes["source"] != "webhook" {
		t.Fatalf("expected trimmed custom attribute, got %v", msg.Attributes)
	}
	if _, ok := msg.Attributes[""]; ok {
		t.Fatalf("empty attribute key should be dropped")
	}
}

func TestNewPubSubPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
