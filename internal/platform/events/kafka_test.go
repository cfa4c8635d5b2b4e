package events

import (
	"context"
	"errors"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobishop/api/internal/domain"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByOrderID(t *testing.T) {
	writer := &recordingWriter{}
	publisher := &KafkaPublisher{writer: writer}

	occurred := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	err := publisher.PublishOrderEvent(context.Background(), domain.OrderEvent{
		Type:           domain.OrderEventStatusChanged,
		OrderID:        "ord_1",
		Status:         "shipped",
		PreviousStatus: "processing",
		OccurredAt:     occurred,
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, []byte("ord_1"), msg.Key)
	assert.Equal(t, occurred, msg.Time)
	assert.Contains(t, string(msg.Value), `"previousStatus":"processing"`)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "order.status.changed", headers["type"])
	assert.Equal(t, "shipped", headers["status"])

	require.NoError(t, publisher.Close())
	assert.True(t, writer.closed)
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	boom := errors.New("broker down")
	publisher := &KafkaPublisher{writer: &recordingWriter{err: boom}}

	err := publisher.PublishOrderEvent(context.Background(), domain.OrderEvent{Type: domain.OrderEventPaid, OrderID: "ord_2"})
	assert.ErrorIs(t, err, boom)
}

func TestNewKafkaPublisherValidatesConfig(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "orders")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	publisher, err := NewKafkaPublisher([]string{"localhost:9092"}, "orders")
	require.NoError(t, err)
	assert.NoError(t, publisher.Close())
}
