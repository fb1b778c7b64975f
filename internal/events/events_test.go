package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rcourtman/plansync/internal/entitlement"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleChange() Change {
	before := &entitlement.Record{UserID: "u1", Tier: entitlement.TierMonth, SubscriptionID: "sub_1"}
	after := before.Clone()
	after.Active = true
	return NewChange("checkout.session.completed", before, after, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestNewChange(t *testing.T) {
	c := sampleChange()
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, entitlement.StateInactive, c.From)
	assert.Equal(t, entitlement.StateActive, c.To)
	assert.Equal(t, "entitlement.active", c.RoutingKey())

	deleted := NewChange("delete_account", &entitlement.Record{UserID: "u2", Tier: entitlement.TierNone}, nil, time.Now())
	assert.Equal(t, "u2", deleted.UserID)
	assert.Equal(t, entitlement.StateNoEntitlement, deleted.To)
	assert.Equal(t, entitlement.TierNone, deleted.Tier)

	created := NewChange("checkout.session.completed", nil, &entitlement.Record{UserID: "u3", Active: true, Tier: entitlement.TierWeek, SubscriptionID: "sub_3"}, time.Now())
	assert.Equal(t, entitlement.StateNoEntitlement, created.From)
}

func TestLogPublisherWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	p := NewLogPublisher(&logger)

	require.NoError(t, p.Publish(context.Background(), sampleChange()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "u1", line["user_id"])
	assert.Equal(t, "active", line["to"])
	assert.Equal(t, "Entitlement changed", line["message"])
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
	closed   bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRabbitMQPublisherRoutesByState(t *testing.T) {
	ch := &fakeChannel{}
	p := &RabbitMQPublisher{channel: ch, exchange: ExchangeName}

	require.NoError(t, p.Publish(context.Background(), sampleChange()))
	assert.Equal(t, ExchangeName, ch.exchange)
	assert.Equal(t, "entitlement.active", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)

	var decoded Change
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, "u1", decoded.UserID)

	ch.err = errors.New("channel closed")
	assert.Error(t, p.Publish(context.Background(), sampleChange()))

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByUser(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w}

	require.NoError(t, p.Publish(context.Background(), sampleChange()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("u1"), w.msgs[0].Key)
	assert.Equal(t, "routing_key", w.msgs[0].Headers[0].Key)
	assert.Equal(t, []byte("entitlement.active"), w.msgs[0].Headers[0].Value)
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "")
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultKafkaTopic, p.w.(*kafka.Writer).Topic)
}
