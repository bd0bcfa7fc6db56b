// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDelivery(t *testing.T) {
	now := time.Now()
	ack := &MockAcknowledger{}

	d := NewDelivery(amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte(`{"id":"1"}`),
		ConsumerTag:  "orders-consumer",
		DeliveryTag:  3,
		Exchange:     "orders-exchange",
		RoutingKey:   "orders.created",
		Type:         "tunnelmq.Order",
		MessageId:    "msg-1",
		ContentType:  JsonContentType,
		AppId:        "billing",
		Timestamp:    now,
		Redelivered:  true,
		Headers:      amqp.Table{"k": "v"},
	})

	assert.Equal(t, []byte(`{"id":"1"}`), d.Body)
	assert.Equal(t, "orders-consumer", d.ConsumerTag)
	assert.Equal(t, uint64(3), d.DeliveryTag)
	assert.Equal(t, "orders-exchange", d.Exchange)
	assert.Equal(t, "orders.created", d.RoutingKey)
	assert.Equal(t, "tunnelmq.Order", d.Type)
	assert.Equal(t, "msg-1", d.MessageID)
	assert.Equal(t, "billing", d.AppID)
	assert.Equal(t, now, d.Timestamp)
	assert.True(t, d.Redelivered)
	assert.Equal(t, "v", d.Headers["k"])
}

func TestDelivery_AckSettlesOnce(t *testing.T) {
	ack := &MockAcknowledger{}
	d := NewDelivery(amqp.Delivery{Acknowledger: ack, DeliveryTag: 9})

	require.NoError(t, d.Ack())
	require.NoError(t, d.Ack())
	require.NoError(t, d.Nack(true))

	assert.Equal(t, []uint64{9}, ack.Acks())
	assert.Empty(t, ack.Nacks())
}

func TestDelivery_Nack(t *testing.T) {
	ack := &MockAcknowledger{}
	d := NewDelivery(amqp.Delivery{Acknowledger: ack, DeliveryTag: 4})

	require.NoError(t, d.Nack(false))
	assert.Equal(t, []uint64{4}, ack.Nacks())
}

func TestDelivery_AckError(t *testing.T) {
	ack := &MockAcknowledger{}
	ack.SetAckFunc(func(bool) error { return amqp.ErrClosed })

	d := NewDelivery(amqp.Delivery{Acknowledger: ack})
	assert.True(t, errors.Is(d.Ack(), amqp.ErrClosed))
}

func TestDelivery_WithoutAcknowledger(t *testing.T) {
	d := &Delivery{}

	assert.ErrorIs(t, d.Ack(), ErrNilChannel)
	assert.ErrorIs(t, d.Nack(false), ErrNilChannel)
}

func TestDelivery_Metadata(t *testing.T) {
	tests := []struct {
		name           string
		headers        amqp.Table
		expectedXCount int64
	}{
		{name: "without x-death", headers: amqp.Table{}, expectedXCount: 0},
		{
			name: "with x-death",
			headers: amqp.Table{
				"x-death": []any{amqp.Table{"count": int64(3), "queue": "orders"}},
			},
			expectedXCount: 3,
		},
		{name: "malformed x-death", headers: amqp.Table{"x-death": "nope"}, expectedXCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDelivery(amqp.Delivery{
				ConsumerTag: "tag",
				DeliveryTag: 1,
				MessageId:   "msg-1",
				Type:        "tunnelmq.Order",
				Exchange:    "orders-exchange",
				RoutingKey:  "orders.created",
				Headers:     tt.headers,
			})

			md := d.Metadata("orders")

			assert.Equal(t, "orders", md.SubscriptionName)
			assert.Equal(t, "tag", md.ConsumerTag)
			assert.Equal(t, "msg-1", md.MessageID)
			assert.Equal(t, "tunnelmq.Order", md.Type)
			assert.Equal(t, "orders-exchange", md.OriginExchange)
			assert.Equal(t, "orders.created", md.RoutingKey)
			assert.Equal(t, tt.expectedXCount, md.XCount)
		})
	}
}
