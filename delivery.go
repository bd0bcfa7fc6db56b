// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type (
	// Delivery is one inbound message handed to a message handler.
	// Its fields are never mutated after creation. It is settled (acked or
	// nacked) at most once; later calls are no-ops.
	Delivery struct {
		Body        []byte
		ConsumerTag string
		DeliveryTag uint64
		Exchange    string
		RoutingKey  string
		Type        string
		MessageID   string
		ContentType string
		AppID       string
		Timestamp   time.Time
		Redelivered bool
		Headers     amqp.Table

		acknowledger amqp.Acknowledger
		settled      *atomic.Bool
	}

	// DeliveryMetadata is what a callback receives alongside the decoded message.
	DeliveryMetadata struct {
		SubscriptionName string
		ConsumerTag      string
		DeliveryTag      uint64
		MessageID        string
		XCount           int64
		Type             string
		OriginExchange   string
		RoutingKey       string
		Redelivered      bool
		Headers          map[string]any
	}
)

// NewDelivery wraps an amqp091 delivery.
func NewDelivery(d amqp.Delivery) *Delivery {
	return &Delivery{
		Body:         d.Body,
		ConsumerTag:  d.ConsumerTag,
		DeliveryTag:  d.DeliveryTag,
		Exchange:     d.Exchange,
		RoutingKey:   d.RoutingKey,
		Type:         d.Type,
		MessageID:    d.MessageId,
		ContentType:  d.ContentType,
		AppID:        d.AppId,
		Timestamp:    d.Timestamp,
		Redelivered:  d.Redelivered,
		Headers:      d.Headers,
		acknowledger: d.Acknowledger,
		settled:      new(atomic.Bool),
	}
}

// Ack acknowledges the delivery on the channel it arrived on.
func (d *Delivery) Ack() error {
	if d.acknowledger == nil {
		return ErrNilChannel
	}
	if !d.settle() {
		return nil
	}
	return d.acknowledger.Ack(d.DeliveryTag, false)
}

// Nack negatively acknowledges the delivery.
func (d *Delivery) Nack(requeue bool) error {
	if d.acknowledger == nil {
		return ErrNilChannel
	}
	if !d.settle() {
		return nil
	}
	return d.acknowledger.Nack(d.DeliveryTag, false, requeue)
}

func (d *Delivery) settle() bool {
	if d.settled == nil {
		return true
	}
	return d.settled.CompareAndSwap(false, true)
}

// Metadata extracts the metadata passed to callbacks, including the number
// of times the broker dead-lettered the message (x-death count).
func (d *Delivery) Metadata(subscriptionName string) *DeliveryMetadata {
	var xCount int64
	if xDeath, ok := d.Headers["x-death"].([]any); ok && len(xDeath) > 0 {
		if table, ok := xDeath[0].(amqp.Table); ok {
			xCount, _ = table["count"].(int64)
		}
	}

	return &DeliveryMetadata{
		SubscriptionName: subscriptionName,
		ConsumerTag:      d.ConsumerTag,
		DeliveryTag:      d.DeliveryTag,
		MessageID:        d.MessageID,
		XCount:           xCount,
		Type:             d.Type,
		OriginExchange:   d.Exchange,
		RoutingKey:       d.RoutingKey,
		Redelivered:      d.Redelivered,
		Headers:          d.Headers,
	}
}
