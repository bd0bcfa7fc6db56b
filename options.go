// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type (
	OptionKey string

	Option struct {
		Key   OptionKey
		Value any
	}

	OptionsBuilder struct {
		options []*Option
	}
)

const (
	OptionDeliveryModeKey  OptionKey = "DeliveryMode"
	OptionHeadersKey       OptionKey = "Headers"
	OptionPriorityKey      OptionKey = "Priority"
	OptionExpirationKey    OptionKey = "Expiration"
	OptionCorrelationIDKey OptionKey = "CorrelationId"
	OptionReplyToKey       OptionKey = "ReplyTo"
)

func NewOption() *OptionsBuilder {
	return &OptionsBuilder{options: []*Option{}}
}

func (b *OptionsBuilder) WithOption(option *Option) *OptionsBuilder {
	b.options = append(b.options, option)
	return b
}

func (b *OptionsBuilder) WithDeliveryMode(deliveryMode uint8) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionDeliveryModeKey, Value: deliveryMode})
	return b
}

func (b *OptionsBuilder) WithDeliveryModeTransient() *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionDeliveryModeKey, Value: amqp.Transient})
	return b
}

func (b *OptionsBuilder) WithDeliveryModePersistent() *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionDeliveryModeKey, Value: amqp.Persistent})
	return b
}

func (b *OptionsBuilder) WithHeaders(headers map[string]any) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionHeadersKey, Value: headers})
	return b
}

func (b *OptionsBuilder) WithPriority(priority uint8) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionPriorityKey, Value: priority})
	return b
}

// WithExpiration sets the per-message TTL.
func (b *OptionsBuilder) WithExpiration(ttl time.Duration) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionExpirationKey, Value: ttl})
	return b
}

func (b *OptionsBuilder) WithCorrelationID(id string) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionCorrelationIDKey, Value: id})
	return b
}

func (b *OptionsBuilder) WithReplyTo(queue string) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionReplyToKey, Value: queue})
	return b
}

func (b *OptionsBuilder) Build() []*Option {
	return b.options
}

// applyOptions copies options onto an outgoing publishing. Values of an
// unexpected type are ignored.
func applyOptions(msg *amqp.Publishing, options []*Option) {
	for _, opt := range options {
		if opt == nil {
			continue
		}

		switch opt.Key {
		case OptionDeliveryModeKey:
			if v, ok := opt.Value.(uint8); ok {
				msg.DeliveryMode = v
			}
		case OptionHeadersKey:
			if v, ok := opt.Value.(map[string]any); ok {
				if msg.Headers == nil {
					msg.Headers = amqp.Table{}
				}
				for k, hv := range v {
					msg.Headers[k] = hv
				}
			}
		case OptionPriorityKey:
			if v, ok := opt.Value.(uint8); ok {
				msg.Priority = v
			}
		case OptionExpirationKey:
			if v, ok := opt.Value.(time.Duration); ok {
				msg.Expiration = formatExpiration(v)
			}
		case OptionCorrelationIDKey:
			if v, ok := opt.Value.(string); ok {
				msg.CorrelationId = v
			}
		case OptionReplyToKey:
			if v, ok := opt.Value.(string); ok {
				msg.ReplyTo = v
			}
		}
	}
}

// formatExpiration renders a TTL the way the broker expects it: milliseconds as a string.
func formatExpiration(ttl time.Duration) string {
	ms := ttl.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms, 10)
}
