// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExceptionHeader carries the error text on dead-lettered messages.
const ExceptionHeader = "x-exception"

type (
	// ErrorHandler receives deliveries that failed to be handled. It may fail
	// itself; message handlers isolate those failures.
	ErrorHandler interface {
		HandleError(ctx context.Context, delivery *Delivery, err error) error
	}

	// ErrorHandlerFunc is a function adapter for ErrorHandler
	ErrorHandlerFunc func(ctx context.Context, delivery *Delivery, err error) error

	defaultErrorHandler struct {
		watcher Watcher
	}

	// DeadLetterErrorHandler republishes failed deliveries to a dead-letter
	// queue through the default exchange.
	DeadLetterErrorHandler struct {
		conn  DurableConnection
		queue string

		mu sync.Mutex
		ch AMQPChannel
	}
)

// HandleError implements ErrorHandler
func (f ErrorHandlerFunc) HandleError(ctx context.Context, delivery *Delivery, err error) error {
	return f(ctx, delivery, err)
}

// NewDefaultErrorHandler logs the failure; the delivery is still acknowledged.
func NewDefaultErrorHandler(watcher Watcher) ErrorHandler {
	return &defaultErrorHandler{watcher: watcher}
}

func (h *defaultErrorHandler) HandleError(_ context.Context, delivery *Delivery, err error) error {
	h.watcher.
		WithField("messageID", delivery.MessageID).
		Errorf("failure to process message %s, removing from queue: %v", delivery.Type, err)
	return nil
}

// NewDeadLetterErrorHandler creates a handler publishing to queue over conn.
func NewDeadLetterErrorHandler(conn DurableConnection, queue string) *DeadLetterErrorHandler {
	return &DeadLetterErrorHandler{conn: conn, queue: queue}
}

// HandleError preserves the original message properties and headers and adds
// the error text under ExceptionHeader.
func (h *DeadLetterErrorHandler) HandleError(ctx context.Context, delivery *Delivery, err error) error {
	headers := amqp.Table{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[ExceptionHeader] = err.Error()

	ch, chErr := h.channel()
	if chErr != nil {
		return chErr
	}

	pubErr := ch.PublishWithContext(ctx, "", h.queue, false, false, amqp.Publishing{
		Headers:     headers,
		Type:        delivery.Type,
		ContentType: delivery.ContentType,
		MessageId:   delivery.MessageID,
		AppId:       delivery.AppID,
		Body:        delivery.Body,
	})
	if pubErr != nil {
		h.reset(ch)
	}
	return pubErr
}

// channel lazily opens one channel and reopens it after the connection healed.
func (h *DeadLetterErrorHandler) channel() (AMQPChannel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ch != nil && !h.ch.IsClosed() {
		return h.ch, nil
	}

	ch, err := h.conn.Channel()
	if err != nil {
		return nil, err
	}

	h.ch = ch
	return ch, nil
}

func (h *DeadLetterErrorHandler) reset(ch AMQPChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ch == ch {
		_ = ch.Close()
		h.ch = nil
	}
}
