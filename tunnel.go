// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type (
	// Tunnel is a publish/subscribe session on top of a durable connection.
	// Subscriptions survive reconnections: every time the connection comes
	// back, consumers are started again on fresh channels.
	Tunnel interface {
		// Subscribe registers handler for the deliveries of sub.Queue. Each
		// delivery is acknowledged once the handler reports HandlingComplete.
		Subscribe(sub Subscription, handler DeliveryHandler) error

		// Publish serializes msg and publishes it to exchange with routingKey.
		//
		// Parameters:
		// - ctx: The context for tracing propagation and cancellation.
		// - exchange: The target exchange, empty for the default exchange.
		// - routingKey: The routing key (the queue name on the default exchange).
		// - msg: The message payload to be sent.
		// - options: Additional publishing properties (optional).
		//
		// Returns ErrNotConnected while the durable connection is down.
		Publish(ctx context.Context, exchange, routingKey string, msg any, options ...*Option) error

		// Connection returns the underlying durable connection.
		Connection() DurableConnection

		// Close stops every consumer and closes the durable connection.
		Close() error
	}

	// TunnelOption configures a tunnel.
	TunnelOption func(*tunnel)

	tunnel struct {
		conn       DurableConnection
		appName    string
		serializer Serializer
		typeNames  TypeNameSerializer
		watcher    Watcher
		consumers  *consumerManager

		restartDelay    time.Duration
		restartMaxDelay time.Duration

		pubMu sync.Mutex
		pubCh AMQPChannel
	}
)

// WithAppName sets the AppId of published messages.
func WithAppName(appName string) TunnelOption {
	return func(t *tunnel) {
		t.appName = appName
	}
}

// WithTunnelSerializer sets the serializer used by Publish.
func WithTunnelSerializer(serializer Serializer) TunnelOption {
	return func(t *tunnel) {
		t.serializer = serializer
	}
}

// WithTunnelTypeNameSerializer sets how Publish tags messages.
func WithTunnelTypeNameSerializer(typeNames TypeNameSerializer) TunnelOption {
	return func(t *tunnel) {
		t.typeNames = typeNames
	}
}

// WithTunnelWatcher sets the log sink.
func WithTunnelWatcher(watcher Watcher) TunnelOption {
	return func(t *tunnel) {
		t.watcher = watcher
	}
}

// WithConsumerRestartDelay sets the backoff used to restart a consumer whose
// channel failed while the connection stayed up. The delay starts at initial
// and grows up to maxDelay.
func WithConsumerRestartDelay(initial, maxDelay time.Duration) TunnelOption {
	return func(t *tunnel) {
		t.restartDelay = initial
		t.restartMaxDelay = maxDelay
	}
}

// NewTunnel creates a tunnel over conn. conn may be connected or not yet.
func NewTunnel(conn DurableConnection, opts ...TunnelOption) Tunnel {
	t := &tunnel{
		conn:       conn,
		serializer: JSONSerializer(),
		typeNames:  GoTypeNameSerializer(),
		watcher:    DefaultWatcher(),

		restartDelay:    DefaultConsumerRestartDelay,
		restartMaxDelay: DefaultConsumerRestartMaxDelay,
	}

	for _, opt := range opts {
		opt(t)
	}

	t.consumers = newConsumerManager(conn, t.watcher)
	t.consumers.restartDelay = t.restartDelay
	t.consumers.restartMaxDelay = t.restartMaxDelay

	conn.Connected().Subscribe(func(ConnectionIdentity) error {
		t.consumers.start()
		return nil
	})
	conn.Disconnected().Subscribe(func(reason ShutdownReason) error {
		t.consumers.stop()
		t.resetPublishChannel(nil)
		return nil
	})

	if conn.IsConnected() {
		t.consumers.start()
	}

	return t
}

func (t *tunnel) Subscribe(sub Subscription, handler DeliveryHandler) error {
	return t.consumers.add(sub, handler)
}

func (t *tunnel) Connection() DurableConnection {
	return t.conn
}

func (t *tunnel) Publish(ctx context.Context, exchange, routingKey string, msg any, options ...*Option) error {
	if exchange == "" && routingKey == "" {
		t.watcher.Errorf("exchange and routing key cannot both be empty")
		return ErrEmptyExchange
	}

	body, err := t.serializer.Serialize(msg)
	if err != nil {
		t.watcher.Errorf("publisher marshal: %v", err)
		return err
	}

	headers := amqp.Table{}
	injectTraceContext(ctx, headers)

	mID, err := uuid.NewV7()
	if err != nil {
		mID = uuid.New()
	}

	publishing := amqp.Publishing{
		Headers:     headers,
		Type:        TypeNameOf(t.typeNames, msg),
		ContentType: t.serializer.ContentType(),
		MessageId:   mID.String(),
		AppId:       t.appName,
		Timestamp:   time.Now().UTC(),
		Body:        body,
	}
	applyOptions(&publishing, options)

	ch, err := t.publishChannel()
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
		t.watcher.Errorf("failure to publish message %s: %v", publishing.MessageId, err)
		t.resetPublishChannel(ch)
		return err
	}

	return nil
}

func (t *tunnel) publishChannel() (AMQPChannel, error) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	if t.pubCh != nil && !t.pubCh.IsClosed() {
		return t.pubCh, nil
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return nil, err
	}

	t.pubCh = ch
	return ch, nil
}

// resetPublishChannel drops ch, or whatever channel is cached when ch is nil.
func (t *tunnel) resetPublishChannel(ch AMQPChannel) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	if t.pubCh == nil || (ch != nil && t.pubCh != ch) {
		return
	}

	if !t.pubCh.IsClosed() {
		_ = t.pubCh.Close()
	}
	t.pubCh = nil
}

func (t *tunnel) Close() error {
	if session := t.consumers.stop(); session != nil {
		_ = session.Wait()
	}
	t.resetPublishChannel(nil)

	return t.conn.Close()
}
