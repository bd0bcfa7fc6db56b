// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"context"
	"net"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type (
	// AMQPChannel defines the interface for a RabbitMQ channel.
	// It abstracts the operations the tunnel performs on a channel:
	// consuming, publishing, flow control and closing.
	AMQPChannel interface {
		// Consume starts delivering messages from a queue.
		// Parameters:
		//   - queue: The name of the queue
		//   - consumer: The consumer tag (empty string to have the server generate one)
		//   - autoAck: Acknowledge messages automatically when delivered
		//   - exclusive: Request exclusive consumer access
		//   - noLocal: Don't deliver messages published on this connection
		//   - noWait: Don't wait for a server confirmation
		//   - args: Additional arguments
		// Returns a channel of delivered messages and any error encountered.
		Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)

		// Cancel stops deliveries to the consumer chan established in Consume.
		Cancel(consumer string, noWait bool) error

		// PublishWithContext publishes a message to an exchange.
		// Parameters:
		//   - ctx: Context bounding the publish
		//   - exchange: The name of the exchange
		//   - key: The routing key to use
		//   - mandatory: Return message if it can't be routed to a queue
		//   - immediate: Return message if it can't be delivered to a consumer immediately
		//   - msg: The message to publish
		PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error

		// Qos controls how many unacknowledged deliveries the server keeps in flight.
		Qos(prefetchCount, prefetchSize int, global bool) error

		// IsClosed reports whether the channel is closed.
		IsClosed() bool

		// Close closes the channel.
		Close() error
	}

	// amqpConnection adapts *amqp.Connection to ConnectionHandle.
	amqpConnection struct {
		conn *amqp.Connection
	}

	// AMQPConnectionFactory dials RabbitMQ through amqp091.
	AMQPConnectionFactory struct {
		config ConnectionConfig
	}
)

// dial is a variable that holds the function to establish a connection to RabbitMQ.
// It allows for mocking in tests.
var dial = func(url string, config amqp.Config) (*amqp.Connection, error) {
	return amqp.DialConfig(url, config)
}

// NewAMQPConnectionFactory creates a factory that dials with the given configuration.
func NewAMQPConnectionFactory(config ConnectionConfig) *AMQPConnectionFactory {
	return &AMQPConnectionFactory{config: config}
}

// CreateConnection dials a new physical connection for identity.
// The host and virtual host of the identity override the ones in the connection string.
func (f *AMQPConnectionFactory) CreateConnection(ctx context.Context, identity ConnectionIdentity) (ConnectionHandle, error) {
	url, err := f.urlFor(identity)
	if err != nil {
		return nil, &ConnectionError{Identity: identity, Err: err}
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(f.config.AppName)

	cfg := amqp.Config{
		Vhost:      identity.VirtualHost,
		Heartbeat:  f.config.Heartbeat,
		Locale:     f.config.Locale,
		Properties: props,
	}
	if f.config.DialTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(f.config.DialTimeout)
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)

	logrus.WithField("identity", identity.String()).Debug("tunnelmq connecting to rabbitmq...")

	go func() {
		conn, err := dial(url, cfg)
		done <- result{conn, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			logrus.WithError(res.err).Error("tunnelmq failure to connect to the broker")
			return nil, &ConnectionError{Identity: identity, Err: res.err}
		}
		logrus.WithField("identity", identity.String()).Debug("tunnelmq connected to rabbitmq")
		return &amqpConnection{conn: res.conn}, nil

	case <-ctx.Done():
		go func() {
			if res := <-done; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, &ConnectionError{Identity: identity, Err: ctx.Err()}
	}
}

func (f *AMQPConnectionFactory) urlFor(identity ConnectionIdentity) (string, error) {
	uri, err := amqp.ParseURI(f.config.ConnectionString)
	if err != nil {
		return "", err
	}

	if identity.Host != "" {
		host, port, err := net.SplitHostPort(identity.Host)
		if err != nil {
			return "", err
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return "", err
		}
		uri.Host = host
		uri.Port = p
	}

	if identity.VirtualHost != "" {
		uri.Vhost = identity.VirtualHost
	}

	return uri.String(), nil
}

// Channel creates a new channel on the connection.
func (c *amqpConnection) Channel() (AMQPChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		logrus.WithError(err).Error("tunnelmq failure to establish the channel")
		return nil, err
	}

	return ch, nil
}

// NotifyShutdown translates the amqp091 close notification into a ShutdownReason.
func (c *amqpConnection) NotifyShutdown(receiver chan ShutdownReason) chan ShutdownReason {
	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		err := <-closed
		receiver <- shutdownReasonFromAMQP(err)
	}()

	return receiver
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
