// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// InitiatorApplication marks a shutdown requested by this process.
	InitiatorApplication ShutdownInitiator = iota + 1
	// InitiatorPeer marks a shutdown sent by the broker.
	InitiatorPeer
	// InitiatorLibrary marks a shutdown detected by the client library (socket error, missed heartbeat).
	InitiatorLibrary
)

type (
	// ShutdownInitiator classifies who closed a physical connection.
	ShutdownInitiator int

	// ShutdownReason describes why a physical connection went away.
	// Only shutdowns not initiated by the application trigger a reconnect.
	ShutdownReason struct {
		Initiator ShutdownInitiator
		Code      int
		Cause     string
	}

	// ConnectionIdentity is the key a physical connection is shared under.
	// At most one live physical connection exists per identity in a ConnectionRegistry.
	ConnectionIdentity struct {
		Host        string
		VirtualHost string
	}

	// ConnectionHandle defines the interface for a physical broker connection.
	// It abstracts the underlying AMQP connection so durable connections can be
	// exercised against fakes.
	ConnectionHandle interface {
		// Channel creates a new channel on the connection.
		Channel() (AMQPChannel, error)

		// NotifyShutdown registers a receiver for the shutdown notification.
		// Exactly one ShutdownReason is delivered per receiver; the receiver
		// must be buffered.
		NotifyShutdown(receiver chan ShutdownReason) chan ShutdownReason

		// IsClosed checks if the connection is closed.
		IsClosed() bool

		// Close gracefully closes the connection and all its channels.
		Close() error
	}

	// ConnectionFactory produces physical connections for an identity.
	ConnectionFactory interface {
		CreateConnection(ctx context.Context, identity ConnectionIdentity) (ConnectionHandle, error)
	}

	// ConnectionConfig holds the settings used to dial the broker.
	ConnectionConfig struct {
		ConnectionString string        // amqp URI, the virtual host in it is the default identity
		AppName          string        // reported as connection_name and as AppId on published messages
		Heartbeat        time.Duration // heartbeat interval negotiated with the broker
		Locale           string
		DialTimeout      time.Duration
	}
)

// DefaultConnectionConfig returns the configuration used when only a connection string is known.
func DefaultConnectionConfig(connectionString string) ConnectionConfig {
	return ConnectionConfig{
		ConnectionString: connectionString,
		AppName:          "tunnelmq",
		Heartbeat:        10 * time.Second,
		Locale:           "en_US",
		DialTimeout:      30 * time.Second,
	}
}

func (i ShutdownInitiator) String() string {
	switch i {
	case InitiatorApplication:
		return "application"
	case InitiatorPeer:
		return "peer"
	case InitiatorLibrary:
		return "library"
	default:
		return "unknown"
	}
}

// IsApplication reports whether the shutdown was an intentional close by this process.
func (r ShutdownReason) IsApplication() bool {
	return r.Initiator == InitiatorApplication
}

func (r ShutdownReason) String() string {
	if r.Code != 0 {
		return fmt.Sprintf("%s shutdown (%d): %s", r.Initiator, r.Code, r.Cause)
	}
	return fmt.Sprintf("%s shutdown: %s", r.Initiator, r.Cause)
}

func (i ConnectionIdentity) String() string {
	return i.Host + i.VirtualHost
}

// IdentityFromURI extracts the connection identity from an amqp URI.
func IdentityFromURI(uri string) (ConnectionIdentity, error) {
	parsed, err := amqp.ParseURI(uri)
	if err != nil {
		return ConnectionIdentity{}, err
	}

	vhost := parsed.Vhost
	if vhost == "" {
		vhost = "/"
	}

	return ConnectionIdentity{
		Host:        fmt.Sprintf("%s:%d", parsed.Host, parsed.Port),
		VirtualHost: vhost,
	}, nil
}

// shutdownReasonFromAMQP translates a close notification from amqp091.
// The library closes the notify channel without a value on a graceful Close.
func shutdownReasonFromAMQP(err *amqp.Error) ShutdownReason {
	if err == nil {
		return ShutdownReason{Initiator: InitiatorApplication, Cause: "connection closed by application"}
	}

	initiator := InitiatorLibrary
	if err.Server {
		initiator = InitiatorPeer
	}

	return ShutdownReason{Initiator: initiator, Code: err.Code, Cause: err.Reason}
}
