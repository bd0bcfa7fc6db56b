// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"context"
	"errors"
	"sync"
)

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

type (
	// ConnectionState is the state of a durable connection.
	ConnectionState int

	// DurableConnection keeps a logical connection to the broker alive across
	// physical connection drops. Shutdowns not initiated by the application are
	// healed through the configured RetryPolicy.
	DurableConnection interface {
		// Connect establishes the logical connection. It is idempotent: an
		// already connected instance with a healthy handle returns nil at once.
		// The first failure is returned to the caller and is not retried.
		Connect(ctx context.Context) error

		// State returns the current state of the connection.
		State() ConnectionState

		// IsConnected reports whether State is StateConnected.
		IsConnected() bool

		// Identity returns the identity the physical connection is shared under.
		Identity() ConnectionIdentity

		// Connection returns the current physical connection.
		Connection() (ConnectionHandle, error)

		// Channel opens a new channel on the current physical connection.
		Channel() (AMQPChannel, error)

		// Connected fires after every successful (re)connection.
		Connected() *Event[ConnectionIdentity]

		// Disconnected fires once per lost physical connection.
		Disconnected() *Event[ShutdownReason]

		// RetryExhausted fires when the retry policy gives up reconnecting.
		RetryExhausted() *Event[error]

		// Close stops any pending reconnect and releases the physical connection.
		Close() error
	}

	// DurableConnectionOption configures a durable connection.
	DurableConnectionOption func(*durableConnection)

	durableConnection struct {
		identity    ConnectionIdentity
		factory     ConnectionFactory
		registry    *ConnectionRegistry
		retryPolicy RetryPolicy
		watcher     Watcher

		connected      *Event[ConnectionIdentity]
		disconnected   *Event[ShutdownReason]
		retryExhausted *Event[error]

		// connectMu serializes creation attempts from Connect and the reconnect loop
		connectMu sync.Mutex

		mu           sync.RWMutex
		state        ConnectionState
		handle       ConnectionHandle
		closed       bool
		reconnecting bool
		// stopRetry cancels the running reconnect loop; set only while reconnecting
		stopRetry context.CancelFunc
		stopped   bool

		ctx    context.Context
		cancel context.CancelFunc
	}
)

// WithRetryPolicy sets the policy used to reconnect after an unexpected shutdown.
func WithRetryPolicy(policy RetryPolicy) DurableConnectionOption {
	return func(dc *durableConnection) {
		dc.retryPolicy = policy
	}
}

// WithRegistry shares physical connections with every durable connection using the same registry.
func WithRegistry(registry *ConnectionRegistry) DurableConnectionOption {
	return func(dc *durableConnection) {
		dc.registry = registry
	}
}

// WithWatcher sets the log sink.
func WithWatcher(watcher Watcher) DurableConnectionOption {
	return func(dc *durableConnection) {
		dc.watcher = watcher
	}
}

// NewDurableConnection creates a disconnected durable connection. Call Connect to establish it.
//
// Unless WithRegistry is given, every durable connection gets a private
// registry and therefore its own physical connection. Pass one shared
// ConnectionRegistry to keep a single live connection per identity.
func NewDurableConnection(identity ConnectionIdentity, factory ConnectionFactory, opts ...DurableConnectionOption) DurableConnection {
	ctx, cancel := context.WithCancel(context.Background())

	dc := &durableConnection{
		identity:    identity,
		factory:     factory,
		registry:    NewConnectionRegistry(),
		retryPolicy: NewExponentialRetryPolicy(DefaultReconnectionConfig),
		watcher:     DefaultWatcher(),
		state:       StateDisconnected,
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, opt := range opts {
		opt(dc)
	}

	dc.watcher = dc.watcher.WithField("identity", identity.String())
	dc.connected = newEvent[ConnectionIdentity]("connected", dc.watcher)
	dc.disconnected = newEvent[ShutdownReason]("disconnected", dc.watcher)
	dc.retryExhausted = newEvent[error]("retry exhausted", dc.watcher)

	return dc
}

// Dial creates a durable connection to the broker described by cfg and connects it.
func Dial(ctx context.Context, cfg ConnectionConfig, opts ...DurableConnectionOption) (DurableConnection, error) {
	identity, err := IdentityFromURI(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}

	dc := NewDurableConnection(identity, NewAMQPConnectionFactory(cfg), opts...)
	if err := dc.Connect(ctx); err != nil {
		_ = dc.Close()
		return nil, err
	}

	return dc, nil
}

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

func (dc *durableConnection) Connect(ctx context.Context) error {
	return dc.connectAndNotify(ctx)
}

// connectAndNotify fires Connected after the connect lock is released so
// observers may call back into the connection.
func (dc *durableConnection) connectAndNotify(ctx context.Context) error {
	dc.connectMu.Lock()
	established, err := dc.connect(ctx)
	dc.connectMu.Unlock()

	if established {
		dc.connected.fire(dc.identity)
	}

	return err
}

// connect must be called with connectMu held. It reports whether a new
// physical connection was adopted.
func (dc *durableConnection) connect(ctx context.Context) (bool, error) {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return false, ErrConnectionClosed
	}
	if dc.state == StateConnected && dc.handle != nil && !dc.handle.IsClosed() {
		dc.mu.Unlock()
		return false, nil
	}
	dc.state = StateConnecting
	dc.mu.Unlock()

	dc.watcher.Infof("establishing connection...")

	handle, err := dc.registry.GetOrCreate(ctx, dc.identity, dc.factory)
	if err != nil {
		dc.mu.Lock()
		dc.state = StateDisconnected
		dc.mu.Unlock()

		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			err = &ConnectionError{Identity: dc.identity, Err: err}
		}
		dc.watcher.Errorf("failed to establish connection: %v", err)
		return false, err
	}

	shutdown := handle.NotifyShutdown(make(chan ShutdownReason, 1))

	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		_ = dc.registry.Release(dc.identity, handle)
		return false, ErrConnectionClosed
	}
	dc.handle = handle
	dc.state = StateConnected
	dc.mu.Unlock()

	go dc.watch(handle, shutdown)

	dc.watcher.Infof("connection established successfully")
	return true, nil
}

// watch waits for the shutdown of one physical connection.
func (dc *durableConnection) watch(handle ConnectionHandle, shutdown <-chan ShutdownReason) {
	select {
	case <-dc.ctx.Done():
	case reason := <-shutdown:
		dc.onShutdown(handle, reason)
	}
}

func (dc *durableConnection) onShutdown(handle ConnectionHandle, reason ShutdownReason) {
	dc.mu.Lock()
	if dc.closed || dc.state == StateDisconnected || dc.handle != handle {
		dc.mu.Unlock()
		if dc.watcher.IsDebugEnabled() {
			dc.watcher.Debugf("ignoring duplicate shutdown signal: %s", reason)
		}
		return
	}
	dc.handle = nil
	dc.state = StateDisconnected
	if reason.IsApplication() && dc.stopRetry != nil {
		dc.stopped = true
		dc.stopRetry()
	}
	dc.mu.Unlock()

	if reason.IsApplication() {
		dc.watcher.Infof("connection closed by application, not reconnecting")
		dc.disconnected.fire(reason)
		return
	}

	dc.registry.Remove(dc.identity, handle)
	dc.watcher.Warnf("connection closed unexpectedly: %s", reason)
	dc.disconnected.fire(reason)

	dc.reconnectLoop()
}

// reconnectLoop drives the retry policy until the connection is back, the
// policy gives up, the application closes the new connection, or the durable
// connection is closed. Only one loop runs per durable connection.
func (dc *durableConnection) reconnectLoop() {
	dc.mu.Lock()
	if dc.reconnecting || dc.closed {
		dc.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(dc.ctx)
	defer cancel()

	dc.reconnecting = true
	dc.stopRetry = cancel
	dc.stopped = false
	dc.mu.Unlock()

	reconnect := func() error {
		return dc.connectAndNotify(ctx)
	}

	for {
		err := dc.retryPolicy.WaitForNextRetry(ctx, reconnect)

		dc.mu.Lock()
		stopped := dc.stopped
		done := err != nil || stopped || dc.closed || dc.state == StateConnected
		if done {
			dc.reconnecting = false
			dc.stopRetry = nil
			dc.stopped = false
		}
		closed := dc.closed
		dc.mu.Unlock()

		if !done {
			// the new connection died unexpectedly before the loop could observe it
			continue
		}

		switch {
		case stopped && !closed:
			dc.watcher.Infof("reconnection stopped, connection closed by application")
		case err == nil:
			dc.watcher.Infof("reconnection successful")
		case closed || errors.Is(err, context.Canceled):
			dc.watcher.Infof("reconnection cancelled, connection closed")
		default:
			dc.watcher.Errorf("giving up reconnection: %v", err)
			dc.retryExhausted.fire(err)
		}
		return
	}
}

func (dc *durableConnection) State() ConnectionState {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.state
}

func (dc *durableConnection) IsConnected() bool {
	return dc.State() == StateConnected
}

func (dc *durableConnection) Identity() ConnectionIdentity {
	return dc.identity
}

func (dc *durableConnection) Connection() (ConnectionHandle, error) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	if dc.closed {
		return nil, ErrConnectionClosed
	}

	if dc.handle == nil || dc.handle.IsClosed() {
		return nil, ErrNotConnected
	}

	return dc.handle, nil
}

func (dc *durableConnection) Channel() (AMQPChannel, error) {
	handle, err := dc.Connection()
	if err != nil {
		return nil, err
	}

	return handle.Channel()
}

func (dc *durableConnection) Connected() *Event[ConnectionIdentity] {
	return dc.connected
}

func (dc *durableConnection) Disconnected() *Event[ShutdownReason] {
	return dc.disconnected
}

func (dc *durableConnection) RetryExhausted() *Event[error] {
	return dc.retryExhausted
}

func (dc *durableConnection) Close() error {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return nil
	}
	dc.closed = true
	handle := dc.handle
	wasConnected := dc.state == StateConnected
	dc.handle = nil
	dc.state = StateDisconnected
	dc.mu.Unlock()

	dc.cancel()

	var err error
	if handle != nil {
		if err = dc.registry.Release(dc.identity, handle); err != nil {
			dc.watcher.Errorf("error closing connection: %v", err)
		}
	}

	if wasConnected {
		dc.disconnected.fire(ShutdownReason{Initiator: InitiatorApplication, Cause: "durable connection closed"})
	}

	dc.watcher.Infof("durable connection closed")
	return err
}
