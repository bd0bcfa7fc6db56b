// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// =============================================================================
// MockAMQPChannel - Mock implementation of AMQPChannel interface for testing
// =============================================================================

// MockAMQPChannel is a mock implementation of AMQPChannel interface for testing
type MockAMQPChannel struct {
	mu             sync.Mutex
	consumeError   error
	publishError   error
	qosError       error
	cancelError    error
	closeError     error
	closed         bool
	deliveries     chan amqp.Delivery
	deliveriesDone bool
	prefetchCount  int
	consumerTags   []string
	cancelledTags  []string
	// publishedMessages captures published messages for verification
	publishedMessages []PublishedMessage
}

// PublishedMessage captures the details of a published message
type PublishedMessage struct {
	Exchange   string
	Key        string
	Mandatory  bool
	Immediate  bool
	Publishing amqp.Publishing
}

func NewMockAMQPChannel() *MockAMQPChannel {
	return &MockAMQPChannel{
		deliveries:        make(chan amqp.Delivery, 64),
		publishedMessages: make([]PublishedMessage, 0),
	}
}

func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consumeError != nil {
		return nil, m.consumeError
	}
	m.consumerTags = append(m.consumerTags, consumer)
	return m.deliveries, nil
}

func (m *MockAMQPChannel) Cancel(consumer string, noWait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelledTags = append(m.cancelledTags, consumer)
	m.closeDeliveries()
	return m.cancelError
}

func (m *MockAMQPChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	// Capture published message for verification in tests
	m.publishedMessages = append(m.publishedMessages, PublishedMessage{
		Exchange:   exchange,
		Key:        key,
		Mandatory:  mandatory,
		Immediate:  immediate,
		Publishing: msg,
	})
	return nil
}

func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prefetchCount = prefetchCount
	return m.qosError
}

func (m *MockAMQPChannel) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockAMQPChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.closeDeliveries()
	return m.closeError
}

// closeDeliveries must be called with mu held.
func (m *MockAMQPChannel) closeDeliveries() {
	if !m.deliveriesDone {
		m.deliveriesDone = true
		close(m.deliveries)
	}
}

// Deliver queues a delivery for the consumer. It reports false once the
// consumer was cancelled or the channel closed.
func (m *MockAMQPChannel) Deliver(d amqp.Delivery) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deliveriesDone {
		return false
	}

	select {
	case m.deliveries <- d:
		return true
	default:
		return false
	}
}

// Helper methods for testing
func (m *MockAMQPChannel) SetConsumeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumeError = err
}

func (m *MockAMQPChannel) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

func (m *MockAMQPChannel) SetQosError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qosError = err
}

func (m *MockAMQPChannel) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeError = err
}

// GetPublishedMessages returns all captured published messages
func (m *MockAMQPChannel) GetPublishedMessages() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PublishedMessage, len(m.publishedMessages))
	copy(out, m.publishedMessages)
	return out
}

// GetLastPublishedMessage returns the last published message, or nil if none
func (m *MockAMQPChannel) GetLastPublishedMessage() *PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.publishedMessages) == 0 {
		return nil
	}
	msg := m.publishedMessages[len(m.publishedMessages)-1]
	return &msg
}

// PrefetchCount returns the last prefetch count set through Qos.
func (m *MockAMQPChannel) PrefetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefetchCount
}

// ConsumerTags returns the tags Consume was called with.
func (m *MockAMQPChannel) ConsumerTags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.consumerTags...)
}

// CancelledTags returns the tags Cancel was called with.
func (m *MockAMQPChannel) CancelledTags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelledTags...)
}

// =============================================================================
// MockConnectionHandle - Mock implementation of ConnectionHandle interface for testing
// =============================================================================

// MockConnectionHandle is a mock physical connection. Shutdowns are driven by
// the test through TriggerShutdown.
type MockConnectionHandle struct {
	mu           sync.Mutex
	closed       bool
	closeCount   int
	closeError   error
	channelError error
	channels     []*MockAMQPChannel
	receivers    []chan ShutdownReason
}

func NewMockConnectionHandle() *MockConnectionHandle {
	return &MockConnectionHandle{
		channels:  make([]*MockAMQPChannel, 0),
		receivers: make([]chan ShutdownReason, 0),
	}
}

func (m *MockConnectionHandle) Channel() (AMQPChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channelError != nil {
		return nil, m.channelError
	}
	if m.closed {
		return nil, amqp.ErrClosed
	}

	ch := NewMockAMQPChannel()
	m.channels = append(m.channels, ch)
	return ch, nil
}

func (m *MockConnectionHandle) NotifyShutdown(receiver chan ShutdownReason) chan ShutdownReason {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.receivers = append(m.receivers, receiver)
	return receiver
}

func (m *MockConnectionHandle) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close behaves like a graceful amqp091 close: receivers get an
// application-initiated reason.
func (m *MockConnectionHandle) Close() error {
	m.mu.Lock()
	m.closeCount++
	alreadyClosed := m.closed
	m.mu.Unlock()

	if !alreadyClosed {
		m.TriggerShutdown(ShutdownReason{Initiator: InitiatorApplication, Cause: "connection closed by application"})
	}

	return m.closeError
}

// TriggerShutdown marks the connection closed and notifies every receiver once.
func (m *MockConnectionHandle) TriggerShutdown(reason ShutdownReason) {
	m.mu.Lock()
	m.closed = true
	receivers := m.receivers
	m.receivers = nil
	channels := m.channels
	m.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}

	for _, r := range receivers {
		select {
		case r <- reason:
		default:
		}
	}
}

// Helper methods for testing
func (m *MockConnectionHandle) SetChannelError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelError = err
}

func (m *MockConnectionHandle) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeError = err
}

// CloseCount returns how many times Close was called.
func (m *MockConnectionHandle) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

// Channels returns every channel opened on the connection.
func (m *MockConnectionHandle) Channels() []*MockAMQPChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockAMQPChannel(nil), m.channels...)
}

// LastChannel returns the most recently opened channel, or nil if none.
func (m *MockConnectionHandle) LastChannel() *MockAMQPChannel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.channels) == 0 {
		return nil
	}
	return m.channels[len(m.channels)-1]
}

// =============================================================================
// MockConnectionFactory - Mock implementation of ConnectionFactory interface for testing
// =============================================================================

// MockConnectionFactory creates MockConnectionHandles and records every call.
type MockConnectionFactory struct {
	mu         sync.Mutex
	calls      int
	err        error
	queuedErrs []error
	delay      time.Duration
	handles    []*MockConnectionHandle
}

func NewMockConnectionFactory() *MockConnectionFactory {
	return &MockConnectionFactory{handles: make([]*MockConnectionHandle, 0)}
}

func (f *MockConnectionFactory) CreateConnection(ctx context.Context, identity ConnectionIdentity) (ConnectionHandle, error) {
	f.mu.Lock()
	f.calls++
	delay := f.delay
	var err error
	if len(f.queuedErrs) > 0 {
		err = f.queuedErrs[0]
		f.queuedErrs = f.queuedErrs[1:]
	} else {
		err = f.err
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if err != nil {
		return nil, err
	}

	handle := NewMockConnectionHandle()

	f.mu.Lock()
	f.handles = append(f.handles, handle)
	f.mu.Unlock()

	return handle, nil
}

// Helper methods for testing
func (f *MockConnectionFactory) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// QueueErrors makes the next calls fail with errs, in order.
func (f *MockConnectionFactory) QueueErrors(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queuedErrs = append(f.queuedErrs, errs...)
}

// SetDelay makes every call take at least delay.
func (f *MockConnectionFactory) SetDelay(delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = delay
}

// Calls returns how many times CreateConnection was called.
func (f *MockConnectionFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Handles returns every handle created so far.
func (f *MockConnectionFactory) Handles() []*MockConnectionHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockConnectionHandle(nil), f.handles...)
}

// LastHandle returns the most recently created handle, or nil if none.
func (f *MockConnectionFactory) LastHandle() *MockConnectionHandle {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

// =============================================================================
// MockRetryPolicy - Mock implementation of RetryPolicy interface for testing
// =============================================================================

// MockRetryPolicy invokes the action at once and records every call.
type MockRetryPolicy struct {
	mu     sync.Mutex
	calls  int
	onWait func()
	giveUp error
}

func (p *MockRetryPolicy) WaitForNextRetry(ctx context.Context, action func() error) error {
	p.mu.Lock()
	p.calls++
	onWait := p.onWait
	giveUp := p.giveUp
	p.mu.Unlock()

	if onWait != nil {
		onWait()
	}

	if giveUp != nil {
		return giveUp
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return action()
}

// OnWait sets a function run at the start of every WaitForNextRetry call.
func (p *MockRetryPolicy) OnWait(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWait = fn
}

// SetGiveUp makes WaitForNextRetry return err without invoking the action.
func (p *MockRetryPolicy) SetGiveUp(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.giveUp = err
}

// Calls returns how many times WaitForNextRetry was called.
func (p *MockRetryPolicy) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// =============================================================================
// MockErrorHandler - Mock implementation of ErrorHandler interface for testing
// =============================================================================

// MockErrorHandler records the errors it receives.
type MockErrorHandler struct {
	mu     sync.Mutex
	errs   []error
	result error
	panics any
}

func (h *MockErrorHandler) HandleError(ctx context.Context, delivery *Delivery, err error) error {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	result, panics := h.result, h.panics
	h.mu.Unlock()

	if panics != nil {
		panic(panics)
	}
	return result
}

// SetResult makes HandleError return err.
func (h *MockErrorHandler) SetResult(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result = err
}

// SetPanic makes HandleError panic with v.
func (h *MockErrorHandler) SetPanic(v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.panics = v
}

// Errors returns the errors received so far.
func (h *MockErrorHandler) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

// =============================================================================
// MockAcknowledger - Mock implementation of acknowledger interface for testing
// =============================================================================

// MockAcknowledger is a mock implementation of acknowledger interface for testing
type MockAcknowledger struct {
	mu       sync.Mutex
	acks     []uint64
	nacks    []uint64
	ackFunc  func(multiple bool) error
	nackFunc func(multiple, requeue bool) error
}

func (m *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	m.acks = append(m.acks, tag)
	ackFunc := m.ackFunc
	m.mu.Unlock()

	if ackFunc != nil {
		return ackFunc(multiple)
	}
	return nil
}

func (m *MockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	m.mu.Lock()
	m.nacks = append(m.nacks, tag)
	nackFunc := m.nackFunc
	m.mu.Unlock()

	if nackFunc != nil {
		return nackFunc(multiple, requeue)
	}
	return nil
}

func (m *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Nack(tag, false, requeue)
}

// SetAckFunc overrides the Ack result.
func (m *MockAcknowledger) SetAckFunc(fn func(multiple bool) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackFunc = fn
}

// Acks returns the acknowledged delivery tags.
func (m *MockAcknowledger) Acks() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.acks...)
}

// Nacks returns the negatively acknowledged delivery tags.
func (m *MockAcknowledger) Nacks() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.nacks...)
}
