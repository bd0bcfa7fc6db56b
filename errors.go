// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import "fmt"

// TunnelMQError represents a custom error type for tunnelmq operations.
// It encapsulates an error message describing the specific error condition.
type TunnelMQError struct {
	Message string
}

// NewTunnelMQError creates a new TunnelMQError instance with the provided message.
func NewTunnelMQError(msg string) *TunnelMQError {
	return &TunnelMQError{Message: msg}
}

// Error implements the error interface and returns the error message.
func (e *TunnelMQError) Error() string {
	return e.Message
}

var (
	// ErrNotConnected is returned when an operation needs a live connection and there is none.
	ErrNotConnected = NewTunnelMQError("durable connection is not connected")

	// ErrConnectionClosed is returned when the durable connection was closed by the application.
	ErrConnectionClosed = NewTunnelMQError("durable connection is closed")

	// ErrRetryExhausted is returned by a RetryPolicy that gave up.
	ErrRetryExhausted = NewTunnelMQError("retry policy exhausted")

	// ErrMessageNotHandled is returned (or wrapped) by a callback that declines a message.
	ErrMessageNotHandled = NewTunnelMQError("message was not handled")

	// ErrInvalidSubscription is returned when a subscription is registered with invalid parameters.
	ErrInvalidSubscription = NewTunnelMQError("subscription with invalid parameters")

	// ErrSubscriptionAlreadyRegistered is returned when a subscription name is reused.
	ErrSubscriptionAlreadyRegistered = NewTunnelMQError("subscription already registered")

	// ErrNilChannel is returned when a channel operation is attempted on a nil channel.
	ErrNilChannel = NewTunnelMQError("channel cant be null")

	// ErrEmptyExchange is returned by Publish when no exchange and no routing key are given.
	ErrEmptyExchange = NewTunnelMQError("exchange and routing key cannot both be empty")
)

// ConnectionError is raised when a fresh physical connection cannot be established.
type ConnectionError struct {
	Identity ConnectionIdentity
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tunnelmq failed to connect to %s: %v", e.Identity, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TypeMismatchError is reported when a delivery's type tag differs from the
// type a message handler was built for.
type TypeMismatchError struct {
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("tunnelmq message type mismatch: expected %q, received %q", e.Expected, e.Actual)
}

// DeserializationError wraps a serializer failure for a given type tag.
type DeserializationError struct {
	Type string
	Err  error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("tunnelmq failed to deserialize %s: %v", e.Type, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// PanicError carries a value recovered from a panicking callback, observer or hook.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tunnelmq recovered panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// recoverAsError runs fn and turns a panic into a *PanicError.
func recoverAsError(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()

	return fn()
}
