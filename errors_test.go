// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTunnelMQError_Error(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		expected string
	}{
		{name: "simple error message", message: "connection failed", expected: "connection failed"},
		{name: "empty error message", message: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NewTunnelMQError(tt.message).Error())
		})
	}
}

func TestPredefinedErrors(t *testing.T) {
	sentinels := []error{
		ErrNotConnected,
		ErrConnectionClosed,
		ErrRetryExhausted,
		ErrMessageNotHandled,
		ErrInvalidSubscription,
		ErrSubscriptionAlreadyRegistered,
		ErrNilChannel,
		ErrEmptyExchange,
	}

	seen := map[string]struct{}{}
	for _, err := range sentinels {
		require.NotEmpty(t, err.Error())
		_, dup := seen[err.Error()]
		assert.False(t, dup, "duplicated message %q", err.Error())
		seen[err.Error()] = struct{}{}

		var target *TunnelMQError
		assert.True(t, errors.As(err, &target))
	}
}

func TestConnectionError(t *testing.T) {
	identity := ConnectionIdentity{Host: "localhost:5672", VirtualHost: "/"}
	err := &ConnectionError{Identity: identity, Err: io.EOF}

	assert.Contains(t, err.Error(), "localhost:5672/")
	assert.ErrorIs(t, err, io.EOF)
}

func TestTypeMismatchError(t *testing.T) {
	err := &TypeMismatchError{Expected: "orders.Order", Actual: "Invoice"}

	assert.Contains(t, err.Error(), `"orders.Order"`)
	assert.Contains(t, err.Error(), `"Invoice"`)
}

func TestDeserializationError(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := &DeserializationError{Type: "orders.Order", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "orders.Order")
}

func TestRecoverAsError(t *testing.T) {
	t.Run("returns the function error", func(t *testing.T) {
		err := recoverAsError(func() error { return io.EOF })
		assert.Equal(t, io.EOF, err)
	})

	t.Run("converts a panic value", func(t *testing.T) {
		err := recoverAsError(func() error { panic("boom") })

		var panicErr *PanicError
		require.ErrorAs(t, err, &panicErr)
		assert.Equal(t, "boom", panicErr.Value)
		assert.Nil(t, panicErr.Unwrap())
	})

	t.Run("unwraps a panicking error", func(t *testing.T) {
		err := recoverAsError(func() error { panic(io.ErrUnexpectedEOF) })
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}
